// Package logging configures logrus and forwards job-scoped entries to the
// job log store.
package logging

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/sirupsen/logrus"
)

// JobField is the entry field that marks a line as belonging to a job.
const JobField = "job_id"

// New builds a logger writing to out. format is "text" or "json".
func New(level, format string, out io.Writer) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(out)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
	return l, nil
}

// LogSink receives job log lines.
type LogSink interface {
	AppendLog(ctx context.Context, jobID int64, level jobs.Level, message string) error
}

// StoreHook appends every entry carrying JobField to the sink. Sink
// failures are dropped.
type StoreHook struct {
	sink    LogSink
	timeout time.Duration
	levels  []logrus.Level
}

// NewStoreHook forwards info and above.
func NewStoreHook(sink LogSink) *StoreHook {
	return &StoreHook{
		sink:    sink,
		timeout: 5 * time.Second,
		levels:  []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel},
	}
}

func (h *StoreHook) Levels() []logrus.Level {
	return h.levels
}

func (h *StoreHook) Fire(entry *logrus.Entry) error {
	id, ok := jobID(entry.Data[JobField])
	if !ok {
		return nil
	}
	msg := entry.Message
	if err, ok := entry.Data[logrus.ErrorKey].(error); ok && err != nil {
		msg += ": " + err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	_ = h.sink.AppendLog(ctx, id, levelOf(entry.Level), msg)
	return nil
}

func jobID(v any) (int64, bool) {
	switch id := v.(type) {
	case int64:
		return id, true
	case int:
		return int64(id), true
	}
	return 0, false
}

func levelOf(l logrus.Level) jobs.Level {
	switch {
	case l <= logrus.ErrorLevel:
		return jobs.LevelError
	case l == logrus.WarnLevel:
		return jobs.LevelWarn
	case l == logrus.InfoLevel:
		return jobs.LevelInfo
	}
	return jobs.LevelDebug
}
