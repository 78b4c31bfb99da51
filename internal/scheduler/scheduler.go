package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/portal"
	"github.com/sirupsen/logrus"
)

// Scheduler owns every Runner of the process, at most one live per job.
type Scheduler struct {
	Store   jobs.Store
	Pool    *portal.Pool
	BaseURL string
	Logger  *logrus.Logger

	// Runner overrides, used by tests.
	NewPortal PortalFactory
	Sleep     func(ctx context.Context, d time.Duration) error
	StopWait  time.Duration

	mu      sync.Mutex
	runners map[int64]*Runner
}

func (s *Scheduler) logger() *logrus.Logger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

// openPortal checks a session for the job out of the shared pool.
func (s *Scheduler) openPortal(cfg jobs.JobConfig) (Portal, func(), error) {
	c, err := s.Pool.Checkout(cfg.ID, portal.Config{
		BaseURL:    s.BaseURL,
		Locale:     cfg.Locale,
		ScheduleID: cfg.ScheduleID,
		Timeout:    cfg.RequestTimeout,
		MaxRetries: cfg.MaxRetries,
		Logger:     s.logger().WithField("job_id", cfg.ID),
	})
	if err != nil {
		return nil, nil, err
	}
	return c, func() { s.Pool.Release(cfg.ID) }, nil
}

// Start launches a fresh run for jobID. ErrAlreadyRunning if one is live,
// still starting, or stopped but with its loop not yet exited.
func (s *Scheduler) Start(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	if s.runners == nil {
		s.runners = map[int64]*Runner{}
	}
	if r, ok := s.runners[jobID]; ok && (!r.Status().State.Terminal() || !closed(r.Done())) {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	factory := s.NewPortal
	if factory == nil {
		factory = s.openPortal
	}
	r := NewRunner(jobID, Options{
		Store:     s.Store,
		NewPortal: factory,
		Logger:    s.logger(),
		Sleep:     s.Sleep,
		StopWait:  s.StopWait,
	})
	s.runners[jobID] = r
	s.mu.Unlock()

	return r.Start(ctx)
}

func (s *Scheduler) Stop(jobID int64) error {
	s.mu.Lock()
	r, ok := s.runners[jobID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	return r.Stop()
}

// Status reports the latest run of jobID, if this process has one.
func (s *Scheduler) Status(jobID int64) (Status, bool) {
	s.mu.Lock()
	r, ok := s.runners[jobID]
	s.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return r.Status(), true
}

// Done is closed when the latest run of jobID ends. Nil if there is none.
func (s *Scheduler) Done(jobID int64) <-chan struct{} {
	s.mu.Lock()
	r, ok := s.runners[jobID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Done()
}

// Running lists the ids with a live run.
func (s *Scheduler) Running() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, r := range s.runners {
		if r.Status().State == jobs.StateRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// StopAll stops every live run concurrently and waits for them.
func (s *Scheduler) StopAll() {
	var wg sync.WaitGroup
	for _, id := range s.Running() {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_ = s.Stop(id)
		}(id)
	}
	wg.Wait()
}

// Resume starts every listed job whose stored state is running, e.g. after
// a process restart. Failures are logged and skipped.
func (s *Scheduler) Resume(ctx context.Context, list []jobs.Summary) int {
	n := 0
	for _, j := range list {
		if j.State != jobs.StateRunning {
			continue
		}
		if err := s.Start(ctx, j.ID); err != nil {
			s.logger().WithError(err).WithField("job", j.ID).Warn("resume failed")
			continue
		}
		n++
	}
	return n
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
