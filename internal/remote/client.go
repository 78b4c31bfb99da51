package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/sony/gobreaker"
)

const (
	authScheme   = "Sealed "
	maxReplySize = 1 << 20
)

// Store is a jobs.Store whose calls are callbacks to the control plane.
// A breaker fails calls fast while the control plane is unreachable.
type Store struct {
	base  string
	codec *Codec
	hc    *http.Client
	cb    *gobreaker.CircuitBreaker
}

// NewStore targets baseURL, e.g. "https://control.example.org/callbacks".
// A nil hc uses a client with a 10s timeout.
func NewStore(baseURL string, codec *Codec, hc *http.Client) *Store {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Store{
		base:  strings.TrimRight(baseURL, "/"),
		codec: codec,
		hc:    hc,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "callbacks",
			MaxRequests: 100,
			Interval:    5 * time.Second,
			Timeout:     3 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, jobs.ErrNotFound)
			},
		}),
	}
}

// BreakerState reports the breaker state ("closed", "half-open", "open").
func (s *Store) BreakerState() string { return s.cb.State().String() }

func (s *Store) url(jobID int64, path string) string {
	return s.base + "/" + strconv.FormatInt(jobID, 10) + path
}

func (s *Store) call(ctx context.Context, method string, jobID int64, path string, in, out any) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		var body io.Reader
		var auth string
		if in != nil {
			sealed, err := s.codec.Seal(jobID, in)
			if err != nil {
				return nil, err
			}
			body = strings.NewReader(sealed)
		} else {
			tok, err := s.codec.Seal(jobID, ticket{JobID: jobID})
			if err != nil {
				return nil, err
			}
			auth = authScheme + tok
		}
		req, err := http.NewRequestWithContext(ctx, method, s.url(jobID, path), body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := s.hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, jobs.ErrNotFound
		case resp.StatusCode >= 300:
			return nil, fmt.Errorf("callback %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
		}
		if out != nil {
			if err := s.codec.Open(jobID, strings.TrimSpace(string(b)), out); err != nil {
				return nil, fmt.Errorf("callback %s: open reply: %w", path, err)
			}
		}
		return nil, nil
	})
	return err
}

func (s *Store) LoadJobConfig(ctx context.Context, jobID int64) (jobs.JobConfig, error) {
	var c jobs.JobConfig
	if err := s.call(ctx, http.MethodGet, jobID, "/config", nil, &c); err != nil {
		return jobs.JobConfig{}, err
	}
	if c.ID != jobID {
		return jobs.JobConfig{}, fmt.Errorf("callback config: got job %d, want %d", c.ID, jobID)
	}
	return c.WithDefaults(), nil
}

type logLine struct {
	Level   jobs.Level `json:"level"`
	Message string     `json:"message"`
}

func (s *Store) AppendLog(ctx context.Context, jobID int64, level jobs.Level, message string) error {
	return s.call(ctx, http.MethodPost, jobID, "/logs", logLine{Level: level, Message: message}, nil)
}

func (s *Store) UpdateHealthAndStatus(ctx context.Context, jobID int64, u jobs.StatusUpdate) error {
	return s.call(ctx, http.MethodPost, jobID, "/health", u, nil)
}

func (s *Store) CacheFacilities(ctx context.Context, jobID int64, list []jobs.FacilityLocation) error {
	return s.call(ctx, http.MethodPost, jobID, "/facilities", list, nil)
}

func (s *Store) CachedFacilities(ctx context.Context, jobID int64) ([]jobs.FacilityLocation, error) {
	var list []jobs.FacilityLocation
	err := s.call(ctx, http.MethodGet, jobID, "/facilities", nil, &list)
	return list, err
}

func (s *Store) RecordBooking(ctx context.Context, jobID int64, b jobs.Booking) error {
	return s.call(ctx, http.MethodPost, jobID, "/bookings", b, nil)
}
