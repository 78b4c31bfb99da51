// Package interval computes the wait between check cycles.
package interval

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Floor is the shortest wait ever returned by Next.
const Floor = 3 * time.Second

// Phase is one step of a time-varying cadence.
type Phase struct {
	Seconds         int `json:"seconds"`
	DurationMinutes int `json:"durationMinutes"`
}

// ValidatePhases rejects phases that could never become active.
func ValidatePhases(phases []Phase) error {
	for i, p := range phases {
		if p.Seconds < 1 {
			return fmt.Errorf("phase %d: seconds must be >= 1", i)
		}
		if p.DurationMinutes < 1 {
			return fmt.Errorf("phase %d: durationMinutes must be >= 1", i)
		}
	}
	return nil
}

// Scheduler picks the next interval, either a fixed base or the active phase
// of a multi-phase schedule anchored at the last reset.
type Scheduler struct {
	base   time.Duration
	phases []Phase

	now    func() time.Time
	jitter func() float64

	mu     sync.Mutex
	anchor time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithJitter sets the random source; it must return values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(s *Scheduler) { s.jitter = fn }
}

// New creates a Scheduler. An empty phase list means a fixed cadence.
func New(base time.Duration, phases []Phase, opts ...Option) *Scheduler {
	s := &Scheduler{
		base:   base,
		phases: append([]Phase(nil), phases...),
		now:    time.Now,
		jitter: rand.Float64,
	}
	for _, o := range opts {
		o(s)
	}
	s.anchor = s.now()
	return s
}

// Reset restarts the phase schedule from phase 0.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.anchor = s.now()
	s.mu.Unlock()
}

// Anchor returns the time the current phase schedule started.
func (s *Scheduler) Anchor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchor
}

// Current returns the un-jittered interval that is active now and the index
// of the active phase (-1 for a fixed cadence). When the elapsed time has run
// past the whole schedule, the anchor moves to now and phase 0 is active.
func (s *Scheduler) Current() (time.Duration, int) {
	if len(s.phases) == 0 {
		return s.base, -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	elapsed := now.Sub(s.anchor)
	var total time.Duration
	for _, p := range s.phases {
		total += time.Duration(p.DurationMinutes) * time.Minute
	}
	if elapsed > total {
		s.anchor = now
		elapsed = 0
	}

	var end time.Duration
	for i, p := range s.phases {
		end += time.Duration(p.DurationMinutes) * time.Minute
		if elapsed < end {
			return time.Duration(p.Seconds) * time.Second, i
		}
	}
	last := len(s.phases) - 1
	return time.Duration(s.phases[last].Seconds) * time.Second, last
}

// Next returns the active interval with ±10% symmetric jitter, never below Floor.
func (s *Scheduler) Next() time.Duration {
	d, _ := s.Current()
	spread := float64(d) * 0.1
	d = time.Duration(float64(d) + (s.jitter()*2-1)*spread)
	if d < Floor {
		return Floor
	}
	return d
}
