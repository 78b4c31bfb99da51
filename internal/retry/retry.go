// Package retry wraps transport calls with classified exponential backoff.
//
// Socket-class failures (resets, refusals, timeouts, hang ups) are treated as
// a probable soft block by the remote side and wait materially longer than
// other failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"
)

const (
	DefaultMaxRetries = 3

	socketBase = 5 * time.Second
	socketCap  = 60 * time.Second
	otherBase  = 1 * time.Second
	otherCap   = 10 * time.Second
	maxJitter  = 2 * time.Second
)

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Socket   bool
	Err      error
}

func (e *ExhaustedError) Error() string {
	kind := "other"
	if e.Socket {
		kind = "socket"
	}
	return fmt.Sprintf("retries exhausted after %d attempts (%s): %v", e.Attempts, kind, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err came out of a Policy that ran out of attempts.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// IsExhaustedSocket reports a retries-exhausted failure whose last attempt was
// socket-class. This is the signal the orchestrator counts towards an IP block.
func IsExhaustedSocket(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex) && ex.Socket
}

// IsSocket classifies err as a transient socket-class failure.
func IsSocket(err error) bool {
	if err == nil {
		return false
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Socket
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "connection refused", "timeout", "timed out", "aborted", "hang up", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Policy retries an operation with exponential backoff and jitter.
type Policy struct {
	// MaxRetries is the total number of attempts. Default: 3.
	MaxRetries int
	// Sleep waits d or until ctx is done. Default: a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a value in [0, 1). Default: math/rand/v2.
	Jitter func() float64
	// OnRetry is called before each backoff sleep (may be nil).
	OnRetry func(attempt int, wait time.Duration, err error)
}

func (p *Policy) defaults() {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.Sleep == nil {
		p.Sleep = Sleep
	}
	if p.Jitter == nil {
		p.Jitter = rand.Float64
	}
}

// BaseDelay is the deterministic part of the wait after the given 1-based
// attempt failed.
func BaseDelay(attempt int, socket bool) time.Duration {
	base, limit := otherBase, otherCap
	if socket {
		base, limit = socketBase, socketCap
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

// Delay is BaseDelay plus jitter in [0, 2s).
func (p Policy) Delay(attempt int, socket bool) time.Duration {
	p.defaults()
	return BaseDelay(attempt, socket) + time.Duration(p.Jitter()*float64(maxJitter))
}

// Do runs op until it succeeds, the parent context ends, or MaxRetries
// attempts have failed. The last case returns an *ExhaustedError.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p.defaults()
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		socket := IsSocket(err)
		if attempt >= p.MaxRetries {
			return &ExhaustedError{Attempts: attempt, Socket: socket, Err: err}
		}
		wait := p.Delay(attempt, socket)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if serr := p.Sleep(ctx, wait); serr != nil {
			return err
		}
	}
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
