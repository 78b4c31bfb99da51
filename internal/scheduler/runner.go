package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/appt-scheduler/internal/interval"
	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/portal"
	"github.com/example/appt-scheduler/internal/retry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyRunning = errors.New("job already running")
	ErrNotRunning     = errors.New("job not running")
)

var cooldownTiers = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

const (
	loginRetryWait     = 60 * time.Second
	loginBackoffWait   = 5 * time.Minute
	unexpectedLimit    = 10
	unexpectedCooldown = 5 * time.Minute
	healthFlushEvery   = 5
	defaultStopWait    = 5 * time.Second
	persistTimeout     = 10 * time.Second
	ipBlockedLastError = "IP_BLOCKED"
)

// cooldownFor returns the cooldown after the n-th (0-based) IP block of a run.
func cooldownFor(n int) time.Duration {
	if n >= len(cooldownTiers) {
		n = len(cooldownTiers) - 1
	}
	if n < 0 {
		n = 0
	}
	return cooldownTiers[n]
}

// Options are the collaborators of a Runner.
type Options struct {
	Store     jobs.Store
	NewPortal PortalFactory
	Logger    *logrus.Logger

	// Sleep waits d or until ctx is done. Default: retry.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
	Rand  func() float64

	// StopWait bounds how long Stop waits for the loop. Default: 5s.
	StopWait time.Duration
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Sleep == nil {
		o.Sleep = retry.Sleep
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	if o.StopWait <= 0 {
		o.StopWait = defaultStopWait
	}
}

// Status is a point-in-time view of a run.
type Status struct {
	JobID    int64            `json:"job_id"`
	RunID    string           `json:"run_id,omitempty"`
	State    jobs.State       `json:"state"`
	Health   jobs.HealthStats `json:"health"`
	IPBlocks int              `json:"ip_blocks"`
}

// Runner drives one job: login, then check cycles until booked, stopped or
// failed. A Runner is single-use; create a new one to restart a job.
type Runner struct {
	id   int64
	opts Options
	log  *logrus.Entry

	running atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc

	mu      sync.Mutex
	state   jobs.State
	runID   string
	health  jobs.HealthStats
	blocks  int
	release func()

	// Owned by the loop goroutine after Start returns.
	cfg        jobs.JobConfig
	p          Portal
	sched      *interval.Scheduler
	facilities []jobs.FacilityLocation
	cycles     int
	loginErr   error
}

func NewRunner(jobID int64, opts Options) *Runner {
	opts.defaults()
	return &Runner{
		id:    jobID,
		opts:  opts,
		log:   opts.Logger.WithField("job_id", jobID),
		state: jobs.StateIdle,
		done:  make(chan struct{}),
	}
}

// Start loads the job, signs in and launches the loop. A login failure is
// final: the job is persisted as error and no loop runs.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != jobs.StateIdle {
		st := r.state
		r.mu.Unlock()
		if st == jobs.StateRunning {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("runner for job %d already used (state %s)", r.id, st)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.state = jobs.StateRunning
	r.runID = uuid.NewString()
	now := r.opts.Now()
	r.health = jobs.HealthStats{StartedAt: &now}
	r.log = r.log.WithField("run_id", r.runID)
	r.mu.Unlock()
	r.running.Store(true)

	cfg, err := r.opts.Store.LoadJobConfig(ctx, r.id)
	if err != nil {
		return r.abort(fmt.Errorf("load job: %w", err))
	}
	r.cfg = cfg.WithDefaults()

	p, release, err := r.opts.NewPortal(r.cfg)
	if err != nil {
		return r.abort(fmt.Errorf("open session: %w", err))
	}
	r.p = p
	r.mu.Lock()
	r.release = release
	r.mu.Unlock()

	r.sched = interval.New(r.cfg.Interval, r.cfg.Phases, interval.WithClock(r.opts.Now), interval.WithJitter(r.opts.Rand))

	r.p.ResetSession()
	if err := r.p.Login(runCtx, r.cfg.Email, r.cfg.Password); err != nil {
		return r.abort(fmt.Errorf("login: %w", err))
	}
	r.log.Info("signed in")

	r.loadFacilities(runCtx)
	if !r.running.Load() {
		return r.abort(context.Canceled)
	}
	r.persist(jobs.StatusUpdate{State: jobs.StateRunning, Health: r.healthSnapshot()})

	go r.loop(runCtx)
	return nil
}

// abort ends a run that never reached the loop. A stop requested meanwhile
// ends it as stopped instead of error.
func (r *Runner) abort(err error) error {
	stopped := !r.running.Swap(false)
	r.cancel()
	if stopped {
		r.finish(jobs.StateStopped, nil)
	} else {
		r.log.WithError(err).Error("start failed")
		r.finish(jobs.StateError, err)
	}
	r.exit()
	return err
}

// exit hands the session back and closes done. The pool keeps the job
// checked out until the goroutine driving it is gone.
func (r *Runner) exit() {
	r.mu.Lock()
	release := r.release
	r.release = nil
	r.mu.Unlock()
	if release != nil {
		release()
	}
	close(r.done)
}

// Stop asks the loop to exit, waits up to StopWait and marks the job stopped.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if r.state != jobs.StateRunning {
		r.mu.Unlock()
		return ErrNotRunning
	}
	cancel := r.cancel
	r.mu.Unlock()

	r.running.Store(false)
	cancel()
	select {
	case <-r.done:
	case <-time.After(r.opts.StopWait):
		r.log.Warn("loop did not exit in time; marking stopped anyway")
	}
	r.finish(jobs.StateStopped, nil)
	r.log.Info("stopped")
	return nil
}

// Done is closed when the loop has exited and its session is released.
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{JobID: r.id, RunID: r.runID, State: r.state, Health: r.health, IPBlocks: r.blocks}
}

func (r *Runner) loop(ctx context.Context) {
	defer r.exit()

	for r.running.Load() {
		outcome, err := r.safeCycle(ctx)
		if err != nil {
			r.noteFailure(err)
			r.log.WithError(err).Error("check cycle failed unexpectedly")
			if n := r.healthSnapshot().ConsecutiveFailures; n >= unexpectedLimit {
				r.log.Warnf("%d consecutive failures; cooling down %s", n, unexpectedCooldown)
				if !r.sleep(ctx, unexpectedCooldown) {
					return
				}
				r.updateHealth(func(h *jobs.HealthStats) { h.ConsecutiveFailures = 0 })
				if r.reloginOrFail(ctx) {
					return
				}
				continue
			}
			if !r.sleep(ctx, r.sched.Next()) {
				return
			}
			continue
		}

		switch outcome {
		case Booked:
			r.finish(jobs.StateBooked, nil)
			return
		case Stopped:
			return
		case IPBlocked:
			r.mu.Lock()
			wait := cooldownFor(r.blocks)
			r.blocks++
			n := r.blocks
			r.mu.Unlock()
			r.log.WithField("blocks", n).Warnf("every facility unreachable; cooling down %s", wait)
			if !r.sleep(ctx, wait) {
				return
			}
			r.sched.Reset()
			if r.reloginOrFail(ctx) {
				return
			}
			r.updateHealth(func(h *jobs.HealthStats) { h.ConsecutiveFailures = 0 })
		case LoginFailed:
			if r.loginFatal() {
				r.finish(jobs.StateError, r.loginErr)
				return
			}
			wait := loginRetryWait
			if r.healthSnapshot().ConsecutiveFailures >= r.cfg.MaxReloginAttempts {
				wait = loginBackoffWait
				r.updateHealth(func(h *jobs.HealthStats) { h.ConsecutiveFailures = 0 })
			}
			r.log.Warnf("re-login failed; retrying in %s", wait)
			if !r.sleep(ctx, wait) {
				return
			}
			if r.reloginOrFail(ctx) {
				return
			}
		default:
			if !r.sleep(ctx, r.sched.Next()) {
				return
			}
		}
	}
}

// safeCycle runs one cycle, converting a panic into an error.
func (r *Runner) safeCycle(ctx context.Context) (out Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.runCheckCycle(ctx), nil
}

// reloginOrFail re-logs in after a cooldown. It reports true when the run
// has ended (stop requested or credentials rejected).
func (r *Runner) reloginOrFail(ctx context.Context) bool {
	if !r.running.Load() {
		return true
	}
	if err := r.relogin(ctx); err != nil {
		if r.loginFatal() {
			r.finish(jobs.StateError, err)
			return true
		}
		r.noteFailure(err)
	}
	return false
}

func (r *Runner) relogin(ctx context.Context) error {
	r.updateHealth(func(h *jobs.HealthStats) { h.ReloginCount++ })
	err := r.p.Login(ctx, r.cfg.Email, r.cfg.Password)
	r.loginErr = err
	if err != nil {
		r.log.WithError(err).Warn("re-login failed")
		return err
	}
	r.log.Info("re-login succeeded")
	return nil
}

func (r *Runner) loginFatal() bool {
	return errors.Is(r.loginErr, portal.ErrInvalidCredentials)
}

// sleep waits d unless the run is stopped first. It reports whether the loop
// should go on.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	if !r.running.Load() {
		return false
	}
	if err := r.opts.Sleep(ctx, d); err != nil {
		return false
	}
	return r.running.Load()
}

func (r *Runner) loadFacilities(ctx context.Context) {
	list, err := r.p.FetchFacilities(ctx)
	if err == nil && len(list) > 0 {
		r.facilities = list
		r.withStore("cache facilities", func(ctx context.Context, st jobs.Store) error {
			return st.CacheFacilities(ctx, r.id, list)
		})
		r.log.Infof("found %d facilities", len(list))
		return
	}
	if err != nil {
		r.log.WithError(err).Warn("facility list unavailable; using cached copy")
	}
	r.withStore("read cached facilities", func(ctx context.Context, st jobs.Store) error {
		cached, err := st.CachedFacilities(ctx, r.id)
		if len(cached) > 0 {
			r.facilities = cached
		}
		return err
	})
}

// finish moves a running job to a terminal state once. A booking that lands
// after a timed-out stop still wins.
func (r *Runner) finish(state jobs.State, cause error) {
	r.mu.Lock()
	if r.state != jobs.StateRunning && !(state == jobs.StateBooked && r.state == jobs.StateStopped) {
		r.mu.Unlock()
		return
	}
	r.state = state
	if cause != nil {
		r.health.LastError = cause.Error()
	}
	h := r.health
	r.mu.Unlock()

	r.running.Store(false)
	u := jobs.StatusUpdate{State: state, Health: &h}
	if cause != nil {
		msg := cause.Error()
		u.LastError = &msg
	}
	r.persist(u)
}

func (r *Runner) noteFailure(err error) {
	r.updateHealth(func(h *jobs.HealthStats) {
		h.ConsecutiveFailures++
		h.LastError = err.Error()
	})
}

func (r *Runner) updateHealth(fn func(h *jobs.HealthStats)) {
	r.mu.Lock()
	fn(&r.health)
	r.mu.Unlock()
}

func (r *Runner) healthSnapshot() *jobs.HealthStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.health
	return &h
}

func (r *Runner) flushHealth() {
	r.persist(jobs.StatusUpdate{Health: r.healthSnapshot()})
}

func (r *Runner) persist(u jobs.StatusUpdate) {
	r.withStore("update status", func(ctx context.Context, st jobs.Store) error {
		return st.UpdateHealthAndStatus(ctx, r.id, u)
	})
}

// withStore runs one best-effort store call on a context detached from the
// run, so a stop never drops the final write. Failures are logged without a
// job_id field; the store log hook forwards job_id entries into the store.
func (r *Runner) withStore(op string, fn func(ctx context.Context, st jobs.Store) error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := fn(ctx, r.opts.Store); err != nil {
		r.opts.Logger.WithError(err).WithField("job", r.id).Warnf("store: %s failed", op)
	}
}
