package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/portal"
	"github.com/example/appt-scheduler/internal/retry"
	"github.com/sirupsen/logrus"
)

// Outcome is the result of one check cycle.
type Outcome int

const (
	Continue Outcome = iota
	Stopped
	Booked
	LoginFailed
	IPBlocked
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "CONTINUE"
	case Stopped:
		return "STOPPED"
	case Booked:
		return "BOOKED"
	case LoginFailed:
		return "LOGIN_FAILED"
	case IPBlocked:
		return "IP_BLOCKED"
	}
	return "UNKNOWN"
}

const (
	rateLimitPause   = 5 * time.Minute
	blockPauseMin    = 8 * time.Second
	blockPauseSpread = 4 * time.Second
	bookingPause     = 500 * time.Millisecond
	maxBookingDates  = 3
	maxBookingTries  = 3
)

// runCheckCycle walks the configured facilities once.
func (r *Runner) runCheckCycle(ctx context.Context) Outcome {
	if !r.running.Load() {
		return Stopped
	}
	ids := r.cfg.FacilityIDs
	var (
		fetched  bool
		blocked  int
		lastErr  error
		relogins int
	)

	for i := 0; i < len(ids); {
		if !r.running.Load() {
			return Stopped
		}
		fid := ids[i]
		log := r.log.WithField("facility", fid)

		out, ok, err := r.checkFacility(ctx, fid)
		if ok {
			fetched = true
		}
		if out != Continue {
			if out == LoginFailed {
				r.recordCycle(false, r.loginErr)
			}
			return out
		}

		switch {
		case err == nil:
		case errors.Is(err, portal.ErrSessionExpired):
			if relogins < r.cfg.MaxReloginAttempts {
				relogins++
				log.Info("session expired; signing in again")
				if lerr := r.relogin(ctx); lerr != nil {
					r.recordCycle(false, lerr)
					return LoginFailed
				}
				continue
			}
			log.WithError(err).Warnf("session kept expiring after %d re-logins; skipping facility", relogins)
		case errors.Is(err, portal.ErrRateLimited):
			log.Warnf("rate limited; pausing %s", rateLimitPause)
			if !r.sleep(ctx, rateLimitPause) {
				return Stopped
			}
		case errors.Is(err, portal.ErrCsrfExpired):
			log.Warn("anti-forgery token expired; refreshing facility page")
			r.refreshFacilities(ctx)
		case retry.IsExhaustedSocket(err):
			blocked++
			log.WithError(err).Warn("facility unreachable")
			if i < len(ids)-1 {
				if !r.sleep(ctx, blockPauseMin+time.Duration(r.opts.Rand()*float64(blockPauseSpread))) {
					return Stopped
				}
			}
		default:
			log.WithError(err).Warn("check failed")
		}
		if err != nil {
			lastErr = err
		}

		i++
		relogins = 0
		if !r.running.Load() {
			return Stopped
		}
	}

	if len(ids) > 0 && blocked == len(ids) {
		r.recordCycle(false, errors.New(ipBlockedLastError))
		r.flushHealth()
		return IPBlocked
	}
	r.recordCycle(fetched, lastErr)
	return Continue
}

// checkFacility fetches open days for one facility and books when allowed.
// ok reports a successful open-days fetch.
func (r *Runner) checkFacility(ctx context.Context, fid string) (out Outcome, ok bool, err error) {
	days, err := r.p.FetchOpenDays(ctx, fid)
	if err != nil {
		return Continue, false, err
	}
	label := jobs.FacilityLabel(r.facilities, fid)
	log := r.log.WithField("facility", fid)

	matches := FilterDatesInRange(days, r.cfg.StartDate, r.cfg.EndDate)
	if len(matches) == 0 {
		if next, found := nearestOpenDay(days, r.opts.Now()); found {
			log.Infof("%s: nothing in window; nearest open day %s", label, next.Format(jobs.DateLayout))
		} else {
			log.Debugf("%s: no open days", label)
		}
		return Continue, true, nil
	}
	log.Infof("%s: %d open days in window, earliest %s", label, len(matches), matches[0].Date.Format(jobs.DateLayout))
	if !r.cfg.AutoBook {
		return Continue, true, nil
	}
	out, err = r.autoBook(ctx, fid, label, matches)
	return out, true, err
}

// autoBook tries the earliest matching dates in order. It returns Booked only
// after a verified confirmation.
func (r *Runner) autoBook(ctx context.Context, fid, label string, matches []portal.AvailabilityDate) (Outcome, error) {
	if len(matches) > maxBookingDates {
		matches = matches[:maxBookingDates]
	}
	first := true
	for _, day := range matches {
		date := day.Date.Format(jobs.DateLayout)
		log := r.log.WithFields(logrus.Fields{"facility": fid, "date": date})

		for attempt := 1; attempt <= maxBookingTries; attempt++ {
			if !first && !r.sleep(ctx, bookingPause) {
				return Stopped, nil
			}
			first = false

			slots, err := r.p.FetchOpenTimes(ctx, fid, day.Date)
			if err != nil {
				log.WithError(err).Warnf("attempt %d: open times unavailable", attempt)
				if errors.Is(err, portal.ErrSessionExpired) {
					if r.relogin(ctx) != nil {
						return LoginFailed, nil
					}
				}
				continue
			}
			if len(slots) == 0 {
				log.Info("no open times left")
				break
			}

			res, err := r.p.SubmitBooking(ctx, fid, day.Date, slots[0], attempt)
			if err != nil {
				log.WithError(err).Warnf("attempt %d: booking request failed", attempt)
				if errors.Is(err, portal.ErrSessionExpired) {
					if r.relogin(ctx) != nil {
						return LoginFailed, nil
					}
				}
				continue
			}
			if res.Success && res.Verified {
				now := r.opts.Now()
				r.withStore("record booking", func(ctx context.Context, st jobs.Store) error {
					return st.RecordBooking(ctx, r.id, jobs.Booking{Date: day.Date, Time: slots[0], FacilityLabel: label, BookedAt: now})
				})
				log.WithField("time", slots[0]).Infof("booked %s at %s %s", label, date, slots[0])
				return Booked, nil
			}

			log.Warnf("attempt %d: booking at %s not confirmed: %s", attempt, slots[0], res.Failure())
			if res.Reason.SessionExpired() {
				if r.relogin(ctx) != nil {
					return LoginFailed, nil
				}
			}
			if res.Reason == portal.ReasonAmbiguous {
				log.Warn("unconfirmed result; not resubmitting this date")
				break
			}
		}
	}
	return Continue, nil
}

func (r *Runner) refreshFacilities(ctx context.Context) {
	list, err := r.p.FetchFacilities(ctx)
	if err != nil {
		r.log.WithError(err).Warn("facility refresh failed")
		return
	}
	if len(list) == 0 {
		return
	}
	r.facilities = list
	r.withStore("cache facilities", func(ctx context.Context, st jobs.Store) error {
		return st.CacheFacilities(ctx, r.id, list)
	})
}

// recordCycle updates cycle health and flushes every healthFlushEvery cycles.
func (r *Runner) recordCycle(ok bool, lastErr error) {
	now := r.opts.Now()
	r.updateHealth(func(h *jobs.HealthStats) {
		h.TotalChecks++
		h.LastCheckAt = &now
		if ok {
			h.SuccessfulChecks++
			h.ConsecutiveFailures = 0
			return
		}
		h.FailedChecks++
		h.ConsecutiveFailures++
		if lastErr != nil {
			h.LastError = lastErr.Error()
		}
	})
	r.cycles++
	if r.cycles%healthFlushEvery == 0 {
		r.flushHealth()
	}
}
