package scheduler

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/portal"
	"github.com/example/appt-scheduler/internal/retry"
)

func exhaustedSocket() error {
	return &retry.ExhaustedError{Attempts: 3, Socket: true, Err: syscall.ECONNRESET}
}

func TestFilterDatesInRange(t *testing.T) {
	start := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC)
	in := []portal.AvailabilityDate{
		day("2026-11-30", true),
		day("2026-10-31", true),
		day("2026-11-15", false),
		day("2026-11-01", true),
		day("2026-12-01", true),
		day("2026-11-10", true),
	}
	got := FilterDatesInRange(in, start, end)
	want := []string{"2026-11-01", "2026-11-10", "2026-11-30"}
	if len(got) != len(want) {
		t.Fatalf("got %d dates, want %d: %+v", len(got), len(want), got)
	}
	for i, d := range got {
		if d.Date.Format(jobs.DateLayout) != want[i] {
			t.Errorf("[%d] got %s, want %s", i, d.Date.Format(jobs.DateLayout), want[i])
		}
	}

	again := FilterDatesInRange(got, start, end)
	if len(again) != len(got) {
		t.Fatalf("not idempotent: %d then %d", len(got), len(again))
	}
	for i := range got {
		if !again[i].Date.Equal(got[i].Date) {
			t.Errorf("not idempotent at %d", i)
		}
	}

	if got := FilterDatesInRange(in, start, start); len(got) != 1 {
		t.Errorf("single-day window: got %+v", got)
	}
}

func TestCooldownFor(t *testing.T) {
	want := []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute, 60 * time.Minute, 60 * time.Minute, 60 * time.Minute}
	for n, w := range want {
		if got := cooldownFor(n); got != w {
			t.Errorf("block %d: got %v, want %v", n, got, w)
		}
	}
}

func TestCycle_StoppedBeforeWork(t *testing.T) {
	p := &fakePortal{}
	r, _, _ := cycleRunner(t, testConfig(), p)
	r.running.Store(false)
	if out := r.runCheckCycle(context.Background()); out != Stopped {
		t.Fatalf("got %v, want STOPPED", out)
	}
	if n := p.counts().dayCalls["94"]; n != 0 {
		t.Errorf("fetched days %d times after stop", n)
	}
}

func TestCycle_AutoBookDisabledNeverBooks(t *testing.T) {
	cfg := testConfig()
	cfg.AutoBook = false
	p := &fakePortal{days: func(string, int) ([]portal.AvailabilityDate, error) {
		return []portal.AvailabilityDate{day("2026-11-05", true)}, nil
	}}
	r, _, _ := cycleRunner(t, cfg, p)

	if out := r.runCheckCycle(context.Background()); out != Continue {
		t.Fatalf("got %v", out)
	}
	if n := len(p.counts().submits); n != 0 {
		t.Errorf("booked %d times with auto-book off", n)
	}
	if h := r.Status().Health; h.SuccessfulChecks != 1 || h.TotalChecks != 1 {
		t.Errorf("health: %+v", h)
	}
}

func TestCycle_AllFacilitiesBlocked(t *testing.T) {
	p := &fakePortal{days: func(string, int) ([]portal.AvailabilityDate, error) {
		return nil, exhaustedSocket()
	}}
	r, st, rec := cycleRunner(t, testConfig("A", "B"), p)

	if out := r.runCheckCycle(context.Background()); out != IPBlocked {
		t.Fatalf("got %v, want IP_BLOCKED", out)
	}
	if got := r.Status().Health.LastError; got != "IP_BLOCKED" {
		t.Errorf("last error: %q", got)
	}
	if waits := rec.all(); len(waits) != 1 || waits[0] < 8*time.Second || waits[0] > 12*time.Second {
		t.Errorf("inter-facility pause: %v", waits)
	}
	if st.healthOnlyUpdates() != 1 {
		t.Errorf("IP block not flushed to store")
	}
}

func TestCycle_PartialBlockContinues(t *testing.T) {
	p := &fakePortal{days: func(fid string, _ int) ([]portal.AvailabilityDate, error) {
		if fid == "A" {
			return nil, exhaustedSocket()
		}
		return nil, nil
	}}
	r, _, _ := cycleRunner(t, testConfig("A", "B"), p)
	if out := r.runCheckCycle(context.Background()); out != Continue {
		t.Fatalf("got %v, want CONTINUE", out)
	}
	if h := r.Status().Health; h.ConsecutiveFailures != 0 || h.SuccessfulChecks != 1 {
		t.Errorf("health: %+v", h)
	}
}

func TestCycle_CsrfExpiredRefreshesFacilities(t *testing.T) {
	p := &fakePortal{
		facilities: []jobs.FacilityLocation{{ID: "94", Name: "Toronto"}},
		days: func(string, int) ([]portal.AvailabilityDate, error) {
			return nil, portal.ErrCsrfExpired
		},
	}
	r, st, _ := cycleRunner(t, testConfig(), p)

	if out := r.runCheckCycle(context.Background()); out != Continue {
		t.Fatalf("got %v", out)
	}
	if n := p.counts().facilityFetches; n != 1 {
		t.Errorf("facility refreshes: %d", n)
	}
	if len(st.cached) != 1 {
		t.Errorf("refreshed facilities not cached")
	}
	if h := r.Status().Health; h.FailedChecks != 1 || h.ConsecutiveFailures != 1 {
		t.Errorf("health: %+v", h)
	}
}

func TestCycle_RateLimitedPauses(t *testing.T) {
	p := &fakePortal{days: func(fid string, _ int) ([]portal.AvailabilityDate, error) {
		if fid == "A" {
			return nil, portal.ErrRateLimited
		}
		return nil, nil
	}}
	r, _, rec := cycleRunner(t, testConfig("A", "B"), p)

	r.runCheckCycle(context.Background())
	if !rec.contains(5 * time.Minute) {
		t.Errorf("no 5m pause: %v", rec.all())
	}
	if n := p.counts().dayCalls["B"]; n != 1 {
		t.Errorf("next facility not checked after pause")
	}
}

func TestCycle_SessionExpiredRetriesSameFacility(t *testing.T) {
	p := &fakePortal{days: func(fid string, n int) ([]portal.AvailabilityDate, error) {
		if n == 1 {
			return nil, portal.ErrSessionExpired
		}
		return nil, nil
	}}
	r, _, _ := cycleRunner(t, testConfig("A", "B"), p)

	if out := r.runCheckCycle(context.Background()); out != Continue {
		t.Fatalf("got %v", out)
	}
	c := p.counts()
	if c.dayCalls["A"] != 2 || c.logins != 1 {
		t.Errorf("facility A calls %d, logins %d", c.dayCalls["A"], c.logins)
	}
	if r.Status().Health.ReloginCount != 1 {
		t.Errorf("relogin count: %d", r.Status().Health.ReloginCount)
	}
}

func TestCycle_SessionExpiredIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReloginAttempts = 2
	p := &fakePortal{days: func(string, int) ([]portal.AvailabilityDate, error) {
		return nil, portal.ErrSessionExpired
	}}
	r, _, _ := cycleRunner(t, cfg, p)

	if out := r.runCheckCycle(context.Background()); out != Continue {
		t.Fatalf("got %v", out)
	}
	c := p.counts()
	if c.logins != 2 || c.dayCalls["94"] != 3 {
		t.Errorf("logins %d, day calls %d", c.logins, c.dayCalls["94"])
	}
	if h := r.Status().Health; h.FailedChecks != 1 {
		t.Errorf("health: %+v", h)
	}
}

func TestCycle_ReloginFailure(t *testing.T) {
	p := &fakePortal{
		days:     func(string, int) ([]portal.AvailabilityDate, error) { return nil, portal.ErrSessionExpired },
		loginErr: func(int) error { return portal.ErrLoginVerificationFailed },
	}
	r, _, _ := cycleRunner(t, testConfig("A", "B"), p)

	if out := r.runCheckCycle(context.Background()); out != LoginFailed {
		t.Fatalf("got %v, want LOGIN_FAILED", out)
	}
	if n := p.counts().dayCalls["B"]; n != 0 {
		t.Errorf("cycle continued after login failure")
	}
}

func TestCycle_BooksEarliestMatch(t *testing.T) {
	p := &fakePortal{
		facilities: []jobs.FacilityLocation{{ID: "94", Name: "Toronto"}},
		days: func(string, int) ([]portal.AvailabilityDate, error) {
			return []portal.AvailabilityDate{
				day("2026-11-20", true),
				day("2026-11-06", false),
				day("2026-11-05", true),
				day("2026-12-15", true),
			}, nil
		},
	}
	r, st, _ := cycleRunner(t, testConfig(), p)

	if out := r.runCheckCycle(context.Background()); out != Booked {
		t.Fatalf("got %v, want BOOKED", out)
	}
	if len(st.bookings) != 1 {
		t.Fatalf("bookings: %+v", st.bookings)
	}
	b := st.bookings[0]
	if b.Date.Format(jobs.DateLayout) != "2026-11-05" || b.Time != "08:00" || b.FacilityLabel != "Toronto (94)" {
		t.Errorf("booking: %+v", b)
	}
}

func TestCycle_AmbiguousStopsDate(t *testing.T) {
	p := &fakePortal{
		days: func(string, int) ([]portal.AvailabilityDate, error) {
			return []portal.AvailabilityDate{
				day("2026-11-02", true), day("2026-11-03", true),
				day("2026-11-04", true), day("2026-11-05", true),
			}, nil
		},
		book: func(fid string, date time.Time, slot string, attempt int) (portal.BookingResult, error) {
			return portal.BookingResult{Reason: portal.ReasonAmbiguous, Status: 200}, nil
		},
	}
	r, st, rec := cycleRunner(t, testConfig(), p)

	if out := r.runCheckCycle(context.Background()); out != Continue {
		t.Fatalf("got %v", out)
	}
	submits := p.counts().submits
	if len(submits) != 3 {
		t.Fatalf("submits: %v", submits)
	}
	if submits[2] != "2026-11-04 08:00" {
		t.Errorf("third date: %s", submits[2])
	}
	if len(st.bookings) != 0 {
		t.Errorf("ambiguous result recorded as booking")
	}
	for _, w := range rec.all() {
		if w != 500*time.Millisecond {
			t.Errorf("unexpected pause %v", w)
		}
	}
}

func TestCycle_RetriesFailedBookingThreeTimes(t *testing.T) {
	p := &fakePortal{
		days: func(string, int) ([]portal.AvailabilityDate, error) {
			return []portal.AvailabilityDate{day("2026-11-02", true)}, nil
		},
		book: func(fid string, date time.Time, slot string, attempt int) (portal.BookingResult, error) {
			return portal.BookingResult{Reason: portal.ReasonSlotGone, Status: 200}, nil
		},
	}
	r, _, rec := cycleRunner(t, testConfig(), p)

	r.runCheckCycle(context.Background())
	if n := len(p.counts().submits); n != 3 {
		t.Errorf("submits: %d", n)
	}
	if n := len(rec.all()); n != 2 {
		t.Errorf("pauses between attempts: %d", n)
	}
}

func TestCycle_SessionExpiredBookingRelogins(t *testing.T) {
	p := &fakePortal{
		days: func(string, int) ([]portal.AvailabilityDate, error) {
			return []portal.AvailabilityDate{day("2026-11-02", true)}, nil
		},
		book: func(fid string, date time.Time, slot string, attempt int) (portal.BookingResult, error) {
			if attempt == 1 {
				return portal.BookingResult{Reason: portal.ReasonSessionExpiredDuringBooking, Status: 200}, nil
			}
			return portal.BookingResult{Success: true, Verified: true}, nil
		},
	}
	r, _, _ := cycleRunner(t, testConfig(), p)

	if out := r.runCheckCycle(context.Background()); out != Booked {
		t.Fatalf("got %v", out)
	}
	if n := p.counts().logins; n != 1 {
		t.Errorf("logins: %d", n)
	}
}

func TestCycle_NoTimesSkipsDate(t *testing.T) {
	var asked []string
	p := &fakePortal{
		days: func(string, int) ([]portal.AvailabilityDate, error) {
			return []portal.AvailabilityDate{day("2026-11-02", true), day("2026-11-03", true)}, nil
		},
		times: func(fid string, date time.Time) ([]string, error) {
			asked = append(asked, date.Format(jobs.DateLayout))
			return nil, nil
		},
	}
	r, _, _ := cycleRunner(t, testConfig(), p)

	r.runCheckCycle(context.Background())
	if len(asked) != 2 || len(p.counts().submits) != 0 {
		t.Errorf("times asked for %v, submits %v", asked, p.counts().submits)
	}
}

func TestCycle_HealthFlushedEveryFifthCycle(t *testing.T) {
	p := &fakePortal{}
	r, st, _ := cycleRunner(t, testConfig(), p)

	for i := 0; i < 4; i++ {
		r.runCheckCycle(context.Background())
	}
	if n := st.healthOnlyUpdates(); n != 0 {
		t.Fatalf("flushed early: %d", n)
	}
	r.runCheckCycle(context.Background())
	if n := st.healthOnlyUpdates(); n != 1 {
		t.Fatalf("flushes after 5 cycles: %d", n)
	}
	if h := r.Status().Health; h.TotalChecks != 5 || h.SuccessfulChecks != 5 {
		t.Errorf("health: %+v", h)
	}
}

func TestCycle_FailureRecordsLastError(t *testing.T) {
	p := &fakePortal{days: func(string, int) ([]portal.AvailabilityDate, error) {
		return nil, &portal.HTTPError{Status: 503, URL: "x"}
	}}
	r, _, _ := cycleRunner(t, testConfig(), p)

	r.runCheckCycle(context.Background())
	h := r.Status().Health
	if h.FailedChecks != 1 || h.ConsecutiveFailures != 1 || h.LastError == "" {
		t.Errorf("health: %+v", h)
	}
}

func TestOutcomeString(t *testing.T) {
	if IPBlocked.String() != "IP_BLOCKED" || LoginFailed.String() != "LOGIN_FAILED" {
		t.Errorf("names: %s %s", IPBlocked, LoginFailed)
	}
}
