package scheduler

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/example/appt-scheduler/internal/interval"
	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/portal"
	"github.com/sirupsen/logrus"
)

type fakePortal struct {
	mu sync.Mutex

	loginErr func(n int) error
	days     func(fid string, n int) ([]portal.AvailabilityDate, error)
	times    func(fid string, date time.Time) ([]string, error)
	book     func(fid string, date time.Time, slot string, attempt int) (portal.BookingResult, error)

	facilities    []jobs.FacilityLocation
	facilitiesErr error

	resets, logins, facilityFetches int
	dayCalls                        map[string]int
	submits                         []string
}

func (f *fakePortal) ResetSession() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakePortal) Login(ctx context.Context, email, password string) error {
	f.mu.Lock()
	f.logins++
	n := f.logins
	fn := f.loginErr
	f.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return nil
}

func (f *fakePortal) FetchFacilities(ctx context.Context) ([]jobs.FacilityLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facilityFetches++
	return f.facilities, f.facilitiesErr
}

func (f *fakePortal) FetchOpenDays(ctx context.Context, fid string) ([]portal.AvailabilityDate, error) {
	f.mu.Lock()
	if f.dayCalls == nil {
		f.dayCalls = map[string]int{}
	}
	f.dayCalls[fid]++
	n := f.dayCalls[fid]
	fn := f.days
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(fid, n)
}

func (f *fakePortal) FetchOpenTimes(ctx context.Context, fid string, date time.Time) ([]string, error) {
	if f.times == nil {
		return []string{"08:00"}, nil
	}
	return f.times(fid, date)
}

func (f *fakePortal) SubmitBooking(ctx context.Context, fid string, date time.Time, slot string, attempt int) (portal.BookingResult, error) {
	f.mu.Lock()
	f.submits = append(f.submits, date.Format(jobs.DateLayout)+" "+slot)
	fn := f.book
	f.mu.Unlock()
	res := portal.BookingResult{Date: date, Time: slot, FacilityID: fid}
	if fn == nil {
		res.Success, res.Verified = true, true
		return res, nil
	}
	return fn(fid, date, slot, attempt)
}

type portalCounts struct {
	resets, logins, facilityFetches int
	dayCalls                        map[string]int
	submits                         []string
}

func (f *fakePortal) counts() portalCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return portalCounts{
		resets:          f.resets,
		logins:          f.logins,
		facilityFetches: f.facilityFetches,
		submits:         append([]string(nil), f.submits...),
		dayCalls:        copyCounts(f.dayCalls),
	}
}

func copyCounts(m map[string]int) map[string]int {
	out := map[string]int{}
	for k, v := range m {
		out[k] = v
	}
	return out
}

type memStore struct {
	mu sync.Mutex

	cfg     jobs.JobConfig
	loadErr error

	updates  []jobs.StatusUpdate
	bookings []jobs.Booking
	cached   []jobs.FacilityLocation
}

func (s *memStore) LoadJobConfig(ctx context.Context, id int64) (jobs.JobConfig, error) {
	if s.loadErr != nil {
		return jobs.JobConfig{}, s.loadErr
	}
	return s.cfg, nil
}

func (s *memStore) AppendLog(ctx context.Context, id int64, level jobs.Level, msg string) error {
	return nil
}

func (s *memStore) UpdateHealthAndStatus(ctx context.Context, id int64, u jobs.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Health != nil {
		h := *u.Health
		u.Health = &h
	}
	s.updates = append(s.updates, u)
	return nil
}

func (s *memStore) CacheFacilities(ctx context.Context, id int64, list []jobs.FacilityLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = list
	return nil
}

func (s *memStore) CachedFacilities(ctx context.Context, id int64) ([]jobs.FacilityLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached, nil
}

func (s *memStore) RecordBooking(ctx context.Context, id int64, b jobs.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings = append(s.bookings, b)
	return nil
}

func (s *memStore) lastState() jobs.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.updates) - 1; i >= 0; i-- {
		if s.updates[i].State != "" {
			return s.updates[i].State
		}
	}
	return ""
}

func (s *memStore) healthOnlyUpdates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.updates {
		if u.State == "" && u.Health != nil {
			n++
		}
	}
	return n
}

// sleepRecorder returns immediately and remembers every wait. After limit
// waits (when set) it reports cancellation.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
	limit int
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	if s.limit > 0 && len(s.waits) >= s.limit {
		return context.Canceled
	}
	return ctx.Err()
}

func (s *sleepRecorder) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func (s *sleepRecorder) contains(d time.Duration) bool {
	for _, w := range s.all() {
		if w == d {
			return true
		}
	}
	return false
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func day(s string, business bool) portal.AvailabilityDate {
	t, err := jobs.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return portal.AvailabilityDate{Date: t, BusinessDay: business}
}

func testConfig(facilities ...string) jobs.JobConfig {
	if len(facilities) == 0 {
		facilities = []string{"94"}
	}
	return jobs.JobConfig{
		ID:          7,
		Email:       "a@example.com",
		Password:    "pw",
		ScheduleID:  "123",
		Locale:      "en-ca",
		FacilityIDs: facilities,
		StartDate:   time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC),
		Interval:    30 * time.Second,
		AutoBook:    true,
	}
}

func testOptions(st *memStore, p *fakePortal, rec *sleepRecorder) Options {
	return Options{
		Store: st,
		NewPortal: func(jobs.JobConfig) (Portal, func(), error) {
			return p, func() {}, nil
		},
		Logger: quietLogger(),
		Sleep:  rec.sleep,
		Now:    func() time.Time { return time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC) },
		Rand:   func() float64 { return 0 },
	}
}

// cycleRunner is a Runner primed as if Start had succeeded, for driving
// runCheckCycle directly.
func cycleRunner(t *testing.T, cfg jobs.JobConfig, p *fakePortal) (*Runner, *memStore, *sleepRecorder) {
	t.Helper()
	st := &memStore{cfg: cfg}
	rec := &sleepRecorder{}
	r := NewRunner(cfg.ID, testOptions(st, p, rec))
	r.cfg = cfg.WithDefaults()
	r.p = p
	r.facilities = p.facilities
	r.sched = interval.New(cfg.Interval, cfg.Phases)
	r.state = jobs.StateRunning
	r.cancel = func() {}
	r.running.Store(true)
	return r, st, rec
}
