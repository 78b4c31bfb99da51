package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/portal"
)

// Portal is the session a Runner drives. *portal.Client implements it.
type Portal interface {
	ResetSession()
	Login(ctx context.Context, email, password string) error
	FetchFacilities(ctx context.Context) ([]jobs.FacilityLocation, error)
	FetchOpenDays(ctx context.Context, facilityID string) ([]portal.AvailabilityDate, error)
	FetchOpenTimes(ctx context.Context, facilityID string, date time.Time) ([]string, error)
	SubmitBooking(ctx context.Context, facilityID string, date time.Time, slot string, attempt int) (portal.BookingResult, error)
}

// PortalFactory opens a session for one run. release is called exactly once
// when the run ends.
type PortalFactory func(cfg jobs.JobConfig) (p Portal, release func(), err error)

// FilterDatesInRange keeps business days inside [start, end] (inclusive,
// compared as civil dates) sorted ascending.
func FilterDatesInRange(days []portal.AvailabilityDate, start, end time.Time) []portal.AvailabilityDate {
	lo, hi := civil(start), civil(end)
	out := make([]portal.AvailabilityDate, 0, len(days))
	for _, d := range days {
		if !d.BusinessDay {
			continue
		}
		day := civil(d.Date)
		if day.Before(lo) || day.After(hi) {
			continue
		}
		out = append(out, portal.AvailabilityDate{Date: day, BusinessDay: true})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// nearestOpenDay is the first business day on or after today, if any.
func nearestOpenDay(days []portal.AvailabilityDate, today time.Time) (time.Time, bool) {
	t := civil(today)
	var best time.Time
	for _, d := range days {
		day := civil(d.Date)
		if !d.BusinessDay || day.Before(t) {
			continue
		}
		if best.IsZero() || day.Before(best) {
			best = day
		}
	}
	return best, !best.IsZero()
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
