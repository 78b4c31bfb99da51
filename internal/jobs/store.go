package jobs

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
)

// Store is the durable side channel a job run talks to. Everything except
// LoadJobConfig is best-effort from the caller's point of view.
//
// Writes for one job id come from a single live run at a time; callers must
// refuse to start a second run for the same id.
type Store interface {
	LoadJobConfig(ctx context.Context, jobID int64) (JobConfig, error)
	AppendLog(ctx context.Context, jobID int64, level Level, message string) error
	UpdateHealthAndStatus(ctx context.Context, jobID int64, u StatusUpdate) error
	CacheFacilities(ctx context.Context, jobID int64, list []FacilityLocation) error
	CachedFacilities(ctx context.Context, jobID int64) ([]FacilityLocation, error)
	RecordBooking(ctx context.Context, jobID int64, b Booking) error
}

// Catalog is implemented by durable stores that can create and list jobs.
type Catalog interface {
	Create(ctx context.Context, c JobConfig) (int64, error)
	List(ctx context.Context) ([]Summary, error)
}
