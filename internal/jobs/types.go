package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/appt-scheduler/internal/interval"
)

const (
	DefaultMaxRetries         = 3
	DefaultRequestTimeout     = 20 * time.Second
	DefaultMaxReloginAttempts = 3

	DateLayout = "2006-01-02"
)

// State is the lifecycle state of a job run.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateBooked  State = "booked"
	StateError   State = "error"
)

// Terminal reports whether no loop is running in this state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateBooked || s == StateError
}

// Level is the severity of a stored job log line.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// JobConfig is loaded once per run and never mutated in place.
type JobConfig struct {
	ID   int64
	Name string

	Email    string
	Password string

	ScheduleID  string
	Locale      string // country segment, e.g. "en-ca"
	FacilityIDs []string

	// Inclusive civil-date window.
	StartDate time.Time
	EndDate   time.Time

	Interval time.Duration
	Phases   []interval.Phase

	AutoBook           bool
	MaxRetries         int
	RequestTimeout     time.Duration
	MaxReloginAttempts int
}

// WithDefaults fills zero-valued tuning knobs.
func (c JobConfig) WithDefaults() JobConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxReloginAttempts <= 0 {
		c.MaxReloginAttempts = DefaultMaxReloginAttempts
	}
	return c
}

func (c JobConfig) Validate() error {
	if c.Email == "" || c.Password == "" {
		return fmt.Errorf("email and password required")
	}
	if c.ScheduleID == "" {
		return fmt.Errorf("schedule_id required")
	}
	if c.Locale == "" {
		return fmt.Errorf("locale required")
	}
	if len(c.FacilityIDs) == 0 {
		return fmt.Errorf("at least one facility id required")
	}
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return fmt.Errorf("start_date and end_date required")
	}
	if c.EndDate.Before(c.StartDate) {
		return fmt.Errorf("end_date must not be before start_date")
	}
	if c.Interval < time.Second {
		return fmt.Errorf("interval must be >= 1s")
	}
	return interval.ValidatePhases(c.Phases)
}

// FacilityLocation is a bookable facility as listed by the target site.
type FacilityLocation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FacilityLabel returns "name (id)" when id is in list, else the bare id.
func FacilityLabel(list []FacilityLocation, id string) string {
	for _, f := range list {
		if f.ID == id && f.Name != "" {
			return fmt.Sprintf("%s (%s)", f.Name, id)
		}
	}
	return id
}

// HealthStats is the in-memory per-run health, flushed to the store
// write-behind. Invariant: SuccessfulChecks+FailedChecks <= TotalChecks.
type HealthStats struct {
	TotalChecks         int        `json:"total_checks"`
	SuccessfulChecks    int        `json:"successful_checks"`
	FailedChecks        int        `json:"failed_checks"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	ReloginCount        int        `json:"relogin_count"`
	LastError           string     `json:"last_error,omitempty"`
	LastCheckAt         *time.Time `json:"last_check_at,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
}

// StatusUpdate is a partial write of a job row. Zero fields are left as-is.
type StatusUpdate struct {
	State     State        `json:"state,omitempty"`
	Health    *HealthStats `json:"health,omitempty"`
	LastError *string      `json:"last_error,omitempty"`
}

// Booking is a confirmed appointment.
type Booking struct {
	Date          time.Time `json:"date"`
	Time          string    `json:"time"`
	FacilityLabel string    `json:"facility_label"`
	BookedAt      time.Time `json:"booked_at"`
}

// Summary is one row of a job listing.
type Summary struct {
	ID          int64
	Name        string
	State       State
	FacilityIDs []string
	StartDate   time.Time
	EndDate     time.Time
	Health      HealthStats
	UpdatedAt   time.Time
}

// ParseDate parses a YYYY-MM-DD civil date in UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
}

// SplitCSV splits and trims a comma-separated list, dropping empty items.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
