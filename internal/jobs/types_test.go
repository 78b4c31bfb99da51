package jobs

import (
	"strings"
	"testing"
	"time"

	"github.com/example/appt-scheduler/internal/interval"
)

func validConfig() JobConfig {
	return JobConfig{
		Email:       "a@example.com",
		Password:    "pw",
		ScheduleID:  "123",
		Locale:      "en-ca",
		FacilityIDs: []string{"94"},
		StartDate:   time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
		Interval:    30 * time.Second,
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*JobConfig)
		ok     bool
	}{
		{"valid", func(*JobConfig) {}, true},
		{"no password", func(c *JobConfig) { c.Password = "" }, false},
		{"no facilities", func(c *JobConfig) { c.FacilityIDs = nil }, false},
		{"inverted window", func(c *JobConfig) { c.EndDate = c.StartDate.AddDate(0, 0, -1) }, false},
		{"single day window", func(c *JobConfig) { c.EndDate = c.StartDate }, true},
		{"short interval", func(c *JobConfig) { c.Interval = 0 }, false},
		{"bad phase", func(c *JobConfig) { c.Phases = []interval.Phase{{Seconds: 0, DurationMinutes: 1}} }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)
			err := c.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWithDefaults(t *testing.T) {
	c := JobConfig{}.WithDefaults()
	if c.MaxRetries != 3 || c.RequestTimeout != 20*time.Second || c.MaxReloginAttempts != 3 {
		t.Errorf("defaults: %+v", c)
	}
	c = JobConfig{MaxRetries: 7}.WithDefaults()
	if c.MaxRetries != 7 {
		t.Errorf("explicit max retries overwritten: %d", c.MaxRetries)
	}
}

func TestFacilityLabel(t *testing.T) {
	list := []FacilityLocation{{ID: "94", Name: "Toronto"}, {ID: "95", Name: ""}}
	if got := FacilityLabel(list, "94"); got != "Toronto (94)" {
		t.Errorf("got %q", got)
	}
	if got := FacilityLabel(list, "95"); got != "95" {
		t.Errorf("unnamed: got %q", got)
	}
	if got := FacilityLabel(nil, "7"); got != "7" {
		t.Errorf("unknown: got %q", got)
	}
}

func TestStatusAssignments(t *testing.T) {
	ph := func(i int) string { return "?" }

	sets, args := StatusAssignments(StatusUpdate{}, ph)
	if len(sets) != 0 || len(args) != 0 {
		t.Fatalf("empty update produced %v", sets)
	}

	msg := "boom"
	sets, args = StatusAssignments(StatusUpdate{State: StateError, LastError: &msg}, ph)
	if strings.Join(sets, ",") != "status=?,last_error=?" {
		t.Errorf("sets: %v", sets)
	}
	if args[0] != "error" || *(args[1].(*string)) != "boom" {
		t.Errorf("args: %v", args)
	}

	sets, _ = StatusAssignments(StatusUpdate{Health: &HealthStats{LastError: "x"}}, ph)
	if len(sets) != 8 || sets[7] != "last_error=?" {
		t.Errorf("health sets: %v", sets)
	}
}

func TestPhasesRoundTrip(t *testing.T) {
	s, err := EncodePhases(nil)
	if err != nil || s != "[]" {
		t.Fatalf("encode nil: %q %v", s, err)
	}
	p, err := DecodePhases(`[{"seconds":10,"durationMinutes":5}]`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p) != 1 || p[0].Seconds != 10 || p[0].DurationMinutes != 5 {
		t.Errorf("got %+v", p)
	}
	if p, _ := DecodePhases("[]"); p != nil {
		t.Errorf("empty array should decode to nil, got %v", p)
	}
}

func TestSplitCSV(t *testing.T) {
	got := SplitCSV(" 94, ,95 ,")
	if strings.Join(got, "|") != "94|95" {
		t.Errorf("got %v", got)
	}
}
