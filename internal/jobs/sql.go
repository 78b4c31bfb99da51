package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/example/appt-scheduler/internal/interval"
)

// StatusAssignments renders the SET list of a partial update. placeholder
// maps a 1-based argument index to the driver's bind syntax.
func StatusAssignments(u StatusUpdate, placeholder func(int) string) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+"="+placeholder(len(args)))
	}
	if u.State != "" {
		add("status", string(u.State))
	}
	if h := u.Health; h != nil {
		add("total_checks", h.TotalChecks)
		add("successful_checks", h.SuccessfulChecks)
		add("failed_checks", h.FailedChecks)
		add("consecutive_failures", h.ConsecutiveFailures)
		add("relogin_count", h.ReloginCount)
		add("last_check_at", h.LastCheckAt)
		add("started_at", h.StartedAt)
		if u.LastError == nil {
			add("last_error", nullString(h.LastError))
		}
	}
	if u.LastError != nil {
		add("last_error", nullString(*u.LastError))
	}
	return sets, args
}

// EncodePhases renders phases as a JSON array ("[]" when empty).
func EncodePhases(p []interval.Phase) (string, error) {
	if p == nil {
		p = []interval.Phase{}
	}
	b, err := json.Marshal(p)
	return string(b), err
}

func DecodePhases(s string) ([]interval.Phase, error) {
	if s == "" {
		return nil, nil
	}
	var p []interval.Phase
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("interval_phases: %w", err)
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
