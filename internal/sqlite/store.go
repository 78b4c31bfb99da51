// Package sqlite is a single-file jobs.Store for local and worker use.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/appt-scheduler/internal/jobs"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

const timeLayout = time.RFC3339Nano

// Store implements jobs.Store and jobs.Catalog. It holds a single
// connection, so writes are serialized.
type Store struct {
	db     *sql.DB
	sealer jobs.Sealer
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema. path may be ":memory:".
func Open(ctx context.Context, path string, sealer jobs.Sealer) (*Store, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	d.SetMaxIdleConns(1)
	d.SetConnMaxLifetime(0)

	pragmas := []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := d.ExecContext(ctx, p); err != nil {
			d.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}
	if _, err := d.ExecContext(ctx, schema); err != nil {
		d.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: d, sealer: sealer, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) stamp() string { return s.now().UTC().Format(timeLayout) }

func (s *Store) Create(ctx context.Context, c jobs.JobConfig) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	c = c.WithDefaults()
	enc, err := s.sealer.EncryptToString(c.Password)
	if err != nil {
		return 0, fmt.Errorf("seal password: %w", err)
	}
	phases, err := jobs.EncodePhases(c.Phases)
	if err != nil {
		return 0, err
	}
	facilities, err := json.Marshal(c.FacilityIDs)
	if err != nil {
		return 0, err
	}
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(name,email,password_enc,schedule_id,locale,facility_ids,start_date,end_date,interval_seconds,interval_phases,auto_book,max_retries,request_timeout_seconds,max_relogin_attempts,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.Name, c.Email, enc, c.ScheduleID, c.Locale, string(facilities),
		c.StartDate.Format(jobs.DateLayout), c.EndDate.Format(jobs.DateLayout),
		int(c.Interval/time.Second), phases, c.AutoBook, c.MaxRetries,
		int(c.RequestTimeout/time.Second), c.MaxReloginAttempts, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) LoadJobConfig(ctx context.Context, jobID int64) (jobs.JobConfig, error) {
	var (
		c                       jobs.JobConfig
		enc, facilities, phases string
		start, end              string
		intervalSec, timeoutSec int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id,name,email,password_enc,schedule_id,locale,facility_ids,start_date,end_date,interval_seconds,interval_phases,auto_book,max_retries,request_timeout_seconds,max_relogin_attempts
FROM jobs WHERE id=?`, jobID).
		Scan(&c.ID, &c.Name, &c.Email, &enc, &c.ScheduleID, &c.Locale, &facilities, &start, &end,
			&intervalSec, &phases, &c.AutoBook, &c.MaxRetries, &timeoutSec, &c.MaxReloginAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.JobConfig{}, jobs.ErrNotFound
	}
	if err != nil {
		return jobs.JobConfig{}, err
	}
	if c.Password, err = s.sealer.DecryptString(enc); err != nil {
		return jobs.JobConfig{}, fmt.Errorf("open password: %w", err)
	}
	if err := json.Unmarshal([]byte(facilities), &c.FacilityIDs); err != nil {
		return jobs.JobConfig{}, fmt.Errorf("facility_ids: %w", err)
	}
	if c.Phases, err = jobs.DecodePhases(phases); err != nil {
		return jobs.JobConfig{}, err
	}
	if c.StartDate, err = jobs.ParseDate(start); err != nil {
		return jobs.JobConfig{}, fmt.Errorf("start_date: %w", err)
	}
	if c.EndDate, err = jobs.ParseDate(end); err != nil {
		return jobs.JobConfig{}, fmt.Errorf("end_date: %w", err)
	}
	c.Interval = time.Duration(intervalSec) * time.Second
	c.RequestTimeout = time.Duration(timeoutSec) * time.Second
	return c.WithDefaults(), nil
}

func (s *Store) AppendLog(ctx context.Context, jobID int64, level jobs.Level, message string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_logs(job_id, level, message, created_at) VALUES (?,?,?,?)`,
		jobID, string(level), message, s.stamp())
	return err
}

// Logs returns up to limit most recent log lines of a job, oldest first.
func (s *Store) Logs(ctx context.Context, jobID int64, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT level, message FROM (
  SELECT id, level, message FROM job_logs WHERE job_id=? ORDER BY id DESC LIMIT ?
) ORDER BY id`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var level, msg string
		if err := rows.Scan(&level, &msg); err != nil {
			return nil, err
		}
		out = append(out, level+" "+msg)
	}
	return out, rows.Err()
}

func (s *Store) UpdateHealthAndStatus(ctx context.Context, jobID int64, u jobs.StatusUpdate) error {
	sets, args := jobs.StatusAssignments(u, func(int) string { return "?" })
	if len(sets) == 0 {
		return nil
	}
	for i, a := range args {
		args[i] = bindTime(a)
	}
	args = append(args, s.stamp(), jobID)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE jobs SET %s, updated_at=? WHERE id=?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

// bindTime renders *time.Time arguments as TEXT.
func bindTime(a any) any {
	t, ok := a.(*time.Time)
	if !ok {
		return a
	}
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func (s *Store) CacheFacilities(ctx context.Context, jobID int64, list []jobs.FacilityLocation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_facilities WHERE job_id=?`, jobID); err != nil {
		return err
	}
	for i, f := range list {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO job_facilities(job_id, facility_id, name, position) VALUES (?,?,?,?)`,
			jobID, f.ID, f.Name, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) CachedFacilities(ctx context.Context, jobID int64) ([]jobs.FacilityLocation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT facility_id, name FROM job_facilities WHERE job_id=? ORDER BY position`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []jobs.FacilityLocation
	for rows.Next() {
		var f jobs.FacilityLocation
		if err := rows.Scan(&f.ID, &f.Name); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) RecordBooking(ctx context.Context, jobID int64, b jobs.Booking) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_bookings(job_id, appointment_date, appointment_time, facility, booked_at) VALUES (?,?,?,?,?)`,
		jobID, b.Date.Format(jobs.DateLayout), b.Time, b.FacilityLabel, b.BookedAt.UTC().Format(timeLayout))
	return err
}

// Bookings lists the recorded bookings of a job, oldest first.
func (s *Store) Bookings(ctx context.Context, jobID int64) ([]jobs.Booking, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT appointment_date, appointment_time, facility, booked_at FROM job_bookings WHERE job_id=? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []jobs.Booking
	for rows.Next() {
		var b jobs.Booking
		var date, at string
		if err := rows.Scan(&date, &b.Time, &b.FacilityLabel, &at); err != nil {
			return nil, err
		}
		if b.Date, err = jobs.ParseDate(date); err != nil {
			return nil, err
		}
		if b.BookedAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) List(ctx context.Context) ([]jobs.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,name,status,facility_ids,start_date,end_date,total_checks,successful_checks,failed_checks,consecutive_failures,relogin_count,COALESCE(last_error,''),last_check_at,started_at,updated_at
FROM jobs
ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobs.Summary
	for rows.Next() {
		var (
			sm                  jobs.Summary
			state, facilities   string
			start, end, updated string
			lastCheck, started  sql.NullString
		)
		if err := rows.Scan(&sm.ID, &sm.Name, &state, &facilities, &start, &end,
			&sm.Health.TotalChecks, &sm.Health.SuccessfulChecks, &sm.Health.FailedChecks,
			&sm.Health.ConsecutiveFailures, &sm.Health.ReloginCount, &sm.Health.LastError,
			&lastCheck, &started, &updated); err != nil {
			return nil, err
		}
		sm.State = jobs.State(state)
		if err := json.Unmarshal([]byte(facilities), &sm.FacilityIDs); err != nil {
			return nil, fmt.Errorf("job %d facility_ids: %w", sm.ID, err)
		}
		sm.StartDate, _ = jobs.ParseDate(start)
		sm.EndDate, _ = jobs.ParseDate(end)
		sm.UpdatedAt, _ = time.Parse(timeLayout, updated)
		sm.Health.LastCheckAt = parseNullTime(lastCheck)
		sm.Health.StartedAt = parseNullTime(started)
		out = append(out, sm)
	}
	return out, rows.Err()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
