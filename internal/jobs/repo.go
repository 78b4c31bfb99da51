package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/appt-scheduler/internal/db"
	"github.com/jackc/pgx/v5"
)

// Sealer encrypts credentials at rest.
type Sealer interface {
	EncryptToString(plaintext string) (string, error)
	DecryptString(ciphertext string) (string, error)
}

// Repo is the Postgres-backed Store and Catalog.
type Repo struct {
	db     *db.DB
	sealer Sealer
}

func NewRepo(d *db.DB, sealer Sealer) *Repo { return &Repo{db: d, sealer: sealer} }

func (r *Repo) Create(ctx context.Context, c JobConfig) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	c = c.WithDefaults()
	enc, err := r.sealer.EncryptToString(c.Password)
	if err != nil {
		return 0, fmt.Errorf("seal password: %w", err)
	}
	phases, err := EncodePhases(c.Phases)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.QueryRow(ctx, `
INSERT INTO jobs(name,email,password_enc,schedule_id,locale,facility_ids,start_date,end_date,interval_seconds,interval_phases,auto_book,max_retries,request_timeout_seconds,max_relogin_attempts)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING id`,
		c.Name, c.Email, enc, c.ScheduleID, c.Locale, c.FacilityIDs, c.StartDate, c.EndDate,
		int(c.Interval/time.Second), phases, c.AutoBook, c.MaxRetries,
		int(c.RequestTimeout/time.Second), c.MaxReloginAttempts,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (r *Repo) LoadJobConfig(ctx context.Context, jobID int64) (JobConfig, error) {
	var (
		c                       JobConfig
		enc, phases             string
		intervalSec, timeoutSec int
	)
	err := r.db.QueryRow(ctx, `
SELECT id,name,email,password_enc,schedule_id,locale,facility_ids,start_date,end_date,interval_seconds,interval_phases::text,auto_book,max_retries,request_timeout_seconds,max_relogin_attempts
FROM jobs WHERE id=$1`, jobID).
		Scan(&c.ID, &c.Name, &c.Email, &enc, &c.ScheduleID, &c.Locale, &c.FacilityIDs, &c.StartDate, &c.EndDate,
			&intervalSec, &phases, &c.AutoBook, &c.MaxRetries, &timeoutSec, &c.MaxReloginAttempts)
	if err != nil {
		if db.IsNotFound(err) {
			return JobConfig{}, ErrNotFound
		}
		return JobConfig{}, db.WrapNotFound(err)
	}
	if c.Password, err = r.sealer.DecryptString(enc); err != nil {
		return JobConfig{}, fmt.Errorf("open password: %w", err)
	}
	if c.Phases, err = DecodePhases(phases); err != nil {
		return JobConfig{}, err
	}
	c.Interval = time.Duration(intervalSec) * time.Second
	c.RequestTimeout = time.Duration(timeoutSec) * time.Second
	return c.WithDefaults(), nil
}

func (r *Repo) AppendLog(ctx context.Context, jobID int64, level Level, message string) error {
	return r.db.Exec(ctx, `INSERT INTO job_logs(job_id, level, message) VALUES ($1,$2,$3)`, jobID, string(level), message)
}

func (r *Repo) UpdateHealthAndStatus(ctx context.Context, jobID int64, u StatusUpdate) error {
	sets, args := StatusAssignments(u, func(i int) string { return fmt.Sprintf("$%d", i) })
	if len(sets) == 0 {
		return nil
	}
	args = append(args, jobID)
	n, err := r.db.ExecCount(ctx,
		fmt.Sprintf(`UPDATE jobs SET %s, updated_at=now() WHERE id=$%d`, strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) CacheFacilities(ctx context.Context, jobID int64, list []FacilityLocation) error {
	return r.db.Tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM job_facilities WHERE job_id=$1`, jobID); err != nil {
			return err
		}
		for i, f := range list {
			if _, err := tx.Exec(ctx,
				`INSERT INTO job_facilities(job_id, facility_id, name, position) VALUES ($1,$2,$3,$4)
				 ON CONFLICT (job_id, facility_id) DO UPDATE SET name=EXCLUDED.name, position=EXCLUDED.position`,
				jobID, f.ID, f.Name, i); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) CachedFacilities(ctx context.Context, jobID int64) ([]FacilityLocation, error) {
	rows, err := r.db.Query(ctx, `SELECT facility_id, name FROM job_facilities WHERE job_id=$1 ORDER BY position`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FacilityLocation
	for rows.Next() {
		var f FacilityLocation
		if err := rows.Scan(&f.ID, &f.Name); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *Repo) RecordBooking(ctx context.Context, jobID int64, b Booking) error {
	return r.db.Exec(ctx,
		`INSERT INTO job_bookings(job_id, appointment_date, appointment_time, facility, booked_at) VALUES ($1,$2,$3,$4,$5)`,
		jobID, b.Date, b.Time, b.FacilityLabel, b.BookedAt)
}

func (r *Repo) List(ctx context.Context) ([]Summary, error) {
	rows, err := r.db.Query(ctx, `
SELECT id,name,status,facility_ids,start_date,end_date,total_checks,successful_checks,failed_checks,consecutive_failures,relogin_count,COALESCE(last_error,''),last_check_at,started_at,updated_at
FROM jobs
ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var state string
		if err := rows.Scan(&s.ID, &s.Name, &state, &s.FacilityIDs, &s.StartDate, &s.EndDate,
			&s.Health.TotalChecks, &s.Health.SuccessfulChecks, &s.Health.FailedChecks,
			&s.Health.ConsecutiveFailures, &s.Health.ReloginCount, &s.Health.LastError,
			&s.Health.LastCheckAt, &s.Health.StartedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.State = State(state)
		out = append(out, s)
	}
	return out, rows.Err()
}

