package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/logging"
	"github.com/example/appt-scheduler/internal/portal"
	"github.com/example/appt-scheduler/internal/remote"
	"github.com/example/appt-scheduler/internal/scheduler"
	"github.com/spf13/cobra"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage appointment jobs (non-API)",
	}
	cmd.AddCommand(newJobCreateCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobRunCmd())
	return cmd
}

func newJobCreateCmd() *cobra.Command {
	var (
		name            string
		email           string
		scheduleID      string
		locale          string
		facilities      string
		startDate       string
		endDate         string
		intervalSeconds int
		phases          string
		autoBook        bool
		maxRetries      int
		timeoutSeconds  int
		maxRelogins     int
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a job; the account password is read from PORTAL_PASSWORD",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, closeStore, err := openStore(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer closeStore()

			start, err := jobs.ParseDate(startDate)
			if err != nil {
				return fmt.Errorf("invalid --start-date (want YYYY-MM-DD)")
			}
			end, err := jobs.ParseDate(endDate)
			if err != nil {
				return fmt.Errorf("invalid --end-date (want YYYY-MM-DD)")
			}
			ph, err := jobs.DecodePhases(phases)
			if err != nil {
				return fmt.Errorf("invalid --phases: %w", err)
			}

			timeout := time.Duration(timeoutSeconds) * time.Second
			if timeout <= 0 {
				timeout = cfg.RequestTimeout
			}
			j := jobs.JobConfig{
				Name:               name,
				Email:              email,
				Password:           os.Getenv("PORTAL_PASSWORD"),
				ScheduleID:         scheduleID,
				Locale:             locale,
				FacilityIDs:        jobs.SplitCSV(facilities),
				StartDate:          start,
				EndDate:            end,
				Interval:           time.Duration(intervalSeconds) * time.Second,
				Phases:             ph,
				AutoBook:           autoBook,
				MaxRetries:         maxRetries,
				RequestTimeout:     timeout,
				MaxReloginAttempts: maxRelogins,
			}.WithDefaults()
			if err := j.Validate(); err != nil {
				return err
			}

			id, err := st.Create(ctx, j)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created job id=%d window=%s..%s facilities=%s\n",
				id, start.Format(jobs.DateLayout), end.Format(jobs.DateLayout), strings.Join(j.FacilityIDs, ","))
			return nil
		},
	}

	c.Flags().StringVar(&name, "name", "", "job name")
	c.Flags().StringVar(&email, "email", "", "account email")
	c.Flags().StringVar(&scheduleID, "schedule-id", "", "account schedule id")
	c.Flags().StringVar(&locale, "locale", "", "country segment, e.g. en-ca")
	c.Flags().StringVar(&facilities, "facilities", "", "comma-separated facility ids")
	c.Flags().StringVar(&startDate, "start-date", "", "earliest acceptable date YYYY-MM-DD")
	c.Flags().StringVar(&endDate, "end-date", "", "latest acceptable date YYYY-MM-DD")
	c.Flags().IntVar(&intervalSeconds, "interval-seconds", 60, "base seconds between check cycles")
	c.Flags().StringVar(&phases, "phases", "[]", `optional JSON phases, e.g. [{"seconds":10,"durationMinutes":5}]`)
	c.Flags().BoolVar(&autoBook, "auto-book", true, "book the earliest matching slot")
	c.Flags().IntVar(&maxRetries, "max-retries", jobs.DefaultMaxRetries, "transport retries per request")
	c.Flags().IntVar(&timeoutSeconds, "request-timeout-seconds", 0, "per-request timeout (default REQUEST_TIMEOUT_SECONDS)")
	c.Flags().IntVar(&maxRelogins, "max-relogin-attempts", jobs.DefaultMaxReloginAttempts, "relogins per cycle before giving up")

	for _, f := range []string{"name", "email", "schedule-id", "locale", "facilities", "start-date", "end-date"} {
		_ = c.MarkFlagRequired(f)
	}
	return c
}

func newJobListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, closeStore, err := openStore(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closeStore()

			list, err := st.List(ctx)
			if err != nil {
				return err
			}
			for _, j := range list {
				fmt.Fprintf(os.Stdout, "id=%d name=%q state=%s window=%s..%s facilities=%s checks=%d/%d\n",
					j.ID, j.Name, j.State, j.StartDate.Format(jobs.DateLayout), j.EndDate.Format(jobs.DateLayout),
					strings.Join(j.FacilityIDs, ","), j.Health.SuccessfulChecks, j.Health.TotalChecks)
			}
			return nil
		},
	}
}

// newJobRunCmd runs one job in the foreground. With --callback-url the job
// talks to a control plane over sealed callbacks instead of a local store.
func newJobRunCmd() *cobra.Command {
	var (
		id          int64
		callbackURL string
	)
	c := &cobra.Command{
		Use:   "run",
		Short: "Run a single job until it books, fails or is interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			var st jobs.Store
			if callbackURL != "" {
				if err := cfg.RequireCallbackKeys(); err != nil {
					return err
				}
				codec, err := remote.NewCodec(cfg.CallbackHashKey, cfg.CallbackBlockKey)
				if err != nil {
					return err
				}
				st = remote.NewStore(callbackURL, codec, nil)
			} else {
				local, closeStore, err := openStore(ctx, cfg, false)
				if err != nil {
					return err
				}
				defer closeStore()
				st = local
			}
			log.AddHook(logging.NewStoreHook(st))

			pool := portal.NewPool()
			defer pool.Close()
			sched := &scheduler.Scheduler{Store: st, Pool: pool, BaseURL: cfg.PortalBaseURL, Logger: log}
			if err := sched.Start(ctx, id); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				_ = sched.Stop(id)
			case <-sched.Done(id):
			}
			final, _ := sched.Status(id)
			fmt.Fprintf(os.Stdout, "job id=%d state=%s checks=%d/%d relogins=%d\n",
				id, final.State, final.Health.SuccessfulChecks, final.Health.TotalChecks, final.Health.ReloginCount)
			if final.State == jobs.StateError {
				return fmt.Errorf("job %d ended in error: %s", id, final.Health.LastError)
			}
			return nil
		},
	}
	c.Flags().Int64Var(&id, "id", 0, "job id")
	c.Flags().StringVar(&callbackURL, "callback-url", "", "control plane callback base URL, e.g. https://ctl.example.org/callbacks")
	_ = c.MarkFlagRequired("id")
	return c
}
