package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/appt-scheduler/internal/auth"
	"github.com/example/appt-scheduler/internal/logging"
	"github.com/example/appt-scheduler/internal/portal"
	"github.com/example/appt-scheduler/internal/remote"
	"github.com/example/appt-scheduler/internal/scheduler"
	"github.com/example/appt-scheduler/internal/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServerCmd() *cobra.Command {
	var (
		migrateUp bool
		resume    bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the control API and the job scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			st, closeStore, err := openStore(ctx, cfg, migrateUp)
			if err != nil {
				return err
			}
			defer closeStore()
			log.AddHook(logging.NewStoreHook(st))

			pool := portal.NewPool()
			defer pool.Close()

			sched := &scheduler.Scheduler{
				Store:   st,
				Pool:    pool,
				BaseURL: cfg.PortalBaseURL,
				Logger:  log,
			}

			ws := &web.Server{Manager: sched, Catalog: st, Logger: log}
			if cfg.APITokenHash != "" {
				ws.Auth = auth.NewBearer(cfg.APITokenHash).Require
			} else {
				log.Warn("API_TOKEN_HASH not set; job API is unauthenticated")
			}
			if cfg.RequireCallbackKeys() == nil {
				codec, err := remote.NewCodec(cfg.CallbackHashKey, cfg.CallbackBlockKey)
				if err != nil {
					return err
				}
				ws.Callbacks = remote.NewHandler(st, codec, log).Routes()
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return web.Start(gctx, cfg.ListenAddr, ws.Routes(), log)
			})
			g.Go(func() error {
				<-gctx.Done()
				sched.StopAll()
				return nil
			})
			if resume {
				g.Go(func() error {
					list, err := st.List(gctx)
					if err != nil {
						log.WithError(err).Warn("resume: list jobs")
						return nil
					}
					n := sched.Resume(gctx, list)
					log.WithField("count", n).Info("resumed jobs")
					return nil
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().BoolVar(&resume, "resume", false, "restart jobs whose stored state is running")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
