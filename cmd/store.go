package cmd

import (
	"context"
	"fmt"

	"github.com/example/appt-scheduler/internal/config"
	"github.com/example/appt-scheduler/internal/crypto"
	"github.com/example/appt-scheduler/internal/db"
	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/migrate"
	"github.com/example/appt-scheduler/internal/sqlite"
)

// jobStore is a durable store that can also create and list jobs.
type jobStore interface {
	jobs.Store
	jobs.Catalog
}

// openStore opens the configured driver. The returned func closes it.
func openStore(ctx context.Context, cfg config.Config, migrateUp bool) (jobStore, func(), error) {
	if err := cfg.RequireCredKey(); err != nil {
		return nil, nil, err
	}
	sealer, err := crypto.New(cfg.CredKey)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.StoreDriver {
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath, sealer)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		d, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := d.Ping(ctx); err != nil {
			d.Close()
			return nil, nil, fmt.Errorf("db ping: %w", err)
		}
		if migrateUp {
			if err := migrate.Up(ctx, d); err != nil {
				d.Close()
				return nil, nil, err
			}
		}
		return jobs.NewRepo(d, sealer), d.Close, nil
	}
}
