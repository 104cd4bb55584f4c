package main

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/stockledger/internal/config"
	"github.com/ehr/stockledger/internal/domain/inventory"
	"github.com/ehr/stockledger/internal/platform/db"
	"github.com/ehr/stockledger/migrations"
)

// backend bundles the inventory store chosen by STORE_DRIVER with the
// driver-specific health check and migration runner.
type backend struct {
	Store           inventory.Store
	Health          echo.HandlerFunc
	Migrate         func(ctx context.Context) (int, error)
	MigrationStatus func(ctx context.Context) ([]db.MigrationStatus, error)
	Close           func()
}

// openStore connects to the configured store. The embedded SQLite store is
// migrated on open when migrateEmbedded is set; PostgreSQL is only migrated
// through "migrate up".
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger, migrateEmbedded bool) (*backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Msg("connected to database")

		migrator := db.NewMigrator(pool, migrations.Postgres())
		return &backend{
			Store:           inventory.NewPGStore(pool),
			Health:          db.HealthHandler(pool),
			Migrate:         migrator.Up,
			MigrationStatus: migrator.Status,
			Close:           pool.Close,
		}, nil

	case config.DriverSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")

		b := &backend{
			Store:  inventory.NewSQLiteStore(conn),
			Health: db.SQLiteHealthHandler(conn),
			Migrate: func(ctx context.Context) (int, error) {
				return db.MigrateSQLite(ctx, conn, migrations.SQLite())
			},
			MigrationStatus: func(ctx context.Context) ([]db.MigrationStatus, error) {
				return db.SQLiteMigrationStatus(ctx, conn, migrations.SQLite())
			},
			Close: func() { _ = conn.Close() },
		}
		if migrateEmbedded {
			n, err := b.Migrate(ctx)
			if err != nil {
				b.Close()
				return nil, fmt.Errorf("migrate sqlite store: %w", err)
			}
			logger.Info().Int("applied", n).Msg("sqlite store migrated")
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
}
