package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx driver for database/sql

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const embeddedRoot = "sql"

var (
	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply runs every pending migration against the Postgres instance at dsn. A
// nil logger disables informational logging.
func Apply(ctx context.Context, dsn string, logger *log.Logger) error {
	m, cleanup, err := prepareMigrator(dsn, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if logger != nil {
		logger.Printf("running embedded run-runtime migrations")
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop")
			if logger != nil {
				logger.Printf("run-runtime schema up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, "failed")
		return fmt.Errorf("apply migrations: %w", err)
	}
	recordMigrationMetric(ctx, "applied")
	if logger != nil {
		logger.Printf("run-runtime migrations applied successfully")
	}
	return nil
}

// Rollback steps the schema backwards by steps migrations (default 1).
func Rollback(ctx context.Context, dsn string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		steps = 1
	}
	m, cleanup, err := prepareMigrator(dsn, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop")
			return nil
		}
		recordMigrationMetric(ctx, "failed")
		return fmt.Errorf("rollback migrations: %w", err)
	}
	recordMigrationMetric(ctx, "rolled_back")
	return nil
}

func prepareMigrator(dsn string, logger *log.Logger) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open migrations connection: %w", err)
	}
	cleanup := func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("migrations connection close: %v", cerr)
		}
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	sourceDriver, err := iofs.New(Files, embeddedRoot)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("initialise embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", driver)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("initialise migrate instance: %w", err)
	}

	return m, func() {
		sourceErr, dbErr := m.Close()
		if logger != nil {
			if sourceErr != nil {
				logger.Printf("migrations source close: %v", sourceErr)
			}
			if dbErr != nil {
				logger.Printf("migrations db close: %v", dbErr)
			}
		}
		cleanup()
	}, nil
}

func recordMigrationMetric(ctx context.Context, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("weaver/migrations")
		counter, err := meter.Int64Counter("weaver_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
