package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"device-analytics/pkg/logging"
)

//go:embed migrations
var migrationsFS embed.FS

// Schema sets that can be migrated.
const (
	SchemaDestination = "destination"
	SchemaSource      = "source"
)

// Migration directions.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Migrate applies (or rolls back) the embedded migrations of schema against the store
// described by cfg. It opens a dedicated connection because the migrate drivers close
// the *sql.DB they are handed.
func Migrate(ctx context.Context, cfg *Config, schema, direction string, logger *logging.StructuredLogger) error {
	if schema != SchemaDestination && schema != SchemaSource {
		return fmt.Errorf("unknown schema %q", schema)
	}
	if direction != DirectionUp && direction != DirectionDown {
		return fmt.Errorf("unknown migration direction %q", direction)
	}

	dsn, err := cfg.DataSourceName()
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationsFS, path.Join("migrations", schema, cfg.Driver))
	if err != nil {
		return fmt.Errorf("no %s migrations for driver %s: %w", schema, cfg.Driver, err)
	}

	sqlDB, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		src.Close()
		sqlDB.Close()
		return fmt.Errorf("failed to ping database for migration: %w", err)
	}

	table := "schema_migrations_" + schema
	var drv migratedb.Driver
	switch cfg.Driver {
	case DriverMySQL:
		drv, err = migratemysql.WithInstance(sqlDB, &migratemysql.Config{MigrationsTable: table})
	case DriverPostgres:
		drv, err = migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{MigrationsTable: table})
	default:
		err = fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		src.Close()
		sqlDB.Close()
		return fmt.Errorf("failed to prepare migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, cfg.Driver, drv)
	if err != nil {
		src.Close()
		drv.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if direction == DirectionUp {
		err = m.Up()
	} else {
		err = m.Down()
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info(ctx, "[MIGRATE_NOOP] Schema already current", logging.Fields{
			"schema": schema,
			"driver": cfg.Driver,
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to migrate %s schema %s: %w", schema, direction, err)
	}

	version, dirty, _ := m.Version()
	logger.Info(ctx, "[MIGRATE_COMPLETE] Schema migrated", logging.Fields{
		"schema":    schema,
		"driver":    cfg.Driver,
		"direction": direction,
		"version":   version,
		"dirty":     dirty,
	})
	return nil
}
