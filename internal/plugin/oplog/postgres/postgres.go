// Package postgres keeps the operation log in Postgres through the shared
// sqllog implementation.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/metrics"
	"github.com/chirino/memory-sync/internal/plugin/oplog/sqllog"
	registrymigrate "github.com/chirino/memory-sync/internal/registry/migrate"
	registryoplog "github.com/chirino/memory-sync/internal/registry/oplog"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const poolSampleInterval = 15 * time.Second

func init() {
	registryoplog.Register(registryoplog.Plugin{Name: "postgres", Loader: load})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: migrator{}})
}

func open(cfg *config.Config) (*gorm.DB, *sql.DB, error) {
	if cfg == nil || cfg.DBURL == "" {
		return nil, nil, fmt.Errorf("postgres oplog: MEMORY_SYNC_DB_URL is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres oplog: connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("postgres oplog: %w", err)
	}
	return db, sqlDB, nil
}

func load(ctx context.Context) (registryoplog.Log, error) {
	cfg := config.FromContext(ctx)
	db, sqlDB, err := open(cfg)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	if metrics.DBPoolMaxConnections != nil {
		metrics.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
	}
	go samplePool(ctx, sqlDB)
	return sqllog.New(ctx, db, mapError)
}

// samplePool publishes the open connection count until ctx ends.
func samplePool(ctx context.Context, sqlDB *sql.DB) {
	if metrics.DBPoolOpenConnections == nil {
		return
	}
	ticker := time.NewTicker(poolSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
		}
	}
}

// mapError points at the migrate command when the tables are missing.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return fmt.Errorf("%w (run `memory-sync migrate` or enable --oplog-migrate-at-start)", err)
	}
	return err
}

type migrator struct{}

func (migrator) Name() string { return "postgres-oplog" }

func (migrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.OpLogMigrateAtStart || cfg.OpLogType != "postgres" {
		return nil
	}
	_, sqlDB, err := open(cfg)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres oplog: apply schema: %w", err)
	}
	log.Info("Migrate: postgres oplog schema ready")
	return nil
}
