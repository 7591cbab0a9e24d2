// Package sqlite stores the operation log in a local SQLite file.
package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/plugin/oplog/sqllog"
	registrymigrate "github.com/chirino/memory-sync/internal/registry/migrate"
	registryoplog "github.com/chirino/memory-sync/internal/registry/oplog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	registryoplog.Register(registryoplog.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registryoplog.Log, error) {
			cfg := config.FromContext(ctx)
			db, err := open(cfg.SQLitePath)
			if err != nil {
				return nil, err
			}
			return sqllog.New(ctx, db, mapError)
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

func open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

func mapError(err error) error {
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w (run `memory-sync migrate` or enable --oplog-migrate-at-start)", err)
	}
	return err
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-oplog-schema" }
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.OpLogMigrateAtStart {
		return nil
	}
	if cfg.OpLogType != "sqlite" {
		return nil
	}
	log.Info("Running migration", "name", m.Name(), "path", cfg.SQLitePath)
	db, err := open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("SQLite oplog schema migration complete")
	return nil
}
