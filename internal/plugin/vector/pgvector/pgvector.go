// Package pgvector stores memory embeddings in Postgres with the pgvector
// extension, next to the op log when both use the same database.
package pgvector

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/config"
	registrymigrate "github.com/chirino/memory-sync/internal/registry/migrate"
	registryvector "github.com/chirino/memory-sync/internal/registry/vector"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

//go:embed db/pgvector-schema.sql
var schemaSQL string

func init() {
	registryvector.Register(registryvector.Plugin{Name: "pgvector", Loader: load})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: migrator{}})
}

type migrator struct{}

func (migrator) Name() string { return "pgvector" }

func (migrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.VectorMigrateAtStart || cfg.VectorType != "pgvector" || cfg.DBURL == "" {
		return nil
	}
	s, err := open(cfg)
	if err != nil {
		return fmt.Errorf("pgvector migrate: %w", err)
	}
	defer s.Close()
	if err := s.db.WithContext(ctx).Exec(schemaSQL).Error; err != nil {
		return fmt.Errorf("pgvector migrate: %w", err)
	}
	log.Info("Migrate: pgvector schema ready")
	return nil
}

// embedding is one row of memory_embeddings.
type embedding struct {
	MemoryID    string `gorm:"primaryKey"`
	Embedding   pgvec.Vector
	Model       string
	ContentHash string
	Version     int64
}

func (embedding) TableName() string { return "memory_embeddings" }

// Store is a VectorStore on a pgvector table.
type Store struct {
	db *gorm.DB
}

func open(cfg *config.Config) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.DBMaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
	return &Store{db: db}, nil
}

func load(ctx context.Context) (registryvector.VectorStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DBURL == "" {
		return nil, fmt.Errorf("pgvector: MEMORY_SYNC_DB_URL is required")
	}
	s, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector: %w", err)
	}
	return s, nil
}

func (s *Store) Name() string { return "pgvector" }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert writes the newest entry per memory. Rows already holding a later
// version are left alone.
func (s *Store) Upsert(ctx context.Context, entries []registryvector.Entry) error {
	entries = registryvector.Newest(entries)
	if len(entries) == 0 {
		return nil
	}
	rows := make([]embedding, len(entries))
	for i, e := range entries {
		rows[i] = embedding{
			MemoryID:    e.MemoryID,
			Embedding:   pgvec.NewVector(e.Vector),
			Model:       e.Model,
			ContentHash: e.ContentHash,
			Version:     int64(e.Version),
		}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "memory_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"embedding", "model", "content_hash", "version"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "memory_embeddings.version <= EXCLUDED.version"},
		}},
	}).Create(&rows).Error
}

func (s *Store) Search(ctx context.Context, q registryvector.Query) ([]registryvector.SearchResult, error) {
	if q.Limit <= 0 || len(q.Vector) == 0 {
		return nil, nil
	}
	vec := pgvec.NewVector(q.Vector)
	tx := s.db.WithContext(ctx).
		Table("memory_embeddings").
		Select("memory_id, 1 - (embedding <=> ?) AS score", vec)
	if q.Model != "" {
		tx = tx.Where("model = ?", q.Model)
	}
	if len(q.Exclude) > 0 {
		tx = tx.Where("memory_id NOT IN ?", q.Exclude)
	}
	var out []registryvector.SearchResult
	err := tx.Clauses(clause.OrderBy{
		Expression: clause.Expr{SQL: "embedding <=> ?", Vars: []interface{}{vec}},
	}).Limit(q.Limit).Scan(&out).Error
	return out, err
}

func (s *Store) Delete(ctx context.Context, memoryIDs ...string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("memory_id IN ?", memoryIDs).Delete(&embedding{}).Error
}
