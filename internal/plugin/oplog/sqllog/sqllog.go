// Package sqllog implements the operation log on a gorm database. The
// postgres and sqlite plugins share it and differ only in driver and schema.
package sqllog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chirino/memory-sync/internal/metrics"
	"github.com/chirino/memory-sync/internal/model"
	registryoplog "github.com/chirino/memory-sync/internal/registry/oplog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is a row of oplog_records.
type Record struct {
	SequenceNo int64     `gorm:"column:sequence_no;primaryKey;autoIncrement"`
	Segment    int64     `gorm:"column:segment;not null"`
	Timestamp  time.Time `gorm:"column:timestamp;not null"`
	Component  string    `gorm:"column:component;not null"`
	DocumentID string    `gorm:"column:document_id;not null"`
	Operation  []byte    `gorm:"column:operation;not null"`
}

func (Record) TableName() string { return "oplog_records" }

// Baseline is a row of oplog_snapshots.
type Baseline struct {
	SequenceNo int64     `gorm:"column:sequence_no;primaryKey;autoIncrement:false"`
	Segment    int64     `gorm:"column:segment;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	State      []byte    `gorm:"column:state;not null"`
}

func (Baseline) TableName() string { return "oplog_snapshots" }

// ErrorMapper lets a driver translate its errors, e.g. into hints about a
// missing schema.
type ErrorMapper func(error) error

// Log is a gorm-backed operation log.
type Log struct {
	db       *gorm.DB
	mapErr   ErrorMapper
	mu       sync.Mutex
	segment  int64
	baseline int64
}

// New opens the log on db and loads the current segment.
func New(ctx context.Context, db *gorm.DB, mapErr ErrorMapper) (*Log, error) {
	if mapErr == nil {
		mapErr = func(err error) error { return err }
	}
	l := &Log{db: db, mapErr: mapErr, segment: 1}
	snap, err := l.Baseline(ctx)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		l.segment = snap.Segment + 1
		l.baseline = snap.SequenceNo
	}
	return l, nil
}

// DB exposes the underlying connection.
func (l *Log) DB() *gorm.DB { return l.db }

func (l *Log) Append(ctx context.Context, rec model.OpLogRecord) (model.OpLogRecord, error) {
	defer metrics.ObserveOpLog("append", time.Now())
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	row := Record{
		Segment:    l.segment,
		Timestamp:  rec.Timestamp,
		Component:  string(rec.Component),
		DocumentID: rec.DocumentID,
		Operation:  rec.Operation,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.OpLogRecord{}, fmt.Errorf("oplog append: %w", l.mapErr(err))
	}
	rec.SequenceNo = row.SequenceNo
	rec.Segment = row.Segment
	return rec, nil
}

func (l *Log) Read(ctx context.Context, after int64, limit int) ([]model.OpLogRecord, error) {
	defer metrics.ObserveOpLog("read", time.Now())
	q := l.db.WithContext(ctx).Where("sequence_no > ?", after).Order("sequence_no ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Record
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("oplog read: %w", l.mapErr(err))
	}
	out := make([]model.OpLogRecord, len(rows))
	for i, r := range rows {
		out[i] = model.OpLogRecord{
			SequenceNo: r.SequenceNo,
			Segment:    r.Segment,
			Timestamp:  r.Timestamp.UTC(),
			Component:  model.Component(r.Component),
			DocumentID: r.DocumentID,
			Operation:  r.Operation,
		}
	}
	return out, nil
}

func (l *Log) Baseline(ctx context.Context) (*model.Snapshot, error) {
	var row Baseline
	err := l.db.WithContext(ctx).Order("sequence_no DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oplog baseline: %w", l.mapErr(err))
	}
	return &model.Snapshot{
		SequenceNo: row.SequenceNo,
		Segment:    row.Segment,
		CreatedAt:  row.CreatedAt.UTC(),
		State:      row.State,
	}, nil
}

// Compact writes the baseline and drops the records it covers in one
// transaction, then starts a new segment.
func (l *Log) Compact(ctx context.Context, snap model.Snapshot) error {
	defer metrics.ObserveOpLog("compact", time.Now())
	l.mu.Lock()
	defer l.mu.Unlock()
	if snap.SequenceNo < l.baseline {
		return model.NewValidationError("sequence_no", "snapshot at %d predates the baseline at %d", snap.SequenceNo, l.baseline)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	row := Baseline{SequenceNo: snap.SequenceNo, Segment: l.segment, CreatedAt: snap.CreatedAt, State: snap.State}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head int64
		if err := tx.Model(&Record{}).Select("COALESCE(MAX(sequence_no), 0)").Scan(&head).Error; err != nil {
			return err
		}
		if snap.SequenceNo > head && snap.SequenceNo > l.baseline {
			return model.NewValidationError("sequence_no", "snapshot at %d is ahead of the log (%d)", snap.SequenceNo, head)
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Where("sequence_no <= ?", snap.SequenceNo).Delete(&Record{}).Error
	})
	if err != nil {
		if model.IsValidation(err) {
			return err
		}
		return fmt.Errorf("oplog compact: %w", l.mapErr(err))
	}
	l.segment++
	l.baseline = snap.SequenceNo
	return nil
}

func (l *Log) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.WithContext(ctx).Model(&Record{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("oplog count: %w", l.mapErr(err))
	}
	return n, nil
}

func (l *Log) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ registryoplog.Log = (*Log)(nil)
