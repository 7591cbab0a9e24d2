// Package memory keeps the operation log in process memory. State does not
// survive a restart; it is meant for tests and single-node development.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/chirino/memory-sync/internal/model"
	registryoplog "github.com/chirino/memory-sync/internal/registry/oplog"
)

func init() {
	registryoplog.Register(registryoplog.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registryoplog.Log, error) {
			return New(), nil
		},
	})
}

// Log is an in-memory operation log.
type Log struct {
	mu       sync.RWMutex
	records  []model.OpLogRecord
	baseline *model.Snapshot
	next     int64
	segment  int64
}

func New() *Log {
	return &Log{next: 1, segment: 1}
}

func (l *Log) Append(_ context.Context, rec model.OpLogRecord) (model.OpLogRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.SequenceNo = l.next
	rec.Segment = l.segment
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Operation = slices.Clone(rec.Operation)
	l.next++
	l.records = append(l.records, rec)
	return rec, nil
}

func (l *Log) Read(_ context.Context, after int64, limit int) ([]model.OpLogRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, _ := slices.BinarySearchFunc(l.records, after+1, func(r model.OpLogRecord, seq int64) int {
		switch {
		case r.SequenceNo < seq:
			return -1
		case r.SequenceNo > seq:
			return 1
		}
		return 0
	})
	rest := l.records[i:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]model.OpLogRecord, len(rest))
	for j, r := range rest {
		r.Operation = slices.Clone(r.Operation)
		out[j] = r
	}
	return out, nil
}

func (l *Log) Baseline(_ context.Context) (*model.Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.baseline == nil {
		return nil, nil
	}
	snap := *l.baseline
	snap.State = slices.Clone(snap.State)
	return &snap, nil
}

func (l *Log) Compact(_ context.Context, snap model.Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if snap.SequenceNo >= l.next {
		return model.NewValidationError("sequence_no", "snapshot at %d is ahead of the log (%d)", snap.SequenceNo, l.next-1)
	}
	if l.baseline != nil && snap.SequenceNo < l.baseline.SequenceNo {
		return model.NewValidationError("sequence_no", "snapshot at %d predates the baseline at %d", snap.SequenceNo, l.baseline.SequenceNo)
	}
	snap.Segment = l.segment
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	snap.State = slices.Clone(snap.State)
	keep := slices.IndexFunc(l.records, func(r model.OpLogRecord) bool { return r.SequenceNo > snap.SequenceNo })
	if keep < 0 {
		l.records = nil
	} else {
		l.records = slices.Clone(l.records[keep:])
	}
	l.baseline = &snap
	l.segment++
	return nil
}

func (l *Log) Count(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.records)), nil
}

func (l *Log) Close() error { return nil }

var _ registryoplog.Log = (*Log)(nil)
