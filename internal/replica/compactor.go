package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/model"
)

// CompactionConfig tunes log compaction.
type CompactionConfig struct {
	// Interval between compaction checks; zero disables the loop.
	Interval time.Duration
	// MinRecords is the number of records after the baseline that makes a
	// compaction worthwhile.
	MinRecords int
	// PurgeDeleted drops deleted memories that no live relationship
	// references from the new baseline.
	PurgeDeleted bool
}

func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Interval:     10 * time.Minute,
		MinRecords:   10000,
		PurgeDeleted: true,
	}
}

// CompactionResult describes one compaction.
type CompactionResult struct {
	Skipped    bool     `json:"skipped,omitempty"`
	SequenceNo int64    `json:"sequence_no,omitempty"`
	Records    int64    `json:"records"`
	Purged     []string `json:"purged,omitempty"`
}

// Compactor periodically folds the operation log into a baseline snapshot.
type Compactor struct {
	replica *Replica
	cfg     CompactionConfig
}

func NewCompactor(r *Replica, cfg CompactionConfig) *Compactor {
	return &Compactor{replica: r, cfg: cfg}
}

// Start runs the compaction loop. Returns when ctx is cancelled.
func (c *Compactor) Start(ctx context.Context) {
	if c.cfg.Interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Run(ctx, false); err != nil {
				log.Error("Compaction: failed", "err", err)
			}
		}
	}
}

// Run compacts the log. Unless force is set it does nothing while fewer
// than MinRecords records follow the baseline.
func (c *Compactor) Run(ctx context.Context, force bool) (CompactionResult, error) {
	r := c.replica
	count, err := r.log.Count(ctx)
	if err != nil {
		return CompactionResult{}, fmt.Errorf("count records: %w", err)
	}
	if count == 0 || (!force && count < int64(c.cfg.MinRecords)) {
		return CompactionResult{Skipped: true, Records: count}, nil
	}

	head, purge, err := c.baseline(ctx)
	if err != nil {
		return CompactionResult{}, fmt.Errorf("compact at %d: %w", head, err)
	}

	res := CompactionResult{SequenceNo: head, Records: count}
	for _, id := range slices.Sorted(maps.Keys(purge)) {
		r.embeddings.Forget(ctx, id)
		r.invalidate(ctx, id)
		res.Purged = append(res.Purged, id)
	}
	log.Info("Compaction: completed", "sequenceNo", head, "records", count, "purged", len(res.Purged))
	return res, nil
}

// baseline writes the snapshot at the current head under the exclusive
// gate and drops the purged memories from the store.
func (c *Compactor) baseline(ctx context.Context) (int64, map[string]bool, error) {
	r := c.replica
	r.gate.Lock()
	defer r.gate.Unlock()
	head := r.head.Load()
	purge := map[string]bool{}
	if c.cfg.PurgeDeleted {
		for _, id := range r.store.Deleted() {
			if !r.engine.HasLiveRelationships(id) {
				purge[id] = true
			}
		}
	}
	raw, err := json.Marshal(r.exportState(purge))
	if err != nil {
		return head, nil, err
	}
	if err := r.log.Compact(ctx, model.Snapshot{SequenceNo: head, State: raw}); err != nil {
		return head, nil, err
	}
	for id := range purge {
		r.store.Purge(id)
	}
	return head, purge, nil
}

// Compact runs one forced compaction.
func (r *Replica) Compact(ctx context.Context) (CompactionResult, error) {
	return r.compactor.Run(ctx, true)
}
