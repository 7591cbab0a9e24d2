package replica

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/conflict"
	"github.com/chirino/memory-sync/internal/crdt"
	"github.com/chirino/memory-sync/internal/metrics"
	"github.com/chirino/memory-sync/internal/model"
	"github.com/chirino/memory-sync/internal/ot"
	registrycache "github.com/chirino/memory-sync/internal/registry/cache"
	registryvector "github.com/chirino/memory-sync/internal/registry/vector"
)

// MemoryView is the read view of a memory: its merged fields and the
// relationships touching it.
type MemoryView struct {
	crdt.MemoryDocument
	Relationships []ot.State `json:"relationships"`
	ViewDigest    string     `json:"view_digest"`
}

func viewDigest(doc crdt.MemoryDocument, rels []ot.State) string {
	h := sha256.New()
	h.Write([]byte(doc.Digest))
	for _, rel := range rels {
		h.Write([]byte{0})
		h.Write([]byte(rel.ID))
		h.Write([]byte(strconv.FormatUint(rel.Version, 10)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Replica) render(memoryID string) (MemoryView, error) {
	doc, err := r.store.Snapshot(memoryID)
	if err != nil {
		return MemoryView{}, err
	}
	rels := r.engine.Relationships(memoryID)
	return MemoryView{MemoryDocument: doc, Relationships: rels, ViewDigest: viewDigest(doc, rels)}, nil
}

func (r *Replica) cacheEnabled() bool {
	return r.cache != nil && r.cache.Available()
}

// Memory returns the read view of a memory, from the snapshot cache when
// one is configured.
func (r *Replica) Memory(ctx context.Context, memoryID string) (MemoryView, error) {
	if r.cacheEnabled() {
		cached, err := r.cache.Get(ctx, memoryID)
		if err != nil {
			log.Warn("Replica: snapshot cache read failed", "memoryId", memoryID, "err", err)
		}
		if cached != nil {
			var v MemoryView
			if err := json.Unmarshal(cached.View, &v); err == nil {
				metrics.CacheHit()
				return v, nil
			}
		}
		metrics.CacheMiss()
	}

	v, err := r.render(memoryID)
	if err != nil || !r.cacheEnabled() {
		return v, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v, nil
	}
	snap := registrycache.CachedSnapshot{MemoryID: memoryID, Digest: v.ViewDigest, View: raw, CachedAt: time.Now().UTC()}
	if err := r.cache.Set(ctx, memoryID, snap, r.opts.CacheTTL); err != nil {
		log.Warn("Replica: snapshot cache write failed", "memoryId", memoryID, "err", err)
		return v, nil
	}
	// a write may have landed between render and Set
	if now, err := r.render(memoryID); err != nil || now.ViewDigest != v.ViewDigest {
		r.invalidate(ctx, memoryID)
	}
	return v, nil
}

func (r *Replica) invalidate(ctx context.Context, memoryID string) {
	if !r.cacheEnabled() {
		return
	}
	if err := r.cache.Remove(context.WithoutCancel(ctx), memoryID); err != nil {
		log.Warn("Replica: snapshot cache invalidation failed", "memoryId", memoryID, "err", err)
	}
}

// Relationship returns the current state of a relationship.
func (r *Replica) Relationship(relID string) (ot.State, error) {
	return r.engine.State(relID)
}

// EmbeddingView reports the embedding of a memory and whether it lags.
type EmbeddingView struct {
	MemoryID string                 `json:"memory_id"`
	Vector   []float32              `json:"vector,omitempty"`
	Stale    bool                   `json:"stale"`
	Record   *model.EmbeddingRecord `json:"record,omitempty"`
}

// Embedding returns the embedding of a memory, scheduling one if the
// memory was never embedded.
func (r *Replica) Embedding(memoryID string) (EmbeddingView, error) {
	vec, stale, err := r.embeddings.GetEmbedding(memoryID)
	if err != nil {
		return EmbeddingView{}, err
	}
	v := EmbeddingView{MemoryID: memoryID, Vector: vec, Stale: stale}
	if rec, ok := r.embeddings.Record(memoryID); ok {
		rec.Vector = nil
		v.Record = &rec
	}
	return v, nil
}

// Similar returns the live memories closest to memoryID by embedding.
func (r *Replica) Similar(ctx context.Context, memoryID string, limit int) ([]registryvector.SearchResult, error) {
	if limit <= 0 {
		return nil, model.NewValidationError("limit", "must be positive")
	}
	hits, err := r.embeddings.Similar(ctx, memoryID, limit)
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, h := range hits {
		if doc, err := r.store.Snapshot(h.MemoryID); err == nil && !doc.Deleted {
			out = append(out, h)
		}
	}
	return out, nil
}

// ConflictView is a conflict group with its retained resolutions.
type ConflictView struct {
	Group       conflict.Group        `json:"group"`
	Resolutions []conflict.Resolution `json:"resolutions,omitempty"`
	// AwaitingChoice is set while a selective merge waits for a user.
	AwaitingChoice bool `json:"awaiting_choice,omitempty"`
}

// Conflict returns a conflict group.
func (r *Replica) Conflict(groupID string) (ConflictView, error) {
	g, err := r.coordinator.Group(groupID)
	if err != nil {
		return ConflictView{}, err
	}
	v := ConflictView{Group: g, Resolutions: r.coordinator.Completed(groupID)}
	for _, id := range r.choices.Waiting() {
		if id == groupID {
			v.AwaitingChoice = true
		}
	}
	return v, nil
}

// Conflicts lists the groups that are not settled.
func (r *Replica) Conflicts() []conflict.Group {
	return r.coordinator.Groups()
}

// Choose delivers a user's selection for a group resolved by selective
// merge.
func (r *Replica) Choose(groupID string, chosen []string) error {
	if _, err := r.coordinator.Group(groupID); err != nil {
		return err
	}
	return r.choices.Submit(groupID, chosen)
}

// Quarantined lists merge inputs rejected as convergence failures.
func (r *Replica) Quarantined() []crdt.Quarantined {
	return r.store.Quarantined()
}
