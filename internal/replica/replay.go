package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/crdt"
	"github.com/chirino/memory-sync/internal/model"
	"github.com/chirino/memory-sync/internal/ot"
	registryoplog "github.com/chirino/memory-sync/internal/registry/oplog"
)

const replayPage = 500

// baselineState is the state stored in a compaction snapshot.
type baselineState struct {
	Documents     []crdt.DocumentState `json:"documents"`
	Relationships []ot.Snapshot        `json:"relationships"`
}

// Recover loads the latest baseline snapshot and replays every record
// after it. It must run before the replica accepts operations. It returns
// the number of records replayed.
func (r *Replica) Recover(ctx context.Context) (int, error) {
	start := time.Now()
	base, err := r.log.Baseline(ctx)
	if err != nil {
		return 0, fmt.Errorf("load baseline: %w", err)
	}
	var after int64
	if base != nil {
		var st baselineState
		if err := json.Unmarshal(base.State, &st); err != nil {
			return 0, fmt.Errorf("decode baseline %d: %w", base.SequenceNo, err)
		}
		for _, doc := range st.Documents {
			if err := r.store.Import(doc); err != nil {
				return 0, fmt.Errorf("import memory %s: %w", doc.ID, err)
			}
		}
		r.engine.Import(st.Relationships)
		after = base.SequenceNo
	}

	n := 0
	for {
		recs, err := r.log.Read(ctx, after, replayPage)
		if err != nil {
			return n, fmt.Errorf("read op log after %d: %w", after, err)
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			if err := r.replay(rec); err != nil {
				return n, fmt.Errorf("replay record %d: %w", rec.SequenceNo, err)
			}
			after = rec.SequenceNo
			n++
		}
	}
	r.head.Store(after)
	log.Info("Replica: recovered", "baseline", base != nil, "records", n, "head", after, "took", time.Since(start))
	return n, nil
}

// replay applies one logged record without detection or publishing.
func (r *Replica) replay(rec model.OpLogRecord) error {
	switch rec.Component {
	case model.ComponentField:
		var fr fieldRecord
		if err := json.Unmarshal(rec.Operation, &fr); err != nil {
			return fmt.Errorf("decode field record: %w", err)
		}
		switch fr.OpType {
		case model.FieldOpApply:
			if fr.Op == nil {
				return model.NewValidationError("op", "APPLY record without op")
			}
			_, err := r.store.Apply(rec.DocumentID, fr.Field, *fr.Op)
			return err
		case model.FieldOpMerge:
			if fr.State == nil {
				return model.NewValidationError("state", "MERGE record without state")
			}
			_, err := r.store.MergeRemote(rec.DocumentID, fr.Field, *fr.State)
			return err
		case model.FieldOpDeleteMemory:
			if fr.DeletedBy == nil {
				return model.NewValidationError("deleted_by", "DELETE_MEMORY record without stamp")
			}
			_, err := r.store.DeleteMemory(rec.DocumentID, fr.DeletedBy.User, fr.DeletedBy.Lamport)
			return err
		}
		return model.NewValidationError("op_type", "unknown field record %q", fr.OpType)

	case model.ComponentRelationship:
		var op ot.Operation
		if err := json.Unmarshal(rec.Operation, &op); err != nil {
			return fmt.Errorf("decode relationship record: %w", err)
		}
		_, err := r.engine.Replay(op)
		return err
	}
	return model.NewValidationError("component", "unknown component %q", rec.Component)
}

// exportState captures the replica state, leaving out the given memories.
func (r *Replica) exportState(skip map[string]bool) baselineState {
	st := baselineState{Relationships: r.engine.Export()}
	for _, doc := range r.store.ExportAll() {
		if !skip[doc.ID] {
			st.Documents = append(st.Documents, doc)
		}
	}
	return st
}

// Documents renders every memory ordered by id.
func (r *Replica) Documents() []crdt.MemoryDocument {
	var out []crdt.MemoryDocument
	for _, id := range r.store.IDs() {
		if doc, err := r.store.Snapshot(id); err == nil {
			out = append(out, doc)
		}
	}
	return out
}

// Relationships returns every relationship ordered by id.
func (r *Replica) Relationships() []ot.State {
	snaps := r.engine.Export()
	out := make([]ot.State, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s.State)
	}
	return out
}

// Rebuild replays a log into a fresh replica that has no plugins besides
// the log. It is how the replay command verifies a log.
func Rebuild(ctx context.Context, l registryoplog.Log, opts Options) (*Replica, int, error) {
	opts.Log = l
	opts.Publisher, opts.Cache, opts.Embedder, opts.Vector = nil, nil, nil, nil
	r, err := New(opts)
	if err != nil {
		return nil, 0, err
	}
	n, err := r.Recover(ctx)
	if err != nil {
		r.Close()
		return nil, n, err
	}
	return r, n, nil
}
