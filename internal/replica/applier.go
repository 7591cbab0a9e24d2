package replica

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"github.com/chirino/memory-sync/internal/conflict"
	"github.com/chirino/memory-sync/internal/crdt"
	"github.com/chirino/memory-sync/internal/metrics"
	"github.com/chirino/memory-sync/internal/model"
	"github.com/chirino/memory-sync/internal/ot"
	"github.com/google/uuid"
)

var resubmitNamespace = uuid.MustParse("a3e1c7d2-5b94-4f08-8c6e-1d2f7b9e4a30")

// CurrentVersion implements conflict.Applier.
func (r *Replica) CurrentVersion(origin conflict.Origin, targetID string) (uint64, error) {
	switch origin {
	case conflict.OriginField:
		doc, err := r.store.Snapshot(targetID)
		if err != nil {
			return 0, err
		}
		return doc.Clock, nil
	case conflict.OriginRelationship:
		state, err := r.engine.State(targetID)
		if err != nil {
			return 0, err
		}
		return state.Version, nil
	case conflict.OriginEmbedding:
		rec, _ := r.embeddings.Record(targetID)
		return rec.LastSyncedVersion, nil
	}
	return 0, model.NewValidationError("origin", "unknown origin %q", origin)
}

// ApplyResolution implements conflict.Applier. Every change it makes goes
// through the log like any other operation.
func (r *Replica) ApplyResolution(ctx context.Context, res conflict.Resolution) (uint64, error) {
	switch res.Origin {
	case conflict.OriginRelationship:
		return r.resolveRelationship(ctx, res)
	case conflict.OriginField:
		return r.resolveField(ctx, res)
	case conflict.OriginEmbedding:
		if res.Strategy != conflict.StrategyNative {
			r.embeddings.Refresh(res.TargetID)
		}
		return r.CurrentVersion(res.Origin, res.TargetID)
	}
	return 0, model.NewValidationError("origin", "unknown origin %q", res.Origin)
}

func memberSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// resubmitID derives the id of an operation re-applied by a resolution, so
// that applying the same resolution twice is a no-op.
func resubmitID(res conflict.Resolution, opID string) string {
	key := res.GroupID + "\x1f" + strconv.Itoa(res.Generation) + "\x1f" + opID
	return uuid.NewSHA1(resubmitNamespace, []byte(key)).String()
}

// resolveRelationship rolls back the applied operations the resolution did
// not keep and re-applies the kept ones transformation had dropped.
func (r *Replica) resolveRelationship(ctx context.Context, res conflict.Resolution) (uint64, error) {
	if res.Strategy == conflict.StrategyNative {
		return r.CurrentVersion(res.Origin, res.TargetID)
	}
	chosen, unchosen := memberSet(res.Chosen), memberSet(res.Unchosen)
	var undo, redo []ot.Operation
	for _, m := range res.Members {
		var ch relationshipChange
		if err := json.Unmarshal(m.Payload, &ch); err != nil {
			return 0, model.NewValidationError("member_operations", "member %s: %v", m.OperationID, err)
		}
		if ch.Op.RelationshipID() != res.TargetID {
			return 0, model.NewValidationError("member_operations", "member %s belongs to another relationship", m.OperationID)
		}
		switch {
		case unchosen[m.OperationID] && ch.Applied:
			undo = append(undo, ch.Op)
		case chosen[m.OperationID] && !ch.Applied:
			redo = append(redo, ch.Op)
		}
	}
	slices.SortFunc(undo, func(a, b ot.Operation) int { return cmp.Compare(b.Version, a.Version) })

	var applied []appliedOp
	err := r.withLock(relationshipKey(res.TargetID), func() error {
		for _, op := range undo {
			cur, err := r.engine.Operation(op.OperationID)
			if err != nil || cur.Status == ot.StatusRolledBack {
				continue
			}
			rb, err := r.engine.Rollback(op.OperationID)
			if err != nil {
				return err
			}
			seq, err := r.appendRecord(ctx, model.ComponentRelationship, res.TargetID, rb.Op)
			if err != nil {
				return err
			}
			applied = append(applied, appliedOp{op: rb.Op, state: rb.State, seq: seq})
		}
		for _, op := range redo {
			state, err := r.engine.State(res.TargetID)
			if err != nil {
				return err
			}
			if !state.Live() && op.Type != ot.OpCreate {
				continue
			}
			op.OperationID = resubmitID(res, op.OperationID)
			op.BaseVersion = state.Version
			sub, err := r.submit(ctx, op)
			if err != nil {
				return err
			}
			applied = append(applied, sub.applied...)
		}
		return nil
	})

	for _, a := range applied {
		for _, m := range a.state.Members {
			r.invalidate(ctx, m)
		}
		r.publish(ctx, model.EventRelationship, res.TargetID, relationshipEvent{Operation: a.op, State: a.state})
	}
	if err != nil {
		return 0, err
	}
	return r.CurrentVersion(res.Origin, res.TargetID)
}

// resolveField writes the value of the kept change back to the field.
func (r *Replica) resolveField(ctx context.Context, res conflict.Resolution) (uint64, error) {
	if res.Strategy == conflict.StrategyNative || len(res.Unchosen) == 0 {
		return r.CurrentVersion(res.Origin, res.TargetID)
	}
	if len(res.Chosen) == 0 {
		return 0, model.NewValidationError("chosen", "field changes cannot be rolled back")
	}
	chosen := memberSet(res.Chosen)
	var keep *conflict.Change
	for i, m := range res.Members {
		if chosen[m.OperationID] && (keep == nil || m.Timestamp > keep.Timestamp) {
			keep = &res.Members[i]
		}
	}
	if keep == nil {
		return 0, model.NewValidationError("chosen", "no kept change is part of the group")
	}
	var want fieldChange
	if err := json.Unmarshal(keep.Payload, &want); err != nil {
		return 0, model.NewValidationError("member_operations", "member %s: %v", keep.OperationID, err)
	}

	field := model.FieldName(res.Field)
	op := crdt.Op{User: keep.UserID}
	if key, ok := strings.CutPrefix(res.Field, metadataPrefix); ok {
		field = model.FieldMetadata
		op.Key = key
		if want.Deleted {
			op.Kind = crdt.OpDeleteMeta
		} else {
			op.Kind, op.Value = crdt.OpSetMeta, want.Value
		}
	} else {
		op.Kind, op.Text = crdt.OpReplace, want.Text
	}
	if !field.IsValid() {
		return 0, model.NewValidationError("field", "unknown field %q", res.Field)
	}

	var changed bool
	err := r.withLock(memoryKey(res.TargetID), func() (err error) {
		changed, err = r.rewriteField(ctx, res.TargetID, field, op, want)
		return err
	})
	if err != nil {
		return 0, err
	}
	if changed {
		r.invalidate(ctx, res.TargetID)
		if doc, err := r.store.Snapshot(res.TargetID); err == nil {
			r.publish(ctx, model.EventSnapshot, res.TargetID, doc)
		}
	}
	return r.CurrentVersion(res.Origin, res.TargetID)
}

// rewriteField applies op unless the field already holds the wanted
// value. Caller holds the memory lock.
func (r *Replica) rewriteField(ctx context.Context, docID string, field model.FieldName, op crdt.Op, want fieldChange) (bool, error) {
	if field == model.FieldMetadata {
		if reg := r.register(docID, op.Key); reg != nil && reg.Deleted == want.Deleted && (want.Deleted || reg.Value == want.Value) {
			return false, nil
		}
	} else if fs, err := r.store.FieldState(docID, field); err == nil && sequenceText(fs.Sequence) == want.Text {
		return false, nil
	}
	applied, err := r.store.Apply(docID, field, op)
	if err != nil {
		return false, err
	}
	rec := fieldRecord{OpType: model.FieldOpApply, Field: field, Op: &applied.Op}
	if _, err := r.appendRecord(ctx, model.ComponentField, docID, rec); err != nil {
		return false, err
	}
	metrics.OperationApplied(string(model.ComponentField), "RESOLUTION")
	return true, nil
}
