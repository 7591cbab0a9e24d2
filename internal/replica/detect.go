package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/conflict"
	"github.com/chirino/memory-sync/internal/crdt"
	"github.com/chirino/memory-sync/internal/model"
	"github.com/chirino/memory-sync/internal/ot"
	"github.com/chirino/memory-sync/internal/service"
)

// Merge confidences reported to the coordinator.
const (
	confidenceMetadata     = 0.7
	confidenceInterleaved  = 0.6
	confidenceSameCreate   = 0.95
	confidenceCreate       = 0.6
	confidenceModify       = 0.8
	confidenceLostToDelete = 0.4
)

// Embedding failures are escalated when a job has failed this many times.
var embeddingEscalations = map[int]float64{3: 0.7, 6: 0.3}

const metadataPrefix = "metadata/"

// fieldChange is the payload of a FIELD conflict member: the value the
// change wanted the field to have.
type fieldChange struct {
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Text    string `json:"text,omitempty"`
}

// relationshipChange is the payload of a RELATIONSHIP conflict member.
type relationshipChange struct {
	Op ot.Operation `json:"op"`
	// Applied is set when the operation's effect is what the relationship
	// currently shows; it is false for operations turned into a NOOP and
	// for ones a later operation overrode.
	Applied bool `json:"applied"`
}

func fieldChangeID(docID, field string, stamp crdt.ID) string {
	return fmt.Sprintf("%s/%s/%s", docID, field, stamp)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func summarize(s string) string {
	const limit = 80
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}

// metadataConflict reports a metadata write made without knowledge of a
// different user's write to the same key, when the two disagree.
func metadataConflict(docID string, op, resolved crdt.Op, prev *crdt.Register) *conflict.Event {
	if prev == nil || prev.Stamp.User == op.User || op.Lamport == 0 || op.Lamport > prev.Stamp.Lamport {
		return nil
	}
	deleted := op.Kind == crdt.OpDeleteMeta
	if deleted == prev.Deleted && (deleted || prev.Value == op.Value) {
		return nil
	}
	field := metadataPrefix + op.Key
	stamp := crdt.ID{Lamport: resolved.Lamport, User: op.User}
	return &conflict.Event{
		Origin:     conflict.OriginField,
		TargetID:   docID,
		Field:      field,
		Confidence: confidenceMetadata,
		Changes: []conflict.Change{
			{
				OperationID: fieldChangeID(docID, field, prev.Stamp),
				UserID:      prev.Stamp.User,
				Timestamp:   prev.Stamp.Lamport,
				Summary:     registerSummary(prev.Value, prev.Deleted),
				Payload:     mustJSON(fieldChange{Key: op.Key, Value: prev.Value, Deleted: prev.Deleted}),
			},
			{
				OperationID: fieldChangeID(docID, field, stamp),
				UserID:      op.User,
				Timestamp:   stamp.Lamport,
				Summary:     registerSummary(op.Value, deleted),
				Payload:     mustJSON(fieldChange{Key: op.Key, Value: op.Value, Deleted: deleted}),
			},
		},
	}
}

func registerSummary(value string, deleted bool) string {
	if deleted {
		return "(deleted)"
	}
	return summarize(value)
}

// lastWriter returns the newest element of a sequence state.
func lastWriter(st *crdt.SequenceState) (crdt.ID, bool) {
	if st == nil || len(st.Nodes) == 0 {
		return crdt.ID{}, false
	}
	return st.Nodes[len(st.Nodes)-1].ID, true
}

func sequenceText(st *crdt.SequenceState) string {
	if st == nil {
		return ""
	}
	seq, err := crdt.SequenceFromState(*st)
	if err != nil {
		return ""
	}
	return seq.Text()
}

// sequenceConflict reports a text merge whose result is neither side's
// text, which happens when two users rewrote the field concurrently.
func sequenceConflict(docID string, field model.FieldName, before *crdt.FieldState, remote crdt.FieldState, after crdt.FieldState) *conflict.Event {
	if !field.IsSequence() || before == nil {
		return nil
	}
	localText, remoteText, merged := sequenceText(before.Sequence), sequenceText(remote.Sequence), sequenceText(after.Sequence)
	if localText == "" || remoteText == "" || merged == localText || merged == remoteText {
		return nil
	}
	local, ok1 := lastWriter(before.Sequence)
	other, ok2 := lastWriter(remote.Sequence)
	if !ok1 || !ok2 || local.User == other.User {
		return nil
	}
	name := string(field)
	return &conflict.Event{
		Origin:     conflict.OriginField,
		TargetID:   docID,
		Field:      name,
		Confidence: confidenceInterleaved,
		Changes: []conflict.Change{
			{
				OperationID: fieldChangeID(docID, name, local),
				UserID:      local.User,
				Timestamp:   local.Lamport,
				Summary:     summarize(localText),
				Payload:     mustJSON(fieldChange{Text: localText}),
			},
			{
				OperationID: fieldChangeID(docID, name, other),
				UserID:      other.User,
				Timestamp:   other.Lamport,
				Summary:     summarize(remoteText),
				Payload:     mustJSON(fieldChange{Text: remoteText}),
			},
		},
	}
}

// competes reports whether an applied operation of type winner can cancel
// out an operation of type loser.
func competes(loser, winner ot.OpType) bool {
	switch winner {
	case ot.OpDelete, ot.OpCreate:
		return true
	case ot.OpNoop:
		return false
	}
	return loser == winner
}

func strengthOf(op ot.Operation, state ot.State) float64 {
	switch {
	case op.Payload.Strength != nil:
		return *op.Payload.Strength
	case op.Type == ot.OpCreate:
		return ot.DefaultStrength
	}
	return state.Strength
}

func opSummary(op ot.Operation) string {
	var b strings.Builder
	b.WriteString(string(op.Type))
	if op.Payload.Type != "" {
		b.WriteString(" " + op.Payload.Type)
	}
	if op.Payload.Strength != nil {
		fmt.Fprintf(&b, " strength=%g", *op.Payload.Strength)
	}
	if len(op.Payload.Metadata) > 0 || len(op.Payload.Unset) > 0 {
		fmt.Fprintf(&b, " metadata(%d set, %d unset)", len(op.Payload.Metadata), len(op.Payload.Unset))
	}
	return b.String()
}

func relationshipMember(op ot.Operation, state ot.State, applied bool) conflict.Change {
	return conflict.Change{
		OperationID: op.OperationID,
		UserID:      op.UserID,
		Timestamp:   op.Timestamp,
		Strength:    strengthOf(op, state),
		Summary:     opSummary(op),
		Payload:     mustJSON(relationshipChange{Op: op, Applied: applied}),
	}
}

// relationshipConflict reports an operation that competed with a
// concurrent operation of a different user: either it was turned into a
// NOOP, or it overrode the other.
func (r *Replica) relationshipConflict(a appliedOp) *conflict.Event {
	op := a.op
	if op.Inverts != "" {
		return nil
	}
	kind := op.Type
	if kind == ot.OpNoop {
		kind = op.Original
		if kind == "" || a.original.Type != kind {
			return nil
		}
	}
	if kind != ot.OpCreate && op.BaseVersion == 0 {
		return nil
	}

	var rival *ot.Operation
	history := r.engine.History(op.RelationshipID())
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Version >= op.Version || h.Version <= op.BaseVersion {
			continue
		}
		if h.UserID == op.UserID || h.Inverts != "" || h.Status == ot.StatusRolledBack {
			continue
		}
		if op.Type == ot.OpNoop && competes(kind, h.Type) || op.Type != ot.OpNoop && h.Type == kind {
			rival = &h
			break
		}
	}
	if rival == nil {
		return nil
	}

	confidence := confidenceModify
	switch {
	case rival.Type == ot.OpDelete:
		confidence = confidenceLostToDelete
	case kind == ot.OpCreate && rival.Type == ot.OpCreate:
		confidence = confidenceCreate
		if rival.Payload.Type == a.original.Payload.Type {
			confidence = confidenceSameCreate
		}
	}

	var changes []conflict.Change
	if op.Type == ot.OpNoop {
		changes = []conflict.Change{
			relationshipMember(*rival, a.state, true),
			relationshipMember(a.original, a.state, false),
		}
	} else {
		changes = []conflict.Change{
			relationshipMember(*rival, a.state, false),
			relationshipMember(op, a.state, true),
		}
	}
	return &conflict.Event{
		Origin:     conflict.OriginRelationship,
		TargetID:   op.RelationshipID(),
		Confidence: confidence,
		Changes:    changes,
	}
}

// watchEmbeddings publishes embedding completions and escalates memories
// whose embedding keeps failing.
func (r *Replica) watchEmbeddings(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-r.embeddings.Completions():
			r.onEmbedding(ctx, c)
		}
	}
}

type embeddingEvent struct {
	MemoryID    string `json:"memory_id"`
	ContentHash string `json:"content_hash"`
	Version     uint64 `json:"version"`
	Stale       bool   `json:"stale"`
	Attempts    int    `json:"attempts,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (r *Replica) onEmbedding(ctx context.Context, c service.Completion) {
	ev := embeddingEvent{MemoryID: c.MemoryID, ContentHash: c.ContentHash, Version: c.Version}
	rec, ok := r.embeddings.Record(c.MemoryID)
	if ok {
		ev.Stale, ev.Attempts = rec.Stale, rec.Attempts
	}
	if c.Err != nil {
		ev.Error = c.Err.Error()
	}
	r.publish(ctx, model.EventEmbedding, c.MemoryID, ev)

	if c.Err == nil || !ok {
		return
	}
	confidence, escalate := embeddingEscalations[rec.Attempts]
	if !escalate {
		return
	}
	log.Warn("Replica: embedding keeps failing", "memoryId", c.MemoryID, "attempts", rec.Attempts, "err", c.Err)
	r.raise([]conflict.Event{{
		Origin:     conflict.OriginEmbedding,
		TargetID:   c.MemoryID,
		Confidence: confidence,
		Changes: []conflict.Change{{
			OperationID: fmt.Sprintf("embedding/%s/%d", c.MemoryID, rec.Attempts),
			UserID:      "system",
			Timestamp:   c.Version,
			Summary:     summarize(c.Err.Error()),
		}},
	}})
}
