package crdt

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/metrics"
	"github.com/chirino/memory-sync/internal/model"
)

// ChangeListener is told when the rendered value of a field changes.
type ChangeListener func(memoryID string, field model.FieldName, oldHash, newHash string)

// Quarantined is a remote state that failed merge verification.
type Quarantined struct {
	DocumentID string          `json:"document_id"`
	Field      model.FieldName `json:"field"`
	Reason     string          `json:"reason"`
	State      FieldState      `json:"state"`
	At         time.Time       `json:"at"`
}

// Store holds the CRDT state of every memory. Each memory has its own lock;
// the store lock only guards the index.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*document

	verify   bool
	listener ChangeListener

	qmu        sync.Mutex
	quarantine []Quarantined
}

type Option func(*Store)

// WithVerification enables re-merge checks on every remote merge.
func WithVerification(enabled bool) Option {
	return func(s *Store) { s.verify = enabled }
}

func WithChangeListener(fn ChangeListener) Option {
	return func(s *Store) { s.listener = fn }
}

func NewStore(opts ...Option) *Store {
	s := &Store{docs: map[string]*document{}, verify: true}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetChangeListener replaces the change listener.
func (s *Store) SetChangeListener(fn ChangeListener) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

func (s *Store) lookup(memoryID string) *document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[memoryID]
}

func (s *Store) getOrCreate(memoryID string) (*document, ChangeListener) {
	s.mu.RLock()
	d, ok := s.docs[memoryID]
	l := s.listener
	s.mu.RUnlock()
	if ok {
		return d, l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok = s.docs[memoryID]; !ok {
		d = newDocument(memoryID)
		s.docs[memoryID] = d
	}
	return d, s.listener
}

// ApplyLocal applies an edit made by a collaborator and returns the field
// state after it.
func (s *Store) ApplyLocal(memoryID string, field model.FieldName, op Op) (FieldState, error) {
	applied, err := s.Apply(memoryID, field, op)
	if err != nil {
		return FieldState{}, err
	}
	return applied.State, nil
}

// Apply is ApplyLocal that also returns the op with every reference
// resolved, which is the form written to the operation log.
func (s *Store) Apply(memoryID string, field model.FieldName, op Op) (Applied, error) {
	if memoryID == "" {
		return Applied{}, model.NewValidationError("memory_id", "is required")
	}
	if err := op.validate(field); err != nil {
		return Applied{}, err
	}
	d, listener := s.getOrCreate(memoryID)

	out, oldHash, newHash, err := d.applyOp(field, op)
	if err != nil {
		return Applied{}, err
	}
	if out.Changed && listener != nil {
		listener(memoryID, field, oldHash, newHash)
	}
	return out, nil
}

func (d *document) applyOp(field model.FieldName, op Op) (Applied, string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleted {
		return Applied{}, "", "", model.NewValidationError("memory_id", "memory %s is deleted", d.id)
	}
	if op.Lamport > 0 && op.Lamport <= d.vv[op.User] {
		return Applied{}, "", "", model.NewValidationError("lamport", "op at %d from %s is not after %d", op.Lamport, op.User, d.vv[op.User])
	}
	start := ID{Lamport: max(d.clock+1, op.Lamport), User: op.User}
	if start.Lamport > MaxLamport-op.width() {
		return Applied{}, "", "", model.NewValidationError("lamport", "clock of %s is exhausted", d.id)
	}
	oldHash := d.fieldHash(field)
	resolved, err := d.apply(field, op, start)
	if err != nil {
		return Applied{}, "", "", err
	}
	d.observe(op.User, start.Lamport+resolved.width()-1)
	newHash := d.fieldHash(field)
	return Applied{Op: resolved, State: d.fieldState(field), Changed: oldHash != newHash}, oldHash, newHash, nil
}

// apply mutates one field. It either fully succeeds or leaves the document
// untouched.
func (d *document) apply(field model.FieldName, op Op, start ID) (Op, error) {
	resolved := op
	resolved.Lamport = start.Lamport
	resolved.Pos = nil
	resolved.Length = 0

	switch op.Kind {
	case OpInsert:
		seq := d.sequence(field)
		after := Root
		switch {
		case op.After != nil:
			after = *op.After
		case op.Pos != nil:
			visible := seq.VisibleIDs()
			if *op.Pos > len(visible) {
				return Op{}, model.NewValidationError("pos", "%d is past the end (%d)", *op.Pos, len(visible))
			}
			if *op.Pos > 0 {
				after = visible[*op.Pos-1]
			}
		default:
			if visible := seq.VisibleIDs(); len(visible) > 0 {
				after = visible[len(visible)-1]
			}
		}
		if _, err := seq.Insert(after, op.Text, start); err != nil {
			return Op{}, err
		}
		resolved.After = &after

	case OpDelete:
		seq := d.sequence(field)
		ids := op.IDs
		if len(ids) == 0 {
			visible := seq.VisibleIDs()
			if *op.Pos > len(visible) || op.Length > len(visible)-*op.Pos {
				return Op{}, model.NewValidationError("length", "range %d+%d is past the end (%d)", *op.Pos, op.Length, len(visible))
			}
			ids = slices.Clone(visible[*op.Pos : *op.Pos+op.Length])
		}
		if err := seq.Delete(ids); err != nil {
			return Op{}, err
		}
		resolved.IDs = ids

	case OpReplace:
		seq := d.sequence(field)
		ids := op.IDs
		if ids == nil {
			ids = seq.VisibleIDs()
		}
		for _, id := range ids {
			if !seq.Has(id) {
				return Op{}, model.NewValidationError("ids", "unknown element %s", id)
			}
		}
		if op.Text != "" {
			if _, err := seq.Insert(Root, op.Text, start); err != nil {
				return Op{}, err
			}
		}
		_ = seq.Delete(ids)
		resolved.IDs = ids
		resolved.After = nil

	case OpAddTag:
		d.tags.Add(op.Tag, start)

	case OpRemoveTag:
		dots := op.Dots
		if dots == nil {
			dots = d.tags.Observed(op.Tag)
		}
		for _, dot := range dots {
			if !d.tags.Added(op.Tag, dot) {
				return Op{}, model.NewValidationError("dots", "no add of %q at %s", op.Tag, dot)
			}
		}
		d.tags.Remove(op.Tag, dots)
		resolved.Dots = dots

	case OpSetMeta:
		d.meta.Set(op.Key, op.Value, start)

	case OpDeleteMeta:
		d.meta.Delete(op.Key, start)
	}
	return resolved, nil
}

// MergeRemote merges a replica's full field state into the local state.
func (s *Store) MergeRemote(memoryID string, field model.FieldName, remote FieldState) (FieldState, error) {
	if memoryID == "" {
		return FieldState{}, model.NewValidationError("memory_id", "is required")
	}
	if err := remote.validate(field); err != nil {
		return FieldState{}, err
	}
	d, listener := s.getOrCreate(memoryID)

	out, oldHash, newHash, reason, err := d.mergeState(field, remote, s.verify)
	if err != nil {
		if reason == "" {
			return FieldState{}, err
		}
		return FieldState{}, s.quarantineState(memoryID, field, remote, reason)
	}

	if oldHash != newHash && listener != nil {
		listener(memoryID, field, oldHash, newHash)
	}
	return out, nil
}

func (d *document) mergeState(field model.FieldName, remote FieldState, verify bool) (out FieldState, oldHash, newHash, reason string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	oldHash = d.fieldHash(field)
	if reason, err = d.merge(field, remote, verify); err != nil {
		return FieldState{}, "", "", reason, err
	}
	return d.fieldState(field), oldHash, d.fieldHash(field), "", nil
}

// merge returns a non-empty reason when the failure is a convergence failure
// rather than invalid input.
func (d *document) merge(field model.FieldName, remote FieldState, verify bool) (string, error) {
	var users func(fn func(string, uint64))
	switch field {
	case model.FieldTitle, model.FieldContent:
		r, err := SequenceFromState(*remote.Sequence)
		if err != nil {
			return "", err
		}
		merged, reason, err := verifiedMerge(d.sequence(field), r,
			(*Sequence).Clone,
			func(dst, src *Sequence) error { return dst.Merge(src) },
			func(s *Sequence) any { return s.State() },
			verify)
		if err != nil {
			return reason, err
		}
		if field == model.FieldTitle {
			d.title = merged
		} else {
			d.content = merged
		}
		users = r.users
	case model.FieldTags:
		r := ORSetFromState(*remote.Tags)
		merged, reason, err := verifiedMerge(d.tags, r,
			(*ORSet).Clone,
			func(dst, src *ORSet) error { dst.Merge(src); return nil },
			func(s *ORSet) any { return s.State() },
			verify)
		if err != nil {
			return reason, err
		}
		d.tags = merged
		users = r.users
	case model.FieldMetadata:
		r := LWWMapFromState(*remote.Metadata)
		merged, reason, err := verifiedMerge(d.meta, r,
			(*LWWMap).Clone,
			func(dst, src *LWWMap) error { dst.Merge(src); return nil },
			func(m *LWWMap) any { return m.State() },
			verify)
		if err != nil {
			return reason, err
		}
		d.meta = merged
		users = r.users
	}
	users(d.observe)
	return "", nil
}

func (s *Store) quarantineState(memoryID string, field model.FieldName, remote FieldState, reason string) error {
	s.qmu.Lock()
	s.quarantine = append(s.quarantine, Quarantined{
		DocumentID: memoryID,
		Field:      field,
		Reason:     reason,
		State:      remote,
		At:         time.Now(),
	})
	s.qmu.Unlock()
	metrics.ConvergenceFailure(string(model.ComponentField))
	log.Error("Field merge failed verification", "kind", "convergence", "memoryId", memoryID, "field", field, "reason", reason)
	return &model.ConvergenceFailure{DocumentID: memoryID, Field: string(field), Reason: reason}
}

// Quarantined returns remote states that failed merge verification.
func (s *Store) Quarantined() []Quarantined {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return slices.Clone(s.quarantine)
}

// DeleteMemory soft-deletes a memory. The returned stamp is the one
// recorded for the delete.
func (s *Store) DeleteMemory(memoryID, user string, lamport uint64) (ID, error) {
	if memoryID == "" || user == "" {
		return ID{}, model.NewValidationError("memory_id", "memory id and user are required")
	}
	if lamport >= MaxLamport {
		return ID{}, model.NewValidationError("lamport", "%d exceeds %d", lamport, MaxLamport)
	}
	d := s.lookup(memoryID)
	if d == nil {
		return ID{}, &model.NotFoundError{Resource: "memory", ID: memoryID}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	stamp := ID{Lamport: max(d.clock+1, lamport), User: user}
	if stamp.Lamport > MaxLamport {
		return ID{}, model.NewValidationError("lamport", "clock of %s is exhausted", memoryID)
	}
	if d.markDeleted(stamp) {
		d.observe(user, stamp.Lamport)
	}
	return d.deletedBy, nil
}

// Snapshot renders the current view of a memory.
func (s *Store) Snapshot(memoryID string) (MemoryDocument, error) {
	d := s.lookup(memoryID)
	if d == nil {
		return MemoryDocument{}, &model.NotFoundError{Resource: "memory", ID: memoryID}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(), nil
}

// Content returns the embedding text of a memory and its Lamport clock.
func (s *Store) Content(memoryID string) (string, uint64, error) {
	d := s.lookup(memoryID)
	if d == nil {
		return "", 0, &model.NotFoundError{Resource: "memory", ID: memoryID}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleted {
		return "", d.clock, &model.NotFoundError{Resource: "memory", ID: memoryID}
	}
	return d.embeddingText(), d.clock, nil
}

// ContentHash hashes the embedding text of a memory.
func (s *Store) ContentHash(memoryID string) (string, error) {
	text, _, err := s.Content(memoryID)
	if err != nil {
		return "", err
	}
	return hashString(text), nil
}

// FieldState returns the replicated state of one field.
func (s *Store) FieldState(memoryID string, field model.FieldName) (FieldState, error) {
	if !field.IsValid() {
		return FieldState{}, model.NewValidationError("field", "unknown field %q", field)
	}
	d := s.lookup(memoryID)
	if d == nil {
		return FieldState{}, &model.NotFoundError{Resource: "memory", ID: memoryID}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fieldState(field), nil
}

// Export returns the full replicated state of a memory.
func (s *Store) Export(memoryID string) (DocumentState, error) {
	d := s.lookup(memoryID)
	if d == nil {
		return DocumentState{}, &model.NotFoundError{Resource: "memory", ID: memoryID}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state(), nil
}

// ExportAll returns the state of every memory ordered by id.
func (s *Store) ExportAll() []DocumentState {
	out := make([]DocumentState, 0)
	for _, id := range s.IDs() {
		if st, err := s.Export(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Import merges a full document state, as produced by Export.
func (s *Store) Import(st DocumentState) error {
	if st.ID == "" {
		return model.NewValidationError("id", "is required")
	}
	stamps := []ID{st.DeletedBy, {Lamport: st.Clock}}
	for user, l := range st.VersionVector {
		stamps = append(stamps, ID{Lamport: l, User: user})
	}
	if err := checkStamps("state", stamps...); err != nil {
		return err
	}
	for _, field := range model.Fields {
		var fs FieldState
		switch field {
		case model.FieldTitle:
			fs = FieldState{Field: field, Sequence: &st.Title}
		case model.FieldContent:
			fs = FieldState{Field: field, Sequence: &st.Content}
		case model.FieldTags:
			fs = FieldState{Field: field, Tags: &st.Tags}
		case model.FieldMetadata:
			fs = FieldState{Field: field, Metadata: &st.Metadata}
		}
		if _, err := s.MergeRemote(st.ID, field, fs); err != nil {
			return err
		}
	}
	d, _ := s.getOrCreate(st.ID)
	d.mu.Lock()
	defer d.mu.Unlock()
	for user, l := range st.VersionVector {
		d.observe(user, l)
	}
	for _, user := range st.Collaborators {
		d.collaborators[user] = struct{}{}
	}
	d.clock = max(d.clock, st.Clock)
	if st.Deleted {
		d.markDeleted(st.DeletedBy)
	}
	return nil
}

// Purge removes a memory entirely.
func (s *Store) Purge(memoryID string) {
	s.mu.Lock()
	delete(s.docs, memoryID)
	s.mu.Unlock()
}

// IDs returns the ids of every known memory, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.docs))
}

// Deleted returns the ids of soft-deleted memories.
func (s *Store) Deleted() []string {
	var out []string
	for _, id := range s.IDs() {
		if d := s.lookup(id); d != nil {
			d.mu.Lock()
			if d.deleted {
				out = append(out, id)
			}
			d.mu.Unlock()
		}
	}
	return out
}
