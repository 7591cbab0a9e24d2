package ot

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/metrics"
	"github.com/chirino/memory-sync/internal/model"
	"github.com/google/uuid"
)

// Config tunes the engine.
type Config struct {
	// BufferTimeout bounds how long an operation waits for the CREATE of
	// its relationship before it is rejected.
	BufferTimeout time.Duration
	// SweepInterval is how often Run expires buffered operations.
	SweepInterval time.Duration
	// HistoryLimit is the number of applied operations retained per
	// relationship for transformation and rollback. Zero keeps everything.
	HistoryLimit int
}

func DefaultConfig() Config {
	return Config{
		BufferTimeout: 10 * time.Second,
		SweepInterval: time.Second,
		HistoryLimit:  1000,
	}
}

// Result is the outcome of submitting an operation.
type Result struct {
	Op    Operation `json:"operation"`
	State State     `json:"state"`
	// Buffered is set when the operation is waiting for its relationship's
	// CREATE; the final outcome is delivered to listeners.
	Buffered bool `json:"buffered,omitempty"`
	// Transitions lists the statuses the operation went through, e.g.
	// PENDING, TRANSFORMED, APPLIED when concurrent history rewrote it.
	Transitions []Status `json:"transitions,omitempty"`
}

// Outcome reports an operation that finished asynchronously: either drained
// from the causal buffer and applied, or expired and rejected.
type Outcome struct {
	Op    Operation
	State State
	Err   error
}

type Listener func(Outcome)

type entry struct {
	mu          sync.Mutex
	state       State
	history     []Operation
	historyBase uint64

	// guarded by Engine.mu
	known bool
}

type buffered struct {
	op       Operation
	deadline time.Time
}

// Engine integrates relationship operations. Relationships live in an arena
// keyed by id with a secondary index from memory id; each relationship has
// its own lock.
type Engine struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	rels     map[string]*entry
	byMemory map[string]map[string]struct{}
	byOp     map[string]string
	pending  map[string][]buffered

	lmu       sync.RWMutex
	listeners []Listener
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		now:      time.Now,
		rels:     map[string]*entry{},
		byMemory: map[string]map[string]struct{}{},
		byOp:     map[string]string{},
		pending:  map[string][]buffered{},
	}
}

// OnOutcome registers a listener for asynchronous outcomes.
func (e *Engine) OnOutcome(l Listener) {
	e.lmu.Lock()
	e.listeners = append(e.listeners, l)
	e.lmu.Unlock()
}

func (e *Engine) notify(o Outcome) {
	e.lmu.RLock()
	ls := slices.Clone(e.listeners)
	e.lmu.RUnlock()
	for _, l := range ls {
		l(o)
	}
}

// entryFor returns the entry of relID, creating it when create is set.
// Caller holds e.mu.
func (e *Engine) entryFor(op Operation, create bool) *entry {
	relID := op.RelationshipID()
	ent, ok := e.rels[relID]
	if ok || !create {
		return ent
	}
	ent = &entry{state: newState(op.SourceMemoryID, op.TargetMemoryID)}
	e.rels[relID] = ent
	for _, m := range ent.state.Members {
		if e.byMemory[m] == nil {
			e.byMemory[m] = map[string]struct{}{}
		}
		e.byMemory[m][relID] = struct{}{}
	}
	return ent
}

func (e *Engine) pendingCount() int {
	n := 0
	for _, p := range e.pending {
		n += len(p)
	}
	return n
}

// Submit transforms op against the concurrent operations already applied to
// its relationship and applies the result.
func (e *Engine) Submit(op Operation) (Result, error) {
	if op.Type == OpNoop {
		return Result{}, model.NewValidationError("type", "NOOP cannot be submitted")
	}
	if err := op.Validate(); err != nil {
		metrics.OperationRejected(string(model.ComponentRelationship), "validation")
		return Result{}, err
	}
	op = op.clone()
	if op.OperationID == "" {
		op.OperationID = uuid.NewString()
	}
	op.Status = StatusPending
	op.Version, op.Prior, op.Original, op.Inverts = 0, nil, "", ""
	return e.submit(op)
}

func (e *Engine) submit(op Operation) (Result, error) {
	relID := op.RelationshipID()

	e.mu.Lock()
	if _, dup := e.byOp[op.OperationID]; dup {
		e.mu.Unlock()
		return e.lookup(op.OperationID)
	}
	ent := e.entryFor(op, op.Type == OpCreate)
	if op.Type != OpCreate && (ent == nil || !ent.known) {
		e.pending[relID] = append(e.pending[relID], buffered{op: op, deadline: e.now().Add(e.cfg.BufferTimeout)})
		metrics.CausalBufferSize(e.pendingCount())
		e.mu.Unlock()
		log.Debug("Buffered relationship operation until CREATE arrives", "operationId", op.OperationID, "relationshipId", relID)
		return Result{Op: op, State: newState(op.SourceMemoryID, op.TargetMemoryID), Buffered: true}, nil
	}
	e.mu.Unlock()

	ent.mu.Lock()
	applied, path, err := e.integrate(ent, op)
	state := ent.state.clone()
	ent.mu.Unlock()
	if err != nil {
		metrics.OperationRejected(string(model.ComponentRelationship), "validation")
		return Result{}, err
	}

	e.mu.Lock()
	e.byOp[applied.OperationID] = relID
	var drained []buffered
	if !ent.known && state.Exists {
		ent.known = true
		drained = e.pending[relID]
		delete(e.pending, relID)
		metrics.CausalBufferSize(e.pendingCount())
	}
	e.mu.Unlock()

	metrics.OperationApplied(string(model.ComponentRelationship), string(applied.Type))
	for _, b := range drained {
		res, err := e.submit(b.op)
		e.notify(Outcome{Op: res.Op, State: res.State, Err: err})
	}
	return Result{Op: applied, State: state, Transitions: path}, nil
}

// integrate transforms and applies op and returns the statuses it passed
// through. Caller holds ent.mu.
func (e *Engine) integrate(ent *entry, op Operation) (Operation, []Status, error) {
	head := ent.state.Version
	if op.BaseVersion > head {
		return Operation{}, nil, model.NewValidationError("base_version", "%d is ahead of relationship version %d", op.BaseVersion, head)
	}
	base := op.BaseVersion
	if base == 0 && op.Type != OpCreate {
		base = head
	}
	if base < ent.historyBase {
		if op.BaseVersion != 0 {
			return Operation{}, nil, model.NewValidationError("base_version", "%d predates retained history (%d)", base, ent.historyBase)
		}
		base = ent.historyBase
	}
	concurrent := ent.history[base-ent.historyBase:]
	t := TransformAll(op, concurrent)
	path := []Status{StatusPending}
	if len(concurrent) > 0 {
		path = append(path, StatusTransformed)
	}
	// Only a CREATE revives a deleted relationship. Ops concurrent with the
	// DELETE were turned into NOOPs above; anything else came after it.
	if ent.state.Tombstoned && t.Type != OpCreate && t.Type != OpNoop {
		return Operation{}, nil, model.NewValidationError("relationship_id", "relationship %s is deleted; only CREATE may follow", op.RelationshipID())
	}
	next, prior := Apply(ent.state, t)
	t.Prior = &prior
	t.Version = next.Version
	t.Status = StatusApplied
	ent.state = next
	e.record(ent, t)
	return t.clone(), append(path, StatusApplied), nil
}

// record appends an applied op to the history window. Caller holds ent.mu.
func (e *Engine) record(ent *entry, op Operation) {
	ent.history = append(ent.history, op)
	if limit := e.cfg.HistoryLimit; limit > 0 && len(ent.history) > limit {
		drop := len(ent.history) - limit
		ent.history = slices.Clone(ent.history[drop:])
		ent.historyBase += uint64(drop)
	}
}

func (e *Engine) lookup(opID string) (Result, error) {
	e.mu.Lock()
	relID, ok := e.byOp[opID]
	ent := e.rels[relID]
	e.mu.Unlock()
	if !ok || ent == nil {
		return Result{}, &model.NotFoundError{Resource: "operation", ID: opID}
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	for _, h := range ent.history {
		if h.OperationID == opID {
			return Result{Op: h.clone(), State: ent.state.clone()}, nil
		}
	}
	return Result{}, &model.NotFoundError{Resource: "operation", ID: opID}
}

// Operation returns an applied operation still in the history window.
func (e *Engine) Operation(opID string) (Operation, error) {
	res, err := e.lookup(opID)
	return res.Op, err
}

// Sweep rejects buffered operations whose deadline has passed.
func (e *Engine) Sweep(now time.Time) int {
	var expired []buffered
	e.mu.Lock()
	for relID, list := range e.pending {
		keep := list[:0]
		for _, b := range list {
			if now.After(b.deadline) {
				expired = append(expired, b)
			} else {
				keep = append(keep, b)
			}
		}
		if len(keep) == 0 {
			delete(e.pending, relID)
		} else {
			e.pending[relID] = keep
		}
	}
	metrics.CausalBufferSize(e.pendingCount())
	e.mu.Unlock()

	for _, b := range expired {
		op := b.op
		op.Status = StatusRejected
		metrics.OperationRejected(string(model.ComponentRelationship), "causality")
		log.Warn("Rejected relationship operation without CREATE", "operationId", op.OperationID, "relationshipId", op.RelationshipID())
		e.notify(Outcome{Op: op, Err: &model.CausalityViolation{OperationID: op.OperationID, RelationshipID: op.RelationshipID()}})
	}
	return len(expired)
}

// Pending returns the number of buffered operations.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingCount()
}

// Run expires buffered operations until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(e.now())
		}
	}
}

// Rollback applies the inverse of an applied operation at the head of its
// relationship and marks the original ROLLED_BACK.
func (e *Engine) Rollback(opID string) (Result, error) {
	e.mu.Lock()
	relID, ok := e.byOp[opID]
	ent := e.rels[relID]
	e.mu.Unlock()
	if !ok || ent == nil {
		return Result{}, &model.NotFoundError{Resource: "operation", ID: opID}
	}

	ent.mu.Lock()
	idx := slices.IndexFunc(ent.history, func(h Operation) bool { return h.OperationID == opID })
	if idx < 0 {
		ent.mu.Unlock()
		return Result{}, model.NewValidationError("operation_id", "operation %s is outside the retained history", opID)
	}
	if ent.history[idx].Status == StatusRolledBack {
		ent.mu.Unlock()
		return Result{}, model.NewValidationError("operation_id", "operation %s is already rolled back", opID)
	}
	inv, err := Invert(ent.history[idx])
	if err != nil {
		ent.mu.Unlock()
		return Result{}, err
	}
	inv.BaseVersion = ent.state.Version
	next, prior := Apply(ent.state, inv)
	inv.Prior = &prior
	inv.Version = next.Version
	inv.Status = StatusApplied
	ent.state = next
	ent.history[idx].Status = StatusRolledBack
	e.record(ent, inv)
	state := ent.state.clone()
	ent.mu.Unlock()

	e.mu.Lock()
	e.byOp[inv.OperationID] = relID
	e.mu.Unlock()
	metrics.OperationApplied(string(model.ComponentRelationship), "ROLLBACK")
	return Result{Op: inv.clone(), State: state}, nil
}

// Replay integrates an operation read back from the log. Logged operations
// were already transformed, so they are applied as-is.
func (e *Engine) Replay(op Operation) (State, error) {
	if op.OperationID == "" {
		return State{}, model.NewValidationError("operation_id", "is required")
	}
	relID := op.RelationshipID()
	e.mu.Lock()
	if _, dup := e.byOp[op.OperationID]; dup {
		e.mu.Unlock()
		res, err := e.lookup(op.OperationID)
		return res.State, err
	}
	ent := e.entryFor(op, true)
	e.mu.Unlock()

	ent.mu.Lock()
	next, prior := Apply(ent.state, op)
	if op.Version != 0 && op.Version != next.Version {
		ent.mu.Unlock()
		metrics.ConvergenceFailure(string(model.ComponentRelationship))
		return State{}, &model.ConvergenceFailure{DocumentID: relID, Field: "version", Reason: "replayed operation does not follow the relationship's history"}
	}
	rec := op.clone()
	rec.Prior = &prior
	rec.Version = next.Version
	rec.Status = StatusApplied
	ent.state = next
	if rec.Inverts != "" {
		for i := range ent.history {
			if ent.history[i].OperationID == rec.Inverts {
				ent.history[i].Status = StatusRolledBack
			}
		}
	}
	e.record(ent, rec)
	state := ent.state.clone()
	ent.mu.Unlock()

	e.mu.Lock()
	e.byOp[op.OperationID] = relID
	if state.Exists {
		ent.known = true
	}
	e.mu.Unlock()
	return state, nil
}

// State returns the current state of a relationship.
func (e *Engine) State(relID string) (State, error) {
	e.mu.Lock()
	ent := e.rels[relID]
	e.mu.Unlock()
	if ent == nil {
		return State{}, &model.NotFoundError{Resource: "relationship", ID: relID}
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if !ent.state.Exists {
		return State{}, &model.NotFoundError{Resource: "relationship", ID: relID}
	}
	return ent.state.clone(), nil
}

// History returns the retained operations of a relationship, oldest first.
func (e *Engine) History(relID string) []Operation {
	e.mu.Lock()
	ent := e.rels[relID]
	e.mu.Unlock()
	if ent == nil {
		return nil
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	out := make([]Operation, len(ent.history))
	for i, h := range ent.history {
		out[i] = h.clone()
	}
	return out
}

// Relationships returns every relationship touching a memory, tombstones
// included, ordered by id.
func (e *Engine) Relationships(memoryID string) []State {
	e.mu.Lock()
	ids := slices.Sorted(maps.Keys(e.byMemory[memoryID]))
	ents := make([]*entry, 0, len(ids))
	for _, id := range ids {
		ents = append(ents, e.rels[id])
	}
	e.mu.Unlock()

	out := make([]State, 0, len(ents))
	for _, ent := range ents {
		ent.mu.Lock()
		if ent.state.Exists {
			out = append(out, ent.state.clone())
		}
		ent.mu.Unlock()
	}
	return out
}

// HasLiveRelationships reports whether any live relationship references
// the memory.
func (e *Engine) HasLiveRelationships(memoryID string) bool {
	for _, s := range e.Relationships(memoryID) {
		if s.Live() {
			return true
		}
	}
	return false
}

// Snapshot is the exported form of one relationship.
type Snapshot struct {
	State       State       `json:"state"`
	History     []Operation `json:"history,omitempty"`
	HistoryBase uint64      `json:"history_base"`
}

// Export returns every relationship ordered by id.
func (e *Engine) Export() []Snapshot {
	e.mu.Lock()
	ids := slices.Sorted(maps.Keys(e.rels))
	ents := make([]*entry, 0, len(ids))
	for _, id := range ids {
		ents = append(ents, e.rels[id])
	}
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(ents))
	for _, ent := range ents {
		ent.mu.Lock()
		if ent.state.Exists {
			snap := Snapshot{State: ent.state.clone(), HistoryBase: ent.historyBase}
			for _, h := range ent.history {
				snap.History = append(snap.History, h.clone())
			}
			out = append(out, snap)
		}
		ent.mu.Unlock()
	}
	return out
}

// Import replaces the engine contents with exported snapshots.
func (e *Engine) Import(snaps []Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rels = map[string]*entry{}
	e.byMemory = map[string]map[string]struct{}{}
	e.byOp = map[string]string{}
	for _, s := range snaps {
		ent := &entry{state: s.State.clone(), historyBase: s.HistoryBase, known: s.State.Exists}
		for _, h := range s.History {
			ent.history = append(ent.history, h.clone())
			e.byOp[h.OperationID] = s.State.ID
		}
		e.rels[s.State.ID] = ent
		for _, m := range s.State.Members {
			if e.byMemory[m] == nil {
				e.byMemory[m] = map[string]struct{}{}
			}
			e.byMemory[m][s.State.ID] = struct{}{}
		}
	}
}
