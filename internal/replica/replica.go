// Package replica ties the field store, the relationship engine, the
// embedding manager and the conflict coordinator to the operation log. It
// is the single entry point for inbound operations.
package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/conflict"
	"github.com/chirino/memory-sync/internal/crdt"
	"github.com/chirino/memory-sync/internal/metrics"
	"github.com/chirino/memory-sync/internal/model"
	"github.com/chirino/memory-sync/internal/ot"
	registrycache "github.com/chirino/memory-sync/internal/registry/cache"
	registryembed "github.com/chirino/memory-sync/internal/registry/embed"
	registrynotify "github.com/chirino/memory-sync/internal/registry/notify"
	registryoplog "github.com/chirino/memory-sync/internal/registry/oplog"
	registryvector "github.com/chirino/memory-sync/internal/registry/vector"
	"github.com/chirino/memory-sync/internal/service"
	"golang.org/x/sync/errgroup"
)

// Options wires a Replica to its collaborators. Log is required; the
// other plugins may be nil.
type Options struct {
	Log       registryoplog.Log
	Publisher registrynotify.Publisher
	Cache     registrycache.SnapshotCache
	CacheTTL  time.Duration
	Embedder  registryembed.Embedder
	Vector    registryvector.VectorStore

	MergeVerification bool
	OT                ot.Config
	Embedding         service.EmbeddingConfig
	Conflicts         conflict.Config
	Compaction        CompactionConfig
}

// DefaultOptions returns the tuning defaults without any plugins.
func DefaultOptions() Options {
	return Options{
		CacheTTL:          10 * time.Minute,
		MergeVerification: true,
		OT:                ot.DefaultConfig(),
		Embedding:         service.DefaultEmbeddingConfig(),
		Conflicts:         conflict.DefaultConfig(),
		Compaction:        DefaultCompactionConfig(),
	}
}

// OptionsFromConfig maps the service configuration onto replica tuning.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	opts := DefaultOptions()
	strategy, err := conflict.ParseStrategy(cfg.ConflictMediumStrategy)
	if err != nil {
		return opts, err
	}
	opts.CacheTTL = cfg.CacheTTL
	opts.MergeVerification = cfg.MergeVerification
	opts.OT = ot.Config{
		BufferTimeout: cfg.CausalBufferTimeout,
		SweepInterval: cfg.CausalSweepInterval,
		HistoryLimit:  cfg.OTHistoryLimit,
	}
	opts.Embedding.Debounce = cfg.EmbeddingDebounce
	opts.Embedding.MaxLag = cfg.EmbeddingMaxLag
	opts.Embedding.MaxLagOps = cfg.EmbeddingMaxLagOps
	opts.Embedding.MaxInFlight = cfg.EmbeddingMaxInFlight
	opts.Embedding.RateLimit = cfg.EmbeddingRateLimit
	opts.Embedding.RateBurst = cfg.EmbeddingRateBurst
	opts.Embedding.RetryInitial = cfg.EmbeddingRetryInitial
	opts.Embedding.RetryMax = cfg.EmbeddingRetryMax
	opts.Embedding.BreakerFailures = uint32(max(cfg.EmbeddingBreakerFailures, 0))
	opts.Embedding.BreakerTimeout = cfg.EmbeddingBreakerTimeout
	opts.Conflicts.AutoThreshold = cfg.ConflictAutoThreshold
	opts.Conflicts.HighThreshold = cfg.ConflictHighThreshold
	opts.Conflicts.MediumStrategy = strategy
	opts.Conflicts.Timeout = cfg.ResolutionTimeout
	opts.Conflicts.SupersedeInFlight = cfg.SupersedeInFlight
	opts.Compaction = CompactionConfig{
		Interval:     cfg.CompactionInterval,
		MinRecords:   cfg.CompactionMinRecords,
		PurgeDeleted: cfg.PurgeDeletedMemories,
	}
	return opts, nil
}

// Result is the outcome of ingesting one message.
type Result struct {
	Component  model.Component `json:"component"`
	DocumentID string          `json:"document_id"`
	// Sequence is the op log position of the message's record, zero when
	// nothing was logged.
	Sequence     int64                `json:"sequence_no,omitempty"`
	Document     *crdt.MemoryDocument `json:"document,omitempty"`
	Operation    *ot.Operation        `json:"operation,omitempty"`
	Relationship *ot.State            `json:"relationship,omitempty"`
	// Buffered is set for relationship operations that wait for their
	// relationship's CREATE.
	Buffered bool `json:"buffered,omitempty"`
	// Duplicate is set when the operation id was already integrated.
	Duplicate   bool             `json:"duplicate,omitempty"`
	Transitions []ot.Status      `json:"transitions,omitempty"`
	Conflicts   []conflict.Group `json:"conflicts,omitempty"`
}

// Replica is one replica of the memory graph.
type Replica struct {
	opts        Options
	store       *crdt.Store
	engine      *ot.Engine
	embeddings  *service.EmbeddingManager
	coordinator *conflict.Coordinator
	choices     *conflict.PendingChoices
	compactor   *Compactor
	log         registryoplog.Log
	pub         registrynotify.Publisher
	cache       registrycache.SnapshotCache

	// gate is held shared by every mutation and exclusively by compaction.
	gate  sync.RWMutex
	locks *keyedMutex
	head  atomic.Int64

	dmu      sync.Mutex
	drained  map[string][]ot.Outcome
	buffered map[string]ot.Operation

	ctx    context.Context
	cancel context.CancelFunc
	bgmu   sync.Mutex
	closed bool
	bg     sync.WaitGroup
}

// New creates an empty replica. Call Recover before accepting operations
// to load the state recorded in the log.
func New(opts Options) (*Replica, error) {
	if opts.Log == nil {
		return nil, fmt.Errorf("replica: an operation log is required")
	}
	r := &Replica{
		opts:     opts,
		store:    crdt.NewStore(crdt.WithVerification(opts.MergeVerification)),
		engine:   ot.NewEngine(opts.OT),
		choices:  conflict.NewPendingChoices(),
		log:      opts.Log,
		pub:      opts.Publisher,
		cache:    opts.Cache,
		locks:    newKeyedMutex(),
		drained:  map[string][]ot.Outcome{},
		buffered: map[string]ot.Operation{},
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.embeddings = service.NewEmbeddingManager(opts.Embedding, r.store, opts.Embedder, opts.Vector)
	r.store.SetChangeListener(r.embeddings.OnFieldChanged)
	r.coordinator = conflict.NewCoordinator(opts.Conflicts, r, r.choices)
	r.coordinator.OnResolved(r.onResolved)
	r.engine.OnOutcome(r.onOutcome)
	r.compactor = NewCompactor(r, opts.Compaction)
	return r, nil
}

// Start runs the background loops until ctx is cancelled.
func (r *Replica) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.engine.Run(ctx)
		return nil
	})
	g.Go(func() error {
		r.embeddings.Start(ctx)
		return nil
	})
	g.Go(func() error {
		r.watchEmbeddings(ctx)
		return nil
	})
	g.Go(func() error {
		r.compactor.Start(ctx)
		return nil
	})
	return g.Wait()
}

// Close stops resolutions in flight and waits for them to settle. It does
// not close the plugins passed in Options.
func (r *Replica) Close() {
	r.bgmu.Lock()
	r.closed = true
	r.bgmu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.bg.Wait()
		close(done)
	}()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.coordinator.CancelAll()
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// Store exposes the field store for read access.
func (r *Replica) Store() *crdt.Store { return r.store }

// Engine exposes the relationship engine for read access.
func (r *Replica) Engine() *ot.Engine { return r.engine }

// Embeddings exposes the embedding manager.
func (r *Replica) Embeddings() *service.EmbeddingManager { return r.embeddings }

// Coordinator exposes the conflict coordinator.
func (r *Replica) Coordinator() *conflict.Coordinator { return r.coordinator }

// Head returns the sequence number of the last record this replica wrote
// or replayed.
func (r *Replica) Head() int64 { return r.head.Load() }

// Ingest applies one inbound message, logs it and raises any conflicts it
// caused. Conflicts are resolved in the background.
func (r *Replica) Ingest(ctx context.Context, msg model.Message) (Result, error) {
	if err := validateEnvelope(msg); err != nil {
		metrics.OperationRejected(string(msg.Component), "validation")
		return Result{}, err
	}
	switch msg.Component {
	case model.ComponentField:
		return r.ingestField(ctx, msg)
	default:
		return r.ingestRelationship(ctx, msg)
	}
}

func (r *Replica) ingestField(ctx context.Context, msg model.Message) (Result, error) {
	rec, err := decodeField(msg)
	if err != nil {
		metrics.OperationRejected(string(model.ComponentField), "validation")
		return Result{}, err
	}

	var events []conflict.Event
	var seq int64
	err = r.withLock(memoryKey(msg.DocumentID), func() (err error) {
		switch rec.OpType {
		case model.FieldOpApply:
			events, seq, err = r.applyField(ctx, msg.DocumentID, rec)
		case model.FieldOpMerge:
			events, seq, err = r.mergeField(ctx, msg.DocumentID, rec)
		default:
			seq, err = r.deleteMemory(ctx, msg.DocumentID, rec)
		}
		return err
	})
	if err != nil {
		reason := "validation"
		if model.IsConvergence(err) {
			reason = "convergence"
		}
		metrics.OperationRejected(string(model.ComponentField), reason)
		return Result{}, err
	}
	metrics.OperationApplied(string(model.ComponentField), rec.OpType)
	if rec.OpType == model.FieldOpDeleteMemory {
		r.embeddings.Forget(ctx, msg.DocumentID)
	}

	r.invalidate(ctx, msg.DocumentID)
	res := Result{Component: model.ComponentField, DocumentID: msg.DocumentID, Sequence: seq}
	if doc, err := r.store.Snapshot(msg.DocumentID); err == nil {
		res.Document = &doc
		r.publish(ctx, model.EventSnapshot, msg.DocumentID, doc)
	}
	res.Conflicts = r.raise(events)
	return res, nil
}

// applyField applies a local op. Caller holds the memory lock.
func (r *Replica) applyField(ctx context.Context, docID string, rec fieldRecord) ([]conflict.Event, int64, error) {
	op := *rec.Op
	var prev *crdt.Register
	if rec.Field == model.FieldMetadata {
		prev = r.register(docID, op.Key)
	}
	applied, err := r.store.Apply(docID, rec.Field, op)
	if err != nil {
		return nil, 0, err
	}
	rec.Op = &applied.Op
	seq, err := r.appendRecord(ctx, model.ComponentField, docID, rec)
	if err != nil {
		return nil, 0, err
	}
	var events []conflict.Event
	if ev := metadataConflict(docID, op, applied.Op, prev); ev != nil {
		events = append(events, *ev)
	}
	return events, seq, nil
}

// mergeField merges a remote field state. Caller holds the memory lock.
func (r *Replica) mergeField(ctx context.Context, docID string, rec fieldRecord) ([]conflict.Event, int64, error) {
	var before *crdt.FieldState
	if fs, err := r.store.FieldState(docID, rec.Field); err == nil {
		before = &fs
	}
	after, err := r.store.MergeRemote(docID, rec.Field, *rec.State)
	if err != nil {
		return nil, 0, err
	}
	seq, err := r.appendRecord(ctx, model.ComponentField, docID, rec)
	if err != nil {
		return nil, 0, err
	}
	var events []conflict.Event
	if ev := sequenceConflict(docID, rec.Field, before, *rec.State, after); ev != nil {
		events = append(events, *ev)
	}
	return events, seq, nil
}

// deleteMemory soft-deletes a memory. Caller holds the memory lock.
func (r *Replica) deleteMemory(ctx context.Context, docID string, rec fieldRecord) (int64, error) {
	stamp, err := r.store.DeleteMemory(docID, rec.DeletedBy.User, rec.DeletedBy.Lamport)
	if err != nil {
		return 0, err
	}
	rec.DeletedBy = &stamp
	return r.appendRecord(ctx, model.ComponentField, docID, rec)
}

// register returns the metadata register stored under key, if any.
func (r *Replica) register(docID, key string) *crdt.Register {
	fs, err := r.store.FieldState(docID, model.FieldMetadata)
	if err != nil || fs.Metadata == nil {
		return nil
	}
	reg, ok := fs.Metadata.Entries[key]
	if !ok {
		return nil
	}
	return &reg
}

// appliedOp is a relationship operation that reached the log.
type appliedOp struct {
	op       ot.Operation
	original ot.Operation
	state    ot.State
	seq      int64
}

type submitted struct {
	result    ot.Result
	duplicate bool
	applied   []appliedOp
	rejected  []ot.Outcome
}

func (r *Replica) ingestRelationship(ctx context.Context, msg model.Message) (Result, error) {
	op, err := decodeRelationship(msg)
	if err != nil {
		metrics.OperationRejected(string(model.ComponentRelationship), "validation")
		return Result{}, err
	}
	relID := op.RelationshipID()

	var sub submitted
	err = r.withLock(relationshipKey(relID), func() (err error) {
		sub, err = r.submit(ctx, op)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Component:   model.ComponentRelationship,
		DocumentID:  msg.DocumentID,
		Buffered:    sub.result.Buffered,
		Duplicate:   sub.duplicate,
		Transitions: sub.result.Transitions,
	}
	resOp, state := sub.result.Op, sub.result.State
	res.Operation, res.Relationship = &resOp, &state
	for _, a := range sub.applied {
		if a.op.OperationID == op.OperationID {
			res.Sequence = a.seq
		}
	}
	res.Conflicts = r.afterRelationship(ctx, sub)
	return res, nil
}

// submit integrates op and logs every operation that got applied,
// including buffered ones released by a CREATE. Caller holds the
// relationship lock.
func (r *Replica) submit(ctx context.Context, op ot.Operation) (submitted, error) {
	relID := op.RelationshipID()
	if prior, err := r.engine.Operation(op.OperationID); err == nil {
		state, _ := r.engine.State(relID)
		return submitted{result: ot.Result{Op: prior, State: state}, duplicate: true}, nil
	}

	res, err := r.engine.Submit(op)
	drained := r.takeDrained(relID)
	out := submitted{result: res}
	if err != nil {
		return out, err
	}
	if res.Buffered {
		r.dmu.Lock()
		r.buffered[op.OperationID] = op
		r.dmu.Unlock()
	} else {
		seq, err := r.appendRecord(ctx, model.ComponentRelationship, relID, res.Op)
		if err != nil {
			return out, err
		}
		out.applied = append(out.applied, appliedOp{op: res.Op, original: op, state: res.State, seq: seq})
	}

	for _, o := range drained {
		r.dmu.Lock()
		orig, ok := r.buffered[o.Op.OperationID]
		delete(r.buffered, o.Op.OperationID)
		r.dmu.Unlock()
		if o.Err != nil {
			out.rejected = append(out.rejected, o)
			continue
		}
		if !ok {
			orig = o.Op
		}
		seq, err := r.appendRecord(ctx, model.ComponentRelationship, relID, o.Op)
		if err != nil {
			return out, err
		}
		out.applied = append(out.applied, appliedOp{op: o.Op, original: orig, state: o.State, seq: seq})
	}
	return out, nil
}

// afterRelationship invalidates caches, publishes the changes and raises
// conflicts for operations that lost to concurrent ones.
func (r *Replica) afterRelationship(ctx context.Context, sub submitted) []conflict.Group {
	var events []conflict.Event
	for _, a := range sub.applied {
		for _, m := range a.state.Members {
			r.invalidate(ctx, m)
		}
		r.publish(ctx, model.EventRelationship, a.state.ID, relationshipEvent{Operation: a.op, State: a.state})
		if ev := r.relationshipConflict(a); ev != nil {
			events = append(events, *ev)
		}
	}
	for _, o := range sub.rejected {
		r.publishRejection(ctx, o)
	}
	return r.raise(events)
}

type relationshipEvent struct {
	Operation ot.Operation `json:"operation"`
	State     ot.State     `json:"state"`
	Error     string       `json:"error,omitempty"`
}

func (r *Replica) publishRejection(ctx context.Context, o ot.Outcome) {
	log.Warn("Replica: relationship operation rejected", "operationId", o.Op.OperationID, "err", o.Err)
	r.publish(ctx, model.EventRelationship, o.Op.RelationshipID(), relationshipEvent{Operation: o.Op, State: o.State, Error: o.Err.Error()})
}

// onOutcome receives operations released from or expired in the causal
// buffer. Released ones are collected for the goroutine whose CREATE
// released them; expired ones are published right away.
func (r *Replica) onOutcome(o ot.Outcome) {
	if o.Err != nil && model.IsCausality(o.Err) {
		r.dmu.Lock()
		delete(r.buffered, o.Op.OperationID)
		r.dmu.Unlock()
		r.publishRejection(r.ctx, o)
		return
	}
	relID := o.Op.RelationshipID()
	r.dmu.Lock()
	r.drained[relID] = append(r.drained[relID], o)
	r.dmu.Unlock()
}

func (r *Replica) takeDrained(relID string) []ot.Outcome {
	r.dmu.Lock()
	defer r.dmu.Unlock()
	out := r.drained[relID]
	delete(r.drained, relID)
	return out
}

// Rollback undoes an applied relationship operation by applying its
// inverse at the head of the relationship.
func (r *Replica) Rollback(ctx context.Context, opID string) (Result, error) {
	op, err := r.engine.Operation(opID)
	if err != nil {
		return Result{}, err
	}
	relID := op.RelationshipID()

	var res ot.Result
	var seq int64
	err = r.withLock(relationshipKey(relID), func() (err error) {
		if res, err = r.engine.Rollback(opID); err != nil {
			return err
		}
		seq, err = r.appendRecord(ctx, model.ComponentRelationship, relID, res.Op)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	for _, m := range res.State.Members {
		r.invalidate(ctx, m)
	}
	r.publish(ctx, model.EventRelationship, relID, relationshipEvent{Operation: res.Op, State: res.State})
	inv, state := res.Op, res.State
	return Result{
		Component:    model.ComponentRelationship,
		DocumentID:   op.SourceMemoryID,
		Sequence:     seq,
		Operation:    &inv,
		Relationship: &state,
	}, nil
}

// appendRecord logs one applied operation. The record is written even if
// ctx is cancelled since the in-memory state already moved.
func (r *Replica) appendRecord(ctx context.Context, component model.Component, docID string, v any) (int64, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s record: %w", component, err)
	}
	rec, err := r.log.Append(context.WithoutCancel(ctx), model.OpLogRecord{
		Component:  component,
		DocumentID: docID,
		Operation:  raw,
	})
	if err != nil {
		log.Error("Replica: op log append failed", "component", component, "documentId", docID, "err", err)
		return 0, fmt.Errorf("append to op log: %w", err)
	}
	for {
		cur := r.head.Load()
		if rec.SequenceNo <= cur || r.head.CompareAndSwap(cur, rec.SequenceNo) {
			break
		}
	}
	return rec.SequenceNo, nil
}

func (r *Replica) publish(ctx context.Context, kind model.EventKind, docID string, v any) {
	if r.pub == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		log.Warn("Replica: encode event failed", "kind", kind, "documentId", docID, "err", err)
		return
	}
	ev := model.Event{Kind: kind, DocumentID: docID, Payload: raw, At: time.Now().UTC()}
	if err := r.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn("Replica: publish failed", "kind", kind, "documentId", docID, "err", err)
	}
}

// raise records conflict events and starts resolving the new groups.
func (r *Replica) raise(events []conflict.Event) []conflict.Group {
	var out []conflict.Group
	for _, ev := range events {
		g, err := r.coordinator.Detect(ev)
		if err != nil {
			log.Warn("Replica: conflict event rejected", "origin", ev.Origin, "targetId", ev.TargetID, "err", err)
			continue
		}
		if g == nil {
			continue
		}
		log.Info("Replica: conflict detected", "groupId", g.ID, "origin", g.Origin, "severity", g.Severity, "members", len(g.Members))
		out = append(out, *g)
		if g.Status == conflict.StatusDetected {
			r.resolveAsync(g.ID)
		}
	}
	return out
}

func (r *Replica) resolveAsync(groupID string) {
	r.bgmu.Lock()
	if r.closed {
		r.bgmu.Unlock()
		return
	}
	r.bg.Add(1)
	r.bgmu.Unlock()
	go func() {
		defer r.bg.Done()
		if _, err := r.coordinator.Resolve(r.ctx, groupID); err != nil {
			log.Warn("Replica: resolve failed", "groupId", groupID, "err", err)
		}
	}()
}

// onResolved publishes a resolution and picks up changes that were queued
// while it ran.
func (r *Replica) onResolved(res conflict.Resolution) {
	r.publish(r.ctx, model.EventResolution, res.TargetID, res)
	if g, err := r.coordinator.Group(res.GroupID); err == nil && g.Status == conflict.StatusDetected {
		r.resolveAsync(g.ID)
	}
}
