package replica

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/chirino/memory-sync/internal/conflict"
	"github.com/chirino/memory-sync/internal/crdt"
	"github.com/chirino/memory-sync/internal/model"
	"github.com/chirino/memory-sync/internal/ot"
	"github.com/chirino/memory-sync/internal/plugin/oplog/memory"
	registrycache "github.com/chirino/memory-sync/internal/registry/cache"
	registryoplog "github.com/chirino/memory-sync/internal/registry/oplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newReplica(t *testing.T, l registryoplog.Log, tune ...func(*Options)) *Replica {
	t.Helper()
	opts := DefaultOptions()
	opts.Log = l
	opts.Conflicts.Timeout = 2 * time.Second
	opts.Compaction.Interval = 0
	for _, f := range tune {
		f(&opts)
	}
	r, err := New(opts)
	require.NoError(t, err)
	_, err = r.Recover(context.Background())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func rebuild(t *testing.T, l registryoplog.Log) *Replica {
	t.Helper()
	r, _, err := Rebuild(context.Background(), l, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func fieldMsg(doc, user string, ts uint64, field model.FieldName, op crdt.Op) model.Message {
	raw, _ := json.Marshal(op)
	return model.Message{DocumentID: doc, Component: model.ComponentField, OpType: model.FieldOpApply, Field: field, Payload: raw, UserID: user, LogicalTimestamp: ts}
}

func mergeMsg(doc, user string, fs crdt.FieldState) model.Message {
	raw, _ := json.Marshal(fs)
	return model.Message{DocumentID: doc, Component: model.ComponentField, OpType: model.FieldOpMerge, Field: fs.Field, Payload: raw, UserID: user}
}

func deleteMsg(doc, user string) model.Message {
	return model.Message{DocumentID: doc, Component: model.ComponentField, OpType: model.FieldOpDeleteMemory, UserID: user}
}

func relMsg(typ ot.OpType, id, user, src, dst string, ts, base uint64, p ot.Payload) model.Message {
	raw, _ := json.Marshal(relationshipPayload{OperationID: id, TargetMemoryID: dst, BaseVersion: base, Payload: p})
	return model.Message{DocumentID: src, Component: model.ComponentRelationship, OpType: string(typ), Payload: raw, UserID: user, LogicalTimestamp: ts}
}

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }

func ingest(t *testing.T, r *Replica, msgs ...model.Message) Result {
	t.Helper()
	var res Result
	for _, msg := range msgs {
		var err error
		res, err = r.Ingest(context.Background(), msg)
		require.NoError(t, err, "message %+v", msg)
	}
	return res
}

func seed() []model.Message {
	return []model.Message{
		fieldMsg("M1", "alice", 0, model.FieldTitle, crdt.Op{Kind: crdt.OpInsert, Text: "Hello"}),
		fieldMsg("M1", "alice", 0, model.FieldContent, crdt.Op{Kind: crdt.OpInsert, Text: "Body text"}),
		fieldMsg("M1", "bob", 0, model.FieldTags, crdt.Op{Kind: crdt.OpAddTag, Tag: "go"}),
		fieldMsg("M1", "bob", 0, model.FieldMetadata, crdt.Op{Kind: crdt.OpSetMeta, Key: "k", Value: "v"}),
		fieldMsg("M1", "alice", 0, model.FieldTitle, crdt.Op{Kind: crdt.OpDelete, Pos: intp(0), Length: 1}),
		fieldMsg("M2", "carol", 0, model.FieldTitle, crdt.Op{Kind: crdt.OpReplace, Text: "Other"}),
		relMsg(ot.OpCreate, "c1", "alice", "M1", "M2", 1, 0, ot.Payload{Type: "references"}),
		relMsg(ot.OpModifyStrength, "s1", "bob", "M1", "M2", 2, 1, ot.Payload{Strength: f64(0.5)}),
		relMsg(ot.OpModifyMetadata, "md1", "alice", "M2", "M1", 3, 2, ot.Payload{Metadata: map[string]string{"why": "see also"}}),
		fieldMsg("M3", "alice", 0, model.FieldTitle, crdt.Op{Kind: crdt.OpInsert, Text: "gone"}),
		deleteMsg("M3", "alice"),
	}
}

func assertSameState(t *testing.T, want, got *Replica) {
	t.Helper()
	assert.JSONEq(t, string(mustJSON(want.Documents())), string(mustJSON(got.Documents())))
	assert.JSONEq(t, string(mustJSON(want.engine.Export())), string(mustJSON(got.engine.Export())))
}

func TestReplayReproducesState(t *testing.T) {
	l := memory.New()
	r := newReplica(t, l)
	ingest(t, r, seed()...)

	doc, err := r.store.Snapshot("M1")
	require.NoError(t, err)
	assert.Equal(t, "ello", doc.Title)
	assert.Equal(t, []string{"go"}, doc.Tags)

	count, err := l.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, len(seed()), count)
	assert.Equal(t, count, r.Head())

	assertSameState(t, r, rebuild(t, l))
}

func TestReplayAfterCompaction(t *testing.T) {
	ctx := context.Background()
	l := memory.New()
	r := newReplica(t, l)
	ingest(t, r, seed()...)

	res, err := r.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"M3"}, res.Purged)
	assert.Equal(t, r.Head(), res.SequenceNo)
	_, err = r.store.Snapshot("M3")
	assert.True(t, model.IsNotFound(err))

	ingest(t, r,
		fieldMsg("M2", "carol", 0, model.FieldTags, crdt.Op{Kind: crdt.OpAddTag, Tag: "later"}),
		relMsg(ot.OpModifyType, "t1", "bob", "M1", "M2", 4, 3, ot.Payload{Type: "cites"}),
	)
	count, err := l.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	again := rebuild(t, l)
	assertSameState(t, r, again)
	rel, err := again.Relationship(ot.RelationshipID("M1", "M2"))
	require.NoError(t, err)
	assert.Equal(t, "cites", rel.Type)
}

func TestCompactionKeepsDeletedMemoriesWithLiveRelationships(t *testing.T) {
	r := newReplica(t, memory.New())
	ingest(t, r, seed()...)
	ingest(t, r, deleteMsg("M2", "carol"))

	res, err := r.Compact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"M3"}, res.Purged)
	doc, err := r.store.Snapshot("M2")
	require.NoError(t, err)
	assert.True(t, doc.Deleted)
}

func TestConcurrentTitleEditsConverge(t *testing.T) {
	nativeOnly := func(o *Options) { o.Conflicts.AutoThreshold = 0.5 }
	a := newReplica(t, memory.New(), nativeOnly)
	b := newReplica(t, memory.New(), nativeOnly)

	ingest(t, a, fieldMsg("M1", "alice", 10, model.FieldTitle, crdt.Op{Kind: crdt.OpReplace, Text: "Auth Design v1"}))
	ingest(t, b, fieldMsg("M1", "bob", 11, model.FieldTitle, crdt.Op{Kind: crdt.OpReplace, Text: "Auth Design v2"}))
	fromA, err := a.store.FieldState("M1", model.FieldTitle)
	require.NoError(t, err)
	fromB, err := b.store.FieldState("M1", model.FieldTitle)
	require.NoError(t, err)

	resA := ingest(t, a, mergeMsg("M1", "bob", fromB))
	resB := ingest(t, b, mergeMsg("M1", "alice", fromA))
	require.NotNil(t, resA.Document)
	require.NotNil(t, resB.Document)
	assert.Equal(t, resA.Document.Title, resB.Document.Title)
	assert.Contains(t, resA.Document.Title, "Auth Design v1")
	assert.Contains(t, resA.Document.Title, "Auth Design v2")

	require.Len(t, resA.Conflicts, 1)
	assert.Equal(t, conflict.OriginField, resA.Conflicts[0].Origin)
	assert.Equal(t, "title", resA.Conflicts[0].Field)
	assert.Equal(t, conflict.SeverityLow, resA.Conflicts[0].Severity)

	// a third replica receiving the states in the other order
	c := newReplica(t, memory.New(), nativeOnly)
	ingest(t, c, mergeMsg("M1", "bob", fromB), mergeMsg("M1", "alice", fromA))
	doc, err := c.store.Snapshot("M1")
	require.NoError(t, err)
	assert.Equal(t, resA.Document.Title, doc.Title)
}

func waitResolved(t *testing.T, r *Replica, groupID string) conflict.Resolution {
	t.Helper()
	var res conflict.Resolution
	require.Eventually(t, func() bool {
		done := r.coordinator.Completed(groupID)
		if len(done) == 0 {
			return false
		}
		res = done[len(done)-1]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return res
}

func TestConcurrentCreatesPickSmallerUser(t *testing.T) {
	refs := relMsg(ot.OpCreate, "op-a", "alice", "M1", "M2", 1, 0, ot.Payload{Type: "references"})
	insp := relMsg(ot.OpCreate, "op-b", "bob", "M2", "M1", 1, 0, ot.Payload{Type: "inspired_by"})
	relID := ot.RelationshipID("M1", "M2")
	require.Equal(t, relID, ot.RelationshipID("M2", "M1"))

	for name, order := range map[string][]model.Message{"alice first": {refs, insp}, "bob first": {insp, refs}} {
		t.Run(name, func(t *testing.T) {
			r := newReplica(t, memory.New())
			ingest(t, r, order[0])
			res := ingest(t, r, order[1])
			require.Len(t, res.Conflicts, 1)
			g := res.Conflicts[0]
			assert.Equal(t, conflict.SeverityMedium, g.Severity)

			resolution := waitResolved(t, r, g.ID)
			assert.Equal(t, conflict.StatusResolved, resolution.Status)
			assert.Equal(t, []string{"op-a"}, resolution.Chosen)

			state, err := r.Relationship(relID)
			require.NoError(t, err)
			assert.True(t, state.Live())
			assert.Equal(t, "references", state.Type)
			assert.Equal(t, "alice", state.CreatedBy.UserID)
		})
	}
}

func TestMetadataConflictResolvedByStrategy(t *testing.T) {
	l := memory.New()
	r := newReplica(t, l)
	ingest(t, r, fieldMsg("M1", "alice", 5, model.FieldMetadata, crdt.Op{Kind: crdt.OpSetMeta, Key: "status", Value: "draft"}))
	res := ingest(t, r, fieldMsg("M1", "bob", 3, model.FieldMetadata, crdt.Op{Kind: crdt.OpSetMeta, Key: "status", Value: "final"}))
	require.Equal(t, "final", res.Document.Metadata["status"])
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "metadata/status", res.Conflicts[0].Field)

	resolution := waitResolved(t, r, res.Conflicts[0].ID)
	assert.Equal(t, conflict.StrategyStrength, resolution.Strategy)
	assert.Equal(t, conflict.StatusResolved, resolution.Status)

	doc, err := r.store.Snapshot("M1")
	require.NoError(t, err)
	assert.Equal(t, "draft", doc.Metadata["status"])
	assert.Equal(t, doc.Clock, resolution.TargetVersion)

	applied, err := r.coordinator.Reapply(context.Background(), resolution)
	require.NoError(t, err)
	assert.False(t, applied)

	assertSameState(t, r, rebuild(t, l))
}

func TestSameUserWritesDoNotConflict(t *testing.T) {
	r := newReplica(t, memory.New())
	ingest(t, r, fieldMsg("M1", "alice", 5, model.FieldMetadata, crdt.Op{Kind: crdt.OpSetMeta, Key: "status", Value: "draft"}))
	res := ingest(t, r, fieldMsg("M1", "alice", 0, model.FieldMetadata, crdt.Op{Kind: crdt.OpSetMeta, Key: "status", Value: "final"}))
	assert.Empty(t, res.Conflicts)
}

func TestSelectiveMergeAppliesTheUsersChoice(t *testing.T) {
	l := memory.New()
	r := newReplica(t, l, func(o *Options) { o.Conflicts.Timeout = 5 * time.Second })
	relID := ot.RelationshipID("M1", "M2")
	ingest(t, r,
		relMsg(ot.OpCreate, "c1", "alice", "M1", "M2", 1, 0, ot.Payload{Type: "references"}),
		relMsg(ot.OpDelete, "d1", "bob", "M1", "M2", 2, 1, ot.Payload{}),
	)
	res := ingest(t, r, relMsg(ot.OpModifyStrength, "s1", "alice", "M1", "M2", 2, 1, ot.Payload{Strength: f64(0.3)}))
	require.Equal(t, ot.OpNoop, res.Operation.Type)
	require.Len(t, res.Conflicts, 1)
	g := res.Conflicts[0]
	assert.Equal(t, conflict.SeverityHigh, g.Severity)
	assert.Equal(t, conflict.StrategySelective, g.Strategy)

	require.Error(t, r.Choose(g.ID, nil))
	require.NoError(t, r.Choose(g.ID, []string{"s1"}))
	resolution := waitResolved(t, r, g.ID)
	assert.Equal(t, conflict.StatusResolved, resolution.Status)
	assert.Equal(t, []string{"d1"}, resolution.Unchosen)

	state, err := r.Relationship(relID)
	require.NoError(t, err)
	assert.True(t, state.Live())
	assert.Equal(t, 0.3, state.Strength)
	assert.Equal(t, state.Version, resolution.TargetVersion)

	deleted, err := r.engine.Operation("d1")
	require.NoError(t, err)
	assert.Equal(t, ot.StatusRolledBack, deleted.Status)

	assertSameState(t, r, rebuild(t, l))
}

func TestUnansweredChoiceEscalates(t *testing.T) {
	r := newReplica(t, memory.New(), func(o *Options) { o.Conflicts.Timeout = 50 * time.Millisecond })
	ingest(t, r,
		relMsg(ot.OpCreate, "c1", "alice", "M1", "M2", 1, 0, ot.Payload{Type: "references"}),
		relMsg(ot.OpDelete, "d1", "bob", "M1", "M2", 2, 1, ot.Payload{}),
	)
	res := ingest(t, r, relMsg(ot.OpModifyStrength, "s1", "alice", "M1", "M2", 2, 1, ot.Payload{Strength: f64(0.3)}))
	require.Len(t, res.Conflicts, 1)

	resolution := waitResolved(t, r, res.Conflicts[0].ID)
	assert.Equal(t, conflict.StatusEscalated, resolution.Status)
	assert.Equal(t, conflict.NoticeReview, resolution.Notice)
	state, err := r.Relationship(ot.RelationshipID("M1", "M2"))
	require.NoError(t, err)
	assert.False(t, state.Live())
}

func TestBufferedOperationsAreLoggedWhenCreateArrives(t *testing.T) {
	l := memory.New()
	r := newReplica(t, l)
	early := ingest(t, r, relMsg(ot.OpModifyStrength, "s1", "bob", "M1", "M2", 2, 0, ot.Payload{Strength: f64(0.7)}))
	assert.True(t, early.Buffered)
	assert.Zero(t, early.Sequence)

	created := ingest(t, r, relMsg(ot.OpCreate, "c1", "alice", "M1", "M2", 1, 0, ot.Payload{Type: "references"}))
	assert.False(t, created.Buffered)
	assert.NotZero(t, created.Sequence)

	count, err := l.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
	state, err := r.Relationship(ot.RelationshipID("M1", "M2"))
	require.NoError(t, err)
	assert.Equal(t, 0.7, state.Strength)

	assertSameState(t, r, rebuild(t, l))
}

func TestDuplicateOperationIsNotLoggedTwice(t *testing.T) {
	l := memory.New()
	r := newReplica(t, l)
	msg := relMsg(ot.OpCreate, "c1", "alice", "M1", "M2", 1, 0, ot.Payload{Type: "references"})
	first := ingest(t, r, msg)
	again := ingest(t, r, msg)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Relationship.Version, again.Relationship.Version)

	count, err := l.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestRollbackIsLoggedAndReplayed(t *testing.T) {
	l := memory.New()
	r := newReplica(t, l)
	ingest(t, r,
		relMsg(ot.OpCreate, "c1", "alice", "M1", "M2", 1, 0, ot.Payload{Type: "references", Strength: f64(0.9)}),
		relMsg(ot.OpModifyStrength, "s1", "bob", "M1", "M2", 2, 1, ot.Payload{Strength: f64(0.2)}),
	)
	res, err := r.Rollback(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", res.Operation.Inverts)
	assert.Equal(t, 0.9, res.Relationship.Strength)

	_, err = r.Rollback(context.Background(), "s1")
	assert.True(t, model.IsValidation(err))
	_, err = r.Rollback(context.Background(), "missing")
	assert.True(t, model.IsNotFound(err))

	again := rebuild(t, l)
	assertSameState(t, r, again)
	op, err := again.engine.Operation("s1")
	require.NoError(t, err)
	assert.Equal(t, ot.StatusRolledBack, op.Status)
}

func TestIngestRejectsMalformedMessages(t *testing.T) {
	r := newReplica(t, memory.New())
	valid := fieldMsg("M1", "alice", 0, model.FieldTitle, crdt.Op{Kind: crdt.OpInsert, Text: "x"})
	cases := map[string]func(m *model.Message){
		"missing document": func(m *model.Message) { m.DocumentID = "" },
		"missing user":     func(m *model.Message) { m.UserID = "" },
		"unknown component": func(m *model.Message) {
			m.Component = "EMBEDDING"
		},
		"unknown field":   func(m *model.Message) { m.Field = "summary" },
		"unknown op type": func(m *model.Message) { m.OpType = "UPSERT" },
		"unknown payload key": func(m *model.Message) {
			m.Payload = json.RawMessage(`{"kind":"insert","text":"x","color":"red"}`)
		},
		"user mismatch": func(m *model.Message) {
			m.Payload = json.RawMessage(`{"kind":"insert","text":"x","user":"mallory"}`)
		},
		"kind mismatch": func(m *model.Message) {
			m.OpType = string(crdt.OpSetMeta)
		},
		"wrong kind for field": func(m *model.Message) {
			m.Payload = json.RawMessage(`{"kind":"add_tag","tag":"x"}`)
		},
		"trailing data": func(m *model.Message) {
			m.Payload = json.RawMessage(`{"kind":"insert","text":"x"} {}`)
		},
		"noop relationship": func(m *model.Message) {
			*m = relMsg(ot.OpNoop, "n1", "alice", "M1", "M2", 1, 0, ot.Payload{})
		},
		"self relationship": func(m *model.Message) {
			*m = relMsg(ot.OpCreate, "c1", "alice", "M1", "M1", 1, 0, ot.Payload{Type: "self"})
		},
		"strength out of range": func(m *model.Message) {
			*m = relMsg(ot.OpCreate, "c1", "alice", "M1", "M2", 1, 0, ot.Payload{Type: "x", Strength: f64(2)})
		},
		"delete with payload": func(m *model.Message) {
			m.OpType = model.FieldOpDeleteMemory
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			msg := valid
			mutate(&msg)
			_, err := r.Ingest(context.Background(), msg)
			require.Error(t, err)
			assert.True(t, model.IsValidation(err), "got %v", err)
		})
	}
	assert.Empty(t, r.Documents())
	assert.Zero(t, r.Head())
}

func TestOpKindShorthand(t *testing.T) {
	r := newReplica(t, memory.New())
	res := ingest(t, r, model.Message{
		DocumentID: "M1",
		Component:  model.ComponentField,
		OpType:     string(crdt.OpAddTag),
		Field:      model.FieldTags,
		Payload:    json.RawMessage(`{"tag":"design"}`),
		UserID:     "alice",
	})
	assert.Equal(t, []string{"design"}, res.Document.Tags)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]registrycache.CachedSnapshot
	removed int
}

func (c *fakeCache) Available() bool { return true }

func (c *fakeCache) Get(_ context.Context, id string) (*registrycache.CachedSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.entries[id]; ok {
		return &s, nil
	}
	return nil, nil
}

func (c *fakeCache) Set(_ context.Context, id string, snap registrycache.CachedSnapshot, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = snap
	return nil
}

func (c *fakeCache) Remove(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	c.removed++
	return nil
}

func (c *fakeCache) has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

func TestMemoryViewIsCachedAndInvalidated(t *testing.T) {
	ctx := context.Background()
	cache := &fakeCache{entries: map[string]registrycache.CachedSnapshot{}}
	r := newReplica(t, memory.New(), func(o *Options) { o.Cache = cache })
	ingest(t, r, fieldMsg("M1", "alice", 0, model.FieldTitle, crdt.Op{Kind: crdt.OpInsert, Text: "Hello"}))

	v, err := r.Memory(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", v.Title)
	require.True(t, cache.has("M1"))

	cached, err := r.Memory(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, v.ViewDigest, cached.ViewDigest)

	ingest(t, r, relMsg(ot.OpCreate, "c1", "alice", "M1", "M2", 1, 0, ot.Payload{Type: "references"}))
	assert.False(t, cache.has("M1"))

	v, err = r.Memory(ctx, "M1")
	require.NoError(t, err)
	require.Len(t, v.Relationships, 1)
	assert.Equal(t, "references", v.Relationships[0].Type)

	ingest(t, r, fieldMsg("M1", "alice", 0, model.FieldTags, crdt.Op{Kind: crdt.OpAddTag, Tag: "x"}))
	assert.False(t, cache.has("M1"))

	_, err = r.Memory(ctx, "unknown")
	assert.True(t, model.IsNotFound(err))
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *fakePublisher) Publish(_ context.Context, ev model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) kinds() map[model.EventKind]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[model.EventKind]int{}
	for _, ev := range p.events {
		out[ev.Kind]++
	}
	return out
}

func TestEventsArePublished(t *testing.T) {
	pub := &fakePublisher{}
	r := newReplica(t, memory.New(), func(o *Options) { o.Publisher = pub })
	ingest(t, r,
		fieldMsg("M1", "alice", 0, model.FieldTitle, crdt.Op{Kind: crdt.OpInsert, Text: "Hello"}),
		relMsg(ot.OpCreate, "op-a", "alice", "M1", "M2", 1, 0, ot.Payload{Type: "references"}),
	)
	res := ingest(t, r, relMsg(ot.OpCreate, "op-b", "bob", "M2", "M1", 1, 0, ot.Payload{Type: "inspired_by"}))
	require.Len(t, res.Conflicts, 1)
	waitResolved(t, r, res.Conflicts[0].ID)

	require.Eventually(t, func() bool { return pub.kinds()[model.EventResolution] == 1 }, 5*time.Second, 10*time.Millisecond)
	kinds := pub.kinds()
	assert.Equal(t, 1, kinds[model.EventSnapshot])
	assert.Equal(t, 2, kinds[model.EventRelationship])
}

func TestCloseEscalatesPendingChoices(t *testing.T) {
	opts := DefaultOptions()
	opts.Log = memory.New()
	opts.Conflicts.Timeout = time.Minute
	r, err := New(opts)
	require.NoError(t, err)
	ingest(t, r,
		relMsg(ot.OpCreate, "c1", "alice", "M1", "M2", 1, 0, ot.Payload{Type: "references"}),
		relMsg(ot.OpDelete, "d1", "bob", "M1", "M2", 2, 1, ot.Payload{}),
	)
	res := ingest(t, r, relMsg(ot.OpModifyStrength, "s1", "alice", "M1", "M2", 2, 1, ot.Payload{Strength: f64(0.3)}))
	require.Len(t, res.Conflicts, 1)
	require.Eventually(t, func() bool { return len(r.choices.Waiting()) == 1 }, 5*time.Second, 10*time.Millisecond)

	r.Close()
	done := r.coordinator.Completed(res.Conflicts[0].ID)
	require.Len(t, done, 1)
	assert.Equal(t, conflict.StatusEscalated, done[0].Status)
}

func TestRejectedInputLeavesReplicaUsable(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t, memory.New())
	ingest(t, r, fieldMsg("M1", "alice", 0, model.FieldContent, crdt.Op{Kind: crdt.OpInsert, Text: "abc"}))

	_, err := r.Ingest(ctx, fieldMsg("M1", "alice", 0, model.FieldContent, crdt.Op{Kind: crdt.OpDelete, Pos: intp(1), Length: math.MaxInt}))
	require.Error(t, err)
	assert.True(t, model.IsValidation(err), "got %v", err)

	require.Panics(t, func() {
		_ = r.withLock(memoryKey("M1"), func() error { panic("boom") })
	})

	done := make(chan error, 1)
	go func() {
		if _, err := r.Ingest(ctx, fieldMsg("M1", "alice", 0, model.FieldContent, crdt.Op{Kind: crdt.OpInsert, Text: "d"})); err != nil {
			done <- err
			return
		}
		_, err := r.Compact(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("replica locks are still held")
	}
	doc, err := r.store.Snapshot("M1")
	require.NoError(t, err)
	assert.Equal(t, "abcd", doc.Content)
}

func TestLateRelationshipOpAfterDeleteIsRejected(t *testing.T) {
	l := memory.New()
	r := newReplica(t, l)
	ingest(t, r,
		relMsg(ot.OpCreate, "c1", "alice", "M1", "M2", 1, 0, ot.Payload{Type: "references"}),
		relMsg(ot.OpDelete, "d1", "bob", "M1", "M2", 2, 1, ot.Payload{}),
	)
	_, err := r.Ingest(context.Background(), relMsg(ot.OpModifyStrength, "s1", "alice", "M1", "M2", 3, 2, ot.Payload{Strength: f64(0.3)}))
	require.Error(t, err)
	assert.True(t, model.IsValidation(err), "got %v", err)

	count, err := l.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
	state, err := r.Relationship(ot.RelationshipID("M1", "M2"))
	require.NoError(t, err)
	assert.True(t, state.Tombstoned)
}

func TestDeletedMemoryHasNoEmbedding(t *testing.T) {
	r := newReplica(t, memory.New())
	ingest(t, r, fieldMsg("M1", "alice", 0, model.FieldContent, crdt.Op{Kind: crdt.OpInsert, Text: "abc"}))
	view, err := r.Embedding("M1")
	require.NoError(t, err)
	assert.True(t, view.Stale)

	ingest(t, r, deleteMsg("M1", "alice"))
	_, err = r.Embedding("M1")
	assert.True(t, model.IsNotFound(err), "got %v", err)
	_, ok := r.embeddings.Record("M1")
	assert.False(t, ok)
}
