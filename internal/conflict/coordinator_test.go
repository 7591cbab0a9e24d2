package conflict

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/chirino/memory-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeApplier struct {
	mu      sync.Mutex
	calls   []Resolution
	version uint64
	fail    Strategy
}

func (a *fakeApplier) ApplyResolution(_ context.Context, res Resolution) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if res.Strategy == a.fail {
		return 0, errors.New("cannot apply")
	}
	a.calls = append(a.calls, res)
	a.version++
	return a.version, nil
}

func (a *fakeApplier) CurrentVersion(Origin, string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version, nil
}

func (a *fakeApplier) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func relEvent(confidence float64, changes ...Change) Event {
	return Event{Origin: OriginRelationship, TargetID: "rel-1", Confidence: confidence, Changes: changes}
}

var (
	alice = Change{OperationID: "op-a", UserID: "alice", Timestamp: 10, Strength: 0.4}
	bob   = Change{OperationID: "op-b", UserID: "bob", Timestamp: 11, Strength: 0.9}
	carol = Change{OperationID: "op-c", UserID: "carol", Timestamp: 12, Strength: 0.1}
)

func TestClassification(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil, nil)
	cases := []struct {
		confidence float64
		severity   Severity
		strategy   Strategy
	}{
		{1, SeverityLow, StrategyNative},
		{0.9, SeverityLow, StrategyNative},
		{0.7, SeverityMedium, StrategyStrength},
		{0.5, SeverityMedium, StrategyStrength},
		{0.2, SeverityHigh, StrategySelective},
	}
	for _, tc := range cases {
		g, err := c.Detect(Event{Origin: OriginField, TargetID: "m1", Field: "title", Confidence: tc.confidence, Changes: []Change{alice, bob}})
		require.NoError(t, err)
		require.NotNil(t, g)
		_, err = c.Resolve(context.Background(), g.ID)
		require.NoError(t, err)
		assert.Equal(t, tc.severity, g.Severity, "confidence %v", tc.confidence)
		assert.Equal(t, tc.strategy, g.Strategy, "confidence %v", tc.confidence)
	}
}

func TestDetectIgnoresSingleUser(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil, nil)
	other := alice
	other.OperationID = "op-a2"
	g, err := c.Detect(relEvent(0.1, alice, other))
	require.NoError(t, err)
	assert.Nil(t, g)

	g, err = c.Detect(Event{Origin: OriginEmbedding, TargetID: "m1", Confidence: 1, Changes: []Change{alice}})
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, SeverityLow, g.Severity)
}

func TestDetectValidation(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil, nil)
	bad := []Event{
		{Origin: "OTHER", TargetID: "x", Confidence: 1, Changes: []Change{alice, bob}},
		{Origin: OriginField, Confidence: 1, Changes: []Change{alice, bob}},
		{Origin: OriginField, TargetID: "x", Confidence: 1.5, Changes: []Change{alice, bob}},
		{Origin: OriginField, TargetID: "x", Confidence: 1},
		{Origin: OriginField, TargetID: "x", Confidence: 1, Changes: []Change{{UserID: "a"}, bob}},
	}
	for _, ev := range bad {
		_, err := c.Detect(ev)
		assert.True(t, model.IsValidation(err), "%+v", ev)
	}
}

func TestDetectMergesMembers(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil, nil)
	g1, err := c.Detect(relEvent(0.95, alice, bob))
	require.NoError(t, err)
	g2, err := c.Detect(relEvent(0.6, bob, carol))
	require.NoError(t, err)

	assert.Equal(t, g1.ID, g2.ID)
	assert.Equal(t, GroupID(OriginRelationship, "rel-1", ""), g2.ID)
	assert.Equal(t, []string{"op-a", "op-b", "op-c"}, memberIDs(g2.Members))
	assert.Equal(t, SeverityMedium, g2.Severity)
	assert.Equal(t, StatusDetected, g2.Status)
	assert.Len(t, c.Groups(), 1)
}

func TestResolveStrategies(t *testing.T) {
	cases := []struct {
		name     string
		medium   Strategy
		chosen   []string
		unchosen []string
	}{
		{"strength", StrategyStrength, []string{"op-b"}, []string{"op-a", "op-c"}},
		{"user", StrategyUser, []string{"op-a"}, []string{"op-b", "op-c"}},
		{"rollback", StrategyRollback, nil, []string{"op-a", "op-b", "op-c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MediumStrategy = tc.medium
			applier := &fakeApplier{}
			c := NewCoordinator(cfg, applier, nil)

			g, err := c.Detect(relEvent(0.7, alice, bob, carol))
			require.NoError(t, err)
			res, err := c.Resolve(context.Background(), g.ID)
			require.NoError(t, err)

			assert.Equal(t, tc.medium, res.Strategy)
			assert.Equal(t, StatusResolved, res.Status)
			assert.Equal(t, tc.chosen, res.Chosen)
			assert.Equal(t, tc.unchosen, res.Unchosen)
			assert.Equal(t, uint64(1), res.TargetVersion)
			assert.Equal(t, 1, applier.callCount())

			after, err := c.Group(g.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusResolved, after.Status)
			assert.Len(t, c.Completed(g.ID), 1)
		})
	}
}

func TestStrongestTieBreaks(t *testing.T) {
	a := Change{OperationID: "1", UserID: "bob", Timestamp: 5, Strength: 0.5}
	b := Change{OperationID: "2", UserID: "alice", Timestamp: 4, Strength: 0.5}
	c := Change{OperationID: "3", UserID: "alice", Timestamp: 6, Strength: 0.5}
	assert.Equal(t, "3", strongest([]Change{a, b, c}).OperationID)
	assert.Equal(t, "3", priorityUser([]Change{a, b, c}).OperationID)
}

func TestResolveNativeLowSeverity(t *testing.T) {
	applier := &fakeApplier{}
	c := NewCoordinator(DefaultConfig(), applier, nil)
	g, err := c.Detect(relEvent(1, alice, bob))
	require.NoError(t, err)

	res, err := c.Resolve(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, StrategyNative, res.Strategy)
	assert.Equal(t, []string{"op-a", "op-b"}, res.Chosen)
	assert.Empty(t, res.Notice)

	// a settled group answers with its resolution
	again, err := c.Resolve(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, res, again)
	assert.Equal(t, 1, applier.callCount())
}

func TestResolveUnknownGroup(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), nil, nil)
	_, err := c.Resolve(context.Background(), "nope")
	assert.True(t, model.IsNotFound(err))
}

func waitForChoice(t *testing.T, choices *PendingChoices, groupID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return slices.Contains(choices.Waiting(), groupID)
	}, 2*time.Second, time.Millisecond)
}

func TestSelectiveMerge(t *testing.T) {
	applier := &fakeApplier{}
	choices := NewPendingChoices()
	c := NewCoordinator(DefaultConfig(), applier, choices)
	g, err := c.Detect(relEvent(0.1, alice, bob, carol))
	require.NoError(t, err)
	assert.Equal(t, StrategySelective, g.Strategy)

	done := make(chan Resolution)
	go func() {
		res, _ := c.Resolve(context.Background(), g.ID)
		done <- res
	}()
	waitForChoice(t, choices, g.ID)

	cur, err := c.Group(g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolving, cur.Status)

	require.NoError(t, choices.Submit(g.ID, []string{"op-c", "op-a"}))
	res := <-done
	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, []string{"op-a", "op-c"}, res.Chosen)
	assert.Equal(t, []string{"op-b"}, res.Unchosen)
}

func TestSelectiveMergeRejectsForeignChoice(t *testing.T) {
	applier := &fakeApplier{}
	choices := NewPendingChoices()
	c := NewCoordinator(DefaultConfig(), applier, choices)
	g, err := c.Detect(relEvent(0.1, alice, bob))
	require.NoError(t, err)

	// a choice submitted before the coordinator asks is used
	require.NoError(t, choices.Submit(g.ID, []string{"op-x"}))
	res, err := c.Resolve(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, res.Status)
	assert.Equal(t, StrategyNative, res.Strategy)
	assert.Equal(t, NoticeReview, res.Notice)
	assert.Contains(t, res.Reason, "not part of the group")

	assert.True(t, model.IsValidation(choices.Submit(g.ID, nil)))
}

func TestSingleFlight(t *testing.T) {
	applier := &fakeApplier{}
	choices := NewPendingChoices()
	c := NewCoordinator(DefaultConfig(), applier, choices)
	g, err := c.Detect(relEvent(0.1, alice, bob))
	require.NoError(t, err)

	const callers = 8
	results := make(chan Resolution, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Resolve(context.Background(), g.ID)
			assert.NoError(t, err)
			results <- res
		}()
	}
	waitForChoice(t, choices, g.ID)
	require.NoError(t, choices.Submit(g.ID, []string{"op-b"}))
	wg.Wait()
	close(results)

	var first *Resolution
	for res := range results {
		if first == nil {
			first = &res
			continue
		}
		assert.Equal(t, *first, res)
	}
	assert.Equal(t, 1, applier.callCount())
	assert.Len(t, c.Completed(g.ID), 1)
}

func TestTimeoutFallsBackToNative(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	applier := &fakeApplier{}
	c := NewCoordinator(cfg, applier, NewPendingChoices())
	g, err := c.Detect(relEvent(0.1, alice, bob))
	require.NoError(t, err)

	var notified []Resolution
	c.OnResolved(func(r Resolution) { notified = append(notified, r) })

	res, err := c.Resolve(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, res.Status)
	assert.Equal(t, StrategyNative, res.Strategy)
	assert.Equal(t, NoticeReview, res.Notice)
	assert.Contains(t, res.Reason, "timed out")
	assert.Equal(t, []string{"op-a", "op-b"}, res.Chosen)
	require.Len(t, notified, 1)
	assert.Equal(t, StatusEscalated, notified[0].Status)
}

func TestApplyFailureFallsBack(t *testing.T) {
	applier := &fakeApplier{fail: StrategyStrength}
	c := NewCoordinator(DefaultConfig(), applier, nil)
	g, err := c.Detect(relEvent(0.7, alice, bob))
	require.NoError(t, err)

	res, err := c.Resolve(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, res.Status)
	assert.Equal(t, StrategyNative, res.Strategy)
	assert.Equal(t, "cannot apply", res.Reason)
}

func TestSupersedeRestartsWithMergedMembers(t *testing.T) {
	applier := &fakeApplier{}
	choices := NewPendingChoices()
	c := NewCoordinator(DefaultConfig(), applier, choices)
	g, err := c.Detect(relEvent(0.3, alice, bob))
	require.NoError(t, err)

	done := make(chan Resolution)
	go func() {
		res, _ := c.Resolve(context.Background(), g.ID)
		done <- res
	}()
	waitForChoice(t, choices, g.ID)

	_, err = c.Detect(relEvent(0.2, carol, alice))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cur, _ := c.Group(g.ID)
		return len(cur.Members) == 3
	}, 2*time.Second, time.Millisecond)
	waitForChoice(t, choices, g.ID)

	require.NoError(t, choices.Submit(g.ID, []string{"op-c"}))
	res := <-done
	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, []string{"op-c"}, res.Chosen)
	assert.Equal(t, []string{"op-a", "op-b"}, res.Unchosen)
	assert.Equal(t, 1, applier.callCount())
	assert.Len(t, c.Completed(g.ID), 1)
}

func TestQueuedChangesOpenNextGeneration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SupersedeInFlight = false
	applier := &fakeApplier{}
	choices := NewPendingChoices()
	c := NewCoordinator(cfg, applier, choices)
	g, err := c.Detect(relEvent(0.3, alice, bob))
	require.NoError(t, err)

	done := make(chan Resolution)
	go func() {
		res, _ := c.Resolve(context.Background(), g.ID)
		done <- res
	}()
	waitForChoice(t, choices, g.ID)

	queued, err := c.Detect(relEvent(0.95, carol, alice))
	require.NoError(t, err)
	assert.Equal(t, StatusResolving, queued.Status)
	assert.Equal(t, 2, queued.Queued)
	assert.Len(t, queued.Members, 2)

	require.NoError(t, choices.Submit(g.ID, []string{"op-b"}))
	res := <-done
	assert.Equal(t, []string{"op-b"}, res.Chosen)
	assert.Equal(t, 1, res.Generation)

	next, err := c.Group(g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDetected, next.Status)
	assert.Equal(t, 2, next.Generation)
	assert.Equal(t, []string{"op-c", "op-a"}, memberIDs(next.Members))
	assert.Equal(t, SeverityLow, next.Severity)

	res2, err := c.Resolve(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res2.Generation)
	assert.Len(t, c.Completed(g.ID), 2)
}

func TestReapplyIsIdempotent(t *testing.T) {
	applier := &fakeApplier{}
	c := NewCoordinator(DefaultConfig(), applier, nil)
	g, err := c.Detect(relEvent(0.7, alice, bob))
	require.NoError(t, err)
	res, err := c.Resolve(context.Background(), g.ID)
	require.NoError(t, err)

	applied, err := c.Reapply(context.Background(), res)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, applier.callCount())

	// the target was reset behind the coordinator's back
	applier.mu.Lock()
	applier.version = 0
	applier.mu.Unlock()
	applied, err = c.Reapply(context.Background(), res)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 2, applier.callCount())
}

func TestResolveCallerCancelDoesNotAbortOwner(t *testing.T) {
	applier := &fakeApplier{}
	choices := NewPendingChoices()
	c := NewCoordinator(DefaultConfig(), applier, choices)
	g, err := c.Detect(relEvent(0.1, alice, bob))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Resolve(context.Background(), g.ID)
	}()
	waitForChoice(t, choices, g.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Resolve(ctx, g.ID)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, choices.Submit(g.ID, []string{"op-a"}))
	<-done
	cur, err := c.Group(g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, cur.Status)
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{
		"strength-priority": StrategyStrength,
		"USER_PRIORITY":     StrategyUser,
		"rollback":          StrategyRollback,
		"selective-merge":   StrategySelective,
		"native":            StrategyNative,
	} {
		got, err := ParseStrategy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStrategy("coin-flip")
	assert.True(t, model.IsValidation(err))
}

func TestCancelAllEscalatesWaitingGroups(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = time.Minute
	app := &fakeApplier{}
	choices := NewPendingChoices()
	c := NewCoordinator(cfg, app, choices)

	g, err := c.Detect(relEvent(0.1, alice, bob))
	require.NoError(t, err)

	done := make(chan Resolution, 1)
	go func() {
		res, _ := c.Resolve(context.Background(), g.ID)
		done <- res
	}()
	require.Eventually(t, func() bool { return len(choices.Waiting()) == 1 }, time.Second, 5*time.Millisecond)

	c.CancelAll()
	res := <-done
	assert.Equal(t, StatusEscalated, res.Status)
	assert.Equal(t, StrategyNative, res.Strategy)
	assert.Equal(t, NoticeReview, res.Notice)
	assert.Equal(t, "rel-1", res.TargetID)
}
