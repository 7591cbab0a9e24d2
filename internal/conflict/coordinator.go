package conflict

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/metrics"
	"github.com/chirino/memory-sync/internal/model"
	"github.com/google/uuid"
)

var groupNamespace = uuid.MustParse("0d9b6a53-41f7-4c0e-8d55-2b8f3f1c7e62")

// GroupID derives the id of the conflict group for a target.
func GroupID(origin Origin, targetID, field string) string {
	return uuid.NewSHA1(groupNamespace, []byte(string(origin)+"\x1f"+targetID+"\x1f"+field)).String()
}

// Config tunes the coordinator.
type Config struct {
	// AutoThreshold is the merge confidence at or above which a conflict is
	// LOW and left to the component's native merge.
	AutoThreshold float64
	// HighThreshold is the confidence below which a conflict is HIGH and
	// needs the user to pick.
	HighThreshold float64
	// MediumStrategy resolves MEDIUM conflicts.
	MediumStrategy Strategy
	// Timeout bounds a resolution attempt before falling back to the
	// native merge.
	Timeout time.Duration
	// SupersedeInFlight cancels a running resolution when new conflicting
	// changes arrive and restarts it with the merged member set.
	SupersedeInFlight bool
	// RetainCompleted is the number of resolutions kept per group for audit.
	RetainCompleted int
	// Policy, when set, picks the strategy of MEDIUM and HIGH groups.
	Policy StrategyPolicy
}

// StrategyPolicy selects the strategy for a group. An empty strategy keeps
// the severity default.
type StrategyPolicy interface {
	SelectStrategy(ctx context.Context, g Group, fallback Strategy) (Strategy, error)
}

const policyTimeout = time.Second

func DefaultConfig() Config {
	return Config{
		AutoThreshold:     0.9,
		HighThreshold:     0.5,
		MediumStrategy:    StrategyStrength,
		Timeout:           30 * time.Second,
		SupersedeInFlight: true,
		RetainCompleted:   20,
	}
}

// Applier carries a resolution out on the owning component.
type Applier interface {
	// ApplyResolution applies res and returns the target's resulting version.
	ApplyResolution(ctx context.Context, res Resolution) (uint64, error)
	// CurrentVersion returns the target's version.
	CurrentVersion(origin Origin, targetID string) (uint64, error)
}

// Listener is told about every completed resolution.
type Listener func(Resolution)

// groupContext owns all state of one conflict group.
type groupContext struct {
	mu      sync.Mutex
	group   Group
	queued  []Change
	qconf   float64
	restart bool
	cancel  context.CancelFunc
	started time.Time
	done    chan struct{}
	result  Resolution
}

// Coordinator detects conflict groups and resolves each of them at most
// once at a time.
type Coordinator struct {
	cfg     Config
	applier Applier
	chooser Chooser
	now     func() time.Time

	mu        sync.Mutex
	groups    map[string]*groupContext
	completed map[string][]Resolution

	lmu       sync.RWMutex
	listeners []Listener
}

// NewCoordinator creates a coordinator. applier and chooser may be nil.
func NewCoordinator(cfg Config, applier Applier, chooser Chooser) *Coordinator {
	if cfg.MediumStrategy == "" {
		cfg.MediumStrategy = StrategyStrength
	}
	return &Coordinator{
		cfg:       cfg,
		applier:   applier,
		chooser:   chooser,
		now:       time.Now,
		groups:    map[string]*groupContext{},
		completed: map[string][]Resolution{},
	}
}

// SetApplier installs the applier. It must be called before Resolve.
func (c *Coordinator) SetApplier(a Applier) {
	c.applier = a
}

func (c *Coordinator) OnResolved(l Listener) {
	c.lmu.Lock()
	c.listeners = append(c.listeners, l)
	c.lmu.Unlock()
}

func (c *Coordinator) classify(confidence float64) Severity {
	switch {
	case confidence >= c.cfg.AutoThreshold:
		return SeverityLow
	case confidence >= c.cfg.HighThreshold:
		return SeverityMedium
	}
	return SeverityHigh
}

func (c *Coordinator) severityStrategy(s Severity) Strategy {
	switch s {
	case SeverityLow:
		return StrategyNative
	case SeverityMedium:
		return c.cfg.MediumStrategy
	}
	return StrategySelective
}

// strategyFor picks the strategy of g, whose severity is already set.
func (c *Coordinator) strategyFor(g Group) Strategy {
	def := c.severityStrategy(g.Severity)
	if c.cfg.Policy == nil || g.Severity == SeverityLow {
		return def
	}
	ctx, cancel := context.WithTimeout(context.Background(), policyTimeout)
	defer cancel()
	st, err := c.cfg.Policy.SelectStrategy(ctx, g, def)
	if err != nil {
		log.Warn("Conflict: strategy policy failed, using default", "groupId", g.ID, "strategy", def, "err", err)
		return def
	}
	if st == "" {
		return def
	}
	return st
}

func validate(ev Event) error {
	if !ev.Origin.valid() {
		return model.NewValidationError("origin", "unknown origin %q", ev.Origin)
	}
	if ev.TargetID == "" {
		return model.NewValidationError("target_id", "is required")
	}
	if ev.Confidence < 0 || ev.Confidence > 1 {
		return model.NewValidationError("confidence", "%v is outside [0,1]", ev.Confidence)
	}
	if len(ev.Changes) == 0 {
		return model.NewValidationError("changes", "at least one change is required")
	}
	for _, ch := range ev.Changes {
		if ch.OperationID == "" {
			return model.NewValidationError("operation_id", "is required")
		}
	}
	return nil
}

// union appends the changes not already present.
func union(dst []Change, add []Change) []Change {
	for _, ch := range add {
		if !slices.ContainsFunc(dst, func(m Change) bool { return m.OperationID == ch.OperationID }) {
			dst = append(dst, ch)
		}
	}
	return dst
}

// Detect records a conflict event. It returns nil when the changes do not
// conflict, that is when they all come from one user on a field or
// relationship. Events for a group that is being resolved are queued.
func (c *Coordinator) Detect(ev Event) (*Group, error) {
	if err := validate(ev); err != nil {
		return nil, err
	}
	changes := union(nil, ev.Changes)
	users := map[string]struct{}{}
	for _, ch := range changes {
		users[ch.UserID] = struct{}{}
	}
	if ev.Origin != OriginEmbedding && len(users) < 2 {
		return nil, nil
	}

	id := GroupID(ev.Origin, ev.TargetID, ev.Field)
	c.mu.Lock()
	gc, ok := c.groups[id]
	if !ok {
		gc = &groupContext{group: Group{
			ID:         id,
			Origin:     ev.Origin,
			TargetID:   ev.TargetID,
			Field:      ev.Field,
			Status:     StatusResolved,
			Confidence: 1,
		}}
		c.groups[id] = gc
	}
	c.mu.Unlock()

	gc.mu.Lock()
	defer gc.mu.Unlock()
	g := &gc.group
	switch {
	case g.Status == StatusResolving:
		if len(gc.queued) == 0 {
			gc.qconf = ev.Confidence
		}
		gc.queued = union(gc.queued, changes)
		gc.qconf = min(gc.qconf, ev.Confidence)
		g.Queued = len(gc.queued)
		if c.cfg.SupersedeInFlight && gc.cancel != nil {
			gc.restart = true
			gc.cancel()
			log.Info("Conflict: superseding in-flight resolution", "groupId", id, "queued", len(gc.queued))
		}
	case g.Status.done():
		c.startGeneration(gc, changes, ev.Confidence)
	default:
		g.Members = union(g.Members, changes)
		g.Confidence = min(g.Confidence, ev.Confidence)
		g.Severity = c.classify(g.Confidence)
		g.Strategy = c.strategyFor(*g)
	}
	metrics.ConflictDetected(string(ev.Origin), string(g.Severity))
	out := cloneGroup(*g)
	return &out, nil
}

// startGeneration opens a new DETECTED round of the group. Caller holds
// gc.mu.
func (c *Coordinator) startGeneration(gc *groupContext, members []Change, confidence float64) {
	g := &gc.group
	g.Generation++
	g.Members = members
	g.Confidence = confidence
	g.Severity = c.classify(confidence)
	g.Strategy = c.strategyFor(*g)
	g.Status = StatusDetected
	g.DetectedAt = c.now()
	g.Queued = 0
	gc.queued, gc.qconf, gc.restart = nil, 0, false
}

// Group returns the current state of a group.
func (c *Coordinator) Group(groupID string) (Group, error) {
	gc := c.lookup(groupID)
	if gc == nil {
		return Group{}, &model.NotFoundError{Resource: "conflict group", ID: groupID}
	}
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return cloneGroup(gc.group), nil
}

// Groups lists the groups that are not settled, ordered by id.
func (c *Coordinator) Groups() []Group {
	c.mu.Lock()
	ids := slices.Sorted(maps.Keys(c.groups))
	gcs := make([]*groupContext, 0, len(ids))
	for _, id := range ids {
		gcs = append(gcs, c.groups[id])
	}
	c.mu.Unlock()

	var out []Group
	for _, gc := range gcs {
		gc.mu.Lock()
		if !gc.group.Status.done() {
			out = append(out, cloneGroup(gc.group))
		}
		gc.mu.Unlock()
	}
	return out
}

// Completed returns the retained resolutions of a group, oldest first.
func (c *Coordinator) Completed(groupID string) []Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Resolution, 0, len(c.completed[groupID]))
	for _, r := range c.completed[groupID] {
		out = append(out, cloneResolution(r))
	}
	return out
}

func (c *Coordinator) lookup(groupID string) *groupContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups[groupID]
}

// Resolve resolves a detected group. Concurrent calls for the same group
// join the resolution in flight; a settled group returns its last
// resolution. Resolve never blocks longer than the configured timeout plus
// the time to apply the outcome.
func (c *Coordinator) Resolve(ctx context.Context, groupID string) (Resolution, error) {
	gc := c.lookup(groupID)
	if gc == nil {
		return Resolution{}, &model.NotFoundError{Resource: "conflict group", ID: groupID}
	}

	gc.mu.Lock()
	switch {
	case gc.group.Status.done():
		res := cloneResolution(gc.result)
		gc.mu.Unlock()
		return res, nil
	case gc.group.Status == StatusResolving:
		done := gc.done
		gc.mu.Unlock()
		select {
		case <-done:
			gc.mu.Lock()
			defer gc.mu.Unlock()
			return cloneResolution(gc.result), nil
		case <-ctx.Done():
			return Resolution{}, ctx.Err()
		}
	}
	gc.group.Status = StatusResolving
	gc.started = c.now()
	gc.done = make(chan struct{})
	severity := gc.group.Severity
	gc.mu.Unlock()
	log.Info("Conflict: resolving", "groupId", groupID, "severity", severity)

	return c.run(context.WithoutCancel(ctx), gc), nil
}

// run owns the group until the resolution is recorded.
func (c *Coordinator) run(ctx context.Context, gc *groupContext) Resolution {
	for {
		gc.mu.Lock()
		g := cloneGroup(gc.group)
		var attempt context.Context
		var cancel context.CancelFunc
		if c.cfg.Timeout > 0 {
			attempt, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		} else {
			attempt, cancel = context.WithCancel(ctx)
		}
		gc.cancel = cancel
		gc.mu.Unlock()

		d, err := c.decide(attempt, g)
		timedOut := err != nil && errors.Is(attempt.Err(), context.DeadlineExceeded)
		cancel()

		gc.mu.Lock()
		gc.cancel = nil
		if gc.restart {
			gc.restart = false
			gr := &gc.group
			gr.Members = union(gr.Members, gc.queued)
			gr.Confidence = min(gr.Confidence, gc.qconf)
			gr.Severity = c.classify(gr.Confidence)
			gr.Strategy = c.strategyFor(*gr)
			gr.Queued = 0
			gc.queued, gc.qconf = nil, 0
			gc.mu.Unlock()
			continue
		}
		gc.mu.Unlock()

		if timedOut {
			err = &model.ResolutionTimeout{GroupID: g.ID}
		}
		return c.finish(ctx, gc, g, d, err)
	}
}

func (c *Coordinator) fallback(g Group, reason string) Resolution {
	return Resolution{
		GroupID:    g.ID,
		Generation: g.Generation,
		Origin:     g.Origin,
		TargetID:   g.TargetID,
		Field:      g.Field,
		Strategy:   StrategyNative,
		Status:     StatusEscalated,
		Severity:   g.Severity,
		Members:    g.Members,
		Chosen:     memberIDs(g.Members),
		Notice:     NoticeReview,
		Reason:     reason,
	}
}

func (c *Coordinator) apply(ctx context.Context, res Resolution) (uint64, error) {
	if c.applier == nil {
		return 0, nil
	}
	return c.applier.ApplyResolution(ctx, res)
}

func (c *Coordinator) finish(ctx context.Context, gc *groupContext, g Group, d decision, err error) Resolution {
	res := Resolution{
		GroupID:    g.ID,
		Generation: g.Generation,
		Origin:     g.Origin,
		TargetID:   g.TargetID,
		Field:      g.Field,
		Strategy:   g.Strategy,
		Status:     StatusResolved,
		Severity:   g.Severity,
		Members:    g.Members,
		Chosen:     d.chosen,
		Unchosen:   d.unchosen,
	}
	if err != nil {
		log.Warn("Conflict: falling back to native merge", "groupId", g.ID, "strategy", g.Strategy, "err", err)
		res = c.fallback(g, err.Error())
	}

	version, err := c.apply(ctx, res)
	if err != nil && res.Strategy != StrategyNative {
		log.Warn("Conflict: applying resolution failed, falling back to native merge", "groupId", g.ID, "strategy", res.Strategy, "err", err)
		res = c.fallback(g, err.Error())
		version, err = c.apply(ctx, res)
	}
	if err != nil {
		log.Error("Conflict: native resolution could not be applied", "groupId", g.ID, "err", err)
		res.Status = StatusEscalated
		res.Notice = NoticeReview
		res.Reason = err.Error()
	}
	res.TargetVersion = version
	res.ResolvedAt = c.now()

	gc.mu.Lock()
	took := res.ResolvedAt.Sub(gc.started)
	gc.result = res
	gc.group.Status = res.Status
	close(gc.done)
	if len(gc.queued) > 0 {
		c.startGeneration(gc, gc.queued, gc.qconf)
	}
	gc.mu.Unlock()

	c.mu.Lock()
	list := append(c.completed[g.ID], res)
	if n := c.cfg.RetainCompleted; n > 0 && len(list) > n {
		list = slices.Clone(list[len(list)-n:])
	}
	c.completed[g.ID] = list
	c.mu.Unlock()

	metrics.ConflictResolved(string(res.Strategy), string(res.Status), string(res.Severity), took)
	log.Info("Conflict: resolved", "groupId", g.ID, "strategy", res.Strategy, "status", res.Status, "chosen", len(res.Chosen), "unchosen", len(res.Unchosen))

	c.lmu.RLock()
	ls := slices.Clone(c.listeners)
	c.lmu.RUnlock()
	for _, l := range ls {
		l(cloneResolution(res))
	}
	return cloneResolution(res)
}

// CancelAll ends every attempt in flight. The groups fall back to the
// native merge and are escalated.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	gcs := slices.Collect(maps.Values(c.groups))
	c.mu.Unlock()
	for _, gc := range gcs {
		gc.mu.Lock()
		if gc.cancel != nil {
			gc.cancel()
		}
		gc.mu.Unlock()
	}
}

// Reapply applies a completed resolution again unless the target already
// reflects it. It reports whether anything was applied.
func (c *Coordinator) Reapply(ctx context.Context, res Resolution) (bool, error) {
	if c.applier == nil {
		return false, nil
	}
	current, err := c.applier.CurrentVersion(res.Origin, res.TargetID)
	if err != nil {
		return false, err
	}
	if current >= res.TargetVersion {
		return false, nil
	}
	if _, err := c.applier.ApplyResolution(ctx, res); err != nil {
		return false, err
	}
	return true, nil
}
