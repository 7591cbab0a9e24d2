package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/metrics"
	"github.com/chirino/memory-sync/internal/model"
	registryembed "github.com/chirino/memory-sync/internal/registry/embed"
	registryvector "github.com/chirino/memory-sync/internal/registry/vector"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var errNotEmbedded = errors.New("memory has not been embedded yet")

// ContentSource supplies the current embedding text of a memory.
type ContentSource interface {
	Content(memoryID string) (text string, version uint64, err error)
}

// EmbeddingConfig tunes the embedding manager.
type EmbeddingConfig struct {
	// Debounce delays a job after the last change so bursts of edits
	// produce one backend call.
	Debounce time.Duration
	// MaxLag bounds how long a changed memory may wait for its embedding.
	MaxLag time.Duration
	// MaxLagOps bounds how many changes may coalesce before the job runs.
	MaxLagOps int
	// MaxInFlight is the number of concurrent backend calls.
	MaxInFlight int
	// RateLimit is backend requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int
	// RetryInitial and RetryMax shape the exponential retry schedule.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// BreakerFailures is the number of consecutive failures that open the
	// circuit; BreakerTimeout is how long it stays open.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// PollInterval is how often the scheduler looks for due jobs.
	PollInterval time.Duration
}

func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Debounce:        500 * time.Millisecond,
		MaxLag:          30 * time.Second,
		MaxLagOps:       50,
		MaxInFlight:     4,
		RateLimit:       0,
		RateBurst:       1,
		RetryInitial:    time.Second,
		RetryMax:        time.Minute,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
		PollInterval:    100 * time.Millisecond,
	}
}

// Completion reports a finished embedding job.
type Completion struct {
	MemoryID    string
	ContentHash string
	Version     uint64
	Err         error
}

// JobInfo describes a queued embedding job.
type JobInfo struct {
	MemoryID string    `json:"memory_id"`
	Changes  int       `json:"changes"`
	Due      time.Time `json:"due"`
	Running  bool      `json:"running"`
	Attempts int       `json:"attempts"`
}

type embeddingJob struct {
	memoryID string
	first    time.Time
	changes  int
	due      time.Time
	running  bool
	dirty    bool
	retry    *backoff.ExponentialBackOff
}

// EmbeddingManager keeps memory embeddings in step with content without
// ever blocking edits. Changes coalesce into one job per memory; jobs run
// on a bounded worker pool behind a rate limiter and a circuit breaker, and
// failed jobs retry with exponential backoff while the record stays stale.
type EmbeddingManager struct {
	cfg      EmbeddingConfig
	source   ContentSource
	embedder registryembed.Embedder
	vector   registryvector.VectorStore
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	now      func() time.Time

	mu      sync.Mutex
	records map[string]*model.EmbeddingRecord
	jobs    map[string]*embeddingJob

	queue       chan string
	wake        chan struct{}
	completions chan Completion
}

// NewEmbeddingManager creates a manager. vector may be nil.
func NewEmbeddingManager(cfg EmbeddingConfig, source ContentSource, embedder registryembed.Embedder, vector registryvector.VectorStore) *EmbeddingManager {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	m := &EmbeddingManager{
		cfg:         cfg,
		source:      source,
		embedder:    embedder,
		vector:      vector,
		limiter:     rate.NewLimiter(limit, max(cfg.RateBurst, 1)),
		now:         time.Now,
		records:     map[string]*model.EmbeddingRecord{},
		jobs:        map[string]*embeddingJob{},
		queue:       make(chan string, cfg.MaxInFlight),
		wake:        make(chan struct{}, 1),
		completions: make(chan Completion, 256),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding-backend",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.BreakerFailures > 0 && counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Embedding: circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			metrics.EmbeddingBreakerState(int(to))
		},
	})
	return m
}

// Completions delivers finished jobs. Completions are dropped when nobody
// drains the channel.
func (m *EmbeddingManager) Completions() <-chan Completion {
	return m.completions
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// OnFieldChanged records that a field's rendered value changed. It only
// marks the embedding stale and schedules a job.
func (m *EmbeddingManager) OnFieldChanged(memoryID string, field model.FieldName, oldHash, newHash string) {
	if !field.IsEmbedded() || oldHash == newHash {
		return
	}
	m.mu.Lock()
	m.markChanged(memoryID)
	m.mu.Unlock()
	m.signal()
}

// markChanged is called with m.mu held.
func (m *EmbeddingManager) markChanged(memoryID string) {
	now := m.now()
	rec := m.record(memoryID)
	rec.Stale = true
	rec.UpdatedAt = now

	j, ok := m.jobs[memoryID]
	if !ok {
		j = &embeddingJob{memoryID: memoryID, first: now, retry: m.newRetry()}
		m.jobs[memoryID] = j
	}
	if j.running {
		j.dirty = true
	}
	j.changes++
	due := now.Add(m.cfg.Debounce)
	if m.cfg.MaxLag > 0 {
		if deadline := j.first.Add(m.cfg.MaxLag); deadline.Before(due) {
			due = deadline
		}
	}
	if m.cfg.MaxLagOps > 0 && j.changes >= m.cfg.MaxLagOps {
		due = now
	}
	// a job waiting on a retry keeps its retry time
	if rec.Attempts == 0 || j.due.IsZero() {
		j.due = due
	}
	m.updateStaleGauge()
}

func (m *EmbeddingManager) record(memoryID string) *model.EmbeddingRecord {
	rec, ok := m.records[memoryID]
	if !ok {
		rec = &model.EmbeddingRecord{MemoryID: memoryID, Stale: true}
		m.records[memoryID] = rec
	}
	return rec
}

func (m *EmbeddingManager) newRetry() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitial
	b.MaxInterval = m.cfg.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (m *EmbeddingManager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *EmbeddingManager) updateStaleGauge() {
	n := 0
	for _, r := range m.records {
		if r.Stale {
			n++
		}
	}
	metrics.EmbeddingStale(n)
}

// GetEmbedding returns the last computed vector of a memory and whether it
// lags behind the content. A memory without a record gets one and a job.
func (m *EmbeddingManager) GetEmbedding(memoryID string) ([]float32, bool, error) {
	m.mu.Lock()
	rec, ok := m.records[memoryID]
	if ok {
		vec, stale := slices.Clone(rec.Vector), rec.Stale
		m.mu.Unlock()
		return vec, stale, nil
	}
	m.mu.Unlock()

	if _, _, err := m.source.Content(memoryID); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	if _, ok := m.records[memoryID]; !ok {
		m.markChanged(memoryID)
		m.jobs[memoryID].due = m.now()
	}
	m.mu.Unlock()
	m.signal()
	return nil, true, nil
}

// Record returns a copy of the embedding record of a memory.
func (m *EmbeddingManager) Record(memoryID string) (model.EmbeddingRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memoryID]
	if !ok {
		return model.EmbeddingRecord{}, false
	}
	out := *rec
	out.Vector = slices.Clone(rec.Vector)
	return out, true
}

// Jobs lists queued jobs ordered by memory id.
func (m *EmbeddingManager) Jobs() []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobInfo, 0, len(m.jobs))
	for _, id := range slices.Sorted(maps.Keys(m.jobs)) {
		j := m.jobs[id]
		out = append(out, JobInfo{
			MemoryID: id,
			Changes:  j.changes,
			Due:      j.due,
			Running:  j.running,
			Attempts: m.records[id].Attempts,
		})
	}
	return out
}

// Refresh makes the job of a memory due now, skipping any retry wait. It
// reports false for a memory that has no stale record.
func (m *EmbeddingManager) Refresh(memoryID string) bool {
	m.mu.Lock()
	rec, ok := m.records[memoryID]
	if !ok || !rec.Stale {
		m.mu.Unlock()
		return false
	}
	j, ok := m.jobs[memoryID]
	if !ok {
		m.markChanged(memoryID)
		j = m.jobs[memoryID]
	}
	if !j.running {
		j.due = m.now()
	}
	m.mu.Unlock()
	m.signal()
	return true
}

// Similar returns the memories whose embeddings are closest to the one of
// memoryID, excluding the memory itself.
func (m *EmbeddingManager) Similar(ctx context.Context, memoryID string, limit int) ([]registryvector.SearchResult, error) {
	if m.vector == nil {
		return nil, model.NewValidationError("vector", "no vector store is configured")
	}
	vec, _, err := m.GetEmbedding(memoryID)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, &model.EmbeddingBackendUnavailable{MemoryID: memoryID, Err: errNotEmbedded}
	}
	hits, err := m.vector.Search(ctx, registryvector.Query{
		Vector:  vec,
		Model:   m.embedder.ModelName(),
		Exclude: []string{memoryID},
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return hits, nil
}

// Forget drops the record, job and vector of a deleted or purged memory.
func (m *EmbeddingManager) Forget(ctx context.Context, memoryID string) {
	m.mu.Lock()
	delete(m.records, memoryID)
	delete(m.jobs, memoryID)
	m.updateStaleGauge()
	m.mu.Unlock()
	if m.vector != nil {
		if err := m.vector.Delete(ctx, memoryID); err != nil {
			log.Error("Embedding: vector delete failed", "memoryId", memoryID, "err", err)
		}
	}
}

// Start runs the scheduler and workers until ctx is cancelled.
func (m *EmbeddingManager) Start(ctx context.Context) {
	if m.embedder == nil {
		log.Info("Embedding manager disabled (no embedder)")
		<-ctx.Done()
		return
	}
	var wg sync.WaitGroup
	for range m.cfg.MaxInFlight {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-m.queue:
					m.run(ctx, id)
				}
			}
		}()
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
		case <-m.wake:
		}
		m.dispatch(ctx)
	}
}

// dispatch hands due jobs to the workers.
func (m *EmbeddingManager) dispatch(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	var due []*embeddingJob
	for _, j := range m.jobs {
		if !j.running && !j.due.After(now) {
			due = append(due, j)
		}
	}
	slices.SortFunc(due, func(a, b *embeddingJob) int { return a.due.Compare(b.due) })
	m.mu.Unlock()

	for _, j := range due {
		m.mu.Lock()
		if m.jobs[j.memoryID] != j || j.running {
			m.mu.Unlock()
			continue
		}
		j.running = true
		m.mu.Unlock()

		select {
		case m.queue <- j.memoryID:
		case <-ctx.Done():
			return
		default:
			// every worker is busy
			m.mu.Lock()
			j.running = false
			m.mu.Unlock()
			return
		}
	}
}

func (m *EmbeddingManager) run(ctx context.Context, memoryID string) {
	text, version, err := m.source.Content(memoryID)
	if model.IsNotFound(err) {
		// deleted memories keep no record and no vector
		log.Debug("Embedding: memory is gone, dropping its record", "memoryId", memoryID)
		m.Forget(ctx, memoryID)
		return
	}
	if err == nil {
		err = m.limiter.Wait(ctx)
	}
	if ctx.Err() != nil {
		return
	}

	hash := hashText(text)
	var vec []float32
	if err == nil {
		vec, err = m.embed(ctx, memoryID, text, hash, version)
	}

	m.mu.Lock()
	j := m.jobs[memoryID]
	if j == nil {
		// forgotten while running
		m.mu.Unlock()
		return
	}
	rec := m.record(memoryID)
	now := m.now()
	if err != nil {
		rec.Attempts++
		rec.LastError = err.Error()
		wait := j.retry.NextBackOff()
		rec.NextAttemptAt = now.Add(wait)
		j.due = rec.NextAttemptAt
		j.running = false
		j.dirty = false
		m.mu.Unlock()

		metrics.EmbeddingJob("failed")
		log.Warn("Embedding: job failed, will retry", "memoryId", memoryID, "attempt", rec.Attempts, "retryIn", wait, "err", err)
		m.complete(Completion{MemoryID: memoryID, ContentHash: hash, Version: version, Err: &model.EmbeddingBackendUnavailable{MemoryID: memoryID, Err: err}})
		return
	}

	rec.Vector = vec
	rec.Model = m.embedder.ModelName()
	rec.ContentHash = hash
	rec.SyncedHash = hash
	rec.LastSyncedVersion = version
	rec.Attempts = 0
	rec.LastError = ""
	rec.NextAttemptAt = time.Time{}
	rec.UpdatedAt = now
	if j.dirty {
		// content changed while the job ran
		j.dirty = false
		j.running = false
		j.first = now
		j.changes = 0
		j.due = now.Add(m.cfg.Debounce)
		j.retry.Reset()
		rec.Stale = true
	} else {
		delete(m.jobs, memoryID)
		rec.Stale = false
	}
	m.updateStaleGauge()
	m.mu.Unlock()

	metrics.EmbeddingJob("succeeded")
	m.complete(Completion{MemoryID: memoryID, ContentHash: hash, Version: version})
}

// embed calls the backend through the circuit breaker and persists the
// vector. An unchanged content hash reuses the current vector.
func (m *EmbeddingManager) embed(ctx context.Context, memoryID, text, hash string, version uint64) ([]float32, error) {
	m.mu.Lock()
	rec := m.record(memoryID)
	if rec.SyncedHash == hash && rec.Vector != nil {
		vec := rec.Vector
		m.mu.Unlock()
		return vec, nil
	}
	m.mu.Unlock()

	out, err := m.breaker.Execute(func() (interface{}, error) {
		return registryembed.EmbedOne(ctx, m.embedder, text)
	})
	if err != nil {
		metrics.EmbeddingBackendError()
		return nil, err
	}
	vec := out.([]float32)

	if m.vector != nil {
		err := m.vector.Upsert(ctx, []registryvector.Entry{{
			MemoryID:    memoryID,
			Vector:      vec,
			Model:       m.embedder.ModelName(),
			ContentHash: hash,
			Version:     version,
		}})
		if err != nil {
			return nil, err
		}
	}
	return vec, nil
}

func (m *EmbeddingManager) complete(c Completion) {
	select {
	case m.completions <- c:
	default:
	}
}
