package metrics

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	operationsTotal          *prometheus.CounterVec
	rejectionsTotal          *prometheus.CounterVec
	convergenceFailuresTotal *prometheus.CounterVec
	causalBufferSize         prometheus.Gauge

	embeddingJobsTotal     *prometheus.CounterVec
	embeddingStaleRecords  prometheus.Gauge
	embeddingBreakerState  prometheus.Gauge
	embeddingBackendErrors prometheus.Counter

	conflictsDetectedTotal *prometheus.CounterVec
	conflictsResolvedTotal *prometheus.CounterVec
	resolutionDuration     *prometheus.HistogramVec

	// OpLogLatency can be used by op log implementations to record operation latency.
	OpLogLatency *prometheus.HistogramVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge

	// DBPoolMaxConnections tracks the configured maximum database connections.
	DBPoolMaxConnections prometheus.Gauge
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Safe to call multiple times; only the first call registers. Until it is
// called every recording helper is a no-op.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_sync_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memory_sync_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	operationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "memory_sync_operations_total",
		Help: "Operations integrated, by component and op type",
	}, []string{"component", "op"})

	rejectionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "memory_sync_rejections_total",
		Help: "Operations rejected, by component and reason",
	}, []string{"component", "reason"})

	convergenceFailuresTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "memory_sync_convergence_failures_total",
		Help: "Merges that failed algebraic verification",
	}, []string{"component"})

	causalBufferSize = f.NewGauge(prometheus.GaugeOpts{
		Name: "memory_sync_causal_buffer_size",
		Help: "Relationship operations waiting for their CREATE",
	})

	embeddingJobsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "memory_sync_embedding_jobs_total",
		Help: "Embedding jobs finished, by outcome",
	}, []string{"outcome"})

	embeddingStaleRecords = f.NewGauge(prometheus.GaugeOpts{
		Name: "memory_sync_embedding_stale_records",
		Help: "Embedding records that do not reflect current content",
	})

	embeddingBreakerState = f.NewGauge(prometheus.GaugeOpts{
		Name: "memory_sync_embedding_breaker_state",
		Help: "Embedding backend circuit breaker state (0 closed, 1 half-open, 2 open)",
	})

	embeddingBackendErrors = f.NewCounter(prometheus.CounterOpts{
		Name: "memory_sync_embedding_backend_errors_total",
		Help: "Failed calls to the embedding backend",
	})

	conflictsDetectedTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "memory_sync_conflicts_detected_total",
		Help: "Conflict groups detected, by origin and severity",
	}, []string{"origin", "severity"})

	conflictsResolvedTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "memory_sync_conflicts_resolved_total",
		Help: "Conflict resolutions finished, by strategy and status",
	}, []string{"strategy", "status"})

	resolutionDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "memory_sync_resolution_duration_seconds",
		Help:    "Time from detection to resolution",
		Buckets: prometheus.DefBuckets,
	}, []string{"severity"})

	OpLogLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memory_sync_oplog_latency_seconds",
			Help:    "Op log operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "memory_sync_cache_hits_total",
		Help: "Total snapshot cache hits",
	})

	CacheMissesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "memory_sync_cache_misses_total",
		Help: "Total snapshot cache misses",
	})

	DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "memory_sync_db_pool_open_connections",
		Help: "Number of open database connections",
	})

	DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "memory_sync_db_pool_max_connections",
		Help: "Maximum number of database connections",
	})
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}

func OperationApplied(component, op string) {
	if operationsTotal != nil {
		operationsTotal.WithLabelValues(component, op).Inc()
	}
}

func OperationRejected(component, reason string) {
	if rejectionsTotal != nil {
		rejectionsTotal.WithLabelValues(component, reason).Inc()
	}
}

func ConvergenceFailure(component string) {
	if convergenceFailuresTotal != nil {
		convergenceFailuresTotal.WithLabelValues(component).Inc()
	}
}

func CausalBufferSize(n int) {
	if causalBufferSize != nil {
		causalBufferSize.Set(float64(n))
	}
}

func EmbeddingJob(outcome string) {
	if embeddingJobsTotal != nil {
		embeddingJobsTotal.WithLabelValues(outcome).Inc()
	}
}

func EmbeddingStale(n int) {
	if embeddingStaleRecords != nil {
		embeddingStaleRecords.Set(float64(n))
	}
}

func EmbeddingBreakerState(state int) {
	if embeddingBreakerState != nil {
		embeddingBreakerState.Set(float64(state))
	}
}

func EmbeddingBackendError() {
	if embeddingBackendErrors != nil {
		embeddingBackendErrors.Inc()
	}
}

func ConflictDetected(origin, severity string) {
	if conflictsDetectedTotal != nil {
		conflictsDetectedTotal.WithLabelValues(origin, severity).Inc()
	}
}

func ConflictResolved(strategy, status, severity string, took time.Duration) {
	if conflictsResolvedTotal != nil {
		conflictsResolvedTotal.WithLabelValues(strategy, status).Inc()
		resolutionDuration.WithLabelValues(severity).Observe(took.Seconds())
	}
}

// ObserveOpLog records the latency of an op log call started at start.
func ObserveOpLog(op string, start time.Time) {
	if OpLogLatency != nil {
		OpLogLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func CacheHit() {
	if CacheHitsTotal != nil {
		CacheHitsTotal.Inc()
	}
}

func CacheMiss() {
	if CacheMissesTotal != nil {
		CacheMissesTotal.Inc()
	}
}
