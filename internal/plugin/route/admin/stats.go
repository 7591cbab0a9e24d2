package admin

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chirino/memory-sync/internal/config"
	"github.com/gin-gonic/gin"
	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

const (
	requestRateQuery     = `sum(rate(memory_sync_requests_total[5m]))`
	errorRateQuery       = `sum(rate(memory_sync_requests_total{status=~"5.."}[5m])) / sum(rate(memory_sync_requests_total[5m])) * 100`
	cacheHitRateQuery    = `sum(rate(memory_sync_cache_hits_total[5m])) / (sum(rate(memory_sync_cache_hits_total[5m])) + sum(rate(memory_sync_cache_misses_total[5m]))) * 100`
	embeddingStaleQuery  = `max(memory_sync_embedding_stale_records)`
	causalBufferQuery    = `max(memory_sync_causal_buffer_size)`
	operationRateQuery   = `sum(rate(memory_sync_operations_total[5m])) by (component)`
	conflictRateQuery    = `sum(rate(memory_sync_conflicts_detected_total[5m])) by (severity)`
	resolutionP95Query   = `histogram_quantile(0.95, sum(rate(memory_sync_resolution_duration_seconds_bucket[5m])) by (le, severity))`
	opLogLatencyP95Query = `histogram_quantile(0.95, sum(rate(memory_sync_oplog_latency_seconds_bucket[5m])) by (le, operation))`
)

const queryTimeout = 5 * time.Second

var errPrometheusNotConfigured = errors.New("prometheus not configured")

type timeSeriesPoint struct {
	Timestamp string   `json:"timestamp"`
	Value     *float64 `json:"value"`
}

type timeSeriesResponse struct {
	Metric string            `json:"metric"`
	Unit   string            `json:"unit"`
	Data   []timeSeriesPoint `json:"data"`
}

type labeledSeries struct {
	Label string            `json:"label"`
	Data  []timeSeriesPoint `json:"data"`
}

type multiSeriesResponse struct {
	Metric string          `json:"metric"`
	Unit   string          `json:"unit"`
	Series []labeledSeries `json:"series"`
}

// statsHandler answers the admin stats endpoints with range queries
// against the Prometheus server scraping this replica.
type statsHandler struct {
	api promv1.API
	err error
	now func() time.Time
}

func newStatsHandler(cfg *config.Config) *statsHandler {
	h := &statsHandler{now: time.Now, err: errPrometheusNotConfigured}
	if cfg == nil || strings.TrimSpace(cfg.PrometheusURL) == "" {
		return h
	}
	client, err := promapi.NewClient(promapi.Config{Address: strings.TrimSpace(cfg.PrometheusURL)})
	if err != nil {
		h.err = err
		return h
	}
	h.api, h.err = promv1.NewAPI(client), nil
	return h
}

func (h *statsHandler) query(c *gin.Context, promQL string) (model.Matrix, bool) {
	if h.err != nil {
		writeStatsError(c, h.err)
		return nil, false
	}
	r, err := h.parseRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return nil, false
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()
	val, _, err := h.api.QueryRange(ctx, promQL, r)
	if err != nil {
		writeStatsError(c, err)
		return nil, false
	}
	m, _ := val.(model.Matrix)
	return m, true
}

func (h *statsHandler) rangeHandler(promQL, metric, unit string) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.query(c, promQL)
		if !ok {
			return
		}
		resp := timeSeriesResponse{Metric: metric, Unit: unit, Data: []timeSeriesPoint{}}
		if len(m) > 0 {
			resp.Data = points(m[0].Values)
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *statsHandler) multiSeriesHandler(promQL, metric, unit, labelKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.query(c, promQL)
		if !ok {
			return
		}
		resp := multiSeriesResponse{Metric: metric, Unit: unit, Series: []labeledSeries{}}
		for _, stream := range m {
			label := strings.TrimSpace(string(stream.Metric[model.LabelName(labelKey)]))
			if label == "" {
				label = "unknown"
			}
			resp.Series = append(resp.Series, labeledSeries{Label: label, Data: points(stream.Values)})
		}
		c.JSON(http.StatusOK, resp)
	}
}

// parseRange reads start, end and step. Times are RFC 3339 or unix
// seconds; the default window is the last hour at one minute steps.
func (h *statsHandler) parseRange(c *gin.Context) (promv1.Range, error) {
	now := h.now().UTC()
	r := promv1.Range{Start: now.Add(-time.Hour), End: now, Step: time.Minute}
	var err error
	if v := strings.TrimSpace(c.Query("start")); v != "" {
		if r.Start, err = parseTime(v); err != nil {
			return r, err
		}
	}
	if v := strings.TrimSpace(c.Query("end")); v != "" {
		if r.End, err = parseTime(v); err != nil {
			return r, err
		}
	}
	if v := strings.TrimSpace(c.Query("step")); v != "" {
		d, err := model.ParseDuration(v)
		if err != nil || d <= 0 {
			return r, errors.New("step must be a positive duration")
		}
		r.Step = time.Duration(d)
	}
	if !r.End.After(r.Start) {
		return r, errors.New("end must be after start")
	}
	return r, nil
}

func parseTime(v string) (time.Time, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("times must be RFC 3339 or unix seconds")
	}
	return t, nil
}

// points converts samples; NaN and infinities become null.
func points(samples []model.SamplePair) []timeSeriesPoint {
	out := make([]timeSeriesPoint, 0, len(samples))
	for _, s := range samples {
		p := timeSeriesPoint{Timestamp: s.Timestamp.Time().UTC().Format(time.RFC3339)}
		if v := float64(s.Value); !math.IsNaN(v) && !math.IsInf(v, 0) {
			p.Value = &v
		}
		out = append(out, p)
	}
	return out
}

func writeStatsError(c *gin.Context, err error) {
	if errors.Is(err, errPrometheusNotConfigured) {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Prometheus not configured",
			"code":  "prometheus_not_configured",
			"details": gin.H{
				"message": "Set --prometheus-url to enable admin stats.",
			},
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "Prometheus unavailable",
		"code":    "prometheus_unavailable",
		"details": gin.H{"message": err.Error()},
	})
}
