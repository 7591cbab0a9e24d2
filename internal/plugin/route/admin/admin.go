package admin

import (
	"io"
	"net/http"

	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/conflict/policy"
	"github.com/chirino/memory-sync/internal/plugin/route/httperr"
	registryroute "github.com/chirino/memory-sync/internal/registry/route"
	"github.com/chirino/memory-sync/internal/replica"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "admin",
		Order: 40,
		Type:  registryroute.Main,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			if deps.Replica == nil {
				return registryroute.ErrNoReplica
			}
			MountRoutes(r, deps.Replica, deps.Config, deps.Policy)
			return nil
		},
	})
}

// MountRoutes mounts admin API routes. pol may be nil when no strategy
// policy is loaded.
func MountRoutes(r *gin.Engine, rep *replica.Replica, cfg *config.Config, pol *policy.Engine) {
	g := r.Group("/v1/admin")

	g.GET("/status", func(c *gin.Context) {
		adminStatus(c, rep)
	})
	g.POST("/compact", func(c *gin.Context) {
		adminCompact(c, rep)
	})
	g.GET("/quarantine", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": rep.Quarantined()})
	})
	g.POST("/conflicts/:id/reapply", func(c *gin.Context) {
		adminReapply(c, rep)
	})
	if pol != nil {
		g.GET("/conflict-policy", func(c *gin.Context) {
			c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(pol.Source()))
		})
		g.PUT("/conflict-policy", func(c *gin.Context) {
			replacePolicy(c, pol)
		})
	}

	// Stats are read back from Prometheus.
	stats := newStatsHandler(cfg)
	g.GET("/stats/request-rate", stats.rangeHandler(requestRateQuery, "request_rate", "requests/sec"))
	g.GET("/stats/error-rate", stats.rangeHandler(errorRateQuery, "error_rate", "percent"))
	g.GET("/stats/cache-hit-rate", stats.rangeHandler(cacheHitRateQuery, "cache_hit_rate", "percent"))
	g.GET("/stats/embedding-stale", stats.rangeHandler(embeddingStaleQuery, "embedding_stale", "records"))
	g.GET("/stats/causal-buffer", stats.rangeHandler(causalBufferQuery, "causal_buffer", "operations"))
	g.GET("/stats/operation-rate", stats.multiSeriesHandler(operationRateQuery, "operation_rate", "operations/sec", "component"))
	g.GET("/stats/conflict-rate", stats.multiSeriesHandler(conflictRateQuery, "conflict_rate", "groups/sec", "severity"))
	g.GET("/stats/resolution-p95", stats.multiSeriesHandler(resolutionP95Query, "resolution_p95", "seconds", "severity"))
	g.GET("/stats/oplog-latency-p95", stats.multiSeriesHandler(opLogLatencyP95Query, "oplog_latency_p95", "seconds", "operation"))
}

type statusResponse struct {
	Head          int64    `json:"head"`
	Memories      int      `json:"memories"`
	Relationships int      `json:"relationships"`
	OpenConflicts int      `json:"open_conflicts"`
	Quarantined   int      `json:"quarantined"`
	Deleted       []string `json:"deleted,omitempty"`
}

func adminStatus(c *gin.Context, rep *replica.Replica) {
	c.JSON(http.StatusOK, statusResponse{
		Head:          rep.Head(),
		Memories:      len(rep.Store().IDs()),
		Relationships: len(rep.Relationships()),
		OpenConflicts: len(rep.Conflicts()),
		Quarantined:   len(rep.Quarantined()),
		Deleted:       rep.Store().Deleted(),
	})
}

func adminCompact(c *gin.Context, rep *replica.Replica) {
	res, err := rep.Compact(c.Request.Context())
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// adminReapply applies the latest resolution of a group again when the
// target no longer reflects it.
func adminReapply(c *gin.Context, rep *replica.Replica) {
	v, err := rep.Conflict(c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	if len(v.Resolutions) == 0 {
		c.JSON(http.StatusConflict, gin.H{"code": "not_resolved", "error": "conflict group has no resolution yet"})
		return
	}
	latest := v.Resolutions[len(v.Resolutions)-1]
	applied, err := rep.Coordinator().Reapply(c.Request.Context(), latest)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied, "resolution": latest})
}

// replacePolicy swaps in the Rego policy in the request body.
func replacePolicy(c *gin.Context, pol *policy.Engine) {
	src, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	if err := pol.Replace(c.Request.Context(), string(src)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_policy", "error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
