// Package memories mounts the memory and relationship read endpoints.
package memories

import (
	"net/http"
	"strconv"

	"github.com/chirino/memory-sync/internal/plugin/route/httperr"
	registryroute "github.com/chirino/memory-sync/internal/registry/route"
	"github.com/chirino/memory-sync/internal/replica"
	"github.com/gin-gonic/gin"
)

const (
	defaultSimilarLimit = 10
	maxSimilarLimit     = 100
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "memories",
		Order: 20,
		Type:  registryroute.Main,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			if deps.Replica == nil {
				return registryroute.ErrNoReplica
			}
			MountRoutes(r, deps.Replica)
			return nil
		},
	})
}

// MountRoutes mounts the read endpoints on the given router.
func MountRoutes(r *gin.Engine, rep *replica.Replica) {
	g := r.Group("/v1")
	g.GET("/memories/:id", func(c *gin.Context) { getMemory(c, rep) })
	g.GET("/memories/:id/embedding", func(c *gin.Context) { getEmbedding(c, rep) })
	g.GET("/memories/:id/similar", func(c *gin.Context) { similar(c, rep) })
	g.GET("/relationships/:id", func(c *gin.Context) { getRelationship(c, rep) })
}

func getMemory(c *gin.Context, rep *replica.Replica) {
	v, err := rep.Memory(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.Header("ETag", strconv.Quote(v.ViewDigest))
	if match := c.GetHeader("If-None-Match"); match != "" && match == strconv.Quote(v.ViewDigest) {
		c.Status(http.StatusNotModified)
		return
	}
	c.JSON(http.StatusOK, v)
}

func getEmbedding(c *gin.Context, rep *replica.Replica) {
	v, err := rep.Embedding(c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	// a stale or missing vector is still a valid answer
	if v.Stale {
		c.JSON(http.StatusAccepted, v)
		return
	}
	c.JSON(http.StatusOK, v)
}

func similar(c *gin.Context, rep *replica.Replica) {
	limit := defaultSimilarLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxSimilarLimit {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "limit must be between 1 and 100", "field": "limit"})
			return
		}
		limit = n
	}
	hits, err := rep.Similar(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": hits})
}

func getRelationship(c *gin.Context, rep *replica.Replica) {
	state, err := rep.Relationship(c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}
