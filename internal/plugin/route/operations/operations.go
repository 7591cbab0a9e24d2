// Package operations mounts the inbound operation endpoints.
package operations

import (
	"net/http"

	"github.com/chirino/memory-sync/internal/model"
	"github.com/chirino/memory-sync/internal/plugin/route/httperr"
	registryroute "github.com/chirino/memory-sync/internal/registry/route"
	"github.com/chirino/memory-sync/internal/replica"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "operations",
		Order: 10,
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

// MountRoutes mounts the operation endpoints on the given router.
func MountRoutes(r *gin.Engine, rep *replica.Replica) {
	g := r.Group("/v1/operations")
	g.POST("", func(c *gin.Context) { ingest(c, rep) })
	g.POST("/:id/rollback", func(c *gin.Context) { rollback(c, rep) })
}

func ingest(c *gin.Context, rep *replica.Replica) {
	var msg model.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
		return
	}
	res, err := rep.Ingest(c.Request.Context(), msg)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	if res.Buffered {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func rollback(c *gin.Context, rep *replica.Replica) {
	res, err := rep.Rollback(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
