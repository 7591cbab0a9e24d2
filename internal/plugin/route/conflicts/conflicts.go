// Package conflicts mounts the conflict inspection and choice endpoints.
package conflicts

import (
	"net/http"

	"github.com/chirino/memory-sync/internal/plugin/route/httperr"
	registryroute "github.com/chirino/memory-sync/internal/registry/route"
	"github.com/chirino/memory-sync/internal/replica"
	"github.com/gin-gonic/gin"
)

type choiceRequest struct {
	Chosen []string `json:"chosen"`
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "conflicts",
		Order: 30,
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

// MountRoutes mounts the conflict endpoints on the given router.
func MountRoutes(r *gin.Engine, rep *replica.Replica) {
	g := r.Group("/v1/conflicts")
	g.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": rep.Conflicts()})
	})
	g.GET("/:id", func(c *gin.Context) {
		v, err := rep.Conflict(c.Param("id"))
		if err != nil {
			httperr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	})
	g.POST("/:id/choice", func(c *gin.Context) {
		var req choiceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error()})
			return
		}
		if err := rep.Choose(c.Param("id"), req.Chosen); err != nil {
			httperr.Write(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	})
}
