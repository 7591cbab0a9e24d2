// Package httperr maps replica errors onto HTTP responses.
package httperr

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/model"
	"github.com/gin-gonic/gin"
)

// Write renders err with the status its kind maps to. Convergence failures
// and unexpected errors are logged and reported opaquely.
func Write(c *gin.Context, err error) {
	var validation *model.ValidationError
	var notFound *model.NotFoundError
	var causality *model.CausalityViolation
	var unavailable *model.EmbeddingBackendUnavailable

	switch {
	case err == nil:
		return
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &causality):
		c.JSON(http.StatusConflict, gin.H{"code": "causality_violation", "error": err.Error(), "relationship_id": causality.RelationshipID})
	case errors.As(err, &unavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "embedding_unavailable", "error": "embedding backend unavailable"})
	case model.IsConvergence(err):
		log.Error("Convergence failure", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "convergence_failure", "error": "merge rejected"})
	default:
		log.Error("API error", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
