package httperr

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/memory-sync/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteMapsErrorKinds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", model.NewValidationError("op_type", "unknown"), http.StatusBadRequest, "validation_error"},
		{"not found", &model.NotFoundError{Resource: "memory", ID: "m1"}, http.StatusNotFound, "not_found"},
		{"causality", fmt.Errorf("submit: %w", &model.CausalityViolation{OperationID: "o", RelationshipID: "r"}), http.StatusConflict, "causality_violation"},
		{"embedding", &model.EmbeddingBackendUnavailable{MemoryID: "m1", Err: errors.New("down")}, http.StatusServiceUnavailable, "embedding_unavailable"},
		{"convergence", &model.ConvergenceFailure{DocumentID: "m1", Field: "title", Reason: "not idempotent"}, http.StatusInternalServerError, "convergence_failure"},
		{"other", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			Write(c, tc.err)
			require.Equal(t, tc.status, w.Code)
			if tc.code != "" {
				assert.Contains(t, w.Body.String(), `"code":"`+tc.code+`"`)
			}
			assert.NotContains(t, w.Body.String(), "not idempotent")
		})
	}
}
