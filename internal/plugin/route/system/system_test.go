package system

import (
	"net/http"
	"net/http/httptest"
	"testing"

	registryroute "github.com/chirino/memory-sync/internal/registry/route"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadinessFollowsMarkers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	require.NoError(t, registryroute.Mount(r, registryroute.Management, registryroute.Deps{}))
	require.Equal(t, []string{"system"}, registryroute.Names(registryroute.Management))
	get := func(path string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, get("/health"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready"))
	MarkReady()
	assert.Equal(t, http.StatusOK, get("/ready"))
	MarkNotReady()
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
}
