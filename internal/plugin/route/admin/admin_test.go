package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/conflict"
	"github.com/chirino/memory-sync/internal/conflict/policy"
	"github.com/chirino/memory-sync/internal/plugin/oplog/memory"
	"github.com/chirino/memory-sync/internal/plugin/route/admin"
	"github.com/chirino/memory-sync/internal/plugin/route/operations"
	"github.com/chirino/memory-sync/internal/replica"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func setup(t *testing.T) (*gin.Engine, *replica.Replica, *policy.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	pol, err := policy.New(context.Background(), "", conflict.StrategyStrength)
	require.NoError(t, err)

	opts := replica.DefaultOptions()
	opts.Log = memory.New()
	opts.Conflicts.Timeout = 5 * time.Second
	opts.Conflicts.Policy = pol
	rep, err := replica.New(opts)
	require.NoError(t, err)
	t.Cleanup(rep.Close)

	cfg := config.DefaultConfig()
	r := gin.New()
	operations.MountRoutes(r, rep)
	admin.MountRoutes(r, rep, &cfg, pol)
	return r, rep, pol
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func post(t *testing.T, r http.Handler, msg map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(msg))
	w := do(t, r, http.MethodPost, "/v1/operations", buf.String())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func title(doc, user, text string) map[string]any {
	return map[string]any{
		"document_id": doc,
		"component":   "FIELD",
		"op_type":     "APPLY",
		"field":       "title",
		"payload":     map[string]any{"kind": "insert", "text": text},
		"user_id":     user,
	}
}

func TestStatusAndCompaction(t *testing.T) {
	r, _, _ := setup(t)
	post(t, r, title("M1", "alice", "Plan"))
	post(t, r, title("M2", "bob", "Notes"))
	post(t, r, map[string]any{"document_id": "M2", "component": "FIELD", "op_type": "DELETE_MEMORY", "user_id": "bob"})

	w := do(t, r, http.MethodGet, "/v1/admin/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.EqualValues(t, 3, status["head"])
	assert.EqualValues(t, 2, status["memories"])
	assert.Equal(t, []any{"M2"}, status["deleted"])

	w = do(t, r, http.MethodPost, "/v1/admin/compact", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res replica.CompactionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Skipped)
	assert.EqualValues(t, 3, res.SequenceNo)
	assert.Equal(t, []string{"M2"}, res.Purged)

	w = do(t, r, http.MethodGet, "/v1/admin/quarantine", "")
	require.Equal(t, http.StatusOK, w.Code)
	var quarantine struct {
		Data []any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quarantine))
	assert.Empty(t, quarantine.Data)
}

func TestReapplyUnknownGroup(t *testing.T) {
	r, _, _ := setup(t)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/v1/admin/conflicts/nope/reapply", "").Code)
}

func TestConflictPolicyEndpoints(t *testing.T) {
	r, _, pol := setup(t)

	w := do(t, r, http.MethodGet, "/v1/admin/conflict-policy", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "package memorysync.conflict")

	w = do(t, r, http.MethodPut, "/v1/admin/conflict-policy", "package memorysync.conflict\nstrategy = {")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_policy")

	src := "package memorysync.conflict\n\nstrategy = \"USER_PRIORITY\"\n"
	w = do(t, r, http.MethodPut, "/v1/admin/conflict-policy", src)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, strings.TrimSpace(src), pol.Source())
}

func TestStatsWithoutPrometheus(t *testing.T) {
	r, _, _ := setup(t)
	for _, path := range []string{"/v1/admin/stats/request-rate", "/v1/admin/stats/conflict-rate"} {
		w := do(t, r, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotImplemented, w.Code)
		assert.Contains(t, w.Body.String(), "prometheus_not_configured")
	}
}

func TestStatsFromPrometheus(t *testing.T) {
	prom := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/api/v1/query_range", req.URL.Path)
		require.NoError(t, req.ParseForm())
		assert.Contains(t, req.Form.Get("query"), "memory_sync_conflicts_detected_total")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"matrix","result":[
			{"metric":{"severity":"HIGH"},"values":[[1700000000,"0.5"],[1700000060,"NaN"]]}
		]}}`))
	}))
	defer prom.Close()

	gin.SetMode(gin.TestMode)
	opts := replica.DefaultOptions()
	opts.Log = memory.New()
	rep, err := replica.New(opts)
	require.NoError(t, err)
	defer rep.Close()
	cfg := config.DefaultConfig()
	cfg.PrometheusURL = prom.URL
	r := gin.New()
	admin.MountRoutes(r, rep, &cfg, nil)

	w := do(t, r, http.MethodGet, "/v1/admin/stats/conflict-rate", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Metric string `json:"metric"`
		Series []struct {
			Label string `json:"label"`
			Data  []struct {
				Value *float64 `json:"value"`
			} `json:"data"`
		} `json:"series"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "conflict_rate", body.Metric)
	require.Len(t, body.Series, 1)
	assert.Equal(t, "HIGH", body.Series[0].Label)
	require.Len(t, body.Series[0].Data, 2)
	assert.Equal(t, 0.5, *body.Series[0].Data[0].Value)
	assert.Nil(t, body.Series[0].Data[1].Value)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/v1/admin/stats/conflict-rate?step=-1m", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/v1/admin/stats/conflict-rate?start=yesterday", "").Code)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/v1/admin/conflict-policy", "").Code)
}
