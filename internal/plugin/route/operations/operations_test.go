package operations_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chirino/memory-sync/internal/conflict"
	"github.com/chirino/memory-sync/internal/plugin/oplog/memory"
	"github.com/chirino/memory-sync/internal/plugin/route/conflicts"
	"github.com/chirino/memory-sync/internal/plugin/route/memories"
	"github.com/chirino/memory-sync/internal/plugin/route/operations"
	"github.com/chirino/memory-sync/internal/replica"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupRouter(t *testing.T) (*gin.Engine, *replica.Replica) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	opts := replica.DefaultOptions()
	opts.Log = memory.New()
	opts.Conflicts.Timeout = 5 * time.Second
	rep, err := replica.New(opts)
	require.NoError(t, err)
	t.Cleanup(rep.Close)

	r := gin.New()
	operations.MountRoutes(r, rep)
	memories.MountRoutes(r, rep)
	conflicts.MountRoutes(r, rep)
	return r, rep
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func fieldOp(doc, user, field string, payload map[string]any) map[string]any {
	return map[string]any{
		"document_id": doc,
		"component":   "FIELD",
		"op_type":     "APPLY",
		"field":       field,
		"payload":     payload,
		"user_id":     user,
	}
}

func relOp(opType, id, user, src, dst string, ts, base uint64, extra map[string]any) map[string]any {
	payload := map[string]any{"operation_id": id, "target_memory_id": dst, "base_version": base}
	for k, v := range extra {
		payload[k] = v
	}
	return map[string]any{
		"document_id":       src,
		"component":         "RELATIONSHIP",
		"op_type":           opType,
		"payload":           payload,
		"user_id":           user,
		"logical_timestamp": ts,
	}
}

func TestIngestAndReadMemory(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(t, r, http.MethodPost, "/v1/operations", fieldOp("M1", "alice", "title", map[string]any{"kind": "insert", "text": "Hello"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[replica.Result](t, w)
	require.NotNil(t, res.Document)
	assert.Equal(t, "Hello", res.Document.Title)
	assert.EqualValues(t, 1, res.Sequence)

	w = do(t, r, http.MethodGet, "/v1/memories/M1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[replica.MemoryView](t, w)
	assert.Equal(t, "Hello", view.Title)
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/v1/memories/M1", nil)
	req.Header.Set("If-None-Match", etag)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotModified, w.Code)

	w = do(t, r, http.MethodGet, "/v1/memories/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngestRejectsInvalidOperations(t *testing.T) {
	r, rep := setupRouter(t)

	cases := map[string]any{
		"malformed json":   "not an object",
		"unknown field":    fieldOp("M1", "alice", "summary", map[string]any{"kind": "insert", "text": "x"}),
		"payload mismatch": fieldOp("M1", "alice", "tags", map[string]any{"kind": "insert", "text": "x"}),
		"missing user":     fieldOp("M1", "", "title", map[string]any{"kind": "insert", "text": "x"}),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/v1/operations", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), "validation_error")
		})
	}
	assert.Zero(t, rep.Head())
}

func TestBufferedRelationshipOperation(t *testing.T) {
	r, _ := setupRouter(t)
	relID := "/v1/relationships/"

	w := do(t, r, http.MethodPost, "/v1/operations", relOp("MODIFY_STRENGTH", "s1", "bob", "M1", "M2", 2, 0, map[string]any{"strength": 0.4}))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.True(t, decode[replica.Result](t, w).Buffered)

	w = do(t, r, http.MethodPost, "/v1/operations", relOp("CREATE", "c1", "alice", "M1", "M2", 1, 0, map[string]any{"type": "references"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[replica.Result](t, w)
	require.NotNil(t, res.Relationship)

	w = do(t, r, http.MethodGet, relID+res.Relationship.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[map[string]any](t, w)
	assert.Equal(t, "references", state["type"])
	assert.Equal(t, 0.4, state["strength"])

	w = do(t, r, http.MethodGet, "/v1/memories/M1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRollbackEndpoint(t *testing.T) {
	r, _ := setupRouter(t)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/v1/operations", relOp("CREATE", "c1", "alice", "M1", "M2", 1, 0, map[string]any{"type": "references"})).Code)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/v1/operations", relOp("MODIFY_TYPE", "t1", "alice", "M1", "M2", 2, 1, map[string]any{"type": "cites"})).Code)

	w := do(t, r, http.MethodPost, "/v1/operations/t1/rollback", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[replica.Result](t, w)
	require.NotNil(t, res.Relationship)
	assert.Equal(t, "references", res.Relationship.Type)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/v1/operations/t1/rollback", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/v1/operations/nope/rollback", nil).Code)
}

func TestSelectiveMergeChoiceEndpoint(t *testing.T) {
	r, rep := setupRouter(t)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/v1/operations", relOp("CREATE", "c1", "alice", "M1", "M2", 1, 0, map[string]any{"type": "references"})).Code)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/v1/operations", relOp("DELETE", "d1", "bob", "M1", "M2", 2, 1, nil)).Code)
	w := do(t, r, http.MethodPost, "/v1/operations", relOp("MODIFY_STRENGTH", "s1", "alice", "M1", "M2", 2, 1, map[string]any{"strength": 0.3}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[replica.Result](t, w)
	require.Len(t, res.Conflicts, 1)
	groupID := res.Conflicts[0].ID

	w = do(t, r, http.MethodGet, "/v1/conflicts/"+groupID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, conflict.SeverityHigh, decode[replica.ConflictView](t, w).Group.Severity)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/v1/conflicts/"+groupID+"/choice", map[string]any{"chosen": []string{}}).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/v1/conflicts/unknown/choice", map[string]any{"chosen": []string{"s1"}}).Code)
	require.Equal(t, http.StatusAccepted, do(t, r, http.MethodPost, "/v1/conflicts/"+groupID+"/choice", map[string]any{"chosen": []string{"s1"}}).Code)

	require.Eventually(t, func() bool {
		return len(rep.Coordinator().Completed(groupID)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	w = do(t, r, http.MethodGet, "/v1/conflicts/"+groupID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[replica.ConflictView](t, w)
	require.Len(t, view.Resolutions, 1)
	assert.Equal(t, conflict.StatusResolved, view.Resolutions[0].Status)
	assert.False(t, view.AwaitingChoice)
}

func TestEmbeddingEndpointsWithoutBackend(t *testing.T) {
	r, _ := setupRouter(t)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/v1/operations", fieldOp("M1", "alice", "content", map[string]any{"kind": "insert", "text": "body"})).Code)

	w := do(t, r, http.MethodGet, "/v1/memories/M1/embedding", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	view := decode[replica.EmbeddingView](t, w)
	assert.True(t, view.Stale)
	assert.Empty(t, view.Vector)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/v1/memories/missing/embedding", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/v1/memories/M1/similar?limit=0", nil).Code)
	// no vector store is configured
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/v1/memories/M1/similar", nil).Code)
}
