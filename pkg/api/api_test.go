package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memfabric/memfabric/pkg/atom/memstore"
	"github.com/memfabric/memfabric/pkg/audit"
	"github.com/memfabric/memfabric/pkg/consolidator"
	"github.com/memfabric/memfabric/pkg/decay"
	"github.com/memfabric/memfabric/pkg/deletion"
	"github.com/memfabric/memfabric/pkg/embedding"
	"github.com/memfabric/memfabric/pkg/fabric"
	"github.com/memfabric/memfabric/pkg/logger"
	"github.com/memfabric/memfabric/pkg/memguard"
	"github.com/memfabric/memfabric/pkg/metrics"
	"github.com/memfabric/memfabric/pkg/planner"
	"github.com/memfabric/memfabric/pkg/ports"
	"github.com/memfabric/memfabric/pkg/ports/graphport"
	"github.com/memfabric/memfabric/pkg/ports/ledgerport"
	"github.com/memfabric/memfabric/pkg/ports/vectorport"
	"github.com/memfabric/memfabric/pkg/relationship"
)

func setupTestServer(t *testing.T, adminToken string) *httptest.Server {
	t.Helper()

	log := logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})
	store := memstore.New()
	relStore := relationship.NewMemStore()
	registry := ports.NewRegistry(log)

	vport, err := vectorport.New(&vectorport.Config{}, embedding.NewHashEmbedder(64))
	require.NoError(t, err)
	registry.Register(ledgerport.New(store))
	registry.Register(vport)
	registry.Register(graphport.New())

	decayProc := decay.NewProcessor(decay.DefaultConfig(), store, nil, log)
	svc := fabric.New(fabric.Deps{
		Store:        store,
		Guard:        memguard.New(memguard.DefaultQuarantine),
		Registry:     registry,
		Planner:      planner.New(registry, false),
		Relationship: relationship.NewEngine(relStore, log),
		Decay:        decayProc,
		Consolidator: consolidator.New(store, log,
			consolidator.Task{Name: "decay", Run: func(ctx context.Context, dryRun bool) (map[string]int, error) {
				res, err := decayProc.ProcessAll(ctx, !dryRun)
				if err != nil {
					return nil, err
				}
				return map[string]int{"processed": res.Processed}, nil
			}},
		),
		Deletion: deletion.NewService(store, relStore, registry, log),
		Audit:    audit.NewRecorder(store, log),
		Metrics:  metrics.New(false),
		Logger:   log,
	})

	router := NewRouter(svc, registry, metrics.New(false), log, RouterConfig{
		AdminToken:  adminToken,
		IngestRPS:   1000,
		IngestBurst: 1000,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	detail, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error envelope: %v", body)
	code, _ := detail["code"].(string)
	return code
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestIngestEndpoint(t *testing.T) {
	srv := setupTestServer(t, "")

	resp := postJSON(t, srv.URL+"/api/v1/events", map[string]any{
		"idempotency_key": "turn_api_1",
		"user_id":         "u1",
		"content_raw":     "I just moved to Lisbon and love it",
		"salience":        0.8,
		"confidence":      0.9,
		"trust_score":     0.9,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["memory_id"])
	assert.Equal(t, true, body["created"])

	// Same idempotency key returns the stored atom without creating.
	resp = postJSON(t, srv.URL+"/api/v1/events", map[string]any{
		"idempotency_key": "turn_api_1",
		"user_id":         "u1",
		"content_raw":     "different content entirely",
		"salience":        0.5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, false, body["created"])
}

func TestIngestValidationRejectedBeforeIO(t *testing.T) {
	srv := setupTestServer(t, "")

	resp := postJSON(t, srv.URL+"/api/v1/events", map[string]any{
		"idempotency_key": "short", // below minimum length
		"user_id":         "u1",
		"content_raw":     "hello",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, body))
}

func TestIngestComplianceBlocked(t *testing.T) {
	srv := setupTestServer(t, "")

	resp := postJSON(t, srv.URL+"/api/v1/events", map[string]any{
		"idempotency_key": "turn_ssn_1",
		"user_id":         "u1",
		"content_raw":     "my ssn is 123-45-6789",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "COMPLIANCE_BLOCKED", errorCode(t, body))
}

func TestRecallEndpoint(t *testing.T) {
	srv := setupTestServer(t, "")

	resp := postJSON(t, srv.URL+"/api/v1/events", map[string]any{
		"idempotency_key": "turn_recall_1",
		"user_id":         "u2",
		"content_raw":     "my favorite food is sushi",
		"salience":        0.8,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/recall", map[string]any{
		"user_id":             "u2",
		"query":               "what food does the user like",
		"include_uncertainty": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body, "context_pack")
	assert.Contains(t, body, "uncertainty")
}

func TestRecallMalformedJSON(t *testing.T) {
	srv := setupTestServer(t, "")

	resp, err := http.Post(srv.URL+"/api/v1/recall", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestDeleteUserRequiresAdminToken(t *testing.T) {
	srv := setupTestServer(t, "sekret")

	// No token.
	resp := postJSON(t, srv.URL+"/api/v1/delete_user", map[string]any{"user_id": "u3"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Correct token.
	buf, _ := json.Marshal(map[string]any{"user_id": "u3"})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/delete_user", bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", "sekret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["deletion_proof"])
}

func TestDeleteUserRejectsBadUserID(t *testing.T) {
	srv := setupTestServer(t, "sekret")

	buf, _ := json.Marshal(map[string]any{"user_id": "../etc/passwd"})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/delete_user", bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", "sekret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, decodeBody(t, resp)))
}

func TestTraceNotFound(t *testing.T) {
	srv := setupTestServer(t, "sekret")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/trace/nonexistent-id", nil)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", "sekret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestTraceOwnerOrAdminOnly(t *testing.T) {
	srv := setupTestServer(t, "sekret")

	resp := postJSON(t, srv.URL+"/api/v1/events", map[string]any{
		"idempotency_key": "turn_api_trace",
		"user_id":         "victim",
		"content_raw":     "a memory only its owner may audit",
		"salience":        0.8,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	memoryID, _ := decodeBody(t, resp)["memory_id"].(string)
	require.NotEmpty(t, memoryID)

	// No credentials at all.
	resp, err := http.Get(srv.URL + "/api/v1/trace/" + memoryID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errorCode(t, decodeBody(t, resp)))

	// A different user.
	resp, err = http.Get(srv.URL + "/api/v1/trace/" + memoryID + "?user_id=snoop")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// The owner.
	resp, err = http.Get(srv.URL + "/api/v1/trace/" + memoryID + "?user_id=victim")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["atom"])
	assert.NotEmpty(t, body["events"])

	// An admin.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/trace/"+memoryID, nil)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", "sekret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthAndStatus(t *testing.T) {
	srv := setupTestServer(t, "")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])

	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Contains(t, body, "ports")
}

func TestRequestIDPropagated(t *testing.T) {
	srv := setupTestServer(t, "")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
