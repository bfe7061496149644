package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferencehub/internal/api"
	"github.com/kiranshivaraju/inferencehub/internal/api/handler"
	mw "github.com/kiranshivaraju/inferencehub/internal/api/middleware"
	"github.com/kiranshivaraju/inferencehub/internal/artifacts"
	"github.com/kiranshivaraju/inferencehub/internal/backend"
	"github.com/kiranshivaraju/inferencehub/internal/backend/mock"
	"github.com/kiranshivaraju/inferencehub/internal/balancer"
	"github.com/kiranshivaraju/inferencehub/internal/cache"
	"github.com/kiranshivaraju/inferencehub/internal/config"
	"github.com/kiranshivaraju/inferencehub/internal/finetune"
	"github.com/kiranshivaraju/inferencehub/internal/inference"
	"github.com/kiranshivaraju/inferencehub/internal/respcache"
	"github.com/kiranshivaraju/inferencehub/internal/store"
	"github.com/kiranshivaraju/inferencehub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

var (
	adminUserID = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	appUserID   = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	adminRawKey = "ihk_admn_contract_key_1234567890"
	appRawKey   = "ihk_app__contract_key_1234567890"
)

type testServer struct {
	server *httptest.Server
	store  *store.MemoryStore
	kv     *cache.MemoryCache
	client *mock.MockClient
	lb     *balancer.LoadBalancer
	sched  *finetune.Scheduler
	orch   *inference.Orchestrator
	model  *models.LLMModel
}

type serverOpts struct {
	rpm     int
	healthy bool
}

func newTestServer(t *testing.T, client *mock.MockClient, opts ...func(*serverOpts)) *testServer {
	t.Helper()
	o := serverOpts{rpm: 1000, healthy: true}
	for _, opt := range opts {
		opt(&o)
	}
	ctx := context.Background()

	st := store.NewMemoryStore()
	for _, k := range []struct {
		raw    string
		user   uuid.UUID
		scopes []string
	}{
		{adminRawKey, adminUserID, []string{"read", "admin"}},
		{appRawKey, appUserID, []string{"read"}},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(k.raw), bcrypt.MinCost)
		require.NoError(t, err)
		require.NoError(t, st.CreateAPIKey(ctx, &models.APIKey{
			ID: uuid.New(), UserID: k.user, Name: k.raw[:8], KeyHash: string(hash),
			KeyPrefix: k.raw[:8], Scopes: k.scopes,
		}))
	}

	model, err := st.UpsertModel(ctx, &models.LLMModel{Name: "mistral-7b", Version: "0.2"})
	require.NoError(t, err)

	node, err := st.UpsertBackend(ctx, &models.BackendNode{Name: "gpu-1", Host: "gpu-1", Port: 8000, GPUMemoryGB: 24, IsActive: true})
	require.NoError(t, err)
	health := models.HealthHealthy
	if !o.healthy {
		health = models.HealthOffline
	}
	require.NoError(t, st.UpdateBackendHealth(ctx, node.ID, health, time.Now()))

	lb := balancer.New(st, client, balancer.NewPolicy(balancer.PolicyRoundRobin))
	require.NoError(t, lb.Registry().Refresh(ctx))

	rc := respcache.New(st, respcache.NewTokenHashEmbedder(64), config.CacheConfig{
		Enabled: true, TTL: time.Hour, SimilarityThreshold: 0.95,
	})
	kv := cache.NewMemoryCache()
	orch := inference.NewOrchestrator(st, lb, client, rc, kv, "mistral-7b", time.Second)
	t.Cleanup(orch.Flush)

	art, err := artifacts.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, art.Put(ctx, "datasets/train.jsonl", []byte(`{"prompt":"a"}`), "application/jsonl"))
	sched := finetune.NewScheduler(st, finetune.SimulatedTrainer{Steps: 2}, art, kv)
	t.Cleanup(sched.Wait)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(kv, o.rpm),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{"database": st, "cache": kv}),

		GenerateHandler:   handler.NewGenerateHandler(orch),
		ListModelsHandler: handler.NewListModelsHandler(orch),

		SubmitJobHandler: handler.NewSubmitJobHandler(sched),
		ListJobsHandler:  handler.NewListJobsHandler(sched),
		GetJobHandler:    handler.NewGetJobHandler(sched),
		JobStatusHandler: handler.NewJobStatusHandler(sched),
		CancelJobHandler: handler.NewCancelJobHandler(sched),

		ServersHandler:    handler.NewServersHandler(lb),
		CacheStatsHandler: handler.NewCacheStatsHandler(rc),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{server: srv, store: st, kv: kv, client: client, lb: lb, sched: sched, orch: orch, model: model}
}

func withRateLimit(rpm int) func(*serverOpts) { return func(o *serverOpts) { o.rpm = rpm } }
func withOfflineFleet() func(*serverOpts)     { return func(o *serverOpts) { o.healthy = false } }

func (ts *testServer) do(t *testing.T, key, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "expected object data, got %v", body)
	return d
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTRACT TESTS
// ═══════════════════════════════════════════════════════════════════════════════

// ─── GET /api/v1/health ──────────────────────────────────────────────────────

func TestHealth_200_Unauthenticated(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("ok"))

	resp, body := ts.do(t, "", "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	d := data(t, body)
	assert.Equal(t, "ok", d["status"])
	assert.Equal(t, map[string]any{"database": "ok", "cache": "ok"}, d["services"])
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("down") }

func TestHealth_503_Degraded(t *testing.T) {
	h := handler.NewHealthHandler(map[string]handler.Pinger{"database": downPinger{}, "cache": cache.NewMemoryCache()})
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "DEGRADED", errCode(body))
}

// ─── POST /api/v1/generate ───────────────────────────────────────────────────

func TestGenerate_200_ThenCached(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("Paris is the capital of France."))
	req := map[string]any{"prompt": "What is the capital of France?", "model": "mistral-7b"}

	resp, body := ts.do(t, appRawKey, "POST", "/api/v1/generate", req)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	first := data(t, body)
	assert.Equal(t, "Paris is the capital of France.", first["response"])
	assert.Equal(t, false, first["cached"])
	assert.Equal(t, "mistral-7b", first["model"])
	assert.NotEmpty(t, first["query_id"])
	ts.orch.Flush()

	resp, body = ts.do(t, appRawKey, "POST", "/api/v1/generate", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := data(t, body)
	assert.Equal(t, true, second["cached"])
	assert.Equal(t, first["response"], second["response"])
	assert.Equal(t, 1, ts.client.GenerateCalls())

	qid, err := uuid.Parse(first["query_id"].(string))
	require.NoError(t, err)
	q, err := ts.store.GetQuery(context.Background(), qid)
	require.NoError(t, err)
	require.NotNil(t, q.UserID)
	assert.Equal(t, appUserID, *q.UserID)
	assert.Equal(t, models.QuerySourceAPI, q.Source)
	require.NotNil(t, q.ClientIP)
	assert.Equal(t, "127.0.0.1", *q.ClientIP)
}

func TestGenerate_400_Validation(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("x"))

	for name, body := range map[string]any{
		"empty prompt":      map[string]any{"prompt": "  "},
		"negative tokens":   map[string]any{"prompt": "hi", "max_tokens": -1},
		"temperature range": map[string]any{"prompt": "hi", "temperature": 3.5},
		"top_p range":       map[string]any{"prompt": "hi", "top_p": 0},
	} {
		t.Run(name, func(t *testing.T) {
			resp, out := ts.do(t, appRawKey, "POST", "/api/v1/generate", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "INVALID_REQUEST", errCode(out))
		})
	}
	assert.Zero(t, ts.client.GenerateCalls())
}

func TestGenerate_200_UnknownModelFallsBackToDefault(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("hello"))

	resp, body := ts.do(t, appRawKey, "POST", "/api/v1/generate", map[string]any{"prompt": "hi", "model": "gpt-17"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "mistral-7b", data(t, body)["model"])
}

func TestGenerate_503_NoBackend(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("x"), withOfflineFleet())

	resp, body := ts.do(t, appRawKey, "POST", "/api/v1/generate", map[string]any{"prompt": "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "NO_BACKEND_AVAILABLE", errCode(body))
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.NotEmpty(t, details["query_id"])
}

func TestGenerate_502_BackendError(t *testing.T) {
	ts := newTestServer(t, mock.NewFailingClient(backend.ErrBackendError))

	resp, body := ts.do(t, appRawKey, "POST", "/api/v1/generate", map[string]any{"prompt": "hi"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "BACKEND_ERROR", errCode(body))
}

func TestGenerate_504_Timeout(t *testing.T) {
	ts := newTestServer(t, mock.NewTimeoutClient())

	resp, body := ts.do(t, appRawKey, "POST", "/api/v1/generate", map[string]any{"prompt": "hi"})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "BACKEND_TIMEOUT", errCode(body))
}

// ─── GET /api/v1/models ──────────────────────────────────────────────────────

func TestModels_200(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("x"))

	resp, body := ts.do(t, appRawKey, "GET", "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["data"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "mistral-7b", list[0].(map[string]any)["name"])
}

// ─── admin routes ────────────────────────────────────────────────────────────

func TestServers_200_Admin(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("x"))

	resp, body := ts.do(t, adminRawKey, "GET", "/api/v1/servers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["data"].([]any)
	require.Len(t, list, 1)
	srv := list[0].(map[string]any)
	assert.Equal(t, "gpu-1", srv["name"])
	assert.Equal(t, "healthy", srv["health_status"])
	assert.InDelta(t, 24, srv["gpu_memory_total"], 1e-9)
}

func TestCacheStats_200_Admin(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("answer"))
	_, _ = ts.do(t, appRawKey, "POST", "/api/v1/generate", map[string]any{"prompt": "cache me"})
	ts.orch.Flush()

	resp, body := ts.do(t, adminRawKey, "GET", "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := data(t, body)
	assert.EqualValues(t, 1, d["total_entries"])
	assert.InDelta(t, 0.95, d["similarity_threshold"], 1e-9)
	assert.EqualValues(t, 3600, d["cache_expiry_seconds"])
}

func TestAdminEndpoints_403_WithoutAdminScope(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("x"))

	for _, path := range []string{"/api/v1/servers", "/api/v1/cache/stats"} {
		t.Run(path, func(t *testing.T) {
			resp, body := ts.do(t, appRawKey, "GET", path, nil)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
			assert.Equal(t, "FORBIDDEN", errCode(body))
		})
	}
}

// ─── fine-tuning jobs ────────────────────────────────────────────────────────

func (ts *testServer) submitJob(t *testing.T, key string) map[string]any {
	t.Helper()
	resp, body := ts.do(t, key, "POST", "/api/v1/finetune/jobs", map[string]any{
		"name":            "support-bot",
		"base_model_id":   ts.model.ID.String(),
		"training_file":   "datasets/train.jsonl",
		"hyperparameters": map[string]any{"epochs": 2},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	return data(t, body)
}

func TestSubmitJob_201_Queued(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("x"))

	job := ts.submitJob(t, appRawKey)
	assert.Equal(t, "queued", job["status"])
	assert.Equal(t, appUserID.String(), job["owner_id"])
	hp := job["hyperparameters"].(map[string]any)
	assert.EqualValues(t, 2, hp["epochs"])
	assert.EqualValues(t, 8, hp["batch_size"])
}

func TestSubmitJob_Validation(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("x"))

	cases := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"bad uuid", map[string]any{"name": "x", "base_model_id": "nope", "training_file": "datasets/train.jsonl"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"no training file", map[string]any{"name": "x", "base_model_id": ts.model.ID.String()}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", map[string]any{"name": "x", "base_model_id": ts.model.ID.String(), "training_file": "datasets/train.jsonl", "gpus": 8}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown base model", map[string]any{"name": "x", "base_model_id": uuid.NewString(), "training_file": "datasets/train.jsonl"}, http.StatusUnprocessableEntity, "INVALID_JOB"},
		{"missing dataset", map[string]any{"name": "x", "base_model_id": ts.model.ID.String(), "training_file": "datasets/gone.jsonl"}, http.StatusUnprocessableEntity, "INVALID_JOB"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := ts.do(t, appRawKey, "POST", "/api/v1/finetune/jobs", tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, errCode(body))
		})
	}
}

func TestGetJob_OwnerAdminAndStranger(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("x"))
	job := ts.submitJob(t, appRawKey)
	path := "/api/v1/finetune/jobs/" + job["id"].(string)

	resp, body := ts.do(t, appRawKey, "GET", path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, job["id"], data(t, body)["id"])

	resp, _ = ts.do(t, adminRawKey, "GET", path, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	adminJob := ts.submitJob(t, adminRawKey)
	resp, body = ts.do(t, appRawKey, "GET", "/api/v1/finetune/jobs/"+adminJob["id"].(string), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errCode(body))

	resp, body = ts.do(t, appRawKey, "GET", "/api/v1/finetune/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_JOB_ID", errCode(body))
}

func TestListJobs_ScopedAndPaginated(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("x"))
	ts.submitJob(t, appRawKey)
	ts.submitJob(t, appRawKey)
	ts.submitJob(t, adminRawKey)

	resp, body := ts.do(t, appRawKey, "GET", "/api/v1/finetune/jobs?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"].([]any), 1)
	meta := body["meta"].(map[string]any)
	assert.Equal(t, true, meta["has_next"])

	resp, body = ts.do(t, appRawKey, "GET", "/api/v1/finetune/jobs?limit=1&page=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"].([]any), 1)
	assert.Equal(t, false, body["meta"].(map[string]any)["has_next"])

	_, body = ts.do(t, adminRawKey, "GET", "/api/v1/finetune/jobs", nil)
	assert.Len(t, body["data"].([]any), 3)

	resp, body = ts.do(t, appRawKey, "GET", "/api/v1/finetune/jobs?status=exploded", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobLifecycle_RunStatusAndCancel(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("x"))
	running := ts.submitJob(t, appRawKey)
	queued := ts.submitJob(t, appRawKey)

	started, err := ts.sched.ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, started)
	ts.sched.Wait()

	resp, body := ts.do(t, appRawKey, "GET", "/api/v1/finetune/jobs/"+running["id"].(string)+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", data(t, body)["status"])

	resp, body = ts.do(t, appRawKey, "POST", "/api/v1/finetune/jobs/"+running["id"].(string)+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_CANCELLABLE", errCode(body))

	resp, body = ts.do(t, appRawKey, "POST", "/api/v1/finetune/jobs/"+queued["id"].(string)+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := data(t, body)
	assert.Equal(t, "cancelled", cancelled["status"])
	assert.NotEmpty(t, cancelled["completed_at"])
}

// ─── cross-cutting ───────────────────────────────────────────────────────────

func TestAuth_InvalidBearerToken(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("x"))

	resp, body := ts.do(t, "ihk_nope_not_a_real_key_000000", "GET", "/api/v1/models", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", errCode(body))
}

func TestRateLimit_429_Exceeded(t *testing.T) {
	ts := newTestServer(t, mock.NewEchoClient("x"), withRateLimit(2))

	for i := 0; i < 2; i++ {
		resp, _ := ts.do(t, appRawKey, "GET", "/api/v1/models", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
	}

	resp, body := ts.do(t, appRawKey, "GET", "/api/v1/models", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errCode(body))
}
