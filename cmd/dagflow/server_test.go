package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/workflow"
)

const apiKey = "test-key"

// newTestServer wires a Server the way Run does, without opening listeners.
func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, http.Handler) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.APIKeys = []string{apiKey}
	cfg.Server.RateLimitRPS = 1000
	cfg.Server.RateLimitBurst = 1000
	cfg.Engine.RetryBaseDelay = time.Millisecond
	cfg.Engine.RetryMaxDelay = 5 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := NewServer(cfg, "", zap.NewNop(), zap.NewAtomicLevel())
	s.registry = prometheus.NewRegistry()
	s.collector = metrics.NewCollector("dagflow", s.registry, zap.NewNop())
	require.NoError(t, s.initEngine(ctx))
	t.Cleanup(s.closeEngine)

	s.limiter = NewRateLimiter(ctx, float64(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst, zap.NewNop())
	require.NoError(t, s.initHotReloadManager(ctx))
	t.Cleanup(func() { _ = s.hotReload.Stop() })

	return s, s.buildHandler()
}

func request(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("X-API-Key", apiKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	require.True(t, resp.Success, w.Body.String())
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestServer_WebhookWorkflowEndToEnd(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req webhookRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"tracking":"T-%v"}`, req.Inputs["order_id"])
	}))
	defer hook.Close()

	_, h := newTestServer(t, nil)

	def := fmt.Sprintf(`{
		"name": "ship-order",
		"variables": [{"name": "order_id", "data_type": "string", "is_required": true}],
		"steps": [
			{"name": "prepare", "step_type": "task", "config": {"params": {"warehouse": "east"}}},
			{"name": "ship", "step_type": "task", "depends_on_steps": ["prepare"],
			 "config": {"handler": "http", "params": {"url": %q}}}
		]
	}`, hook.URL)

	w := request(t, h, http.MethodPost, "/api/v1/definitions", def)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	decodeData(t, w, &created)

	w = request(t, h, http.MethodPost, "/api/v1/definitions/"+created.ID+"/executions", `{"inputs":{"order_id":"42"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var started struct {
		ExecutionID string `json:"execution_id"`
	}
	decodeData(t, w, &started)

	require.Eventually(t, func() bool {
		w := request(t, h, http.MethodGet, "/api/v1/executions/"+started.ExecutionID+"/status", "")
		var view workflow.ExecutionStatusView
		decodeData(t, w, &view)
		return view.Status == workflow.ExecutionCompleted
	}, 5*time.Second, 10*time.Millisecond)

	w = request(t, h, http.MethodGet, "/api/v1/executions/"+started.ExecutionID+"/steps", "")
	require.Equal(t, http.StatusOK, w.Code)
	var steps []workflow.StepExecution
	decodeData(t, w, &steps)

	outputs := map[string]any{}
	for _, s := range steps {
		outputs[s.StepName] = s.Output
	}
	assert.Equal(t, map[string]any{"tracking": "T-42"}, outputs["ship"])
}

func TestServer_RequiresCredentials(t *testing.T) {
	_, h := newTestServer(t, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/definitions", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_ReadyIncludesStoreCheck(t *testing.T) {
	_, h := newTestServer(t, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "memory_store")
}

func TestServer_ConfigAPI(t *testing.T) {
	_, h := newTestServer(t, nil)

	w := request(t, h, http.MethodGet, "/api/v1/config/fields", "")
	assert.Equal(t, http.StatusOK, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	r.Header.Set("X-API-Key", "wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_HotReloadUpdatesLevelAndLimits(t *testing.T) {
	s, _ := newTestServer(t, nil)

	next := *s.hotReload.GetConfig()
	next.Log.Level = "debug"
	next.Server.RateLimitRPS = 5
	next.Server.RateLimitBurst = 7
	require.NoError(t, s.hotReload.ApplyConfig(&next, "test"))

	assert.Equal(t, zap.DebugLevel, s.level.Level())
	s.limiter.mu.Lock()
	defer s.limiter.mu.Unlock()
	assert.Equal(t, 5.0, float64(s.limiter.limit))
	assert.Equal(t, 7, s.limiter.burst)
}

func TestServer_LoadsDefinitionFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`name: etl
steps:
  - name: extract
    step_type: task
  - name: load
    step_type: task
    depends_on_steps: [extract]
`), 0o600))

	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Engine.DefinitionFiles = []string{path}
	})

	defs, err := s.engine.ListDefinitions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "etl", defs[0].Name)
}

func TestEngineConfig(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	cfg.DefaultStrategy = "least_loaded"
	cfg.FailFast = true

	got := engineConfig(cfg)
	assert.Equal(t, 8, got.MaxParallelSteps)
	assert.Equal(t, workflow.StrategyLeastLoaded, got.DefaultStrategy)
	assert.Equal(t, 500*time.Millisecond, got.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, got.Retry.MaxDelay)
	assert.Equal(t, 24*time.Hour, got.ApprovalTimeout)
	assert.Equal(t, 5*time.Minute, got.DefaultStepTimeout)
	assert.True(t, got.FailFast)
	assert.Equal(t, 256, got.EventBuffer)
}

func TestStoreCheckName(t *testing.T) {
	assert.Equal(t, "memory_store", storeCheckName(""))
	assert.Equal(t, "redis_store", storeCheckName("redis"))
}

func TestServer_ReloadsChangedDefinitionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etl.yaml")
	write := func(steps string) {
		require.NoError(t, os.WriteFile(path, []byte("name: etl\nsteps:\n"+steps), 0o600))
	}
	write("  - name: extract\n    step_type: task\n")

	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Engine.DefinitionFiles = []string{path}
		cfg.Engine.WatchDefinitions = true
		cfg.Engine.WatchInterval = 10 * time.Millisecond
	})
	first := s.definitions.current(path)
	require.NotEmpty(t, first)

	write("  - name: extract\n    step_type: task\n  - name: load\n    step_type: task\n    depends_on_steps: [extract]\n")

	require.Eventually(t, func() bool {
		id := s.definitions.current(path)
		return id != "" && id != first
	}, 5*time.Second, 20*time.Millisecond)

	ctx := context.Background()
	old, err := s.engine.GetDefinition(ctx, first)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	layers, err := s.engine.Layers(ctx, s.definitions.current(path))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"extract"}, {"load"}}, layers)
}

func TestDefinitionLoader_PinnedIDIsNotReloaded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pinned.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: pinned\nname: etl\nsteps:\n  - name: a\n    step_type: task\n"), 0o600))

	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Engine.DefinitionFiles = []string{path}
	})
	assert.Equal(t, "pinned", s.definitions.current(path))

	require.NoError(t, s.definitions.reload(context.Background(), path))
	assert.Equal(t, "pinned", s.definitions.current(path))
}
