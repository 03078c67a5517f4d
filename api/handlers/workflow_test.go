package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/testutil"
	"github.com/BaSui01/dagflow/testutil/fixtures"
	"github.com/BaSui01/dagflow/testutil/mocks"
	"github.com/BaSui01/dagflow/types"
	"github.com/BaSui01/dagflow/workflow"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

const apiWait = 3 * time.Second

type apiFixture struct {
	engine *workflow.Engine
	mux    *http.ServeMux
}

func newAPIFixture(t *testing.T, handler workflow.StepHandler) *apiFixture {
	t.Helper()
	handlers := workflow.NewHandlerRegistry()
	handlers.Register("task", handler)

	cfg := workflow.DefaultEngineConfig()
	cfg.Retry = workflow.RetryPolicy{}
	engine := workflow.NewEngine(workflow.NewMemoryStore(),
		workflow.WithLogger(zap.NewNop()),
		workflow.WithHandlers(handlers),
		workflow.WithConfig(cfg))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	mux := http.NewServeMux()
	NewWorkflowHandler(engine, zap.NewNop()).RegisterRoutes(mux)
	return &apiFixture{engine: engine, mux: mux}
}

func (f *apiFixture) do(t *testing.T, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == nil {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewReader(body))
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func (f *apiFixture) createDefinition(t *testing.T, def *workflow.Definition) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/definitions", "application/json", []byte(testutil.MustJSON(def)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeData[CreateDefinitionResponse](t, w)
	require.NotEmpty(t, created.ID)
	return created.ID
}

func (f *apiFixture) execute(t *testing.T, defID string, inputs map[string]any) string {
	t.Helper()
	body := []byte(testutil.MustJSON(ExecuteRequest{Inputs: inputs}))
	w := f.do(t, http.MethodPost, "/api/v1/definitions/"+defID+"/executions", "application/json", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	return decodeData[ExecuteResponse](t, w).ExecutionID
}

// decodeData 解出 Response.Data 并转换为 T
func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success, w.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *ErrorInfo {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	return resp.Error
}

// =============================================================================
// 🧪 定义接口
// =============================================================================

func TestWorkflowHandler_CreateDefinition_JSON(t *testing.T) {
	f := newAPIFixture(t, mocks.NewEchoHandler())

	w := f.do(t, http.MethodPost, "/api/v1/definitions", "application/json",
		[]byte(testutil.MustJSON(fixtures.FanOutDefinition())))

	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeData[CreateDefinitionResponse](t, w)
	assert.Equal(t, "/api/v1/definitions/"+created.ID, w.Header().Get("Location"))
	require.Len(t, created.Layers, 2)
	assert.Equal(t, []string{"A"}, created.Layers[0])
	assert.ElementsMatch(t, []string{"B", "C"}, created.Layers[1])
}

func TestWorkflowHandler_CreateDefinition_YAML(t *testing.T) {
	f := newAPIFixture(t, mocks.NewEchoHandler())
	doc := `
name: yaml-chain
steps:
  - name: fetch
    step_type: task
  - name: store
    step_type: task
    depends_on_steps: [fetch]
`
	w := f.do(t, http.MethodPost, "/api/v1/definitions", "application/yaml", []byte(doc))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeData[CreateDefinitionResponse](t, w)
	assert.Equal(t, [][]string{{"fetch"}, {"store"}}, created.Layers)
}

func TestWorkflowHandler_CreateDefinition_Errors(t *testing.T) {
	f := newAPIFixture(t, mocks.NewEchoHandler())

	cyclic := &workflow.Definition{
		Name: "cycle",
		Steps: []workflow.Step{
			{Name: "A", Type: workflow.StepTypeTask, DependsOn: []string{"B"}},
			{Name: "B", Type: workflow.StepTypeTask, DependsOn: []string{"A"}},
		},
	}

	tests := []struct {
		name       string
		body       []byte
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"malformed json", []byte(`{"name":`), http.StatusBadRequest, types.ErrInvalidRequest},
		{"unknown field", []byte(`{"name":"x","stepz":[]}`), http.StatusBadRequest, types.ErrInvalidRequest},
		{"cycle", []byte(testutil.MustJSON(cyclic)), http.StatusUnprocessableEntity, types.ErrGraphValidation},
		{"empty body", nil, http.StatusBadRequest, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/definitions", "application/json", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, string(tt.wantCode), decodeError(t, w).Code)
		})
	}
}

func TestWorkflowHandler_GetAndListDefinitions(t *testing.T) {
	f := newAPIFixture(t, mocks.NewEchoHandler())
	id := f.createDefinition(t, fixtures.ChainDefinition("A", "B"))

	w := f.do(t, http.MethodGet, "/api/v1/definitions/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	def := decodeData[workflow.Definition](t, w)
	assert.Equal(t, id, def.ID)
	assert.True(t, def.IsActive)
	assert.Len(t, def.Steps, 2)

	w = f.do(t, http.MethodGet, "/api/v1/definitions/"+id+"?format=yaml", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "name: chain")

	w = f.do(t, http.MethodGet, "/api/v1/definitions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeData[[]workflow.Definition](t, w), 1)

	w = f.do(t, http.MethodGet, "/api/v1/definitions/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrNotFound), decodeError(t, w).Code)
}

func TestWorkflowHandler_DeactivateDefinition(t *testing.T) {
	f := newAPIFixture(t, mocks.NewEchoHandler())
	id := f.createDefinition(t, fixtures.ChainDefinition("A"))

	w := f.do(t, http.MethodDelete, "/api/v1/definitions/"+id, "", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/definitions/"+id+"/executions", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(types.ErrDefinitionInactive), decodeError(t, w).Code)
}

// =============================================================================
// 🧪 执行接口
// =============================================================================

func TestWorkflowHandler_ExecuteAndInspect(t *testing.T) {
	f := newAPIFixture(t, mocks.NewEchoHandler())
	id := f.createDefinition(t, fixtures.FanOutDefinition())

	execID := f.execute(t, id, nil)
	testutil.WaitForTerminal(t, f.engine, execID, apiWait)

	w := f.do(t, http.MethodGet, "/api/v1/executions/"+execID+"/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decodeData[workflow.ExecutionStatusView](t, w)
	assert.Equal(t, workflow.ExecutionCompleted, view.Status)
	assert.Equal(t, map[string]workflow.StepStatus{
		"A": workflow.StepCompleted,
		"B": workflow.StepCompleted,
		"C": workflow.StepCompleted,
	}, view.Steps)

	w = f.do(t, http.MethodGet, "/api/v1/executions/"+execID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decodeData[ExecutionDetail](t, w)
	assert.Equal(t, execID, detail.Execution.ID)
	assert.Len(t, detail.Steps, 3)

	w = f.do(t, http.MethodGet, "/api/v1/executions/"+execID+"/steps", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	steps := decodeData[[]workflow.StepExecution](t, w)
	require.Len(t, steps, 3)
	for _, s := range steps {
		assert.Equal(t, s.StepName+"-out", s.Output)
	}
}

func TestWorkflowHandler_ExecuteInvalidInputs(t *testing.T) {
	f := newAPIFixture(t, mocks.NewEchoHandler())
	id := f.createDefinition(t, fixtures.BranchingDefinition())

	body := []byte(testutil.MustJSON(ExecuteRequest{Inputs: map[string]any{"approved": "maybe"}}))
	w := f.do(t, http.MethodPost, "/api/v1/definitions/"+id+"/executions", "application/json", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	info := decodeError(t, w)
	assert.Equal(t, string(types.ErrInvalidInput), info.Code)
	assert.NotNil(t, info.Details)
}

func TestWorkflowHandler_ExecuteUnknownDefinition(t *testing.T) {
	f := newAPIFixture(t, mocks.NewEchoHandler())

	w := f.do(t, http.MethodPost, "/api/v1/definitions/nope/executions", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkflowHandler_ListExecutions(t *testing.T) {
	f := newAPIFixture(t, mocks.NewEchoHandler())
	first := f.createDefinition(t, fixtures.ChainDefinition("A"))
	second := f.createDefinition(t, fixtures.ChainDefinition("X"))

	for _, id := range []string{first, first, second} {
		execID := f.execute(t, id, nil)
		testutil.WaitForTerminal(t, f.engine, execID, apiWait)
	}

	w := f.do(t, http.MethodGet, "/api/v1/executions?definition_id="+first, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeData[[]workflow.Execution](t, w), 2)

	w = f.do(t, http.MethodGet, "/api/v1/executions?status=completed,failed&limit=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeData[[]workflow.Execution](t, w), 1)

	w = f.do(t, http.MethodGet, "/api/v1/executions?status=running", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeData[[]workflow.Execution](t, w))

	for _, query := range []string{"status=bogus", "limit=-1", "offset=x"} {
		w = f.do(t, http.MethodGet, "/api/v1/executions?"+query, "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}

func TestWorkflowHandler_Cancel(t *testing.T) {
	started := make(chan string, 4)
	f := newAPIFixture(t, mocks.NewBlockingHandler(started))
	id := f.createDefinition(t, fixtures.ChainDefinition("A", "B"))
	execID := f.execute(t, id, nil)

	select {
	case <-started:
	case <-time.After(apiWait):
		t.Fatal("step never started")
	}

	w := f.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/cancel", "", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	view := testutil.WaitForTerminal(t, f.engine, execID, apiWait)
	assert.Equal(t, workflow.ExecutionCancelled, view.Status)

	require.Eventually(t, func() bool {
		w = f.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/cancel", "", nil)
		return w.Code == http.StatusConflict
	}, apiWait, 10*time.Millisecond)
	assert.Equal(t, string(types.ErrNotCancellable), decodeError(t, w).Code)
}

// =============================================================================
// 🧪 审批接口
// =============================================================================

func TestWorkflowHandler_ApprovalFlow(t *testing.T) {
	f := newAPIFixture(t, mocks.NewEchoHandler())
	id := f.createDefinition(t, fixtures.ApprovalDefinition())
	execID := f.execute(t, id, nil)

	testutil.WaitForStatus(t, f.engine, execID, workflow.ExecutionAwaitingApproval, apiWait)

	w := f.do(t, http.MethodGet, "/api/v1/approvals", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pending := decodeData[[]workflow.ApprovalRequest](t, w)
	require.Len(t, pending, 1)
	assert.Equal(t, execID, pending[0].ExecutionID)

	body := []byte(`{"approved":true,"feedback":"ship it"}`)
	w = f.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/approval", "application/json", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	view := testutil.WaitForTerminal(t, f.engine, execID, apiWait)
	assert.Equal(t, workflow.ExecutionCompleted, view.Status)

	w = f.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/approval", "application/json", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(types.ErrNotAwaitingApproval), decodeError(t, w).Code)
}

func TestWorkflowHandler_Reject(t *testing.T) {
	f := newAPIFixture(t, mocks.NewEchoHandler())
	id := f.createDefinition(t, fixtures.ApprovalDefinition())
	execID := f.execute(t, id, nil)
	testutil.WaitForStatus(t, f.engine, execID, workflow.ExecutionAwaitingApproval, apiWait)

	w := f.do(t, http.MethodPost, "/api/v1/executions/"+execID+"/approval", "application/json",
		[]byte(`{"approved":false,"feedback":"no"}`))
	require.Equal(t, http.StatusOK, w.Code)

	view := testutil.WaitForTerminal(t, f.engine, execID, apiWait)
	assert.Equal(t, workflow.ExecutionCancelled, view.Status)
}

func TestWorkflowHandler_ApproveUnknownExecution(t *testing.T) {
	f := newAPIFixture(t, mocks.NewEchoHandler())

	w := f.do(t, http.MethodPost, "/api/v1/executions/missing/approval", "application/json",
		[]byte(`{"approved":true}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// 🧪 查询参数解析
// =============================================================================

func TestParseExecutionFilter(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet,
		"/api/v1/executions?definition_id=d1&status=running&status=failed,%20cancelled&limit=10&offset=5", nil)

	filter, err := parseExecutionFilter(r)
	require.NoError(t, err)
	assert.Equal(t, "d1", filter.DefinitionID)
	assert.Equal(t, []workflow.ExecutionStatus{
		workflow.ExecutionRunning, workflow.ExecutionFailed, workflow.ExecutionCancelled,
	}, filter.Statuses)
	assert.Equal(t, 10, filter.Limit)
	assert.Equal(t, 5, filter.Offset)
}
