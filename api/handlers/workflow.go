package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/BaSui01/dagflow/types"
	"github.com/BaSui01/dagflow/workflow"
	"go.uber.org/zap"
)

// =============================================================================
// 🔀 Workflow Handler
// =============================================================================

// WorkflowEngine 是 WorkflowHandler 依赖的引擎能力，*workflow.Engine 实现了它
type WorkflowEngine interface {
	CreateDefinition(ctx context.Context, def *workflow.Definition) (string, error)
	GetDefinition(ctx context.Context, id string) (*workflow.Definition, error)
	ListDefinitions(ctx context.Context) ([]*workflow.Definition, error)
	DeactivateDefinition(ctx context.Context, id string) error
	Layers(ctx context.Context, definitionID string) ([][]string, error)

	Execute(ctx context.Context, definitionID string, inputs map[string]any) (string, error)
	GetStatus(ctx context.Context, executionID string) (*workflow.ExecutionStatusView, error)
	GetExecution(ctx context.Context, executionID string) (*workflow.Execution, error)
	ListExecutions(ctx context.Context, filter workflow.ExecutionFilter) ([]*workflow.Execution, error)
	ListStepExecutions(ctx context.Context, executionID string) ([]*workflow.StepExecution, error)

	Cancel(ctx context.Context, executionID string) error
	Approve(ctx context.Context, executionID string, approved bool, feedback string) error
	PendingApprovals() []*workflow.ApprovalRequest

	Subscribe(executionID string) (<-chan workflow.Event, func())
	SubscribeAll() (<-chan workflow.Event, func())
}

var _ WorkflowEngine = (*workflow.Engine)(nil)

// WorkflowHandler 工作流定义与执行的 HTTP 处理器
type WorkflowHandler struct {
	engine WorkflowEngine
	logger *zap.Logger
}

// ExecuteRequest 启动执行的请求体
type ExecuteRequest struct {
	Inputs map[string]any `json:"inputs,omitempty"`
}

// ExecuteResponse 启动执行的响应
type ExecuteResponse struct {
	ExecutionID string `json:"execution_id"`
}

// CreateDefinitionResponse 注册定义的响应
type CreateDefinitionResponse struct {
	ID     string     `json:"id"`
	Layers [][]string `json:"layers"`
}

// ApproveRequest 审批请求体
type ApproveRequest struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// ExecutionDetail 执行详情：记录、各步骤状态与步骤执行记录
type ExecutionDetail struct {
	Execution *workflow.Execution            `json:"execution"`
	Status    *workflow.ExecutionStatusView  `json:"status"`
	Steps     []*workflow.StepExecution      `json:"steps,omitempty"`
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(engine WorkflowEngine, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		engine: engine,
		logger: logger.With(zap.String("component", "workflow_api")),
	}
}

// RegisterRoutes 注册工作流路由
func (h *WorkflowHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/definitions", h.HandleCreateDefinition)
	mux.HandleFunc("GET /api/v1/definitions", h.HandleListDefinitions)
	mux.HandleFunc("GET /api/v1/definitions/{id}", h.HandleGetDefinition)
	mux.HandleFunc("DELETE /api/v1/definitions/{id}", h.HandleDeactivateDefinition)
	mux.HandleFunc("GET /api/v1/definitions/{id}/layers", h.HandleLayers)
	mux.HandleFunc("POST /api/v1/definitions/{id}/executions", h.HandleExecute)

	mux.HandleFunc("GET /api/v1/executions", h.HandleListExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", h.HandleGetExecution)
	mux.HandleFunc("GET /api/v1/executions/{id}/status", h.HandleGetStatus)
	mux.HandleFunc("GET /api/v1/executions/{id}/steps", h.HandleListSteps)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("POST /api/v1/executions/{id}/approval", h.HandleApprove)
	mux.HandleFunc("GET /api/v1/executions/{id}/events", h.HandleExecutionEvents)

	mux.HandleFunc("GET /api/v1/approvals", h.HandleListApprovals)
	mux.HandleFunc("GET /api/v1/events", h.HandleAllEvents)
}

// =============================================================================
// 📄 定义
// =============================================================================

// HandleCreateDefinition 注册定义，请求体可为 JSON 或 YAML
// @Summary Register definition
// @Tags definitions
// @Accept json,yaml
// @Produce json
// @Success 201 {object} Response{data=CreateDefinitionResponse}
// @Failure 422 {object} Response "Graph validation failed"
// @Router /api/v1/definitions [post]
func (h *WorkflowHandler) HandleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	body, ok := ReadBody(w, r, h.logger)
	if !ok {
		return
	}

	def, err := workflow.DecodeDefinition(body, workflow.FormatFromContentType(r.Header.Get("Content-Type")))
	if err != nil {
		if types.GetErrorCode(err) == "" {
			WriteError(w, types.NewError(types.ErrInvalidRequest, err.Error()), h.logger)
			return
		}
		WriteDomainError(w, r, err, h.logger)
		return
	}

	id, err := h.engine.CreateDefinition(r.Context(), def)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	layers, err := h.engine.Layers(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	w.Header().Set("Location", "/api/v1/definitions/"+id)
	WriteStatus(w, http.StatusCreated, CreateDefinitionResponse{ID: id, Layers: layers})
}

// HandleListDefinitions 列出所有定义
// @Summary List definitions
// @Tags definitions
// @Produce json
// @Success 200 {object} Response{data=[]workflow.Definition}
// @Router /api/v1/definitions [get]
func (h *WorkflowHandler) HandleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.engine.ListDefinitions(r.Context())
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	if defs == nil {
		defs = []*workflow.Definition{}
	}
	WriteSuccess(w, defs)
}

// HandleGetDefinition 返回单个定义；?format=yaml 时直接输出 YAML 文档
// @Summary Get definition
// @Tags definitions
// @Produce json,yaml
// @Param id path string true "Definition ID"
// @Param format query string false "json or yaml"
// @Success 200 {object} Response{data=workflow.Definition}
// @Failure 404 {object} Response
// @Router /api/v1/definitions/{id} [get]
func (h *WorkflowHandler) HandleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := h.engine.GetDefinition(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	if workflow.DefinitionFormat(r.URL.Query().Get("format")) == workflow.FormatYAML {
		data, err := workflow.EncodeDefinition(def, workflow.FormatYAML)
		if err != nil {
			WriteDomainError(w, r, err, h.logger)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data) //nolint:errcheck // 客户端断开时可忽略
		return
	}
	WriteSuccess(w, def)
}

// HandleDeactivateDefinition 停用定义，正在运行的执行不受影响
// @Summary Deactivate definition
// @Tags definitions
// @Param id path string true "Definition ID"
// @Success 204
// @Failure 404 {object} Response
// @Router /api/v1/definitions/{id} [delete]
func (h *WorkflowHandler) HandleDeactivateDefinition(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeactivateDefinition(r.Context(), r.PathValue("id")); err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleLayers 返回定义的并行层
// @Summary Definition layers
// @Tags definitions
// @Produce json
// @Param id path string true "Definition ID"
// @Success 200 {object} Response{data=[][]string}
// @Router /api/v1/definitions/{id}/layers [get]
func (h *WorkflowHandler) HandleLayers(w http.ResponseWriter, r *http.Request) {
	layers, err := h.engine.Layers(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, layers)
}

// =============================================================================
// ▶️ 执行
// =============================================================================

// HandleExecute 启动一次执行，请求体可省略
// @Summary Start execution
// @Tags executions
// @Accept json
// @Produce json
// @Param id path string true "Definition ID"
// @Param request body ExecuteRequest false "Input variables"
// @Success 202 {object} Response{data=ExecuteResponse}
// @Failure 400 {object} Response "Invalid input variables"
// @Failure 409 {object} Response "Definition inactive"
// @Router /api/v1/definitions/{id}/executions [post]
func (h *WorkflowHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	id, err := h.engine.Execute(r.Context(), r.PathValue("id"), req.Inputs)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	h.logger.Debug("execution accepted",
		zap.String("definition_id", r.PathValue("id")),
		zap.String("execution_id", id))
	w.Header().Set("Location", "/api/v1/executions/"+id)
	WriteStatus(w, http.StatusAccepted, ExecuteResponse{ExecutionID: id})
}

// HandleListExecutions 按定义与状态过滤执行记录
// @Summary List executions
// @Tags executions
// @Produce json
// @Param definition_id query string false "Definition ID"
// @Param status query string false "Comma separated statuses"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} Response{data=[]workflow.Execution}
// @Router /api/v1/executions [get]
func (h *WorkflowHandler) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseExecutionFilter(r)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, err.Error()), h.logger)
		return
	}

	execs, err := h.engine.ListExecutions(r.Context(), filter)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	if execs == nil {
		execs = []*workflow.Execution{}
	}
	WriteSuccess(w, execs)
}

// HandleGetExecution 返回执行记录、状态视图与步骤记录
// @Summary Get execution
// @Tags executions
// @Produce json
// @Param id path string true "Execution ID"
// @Success 200 {object} Response{data=ExecutionDetail}
// @Failure 404 {object} Response
// @Router /api/v1/executions/{id} [get]
func (h *WorkflowHandler) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := h.engine.GetExecution(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	status, err := h.engine.GetStatus(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	steps, err := h.engine.ListStepExecutions(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, ExecutionDetail{Execution: exec, Status: status, Steps: steps})
}

// HandleGetStatus 返回执行状态及各步骤状态
// @Summary Execution status
// @Tags executions
// @Produce json
// @Param id path string true "Execution ID"
// @Success 200 {object} Response{data=workflow.ExecutionStatusView}
// @Failure 404 {object} Response
// @Router /api/v1/executions/{id}/status [get]
func (h *WorkflowHandler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, view)
}

// HandleListSteps 返回执行的步骤记录
// @Summary Step executions
// @Tags executions
// @Produce json
// @Param id path string true "Execution ID"
// @Success 200 {object} Response{data=[]workflow.StepExecution}
// @Router /api/v1/executions/{id}/steps [get]
func (h *WorkflowHandler) HandleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.engine.ListStepExecutions(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	if steps == nil {
		steps = []*workflow.StepExecution{}
	}
	WriteSuccess(w, steps)
}

// HandleCancel 取消未结束的执行
// @Summary Cancel execution
// @Tags executions
// @Param id path string true "Execution ID"
// @Success 202 {object} Response
// @Failure 409 {object} Response "Execution already terminal"
// @Router /api/v1/executions/{id}/cancel [post]
func (h *WorkflowHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.Cancel(r.Context(), id); err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, ExecuteResponse{ExecutionID: id})
}

// HandleApprove 处理审批决定，approved=false 会取消执行
// @Summary Approve or reject execution
// @Tags approvals
// @Accept json
// @Param id path string true "Execution ID"
// @Param request body ApproveRequest true "Decision"
// @Success 200 {object} Response
// @Failure 409 {object} Response "Not awaiting approval"
// @Router /api/v1/executions/{id}/approval [post]
func (h *WorkflowHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	id := r.PathValue("id")
	if err := h.engine.Approve(r.Context(), id, req.Approved, req.Feedback); err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	h.logger.Info("approval decision recorded",
		zap.String("execution_id", id),
		zap.Bool("approved", req.Approved))
	WriteSuccess(w, ExecuteResponse{ExecutionID: id})
}

// HandleListApprovals 列出待审批请求
// @Summary Pending approvals
// @Tags approvals
// @Produce json
// @Success 200 {object} Response{data=[]workflow.ApprovalRequest}
// @Router /api/v1/approvals [get]
func (h *WorkflowHandler) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending := h.engine.PendingApprovals()
	if pending == nil {
		pending = []*workflow.ApprovalRequest{}
	}
	WriteSuccess(w, pending)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func parseExecutionFilter(r *http.Request) (workflow.ExecutionFilter, error) {
	q := r.URL.Query()
	filter := workflow.ExecutionFilter{DefinitionID: q.Get("definition_id")}

	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			status := workflow.ExecutionStatus(s)
			if !validExecutionStatus(status) {
				return filter, fmt.Errorf("unknown execution status %q", s)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	var err error
	if filter.Limit, err = nonNegativeInt(q.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = nonNegativeInt(q.Get("offset"), "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func nonNegativeInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func validExecutionStatus(s workflow.ExecutionStatus) bool {
	switch s {
	case workflow.ExecutionPending, workflow.ExecutionRunning, workflow.ExecutionAwaitingApproval,
		workflow.ExecutionCompleted, workflow.ExecutionFailed, workflow.ExecutionCancelled:
		return true
	}
	return false
}
