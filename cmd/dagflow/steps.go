package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/internal/tlsutil"
	"github.com/BaSui01/dagflow/types"
	"github.com/BaSui01/dagflow/workflow"
)

// =============================================================================
// 🧩 内置步骤处理器
// =============================================================================

const (
	webhookTimeout     = 30 * time.Second
	maxWebhookResponse = 4 << 20
)

// builtinHandlers 返回服务进程自带的处理器:
//
//	task: 原样返回 params 与绑定的变量，用于编排占位和调试
//	http: 将步骤请求以 JSON POST 到 params.url，响应体作为步骤输出
func builtinHandlers(logger *zap.Logger) *workflow.HandlerRegistry {
	reg := workflow.NewHandlerRegistry()
	reg.Register("task", workflow.StepHandlerFunc(passthroughStep))
	reg.Register("http", newWebhookHandler(tlsutil.NewHTTPClient(webhookTimeout), logger))
	return reg
}

func passthroughStep(_ context.Context, req workflow.StepRequest) (any, error) {
	return map[string]any{
		"params": req.Params,
		"inputs": req.Bindings,
	}, nil
}

// webhookRequest 是 http 处理器发送的请求体
type webhookRequest struct {
	ExecutionID  string         `json:"execution_id"`
	DefinitionID string         `json:"definition_id"`
	Step         string         `json:"step"`
	Attempt      int            `json:"attempt"`
	Params       map[string]any `json:"params,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`
}

type webhookHandler struct {
	client *http.Client
	logger *zap.Logger
}

func newWebhookHandler(client *http.Client, logger *zap.Logger) *webhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &webhookHandler{client: client, logger: logger.With(zap.String("component", "webhook_step"))}
}

// Execute 实现 workflow.StepHandler。4xx 响应不重试，其余失败交给引擎的重试策略。
func (h *webhookHandler) Execute(ctx context.Context, req workflow.StepRequest) (any, error) {
	url, _ := req.Params["url"].(string)
	if url == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "http step requires params.url").WithRetryable(false)
	}

	params := make(map[string]any, len(req.Params))
	for k, v := range req.Params {
		if k != "url" {
			params[k] = v
		}
	}
	body, err := json.Marshal(webhookRequest{
		ExecutionID:  req.ExecutionID,
		DefinitionID: req.DefinitionID,
		Step:         req.StepName,
		Attempt:      req.Attempt,
		Params:       params,
		Inputs:       req.Bindings,
	})
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "encode webhook request").WithCause(err).WithRetryable(false)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "build webhook request").WithCause(err).WithRetryable(false)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Execution-ID", req.ExecutionID)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("webhook %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}

	if resp.StatusCode >= 300 {
		h.logger.Debug("webhook step failed",
			zap.String("execution_id", req.ExecutionID),
			zap.String("step", req.StepName),
			zap.Int("status", resp.StatusCode))
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		code := types.ErrServiceUnavailable
		if !retryable {
			code = types.ErrInvalidRequest
		}
		return nil, types.NewError(code, fmt.Sprintf("webhook returned status %d", resp.StatusCode)).
			WithRetryable(retryable)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		// 非 JSON 响应按字符串输出
		return string(data), nil
	}
	return out, nil
}
