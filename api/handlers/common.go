package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/types"
	"github.com/BaSui01/dagflow/workflow"
)

// maxBodyBytes 请求体上限（1 MB）
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 响应信封
// =============================================================================

// Response 所有 JSON 接口共用的响应信封
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 失败响应中的错误描述。Details 携带领域错误本身（环路涉及的步骤、缺失的变量等）。
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// statusByCode 错误码到 HTTP 状态码，未列出的按 500 处理
var statusByCode = map[types.ErrorCode]int{
	types.ErrInvalidRequest:      http.StatusBadRequest,
	types.ErrInvalidInput:        http.StatusBadRequest,
	types.ErrUnauthorized:        http.StatusUnauthorized,
	types.ErrForbidden:           http.StatusForbidden,
	types.ErrNotFound:            http.StatusNotFound,
	types.ErrHandlerNotFound:     http.StatusNotFound,
	types.ErrConflict:            http.StatusConflict,
	types.ErrNotCancellable:      http.StatusConflict,
	types.ErrNotAwaitingApproval: http.StatusConflict,
	types.ErrDefinitionInactive:  http.StatusConflict,
	types.ErrGraphValidation:     http.StatusUnprocessableEntity,
	types.ErrUnboundVariable:     http.StatusUnprocessableEntity,
	types.ErrRateLimited:         http.StatusTooManyRequests,
	types.ErrTimeout:             http.StatusGatewayTimeout,
	types.ErrStepTimeout:         http.StatusGatewayTimeout,
	types.ErrApprovalTimeout:     http.StatusGatewayTimeout,
	types.ErrServiceUnavailable:  http.StatusServiceUnavailable,
	types.ErrNoEligibleAgent:     http.StatusServiceUnavailable,
}

func statusFor(code types.ErrorCode) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// =============================================================================
// 🎯 写响应
// =============================================================================

// WriteJSON 序列化成功后再写状态码，序列化失败返回 500
func WriteJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")

	buf, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"success":false,"error":{"code":"INTERNAL_ERROR","message":"failed to encode response"}}`)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(append(buf, '\n'))
}

// WriteSuccess 200 成功响应
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteStatus(w, http.StatusOK, data)
}

// WriteStatus 指定状态码的成功响应
func WriteStatus(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{Success: true, Data: data, Timestamp: time.Now()})
}

// WriteError 写出结构化错误
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	writeError(w, err, nil, "", logger)
}

// WriteErrorMessage 以给定状态码和错误码写出错误
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// WriteDomainError 把引擎或存储返回的任意错误映射为错误响应。
// 未分类的错误按 500 处理，原始消息只写日志。
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	var requestID string
	if r != nil {
		requestID, _ = types.RequestID(r.Context())
	}

	var apiErr *types.Error
	if errors.As(err, &apiErr) {
		writeError(w, apiErr, nil, requestID, logger)
		return
	}

	code := types.GetErrorCode(err)
	if errors.Is(err, workflow.ErrNotFound) {
		code = types.ErrNotFound
	}
	message := err.Error()
	if code == "" || code == types.ErrInternalError {
		code = types.ErrInternalError
		message = "internal server error"
	}

	var details any
	var coded types.Coded
	if errors.As(err, &coded) {
		details = coded
	}
	wrapped := types.NewError(code, message).WithCause(err).WithRetryable(types.IsRetryable(err))
	writeError(w, wrapped, details, requestID, logger)
}

func writeError(w http.ResponseWriter, err *types.Error, details any, requestID string, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = statusFor(err.Code)
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(err.Code)),
			zap.Int("status", status),
			zap.String("request_id", requestID),
		}
		if err.Cause != nil {
			fields = append(fields, zap.Error(err.Cause))
		}
		if status >= http.StatusInternalServerError {
			logger.Error(err.Message, fields...)
		} else {
			logger.Debug(err.Message, fields...)
		}
	}

	WriteJSON(w, status, Response{
		Error: &ErrorInfo{
			Code:       string(err.Code),
			Message:    err.Message,
			Details:    details,
			Retryable:  err.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

// =============================================================================
// 🛡️ 读请求
// =============================================================================

// bodyError 空请求体 400，超过上限 413
func bodyError(err error) *types.Error {
	if err == nil {
		return types.NewError(types.ErrInvalidRequest, "request body is empty")
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return types.NewError(types.ErrInvalidRequest, "request body too large").
			WithCause(err).
			WithHTTPStatus(http.StatusRequestEntityTooLarge)
	}
	return types.NewError(types.ErrInvalidRequest, "invalid JSON body").WithCause(err)
}

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody
}

// DecodeJSONBody 严格解码 JSON 请求体（拒绝未知字段，上限 1 MB），失败时已写出错误响应
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if !hasBody(r) {
		apiErr := bodyError(nil)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		apiErr := bodyError(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ReadBody 读取原始请求体（上限 1 MB），失败时已写出错误响应
func ReadBody(w http.ResponseWriter, r *http.Request, logger *zap.Logger) ([]byte, bool) {
	if !hasBody(r) {
		WriteError(w, bodyError(nil), logger)
		return nil, false
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, bodyError(err), logger)
		return nil, false
	}
	return data, true
}

// =============================================================================
// 📊 状态码捕获
// =============================================================================

// ResponseWriter 记录状态码与写出字节数，供日志、指标与 tracing 中间件使用
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	Written      bool
	BytesWritten int
}

// NewResponseWriter 包装 w，未显式写头时状态码为 200
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader 只生效一次
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.Written {
		return
	}
	rw.StatusCode = code
	rw.Written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	rw.WriteHeader(http.StatusOK)
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += n
	return n, err
}

// Unwrap 供 http.ResponseController 使用
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack WebSocket 升级需要
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.Written = true
	rw.StatusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}
