package config

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// 配置管理 API 的默认变更条数
const defaultChangeLimit = 50

// ConfigAPIHandler 暴露热更新管理器的查询、重载与回滚操作
type ConfigAPIHandler struct {
	manager *HotReloadManager
}

// apiResponse 与 api/handlers 的响应信封保持相同的 JSON 形状。
// config 包不能依赖 api/handlers，这里单独定义。
type apiResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *apiError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type configData struct {
	Message string                        `json:"message,omitempty"`
	Config  map[string]any                `json:"config,omitempty"`
	Fields  map[string]HotReloadableField `json:"fields,omitempty"`
	Changes []ConfigChange                `json:"changes,omitempty"`
	History []ConfigSnapshot              `json:"history,omitempty"`
}

// NewConfigAPIHandler 创建配置 API 处理器
func NewConfigAPIHandler(manager *HotReloadManager) *ConfigAPIHandler {
	return &ConfigAPIHandler{manager: manager}
}

// RegisterRoutes 注册配置 API 路由
func (h *ConfigAPIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/config", h.HandleConfig)
	mux.HandleFunc("GET /api/v1/config/fields", h.HandleFields)
	mux.HandleFunc("GET /api/v1/config/changes", h.HandleChanges)
	mux.HandleFunc("GET /api/v1/config/history", h.HandleHistory)
	mux.HandleFunc("POST /api/v1/config/reload", h.HandleReload)
	mux.HandleFunc("POST /api/v1/config/rollback", h.HandleRollback)
}

// HandleConfig GET /api/v1/config，敏感字段已脱敏
func (h *ConfigAPIHandler) HandleConfig(w http.ResponseWriter, _ *http.Request) {
	h.ok(w, configData{Config: h.manager.SanitizedConfig()})
}

// HandleFields GET /api/v1/config/fields
func (h *ConfigAPIHandler) HandleFields(w http.ResponseWriter, _ *http.Request) {
	h.ok(w, configData{Fields: GetHotReloadableFields()})
}

// HandleChanges GET /api/v1/config/changes?limit=N，非法 limit 按默认值处理
func (h *ConfigAPIHandler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	limit := defaultChangeLimit
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	h.ok(w, configData{Changes: h.manager.GetChangeLog(limit)})
}

// HandleHistory GET /api/v1/config/history
func (h *ConfigAPIHandler) HandleHistory(w http.ResponseWriter, _ *http.Request) {
	h.ok(w, configData{History: h.manager.GetConfigHistory()})
}

// HandleReload POST /api/v1/config/reload
func (h *ConfigAPIHandler) HandleReload(w http.ResponseWriter, _ *http.Request) {
	if err := h.manager.ReloadFromFile(); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "reload configuration: "+err.Error())
		return
	}
	h.ok(w, configData{Message: "configuration reloaded", Config: h.manager.SanitizedConfig()})
}

// HandleRollback POST /api/v1/config/rollback，没有上一版本时返回 409
func (h *ConfigAPIHandler) HandleRollback(w http.ResponseWriter, _ *http.Request) {
	if err := h.manager.Rollback(); err != nil {
		writeAPIError(w, http.StatusConflict, "CONFLICT", err.Error())
		return
	}
	h.ok(w, configData{Message: "configuration rolled back", Config: h.manager.SanitizedConfig()})
}

func (h *ConfigAPIHandler) ok(w http.ResponseWriter, data configData) {
	writeAPIJSON(w, http.StatusOK, apiResponse{Success: true, Data: data, Timestamp: time.Now()})
}

func writeAPIError(w http.ResponseWriter, status int, code, msg string) {
	writeAPIJSON(w, status, apiResponse{
		Error:     &apiError{Code: code, Message: msg},
		Timestamp: time.Now(),
	})
}

func writeAPIJSON(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	buf, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"INTERNAL_ERROR","message":"failed to encode response"}}`))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

// RequireAPIKey 要求 X-API-Key 与 apiKey 相同；apiKey 为空时不做检查
func RequireAPIKey(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte(apiKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), want) != 1 {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
