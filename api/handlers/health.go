package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/dagflow/internal/pool"
)

// =============================================================================
// 🏥 探活与就绪
// =============================================================================

// 健康状态取值
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// readyCheckTimeout 单个就绪检查的超时
const readyCheckTimeout = 5 * time.Second

// HealthCheck 就绪检查
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// criticalCheck 由检查自身声明失败是否使服务不可用；未实现时视为关键检查
type criticalCheck interface {
	Critical() bool
}

// HealthStatus 探活/就绪响应
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status   string `json:"status"` // pass | warn | fail
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency,omitempty"`
	Critical bool   `json:"critical"`
}

// HealthHandler 负责 /health、/healthz、/ready、/readyz 与 /version
type HealthHandler struct {
	logger *zap.Logger

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger.With(zap.String("component", "health"))}
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth 存活探针：进程能响应即可，不访问任何依赖
// @Summary 存活探针
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: StatusHealthy, Timestamp: time.Now()})
}

// HandleReady 就绪探针：并发执行所有检查。
// 关键检查失败返回 503；仅非关键检查失败时返回 200 且状态为 degraded。
// @Summary 就绪探针
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus
// @Failure 503 {object} HealthStatus
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	g, ctx := errgroup.WithContext(r.Context())
	for i, check := range checks {
		g.Go(func() error {
			results[i] = h.run(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, check := range checks {
		res := results[i]
		status.Checks[check.Name()] = res
		switch {
		case res.Status == "fail":
			status.Status = StatusUnhealthy
		case res.Status == "warn" && status.Status == StatusHealthy:
			status.Status = StatusDegraded
		}
	}

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

func (h *HealthHandler) run(ctx context.Context, check HealthCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
	defer cancel()

	critical := true
	if c, ok := check.(criticalCheck); ok {
		critical = c.Critical()
	}

	start := time.Now()
	err := check.Check(ctx)
	latency := time.Since(start)

	res := CheckResult{Status: "pass", Latency: latency.String(), Critical: critical}
	if err == nil {
		return res
	}
	res.Message = err.Error()
	res.Status = "warn"
	if critical {
		res.Status = "fail"
	}
	h.logger.Warn("readiness check failed",
		zap.String("check", check.Name()),
		zap.Bool("critical", critical),
		zap.Duration("latency", latency),
		zap.Error(err),
	)
	return res
}

// VersionInfo 构建信息
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// HandleVersion 返回构建信息
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} Response{data=VersionInfo}
// @Router /version [get]
func (h *HealthHandler) HandleVersion(info VersionInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}

// =============================================================================
// 🔧 内置检查
// =============================================================================

// PingCheck 以 ping 函数探测一个依赖（存储后端、Redis 等）
type PingCheck struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error
}

// NewStoreHealthCheck 存储后端检查，失败即不可就绪
func NewStoreHealthCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, critical: true, ping: ping}
}

// NewOptionalHealthCheck 非关键依赖检查（如事件外发），失败只降级
func NewOptionalHealthCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

func (c *PingCheck) Name() string   { return c.name }
func (c *PingCheck) Critical() bool { return c.critical }

func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }

// PoolHealthCheck 步骤工作池饱和检查：所有 worker 忙且排队数达到上限时告警
type PoolHealthCheck struct {
	stats     func() pool.Stats
	maxQueued int
}

// NewPoolHealthCheck 创建工作池检查；maxQueued <= 0 时仅报告不告警
func NewPoolHealthCheck(stats func() pool.Stats, maxQueued int) *PoolHealthCheck {
	return &PoolHealthCheck{stats: stats, maxQueued: maxQueued}
}

func (c *PoolHealthCheck) Name() string   { return "step_pool" }
func (c *PoolHealthCheck) Critical() bool { return false }

func (c *PoolHealthCheck) Check(ctx context.Context) error {
	s := c.stats()
	if c.maxQueued > 0 && s.Queued >= c.maxQueued {
		return fmt.Errorf("step pool saturated: %d active, %d queued", s.Active, s.Queued)
	}
	return nil
}
