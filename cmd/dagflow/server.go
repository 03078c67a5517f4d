package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/dagflow/api/handlers"
	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/internal/pool"
	"github.com/BaSui01/dagflow/internal/server"
	"github.com/BaSui01/dagflow/internal/telemetry"
	"github.com/BaSui01/dagflow/store"
	"github.com/BaSui01/dagflow/workflow"
)

// dbStatsInterval 是连接池指标的上报间隔
const dbStatsInterval = 15 * time.Second

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 DAGFlow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	registry  *prometheus.Registry
	collector *metrics.Collector
	recorder  workflow.MetricsRecorder
	backend   *store.Backend
	stepPool  *pool.WorkerPool
	engine    *workflow.Engine
	limiter   *RateLimiter
	hotReload *config.HotReloadManager

	definitions *definitionLoader

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer 创建新的服务器实例。level 为进程 logger 的级别，配置热更新时调整。
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Run 启动所有组件并阻塞到 ctx 结束或任一服务器异常退出，随后按依赖逆序关闭
func (s *Server) Run(ctx context.Context) error {
	// 1. OpenTelemetry
	otelProviders, err := telemetry.Init(ctx, s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		defer func() {
			if shutdownErr := otelProviders.Shutdown(context.Background()); shutdownErr != nil {
				s.logger.Warn("telemetry shutdown error", zap.Error(shutdownErr))
			}
		}()
	}

	// 2. 指标收集器（独立 registry，避免与全局默认 registry 冲突）
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("dagflow", s.registry, s.logger)
	s.recorder = s.collector
	if otelProviders.Enabled() {
		// 启用遥测时引擎指标同时经 OTLP 导出
		otelRecorder, err := telemetry.NewRecorder(otel.GetMeterProvider())
		if err != nil {
			s.logger.Warn("failed to create otel metric instruments", zap.Error(err))
		} else {
			s.recorder = workflow.MultiRecorder{s.collector, otelRecorder}
		}
	}

	// 3. 存储与引擎
	if err := s.initEngine(ctx); err != nil {
		return err
	}
	defer s.closeEngine()

	// 4. 热更新
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.limiter = NewRateLimiter(runCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger)
	if err := s.initHotReloadManager(runCtx); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}
	defer func() {
		if stopErr := s.hotReload.Stop(); stopErr != nil {
			s.logger.Error("hot reload manager shutdown error", zap.Error(stopErr))
		}
	}()

	// 5. HTTP 与 Metrics 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		_ = s.httpManager.Shutdown(context.Background())
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.httpManager.Wait(gctx) })
	g.Go(func() error { return s.metricsManager.Wait(gctx) })
	if s.backend.Pool != nil {
		g.Go(func() error {
			s.reportDBStats(gctx)
			return nil
		})
	}
	return g.Wait()
}

// initEngine 打开存储、创建共享工作池和引擎，并执行启动恢复与定义预加载
func (s *Server) initEngine(ctx context.Context) error {
	backend, err := store.Open(ctx, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.backend = backend

	poolCfg := pool.DefaultConfig()
	if s.cfg.Engine.PoolWorkers > 0 {
		poolCfg.MaxWorkers = s.cfg.Engine.PoolWorkers
	}
	if s.cfg.Engine.PoolQueueSize > 0 {
		poolCfg.QueueSize = s.cfg.Engine.PoolQueueSize
	}
	s.stepPool = pool.New(poolCfg, s.logger)
	s.collector.ObservePool(poolCfg.Name, s.stepPool.Stats)

	opts := []workflow.EngineOption{
		workflow.WithLogger(s.logger),
		workflow.WithPool(s.stepPool),
		workflow.WithHandlers(builtinHandlers(s.logger)),
		workflow.WithAgentRegistry(workflow.NewMemoryAgentRegistry()),
		workflow.WithMetrics(s.recorder),
		workflow.WithConfig(engineConfig(s.cfg.Engine)),
	}
	if backend.Sink != nil {
		opts = append(opts, workflow.WithEventSink(backend.Sink))
	}
	s.engine = workflow.NewEngine(backend.Store, opts...)

	if s.cfg.Engine.RecoverOnStart {
		n, err := s.engine.Recover(ctx)
		if err != nil {
			s.closeEngine()
			return fmt.Errorf("failed to recover executions: %w", err)
		}
		if n > 0 {
			s.logger.Warn("interrupted executions marked failed", zap.Int("count", n))
		}
	}

	s.definitions = newDefinitionLoader(s.engine, s.logger)
	for _, path := range s.cfg.Engine.DefinitionFiles {
		if _, err := s.definitions.load(ctx, path); err != nil {
			s.closeEngine()
			return fmt.Errorf("failed to load definition %s: %w", path, err)
		}
	}
	if s.cfg.Engine.WatchDefinitions && len(s.cfg.Engine.DefinitionFiles) > 0 {
		if err := s.definitions.watch(ctx, s.cfg.Engine.DefinitionFiles, s.cfg.Engine.WatchInterval); err != nil {
			s.closeEngine()
			return fmt.Errorf("failed to watch definition files: %w", err)
		}
	}
	return nil
}

// closeEngine 依次关闭引擎、工作池与存储
func (s *Server) closeEngine() {
	if s.definitions != nil {
		s.definitions.stop()
	}
	if s.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		if err := s.engine.Shutdown(ctx); err != nil {
			s.logger.Error("engine shutdown error", zap.Error(err))
		}
		cancel()
	}
	if s.stepPool != nil {
		s.stepPool.Close()
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			s.logger.Error("store close error", zap.Error(err))
		}
	}
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

// engineConfig 将配置文件中的引擎配置转换为 workflow.EngineConfig，零值字段由引擎补默认值
func engineConfig(cfg config.EngineConfig) workflow.EngineConfig {
	return workflow.EngineConfig{
		MaxParallelSteps: cfg.MaxParallelSteps,
		DefaultStrategy:  workflow.AssignStrategy(cfg.DefaultStrategy),
		Retry: workflow.RetryPolicy{
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
		},
		ApprovalTimeout:    cfg.ApprovalTimeout,
		DefaultStepTimeout: cfg.DefaultStepTimeout,
		FailFast:           cfg.FailFast,
		EventBuffer:        cfg.EventBuffer,
	}
}

// initHotReloadManager 初始化热更新管理器。日志级别与限流参数可在运行时生效。
func (s *Server) initHotReloadManager(ctx context.Context) error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}
	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}
	s.hotReload = config.NewHotReloadManager(s.cfg, opts...)

	s.hotReload.OnReload(func(oldConfig, newConfig *config.Config) {
		if oldConfig.Log.Level != newConfig.Log.Level {
			s.level.SetLevel(parseLevel(newConfig.Log.Level))
			s.logger.Info("log level updated", zap.String("level", newConfig.Log.Level))
		}
		if oldConfig.Server.RateLimitRPS != newConfig.Server.RateLimitRPS ||
			oldConfig.Server.RateLimitBurst != newConfig.Server.RateLimitBurst {
			s.limiter.SetLimits(float64(newConfig.Server.RateLimitRPS), newConfig.Server.RateLimitBurst)
		}
	})

	return s.hotReload.Start(ctx)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// skipAuthPaths 不需要认证的探活与元信息端点
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

// buildHandler 组装路由与中间件链
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewStoreHealthCheck(storeCheckName(s.cfg.Store.Driver), s.backend.Store.Ping))
	health.RegisterCheck(handlers.NewPoolHealthCheck(s.stepPool.Stats, s.cfg.Engine.PoolQueueSize))
	if s.backend.Sink != nil {
		health.RegisterCheck(handlers.NewOptionalHealthCheck("event_sink", s.backend.PingEvents))
	}
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(handlers.VersionInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}))

	// 工作流 API
	handlers.NewWorkflowHandler(s.engine, s.logger).RegisterRoutes(mux)

	// 配置管理 API 是敏感的管理端点，在全局认证之外再单独用第一个 API Key 保护
	configMux := http.NewServeMux()
	config.NewConfigAPIHandler(s.hotReload).RegisterRoutes(configMux)
	configHandler := config.RequireAPIKey(s.firstAPIKey(), configMux)
	mux.Handle("/api/v1/config", configHandler)
	mux.Handle("/api/v1/config/", configHandler)

	srv := s.cfg.Server
	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		Observe(s.logger, s.collector),
		SecurityHeaders(),
		CORS(srv.CORSAllowedOrigins),
		Authenticate(srv.APIKeys, srv.JWT, skipAuthPaths, srv.AllowQueryAPIKey, s.logger),
		s.limiter.Middleware(),
	)
}

func storeCheckName(driver string) string {
	if driver == "" {
		driver = "memory"
	}
	return driver + "_store"
}

// startHTTPServer 启动 API 服务器（非阻塞）
func (s *Server) startHTTPServer() error {
	s.httpManager = server.NewManager(s.buildHandler(), server.ConfigFrom(s.cfg.Server, s.cfg.Server.HTTPPort), s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 在独立端口暴露 /metrics（非阻塞）
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	cfg := server.ConfigFrom(s.cfg.Server, s.cfg.Server.MetricsPort)
	// 指标端口不走 TLS
	cfg.TLSCertFile, cfg.TLSKeyFile = "", ""

	s.metricsManager = server.NewManager(mux, cfg, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// reportDBStats 定期上报数据库连接池指标
func (s *Server) reportDBStats(ctx context.Context) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collector.RecordDBStats(s.cfg.Database.Driver, s.backend.Pool.Stats())
		}
	}
}

// firstAPIKey 返回配置中的第一个 API Key，用于配置 API 的独立认证。
// 未配置时返回空字符串，RequireAPIKey 会放行。
func (s *Server) firstAPIKey() string {
	if len(s.cfg.Server.APIKeys) > 0 {
		return s.cfg.Server.APIKeys[0]
	}
	return ""
}

