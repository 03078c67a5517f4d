package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/internal/tlsutil"
)

// =============================================================================
// 🌐 HTTP 服务器生命周期
// =============================================================================

var (
	// ErrServerClosed Shutdown 之后不能再次启动
	ErrServerClosed = errors.New("server is closed")
	// ErrAlreadyStarted 重复调用 Start
	ErrAlreadyStarted = errors.New("server already started")
)

type state int

const (
	stateIdle state = iota
	stateServing
	stateClosed
)

// Config 单个监听端口的服务器配置
type Config struct {
	Addr        string        `yaml:"addr" json:"addr"`
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WebSocket 事件流所在的服务应设为 0
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// 两者均非空时以 HTTPS 启动
	TLSCertFile string `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" json:"tls_key_file"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ConfigFrom 由全局服务配置构建指定端口的服务器配置，零值字段保留默认值
func ConfigFrom(cfg config.ServerConfig, port int) Config {
	c := DefaultConfig()
	c.Addr = fmt.Sprintf(":%d", port)
	if cfg.ReadTimeout > 0 {
		c.ReadTimeout = cfg.ReadTimeout
		c.IdleTimeout = 2 * cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		c.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		c.ShutdownTimeout = cfg.ShutdownTimeout
	}
	c.TLSCertFile = cfg.TLSCertFile
	c.TLSKeyFile = cfg.TLSKeyFile
	return c
}

// TLSEnabled 是否配置了证书
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Manager 管理一个 http.Server：非阻塞启动、异步错误上报与优雅关闭
type Manager struct {
	server *http.Server
	config Config
	logger *zap.Logger
	errCh  chan error

	mu    sync.RWMutex
	state state
	addr  net.Addr
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:           cfg.Addr,
		Handler:        handler,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
		ErrorLog:       zap.NewStdLog(logger.Named("net_http")),
	}
	if cfg.TLSEnabled() {
		srv.TLSConfig = tlsutil.ServerConfig()
	}
	return &Manager{
		server: srv,
		config: cfg,
		logger: logger.With(zap.String("component", "http_server")),
		errCh:  make(chan error, 1),
	}
}

// Start 监听并在后台开始服务。证书在此处加载，错误同步返回。
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateClosed:
		return ErrServerClosed
	case stateServing:
		return ErrAlreadyStarted
	}

	if m.config.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(m.config.TLSCertFile, m.config.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		m.server.TLSConfig.Certificates = []tls.Certificate{cert}
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	m.addr = ln.Addr()
	m.state = stateServing

	scheme := "http"
	if m.server.TLSConfig != nil {
		ln = tls.NewListener(ln, m.server.TLSConfig)
		scheme = "https"
	}
	m.logger.Info("server listening", zap.String("scheme", scheme), zap.Stringer("addr", m.addr))

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("server stopped unexpectedly", zap.Error(err))
			m.reportError(err)
		}
	}()
	return nil
}

func (m *Manager) reportError(err error) {
	select {
	case m.errCh <- err:
	default:
	}
}

// Shutdown 在 ShutdownTimeout 内排空请求后关闭，可重复调用
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == stateClosed {
		return nil
	}
	m.state = stateClosed

	if m.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	m.logger.Info("server stopped")
	return nil
}

// Wait 阻塞直到 ctx 结束或服务异常退出，然后关闭服务器
func (m *Manager) Wait(ctx context.Context) error {
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-m.errCh:
	}
	return errors.Join(serveErr, m.Shutdown(context.Background()))
}

// Addr 启动后返回实际绑定地址，之前返回配置的地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.addr != nil {
		return m.addr.String()
	}
	return m.config.Addr
}

// IsRunning 是否已启动且尚未关闭
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == stateServing
}
