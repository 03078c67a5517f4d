// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加：
//
//	cfg, err := config.NewLoader().WithConfigPath("dagflow.yaml").Load()

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 DAGFlow 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" json:"server" env:"SERVER"`

	// Engine 工作流引擎配置
	Engine EngineConfig `yaml:"engine" json:"engine" env:"ENGINE"`

	// Store 持久化后端选择
	Store StoreConfig `yaml:"store" json:"store" env:"STORE"`

	// Redis 配置
	Redis RedisConfig `yaml:"redis" json:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" json:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" json:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" json:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" json:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端 IP 的每秒请求数
	RateLimitRPS int `yaml:"rate_limit_rps" json:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 令牌桶容量
	RateLimitBurst int `yaml:"rate_limit_burst" json:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// API Key 列表，为空时不启用 API Key 认证
	APIKeys []string `yaml:"api_keys" json:"api_keys" env:"API_KEYS"`
	// 是否允许通过 query 参数传递 API Key（WebSocket 客户端无法设置 header）
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" json:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	// CORS 允许的来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" json:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// JWT 认证
	JWT JWTConfig `yaml:"jwt" json:"jwt" env:"JWT"`
	// TLS 证书与私钥文件，均为空时使用明文 HTTP
	TLSCertFile string `yaml:"tls_cert_file" json:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" json:"tls_key_file" env:"TLS_KEY_FILE"`
}

// JWTConfig JWT 认证配置，Secret 为空时不启用
type JWTConfig struct {
	Secret   string `yaml:"secret" json:"secret" env:"SECRET"`
	Issuer   string `yaml:"issuer" json:"issuer" env:"ISSUER"`
	Audience string `yaml:"audience" json:"audience" env:"AUDIENCE"`
}

// EngineConfig 工作流引擎配置
type EngineConfig struct {
	// 单个执行内的最大并行步骤数
	MaxParallelSteps int `yaml:"max_parallel_steps" json:"max_parallel_steps" env:"MAX_PARALLEL_STEPS"`
	// 共享工作池大小
	PoolWorkers int `yaml:"pool_workers" json:"pool_workers" env:"POOL_WORKERS"`
	// 共享工作池队列长度
	PoolQueueSize int `yaml:"pool_queue_size" json:"pool_queue_size" env:"POOL_QUEUE_SIZE"`
	// 重试退避基数
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	// 重试退避上限
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" json:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	// 默认步骤超时
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" json:"default_step_timeout" env:"DEFAULT_STEP_TIMEOUT"`
	// 默认审批超时
	ApprovalTimeout time.Duration `yaml:"approval_timeout" json:"approval_timeout" env:"APPROVAL_TIMEOUT"`
	// 默认 Agent 分配策略: round_robin, least_loaded, capability_match, resource_based
	DefaultStrategy string `yaml:"default_strategy" json:"default_strategy" env:"DEFAULT_STRATEGY"`
	// 步骤最终失败时取消所有未开始的步骤
	FailFast bool `yaml:"fail_fast" json:"fail_fast" env:"FAIL_FAST"`
	// 每个订阅者的事件缓冲
	EventBuffer int `yaml:"event_buffer" json:"event_buffer" env:"EVENT_BUFFER"`
	// 启动时将遗留的未完成执行标记为失败
	RecoverOnStart bool `yaml:"recover_on_start" json:"recover_on_start" env:"RECOVER_ON_START"`
	// 启动时加载的定义文件（JSON 或 YAML）
	DefinitionFiles []string `yaml:"definition_files" json:"definition_files" env:"DEFINITION_FILES"`
	// 定义文件内容变化时重新注册，旧版本停用
	WatchDefinitions bool `yaml:"watch_definitions" json:"watch_definitions" env:"WATCH_DEFINITIONS"`
	// 定义文件轮询间隔
	WatchInterval time.Duration `yaml:"watch_interval" json:"watch_interval" env:"WATCH_INTERVAL"`
}

// StoreConfig 持久化配置
type StoreConfig struct {
	// 后端: memory, database, redis
	Driver string `yaml:"driver" json:"driver" env:"DRIVER"`
	// 数据库后端启动时执行 AutoMigrate
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate" env:"AUTO_MIGRATE"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`
	// 将事件同时发布到 Redis Pub/Sub
	PublishEvents bool `yaml:"publish_events" json:"publish_events" env:"PUBLISH_EVENTS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" json:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" json:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" json:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" json:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" json:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" json:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" json:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" json:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" json:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" json:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 健康检查间隔，0 表示不检查
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" json:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" json:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" json:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" json:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" json:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" json:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate" env:"SAMPLE_RATE"`
	// 以明文 gRPC 连接 collector
	Insecure bool `yaml:"insecure" json:"insecure" env:"INSECURE"`
	// 指标导出间隔
	ExportInterval time.Duration `yaml:"export_interval" json:"export_interval" env:"EXPORT_INTERVAL"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 依次叠加 默认值、YAML 文件与环境变量，最后执行校验器
type Loader struct {
	path       string
	envPrefix  string
	strict     bool
	lookup     func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建加载器，环境变量前缀默认 DAGFLOW
func NewLoader() *Loader {
	return &Loader{envPrefix: "DAGFLOW", lookup: os.LookupEnv}
}

// WithConfigPath 设置 YAML 文件路径；文件不存在时只使用默认值与环境变量
func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithStrictYAML 拒绝 YAML 中的未知字段，用于捕获拼写错误
func (l *Loader) WithStrictYAML() *Loader {
	l.strict = true
	return l
}

// WithValidator 追加校验器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 构建配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.decodeFile(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from file: %w", err)
	}
	if err := applyEnv(cfg, l.envPrefix, l.lookup); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) decodeFile(cfg *Config) error {
	if l.path == "" {
		return nil
	}
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(l.strict)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

var (
	validStoreDrivers = map[string]bool{"memory": true, "database": true, "redis": true}
	validDBDrivers    = map[string]bool{"postgres": true, "mysql": true, "sqlite": true}
	validStrategies   = map[string]bool{"round_robin": true, "least_loaded": true, "capability_match": true, "resource_based": true}
	validLogLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, "rate limit must not be negative")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "server.tls_cert_file and server.tls_key_file must be set together")
	}

	if c.Engine.MaxParallelSteps <= 0 {
		errs = append(errs, "engine.max_parallel_steps must be positive")
	}
	if c.Engine.PoolWorkers <= 0 {
		errs = append(errs, "engine.pool_workers must be positive")
	}
	if c.Engine.RetryBaseDelay < 0 || c.Engine.RetryMaxDelay < 0 {
		errs = append(errs, "engine retry delays must not be negative")
	}
	if c.Engine.DefaultStrategy != "" && !validStrategies[c.Engine.DefaultStrategy] {
		errs = append(errs, fmt.Sprintf("unknown engine.default_strategy %q", c.Engine.DefaultStrategy))
	}

	if !validStoreDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Store.Driver == "database" && !validDBDrivers[c.Database.Driver] {
		errs = append(errs, fmt.Sprintf("unknown database.driver %q", c.Database.Driver))
	}

	if !validLogLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("unknown log.level %q", c.Log.Level))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
