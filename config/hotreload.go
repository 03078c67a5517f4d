// 配置热重载管理器实现。
//
// 监听配置文件，检测字段变更，区分可热更新字段与需要重启的字段，
// 回调失败时自动回滚，并保留变更历史。
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 热重载类型定义 ---

// HotReloadManager 管理配置热重载
type HotReloadManager struct {
	mu sync.RWMutex

	config     *Config
	configPath string

	history        []ConfigSnapshot
	maxHistorySize int
	validateFunc   ValidateFunc

	watcher         *FileWatcher
	pollInterval    time.Duration
	reloadCallbacks []ReloadCallback

	changeLog []ConfigChange

	logger *zap.Logger

	running bool
	cancel  context.CancelFunc
}

// ReloadCallback 在新配置生效后调用
type ReloadCallback func(oldConfig, newConfig *Config)

// ValidateFunc 配置应用前的校验钩子
type ValidateFunc func(newConfig *Config) error

// ConfigChange 代表一次字段变更
type ConfigChange struct {
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"`
	Path            string    `json:"path"`
	OldValue        any       `json:"old_value,omitempty"`
	NewValue        any       `json:"new_value,omitempty"`
	RequiresRestart bool      `json:"requires_restart"`
}

// ConfigSnapshot 配置快照（用于历史记录和回滚）
type ConfigSnapshot struct {
	Config    *Config   `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
}

// HotReloadableField 描述一个已知配置字段
type HotReloadableField struct {
	Path            string `json:"path"`
	Description     string `json:"description"`
	RequiresRestart bool   `json:"requires_restart"`
	Sensitive       bool   `json:"sensitive"`
}

// --- 已知字段注册表 ---

// 未登记的字段一律视为需要重启
var knownFields = map[string]HotReloadableField{
	"Log.Level":             {Path: "Log.Level", Description: "Log level (debug, info, warn, error)"},
	"Server.RateLimitRPS":   {Path: "Server.RateLimitRPS", Description: "Per-client requests per second"},
	"Server.RateLimitBurst": {Path: "Server.RateLimitBurst", Description: "Per-client burst size"},

	"Server.HTTPPort":    {Path: "Server.HTTPPort", Description: "HTTP server port", RequiresRestart: true},
	"Server.MetricsPort": {Path: "Server.MetricsPort", Description: "Metrics server port", RequiresRestart: true},
	"Server.APIKeys":     {Path: "Server.APIKeys", Description: "Accepted API keys", RequiresRestart: true, Sensitive: true},
	"Server.JWT.Secret":  {Path: "Server.JWT.Secret", Description: "JWT signing secret", RequiresRestart: true, Sensitive: true},
	"Server.TLSCertFile": {Path: "Server.TLSCertFile", Description: "TLS certificate file", RequiresRestart: true},
	"Server.TLSKeyFile":  {Path: "Server.TLSKeyFile", Description: "TLS private key file", RequiresRestart: true},

	"Engine.MaxParallelSteps": {Path: "Engine.MaxParallelSteps", Description: "Running steps per execution", RequiresRestart: true},
	"Engine.PoolWorkers":      {Path: "Engine.PoolWorkers", Description: "Shared worker pool size", RequiresRestart: true},
	"Store.Driver":            {Path: "Store.Driver", Description: "Persistence backend", RequiresRestart: true},

	"Database.Password": {Path: "Database.Password", Description: "Database password", RequiresRestart: true, Sensitive: true},
	"Redis.Password":    {Path: "Redis.Password", Description: "Redis password", RequiresRestart: true, Sensitive: true},
}

const redacted = "[REDACTED]"

// --- 热重载管理器选项 ---

// HotReloadOption 配置 HotReloadManager
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置记录器
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) HotReloadOption {
	return func(m *HotReloadManager) { m.configPath = path }
}

// WithMaxHistorySize 设置配置历史最大记录数
func WithMaxHistorySize(size int) HotReloadOption {
	return func(m *HotReloadManager) {
		if size > 0 {
			m.maxHistorySize = size
		}
	}
}

// WithValidateFunc 设置配置验证钩子
func WithValidateFunc(fn ValidateFunc) HotReloadOption {
	return func(m *HotReloadManager) { m.validateFunc = fn }
}

// WithReloadPollInterval 设置配置文件轮询间隔
func WithReloadPollInterval(d time.Duration) HotReloadOption {
	return func(m *HotReloadManager) { m.pollInterval = d }
}

// --- 热重载管理器实现 ---

// NewHotReloadManager 创建一个新的热重载管理器
func NewHotReloadManager(config *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:         config,
		maxHistorySize: 10,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_reload"))
	m.pushHistory(config, "init")
	return m
}

func (m *HotReloadManager) pushHistory(config *Config, source string) {
	version := 1
	if n := len(m.history); n > 0 {
		version = m.history[n-1].Version + 1
	}
	m.history = append(m.history, ConfigSnapshot{
		Config:    deepCopyConfig(config),
		Timestamp: time.Now(),
		Source:    source,
		Version:   version,
		Checksum:  configChecksum(config),
	})
	if len(m.history) > m.maxHistorySize {
		m.history = m.history[len(m.history)-m.maxHistorySize:]
	}
}

func deepCopyConfig(config *Config) *Config {
	data, err := json.Marshal(config)
	if err != nil {
		return config
	}
	var copied Config
	if err := json.Unmarshal(data, &copied); err != nil {
		return config
	}
	return &copied
}

func configChecksum(config *Config) string {
	data, err := json.Marshal(config)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Start 启动文件监听（未设置配置路径时只提供手动 ApplyConfig）
func (m *HotReloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("hot reload manager already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	if m.configPath != "" {
		opts := []WatcherOption{WithWatcherLogger(m.logger), WithDebounceDelay(500 * time.Millisecond)}
		if m.pollInterval > 0 {
			opts = append(opts, WithPollInterval(m.pollInterval))
		}
		watcher, err := NewFileWatcher([]string{m.configPath}, opts...)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create file watcher: %w", err)
		}
		watcher.OnChange(m.handleFileChange)
		if err := watcher.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("failed to start file watcher: %w", err)
		}
		m.watcher = watcher
	}

	m.cancel = cancel
	m.running = true
	m.logger.Info("hot reload manager started", zap.String("config_path", m.configPath))
	return nil
}

// Stop 停止热重载管理器
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.cancel()
	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			m.logger.Error("failed to stop file watcher", zap.Error(err))
		}
	}
	m.running = false
	return nil
}

func (m *HotReloadManager) handleFileChange(event FileEvent) {
	if event.Op != FileOpWrite && event.Op != FileOpCreate {
		return
	}
	if err := m.ReloadFromFile(); err != nil {
		m.logger.Error("failed to reload configuration", zap.Error(err))
	}
}

// ReloadFromFile 从文件重新加载配置，失败时保留当前配置
func (m *HotReloadManager) ReloadFromFile() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	newConfig, err := NewLoader().WithConfigPath(m.configPath).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return m.ApplyConfig(newConfig, "file")
}

// ApplyConfig 校验并应用新配置，回调 panic 时回滚到旧配置
func (m *HotReloadManager) ApplyConfig(newConfig *Config, source string) error {
	m.mu.Lock()
	if m.validateFunc != nil {
		if err := m.validateFunc(newConfig); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("config validation failed: %w", err)
		}
	}

	oldConfig := m.config
	changes := detectChanges(oldConfig, newConfig)
	now := time.Now()
	requiresRestart := false
	for i := range changes {
		changes[i].Source = source
		changes[i].Timestamp = now
		field, known := knownFields[changes[i].Path]
		changes[i].RequiresRestart = !known || field.RequiresRestart
		if known && field.Sensitive {
			changes[i].OldValue, changes[i].NewValue = redacted, redacted
		}
		requiresRestart = requiresRestart || changes[i].RequiresRestart
		m.logger.Info("configuration changed",
			zap.String("path", changes[i].Path),
			zap.String("source", source),
			zap.Bool("requires_restart", changes[i].RequiresRestart),
			zap.Any("old_value", changes[i].OldValue),
			zap.Any("new_value", changes[i].NewValue))
	}

	m.config = newConfig
	m.pushHistory(newConfig, source)
	m.changeLog = append(m.changeLog, changes...)
	if len(m.changeLog) > 1000 {
		m.changeLog = m.changeLog[len(m.changeLog)-1000:]
	}
	callbacks := append([]ReloadCallback(nil), m.reloadCallbacks...)
	m.mu.Unlock()

	if err := notifySafe(callbacks, oldConfig, newConfig); err != nil {
		m.mu.Lock()
		if m.config == newConfig {
			m.logger.Error("reload callback failed, rolling back", zap.Error(err))
			m.config = oldConfig
			m.pushHistory(oldConfig, "rollback")
		}
		m.mu.Unlock()
		return fmt.Errorf("config applied but callback failed: %w", err)
	}

	if requiresRestart {
		m.logger.Warn("some configuration changes require restart to take effect")
	}
	m.logger.Info("configuration reloaded", zap.Int("changes", len(changes)))
	return nil
}

func notifySafe(callbacks []ReloadCallback, oldConfig, newConfig *Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	for _, cb := range callbacks {
		cb(oldConfig, newConfig)
	}
	return nil
}

// detectChanges 递归比较新旧配置的导出字段
func detectChanges(oldConfig, newConfig *Config) []ConfigChange {
	var changes []ConfigChange
	compareStructs("", reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem(), &changes)
	return changes
}

func compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		path := field.Name
		if prefix != "" {
			path = prefix + "." + field.Name
		}
		o, n := oldVal.Field(i), newVal.Field(i)
		if o.Kind() == reflect.Struct {
			compareStructs(path, o, n, changes)
			continue
		}
		if !reflect.DeepEqual(o.Interface(), n.Interface()) {
			*changes = append(*changes, ConfigChange{Path: path, OldValue: o.Interface(), NewValue: n.Interface()})
		}
	}
}

// OnReload 注册配置生效后的回调
func (m *HotReloadManager) OnReload(callback ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallbacks = append(m.reloadCallbacks, callback)
}

// Rollback 回滚到上一个历史版本并通知回调
func (m *HotReloadManager) Rollback() error {
	m.mu.RLock()
	if len(m.history) < 2 {
		m.mu.RUnlock()
		return fmt.Errorf("no previous configuration to roll back to")
	}
	target := deepCopyConfig(m.history[len(m.history)-2].Config)
	m.mu.RUnlock()
	return m.ApplyConfig(target, "rollback")
}

// GetConfig 返回当前配置
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetConfigHistory 返回配置历史快照
func (m *HotReloadManager) GetConfigHistory() []ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConfigSnapshot(nil), m.history...)
}

// GetChangeLog 返回最近 limit 条变更，limit <= 0 返回全部
func (m *HotReloadManager) GetChangeLog(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.changeLog
	if limit > 0 && limit < len(log) {
		log = log[len(log)-limit:]
	}
	return append([]ConfigChange(nil), log...)
}

// GetHotReloadableFields 返回已登记的字段
func GetHotReloadableFields() map[string]HotReloadableField {
	out := make(map[string]HotReloadableField, len(knownFields))
	for k, v := range knownFields {
		out[k] = v
	}
	return out
}

// IsHotReloadable 报告字段修改后是否无需重启即可生效
func IsHotReloadable(path string) bool {
	f, ok := knownFields[path]
	return ok && !f.RequiresRestart
}

// SanitizedConfig 返回去除敏感字段的配置，用于 API 输出
func (m *HotReloadManager) SanitizedConfig() map[string]any {
	m.mu.RLock()
	data, err := json.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	redactSensitive(out)
	return out
}

var sensitiveKeys = []string{"password", "secret", "api_keys", "token"}

func redactSensitive(data map[string]any) {
	for k, v := range data {
		lower := strings.ToLower(k)
		sensitive := false
		for _, s := range sensitiveKeys {
			if strings.Contains(lower, s) {
				sensitive = true
				break
			}
		}
		if sensitive {
			data[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			redactSensitive(nested)
		}
	}
}
