package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/workflow"
)

// =============================================================================
// 📄 定义文件加载与监听
// =============================================================================

// definitionLoader 从 JSON/YAML 文件注册定义，并记录每个文件当前对应的定义 ID。
// 文件变化时注册新版本并停用旧版本；已在运行的执行不受影响。
type definitionLoader struct {
	engine *workflow.Engine
	logger *zap.Logger

	mu      sync.Mutex
	ids     map[string]string
	watcher *config.FileWatcher
}

func newDefinitionLoader(engine *workflow.Engine, logger *zap.Logger) *definitionLoader {
	return &definitionLoader{
		engine: engine,
		logger: logger.With(zap.String("component", "definition_loader")),
		ids:    make(map[string]string),
	}
}

// load 注册 path 中的定义并返回其 ID
func (l *definitionLoader) load(ctx context.Context, path string) (string, error) {
	def, err := workflow.LoadDefinitionFile(path)
	if err != nil {
		return "", err
	}
	id, err := l.engine.CreateDefinition(ctx, def)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	l.ids[fileKey(path)] = id
	l.mu.Unlock()

	l.logger.Info("definition loaded", zap.String("path", path), zap.String("definition_id", id))
	return id, nil
}

// reload 重新注册文件内容。文件里写死了 id 的定义无法以新 ID 注册，只记录警告。
func (l *definitionLoader) reload(ctx context.Context, path string) error {
	def, err := workflow.LoadDefinitionFile(path)
	if err != nil {
		return err
	}
	if def.ID != "" {
		l.logger.Warn("definition file pins an id, restart to apply changes",
			zap.String("path", path), zap.String("definition_id", def.ID))
		return nil
	}
	id, err := l.engine.CreateDefinition(ctx, def)
	if err != nil {
		return err
	}

	l.mu.Lock()
	key := fileKey(path)
	prev := l.ids[key]
	l.ids[key] = id
	l.mu.Unlock()

	if prev != "" {
		if err := l.engine.DeactivateDefinition(ctx, prev); err != nil {
			return fmt.Errorf("deactivate previous definition %s: %w", prev, err)
		}
	}
	l.logger.Info("definition reloaded",
		zap.String("path", path),
		zap.String("definition_id", id),
		zap.String("previous_id", prev))
	return nil
}

// current 返回 path 当前对应的定义 ID
func (l *definitionLoader) current(path string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ids[fileKey(path)]
}

// fileKey 与 FileWatcher 事件中的路径保持一致
func fileKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// watch 轮询定义文件，内容变化后重新注册
func (l *definitionLoader) watch(ctx context.Context, paths []string, interval time.Duration) error {
	w, err := config.NewFileWatcher(paths,
		config.WithPollInterval(interval),
		config.WithWatcherLogger(l.logger))
	if err != nil {
		return err
	}
	w.OnChange(func(ev config.FileEvent) {
		if ev.Op == config.FileOpRemove {
			l.logger.Warn("definition file removed, keeping registered definition", zap.String("path", ev.Path))
			return
		}
		if err := l.reload(ctx, ev.Path); err != nil {
			l.logger.Error("failed to reload definition", zap.String("path", ev.Path), zap.Error(err))
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()
	return nil
}

func (l *definitionLoader) stop() {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()
	if w != nil {
		_ = w.Stop()
	}
}
