package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileOp 文件变化类型
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent 一次经过防抖的文件变化
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Digest    string    `json:"digest,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// fileState 上次观察到的文件状态；modTime 未变时不重新计算摘要
type fileState struct {
	modTime time.Time
	size    int64
	digest  string
}

// FileWatcher 轮询一组文件（配置文件、工作流定义文件），按内容摘要判断变化。
// 只 touch 不改内容不会触发回调；同一文件在防抖窗口内的多次变化合并为一次。
type FileWatcher struct {
	paths         []string
	debounceDelay time.Duration
	pollInterval  time.Duration
	logger        *zap.Logger

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	done      chan struct{}
	callbacks []func(FileEvent)
	states    map[string]fileState
}

// WatcherOption 监听器选项
type WatcherOption func(*FileWatcher)

// WithDebounceDelay 设置防抖窗口
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d >= 0 {
			w.debounceDelay = d
		}
	}
}

// WithPollInterval 设置轮询间隔，非正值忽略
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewFileWatcher 创建监听器。路径转为绝对路径并去重；尚不存在的文件会在创建时触发 CREATE。
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		debounceDelay: 100 * time.Millisecond,
		pollInterval:  time.Second,
		logger:        zap.NewNop(),
		states:        make(map[string]fileState),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "file_watcher"))

	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", p, err)
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("watched file does not exist yet", zap.String("path", abs))
		} else if err != nil {
			return nil, fmt.Errorf("failed to stat path %s: %w", abs, err)
		}
		w.paths = append(w.paths, abs)
	}
	return w, nil
}

// OnChange 注册回调，回调在监听协程中串行执行
func (w *FileWatcher) OnChange(cb func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start 记录当前文件状态作为基线并开始轮询
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher already running")
	}
	for _, p := range w.paths {
		if st, ok := w.snapshot(p, fileState{}); ok {
			w.states[p] = st
		}
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx, w.stop, w.done)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("poll_interval", w.pollInterval),
		zap.Duration("debounce_delay", w.debounceDelay))
	return nil
}

// Stop 停止轮询并等待正在执行的回调返回
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info("file watcher stopped")
	return nil
}

// Paths 返回监听的绝对路径
func (w *FileWatcher) Paths() []string {
	return append([]string(nil), w.paths...)
}

// IsRunning 是否正在轮询
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *FileWatcher) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	pending := make(map[string]FileEvent)
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			events := w.poll()
			if len(events) == 0 {
				continue
			}
			for _, ev := range events {
				pending[ev.Path] = ev
			}
			fire = time.After(w.debounceDelay)
		case <-fire:
			fire = nil
			w.dispatch(pending)
			pending = make(map[string]FileEvent)
		}
	}
}

// poll 比较每个文件与上次的状态
func (w *FileWatcher) poll() []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	var events []FileEvent
	for _, p := range w.paths {
		prev, existed := w.states[p]
		cur, exists := w.snapshot(p, prev)
		switch {
		case existed && !exists:
			delete(w.states, p)
			events = append(events, FileEvent{Path: p, Op: FileOpRemove, Timestamp: now})
		case !existed && exists:
			w.states[p] = cur
			events = append(events, FileEvent{Path: p, Op: FileOpCreate, Digest: cur.digest, Timestamp: now})
		case exists && cur.digest != prev.digest:
			w.states[p] = cur
			events = append(events, FileEvent{Path: p, Op: FileOpWrite, Digest: cur.digest, Timestamp: now})
		case exists:
			w.states[p] = cur
		}
	}
	return events
}

// snapshot 读取文件状态；修改时间与大小都没变时沿用上次的摘要
func (w *FileWatcher) snapshot(path string, prev fileState) (fileState, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fileState{}, false
	}
	if prev.digest != "" && info.ModTime().Equal(prev.modTime) && info.Size() == prev.size {
		return prev, true
	}
	digest, err := fileDigest(path)
	if err != nil {
		w.logger.Warn("failed to read watched file", zap.String("path", path), zap.Error(err))
		return fileState{}, false
	}
	return fileState{modTime: info.ModTime(), size: info.Size(), digest: digest}, true
}

func (w *FileWatcher) dispatch(pending map[string]FileEvent) {
	w.mu.Lock()
	callbacks := append([]func(FileEvent){}, w.callbacks...)
	w.mu.Unlock()

	for _, ev := range pending {
		w.logger.Debug("file changed", zap.String("path", ev.Path), zap.Stringer("op", ev.Op))
		for _, cb := range callbacks {
			cb(ev)
		}
	}
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
