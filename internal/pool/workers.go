// Package pool 提供所有执行共享的有界步骤工作池，以及事件编码用的缓冲区复用。
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task 一个工作单元
type Task func(ctx context.Context) error

// Config 工作池配置
type Config struct {
	Name        string        `json:"name" yaml:"name"`
	MaxWorkers  int           `json:"max_workers" yaml:"max_workers"`
	QueueSize   int           `json:"queue_size" yaml:"queue_size"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Name:        "steps",
		MaxWorkers:  64,
		QueueSize:   256,
		IdleTimeout: time.Minute,
	}
}

// Stats 工作池统计
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
	Rejected  int64 `json:"rejected"`
}

type job struct {
	ctx  context.Context
	task Task
}

// WorkerPool 最多 MaxWorkers 个协程执行任务。协程按需创建，
// 空闲 IdleTimeout 后退出；所有协程忙且队列满时 Submit 立即返回 ErrPoolFull，
// 由调用方决定何时重试。
type WorkerPool struct {
	cfg    Config
	logger *zap.Logger
	jobs   chan job

	// mu 保证 Close 之后不再向 jobs 发送
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	workers atomic.Int32
	busy    atomic.Int32

	submitted, completed, failed, panicked, rejected atomic.Int64
}

// New 创建工作池，非法配置项回退到默认值
func New(cfg Config, logger *zap.Logger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &WorkerPool{
		cfg:    cfg,
		jobs:   make(chan job, cfg.QueueSize),
		logger: logger.With(zap.String("component", "worker_pool"), zap.String("pool", cfg.Name)),
	}
}

// Name 工作池名称
func (p *WorkerPool) Name() string { return p.cfg.Name }

// Submit 不阻塞地提交任务。没有空闲协程时优先新建协程直接执行，
// 达到上限后进入队列。
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.submitted.Add(1)
	j := job{ctx: ctx, task: task}

	if p.workers.Load() == p.busy.Load() && p.reserve() {
		p.busy.Add(1)
		p.wg.Add(1)
		go p.work(&j)
		return nil
	}

	select {
	case p.jobs <- j:
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
	// 最后一个协程可能恰在入队前空闲退出
	if p.workers.Load() == 0 && p.reserve() {
		p.wg.Add(1)
		go p.work(nil)
	}
	return nil
}

// reserve 占用一个协程名额
func (p *WorkerPool) reserve() bool {
	for {
		n := p.workers.Load()
		if int(n) >= p.cfg.MaxWorkers {
			return false
		}
		if p.workers.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *WorkerPool) work(first *job) {
	defer p.wg.Done()
	if first != nil {
		p.execute(*first)
	}

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case j, ok := <-p.jobs:
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.busy.Add(1)
			p.execute(j)
			idle.Reset(p.cfg.IdleTimeout)
		case <-idle.C:
			p.workers.Add(-1)
			if len(p.jobs) == 0 || !p.reserve() {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		}
	}
}

// execute 运行任务并释放 busy 计数；已取消的任务不执行
func (p *WorkerPool) execute(j job) {
	defer p.busy.Add(-1)

	if err := p.call(j); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

func (p *WorkerPool) call(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("task panicked", zap.Any("panic", r), zap.StackSkip("stack", 2))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.task(j.ctx)
}

// Close 停止接收任务，等队列中的任务执行完并且所有协程退出
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("worker pool closed",
		zap.Int64("completed", p.completed.Load()),
		zap.Int64("failed", p.failed.Load()))
}

// Stats 返回统计快照
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.busy.Load()),
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
		Rejected:  p.rejected.Load(),
	}
}
