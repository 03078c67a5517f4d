// MockStepHandler 的步骤处理器测试模拟实现。
//
// 支持按步骤名预设结果、错误、前 N 次失败与自定义执行函数，并记录每次调用。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/dagflow/workflow"
)

// --- MockStepHandler 结构 ---

// StepFunc 步骤执行函数类型
type StepFunc func(ctx context.Context, req workflow.StepRequest) (any, error)

// MockStepHandler 是 workflow.StepHandler 的模拟实现
type MockStepHandler struct {
	mu sync.RWMutex

	// 按步骤名预设的行为
	funcs    map[string]StepFunc
	results  map[string]any
	errs     map[string]error
	failures map[string]int
	delays   map[string]time.Duration
	fallback StepFunc

	// 调用记录
	calls []StepCall

	// 默认行为
	defaultResult any
	defaultError  error
}

// StepCall 记录单次步骤调用
type StepCall struct {
	StepName        string
	Attempt         int
	Params          map[string]any
	AgentInstanceID string
	Result          any
	Error           error
}

// --- 构造函数和 Builder 方法 ---

// NewMockStepHandler 创建新的 MockStepHandler
func NewMockStepHandler() *MockStepHandler {
	return &MockStepHandler{
		funcs:    make(map[string]StepFunc),
		results:  make(map[string]any),
		errs:     make(map[string]error),
		failures: make(map[string]int),
		delays:   make(map[string]time.Duration),
		calls:    []StepCall{},
	}
}

// WithStep 为步骤注册执行函数
func (m *MockStepHandler) WithStep(name string, fn StepFunc) *MockStepHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs[name] = fn
	return m
}

// WithResult 设置步骤的固定返回结果
func (m *MockStepHandler) WithResult(name string, result any) *MockStepHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[name] = result
	return m
}

// WithError 设置步骤的固定返回错误
func (m *MockStepHandler) WithError(name string, err error) *MockStepHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[name] = err
	return m
}

// WithFailures 让步骤前 n 次调用失败，之后正常返回
func (m *MockStepHandler) WithFailures(name string, n int) *MockStepHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[name] = n
	return m
}

// WithDelay 让步骤在返回前等待 d，期间响应 ctx 取消
func (m *MockStepHandler) WithDelay(name string, d time.Duration) *MockStepHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[name] = d
	return m
}

// WithDefaultResult 设置默认返回结果
func (m *MockStepHandler) WithDefaultResult(result any) *MockStepHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResult = result
	return m
}

// WithDefaultError 设置默认返回错误
func (m *MockStepHandler) WithDefaultError(err error) *MockStepHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultError = err
	return m
}

// --- StepHandler 接口实现 ---

// Execute 执行步骤
func (m *MockStepHandler) Execute(ctx context.Context, req workflow.StepRequest) (any, error) {
	m.mu.Lock()
	fn, ok := m.funcs[req.StepName]
	if !ok {
		fn = m.fallback
	}
	delay := m.delays[req.StepName]
	failNow := false
	if n := m.failures[req.StepName]; n > 0 {
		m.failures[req.StepName] = n - 1
		failNow = true
	}
	m.mu.Unlock()

	result, err := m.run(ctx, req, fn, delay, failNow)

	m.mu.Lock()
	m.calls = append(m.calls, StepCall{
		StepName:        req.StepName,
		Attempt:         req.Attempt,
		Params:          req.Params,
		AgentInstanceID: req.AgentInstanceID,
		Result:          result,
		Error:           err,
	})
	m.mu.Unlock()
	return result, err
}

func (m *MockStepHandler) run(ctx context.Context, req workflow.StepRequest, fn StepFunc, delay time.Duration, failNow bool) (any, error) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// 检查是否处于预设失败阶段
	if failNow {
		return nil, errors.New("mock failure: " + req.StepName)
	}

	m.mu.RLock()
	err, hasErr := m.errs[req.StepName]
	result, hasResult := m.results[req.StepName]
	defaultResult, defaultError := m.defaultResult, m.defaultError
	m.mu.RUnlock()

	if hasErr {
		return nil, err
	}
	if hasResult {
		return result, nil
	}
	if fn != nil {
		return fn(ctx, req)
	}
	if defaultError != nil {
		return nil, defaultError
	}
	return defaultResult, nil
}

// --- 查询方法 ---

// GetCalls 获取所有调用记录
func (m *MockStepHandler) GetCalls() []StepCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]StepCall{}, m.calls...)
}

// GetCallCount 获取调用次数
func (m *MockStepHandler) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// GetCallsForStep 获取特定步骤的调用记录
func (m *MockStepHandler) GetCallsForStep(name string) []StepCall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var calls []StepCall
	for _, call := range m.calls {
		if call.StepName == name {
			calls = append(calls, call)
		}
	}
	return calls
}

// CalledSteps 按调用顺序返回步骤名
func (m *MockStepHandler) CalledSteps() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.calls))
	for i, c := range m.calls {
		names[i] = c.StepName
	}
	return names
}

// Reset 重置调用记录
func (m *MockStepHandler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = []StepCall{}
}

// --- 预设 Handler 工厂 ---

// NewEchoHandler 创建返回 "<步骤名>-out" 的处理器
func NewEchoHandler() *MockStepHandler {
	return NewMockStepHandler().
		withFallback(func(ctx context.Context, req workflow.StepRequest) (any, error) {
			return req.StepName + "-out", nil
		})
}

// NewBlockingHandler 创建阻塞直到 ctx 结束的处理器，started 在每次调用开始时收到步骤名
func NewBlockingHandler(started chan<- string) *MockStepHandler {
	return NewMockStepHandler().
		withFallback(func(ctx context.Context, req workflow.StepRequest) (any, error) {
			if started != nil {
				select {
				case started <- req.StepName:
				default:
				}
			}
			<-ctx.Done()
			return nil, ctx.Err()
		})
}

// withFallback 为未预设的步骤设置执行函数
func (m *MockStepHandler) withFallback(fn StepFunc) *MockStepHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
	return m
}
