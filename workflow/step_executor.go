package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/types"
)

const instrumentationName = "github.com/BaSui01/dagflow/workflow"

// StepRequest is what a handler receives for one attempt.
type StepRequest struct {
	ExecutionID     string
	DefinitionID    string
	StepID          string
	StepName        string
	StepType        StepType
	Attempt         int
	Config          StepConfig
	Params          map[string]any
	Bindings        map[string]any
	AgentInstanceID string
}

// StepHandler performs the work of task and agent steps. Handlers must watch
// ctx and return promptly once it is done; the engine cannot stop a handler
// that ignores cancellation.
type StepHandler interface {
	Execute(ctx context.Context, req StepRequest) (any, error)
}

// StepHandlerFunc adapts a function to StepHandler.
type StepHandlerFunc func(ctx context.Context, req StepRequest) (any, error)

// Execute implements StepHandler.
func (f StepHandlerFunc) Execute(ctx context.Context, req StepRequest) (any, error) {
	return f(ctx, req)
}

// HandlerRegistry maps handler names to handlers. Steps that do not name a
// handler use "task" or "agent".
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]StepHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]StepHandler)}
}

// Register adds or replaces a handler.
func (r *HandlerRegistry) Register(name string, h StepHandler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// Get returns the named handler.
func (r *HandlerRegistry) Get(name string) (StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.handlers)
}

// RetryPolicy computes the delay before a retry: BaseDelay × 2^attempt,
// capped at MaxDelay.
type RetryPolicy struct {
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay" yaml:"max_delay"`
}

// DefaultRetryPolicy returns a 500ms base with a 30s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Backoff returns the delay after the given zero-based attempt failed.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// StepRun is one scheduled run of a node.
type StepRun struct {
	ExecutionID  string
	DefinitionID string
	Node         *Node
	Bindings     map[string]any
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// StepOutcome is the terminal result of a StepRun.
type StepOutcome struct {
	Status          StepStatus
	Output          any
	Err             error
	Attempts        int
	AgentInstanceID string
	Duration        time.Duration
}

// StepExecutor runs a single step through its attempts.
type StepExecutor struct {
	handlers *HandlerRegistry
	assigner *AgentAssigner
	retry    RetryPolicy
	logger   *zap.Logger
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewStepExecutor creates a step executor.
func NewStepExecutor(handlers *HandlerRegistry, assigner *AgentAssigner, retry RetryPolicy, logger *zap.Logger) *StepExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	return &StepExecutor{
		handlers: handlers,
		assigner: assigner,
		retry:    retry,
		logger:   logger.With(zap.String("component", "step_executor")),
		tracer:   otel.Tracer(instrumentationName),
		sleep:    sleepCtx,
	}
}

// Run executes the node until it completes, exhausts its attempts or ctx is
// cancelled. A node with MaxRetries=N is attempted at most N+1 times.
func (e *StepExecutor) Run(ctx context.Context, run StepRun) StepOutcome {
	start := time.Now()
	node := run.Node
	if node.Step.Type.IsMarker() {
		return StepOutcome{Status: StepCompleted, Duration: time.Since(start)}
	}

	policy := e.retry
	if node.Retry != nil {
		if node.Retry.BaseDelay > 0 {
			policy.BaseDelay = node.Retry.BaseDelay
		}
		if node.Retry.MaxDelay > 0 {
			policy.MaxDelay = node.Retry.MaxDelay
		}
	}

	var lastAgent string
	for i := 0; i <= node.MaxRetries; i++ {
		attempt := i + 1
		out, agentID, err := e.attempt(ctx, run, attempt)
		if agentID != "" {
			lastAgent = agentID
		}
		if err == nil {
			return StepOutcome{Status: StepCompleted, Output: out, Attempts: attempt, AgentInstanceID: lastAgent, Duration: time.Since(start)}
		}
		if ctx.Err() != nil {
			return StepOutcome{Status: StepCancelled, Err: ctx.Err(), Attempts: attempt, AgentInstanceID: lastAgent, Duration: time.Since(start)}
		}
		if !isRetryable(err) || i == node.MaxRetries {
			e.logger.Debug("step failed",
				zap.String("execution_id", run.ExecutionID),
				zap.String("step", node.Step.Name),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return StepOutcome{Status: StepFailed, Err: err, Attempts: attempt, AgentInstanceID: lastAgent, Duration: time.Since(start)}
		}

		delay := policy.Backoff(i)
		e.logger.Debug("retrying step",
			zap.String("execution_id", run.ExecutionID),
			zap.String("step", node.Step.Name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if run.OnRetry != nil {
			run.OnRetry(attempt, err, delay)
		}
		if serr := e.sleep(ctx, delay); serr != nil {
			return StepOutcome{Status: StepCancelled, Err: serr, Attempts: attempt, AgentInstanceID: lastAgent, Duration: time.Since(start)}
		}
	}
	// unreachable: the loop always returns on its last iteration
	return StepOutcome{Status: StepFailed, Err: errors.New("no attempts made"), Duration: time.Since(start)}
}

func (e *StepExecutor) attempt(ctx context.Context, run StepRun, attempt int) (out any, agentID string, err error) {
	node := run.Node
	ctx, span := e.tracer.Start(ctx, "step.attempt",
		trace.WithAttributes(
			attribute.String("workflow.execution_id", run.ExecutionID),
			attribute.String("workflow.step", node.Step.Name),
			attribute.String("workflow.step_type", string(node.Step.Type)),
			attribute.Int("workflow.attempt", attempt),
		))
	ctx = types.WithExecutionID(ctx, run.ExecutionID)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if agentID != "" {
			span.SetAttributes(attribute.String("workflow.agent_instance_id", agentID))
		}
		span.End()
	}()

	req := StepRequest{
		ExecutionID:  run.ExecutionID,
		DefinitionID: run.DefinitionID,
		StepID:       node.ID,
		StepName:     node.Step.Name,
		StepType:     node.Step.Type,
		Attempt:      attempt,
		Config:       node.Config,
		Bindings:     run.Bindings,
	}

	switch cfg := node.Config.(type) {
	case *ConditionConfig:
		branch, err := cfg.Condition.Eval(run.Bindings)
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"branch": branch}, "", nil

	case *TaskConfig:
		req.Params = cfg.Params
		h, err := e.handler(cfg.Handler, string(StepTypeTask))
		if err != nil {
			return nil, "", err
		}
		out, err = e.invoke(ctx, h, req, node.Timeout, attempt)
		return out, "", err

	case *AgentConfig:
		req.Params = cfg.Params
		h, err := e.handler(cfg.Handler, string(StepTypeAgent))
		if err != nil {
			return nil, "", err
		}
		if e.assigner == nil {
			return nil, "", &NoEligibleAgentError{Step: node.Step.Name, Capabilities: cfg.Capabilities, Strategy: cfg.Strategy, Reason: "no agent assigner configured"}
		}
		agentID, err = e.assigner.Assign(ctx, run.DefinitionID, AssignmentRequest{
			Step:              node.Step.Name,
			Capabilities:      cfg.Capabilities,
			Strategy:          cfg.Strategy,
			AgentDefinitionID: cfg.AgentDefinitionID,
			AgentInstanceID:   cfg.AgentInstanceID,
			Resources:         cfg.Resources,
		})
		if err != nil {
			return nil, "", err
		}
		defer e.assigner.Release(agentID, cfg.Resources)
		req.AgentInstanceID = agentID
		out, err = e.invoke(ctx, h, req, node.Timeout, attempt)
		return out, agentID, err
	}
	return nil, "", Permanent(fmt.Errorf("step %s has no executable config", node.Step.Name))
}

func (e *StepExecutor) handler(name, fallback string) (StepHandler, error) {
	if name == "" {
		name = fallback
	}
	h, ok := e.handlers.Get(name)
	if !ok {
		return nil, types.NewError(types.ErrHandlerNotFound, fmt.Sprintf("no handler registered as %q", name))
	}
	return h, nil
}

// invoke runs the handler under a per-attempt deadline. The handler runs in
// its own goroutine so a handler that ignores ctx cannot hold the attempt past
// its timeout.
func (e *StepExecutor) invoke(ctx context.Context, h StepHandler, req StepRequest, timeout time.Duration, attempt int) (any, error) {
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("step handler panicked",
					zap.String("execution_id", req.ExecutionID),
					zap.String("step", req.StepName),
					zap.Any("panic", r))
				done <- result{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		out, err := h.Execute(actx, req)
		done <- result{out: out, err: err}
	}()

	timedOut := func() error {
		return &StepTimeoutError{Step: req.StepName, Attempt: attempt, Timeout: timeout}
	}
	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, timedOut()
		}
		return r.out, r.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timedOut()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StepBindings builds the variables a step sees: completed step outputs
// keyed by step name, then execution inputs, which win on conflict.
func StepBindings(inputs map[string]any, outputs map[string]any) map[string]any {
	b := make(map[string]any, len(inputs)+len(outputs))
	for k, v := range outputs {
		b[k] = v
	}
	for k, v := range inputs {
		b[k] = v
	}
	return b
}
