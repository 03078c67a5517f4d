package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/internal/pool"
	"github.com/BaSui01/dagflow/types"
)

// EngineConfig tunes the engine.
type EngineConfig struct {
	// MaxParallelSteps bounds the running steps of one execution.
	MaxParallelSteps int
	// DefaultStrategy is used by agent steps that do not name a strategy.
	DefaultStrategy AssignStrategy
	Retry           RetryPolicy
	// ApprovalTimeout applies when a definition sets no approval timeout.
	ApprovalTimeout time.Duration
	// DefaultStepTimeout applies when neither step nor definition sets one.
	DefaultStepTimeout time.Duration
	// FailFast cancels pending steps once a step fails terminally.
	FailFast bool
	// PoolRetryInterval is how long the scheduler waits when the shared
	// pool rejects a step.
	PoolRetryInterval time.Duration
	// EventBuffer is the per-subscriber buffer of the built-in broadcaster.
	EventBuffer int
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallelSteps:   8,
		DefaultStrategy:    StrategyRoundRobin,
		Retry:              DefaultRetryPolicy(),
		ApprovalTimeout:    24 * time.Hour,
		DefaultStepTimeout: 5 * time.Minute,
		PoolRetryInterval:  20 * time.Millisecond,
		EventBuffer:        256,
	}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEventSink adds a sink that receives every event alongside the
// built-in broadcaster.
func WithEventSink(sink EventSink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithPool runs steps on a shared pool owned by the caller.
func WithPool(p *pool.WorkerPool) EngineOption {
	return func(e *Engine) { e.pool = p }
}

// WithHandlers sets the handler registry.
func WithHandlers(h *HandlerRegistry) EngineOption {
	return func(e *Engine) { e.handlers = h }
}

// WithAgentRegistry sets the agent registry used by agent steps.
func WithAgentRegistry(r AgentRegistry) EngineOption {
	return func(e *Engine) { e.registry = r }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithConfig sets the engine config. Zero fields take defaults.
func WithConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) { e.cfg = cfg }
}

// Engine registers definitions and drives executions to completion.
type Engine struct {
	store       Store
	sink        EventSink
	broadcaster *Broadcaster
	pool        *pool.WorkerPool
	ownsPool    bool
	handlers    *HandlerRegistry
	registry    AgentRegistry
	assigner    *AgentAssigner
	executor    *StepExecutor
	gate        *ApprovalGate
	metrics     MetricsRecorder
	cfg         EngineConfig
	logger      *zap.Logger
	tracer      trace.Tracer

	mu          sync.RWMutex
	definitions map[string]*compiledDefinition
	runs        map[string]*run
	closed      bool
	wg          sync.WaitGroup
}

type compiledDefinition struct {
	def   *Definition
	graph *Graph
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		logger:      zap.NewNop(),
		metrics:     nopMetrics{},
		cfg:         DefaultEngineConfig(),
		definitions: make(map[string]*compiledDefinition),
		runs:        make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewMemoryStore()
	}
	e.cfg = e.cfg.withDefaults()
	e.logger = e.logger.With(zap.String("component", "workflow_engine"))
	e.tracer = otel.Tracer(instrumentationName)

	e.broadcaster = NewBroadcaster(e.cfg.EventBuffer, e.logger)
	if e.sink != nil {
		e.sink = MultiSink{e.broadcaster, e.sink}
	} else {
		e.sink = e.broadcaster
	}
	if e.pool == nil {
		cfg := pool.DefaultConfig()
		e.pool = pool.New(cfg, e.logger)
		e.ownsPool = true
	}
	if e.handlers == nil {
		e.handlers = NewHandlerRegistry()
	}
	e.assigner = NewAgentAssigner(e.registry, e.cfg.DefaultStrategy, e.logger)
	e.executor = NewStepExecutor(e.handlers, e.assigner, e.cfg.Retry, e.logger)
	e.gate = NewApprovalGate(e.logger)
	return e
}

func (c EngineConfig) withDefaults() EngineConfig {
	def := DefaultEngineConfig()
	if c.MaxParallelSteps <= 0 {
		c.MaxParallelSteps = def.MaxParallelSteps
	}
	if !c.DefaultStrategy.Valid() {
		c.DefaultStrategy = def.DefaultStrategy
	}
	if c.Retry.BaseDelay < 0 {
		c.Retry.BaseDelay = 0
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = def.ApprovalTimeout
	}
	if c.DefaultStepTimeout < 0 {
		c.DefaultStepTimeout = 0
	}
	if c.PoolRetryInterval <= 0 {
		c.PoolRetryInterval = def.PoolRetryInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}

// Handlers returns the handler registry.
func (e *Engine) Handlers() *HandlerRegistry { return e.handlers }

// Assigner returns the agent assigner.
func (e *Engine) Assigner() *AgentAssigner { return e.assigner }

// Broadcaster returns the built-in event broadcaster.
func (e *Engine) Broadcaster() *Broadcaster { return e.broadcaster }

// CreateDefinition validates def, stores an immutable copy and returns its
// id. A definition without an id gets a new one.
func (e *Engine) CreateDefinition(ctx context.Context, def *Definition) (string, error) {
	if def == nil {
		return "", graphError(InvalidStep, "definition is nil")
	}
	cp := def.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Version == "" {
		cp.Version = "1"
	}
	graph, err := Compile(cp, CompileOptions{DefaultTimeout: e.cfg.DefaultStepTimeout})
	if err != nil {
		return "", err
	}
	for i := range cp.Steps {
		node, _ := graph.NodeByName(cp.Steps[i].Name)
		cp.Steps[i].ID = node.ID
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.IsActive = true

	e.mu.Lock()
	if _, exists := e.definitions[cp.ID]; exists {
		e.mu.Unlock()
		return "", types.NewError(types.ErrConflict, fmt.Sprintf("definition %s already exists", cp.ID))
	}
	e.mu.Unlock()

	if err := e.store.SaveDefinition(ctx, cp); err != nil {
		return "", fmt.Errorf("save definition: %w", err)
	}

	e.mu.Lock()
	e.definitions[cp.ID] = &compiledDefinition{def: cp, graph: graph}
	e.mu.Unlock()

	e.logger.Info("definition registered",
		zap.String("definition_id", cp.ID),
		zap.String("name", cp.Name),
		zap.Int("steps", graph.Len()),
		zap.Int("layers", len(graph.layers)))
	return cp.ID, nil
}

// GetDefinition returns a copy of a registered definition.
func (e *Engine) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	cd, err := e.compiled(ctx, id)
	if err != nil {
		return nil, err
	}
	return cd.def.Clone(), nil
}

// ListDefinitions returns all stored definitions.
func (e *Engine) ListDefinitions(ctx context.Context) ([]*Definition, error) {
	return e.store.ListDefinitions(ctx)
}

// DeactivateDefinition stops new executions of a definition. Running
// executions are not affected.
func (e *Engine) DeactivateDefinition(ctx context.Context, id string) error {
	cd, err := e.compiled(ctx, id)
	if err != nil {
		return err
	}
	cp := cd.def.Clone()
	cp.IsActive = false
	cp.UpdatedAt = time.Now()
	if err := e.store.SaveDefinition(ctx, cp); err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	e.mu.Lock()
	e.definitions[id] = &compiledDefinition{def: cp, graph: cd.graph}
	e.mu.Unlock()
	return nil
}

// Layers returns the resolved layers of a definition by step name.
func (e *Engine) Layers(ctx context.Context, definitionID string) ([][]string, error) {
	cd, err := e.compiled(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return cd.graph.LayerNames(), nil
}

func (e *Engine) compiled(ctx context.Context, id string) (*compiledDefinition, error) {
	e.mu.RLock()
	cd, ok := e.definitions[id]
	e.mu.RUnlock()
	if ok {
		return cd, nil
	}

	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	graph, err := Compile(def, CompileOptions{DefaultTimeout: e.cfg.DefaultStepTimeout})
	if err != nil {
		return nil, fmt.Errorf("stored definition %s: %w", id, err)
	}
	cd = &compiledDefinition{def: def, graph: graph}
	e.mu.Lock()
	if existing, ok := e.definitions[id]; ok {
		cd = existing
	} else {
		e.definitions[id] = cd
	}
	e.mu.Unlock()
	return cd, nil
}

// Execute validates inputs, creates a running execution and starts it in
// the background. It returns as soon as the execution record exists.
func (e *Engine) Execute(ctx context.Context, definitionID string, inputs map[string]any) (string, error) {
	cd, err := e.compiled(ctx, definitionID)
	if err != nil {
		return "", err
	}
	if !cd.def.IsActive {
		return "", types.NewError(types.ErrDefinitionInactive, fmt.Sprintf("definition %s is inactive", definitionID))
	}
	bound, err := ValidateInputs(cd.def.Variables, inputs)
	if err != nil {
		return "", err
	}

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return "", types.NewError(types.ErrServiceUnavailable, "engine is shutting down")
	}

	now := time.Now()
	exec := &Execution{
		ID:                uuid.NewString(),
		DefinitionID:      cd.def.ID,
		DefinitionVersion: cd.def.Version,
		Status:            ExecutionRunning,
		InputVariables:    bound,
		StartedAt:         timePtr(now),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("save execution: %w", err)
	}

	r := newRun(e, cd, exec, context.WithoutCancel(ctx))

	e.mu.Lock()
	e.runs[exec.ID] = r
	active := len(e.runs)
	e.wg.Add(1)
	e.mu.Unlock()
	e.metrics.SetActiveExecutions(active)

	go func() {
		defer e.wg.Done()
		r.loop()
		e.mu.Lock()
		delete(e.runs, exec.ID)
		active := len(e.runs)
		e.mu.Unlock()
		e.metrics.SetActiveExecutions(active)
	}()

	e.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("definition_id", cd.def.ID))
	return exec.ID, nil
}

func (e *Engine) liveRun(id string) (*run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	return r, ok
}

// GetStatus returns the execution status and each step's status by name.
// Steps that have not been reached yet are reported as pending.
func (e *Engine) GetStatus(ctx context.Context, executionID string) (*ExecutionStatusView, error) {
	if r, ok := e.liveRun(executionID); ok {
		return r.statusView(), nil
	}
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	view := &ExecutionStatusView{
		ExecutionID:     exec.ID,
		Status:          exec.Status,
		Steps:           make(map[string]StepStatus, len(steps)),
		Error:           exec.Error,
		PendingApproval: exec.PendingApproval,
	}
	if cd, err := e.compiled(ctx, exec.DefinitionID); err == nil {
		for _, id := range cd.graph.order {
			view.Steps[cd.graph.nodes[id].Step.Name] = StepPending
		}
	}
	for _, s := range steps {
		view.Steps[s.StepName] = s.Status
	}
	return view, nil
}

// GetExecution returns a copy of the execution record.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	if r, ok := e.liveRun(executionID); ok {
		return r.execution(), nil
	}
	return e.store.GetExecution(ctx, executionID)
}

// ListExecutions returns stored executions matching filter.
func (e *Engine) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// ListStepExecutions returns the step records of an execution.
func (e *Engine) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	if r, ok := e.liveRun(executionID); ok {
		return r.stepRecords(), nil
	}
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.store.ListStepExecutions(ctx, executionID)
}

// Cancel cancels a non-terminal execution. Pending steps become cancelled at
// once; running handlers are signalled through their context and the
// execution reports workflow_cancelled after they return.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	r, ok := e.liveRun(executionID)
	if !ok {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		return &NotCancellableError{ExecutionID: executionID, Status: exec.Status}
	}
	return r.requestCancel(ctx, "cancelled by request")
}

// Approve resolves the open approval gate of an execution. approved=false
// cancels the execution.
func (e *Engine) Approve(ctx context.Context, executionID string, approved bool, feedback string) error {
	err := e.gate.Resolve(executionID, ApprovalDecision{Approved: approved, Feedback: feedback})
	var notAwaiting *NotAwaitingApprovalError
	if errors.As(err, &notAwaiting) {
		if view, serr := e.GetStatus(ctx, executionID); serr == nil {
			notAwaiting.Status = view.Status
		} else if errors.Is(serr, ErrNotFound) {
			return serr
		}
	}
	return err
}

// PendingApprovals returns the open approval requests.
func (e *Engine) PendingApprovals() []*ApprovalRequest {
	return e.gate.List()
}

// Subscribe streams the events of one execution. The returned function ends
// the subscription.
func (e *Engine) Subscribe(executionID string) (<-chan Event, func()) {
	return e.broadcaster.Subscribe(ExecutionChannel(executionID))
}

// SubscribeAll streams every event.
func (e *Engine) SubscribeAll() (<-chan Event, func()) {
	return e.broadcaster.Subscribe(GlobalChannel)
}

// Recover loads stored definitions and fails executions a previous process
// left unfinished. Executions are owned by the process that started them and
// are not resumed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	defs, err := e.store.ListDefinitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list definitions: %w", err)
	}
	for _, def := range defs {
		if _, err := e.compiled(ctx, def.ID); err != nil {
			e.logger.Warn("skipping invalid stored definition",
				zap.String("definition_id", def.ID), zap.Error(err))
		}
	}

	stale, err := e.store.ListExecutions(ctx, ExecutionFilter{
		Statuses: []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionAwaitingApproval},
	})
	if err != nil {
		return 0, fmt.Errorf("list executions: %w", err)
	}
	recovered := 0
	for _, exec := range stale {
		if _, live := e.liveRun(exec.ID); live {
			continue
		}
		now := time.Now()
		steps, err := e.store.ListStepExecutions(ctx, exec.ID)
		if err != nil {
			return recovered, fmt.Errorf("list step executions: %w", err)
		}
		for _, s := range steps {
			if s.Status.IsTerminal() {
				continue
			}
			s.Status = StepCancelled
			s.Error = "interrupted by restart"
			s.CompletedAt = timePtr(now)
			if err := e.store.SaveStepExecution(ctx, s); err != nil {
				return recovered, fmt.Errorf("save step execution: %w", err)
			}
		}
		exec.Status = ExecutionFailed
		exec.Error = "interrupted by restart"
		exec.PendingApproval = ""
		exec.CompletedAt = timePtr(now)
		exec.UpdatedAt = now
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return recovered, fmt.Errorf("save execution: %w", err)
		}
		e.publish(ctx, Event{
			Type:        EventWorkflowFailed,
			Timestamp:   now,
			ExecutionID: exec.ID,
			Message:     exec.Error,
		})
		recovered++
	}
	if recovered > 0 {
		e.logger.Warn("failed executions interrupted by restart", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Shutdown cancels live executions and waits for their run loops to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		if err := r.requestCancel(ctx, "engine shutdown"); err != nil {
			var nc *NotCancellableError
			if !errors.As(err, &nc) {
				e.logger.Warn("cancel on shutdown failed",
					zap.String("execution_id", r.id), zap.Error(err))
			}
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.ownsPool {
		e.pool.Close()
	}
	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	channels := []string{ExecutionChannel(ev.ExecutionID), GlobalChannel}
	if ev.StepID != "" {
		channels = append(channels, StepChannel(ev.ExecutionID, ev.StepID))
	}
	e.metrics.RecordEvent(string(ev.Type))
	for _, ch := range channels {
		if err := e.sink.Publish(ctx, ch, ev); err != nil {
			e.metrics.RecordEventDropped()
			e.logger.Warn("event publish failed",
				zap.String("channel", ch),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err))
		}
	}
}
