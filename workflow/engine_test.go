package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/types"
)

const waitFor = 3 * time.Second

func testEngineConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.Retry = RetryPolicy{}
	return cfg
}

func newTestEngine(t *testing.T, handler StepHandlerFunc, opts ...EngineOption) *Engine {
	t.Helper()
	handlers := NewHandlerRegistry()
	if handler != nil {
		handlers.Register("task", handler)
	}
	all := append([]EngineOption{
		WithLogger(zap.NewNop()),
		WithHandlers(handlers),
		WithConfig(testEngineConfig()),
	}, opts...)
	e := NewEngine(NewMemoryStore(), all...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func echoHandler(ctx context.Context, req StepRequest) (any, error) {
	return req.StepName + "-out", nil
}

func waitStatus(t *testing.T, e *Engine, id string, want ExecutionStatus) *ExecutionStatusView {
	t.Helper()
	var view *ExecutionStatusView
	require.Eventually(t, func() bool {
		v, err := e.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		view = v
		return v.Status == want
	}, waitFor, 5*time.Millisecond, "execution never reached %s", want)
	return view
}

func waitTerminal(t *testing.T, e *Engine, id string) *ExecutionStatusView {
	t.Helper()
	var view *ExecutionStatusView
	require.Eventually(t, func() bool {
		if _, live := e.liveRun(id); live {
			return false
		}
		v, err := e.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		view = v
		return v.Status.IsTerminal()
	}, waitFor, 5*time.Millisecond)
	return view
}

func waitStep(t *testing.T, e *Engine, id, step string, want StepStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := e.GetStatus(context.Background(), id)
		return err == nil && v.Steps[step] == want
	}, waitFor, 5*time.Millisecond, "step %s never reached %s", step, want)
}

func fanOutDefinition() *Definition {
	return &Definition{
		Name: "fanout",
		Steps: []Step{
			{Name: "A", Type: StepTypeTask},
			{Name: "B", Type: StepTypeTask, DependsOn: []string{"A"}},
			{Name: "C", Type: StepTypeTask, DependsOn: []string{"A"}},
		},
	}
}

func TestEngine_FanOut(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
		seenA []any
	)
	e := newTestEngine(t, func(ctx context.Context, req StepRequest) (any, error) {
		mu.Lock()
		order = append(order, req.StepName)
		if req.StepName != "A" {
			seenA = append(seenA, req.Bindings["A"])
		}
		mu.Unlock()
		return req.StepName + "-out", nil
	})
	ctx := context.Background()

	defID, err := e.CreateDefinition(ctx, fanOutDefinition())
	require.NoError(t, err)

	layers, err := e.Layers(ctx, defID)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}}, layers)

	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)

	view := waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionCompleted, view.Status)
	assert.Equal(t, map[string]StepStatus{"A": StepCompleted, "B": StepCompleted, "C": StepCompleted}, view.Steps)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "A", order[0])
	assert.ElementsMatch(t, []string{"B", "C"}, order[1:])
	assert.Equal(t, []any{"A-out", "A-out"}, seenA)

	steps, err := e.ListStepExecutions(ctx, execID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, s := range steps {
		assert.Equal(t, 1, s.AttemptCount)
		assert.NotNil(t, s.StartedAt)
		assert.NotNil(t, s.CompletedAt)
		assert.Equal(t, s.StepName+"-out", s.Output)
	}
}

func TestEngine_FailureSkipsDependents(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, req StepRequest) (any, error) {
		if req.StepName == "A" {
			return nil, Permanent(errors.New("A exploded"))
		}
		return "ok", nil
	})
	ctx := context.Background()

	def := &Definition{
		Name: "partial",
		Steps: []Step{
			{Name: "A", Type: StepTypeTask},
			{Name: "B", Type: StepTypeTask, DependsOn: []string{"A"}},
			{Name: "D", Type: StepTypeTask, DependsOn: []string{"B"}},
			{Name: "C", Type: StepTypeTask},
		},
	}
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)
	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)

	view := waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionFailed, view.Status)
	assert.Contains(t, view.Error, "A exploded")
	assert.Equal(t, StepFailed, view.Steps["A"])
	assert.Equal(t, StepSkipped, view.Steps["B"])
	assert.Equal(t, StepSkipped, view.Steps["D"])
	assert.Equal(t, StepCompleted, view.Steps["C"])
}

func TestEngine_FailFastCancelsPending(t *testing.T) {
	release := make(chan struct{})
	cfg := testEngineConfig()
	cfg.FailFast = true
	cfg.MaxParallelSteps = 1

	e := newTestEngine(t, func(ctx context.Context, req StepRequest) (any, error) {
		if req.StepName == "A" {
			return nil, Permanent(errors.New("fail"))
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "late", nil
	}, WithConfig(cfg))
	defer close(release)
	ctx := context.Background()

	def := &Definition{
		Name: "failfast",
		Steps: []Step{
			{Name: "A", Type: StepTypeTask, Order: 0},
			{Name: "B", Type: StepTypeTask, Order: 1},
			{Name: "C", Type: StepTypeTask, Order: 2},
		},
	}
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)
	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)

	view := waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionFailed, view.Status)
	assert.Equal(t, StepFailed, view.Steps["A"])
	assert.Equal(t, StepCancelled, view.Steps["B"])
	assert.Equal(t, StepCancelled, view.Steps["C"])
}

func TestEngine_BestEffortStep(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, req StepRequest) (any, error) {
		if req.StepName == "optional" {
			return nil, errors.New("flaky service down")
		}
		return "ok", nil
	})
	ctx := context.Background()

	def := &Definition{
		Name: "best-effort",
		Steps: []Step{
			{Name: "optional", Type: StepTypeTask, ContinueOnFailure: true, MaxRetries: intPtr(1)},
			{Name: "next", Type: StepTypeTask, DependsOn: []string{"optional"}},
		},
	}
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)
	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)

	view := waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionCompleted, view.Status)
	assert.Equal(t, StepCompleted, view.Steps["next"])

	steps, err := e.ListStepExecutions(ctx, execID)
	require.NoError(t, err)
	var optional *StepExecution
	for _, s := range steps {
		if s.StepName == "optional" {
			optional = s
		}
	}
	require.NotNil(t, optional)
	assert.Equal(t, StepCompleted, optional.Status)
	assert.True(t, optional.Degraded)
	assert.Equal(t, 2, optional.AttemptCount)
	assert.Contains(t, optional.Error, "flaky service down")
}

func TestEngine_ConditionBranches(t *testing.T) {
	def := &Definition{
		Name:      "branching",
		Variables: []Variable{{Name: "approved", DataType: DataTypeBoolean, IsRequired: true}},
		Steps: []Step{
			{
				Name:                "check",
				Type:                StepTypeCondition,
				ConditionExpression: "${approved}",
				Config:              map[string]any{"on_true": []any{"ship"}, "on_false": []any{"refund"}},
			},
			{Name: "ship", Type: StepTypeTask},
			{Name: "refund", Type: StepTypeTask},
			{Name: "notify", Type: StepTypeTask, DependsOn: []string{"ship"}},
		},
	}

	tests := []struct {
		approved bool
		want     map[string]StepStatus
	}{
		{
			approved: true,
			want:     map[string]StepStatus{"check": StepCompleted, "ship": StepCompleted, "refund": StepSkipped, "notify": StepCompleted},
		},
		{
			approved: false,
			want:     map[string]StepStatus{"check": StepCompleted, "ship": StepSkipped, "refund": StepCompleted, "notify": StepSkipped},
		},
	}

	for _, tt := range tests {
		e := newTestEngine(t, echoHandler)
		ctx := context.Background()
		defID, err := e.CreateDefinition(ctx, def)
		require.NoError(t, err)

		execID, err := e.Execute(ctx, defID, map[string]any{"approved": tt.approved})
		require.NoError(t, err)

		view := waitTerminal(t, e, execID)
		assert.Equal(t, ExecutionCompleted, view.Status)
		assert.Equal(t, tt.want, view.Steps)
	}
}

func TestEngine_UnboundConditionFailsStep(t *testing.T) {
	e := newTestEngine(t, echoHandler)
	ctx := context.Background()
	def := &Definition{
		Name: "unbound",
		Steps: []Step{
			{Name: "check", Type: StepTypeCondition, ConditionExpression: "${missing}", MaxRetries: intPtr(3)},
		},
	}
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)
	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)

	view := waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionFailed, view.Status)
	assert.Contains(t, view.Error, "unbound variable: missing")

	steps, err := e.ListStepExecutions(ctx, execID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].AttemptCount)
}

func TestEngine_Cancel(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	e := newTestEngine(t, func(ctx context.Context, req StepRequest) (any, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ctx := context.Background()

	defID, err := e.CreateDefinition(ctx, fanOutDefinition())
	require.NoError(t, err)
	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("step A never started")
	}

	require.NoError(t, e.Cancel(ctx, execID))
	exec, err := e.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCancelled, exec.Status)

	view := waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionCancelled, view.Status)
	assert.Equal(t, map[string]StepStatus{"A": StepCancelled, "B": StepCancelled, "C": StepCancelled}, view.Steps)

	err = e.Cancel(ctx, execID)
	var nc *NotCancellableError
	require.True(t, errors.As(err, &nc))
	assert.Equal(t, ExecutionCancelled, nc.Status)
}

func TestEngine_CancelKeepsCompletedSteps(t *testing.T) {
	blockB := make(chan struct{})
	e := newTestEngine(t, func(ctx context.Context, req StepRequest) (any, error) {
		if req.StepName == "B" {
			close(blockB)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "done", nil
	})
	ctx := context.Background()

	def := &Definition{
		Name: "chain",
		Steps: []Step{
			{Name: "A", Type: StepTypeTask},
			{Name: "B", Type: StepTypeTask, DependsOn: []string{"A"}},
			{Name: "C", Type: StepTypeTask, DependsOn: []string{"B"}},
		},
	}
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)
	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)

	<-blockB
	require.NoError(t, e.Cancel(ctx, execID))

	view := waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionCancelled, view.Status)
	assert.Equal(t, StepCompleted, view.Steps["A"])
	assert.Equal(t, StepCancelled, view.Steps["B"])
	assert.Equal(t, StepCancelled, view.Steps["C"])
}

func TestEngine_DefinitionApproval(t *testing.T) {
	for _, approved := range []bool{true, false} {
		var calls atomic.Int32
		e := newTestEngine(t, func(ctx context.Context, req StepRequest) (any, error) {
			calls.Add(1)
			return "ok", nil
		})
		ctx := context.Background()

		def := fanOutDefinition()
		def.RequiresApproval = true
		defID, err := e.CreateDefinition(ctx, def)
		require.NoError(t, err)
		execID, err := e.Execute(ctx, defID, nil)
		require.NoError(t, err)

		view := waitStatus(t, e, execID, ExecutionAwaitingApproval)
		assert.Equal(t, DefinitionGate, view.PendingApproval)
		assert.Zero(t, calls.Load())
		require.Len(t, e.PendingApprovals(), 1)

		require.NoError(t, e.Approve(ctx, execID, approved, "looks fine"))
		view = waitTerminal(t, e, execID)

		if approved {
			assert.Equal(t, ExecutionCompleted, view.Status)
			assert.Equal(t, int32(3), calls.Load())
		} else {
			assert.Equal(t, ExecutionCancelled, view.Status)
			assert.Contains(t, view.Error, "approval rejected: looks fine")
			assert.Zero(t, calls.Load())
			for _, s := range view.Steps {
				assert.Equal(t, StepCancelled, s)
			}
		}
		assert.Empty(t, view.PendingApproval)
		assert.Empty(t, e.PendingApprovals())
	}
}

func TestEngine_StepApproval(t *testing.T) {
	e := newTestEngine(t, echoHandler)
	ctx := context.Background()

	def := &Definition{
		Name: "gated",
		Steps: []Step{
			{Name: "prepare", Type: StepTypeTask},
			{Name: "deploy", Type: StepTypeTask, DependsOn: []string{"prepare"}, RequiresApproval: true},
		},
	}
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)
	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)

	view := waitStatus(t, e, execID, ExecutionAwaitingApproval)
	assert.Equal(t, "deploy", view.PendingApproval)
	assert.Equal(t, StepCompleted, view.Steps["prepare"])
	assert.Equal(t, StepPending, view.Steps["deploy"])

	require.NoError(t, e.Approve(ctx, execID, true, ""))
	view = waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionCompleted, view.Status)
	assert.Equal(t, StepCompleted, view.Steps["deploy"])
}

func TestEngine_ReservedGateStepID(t *testing.T) {
	e := newTestEngine(t, echoHandler)
	ctx := context.Background()

	for _, step := range []Step{
		{Name: DefinitionGate, Type: StepTypeTask, RequiresApproval: true},
		{Name: "deploy", ID: DefinitionGate, Type: StepTypeTask},
	} {
		_, err := e.CreateDefinition(ctx, &Definition{Name: "reserved", Steps: []Step{step}})
		var gve *GraphValidationError
		require.ErrorAs(t, err, &gve)
		assert.Equal(t, InvalidStep, gve.Kind)
	}
}

func TestEngine_DefinitionAndStepApproval(t *testing.T) {
	e := newTestEngine(t, echoHandler)
	ctx := context.Background()

	def := &Definition{
		Name:             "double-gated",
		RequiresApproval: true,
		Steps: []Step{
			{Name: "deploy", Type: StepTypeTask, RequiresApproval: true},
		},
	}
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)
	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)

	view := waitStatus(t, e, execID, ExecutionAwaitingApproval)
	assert.Equal(t, DefinitionGate, view.PendingApproval)
	require.NoError(t, e.Approve(ctx, execID, true, ""))

	require.Eventually(t, func() bool {
		v, err := e.GetStatus(ctx, execID)
		return err == nil && v.PendingApproval == "deploy"
	}, waitFor, 5*time.Millisecond)
	require.NoError(t, e.Approve(ctx, execID, true, ""))

	view = waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionCompleted, view.Status)
	assert.Equal(t, StepCompleted, view.Steps["deploy"])
}

func TestEngine_ApprovalTimeout(t *testing.T) {
	cfg := testEngineConfig()
	cfg.ApprovalTimeout = 30 * time.Millisecond
	e := newTestEngine(t, echoHandler, WithConfig(cfg))
	ctx := context.Background()

	def := fanOutDefinition()
	def.RequiresApproval = true
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)
	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)

	events, unsubscribe := e.Subscribe(execID)
	defer unsubscribe()

	view := waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionFailed, view.Status)
	assert.Contains(t, view.Error, "approval not received")
	for _, s := range view.Steps {
		assert.Equal(t, StepCancelled, s)
	}

	var last Event
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				last = ev
				if ev.Type == EventWorkflowFailed {
					return true
				}
			default:
				return false
			}
		}
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, string(types.ErrApprovalTimeout), last.Data["error_code"])

	err = e.Approve(ctx, execID, true, "")
	var na *NotAwaitingApprovalError
	require.True(t, errors.As(err, &na))
	assert.Equal(t, ExecutionFailed, na.Status)
}

func TestEngine_ApproveUnknownExecution(t *testing.T) {
	e := newTestEngine(t, echoHandler)
	err := e.Approve(context.Background(), "nope", true, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_RetriesAreReported(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(ctx context.Context, req StepRequest) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	ctx := context.Background()

	all, unsubscribe := e.SubscribeAll()
	defer unsubscribe()

	def := &Definition{
		Name:       "retrying",
		MaxRetries: 2,
		Steps:      []Step{{Name: "only", Type: StepTypeTask}},
	}
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)
	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)

	view := waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionCompleted, view.Status)

	steps, err := e.ListStepExecutions(ctx, execID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 2, steps[0].AttemptCount)

	var got []EventType
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-all:
				if ev.ExecutionID == execID {
					got = append(got, ev.Type)
				}
			default:
				return len(got) > 0 && got[len(got)-1] == EventWorkflowCompleted
			}
		}
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []EventType{
		EventWorkflowStarted,
		EventStepStarted,
		EventStepRetrying,
		EventStepCompleted,
		EventWorkflowCompleted,
	}, got)
}

func TestEngine_MaxParallelSteps(t *testing.T) {
	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	cfg := testEngineConfig()
	cfg.MaxParallelSteps = 2
	e := newTestEngine(t, func(ctx context.Context, req StepRequest) (any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	}, WithConfig(cfg))
	ctx := context.Background()

	def := &Definition{Name: "wide"}
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		def.Steps = append(def.Steps, Step{Name: name, Type: StepTypeTask})
	}
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)
	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)

	view := waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionCompleted, view.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestEngine_MarkerSteps(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	e := newTestEngine(t, func(ctx context.Context, req StepRequest) (any, error) {
		mu.Lock()
		order = append(order, req.StepName)
		mu.Unlock()
		return nil, nil
	})
	ctx := context.Background()

	def := &Definition{
		Name: "markers",
		Steps: []Step{
			{Name: "fetch", Type: StepTypeTask},
			{Name: "pipeline", Type: StepTypeSequential, DependsOn: []string{"fetch"}, Config: map[string]any{"children": []any{"parse", "store"}}},
			{Name: "parse", Type: StepTypeTask},
			{Name: "store", Type: StepTypeTask},
			{Name: "report", Type: StepTypeTask, DependsOn: []string{"pipeline"}},
		},
	}
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)

	layers, err := e.Layers(ctx, defID)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"fetch"}, {"parse"}, {"store"}, {"pipeline"}, {"report"}}, layers)

	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)
	view := waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionCompleted, view.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"fetch", "parse", "store", "report"}, order)
}

func TestEngine_AgentSteps(t *testing.T) {
	reg := NewMemoryAgentRegistry()
	require.NoError(t, reg.Register(AgentInstance{ID: "writer-1", Capabilities: []string{"write"}}))
	require.NoError(t, reg.Register(AgentInstance{ID: "writer-2", Capabilities: []string{"write"}}))

	handlers := NewHandlerRegistry()
	handlers.Register("agent", StepHandlerFunc(func(ctx context.Context, req StepRequest) (any, error) {
		return req.AgentInstanceID, nil
	}))
	e := newTestEngine(t, nil, WithHandlers(handlers), WithAgentRegistry(reg))
	ctx := context.Background()

	def := &Definition{
		Name: "agents",
		Steps: []Step{
			{Name: "draft", Type: StepTypeAgent, Config: map[string]any{"capabilities": []any{"write"}}},
			{Name: "edit", Type: StepTypeAgent, DependsOn: []string{"draft"}, Config: map[string]any{"capabilities": []any{"write"}}},
			{Name: "translate", Type: StepTypeAgent, DependsOn: []string{"edit"}, Config: map[string]any{"capabilities": []any{"translate"}}},
		},
	}
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)
	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)

	view := waitTerminal(t, e, execID)
	assert.Equal(t, ExecutionFailed, view.Status)
	assert.Equal(t, StepFailed, view.Steps["translate"])

	steps, err := e.ListStepExecutions(ctx, execID)
	require.NoError(t, err)
	agents := map[string]string{}
	for _, s := range steps {
		agents[s.StepName] = s.AgentInstanceID
	}
	assert.Equal(t, "writer-1", agents["draft"])
	assert.Equal(t, "writer-2", agents["edit"])
	assert.Contains(t, view.Error, "no eligible agent")
}

func TestEngine_InputValidation(t *testing.T) {
	e := newTestEngine(t, echoHandler)
	ctx := context.Background()

	def := fanOutDefinition()
	def.Variables = []Variable{
		{Name: "region", DataType: DataTypeString, IsRequired: true},
		{Name: "replicas", DataType: DataTypeInteger, Default: 3},
	}
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)

	_, err = e.Execute(ctx, defID, map[string]any{"replicas": "many"})
	var invalid *InvalidInputError
	require.True(t, errors.As(err, &invalid))
	assert.Len(t, invalid.Problems, 2)

	execs, err := e.ListExecutions(ctx, ExecutionFilter{DefinitionID: defID})
	require.NoError(t, err)
	assert.Empty(t, execs)

	execID, err := e.Execute(ctx, defID, map[string]any{"region": "eu-west"})
	require.NoError(t, err)
	exec, err := e.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"region": "eu-west", "replicas": 3}, exec.InputVariables)
	waitTerminal(t, e, execID)
}

func TestEngine_DefinitionLifecycle(t *testing.T) {
	e := newTestEngine(t, echoHandler)
	ctx := context.Background()

	_, err := e.CreateDefinition(ctx, &Definition{
		Name: "cyclic",
		Steps: []Step{
			{Name: "A", Type: StepTypeTask, DependsOn: []string{"B"}},
			{Name: "B", Type: StepTypeTask, DependsOn: []string{"A"}},
		},
	})
	var gve *GraphValidationError
	require.True(t, errors.As(err, &gve))
	assert.Equal(t, CircularDependency, gve.Kind)

	def := fanOutDefinition()
	def.ID = "fixed-id"
	defID, err := e.CreateDefinition(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", defID)

	_, err = e.CreateDefinition(ctx, def)
	assert.Equal(t, types.ErrConflict, types.GetErrorCode(err))

	got, err := e.GetDefinition(ctx, defID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, "1", got.Version)
	assert.Equal(t, "A", got.Steps[0].ID)

	require.NoError(t, e.DeactivateDefinition(ctx, defID))
	_, err = e.Execute(ctx, defID, nil)
	assert.Equal(t, types.ErrDefinitionInactive, types.GetErrorCode(err))

	_, err = e.Execute(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_GetStatusIsIdempotent(t *testing.T) {
	e := newTestEngine(t, echoHandler)
	ctx := context.Background()

	defID, err := e.CreateDefinition(ctx, fanOutDefinition())
	require.NoError(t, err)
	execID, err := e.Execute(ctx, defID, nil)
	require.NoError(t, err)
	waitTerminal(t, e, execID)

	first, err := e.GetStatus(ctx, execID)
	require.NoError(t, err)
	second, err := e.GetStatus(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEngine_Recover(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	def := fanOutDefinition()
	def.ID = "def-1"
	def.IsActive = true
	require.NoError(t, store.SaveDefinition(ctx, def))

	now := time.Now()
	require.NoError(t, store.SaveExecution(ctx, &Execution{
		ID:           "exec-1",
		DefinitionID: "def-1",
		Status:       ExecutionRunning,
		StartedAt:    &now,
		CreatedAt:    now,
	}))
	require.NoError(t, store.SaveExecution(ctx, &Execution{
		ID:           "exec-done",
		DefinitionID: "def-1",
		Status:       ExecutionCompleted,
		CreatedAt:    now,
	}))
	require.NoError(t, store.SaveStepExecution(ctx, &StepExecution{
		ID: "s1", ExecutionID: "exec-1", StepID: "A", StepName: "A", Status: StepCompleted,
	}))
	require.NoError(t, store.SaveStepExecution(ctx, &StepExecution{
		ID: "s2", ExecutionID: "exec-1", StepID: "B", StepName: "B", Status: StepRunning, StartedAt: &now,
	}))

	e := NewEngine(store, WithConfig(testEngineConfig()))
	defer e.Shutdown(ctx)

	recovered, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	view, err := e.GetStatus(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, view.Status)
	assert.Equal(t, "interrupted by restart", view.Error)
	assert.Equal(t, map[string]StepStatus{"A": StepCompleted, "B": StepCancelled, "C": StepPending}, view.Steps)

	done, err := e.GetStatus(ctx, "exec-done")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, done.Status)

	layers, err := e.Layers(ctx, "def-1")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}}, layers)
}

func TestEngine_ShutdownRejectsNewExecutions(t *testing.T) {
	e := NewEngine(nil, WithConfig(testEngineConfig()))
	e.Handlers().Register("task", StepHandlerFunc(echoHandler))
	ctx := context.Background()

	defID, err := e.CreateDefinition(ctx, fanOutDefinition())
	require.NoError(t, err)
	require.NoError(t, e.Shutdown(ctx))

	_, err = e.Execute(ctx, defID, nil)
	assert.Equal(t, types.ErrServiceUnavailable, types.GetErrorCode(err))
}
