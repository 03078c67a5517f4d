package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/dagflow/internal/pool"
)

// run drives one execution. Everything below the mutex is owned by the loop
// goroutine; the mutex only guards exec and steps for concurrent readers.
type run struct {
	e      *Engine
	id     string
	def    *Definition
	graph  *Graph
	inputs map[string]any
	logger *zap.Logger

	bg     context.Context
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	sem  *semaphore.Weighted
	msgs chan stepMsg
	ctrl chan cancelRequest
	done chan struct{}

	mu    sync.RWMutex
	exec  *Execution
	steps map[string]*StepExecution

	outputs       map[string]any
	running       int
	approvedSteps map[string]bool
	defApproved   bool
	wait          *approvalWait
	cancelled     bool
	halted        bool
	failure       error
	poolRetry     *time.Timer
	start         time.Time
}

type stepMsg struct {
	nodeID  string
	retry   *retryNotice
	outcome *StepOutcome
}

type retryNotice struct {
	attempt int
	err     error
	delay   time.Duration
}

type cancelRequest struct {
	reason string
	reply  chan error
}

type approvalWait struct {
	// definition marks the workflow-level gate; stepID is empty then.
	definition bool
	stepID    string
	decisions <-chan ApprovalDecision
	timer     *time.Timer
	timeout   time.Duration
}

func newRun(e *Engine, cd *compiledDefinition, exec *Execution, base context.Context) *run {
	spanCtx, span := e.tracer.Start(base, "workflow.execution",
		trace.WithAttributes(
			attribute.String("workflow.execution_id", exec.ID),
			attribute.String("workflow.definition_id", cd.def.ID),
			attribute.Int("workflow.steps", cd.graph.Len()),
		))
	ctx, cancel := context.WithCancel(spanCtx)
	return &run{
		e:             e,
		id:            exec.ID,
		def:           cd.def,
		graph:         cd.graph,
		inputs:        exec.InputVariables,
		logger:        e.logger.With(zap.String("execution_id", exec.ID)),
		bg:            spanCtx,
		ctx:           ctx,
		cancel:        cancel,
		span:          span,
		sem:           semaphore.NewWeighted(int64(e.cfg.MaxParallelSteps)),
		msgs:          make(chan stepMsg, cd.graph.Len()*2+1),
		ctrl:          make(chan cancelRequest),
		done:          make(chan struct{}),
		exec:          exec.Clone(),
		steps:         make(map[string]*StepExecution, cd.graph.Len()),
		outputs:       make(map[string]any, cd.graph.Len()),
		approvedSteps: make(map[string]bool),
		start:         time.Now(),
	}
}

func (r *run) loop() {
	defer close(r.done)
	defer r.cancel()

	r.emit(Event{
		Type: EventWorkflowStarted,
		Data: map[string]any{
			"definition_id": r.def.ID,
			"layers":        r.graph.LayerNames(),
		},
		Message: fmt.Sprintf("workflow %s started", r.def.Name),
	})

	r.schedule()
	for !r.finished() {
		var (
			decisions  <-chan ApprovalDecision
			approvalTO <-chan time.Time
			poolRetry  <-chan time.Time
		)
		if r.wait != nil {
			decisions = r.wait.decisions
			approvalTO = r.wait.timer.C
		}
		if r.poolRetry != nil {
			poolRetry = r.poolRetry.C
		}

		select {
		case m := <-r.msgs:
			r.handleStepMsg(m)
		case req := <-r.ctrl:
			req.reply <- r.handleCancel(req.reason)
		case d := <-decisions:
			r.handleDecision(d)
		case <-approvalTO:
			r.handleApprovalTimeout()
		case <-poolRetry:
			r.poolRetry = nil
		}
		r.schedule()
	}
	r.finalize()
}

// finished reports whether every step is decided and nothing is in flight.
func (r *run) finished() bool {
	if r.running > 0 || r.wait != nil || r.poolRetry != nil {
		return false
	}
	if r.allDecided() {
		return true
	}
	// Nothing running, nothing to wait for and the scheduler could not
	// decide every step: stop instead of blocking forever.
	r.logger.Error("scheduler stalled with undecided steps")
	if r.failure == nil {
		r.failure = errors.New("scheduler stalled with undecided steps")
	}
	r.cancelPending("scheduler stalled")
	return true
}

func (r *run) allDecided() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.graph.order {
		rec, ok := r.steps[id]
		if !ok || !rec.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (r *run) schedule() {
	if r.cancelled || r.halted || r.wait != nil || r.poolRetry != nil {
		return
	}
	if r.def.RequiresApproval && !r.defApproved {
		r.openApproval("", "")
		return
	}
	for _, id := range r.graph.order {
		if r.record(id) != nil {
			continue
		}
		ready, skipReason := r.readiness(id)
		if skipReason != "" {
			r.skip(id, skipReason)
			continue
		}
		if !ready {
			continue
		}
		node := r.graph.nodes[id]
		if node.Step.RequiresApproval && !r.approvedSteps[id] {
			r.openApproval(id, node.Step.Name)
			return
		}
		if node.Step.Type.IsMarker() {
			r.completeMarker(node)
			continue
		}
		if !r.sem.TryAcquire(1) {
			return
		}
		if !r.launch(node) {
			return
		}
	}
}

// readiness reports whether every dependency of id is terminal, and if so
// whether id must be skipped.
func (r *run) readiness(id string) (bool, string) {
	node := r.graph.nodes[id]
	for _, dep := range node.Deps {
		rec := r.record(dep)
		if rec == nil || !rec.Status.IsTerminal() {
			return false, ""
		}
	}
	for _, dep := range node.Deps {
		rec := r.record(dep)
		switch rec.Status {
		case StepSkipped:
			if !node.Step.ContinueOnFailure {
				return false, fmt.Sprintf("dependency %s was skipped", rec.StepName)
			}
		case StepFailed, StepCancelled:
			return false, fmt.Sprintf("dependency %s %s", rec.StepName, rec.Status)
		}
	}
	if g := node.Gate; g != nil {
		rec := r.record(g.StepID)
		branch, ok := branchOf(rec.Output)
		if rec.Status != StepCompleted || !ok || branch != g.Branch {
			return false, fmt.Sprintf("branch %t of %s not taken", g.Branch, rec.StepName)
		}
	}
	return true, ""
}

func branchOf(output any) (bool, bool) {
	m, ok := output.(map[string]any)
	if !ok {
		return false, false
	}
	b, ok := m["branch"].(bool)
	return b, ok
}

func (r *run) launch(node *Node) bool {
	bindings := StepBindings(r.inputs, r.outputs)
	sr := StepRun{
		ExecutionID:  r.id,
		DefinitionID: r.def.ID,
		Node:         node,
		Bindings:     bindings,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			r.msgs <- stepMsg{nodeID: node.ID, retry: &retryNotice{attempt: attempt, err: err, delay: delay}}
		},
	}
	task := func(context.Context) error {
		out := r.e.executor.Run(r.ctx, sr)
		r.msgs <- stepMsg{nodeID: node.ID, outcome: &out}
		return out.Err
	}

	err := r.e.pool.Submit(context.Background(), task)
	if errors.Is(err, pool.ErrPoolFull) {
		r.sem.Release(1)
		r.poolRetry = time.NewTimer(r.e.cfg.PoolRetryInterval)
		r.logger.Debug("step pool saturated, deferring", zap.String("step", node.Step.Name))
		return false
	}

	now := time.Now()
	rec := &StepExecution{
		ID:           uuid.NewString(),
		ExecutionID:  r.id,
		StepID:       node.ID,
		StepName:     node.Step.Name,
		Status:       StepRunning,
		AttemptCount: 1,
		StartedAt:    timePtr(now),
	}
	r.setRecord(rec)
	r.emit(Event{
		Type:    EventStepStarted,
		StepID:  node.ID,
		Data:    map[string]any{"step_name": node.Step.Name, "step_type": string(node.Step.Type), "attempt": 1},
		Message: fmt.Sprintf("step %s started", node.Step.Name),
	})

	if err != nil {
		r.sem.Release(1)
		r.finishStep(node, StepOutcome{Status: StepFailed, Err: Permanent(fmt.Errorf("submit step: %w", err)), Attempts: 0})
		return true
	}
	r.running++
	return true
}

func (r *run) completeMarker(node *Node) {
	now := time.Now()
	rec := &StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: r.id,
		StepID:      node.ID,
		StepName:    node.Step.Name,
		Status:      StepCompleted,
		StartedAt:   timePtr(now),
		CompletedAt: timePtr(now),
	}
	r.setRecord(rec)
	data := map[string]any{"step_name": node.Step.Name, "step_type": string(node.Step.Type)}
	r.emit(Event{Type: EventStepStarted, StepID: node.ID, Data: data, Message: fmt.Sprintf("step %s started", node.Step.Name)})
	r.emit(Event{Type: EventStepCompleted, StepID: node.ID, Data: data, Message: fmt.Sprintf("step %s completed", node.Step.Name)})
	r.e.metrics.RecordStep(string(node.Step.Type), string(StepCompleted), 0, 0)
}

func (r *run) skip(id, reason string) {
	node := r.graph.nodes[id]
	now := time.Now()
	r.setRecord(&StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: r.id,
		StepID:      id,
		StepName:    node.Step.Name,
		Status:      StepSkipped,
		CompletedAt: timePtr(now),
		Error:       reason,
	})
	r.emit(Event{
		Type:    EventStepSkipped,
		StepID:  id,
		Data:    map[string]any{"step_name": node.Step.Name, "reason": reason},
		Message: fmt.Sprintf("step %s skipped: %s", node.Step.Name, reason),
	})
	r.e.metrics.RecordStep(string(node.Step.Type), string(StepSkipped), 0, 0)
}

func (r *run) handleStepMsg(m stepMsg) {
	node := r.graph.nodes[m.nodeID]
	if m.retry != nil {
		r.updateRecord(m.nodeID, func(rec *StepExecution) {
			rec.AttemptCount = m.retry.attempt + 1
			rec.Error = m.retry.err.Error()
		})
		r.e.metrics.RecordStepRetry(string(node.Step.Type))
		r.emit(Event{
			Type:   EventStepRetrying,
			StepID: m.nodeID,
			Data: map[string]any{
				"step_name":    node.Step.Name,
				"attempt":      m.retry.attempt,
				"next_attempt": m.retry.attempt + 1,
				"delay_ms":     m.retry.delay.Milliseconds(),
				"error":        m.retry.err.Error(),
			},
			Message: fmt.Sprintf("step %s attempt %d failed, retrying", node.Step.Name, m.retry.attempt),
		})
		return
	}

	r.running--
	r.sem.Release(1)
	r.finishStep(node, *m.outcome)
}

func (r *run) finishStep(node *Node, out StepOutcome) {
	name := node.Step.Name
	data := map[string]any{"step_name": name, "attempts": out.Attempts}
	if out.AgentInstanceID != "" {
		data["agent_instance_id"] = out.AgentInstanceID
	}
	status := out.Status

	var ev Event
	applied := r.updateRecord(node.ID, func(rec *StepExecution) {
		rec.AttemptCount = out.Attempts
		rec.AgentInstanceID = out.AgentInstanceID
		rec.CompletedAt = timePtr(time.Now())
		switch out.Status {
		case StepCompleted:
			rec.Status = StepCompleted
			rec.Output = out.Output
			rec.Error = ""
		case StepFailed:
			rec.Error = out.Err.Error()
			rec.Output = nil
			if node.Step.ContinueOnFailure {
				rec.Status = StepCompleted
				rec.Degraded = true
			} else {
				rec.Status = StepFailed
			}
		default:
			rec.Status = StepCancelled
			if out.Err != nil {
				rec.Error = out.Err.Error()
			}
		}
	})
	if !applied {
		return
	}

	switch status {
	case StepCompleted:
		r.outputs[name] = out.Output
		ev = Event{Type: EventStepCompleted, Message: fmt.Sprintf("step %s completed", name)}
	case StepFailed:
		data["error"] = out.Err.Error()
		if code := errorCode(out.Err); code != "" {
			data["error_code"] = code
		}
		ev = Event{Type: EventStepFailed, Message: fmt.Sprintf("step %s failed: %v", name, out.Err)}
		if node.Step.ContinueOnFailure {
			data["degraded"] = true
			r.logger.Warn("best-effort step failed, continuing",
				zap.String("step", name), zap.Error(out.Err))
			break
		}
		r.logger.Warn("step failed", zap.String("step", name), zap.Int("attempts", out.Attempts), zap.Error(out.Err))
		if r.failure == nil {
			r.failure = fmt.Errorf("step %s failed: %w", name, out.Err)
		}
		if r.e.cfg.FailFast && !r.cancelled {
			r.halted = true
			r.cancelPending(fmt.Sprintf("step %s failed", name))
			r.cancel()
		}
	default:
		ev = Event{Type: EventStepCancelled, Message: fmt.Sprintf("step %s cancelled", name)}
	}
	ev.StepID = node.ID
	ev.Data = data
	r.emit(ev)
	r.e.metrics.RecordStep(string(node.Step.Type), string(status), out.Attempts, out.Duration)
}

// cancelPending cancels every step that has not started.
func (r *run) cancelPending(reason string) {
	now := time.Now()
	for _, id := range r.graph.order {
		if r.record(id) != nil {
			continue
		}
		node := r.graph.nodes[id]
		r.setRecord(&StepExecution{
			ID:          uuid.NewString(),
			ExecutionID: r.id,
			StepID:      id,
			StepName:    node.Step.Name,
			Status:      StepCancelled,
			CompletedAt: timePtr(now),
			Error:       reason,
		})
		r.emit(Event{
			Type:    EventStepCancelled,
			StepID:  id,
			Data:    map[string]any{"step_name": node.Step.Name, "reason": reason},
			Message: fmt.Sprintf("step %s cancelled: %s", node.Step.Name, reason),
		})
	}
}

func (r *run) handleCancel(reason string) error {
	r.mu.RLock()
	status := r.exec.Status
	r.mu.RUnlock()
	if status.IsTerminal() {
		return &NotCancellableError{ExecutionID: r.id, Status: status}
	}

	r.cancelled = true
	r.closeApproval()
	r.updateExecution(func(ex *Execution) {
		ex.Status = ExecutionCancelled
		ex.Error = reason
		ex.PendingApproval = ""
	})
	r.cancelPending(reason)
	r.cancel()
	r.logger.Info("execution cancelled", zap.String("reason", reason), zap.Int("running_steps", r.running))
	return nil
}

func (r *run) requestCancel(ctx context.Context, reason string) error {
	req := cancelRequest{reason: reason, reply: make(chan error, 1)}
	select {
	case r.ctrl <- req:
	case <-r.done:
		return &NotCancellableError{ExecutionID: r.id, Status: r.execution().Status}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *run) openApproval(stepID, stepName string) {
	timeout := r.e.cfg.ApprovalTimeout
	if r.def.ApprovalTimeoutSeconds > 0 {
		timeout = time.Duration(r.def.ApprovalTimeoutSeconds) * time.Second
	}
	definition := stepID == ""
	gateID := stepID
	if definition {
		gateID = DefinitionGate
	}
	req, decisions, err := r.e.gate.Open(r.id, gateID, timeout)
	if err != nil {
		r.logger.Error("failed to open approval gate", zap.Error(err))
		if r.failure == nil {
			r.failure = err
		}
		r.halted = true
		r.cancelPending("approval gate unavailable")
		return
	}
	r.wait = &approvalWait{definition: definition, stepID: stepID, decisions: decisions, timer: time.NewTimer(timeout), timeout: timeout}
	r.updateExecution(func(ex *Execution) {
		ex.Status = ExecutionAwaitingApproval
		ex.PendingApproval = gateID
	})

	ev := Event{
		Type: EventApprovalRequired,
		Data: map[string]any{
			"approval_id":     req.ID,
			"timeout_seconds": int64(timeout.Seconds()),
		},
		Message: "workflow awaits approval",
	}
	if !definition {
		ev.StepID = stepID
		ev.Data["step_name"] = stepName
		ev.Message = fmt.Sprintf("step %s awaits approval", stepName)
	}
	r.emit(ev)
}

func (r *run) closeApproval() {
	if r.wait == nil {
		return
	}
	r.wait.timer.Stop()
	r.wait = nil
	r.e.gate.Close(r.id)
}

func (r *run) handleDecision(d ApprovalDecision) {
	w := r.wait
	w.timer.Stop()
	r.wait = nil

	data := map[string]any{"feedback": d.Feedback}
	stepID := w.stepID

	if d.Approved {
		if w.definition {
			r.defApproved = true
		} else {
			r.approvedSteps[w.stepID] = true
		}
		r.updateExecution(func(ex *Execution) {
			ex.Status = ExecutionRunning
			ex.PendingApproval = ""
		})
		r.e.metrics.RecordApproval(string(ApprovalApproved))
		r.emit(Event{Type: EventApproved, StepID: stepID, Data: data, Message: "approval granted"})
		return
	}

	r.e.metrics.RecordApproval(string(ApprovalRejected))
	r.emit(Event{Type: EventRejected, StepID: stepID, Data: data, Message: "approval rejected"})
	reason := "approval rejected"
	if d.Feedback != "" {
		reason += ": " + d.Feedback
	}
	r.cancelled = true
	r.updateExecution(func(ex *Execution) {
		ex.Status = ExecutionCancelled
		ex.Error = reason
		ex.PendingApproval = ""
	})
	r.cancelPending(reason)
	r.cancel()
}

func (r *run) handleApprovalTimeout() {
	w := r.wait
	r.e.gate.Close(r.id)
	// A decision that raced the timer wins.
	select {
	case d := <-w.decisions:
		r.handleDecision(d)
		return
	default:
	}
	r.wait = nil

	err := &ApprovalTimeoutError{ExecutionID: r.id, Timeout: w.timeout}
	if !w.definition {
		err.Step = r.graph.nodes[w.stepID].Step.Name
	}
	r.e.metrics.RecordApproval(string(ApprovalTimedOut))
	r.logger.Warn("approval timed out", zap.String("gate", w.stepID), zap.Duration("timeout", w.timeout))
	if r.failure == nil {
		r.failure = err
	}
	r.halted = true
	r.updateExecution(func(ex *Execution) {
		ex.Status = ExecutionRunning
		ex.PendingApproval = ""
	})
	r.cancelPending(err.Error())
}

func (r *run) finalize() {
	now := time.Now()
	var evType EventType
	r.updateExecution(func(ex *Execution) {
		switch {
		case r.cancelled:
			ex.Status = ExecutionCancelled
			evType = EventWorkflowCancelled
		case r.failure != nil:
			ex.Status = ExecutionFailed
			ex.Error = r.failure.Error()
			evType = EventWorkflowFailed
		default:
			ex.Status = ExecutionCompleted
			evType = EventWorkflowCompleted
		}
		ex.PendingApproval = ""
		ex.CompletedAt = timePtr(now)
	})
	r.e.gate.Close(r.id)

	exec := r.execution()
	data := map[string]any{"duration_ms": now.Sub(r.start).Milliseconds()}
	if exec.Error != "" {
		data["error"] = exec.Error
	}
	if r.failure != nil {
		if code := errorCode(r.failure); code != "" {
			data["error_code"] = code
		}
	}
	r.emit(Event{Type: evType, Data: data, Message: fmt.Sprintf("workflow %s %s", r.def.Name, exec.Status)})
	r.e.metrics.RecordExecution(string(exec.Status), now.Sub(r.start))

	if exec.Status == ExecutionFailed {
		r.span.SetStatus(codes.Error, exec.Error)
	}
	r.span.SetAttributes(attribute.String("workflow.status", string(exec.Status)))
	r.span.End()

	r.logger.Info("execution finished",
		zap.String("status", string(exec.Status)),
		zap.Duration("duration", now.Sub(r.start)),
		zap.String("error", exec.Error))
}

func (r *run) record(id string) *StepExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.steps[id]
}

func (r *run) setRecord(rec *StepExecution) {
	r.mu.Lock()
	r.steps[rec.StepID] = rec
	cp := rec.Clone()
	r.mu.Unlock()
	r.persistStep(cp)
}

// updateRecord applies fn to the step's record. A status change that
// CanTransition rejects is logged and dropped, leaving the record untouched.
func (r *run) updateRecord(id string, fn func(*StepExecution)) bool {
	r.mu.Lock()
	rec, ok := r.steps[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	next := rec.Clone()
	fn(next)
	if next.Status != rec.Status && !rec.Status.CanTransition(next.Status) {
		r.mu.Unlock()
		r.logger.Error("refusing illegal step transition",
			zap.String("step", rec.StepName),
			zap.String("from", string(rec.Status)),
			zap.String("to", string(next.Status)))
		return false
	}
	r.steps[id] = next
	cp := next.Clone()
	r.mu.Unlock()
	r.persistStep(cp)
	return true
}

func (r *run) updateExecution(fn func(*Execution)) {
	r.mu.Lock()
	fn(r.exec)
	r.exec.UpdatedAt = time.Now()
	cp := r.exec.Clone()
	r.mu.Unlock()
	if err := r.e.store.SaveExecution(r.bg, cp); err != nil {
		r.logger.Error("failed to persist execution", zap.Error(err))
	}
}

func (r *run) persistStep(rec *StepExecution) {
	if err := r.e.store.SaveStepExecution(r.bg, rec); err != nil {
		r.logger.Error("failed to persist step execution",
			zap.String("step", rec.StepName), zap.Error(err))
	}
}

func (r *run) emit(ev Event) {
	ev.ExecutionID = r.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.e.publish(r.bg, ev)
}

func (r *run) execution() *Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exec.Clone()
}

func (r *run) stepRecords() []*StepExecution {
	r.mu.RLock()
	out := make([]*StepExecution, 0, len(r.steps))
	for _, rec := range r.steps {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()
	SortStepExecutions(out)
	return out
}

func (r *run) statusView() *ExecutionStatusView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view := &ExecutionStatusView{
		ExecutionID:     r.exec.ID,
		Status:          r.exec.Status,
		Steps:           make(map[string]StepStatus, len(r.graph.order)),
		Error:           r.exec.Error,
		PendingApproval: r.exec.PendingApproval,
	}
	for _, id := range r.graph.order {
		name := r.graph.nodes[id].Step.Name
		if rec, ok := r.steps[id]; ok {
			view.Steps[name] = rec.Status
		} else {
			view.Steps[name] = StepPending
		}
	}
	return view
}
