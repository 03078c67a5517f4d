package workflow

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ApprovalStatus is the state of an approval request
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimedOut ApprovalStatus = "timeout"
	ApprovalCanceled ApprovalStatus = "canceled"
)

// ApprovalDecision is a human response to an approval request.
type ApprovalDecision struct {
	Approved  bool      `json:"approved"`
	Feedback  string    `json:"feedback,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// ApprovalRequest is an open or closed approval gate of an execution.
type ApprovalRequest struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	Status      ApprovalStatus    `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	Timeout     time.Duration     `json:"timeout"`
	Decision    *ApprovalDecision `json:"decision,omitempty"`
}

// ApprovalGate correlates approval decisions with the executions waiting on
// them. At most one request per execution is open at a time.
type ApprovalGate struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	logger  *zap.Logger
}

type pendingApproval struct {
	request   *ApprovalRequest
	decisions chan ApprovalDecision
}

// NewApprovalGate creates an empty gate.
func NewApprovalGate(logger *zap.Logger) *ApprovalGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalGate{
		pending: make(map[string]*pendingApproval),
		logger:  logger.With(zap.String("component", "approval_gate")),
	}
}

// Open registers a request for executionID and returns the channel its
// decision arrives on. The caller owns the timeout and must call Close when
// it stops waiting.
func (g *ApprovalGate) Open(executionID, stepID string, timeout time.Duration) (*ApprovalRequest, <-chan ApprovalDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pending[executionID]; ok {
		return nil, nil, fmt.Errorf("execution %s already awaits approval for %q", executionID, p.request.StepID)
	}
	req := &ApprovalRequest{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		StepID:      stepID,
		Status:      ApprovalPending,
		CreatedAt:   time.Now(),
		Timeout:     timeout,
	}
	p := &pendingApproval{request: req, decisions: make(chan ApprovalDecision, 1)}
	g.pending[executionID] = p

	g.logger.Info("approval requested",
		zap.String("execution_id", executionID),
		zap.String("step_id", stepID),
		zap.Duration("timeout", timeout))
	cp := *req
	return &cp, p.decisions, nil
}

// Resolve delivers a decision. It fails with NotAwaitingApprovalError when no
// request is open for executionID.
func (g *ApprovalGate) Resolve(executionID string, decision ApprovalDecision) error {
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now()
	}

	// The decision is buffered before the request disappears, so a waiter
	// that finds the request gone always finds the decision.
	g.mu.Lock()
	p, ok := g.pending[executionID]
	if ok {
		delete(g.pending, executionID)
		p.decisions <- decision
	}
	g.mu.Unlock()
	if !ok {
		return &NotAwaitingApprovalError{ExecutionID: executionID}
	}

	g.logger.Info("approval resolved",
		zap.String("execution_id", executionID),
		zap.String("step_id", p.request.StepID),
		zap.Bool("approved", decision.Approved))
	return nil
}

// Close withdraws the open request for executionID, if any.
func (g *ApprovalGate) Close(executionID string) {
	g.mu.Lock()
	delete(g.pending, executionID)
	g.mu.Unlock()
}

// Pending returns a copy of the open request for executionID.
func (g *ApprovalGate) Pending(executionID string) (*ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[executionID]
	if !ok {
		return nil, false
	}
	cp := *p.request
	return &cp, true
}

// List returns copies of all open requests, oldest first.
func (g *ApprovalGate) List() []*ApprovalRequest {
	g.mu.Lock()
	out := make([]*ApprovalRequest, 0, len(g.pending))
	for _, p := range g.pending {
		cp := *p.request
		out = append(out, &cp)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
