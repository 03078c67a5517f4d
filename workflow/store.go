package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrStoreClosed is returned by a store after Close.
var ErrStoreClosed = errors.New("store is closed")

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	DefinitionID string
	Statuses     []ExecutionStatus
	Limit        int
	Offset       int
}

// Matches reports whether e passes the filter.
func (f ExecutionFilter) Matches(e *Execution) bool {
	if f.DefinitionID != "" && e.DefinitionID != f.DefinitionID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if e.Status == s {
			return true
		}
	}
	return false
}

// Paginate applies Offset and Limit to an already sorted slice.
func Paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Store persists definitions, executions and step executions. Implementations
// must give read-your-writes consistency; lookups of unknown ids wrap
// ErrNotFound.
type Store interface {
	SaveDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	ListDefinitions(ctx context.Context) ([]*Definition, error)

	SaveExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	SaveStepExecution(ctx context.Context, step *StepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error)

	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore is an in-memory Store. Data is lost on restart.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	executions  map[string]*Execution
	steps       map[string]map[string]*StepExecution
	closed      bool
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*Definition),
		executions:  make(map[string]*Execution),
		steps:       make(map[string]map[string]*StepExecution),
	}
}

// SaveDefinition stores a copy of def.
func (s *MemoryStore) SaveDefinition(_ context.Context, def *Definition) error {
	if def == nil || def.ID == "" {
		return errors.New("definition id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.definitions[def.ID] = def.Clone()
	return nil
}

// GetDefinition returns a copy of the stored definition.
func (s *MemoryStore) GetDefinition(_ context.Context, id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	def, ok := s.definitions[id]
	if !ok {
		return nil, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	return def.Clone(), nil
}

// ListDefinitions returns all definitions ordered by creation time.
func (s *MemoryStore) ListDefinitions(_ context.Context) ([]*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*Definition, 0, len(s.definitions))
	for _, d := range s.definitions {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveExecution stores a copy of exec.
func (s *MemoryStore) SaveExecution(_ context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return errors.New("execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	cp := exec.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.executions[exec.ID] = cp
	return nil
}

// GetExecution returns a copy of the stored execution.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

// ListExecutions returns matching executions, newest first.
func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*Execution, 0)
	for _, e := range s.executions {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return Paginate(out, filter.Offset, filter.Limit), nil
}

// SaveStepExecution upserts a step record keyed by (execution, step).
func (s *MemoryStore) SaveStepExecution(_ context.Context, step *StepExecution) error {
	if step == nil || step.ExecutionID == "" || step.StepID == "" {
		return errors.New("step execution requires execution id and step id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	m, ok := s.steps[step.ExecutionID]
	if !ok {
		m = make(map[string]*StepExecution)
		s.steps[step.ExecutionID] = m
	}
	m[step.StepID] = step.Clone()
	return nil
}

// ListStepExecutions returns an execution's step records ordered by start.
func (s *MemoryStore) ListStepExecutions(_ context.Context, executionID string) ([]*StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*StepExecution, 0, len(s.steps[executionID]))
	for _, st := range s.steps[executionID] {
		out = append(out, st.Clone())
	}
	SortStepExecutions(out)
	return out, nil
}

// Ping reports whether the store is open.
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// SortStepExecutions orders records by start time; records that never
// started sort last by step name.
func SortStepExecutions(steps []*StepExecution) {
	sort.SliceStable(steps, func(i, j int) bool {
		a, b := steps[i], steps[j]
		switch {
		case a.StartedAt != nil && b.StartedAt != nil:
			if !a.StartedAt.Equal(*b.StartedAt) {
				return a.StartedAt.Before(*b.StartedAt)
			}
		case a.StartedAt != nil:
			return true
		case b.StartedAt != nil:
			return false
		}
		return a.StepName < b.StepName
	})
}
