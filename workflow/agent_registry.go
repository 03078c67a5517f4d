package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AgentResources is the capacity an agent instance declares.
type AgentResources struct {
	CPU      float64 `json:"cpu,omitempty"`
	MemoryMB int64   `json:"memory_mb,omitempty"`
}

// AgentInstance is a running agent that can take agent steps.
type AgentInstance struct {
	ID           string            `json:"id"`
	DefinitionID string            `json:"definition_id,omitempty"`
	Name         string            `json:"name,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Resources    AgentResources    `json:"resources,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// HasCapabilities reports whether the instance's capability set is a
// superset of required.
func (a AgentInstance) HasCapabilities(required []string) bool {
	for _, r := range required {
		if !containsString(a.Capabilities, r) {
			return false
		}
	}
	return true
}

// AgentRegistry is the source of agent instances. ListEligible returns
// instances whose capabilities cover caps, in registration order.
type AgentRegistry interface {
	ListEligible(ctx context.Context, caps []string) ([]AgentInstance, error)
	CurrentLoad(ctx context.Context, instanceID string) (int, error)
}

// MemoryAgentRegistry is an in-process AgentRegistry.
type MemoryAgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*registeredAgent
	seq    uint64
}

type registeredAgent struct {
	instance AgentInstance
	load     int
	seq      uint64
}

// NewMemoryAgentRegistry creates an empty registry.
func NewMemoryAgentRegistry() *MemoryAgentRegistry {
	return &MemoryAgentRegistry{agents: make(map[string]*registeredAgent)}
}

// Register adds or replaces an instance. Re-registering keeps the original
// registration position.
func (r *MemoryAgentRegistry) Register(inst AgentInstance) error {
	if inst.ID == "" {
		return fmt.Errorf("agent instance id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[inst.ID]; ok {
		if inst.RegisteredAt.IsZero() {
			inst.RegisteredAt = existing.instance.RegisteredAt
		}
		existing.instance = inst
		return nil
	}
	if inst.RegisteredAt.IsZero() {
		inst.RegisteredAt = time.Now()
	}
	r.seq++
	r.agents[inst.ID] = &registeredAgent{instance: inst, seq: r.seq}
	return nil
}

// Unregister removes an instance.
func (r *MemoryAgentRegistry) Unregister(id string) {
	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()
}

// SetLoad records externally observed load for an instance.
func (r *MemoryAgentRegistry) SetLoad(id string, load int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent instance %s: %w", id, ErrNotFound)
	}
	a.load = load
	return nil
}

// ListEligible implements AgentRegistry.
func (r *MemoryAgentRegistry) ListEligible(_ context.Context, caps []string) ([]AgentInstance, error) {
	r.mu.RLock()
	matched := make([]*registeredAgent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.instance.HasCapabilities(caps) {
			matched = append(matched, a)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	out := make([]AgentInstance, len(matched))
	for i, a := range matched {
		out[i] = a.instance
	}
	return out, nil
}

// CurrentLoad implements AgentRegistry.
func (r *MemoryAgentRegistry) CurrentLoad(_ context.Context, id string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return 0, fmt.Errorf("agent instance %s: %w", id, ErrNotFound)
	}
	return a.load, nil
}
