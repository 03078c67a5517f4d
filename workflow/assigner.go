package workflow

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// AssignStrategy selects an agent instance among eligible candidates.
type AssignStrategy string

const (
	// StrategyRoundRobin cycles candidates in registration order, per definition
	StrategyRoundRobin AssignStrategy = "round_robin"
	// StrategyLeastLoaded picks the candidate with the fewest in-flight steps
	StrategyLeastLoaded AssignStrategy = "least_loaded"
	// StrategyCapabilityMatch picks the first candidate covering the capabilities
	StrategyCapabilityMatch AssignStrategy = "capability_match"
	// StrategyResourceBased filters by resource headroom, then least loaded
	StrategyResourceBased AssignStrategy = "resource_based"
)

// Valid reports whether s is a known strategy.
func (s AssignStrategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyCapabilityMatch, StrategyResourceBased:
		return true
	}
	return false
}

// AssignmentRequest describes what an agent step needs.
type AssignmentRequest struct {
	Step              string
	Capabilities      []string
	Strategy          AssignStrategy
	AgentDefinitionID string
	AgentInstanceID   string
	Resources         ResourceRequest
}

// AgentAssigner maps agent steps to agent instances. It owns the
// per-definition round-robin cursors and the in-flight assignment counts.
type AgentAssigner struct {
	registry        AgentRegistry
	defaultStrategy AssignStrategy
	logger          *zap.Logger

	mu       sync.Mutex
	cursors  map[string]uint64
	inFlight map[string]int
	// reserved sums the resource requests of in-flight assignments
	reserved map[string]ResourceRequest
}

// NewAgentAssigner creates an assigner over registry.
func NewAgentAssigner(registry AgentRegistry, defaultStrategy AssignStrategy, logger *zap.Logger) *AgentAssigner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !defaultStrategy.Valid() {
		defaultStrategy = StrategyRoundRobin
	}
	return &AgentAssigner{
		registry:        registry,
		defaultStrategy: defaultStrategy,
		logger:          logger.With(zap.String("component", "agent_assigner")),
		cursors:         make(map[string]uint64),
		inFlight:        make(map[string]int),
		reserved:        make(map[string]ResourceRequest),
	}
}

// Assign picks an instance for req and records it as in flight, reserving
// req.Resources on it. Every successful Assign must be paired with Release.
func (a *AgentAssigner) Assign(ctx context.Context, definitionID string, req AssignmentRequest) (string, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = a.defaultStrategy
	}
	noAgent := func(reason string) error {
		return &NoEligibleAgentError{Step: req.Step, Capabilities: req.Capabilities, Strategy: strategy, Reason: reason}
	}
	if a.registry == nil {
		return "", noAgent("no agent registry configured")
	}

	listed, err := a.registry.ListEligible(ctx, req.Capabilities)
	if err != nil {
		return "", fmt.Errorf("list eligible agents: %w", err)
	}
	candidates := make([]AgentInstance, 0, len(listed))
	for _, inst := range listed {
		if !inst.HasCapabilities(req.Capabilities) {
			continue
		}
		if req.AgentDefinitionID != "" && inst.DefinitionID != req.AgentDefinitionID {
			continue
		}
		candidates = append(candidates, inst)
	}

	if req.AgentInstanceID != "" {
		for _, inst := range candidates {
			if inst.ID == req.AgentInstanceID {
				a.acquire(inst.ID, req.Resources)
				a.logger.Debug("pinned agent assigned",
					zap.String("definition_id", definitionID),
					zap.String("step", req.Step),
					zap.String("agent_instance_id", inst.ID))
				return inst.ID, nil
			}
		}
		return "", noAgent(fmt.Sprintf("pinned instance %s is not eligible", req.AgentInstanceID))
	}
	if len(candidates) == 0 {
		return "", noAgent("no candidates")
	}

	var chosen string
	switch strategy {
	case StrategyCapabilityMatch:
		chosen = candidates[0].ID
		a.acquire(chosen, req.Resources)
	case StrategyRoundRobin:
		chosen = a.nextRoundRobin(definitionID, candidates, req.Resources)
	case StrategyLeastLoaded:
		chosen, err = a.leastLoaded(ctx, definitionID, candidates, req.Resources, false)
	case StrategyResourceBased:
		chosen, err = a.leastLoaded(ctx, definitionID, candidates, req.Resources, true)
		if err == nil && chosen == "" {
			return "", noAgent("no candidate has the requested resource headroom")
		}
	default:
		return "", noAgent(fmt.Sprintf("unknown strategy %q", strategy))
	}
	if err != nil {
		return "", err
	}

	a.logger.Debug("agent assigned",
		zap.String("definition_id", definitionID),
		zap.String("step", req.Step),
		zap.String("strategy", string(strategy)),
		zap.String("agent_instance_id", chosen))
	return chosen, nil
}

// Release ends an in-flight assignment and returns the resources it
// reserved; res must be the request passed to Assign.
func (a *AgentAssigner) Release(instanceID string, res ResourceRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight[instanceID] <= 1 {
		delete(a.inFlight, instanceID)
		delete(a.reserved, instanceID)
		return
	}
	a.inFlight[instanceID]--
	r := a.reserved[instanceID]
	r.CPU = max(r.CPU-res.CPU, 0)
	r.MemoryMB = max(r.MemoryMB-res.MemoryMB, 0)
	a.reserved[instanceID] = r
}

// InFlight returns the number of in-flight assignments for an instance.
func (a *AgentAssigner) InFlight(instanceID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight[instanceID]
}

// Headroom returns the declared capacity of inst minus what its in-flight
// assignments reserved.
func (a *AgentAssigner) Headroom(inst AgentInstance) ResourceRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.headroomLocked(inst)
}

func (a *AgentAssigner) headroomLocked(inst AgentInstance) ResourceRequest {
	r := a.reserved[inst.ID]
	return ResourceRequest{CPU: inst.Resources.CPU - r.CPU, MemoryMB: inst.Resources.MemoryMB - r.MemoryMB}
}

func (a *AgentAssigner) acquire(id string, res ResourceRequest) {
	a.mu.Lock()
	a.acquireLocked(id, res)
	a.mu.Unlock()
}

func (a *AgentAssigner) acquireLocked(id string, res ResourceRequest) {
	a.inFlight[id]++
	if !res.IsZero() {
		r := a.reserved[id]
		r.CPU += res.CPU
		r.MemoryMB += res.MemoryMB
		a.reserved[id] = r
	}
}

func (a *AgentAssigner) nextRoundRobin(definitionID string, candidates []AgentInstance, res ResourceRequest) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.cursors[definitionID] % uint64(len(candidates))
	a.cursors[definitionID] = idx + 1
	id := candidates[idx].ID
	a.acquireLocked(id, res)
	return id
}

// leastLoaded scans candidates starting at the definition's cursor so ties
// rotate in round-robin order. Registry load is read before taking the lock.
// With needHeadroom, candidates whose remaining headroom cannot cover res
// are passed over; an empty id means none could.
func (a *AgentAssigner) leastLoaded(ctx context.Context, definitionID string, candidates []AgentInstance, res ResourceRequest, needHeadroom bool) (string, error) {
	external := make([]int, len(candidates))
	for i, inst := range candidates {
		load, err := a.registry.CurrentLoad(ctx, inst.ID)
		if err != nil {
			a.logger.Warn("failed to read agent load, assuming idle",
				zap.String("agent_instance_id", inst.ID),
				zap.Error(err))
			load = 0
		}
		external[i] = load
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n := uint64(len(candidates))
	start := a.cursors[definitionID] % n
	best, bestLoad := -1, 0
	for k := uint64(0); k < n; k++ {
		i := int((start + k) % n)
		if needHeadroom {
			h := a.headroomLocked(candidates[i])
			if h.CPU < res.CPU || h.MemoryMB < res.MemoryMB {
				continue
			}
		}
		load := external[i]
		if own := a.inFlight[candidates[i].ID]; own > load {
			load = own
		}
		if best < 0 || load < bestLoad {
			best, bestLoad = i, load
		}
	}
	if best < 0 {
		return "", nil
	}
	a.cursors[definitionID] = uint64(best) + 1
	id := candidates[best].ID
	a.acquireLocked(id, res)
	return id, nil
}
