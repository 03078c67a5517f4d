package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType identifies a lifecycle event
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventStepSkipped       EventType = "step_skipped"
	EventStepRetrying      EventType = "step_retrying"
	EventStepCancelled     EventType = "step_cancelled"
	EventApprovalRequired  EventType = "approval_required"
	EventApproved          EventType = "approved"
	EventRejected          EventType = "rejected"
)

// Event is published on every execution and step transition.
type Event struct {
	Type        EventType      `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// GlobalChannel receives every event.
const GlobalChannel = "global"

// ExecutionChannel is the channel for one execution's events.
func ExecutionChannel(executionID string) string { return "execution:" + executionID }

// StepChannel is the channel for one step's events.
func StepChannel(executionID, stepID string) string {
	return "step:" + executionID + ":" + stepID
}

// EventSink receives published events. Publish must not block for long; the
// engine calls it from the execution's run loop.
type EventSink interface {
	Publish(ctx context.Context, channel string, event Event) error
}

// NopEventSink discards events.
type NopEventSink struct{}

// Publish implements EventSink.
func (NopEventSink) Publish(context.Context, string, Event) error { return nil }

// MultiSink publishes to every sink and joins their errors.
type MultiSink []EventSink

// Publish implements EventSink.
func (m MultiSink) Publish(ctx context.Context, channel string, event Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, channel, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broadcaster fans events out to in-process subscribers. Slow subscribers
// lose events instead of blocking publishers.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]chan Event
	nextID  uint64
	bufSize int
	logger  *zap.Logger
}

// NewBroadcaster creates a broadcaster whose subscriptions buffer bufSize events.
func NewBroadcaster(bufSize int, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		subs:    make(map[string]map[uint64]chan Event),
		bufSize: bufSize,
		logger:  logger.With(zap.String("component", "event_broadcaster")),
	}
}

// Subscribe returns a channel of events published on channel and a function
// that ends the subscription and closes the channel.
func (b *Broadcaster) Subscribe(channel string) (<-chan Event, func()) {
	ch := make(chan Event, b.bufSize)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]chan Event)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if m, ok := b.subs[channel]; ok {
				delete(m, id)
				if len(m) == 0 {
					delete(b.subs, channel)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish implements EventSink.
func (b *Broadcaster) Publish(_ context.Context, channel string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("subscriber buffer full, dropping event",
				zap.String("channel", channel),
				zap.String("event_type", string(event.Type)),
				zap.String("execution_id", event.ExecutionID))
		}
	}
	return nil
}

// SubscriberCount returns the number of subscribers on channel.
func (b *Broadcaster) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
