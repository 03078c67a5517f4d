package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingSink struct{ err error }

func (s failingSink) Publish(context.Context, string, Event) error { return s.err }

type recordingSink struct{ channels []string }

func (s *recordingSink) Publish(_ context.Context, channel string, _ Event) error {
	s.channels = append(s.channels, channel)
	return nil
}

func TestBroadcaster_SubscribeAndCancel(t *testing.T) {
	b := NewBroadcaster(4, zap.NewNop())
	ctx := context.Background()

	ch, cancel := b.Subscribe(ExecutionChannel("e1"))
	other, cancelOther := b.Subscribe(ExecutionChannel("e2"))
	defer cancelOther()
	assert.Equal(t, 1, b.SubscriberCount(ExecutionChannel("e1")))

	require.NoError(t, b.Publish(ctx, ExecutionChannel("e1"), Event{Type: EventWorkflowStarted, ExecutionID: "e1"}))
	ev := <-ch
	assert.Equal(t, EventWorkflowStarted, ev.Type)
	assert.Empty(t, other)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.SubscriberCount(ExecutionChannel("e1")))

	require.NoError(t, b.Publish(ctx, ExecutionChannel("e1"), Event{Type: EventWorkflowCompleted}))
}

func TestBroadcaster_DropsWhenFull(t *testing.T) {
	b := NewBroadcaster(2, nil)
	ch, cancel := b.Subscribe(GlobalChannel)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), GlobalChannel, Event{Type: EventStepStarted}))
	}
	assert.Len(t, ch, 2)
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	rec := &recordingSink{}
	boom := errors.New("boom")
	sink := MultiSink{rec, nil, failingSink{err: boom}, NopEventSink{}}

	err := sink.Publish(context.Background(), "global", Event{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"global"}, rec.channels)
}

func TestEngine_PublishesToAllChannels(t *testing.T) {
	rec := &recordingSink{}
	e := NewEngine(nil, WithEventSink(rec))
	defer e.Shutdown(context.Background())

	e.publish(context.Background(), Event{Type: EventStepStarted, ExecutionID: "e1", StepID: "s1"})
	assert.Equal(t, []string{"execution:e1", "global", "step:e1:s1"}, rec.channels)
}
