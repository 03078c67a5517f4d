package pool

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func noop(context.Context) error { return nil }

// submitUntilAccepted 提交任务，池满时稍后重试
func submitUntilAccepted(t *testing.T, p *WorkerPool, task Task) {
	t.Helper()
	require.Eventually(t, func() bool {
		err := p.Submit(context.Background(), task)
		if err != nil && !errors.Is(err, ErrPoolFull) {
			t.Fatalf("submit: %v", err)
		}
		return err == nil
	}, 2*time.Second, time.Millisecond)
}

func TestWorkerPool_RunsTasks(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueSize: 4}, nil)
	defer p.Close()

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(done)
		return nil
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	assert.Eventually(t, func() bool { return p.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_UnbufferedQueue(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 0}, nil)
	defer p.Close()

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))
	assert.ErrorIs(t, p.Submit(context.Background(), noop), ErrPoolFull)

	close(release)
	submitUntilAccepted(t, p, noop)
	assert.Eventually(t, func() bool { return p.Stats().Completed == 2 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_FullWhenSaturated(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1}, nil)
	defer p.Close()

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))
	require.NoError(t, p.Submit(context.Background(), noop))
	assert.ErrorIs(t, p.Submit(context.Background(), noop), ErrPoolFull)

	st := p.Stats()
	assert.Equal(t, 1, st.Workers)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, int64(3), st.Submitted)
	assert.Equal(t, int64(1), st.Rejected)

	close(release)
	assert.Eventually(t, func() bool { return p.Stats().Completed == 2 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	p := New(Config{MaxWorkers: 3, QueueSize: 32}, nil)
	defer p.Close()

	var active, peak atomic.Int32
	for i := 0; i < 20; i++ {
		submitUntilAccepted(t, p, func(context.Context) error {
			n := active.Add(1)
			for old := peak.Load(); n > old && !peak.CompareAndSwap(old, n); old = peak.Load() {
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil
		})
	}
	assert.Eventually(t, func() bool { return p.Stats().Completed == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestWorkerPool_IdleWorkersExitAndRespawn(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueSize: 2, IdleTimeout: 10 * time.Millisecond}, nil)
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), noop))
	assert.Eventually(t, func() bool { return p.Stats().Workers == 0 }, time.Second, 5*time.Millisecond)

	ran := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(ran)
		return nil
	}))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task submitted after idle exit did not run")
	}
}

func TestWorkerPool_FailuresAndPanics(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	p := New(Config{MaxWorkers: 1, QueueSize: 4}, zap.New(core))
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { panic("kaboom") }))
	require.NoError(t, p.Submit(context.Background(), noop))

	assert.Eventually(t, func() bool { return p.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)
	st := p.Stats()
	assert.Equal(t, int64(2), st.Failed)
	assert.Equal(t, int64(1), st.Panicked)

	entries := logs.FilterMessage("task panicked").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "worker_pool", entries[0].ContextMap()["component"])
}

func TestWorkerPool_SkipsCancelledTasks(t *testing.T) {
	p := New(Config{MaxWorkers: 1}, nil)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Bool
	require.NoError(t, p.Submit(ctx, func(context.Context) error {
		ran.Store(true)
		return nil
	}))
	assert.Eventually(t, func() bool { return p.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, ran.Load())
}

func TestWorkerPool_CloseDrainsQueue(t *testing.T) {
	p := New(Config{Name: "steps-test", MaxWorkers: 2, QueueSize: 8}, nil)
	assert.Equal(t, "steps-test", p.Name())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil
		}))
	}
	p.Close()
	assert.Equal(t, int32(5), ran.Load())
	assert.Equal(t, 0, p.Stats().Workers)

	assert.ErrorIs(t, p.Submit(context.Background(), noop), ErrPoolClosed)
	p.Close()
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{MaxWorkers: -1, QueueSize: -5}, nil)
	defer p.Close()
	assert.Equal(t, "steps", p.Name())
	assert.Equal(t, 64, p.cfg.MaxWorkers)
	assert.Equal(t, 0, p.cfg.QueueSize)
	assert.Equal(t, time.Minute, p.cfg.IdleTimeout)
}

func TestBuffers(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("event")
	PutBuffer(buf)

	again := GetBuffer()
	assert.Zero(t, again.Len())
	PutBuffer(again)

	before := BufferAllocs()
	PutBuffer(bytes.NewBuffer(make([]byte, 0, maxPooledBuffer*2)))
	PutBuffer(nil)
	assert.Equal(t, before, BufferAllocs())
}
