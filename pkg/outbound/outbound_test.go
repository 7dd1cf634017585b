package outbound

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/plansolve/pkg/events"
)

type fakeSink struct {
	mu      sync.Mutex
	sent    []events.Envelope
	closed  bool
	sendErr error
}

func (f *fakeSink) Send(_ context.Context, data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSink) snapshot() []events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met before timeout")
}

func TestEnqueueDeliversInOrder(t *testing.T) {
	sink := &fakeSink{}
	ch := New(sink, Config{}, "test", nil)
	ch.Start()
	defer ch.Close()

	ctx := context.Background()
	require.NoError(t, ch.Enqueue(ctx, events.New(events.AgentThinking, "s1", "first", nil)))
	require.NoError(t, ch.Enqueue(ctx, events.New(events.AgentFinalAnswer, "s1", "second", nil)))

	waitUntil(t, time.Second, func() bool { return len(sink.snapshot()) == 2 })

	sent := sink.snapshot()
	assert.Equal(t, "first", sent[0].Content)
	assert.Equal(t, "second", sent[1].Content)
}

func TestEnqueueAfterCloseReturnsErrClosed(t *testing.T) {
	sink := &fakeSink{}
	ch := New(sink, Config{}, "test", nil)
	ch.Start()
	require.NoError(t, ch.Close())

	err := ch.Enqueue(context.Background(), events.New(events.AgentThinking, "s1", nil, nil))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCoalescingKeepsOnlyLatestPerKey(t *testing.T) {
	sink := &fakeSink{}
	ch := New(sink, Config{CoalesceWindow: 20 * time.Millisecond}, "test", nil)
	ch.Start()
	defer ch.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, ch.Enqueue(ctx, events.New(events.AgentPartialAnswer, "s1", i, nil)))
	}

	waitUntil(t, time.Second, func() bool { return len(sink.snapshot()) == 1 })
	sent := sink.snapshot()
	assert.Equal(t, float64(4), sent[0].Content)
}

func TestCoalescedFlushPreservesKeyInsertionOrder(t *testing.T) {
	sink := &fakeSink{}
	ch := New(sink, Config{CoalesceWindow: 20 * time.Millisecond}, "test", nil)
	ch.Start()
	defer ch.Close()

	ctx := context.Background()
	require.NoError(t, ch.Enqueue(ctx, events.New(events.AgentLLMMessage, "s1", "llm", nil)))
	require.NoError(t, ch.Enqueue(ctx, events.New(events.AgentPartialAnswer, "s1", "partial", nil)))

	waitUntil(t, time.Second, func() bool { return len(sink.snapshot()) == 2 })
	sent := sink.snapshot()
	assert.Equal(t, events.AgentLLMMessage, sent[0].Event)
	assert.Equal(t, events.AgentPartialAnswer, sent[1].Event)
}

func TestNonCoalescedEventsBypassBuffer(t *testing.T) {
	sink := &fakeSink{}
	ch := New(sink, Config{CoalesceWindow: 50 * time.Millisecond}, "test", nil)
	ch.Start()
	defer ch.Close()

	require.NoError(t, ch.Enqueue(context.Background(), events.New(events.AgentFinalAnswer, "s1", "done", nil)))
	waitUntil(t, time.Second, func() bool { return len(sink.snapshot()) == 1 })
}

func TestCloseDrainsQueueAndStopsWriter(t *testing.T) {
	sink := &fakeSink{}
	ch := New(sink, Config{MaxQueueSize: 10}, "test", nil)
	ch.Start()

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close()) // idempotent
}

func TestObserverSeesEveryEnqueuedEnvelope(t *testing.T) {
	sink := &fakeSink{}
	var mu sync.Mutex
	var observed []string
	ch := New(sink, Config{Observer: func(env events.Envelope) {
		mu.Lock()
		observed = append(observed, env.Event)
		mu.Unlock()
	}}, "test", nil)
	ch.Start()
	defer ch.Close()

	require.NoError(t, ch.Enqueue(context.Background(), events.New(events.PlanStart, "s1", nil, nil)))
	waitUntil(t, time.Second, func() bool { return len(sink.snapshot()) == 1 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{events.PlanStart}, observed)
}

func TestObserverPanicIsRecovered(t *testing.T) {
	sink := &fakeSink{}
	ch := New(sink, Config{Observer: func(events.Envelope) { panic("boom") }}, "test", nil)
	ch.Start()
	defer ch.Close()

	assert.NotPanics(t, func() {
		_ = ch.Enqueue(context.Background(), events.New(events.PlanStart, "s1", nil, nil))
	})
}
