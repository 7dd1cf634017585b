// Package outbound implements the per-connection single-writer outbound
// channel: every event destined for one WebSocket connection passes
// through exactly one writer goroutine, so no two goroutines ever call
// Sink.Send concurrently for the same connection. It also applies
// best-effort backpressure (a bounded queue, not a drop policy) and
// coalesces high-frequency event types so a chatty agent run doesn't
// flood a slow client.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/conductorhq/plansolve/pkg/events"
)

// Sink is the minimal interface a transport must satisfy to be driven by a
// Channel. Implementations must be safe to call Send on only from the
// Channel's own writer goroutine (the Channel guarantees this).
type Sink interface {
	Send(ctx context.Context, data []byte) error
	Closed() bool
}

// ErrClosed is returned by Enqueue once the channel has been closed.
var ErrClosed = errors.New("outbound: channel closed")

// Config controls queue depth and coalescing behavior.
type Config struct {
	// MaxQueueSize bounds the number of pending events; Enqueue blocks
	// (backpressures) once the queue is full instead of dropping events.
	MaxQueueSize int
	// CoalesceWindow is how long a coalesced event type waits before
	// flushing its latest buffered value. Zero disables coalescing.
	CoalesceWindow time.Duration
	// CoalesceEvents names the event types that coalesce by
	// (event, session_id) instead of being queued immediately. Defaults
	// to {agent.partial_answer, agent.llm_message} when nil.
	CoalesceEvents map[string]bool
	// WriteTimeout bounds a single Sink.Send call.
	WriteTimeout time.Duration
	// Observer, if set, is called with every enqueued envelope (both
	// coalesced and immediate) before delivery, so a side-channel
	// listener (stats, Slack notification) can watch the same event
	// stream the client receives without being on the transport's
	// critical path. Observer must not block; it runs inline on the
	// caller's goroutine and panics are recovered and logged.
	Observer func(events.Envelope)
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.CoalesceEvents == nil {
		c.CoalesceEvents = map[string]bool{
			events.AgentPartialAnswer: true,
			events.AgentLLMMessage:    true,
		}
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

type coalesceKey struct {
	event     string
	sessionID string
}

// Channel is a per-connection outbound event channel with a single writer.
type Channel struct {
	sink   Sink
	cfg    Config
	logger *slog.Logger
	name   string

	queue chan events.Envelope
	done  chan struct{}

	closeOnce sync.Once
	closed    bool

	mu             sync.Mutex
	coalesced      map[coalesceKey]events.Envelope
	coalescedOrder []coalesceKey
	flushTimer     *time.Timer
	flushScheduled bool

	wg sync.WaitGroup
}

// New creates a Channel. Start must be called before Enqueue will make
// progress.
func New(sink Sink, cfg Config, name string, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if name == "" {
		name = "outbound"
	}
	cfg = cfg.withDefaults()
	return &Channel{
		sink:      sink,
		cfg:       cfg,
		logger:    logger.With("component", "outbound", "channel", name),
		name:      name,
		queue:     make(chan events.Envelope, cfg.MaxQueueSize),
		done:      make(chan struct{}),
		coalesced: make(map[coalesceKey]events.Envelope),
	}
}

// Start launches the single writer goroutine. Safe to call once.
func (c *Channel) Start() {
	c.wg.Add(1)
	go c.writer()
}

// Enqueue submits an event for sending. It blocks (applying backpressure)
// when the queue is full, and returns ErrClosed once Close has been
// called. High-frequency event types registered in Config.CoalesceEvents
// are buffered and flushed as a single latest-value event after
// Config.CoalesceWindow, instead of being queued immediately.
func (c *Channel) Enqueue(ctx context.Context, env events.Envelope) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.observe(env)

	if c.cfg.CoalesceWindow > 0 && c.cfg.CoalesceEvents[env.Event] && env.SessionID != "" {
		c.bufferCoalesced(env)
		return nil
	}

	select {
	case c.queue <- env:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) observe(env events.Envelope) {
	if c.cfg.Observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("outbound observer panicked", "event", env.Event, "panic", r)
		}
	}()
	c.cfg.Observer(env)
}

func (c *Channel) bufferCoalesced(env events.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	key := coalesceKey{event: env.Event, sessionID: env.SessionID}
	if _, buffered := c.coalesced[key]; !buffered {
		c.coalescedOrder = append(c.coalescedOrder, key)
	}
	c.coalesced[key] = env
	if !c.flushScheduled {
		c.flushScheduled = true
		c.flushTimer = time.AfterFunc(c.cfg.CoalesceWindow, c.flushCoalesced)
	}
}

// flushCoalesced drains the buffer into the queue, latest value per key,
// in the order the keys were first buffered this window.
func (c *Channel) flushCoalesced() {
	c.mu.Lock()
	c.flushScheduled = false
	toFlush := c.coalesced
	order := c.coalescedOrder
	c.coalesced = make(map[coalesceKey]events.Envelope)
	c.coalescedOrder = nil
	c.mu.Unlock()

	if c.isClosed() {
		return
	}
	for _, key := range order {
		select {
		case c.queue <- toFlush[key]:
		case <-c.done:
			return
		}
	}
}

// Close stops the writer, cancels any pending coalesce flush, and drains
// the queue best-effort. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.flushTimer != nil {
			c.flushTimer.Stop()
		}
		c.coalesced = nil
		c.coalescedOrder = nil
		c.mu.Unlock()

		close(c.done)
		c.wg.Wait()

		for {
			select {
			case <-c.queue:
			default:
				return
			}
		}
	})
	return nil
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) writer() {
	defer c.wg.Done()
	for {
		select {
		case env := <-c.queue:
			c.send(env)
		case <-c.done:
			return
		}
	}
}

func (c *Channel) send(env events.Envelope) {
	if c.sink.Closed() {
		c.logger.Debug("dropping outbound event on closed sink", "event", env.Event)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to marshal outbound event", "event", env.Event, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := c.sink.Send(ctx, data); err != nil {
		c.logger.Error("outbound send failed", "event", env.Event, "error", err)
	}
}
