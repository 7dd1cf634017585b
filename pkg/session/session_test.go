package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/plansolve/pkg/events"
	"github.com/conductorhq/plansolve/pkg/outbound"
	"github.com/conductorhq/plansolve/pkg/pipeline"
)

type fakeSink struct {
	mu     sync.Mutex
	events []events.Envelope
}

func (f *fakeSink) Send(_ context.Context, data []byte) error {
	var env events.Envelope
	_ = json.Unmarshal(data, &env)
	f.mu.Lock()
	f.events = append(f.events, env)
	f.mu.Unlock()
	return nil
}
func (f *fakeSink) Closed() bool { return false }
func (f *fakeSink) snapshot() []events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Envelope, len(f.events))
	copy(out, f.events)
	return out
}

type echoAgent struct{}

func (echoAgent) Run(ctx context.Context, input string) (string, error) { return input, nil }
func (echoAgent) FinalResponse() (string, bool)                         { return "final", true }
func (echoAgent) GetStatistics() (map[string]any, bool)                 { return nil, false }

type echoPlanner struct{}

func (echoPlanner) Name() string { return "echo" }
func (echoPlanner) BuildAgent(ctx context.Context) (pipeline.Agent, error) { return echoAgent{}, nil }
func (echoPlanner) BuildRequest(q string) string                          { return q }
func (echoPlanner) ExtractTasks(agent pipeline.Agent, raw string) ([]pipeline.Task, error) {
	return []pipeline.Task{map[string]any{"id": "t0"}}, nil
}
func (echoPlanner) ExtractSummary(agent pipeline.Agent, raw string) *string { return nil }
func (echoPlanner) CoerceTasks(tasks []pipeline.Task) ([]pipeline.Task, error) {
	return tasks, nil
}

type echoSolver struct{}

func (echoSolver) Name() string { return "echo-solver" }
func (echoSolver) BuildAgent(ctx context.Context, task pipeline.Task, pc *pipeline.PlanContext) (pipeline.Agent, error) {
	return echoAgent{}, nil
}
func (echoSolver) BuildRequest(task pipeline.Task, pc *pipeline.PlanContext) string { return "go" }
func (echoSolver) ExtractResult(agent pipeline.Agent, raw string, task pipeline.Task, pc *pipeline.PlanContext) (any, error) {
	return raw, nil
}
func (echoSolver) ExtractSummary(agent pipeline.Agent, raw string, task pipeline.Task, pc *pipeline.PlanContext) *string {
	return nil
}

type echoAggregator struct{}

func (echoAggregator) Aggregate(ctx context.Context, pc *pipeline.PlanContext, results []pipeline.SolverRunResult) (any, error) {
	return "done", nil
}

func newTestSession(t *testing.T) (*Session, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	ch := outbound.New(sink, outbound.Config{}, "test", nil)
	ch.Start()
	t.Cleanup(func() { _ = ch.Close() })

	factory := func(sessionID string) *pipeline.Pipeline {
		return &pipeline.Pipeline{Planner: echoPlanner{}, Solver: echoSolver{}, Aggregator: echoAggregator{}, SessionID: sessionID}
	}
	return New("conn-1", ch, factory, Config{}, nil), sink
}

func TestHandleMessageRunsToCompletion(t *testing.T) {
	s, sink := newTestSession(t)

	s.HandleInbound(context.Background(), events.Envelope{Event: events.UserMessage, Content: "hello"})

	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)

	found := false
	gotFinalAnswer := false
	for _, e := range sink.snapshot() {
		if e.Event == events.PipelineCompleted {
			found = true
		}
		if e.Event == events.AgentFinalAnswer {
			gotFinalAnswer = true
		}
	}
	assert.True(t, found)
	assert.True(t, gotFinalAnswer)
}

func TestHandleMessageRejectsConcurrentRun(t *testing.T) {
	s, sink := newTestSession(t)
	s.HandleInbound(context.Background(), events.Envelope{Event: events.UserMessage, Content: "hello"})
	s.HandleInbound(context.Background(), events.Envelope{Event: events.UserMessage, Content: map[string]any{"question": "again"}})

	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)

	errCount := 0
	for _, e := range sink.snapshot() {
		if e.Event == events.SystemError {
			errCount++
		}
	}
	assert.GreaterOrEqual(t, errCount, 1)
}

func TestHandleResponseUnknownStepEmitsError(t *testing.T) {
	s, sink := newTestSession(t)

	s.HandleInbound(context.Background(), events.Envelope{Event: events.UserMessage, Content: "hello"})
	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)

	s.HandleInbound(context.Background(), events.Envelope{
		Event:   events.UserResponse,
		Content: map[string]any{"step_id": "confirm:nope", "confirmed": true},
	})

	require.Eventually(t, func() bool {
		for _, e := range sink.snapshot() {
			if e.Event == events.AgentError {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestCloseCancelsInFlightRun(t *testing.T) {
	s, _ := newTestSession(t)
	s.HandleInbound(context.Background(), events.Envelope{Event: events.UserMessage, Content: "hello"})
	s.Close()
	assert.Equal(t, StateClosed, s.State())
}
