package wsserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/plansolve/pkg/events"
	"github.com/conductorhq/plansolve/pkg/pipeline"
	"github.com/conductorhq/plansolve/pkg/session"
)

type echoAgent struct{}

func (echoAgent) Run(ctx context.Context, input string) (string, error) { return input, nil }
func (echoAgent) FinalResponse() (string, bool)                         { return "final", true }
func (echoAgent) GetStatistics() (map[string]any, bool)                 { return nil, false }

type echoPlanner struct{}

func (echoPlanner) Name() string                                          { return "echo" }
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

func startTestServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Config{
		InsecureSkipOriginCheck: true,
		HeartbeatInterval:       time.Hour,
		PipelineFactory: func(sessionID string) *pipeline.Pipeline {
			return &pipeline.Pipeline{Planner: echoPlanner{}, Solver: echoSolver{}, Aggregator: echoAggregator{}, SessionID: sessionID}
		},
		SessionConfig: session.Config{},
	})

	go func() { _ = s.StartWithListener(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	return "ws://" + l.Addr().String() + "/ws"
}

func TestHealthz(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := New(Config{})
	go func() { _ = s.StartWithListener(l) }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocketRoundTrip(t *testing.T) {
	url := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var connected events.Envelope
	require.NoError(t, json.Unmarshal(data, &connected))
	assert.Equal(t, events.SystemConnected, connected.Event)

	msg := events.Envelope{Event: events.UserMessage, Content: "hello"}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, payload))

	sawCompleted := false
	for i := 0; i < 20 && !sawCompleted; i++ {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var env events.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if strings.HasSuffix(env.Event, events.PipelineCompleted) {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted, "expected to observe pipeline.completed over the wire")
}
