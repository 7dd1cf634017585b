package stats

import (
	"sync"

	"github.com/conductorhq/plansolve/pkg/events"
)

// Listener adapts an Aggregator into a pipeline.EventFunc so a running
// session feeds its lifecycle straight into the process-wide counters,
// without the pipeline or session-agent needing a direct Aggregator
// dependency — the same "observer on the event stream" shape as
// notify.Notifier.Handle. It correlates each agent/tool run's start and
// finish events by a key derived from the envelope (session+step for
// plan/solver runs, session+tool name for tool runs), since the wire
// protocol carries no explicit run ID of its own.
type Listener struct {
	Aggregator *Aggregator

	mu        sync.Mutex
	agentRuns map[string]string
	toolRuns  map[string]string
}

// NewListener builds a Listener around agg. A nil agg makes every
// recorded event a no-op.
func NewListener(agg *Aggregator) *Listener {
	return &Listener{
		Aggregator: agg,
		agentRuns:  make(map[string]string),
		toolRuns:   make(map[string]string),
	}
}

// Handle records the lifecycle/tool statistics implied by one pipeline
// event. It never panics or blocks the caller: recording failures are
// swallowed by Aggregator itself. Per-model tallies are not derived here
// (solver.completed's payload is the task summary, not its statistics
// dict) — pipeline.buildStatistics records those directly from each
// per-call record as it extracts them.
func (l *Listener) Handle(env events.Envelope) {
	if l == nil || l.Aggregator == nil {
		return
	}

	switch env.Event {
	case events.PlanStart:
		l.startAgentRun(runKey(env, "plan"), "planner")
	case events.PlanCompleted:
		l.finishAgentRun(runKey(env, "plan"), "finished")
	case events.PlanCancelled:
		l.finishAgentRun(runKey(env, "plan"), "cancelled")

	case events.SolverStart:
		l.startAgentRun(runKey(env, "solver"), "solver")
	case events.SolverCompleted:
		l.finishAgentRun(runKey(env, "solver"), "finished")
	case events.SolverCancelled:
		l.finishAgentRun(runKey(env, "solver"), "cancelled")
		// A failed solver attempt produces no wire event (it is logged
		// pipeline-side and the run continues), so its start entry stays
		// unmatched.

	case events.AgentToolCall:
		if name, ok := env.Content.(string); ok && name != "" {
			l.startToolRun(toolKey(env, name), name)
		}
	case events.AgentToolResult:
		if name, ok := env.Content.(string); ok && name != "" {
			l.finishToolRun(toolKey(env, name), env)
		}
	}
}

func (l *Listener) startAgentRun(key, name string) {
	runID := l.Aggregator.StartAgentRun(name)
	l.mu.Lock()
	l.agentRuns[key] = runID
	l.mu.Unlock()
}

func (l *Listener) finishAgentRun(key, status string) {
	l.mu.Lock()
	runID, ok := l.agentRuns[key]
	if ok {
		delete(l.agentRuns, key)
	}
	l.mu.Unlock()
	if ok {
		l.Aggregator.FinishAgentRun(runID, status)
	}
}

func (l *Listener) startToolRun(key, tool string) {
	runID := l.Aggregator.StartToolRun(tool, 0)
	l.mu.Lock()
	l.toolRuns[key] = runID
	l.mu.Unlock()
}

// finishToolRun reads success/output_size out of the tool_result
// envelope's metadata, when present; a tool_result that carries neither
// is treated as a bare success with no output-size detail, and an
// unmatched result (no corresponding tool_call observed) is dropped.
func (l *Listener) finishToolRun(key string, env events.Envelope) {
	l.mu.Lock()
	runID, ok := l.toolRuns[key]
	if ok {
		delete(l.toolRuns, key)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	success := true
	if v, exists := env.Metadata["success"]; exists {
		if b, isBool := v.(bool); isBool {
			success = b
		}
	}
	outputSize := 0
	if v, exists := env.Metadata["output_size"]; exists {
		if n, ok := toInt(v); ok {
			outputSize = n
		}
	}
	l.Aggregator.FinishToolRun(runID, success, outputSize, 0)
}

func runKey(env events.Envelope, kind string) string {
	return env.SessionID + "|" + kind + "|" + env.StepID
}

func toolKey(env events.Envelope, tool string) string {
	return env.SessionID + "|" + tool
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
