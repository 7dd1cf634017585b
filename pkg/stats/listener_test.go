package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conductorhq/plansolve/pkg/events"
)

func TestListenerRecordsPlanAndSolverLifecycle(t *testing.T) {
	agg := New(nil)
	l := NewListener(agg)

	plan := events.New(events.PlanStart, "s1", nil, nil)
	l.Handle(plan)
	l.Handle(events.New(events.PlanCompleted, "s1", nil, nil))

	solverA := events.New(events.SolverStart, "s1", nil, nil).WithStep("task-a")
	l.Handle(solverA)
	l.Handle(events.New(events.SolverCompleted, "s1", nil, nil).WithStep("task-a"))

	solverB := events.New(events.SolverStart, "s1", nil, nil).WithStep("task-b")
	l.Handle(solverB)
	l.Handle(events.New(events.SolverCancelled, "s1", nil, nil).WithStep("task-b"))

	snap := agg.Snapshot()
	assert.EqualValues(t, 1, snap.Agents.ByAgent["planner"].Finished)
	assert.EqualValues(t, 1, snap.Agents.ByAgent["solver"].Finished)
	assert.EqualValues(t, 1, snap.Agents.ByAgent["solver"].Cancelled)
}

func TestListenerRecordsToolRuns(t *testing.T) {
	agg := New(nil)
	l := NewListener(agg)

	l.Handle(events.New(events.AgentToolCall, "s1", "search", nil))
	l.Handle(events.New(events.AgentToolResult, "s1", "search", map[string]any{"success": true, "output_size": 256}))

	snap := agg.Snapshot()
	tool := snap.Tools.ByTool["search"]
	assert.EqualValues(t, 1, tool.Executions)
	assert.EqualValues(t, 1, tool.Successes)
	assert.EqualValues(t, 256, tool.OutputBytes)
}

func TestListenerIgnoresUnmatchedToolResult(t *testing.T) {
	agg := New(nil)
	l := NewListener(agg)

	l.Handle(events.New(events.AgentToolResult, "s1", "search", map[string]any{"success": true}))

	snap := agg.Snapshot()
	assert.Empty(t, snap.Tools.ByTool)
}

func TestListenerWithNilAggregatorIsNoop(t *testing.T) {
	var l *Listener
	assert.NotPanics(t, func() {
		l.Handle(events.New(events.PlanStart, "s1", nil, nil))
	})
}
