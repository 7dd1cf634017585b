package agentrt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/plansolve/pkg/pipeline"
)

func TestPlannerExtractsOneTaskPerClause(t *testing.T) {
	p := &Planner{}
	ctx := context.Background()

	agent, err := p.BuildAgent(ctx)
	require.NoError(t, err)

	raw, err := agent.Run(ctx, p.BuildRequest("Gather requirements. Draft the plan; ship it"))
	require.NoError(t, err)

	tasks, err := p.ExtractTasks(agent, raw)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	coerced, err := p.CoerceTasks(tasks)
	require.NoError(t, err)
	pc, err := pipeline.NewPlanContext("q", coerced, nil)
	require.NoError(t, err)
	assert.Len(t, pc.TaskKeys, 3)
}

func TestPlannerRejectsEmptyQuestion(t *testing.T) {
	p := &Planner{}
	ctx := context.Background()
	agent, err := p.BuildAgent(ctx)
	require.NoError(t, err)

	_, err = p.ExtractTasks(agent, "")
	assert.Error(t, err)
}

func TestSolverResolvesTaskWithoutMCP(t *testing.T) {
	s := &Solver{}
	ctx := context.Background()
	task := map[string]any{"id": "task-1", "title": "gather requirements"}

	agent, err := s.BuildAgent(ctx, task, nil)
	require.NoError(t, err)

	raw, err := agent.Run(ctx, s.BuildRequest(task, nil))
	require.NoError(t, err)
	assert.Contains(t, raw, "gather requirements")

	result, err := s.ExtractResult(agent, raw, task, nil)
	require.NoError(t, err)
	assert.Equal(t, raw, result)
}

func TestAggregatorJoinsSummaries(t *testing.T) {
	a := Aggregator{}
	s1 := "first"
	results := []pipeline.SolverRunResult{
		{Summary: &s1},
		{Result: "second"},
	}
	out, err := a.Aggregate(context.Background(), nil, results)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", out)
}
