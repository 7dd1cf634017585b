// Package agentrt is a small, self-contained Planner/Solver/Aggregator/
// Agent implementation used by cmd/plansolved's default wiring and by
// the integration tests. It stands in for a real ReAct agent runtime:
// no LLM client is called here, but the shapes (Agent.Run, statistics,
// tool use) are close enough that swapping in a real LLM-backed Agent
// later is a matter of replacing textAgent, not the Planner/Solver/
// Aggregator contracts.
package agentrt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/conductorhq/plansolve/pkg/agentrt/mcptool"
	"github.com/conductorhq/plansolve/pkg/pipeline"
)

// StepTimeout bounds a single simulated agent turn.
const StepTimeout = 30 * time.Second

// textAgent is the Agent implementation every Planner/Solver in this
// package builds. It has no model behind it: Run deterministically
// transforms its input, which is enough to exercise the pipeline's full
// event/statistics machinery without an external LLM dependency.
type textAgent struct {
	name      string
	model     string
	runFn     func(ctx context.Context, input string) (string, error)
	final     string
	lastInput string
	toolCall  string // non-empty: the tool name this agent invoked, for stats
}

func (a *textAgent) Run(ctx context.Context, input string) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()
	a.lastInput = input
	out, err := a.runFn(stepCtx, input)
	if err == nil {
		a.final = out
	}
	return out, err
}

func (a *textAgent) FinalResponse() (string, bool) { return a.final, a.final != "" }

// GetStatistics reports one call record per turn, with input/output token
// counts proxied by word counts on the request/response text — there is no
// real tokenizer behind this demo agent, but the shape (model, per-call
// token fields) matches what a real LLM client's usage accounting reports.
func (a *textAgent) GetStatistics() (map[string]any, bool) {
	call := map[string]any{
		"model":         a.model,
		"input_tokens":  wordCount(a.lastInput),
		"output_tokens": wordCount(a.final),
	}
	stats := map[string]any{"model": a.model, "calls": []any{call}}
	if a.toolCall != "" {
		stats["tool_calls"] = []any{a.toolCall}
	}
	return stats, true
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// Planner splits a question into an ordered list of tasks by sentence,
// falling back to treating the whole question as one task when it has
// no obvious breakpoints. It is the simplest possible stand-in for an
// LLM-backed decomposition step.
type Planner struct {
	Model string
}

var _ pipeline.Planner = (*Planner)(nil)

func (p *Planner) Name() string { return "demo-planner" }

func (p *Planner) BuildAgent(ctx context.Context) (pipeline.Agent, error) {
	return &textAgent{
		name:  p.Name(),
		model: p.modelOrDefault(),
		runFn: func(ctx context.Context, input string) (string, error) { return input, nil },
	}, nil
}

func (p *Planner) modelOrDefault() string {
	if p.Model != "" {
		return p.Model
	}
	return "demo-planner-v1"
}

func (p *Planner) BuildRequest(question string) string { return pipeline.DefaultBuildRequest(question) }

// ExtractTasks runs the agent (recording its raw output as the rationale)
// then splits the question into clauses. Each task is a map carrying a
// stable "id" so pipeline.ComputeTaskKey can key it directly.
func (p *Planner) ExtractTasks(agent pipeline.Agent, rawOutput string) ([]pipeline.Task, error) {
	clauses := splitClauses(rawOutput)
	if len(clauses) == 0 {
		return nil, fmt.Errorf("agentrt: planner produced no tasks from %q", rawOutput)
	}
	tasks := make([]pipeline.Task, len(clauses))
	for i, c := range clauses {
		tasks[i] = map[string]any{
			"id":    fmt.Sprintf("task-%d", i+1),
			"title": c,
		}
	}
	return tasks, nil
}

func (p *Planner) ExtractSummary(agent pipeline.Agent, rawOutput string) *string {
	return pipeline.DefaultSummary(agent)
}

func (p *Planner) CoerceTasks(tasks []pipeline.Task) ([]pipeline.Task, error) {
	coerced := make([]pipeline.Task, len(tasks))
	for i, t := range tasks {
		m, ok := t.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("agentrt: cannot coerce task %d of type %T", i, t)
		}
		if _, ok := m["id"]; !ok {
			m["id"] = fmt.Sprintf("task-%d", i+1)
		}
		coerced[i] = m
	}
	return coerced, nil
}

func splitClauses(question string) []string {
	parts := strings.FieldsFunc(question, func(r rune) bool {
		return r == '.' || r == ';' || r == '\n'
	})
	clauses := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			clauses = append(clauses, p)
		}
	}
	if len(clauses) == 0 && strings.TrimSpace(question) != "" {
		clauses = append(clauses, strings.TrimSpace(question))
	}
	return clauses
}

// Solver "solves" one task by echoing its title through a canned
// transformation, optionally routed through an MCP tool call when one is
// configured (see mcp field) — this is what gives agentrt/mcptool a
// concrete, exercised call site.
type Solver struct {
	Model string
	MCP   *mcptool.Client // nil disables tool use
	Tool  string          // tool name to call when MCP is set; default "echo"
}

var _ pipeline.Solver = (*Solver)(nil)

func (s *Solver) Name() string { return "demo-solver" }

func (s *Solver) toolName() string {
	if s.Tool != "" {
		return s.Tool
	}
	return "echo"
}

func (s *Solver) BuildAgent(ctx context.Context, task pipeline.Task, pc *pipeline.PlanContext) (pipeline.Agent, error) {
	title := taskTitle(task)
	model := s.Model
	if model == "" {
		model = "demo-solver-v1"
	}

	agent := &textAgent{name: s.Name(), model: model}
	agent.runFn = func(ctx context.Context, input string) (string, error) {
		if s.MCP != nil && s.MCP.Enabled() {
			out, err := s.MCP.CallTool(ctx, s.toolName(), map[string]any{"text": input})
			if err == nil {
				agent.toolCall = s.toolName()
				return out, nil
			}
			// Tool failures degrade to the local transformation rather
			// than failing the whole task — a demo process shouldn't go
			// down because its optional sidecar tool server isn't up.
		}
		return fmt.Sprintf("resolved: %s", title), nil
	}
	return agent, nil
}

func (s *Solver) BuildRequest(task pipeline.Task, pc *pipeline.PlanContext) string {
	return taskTitle(task)
}

func (s *Solver) ExtractResult(agent pipeline.Agent, rawOutput string, task pipeline.Task, pc *pipeline.PlanContext) (any, error) {
	return rawOutput, nil
}

func (s *Solver) ExtractSummary(agent pipeline.Agent, rawOutput string, task pipeline.Task, pc *pipeline.PlanContext) *string {
	return pipeline.DefaultSummary(agent)
}

func taskTitle(task pipeline.Task) string {
	if m, ok := task.(map[string]any); ok {
		if title, ok := m["title"].(string); ok {
			return title
		}
		if id, ok := m["id"]; ok {
			return fmt.Sprintf("%v", id)
		}
	}
	return fmt.Sprintf("%v", task)
}

// Aggregator concatenates every solver result's summary/output into one
// final answer string, the simplest possible fold.
type Aggregator struct{}

var _ pipeline.Aggregator = (*Aggregator)(nil)

func (Aggregator) Aggregate(ctx context.Context, pc *pipeline.PlanContext, results []pipeline.SolverRunResult) (any, error) {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		if r.Summary != nil && *r.Summary != "" {
			lines = append(lines, *r.Summary)
			continue
		}
		lines = append(lines, fmt.Sprintf("%v", r.Result))
	}
	return strings.Join(lines, "\n"), nil
}
