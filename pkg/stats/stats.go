// Package stats implements a process-wide, thread-safe rollup of agent
// lifecycle, tool-run, and model-usage statistics: per-agent run counts
// broken out by terminal status, per-tool execution detail (args/output
// size, success, duration), and per-model and per-agent×model call/token
// tallies.
package stats

import (
	"fmt"
	"log/slog"
	"sync"
)

// AgentAggregate rolls up every run recorded for one agent name, broken
// out by terminal status.
type AgentAggregate struct {
	Started    int64 `json:"started"`
	Finished   int64 `json:"finished"`
	Errored    int64 `json:"error"`
	Cancelled  int64 `json:"cancelled"`
	Terminated int64 `json:"terminated"`
}

// ToolAggregate rolls up every execution recorded for one tool name.
type ToolAggregate struct {
	Executions  int64 `json:"executions"`
	Successes   int64 `json:"successes"`
	Failures    int64 `json:"failures"`
	ArgsBytes   int64 `json:"args_bytes"`
	OutputBytes int64 `json:"output_bytes"`
	DurationMS  int64 `json:"duration_ms"`
}

// ModelAggregate tallies call count and token usage for one model (or
// one agent×model pair).
type ModelAggregate struct {
	Calls        int64 `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// AgentsSnapshot is the agent-lifecycle portion of a Snapshot.
type AgentsSnapshot struct {
	Created int64                     `json:"created"`
	ByAgent map[string]AgentAggregate `json:"by_agent"`
}

// ToolsSnapshot is the tool-execution portion of a Snapshot.
type ToolsSnapshot struct {
	ByTool map[string]ToolAggregate `json:"by_tool"`
}

// ModelsSnapshot is the model-usage portion of a Snapshot. ByAgent is
// keyed "<agent>|<model>".
type ModelsSnapshot struct {
	ByModel map[string]ModelAggregate `json:"by_model"`
	ByAgent map[string]ModelAggregate `json:"by_agent"`
}

// Snapshot is a point-in-time, immutable copy of the aggregator's state.
type Snapshot struct {
	Agents AgentsSnapshot `json:"agents"`
	Tools  ToolsSnapshot  `json:"tools"`
	Models ModelsSnapshot `json:"models"`
}

type agentRun struct {
	name string
}

type toolRun struct {
	tool     string
	argsSize int
}

// Aggregator is a process-wide statistics rollup. The zero value is not
// ready to use; construct one with New.
type Aggregator struct {
	mu sync.Mutex

	agentsCreated int64
	byAgent       map[string]AgentAggregate
	byTool        map[string]ToolAggregate
	byModel       map[string]ModelAggregate
	byAgentModel  map[string]ModelAggregate

	agentRuns map[string]agentRun
	toolRuns  map[string]toolRun
	seq       int64

	logger *slog.Logger
}

// New creates an Aggregator. logger may be nil.
func New(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		byAgent:      make(map[string]AgentAggregate),
		byTool:       make(map[string]ToolAggregate),
		byModel:      make(map[string]ModelAggregate),
		byAgentModel: make(map[string]ModelAggregate),
		agentRuns:    make(map[string]agentRun),
		toolRuns:     make(map[string]toolRun),
		logger:       logger.With("component", "stats"),
	}
}

// StartAgentRun registers the start of a new run of the named agent and
// returns a run ID that must be passed to the matching FinishAgentRun.
func (a *Aggregator) StartAgentRun(name string) string {
	if name == "" {
		name = "unknown"
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agentsCreated++
	a.seq++
	runID := fmt.Sprintf("agent-run-%d", a.seq)
	a.agentRuns[runID] = agentRun{name: name}
	agg := a.byAgent[name]
	agg.Started++
	a.byAgent[name] = agg
	return runID
}

// FinishAgentRun records the terminal status of a previously started
// agent run: one of "finished", "error", "cancelled", "terminated"; any
// other value (including "") is recorded as "finished". Finishing an
// unknown or already-finished run ID is a no-op.
func (a *Aggregator) FinishAgentRun(runID, status string) {
	defer a.recoverPanic("FinishAgentRun")
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.agentRuns[runID]
	if !ok {
		return
	}
	delete(a.agentRuns, runID)
	agg := a.byAgent[run.name]
	switch status {
	case "error":
		agg.Errored++
	case "cancelled":
		agg.Cancelled++
	case "terminated":
		agg.Terminated++
	default:
		agg.Finished++
	}
	a.byAgent[run.name] = agg
}

// StartToolRun registers the start of one tool execution and returns a
// run ID that must be passed to the matching FinishToolRun.
func (a *Aggregator) StartToolRun(tool string, argsSize int) string {
	if tool == "" {
		tool = "unknown"
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	runID := fmt.Sprintf("tool-run-%d", a.seq)
	a.toolRuns[runID] = toolRun{tool: tool, argsSize: argsSize}
	return runID
}

// FinishToolRun records the outcome of a previously started tool
// execution. Finishing an unknown or already-finished run ID is a no-op.
func (a *Aggregator) FinishToolRun(runID string, success bool, outputSize int, durationMS int64) {
	defer a.recoverPanic("FinishToolRun")
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.toolRuns[runID]
	if !ok {
		return
	}
	delete(a.toolRuns, runID)
	agg := a.byTool[run.tool]
	agg.Executions++
	if success {
		agg.Successes++
	} else {
		agg.Failures++
	}
	agg.ArgsBytes += int64(run.argsSize)
	agg.OutputBytes += int64(outputSize)
	agg.DurationMS += durationMS
	a.byTool[run.tool] = agg
}

// RecordModelUsage tallies one LLM call against model, and, when
// agentName is non-empty, against the agent×model breakdown too.
func (a *Aggregator) RecordModelUsage(model, agentName string, inputTokens, outputTokens int64) {
	if model == "" {
		model = "unknown"
	}
	defer a.recoverPanic("RecordModelUsage")
	a.mu.Lock()
	defer a.mu.Unlock()

	agg := a.byModel[model]
	agg.Calls++
	agg.InputTokens += inputTokens
	agg.OutputTokens += outputTokens
	a.byModel[model] = agg

	if agentName != "" {
		key := agentName + "|" + model
		agg2 := a.byAgentModel[key]
		agg2.Calls++
		agg2.InputTokens += inputTokens
		agg2.OutputTokens += outputTokens
		a.byAgentModel[key] = agg2
	}
}

func (a *Aggregator) recoverPanic(op string) {
	if r := recover(); r != nil {
		a.logger.Error("stats recording panicked", "op", op, "panic", r)
	}
}

// Snapshot returns a deep copy of the current aggregates.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Agents: AgentsSnapshot{Created: a.agentsCreated, ByAgent: cloneAgentMap(a.byAgent)},
		Tools:  ToolsSnapshot{ByTool: cloneToolMap(a.byTool)},
		Models: ModelsSnapshot{ByModel: cloneModelMap(a.byModel), ByAgent: cloneModelMap(a.byAgentModel)},
	}
}

// Reset clears every counter and discards any in-flight run tracking.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agentsCreated = 0
	a.byAgent = make(map[string]AgentAggregate)
	a.byTool = make(map[string]ToolAggregate)
	a.byModel = make(map[string]ModelAggregate)
	a.byAgentModel = make(map[string]ModelAggregate)
	a.agentRuns = make(map[string]agentRun)
	a.toolRuns = make(map[string]toolRun)
}

func cloneAgentMap(m map[string]AgentAggregate) map[string]AgentAggregate {
	out := make(map[string]AgentAggregate, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneToolMap(m map[string]ToolAggregate) map[string]ToolAggregate {
	out := make(map[string]ToolAggregate, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneModelMap(m map[string]ModelAggregate) map[string]ModelAggregate {
	out := make(map[string]ModelAggregate, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
