package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/conductorhq/plansolve/pkg/events"
	"github.com/conductorhq/plansolve/pkg/stats"
)

// EventFunc receives pipeline progress events. Implementations must not
// block for long — the scheduling loop calls it inline — and panics are
// recovered and logged rather than allowed to unwind the scheduler, since
// a misbehaving listener shouldn't be able to wedge an in-flight plan.
type EventFunc func(events.Envelope)

// Pipeline wires a Planner, Solver, and Aggregator into the full
// Plan→Solve→Aggregate orchestration.
type Pipeline struct {
	Name    string
	Planner Planner
	Solver  Solver
	// Aggregator folds solver results into the final answer.
	Aggregator Aggregator
	// MaxConcurrency bounds how many solver attempts run at once; zero or
	// negative leaves solving unbounded.
	MaxConcurrency int
	SessionID      string
	OnEvent        EventFunc
	Logger         *slog.Logger
	// HideTasks suppresses the task list from plan.completed's metadata;
	// the zero value keeps broadcasting it.
	HideTasks bool
	// Stats is the process-wide aggregator used to record per-call model
	// usage as it is extracted here, and to read back a metrics snapshot
	// for plan.completed/pipeline.completed metadata. A nil Stats keeps
	// the pipeline fully usable (Metrics is simply omitted).
	Stats *stats.Aggregator
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pipeline) emit(event string, stepID string, content any, metadata map[string]any) {
	if p.OnEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger().Error("pipeline event listener panicked", "event", event, "panic", r)
		}
	}()
	env := events.New(event, p.SessionID, content, metadata)
	if stepID != "" {
		env = env.WithStep(stepID)
	}
	p.OnEvent(env)
}

// Plan runs the Planner to completion and returns the resulting
// PlanContext, or the coercion error namespaced as plan.coercion_error if
// Planner.CoerceTasks rejects the extracted tasks.
func (p *Pipeline) Plan(ctx context.Context, question string) (*PlanContext, error) {
	p.emit(events.PlanStart, "", question, nil)

	agent, err := p.Planner.BuildAgent(ctx)
	if err != nil {
		p.emit(events.AgentError, "", err.Error(), nil)
		return nil, err
	}

	raw, err := agent.Run(ctx, p.Planner.BuildRequest(question))
	if err != nil {
		// A cancelled planning context is reported by the caller as
		// plan.cancelled (or looped back into a replan), never as
		// agent.error — cancellation is not a failure.
		if !errors.Is(err, context.Canceled) {
			p.emit(events.AgentError, "", err.Error(), nil)
		}
		return nil, err
	}

	tasks, err := p.Planner.ExtractTasks(agent, raw)
	if err != nil {
		p.emit(events.AgentError, "", err.Error(), nil)
		return nil, err
	}
	if len(tasks) == 0 {
		err := errors.New("pipeline: planner produced an empty task list")
		p.emit(events.AgentError, "", err.Error(), nil)
		return nil, err
	}

	tasks, err = p.Planner.CoerceTasks(tasks)
	if err != nil {
		p.emit(events.PlanCoercionError, "", err.Error(), nil)
		return nil, err
	}

	pc, err := NewPlanContext(question, tasks, nil)
	if err != nil {
		p.emit(events.PlanCoercionError, "", err.Error(), nil)
		return nil, err
	}
	pc.Summary = p.Planner.ExtractSummary(agent, raw)
	if stats, ok := agent.GetStatistics(); ok {
		pc.PlanStatistics = stats
	}

	metadata := map[string]any{"task_count": len(pc.Tasks), "plan_summary": pc.Summary}
	if !p.HideTasks {
		metadata["tasks"] = pc.Tasks
	}
	if planStats := buildCallRecords(pc.PlanStatistics, "plan", p.Planner.Name()); len(planStats) > 0 {
		metadata["statistics"] = planStats
	}
	if p.Stats != nil {
		metadata["metrics"] = snapshotToMap(p.Stats.Snapshot())
	}
	p.emit(events.PlanCompleted, "", pc.Summary, metadata)
	return pc, nil
}

// SolveAndAggregate runs every task in pc through a Solver attempt
// (respecting MaxConcurrency and any cancel/restart requests issued
// through ctrl while it runs) and folds the results through the
// Aggregator. ctrl may be nil, in which case no external cancel/restart
// is possible for this run.
func (p *Pipeline) SolveAndAggregate(ctx context.Context, pc *PlanContext, ctrl *Control) (*PlanSolveResult, error) {
	if ctrl == nil {
		ctrl = NewControl()
	}

	results, err := p.runSolvers(ctx, pc, ctrl)
	if err != nil {
		return nil, err
	}

	p.emit(events.AggregateStart, "", nil, map[string]any{"result_count": len(results)})
	aggregated, err := p.Aggregator.Aggregate(ctx, pc, results)
	if err != nil {
		p.emit(events.AgentError, "", err.Error(), nil)
		return nil, err
	}
	p.emit(events.AggregateCompleted, "", nil, nil)

	callStats, metrics := p.buildStatistics(pc, results)
	out := &PlanSolveResult{
		Plan:       pc,
		Results:    results,
		Aggregated: aggregated,
		Statistics: callStats,
		Metrics:    metrics,
	}
	completedMeta := map[string]any{"result_count": len(results)}
	if len(callStats) > 0 {
		completedMeta["statistics"] = callStats
	}
	if metrics != nil {
		completedMeta["metrics"] = metrics
	}
	p.emit(events.PipelineCompleted, "", nil, completedMeta)
	return out, nil
}

// SolveTasks runs tasks directly, bypassing planning and aggregation
// entirely. Only solver-namespaced events are emitted, for clients that
// drive their own task lists.
func (p *Pipeline) SolveTasks(ctx context.Context, tasks []Task, ctrl *Control) ([]SolverRunResult, error) {
	pc, err := NewPlanContext("", tasks, nil)
	if err != nil {
		return nil, err
	}
	if ctrl == nil {
		ctrl = NewControl()
	}
	return p.runSolvers(ctx, pc, ctrl)
}

// RerunTask runs a single task's Solver attempt outside the main
// scheduling loop. It is how a session agent restarts a task that has
// already completed: re-run it directly, then call Aggregate again with
// the updated result set spliced in.
func (p *Pipeline) RerunTask(ctx context.Context, pc *PlanContext, key TaskKey) (SolverRunResult, error) {
	task, _, ok := pc.TaskByKey(key)
	if !ok {
		return SolverRunResult{}, errors.New("pipeline: unknown task key " + string(key))
	}
	result := p.runOneAttempt(ctx, pc, key, task)
	if result.Cancelled {
		p.emit(events.SolverCancelled, string(key), nil, nil)
		return result, context.Canceled
	}
	if result.Err != nil {
		return result, result.Err
	}
	return result, nil
}

// Aggregate re-runs the Aggregator over an updated result set, used by a
// session agent after RerunTask to fold a restarted task's new result
// back into the final answer. It emits aggregate.start/aggregate.completed
// exactly like the SolveAndAggregate path: every re-aggregation produces
// a fresh aggregate.* pair on the wire.
func (p *Pipeline) Aggregate(ctx context.Context, pc *PlanContext, results []SolverRunResult) (any, error) {
	p.emit(events.AggregateStart, "", nil, map[string]any{"result_count": len(results)})
	aggregated, err := p.Aggregator.Aggregate(ctx, pc, results)
	if err != nil {
		p.emit(events.AgentError, "", err.Error(), nil)
		return nil, err
	}
	p.emit(events.AggregateCompleted, "", nil, nil)
	return aggregated, nil
}

type attemptOutcome struct {
	idx    int // index into the original task ordering, or -1 for an extension result
	result SolverRunResult
}

// runSolvers is the dynamic, bounded-concurrency scheduling loop: every
// task is launched as its own attempt goroutine up front, and the loop
// waits on whichever of three things happens first — a goroutine
// finishing, an external cancel request, or an external restart request —
// servicing each as it arrives rather than processing tasks in batches.
func (p *Pipeline) runSolvers(ctx context.Context, pc *PlanContext, ctrl *Control) ([]SolverRunResult, error) {
	resultsCh := make(chan attemptOutcome, len(pc.Tasks)*2+8)
	var sem chan struct{}
	if p.MaxConcurrency > 0 {
		sem = make(chan struct{}, p.MaxConcurrency)
	}

	launch := func(idx int, key TaskKey, task Task) {
		attemptCtx, cancel := context.WithCancel(ctx)
		handle := ctrl.register(key, cancel)
		go func() {
			defer ctrl.unregister(key, handle)
			defer cancel()

			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-attemptCtx.Done():
					resultsCh <- attemptOutcome{idx: idx, result: SolverRunResult{TaskKey: key, Task: task, Cancelled: true}}
					return
				}
			}

			out := p.runOneAttempt(attemptCtx, pc, key, task)
			resultsCh <- attemptOutcome{idx: idx, result: out}
		}()
	}

	ordered := make([]*SolverRunResult, len(pc.Tasks))
	var extension []SolverRunResult
	restartRequested := make(map[TaskKey]bool)
	pending := 0
	for i, key := range pc.TaskKeys {
		launch(i, key, pc.Tasks[i])
		pending++
	}

	relaunch := func(key TaskKey) {
		task, idx, ok := pc.TaskByKey(key)
		if !ok {
			return
		}
		p.emit(events.SolverRestarted, string(key), nil, nil)
		pending++
		launch(idx, key, task)
	}

	for pending > 0 {
		select {
		case out := <-resultsCh:
			pending--
			p.recordOutcome(out, ordered, &extension)
			// A restart of an in-flight attempt relaunches only once the
			// cancelled attempt has fully unwound: launching earlier would
			// leave two attempts registered under one key.
			if restartRequested[out.result.TaskKey] {
				delete(restartRequested, out.result.TaskKey)
				relaunch(out.result.TaskKey)
			}

		case key := <-ctrl.cancelCh:
			ctrl.cancelIfActive(key)

		case key := <-ctrl.restartCh:
			if ctrl.cancelIfActive(key) {
				restartRequested[key] = true
			} else {
				// Not in flight: already completed (or cancelled) during
				// this run. Relaunch immediately; the new attempt's result
				// overwrites the prior one in the ordered slots.
				relaunch(key)
			}

		case <-ctx.Done():
			p.drainOnCancel(ctrl, resultsCh, pending)
			return nil, ctx.Err()
		}
	}

	return finalizeResults(ordered, extension), nil
}

func (p *Pipeline) recordOutcome(out attemptOutcome, ordered []*SolverRunResult, extension *[]SolverRunResult) {
	if out.result.Cancelled {
		p.emit(events.SolverCancelled, string(out.result.TaskKey), nil, nil)
		return
	}
	if out.result.Err != nil {
		// Already logged by runOneAttempt. No result is stored for a
		// failed attempt; the run continues for the remaining tasks, and
		// a client restart request is the only way to retry.
		return
	}
	if out.idx >= 0 && out.idx < len(ordered) {
		r := out.result
		ordered[out.idx] = &r
		return
	}
	*extension = append(*extension, out.result)
}

func (p *Pipeline) drainOnCancel(ctrl *Control, resultsCh chan attemptOutcome, pending int) {
	for key := range ctrl.snapshotActive() {
		ctrl.cancelIfActive(key)
	}
	for pending > 0 {
		<-resultsCh
		pending--
	}
}

func finalizeResults(ordered []*SolverRunResult, extension []SolverRunResult) []SolverRunResult {
	out := make([]SolverRunResult, 0, len(ordered)+len(extension))
	for _, r := range ordered {
		if r != nil {
			out = append(out, *r)
		}
	}
	return append(out, extension...)
}

func (p *Pipeline) runOneAttempt(ctx context.Context, pc *PlanContext, key TaskKey, task Task) SolverRunResult {
	p.emit(events.SolverStart, string(key), nil, nil)
	agentName := p.Solver.Name()

	agent, err := p.Solver.BuildAgent(ctx, task, pc)
	if err != nil {
		p.logger().Error("solver agent build failed", "task_key", key, "error", err)
		return SolverRunResult{TaskKey: key, Task: task, AgentName: agentName, Err: err}
	}

	raw, err := agent.Run(ctx, p.Solver.BuildRequest(task, pc))
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// The scheduling loop (or RerunTask) emits solver.cancelled
			// when it records this outcome; emitting here too would
			// double-report the cancellation.
			return SolverRunResult{TaskKey: key, Task: task, AgentName: agentName, Cancelled: true}
		}
		p.logger().Error("solver run failed", "task_key", key, "error", err)
		return SolverRunResult{TaskKey: key, Task: task, AgentName: agentName, Err: err}
	}

	result, err := p.Solver.ExtractResult(agent, raw, task, pc)
	if err != nil {
		p.logger().Error("solver result extraction failed", "task_key", key, "error", err)
		return SolverRunResult{TaskKey: key, Task: task, AgentName: agentName, Err: err}
	}

	summary := p.Solver.ExtractSummary(agent, raw, task, pc)
	solverStats, _ := agent.GetStatistics()

	p.emit(events.SolverCompleted, string(key), summary, nil)
	return SolverRunResult{TaskKey: key, Task: task, AgentName: agentName, Result: result, Summary: summary, Statistics: solverStats}
}

// buildStatistics concatenates the planner's and every solver attempt's
// raw per-call LLM statistics into one unified, origin/agent-annotated
// list, and records each call's model/token usage against p.Stats before reading
// back a process-wide metrics snapshot. Either return value may be empty
// or nil: Statistics is nil when nothing produced any calls, Metrics is
// nil when the pipeline has no stats.Aggregator configured.
func (p *Pipeline) buildStatistics(pc *PlanContext, results []SolverRunResult) ([]map[string]any, map[string]any) {
	var calls []map[string]any
	calls = append(calls, buildCallRecords(pc.PlanStatistics, "plan", p.Planner.Name())...)
	for _, r := range results {
		agentName := r.AgentName
		if agentName == "" {
			agentName = p.Solver.Name()
		}
		calls = append(calls, buildCallRecords(r.Statistics, "solver", agentName)...)
	}

	if p.Stats != nil {
		for _, entry := range calls {
			model, _ := entry["model"].(string)
			agentName, _ := entry["agent"].(string)
			p.Stats.RecordModelUsage(model, agentName, toInt64(entry["input_tokens"]), toInt64(entry["output_tokens"]))
		}
	}

	var metrics map[string]any
	if p.Stats != nil {
		metrics = snapshotToMap(p.Stats.Snapshot())
	}
	if len(calls) == 0 {
		return nil, metrics
	}
	return calls, metrics
}

// buildCallRecords extracts the "calls" list from a raw agent statistics
// dict (as returned by Agent.GetStatistics) and annotates each call with
// origin/agent. A call-level "model" wins, falling back to the dict's own
// top-level "model" when a call doesn't carry one. An "origin"/"agent"
// already present on the call record is left untouched.
func buildCallRecords(raw map[string]any, origin, agentName string) []map[string]any {
	if raw == nil {
		return nil
	}
	fallbackModel, _ := raw["model"].(string)
	rawCalls, _ := raw["calls"].([]any)
	if len(rawCalls) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(rawCalls))
	for _, c := range rawCalls {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		entry := cloneRecord(cm)
		if _, ok := entry["model"]; !ok && fallbackModel != "" {
			entry["model"] = fallbackModel
		}
		if _, ok := entry["origin"]; !ok {
			entry["origin"] = origin
		}
		if _, ok := entry["agent"]; !ok {
			entry["agent"] = agentName
		}
		out = append(out, entry)
	}
	return out
}

func cloneRecord(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// snapshotToMap converts a typed stats.Snapshot into the generic
// map[string]any shape used by event metadata, via a JSON round-trip —
// the simplest way to carry a best-effort metrics snapshot over the wire
// without duplicating its field layout here.
func snapshotToMap(snap stats.Snapshot) map[string]any {
	b, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
