// Package pipeline implements the Plan→Solve orchestration core: a
// Planner produces a set of tasks, a bounded-concurrency pool of Solver
// attempts works through them (with live cancel/restart), and an
// Aggregator folds the results into one answer.
package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Task is an opaque unit of work produced by a Planner. It is typically a
// map[string]any or a small struct; the pipeline never interprets its
// contents beyond computing a TaskKey from it.
type Task any

// TaskKey identifies a Task for cancel/restart routing and result
// ordering. See ComputeTaskKey for the derivation rules.
type TaskKey string

// ComputeTaskKey derives a stable key for task at position idx within its
// PlanContext. If the task exposes a non-empty "id" (a map key, or an
// exported ID/Id field or method), that value is used ("task:<id>").
// Otherwise identity falls back to the task's pointer address for pointer
// values ("task_obj:<ptr>"), or, for non-pointer values with no exposed
// id, to the supplied index ("task_idx:<n>") — Go has no object-identity
// primitive for non-pointer values, so the index is the closest stable
// substitute.
func ComputeTaskKey(idx int, task Task) TaskKey {
	if id, ok := extractID(task); ok {
		return TaskKey(fmt.Sprintf("task:%v", id))
	}

	v := reflect.ValueOf(task)
	if v.Kind() == reflect.Ptr && !v.IsNil() {
		return TaskKey(fmt.Sprintf("task_obj:%x", v.Pointer()))
	}
	return TaskKey(fmt.Sprintf("task_idx:%d", idx))
}

func extractID(task Task) (any, bool) {
	if m, ok := task.(map[string]any); ok {
		if id, ok := m["id"]; ok && id != nil && id != "" {
			return id, true
		}
		return nil, false
	}

	v := reflect.ValueOf(task)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, false
	}
	for _, name := range []string{"ID", "Id"} {
		f := v.FieldByName(name)
		if f.IsValid() && f.CanInterface() {
			val := f.Interface()
			if isZero(val) {
				continue
			}
			return val, true
		}
	}
	return nil, false
}

func isZero(v any) bool {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return true
	}
	return rv.IsZero()
}

// PlanContext is the immutable output of the Planning stage. Every field
// mutation produces a brand-new PlanContext rather than editing one in
// place; see WithMetadata.
type PlanContext struct {
	Question       string
	Summary        *string
	Tasks          []Task
	TaskKeys       []TaskKey
	Metadata       map[string]any
	PlanStatistics map[string]any
}

// NewPlanContext builds a PlanContext, computing and validating task keys.
// A duplicate non-empty task key is rejected at construction.
func NewPlanContext(question string, tasks []Task, metadata map[string]any) (*PlanContext, error) {
	keys := make([]TaskKey, len(tasks))
	seen := make(map[TaskKey]bool, len(tasks))
	for i, t := range tasks {
		key := ComputeTaskKey(i, t)
		if seen[key] && !strings.HasPrefix(string(key), "task_idx:") {
			return nil, fmt.Errorf("pipeline: duplicate task key %q at index %d", key, i)
		}
		seen[key] = true
		keys[i] = key
	}
	return &PlanContext{
		Question: question,
		Tasks:    tasks,
		TaskKeys: keys,
		Metadata: metadata,
	}, nil
}

// WithMetadata returns a new PlanContext with merged metadata; the
// receiver is left untouched.
func (pc *PlanContext) WithMetadata(extra map[string]any) *PlanContext {
	merged := make(map[string]any, len(pc.Metadata)+len(extra))
	for k, v := range pc.Metadata {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	clone := *pc
	clone.Metadata = merged
	return &clone
}

// TaskByKey returns the task registered under key, if any.
func (pc *PlanContext) TaskByKey(key TaskKey) (Task, int, bool) {
	for i, k := range pc.TaskKeys {
		if k == key {
			return pc.Tasks[i], i, true
		}
	}
	return nil, -1, false
}

// SolverRunResult is the outcome of one solver attempt at one task.
type SolverRunResult struct {
	TaskKey    TaskKey
	Task       Task
	AgentName  string
	Result     any
	Summary    *string
	Statistics map[string]any
	Err        error
	Cancelled  bool
}

// PlanSolveResult is the final output of solve_and_aggregate: every
// solver result in original task order (plus any restarted-only
// extension results appended after), the aggregated answer, a unified
// list of per-call LLM-call records (each annotated with "origin" —
// "plan" or "solver" — and "agent"), and a best-effort process-wide
// metrics snapshot (nil when the pipeline has no stats.Aggregator
// configured).
type PlanSolveResult struct {
	Plan       *PlanContext
	Results    []SolverRunResult
	Aggregated any
	Statistics []map[string]any
	Metrics    map[string]any
}

// Agent is the external, opaque agent-runtime collaborator the pipeline
// drives one turn of at a time. It is implemented outside this package
// (see pkg/agentrt for a demo implementation) — the pipeline never
// inspects an Agent's internals beyond this contract.
type Agent interface {
	Run(ctx context.Context, input string) (string, error)
	FinalResponse() (string, bool)
	GetStatistics() (map[string]any, bool)
}

// Planner builds a PlanContext from a user question.
type Planner interface {
	Name() string
	BuildAgent(ctx context.Context) (Agent, error)
	BuildRequest(question string) string
	ExtractTasks(agent Agent, rawOutput string) ([]Task, error)
	ExtractSummary(agent Agent, rawOutput string) *string
	CoerceTasks(tasks []Task) ([]Task, error)
}

// Solver works one task to completion.
type Solver interface {
	Name() string
	BuildAgent(ctx context.Context, task Task, pc *PlanContext) (Agent, error)
	BuildRequest(task Task, pc *PlanContext) string
	ExtractResult(agent Agent, rawOutput string, task Task, pc *PlanContext) (any, error)
	ExtractSummary(agent Agent, rawOutput string, task Task, pc *PlanContext) *string
}

// Aggregator folds every solver result into one final answer.
type Aggregator interface {
	Aggregate(ctx context.Context, pc *PlanContext, results []SolverRunResult) (any, error)
}

// DefaultBuildRequest is the optional-hook default: the question or task
// passed through unchanged. Concrete Planner/Solver implementations that
// don't need to transform the input should delegate to this.
func DefaultBuildRequest(s string) string { return s }

// DefaultSummary falls back to the agent's own final response.
func DefaultSummary(agent Agent) *string {
	if resp, ok := agent.FinalResponse(); ok {
		return &resp
	}
	return nil
}

// DefaultCoerceTasks is the identity hook used by planners that don't
// need to normalize their raw extracted tasks.
func DefaultCoerceTasks(tasks []Task) ([]Task, error) { return tasks, nil }
