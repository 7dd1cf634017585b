// Package sessionagent adapts a pipeline.Pipeline to one WebSocket
// session: it drives the PLANNING → AWAITING_CONFIRM → SOLVING →
// DONE/ABORTED state machine, owns the plan-confirmation one-shot
// completion primitives, and exposes the external control API
// (CancelPlan, Replan, CancelSolverTask, RestartSolverTask, SolveTasks)
// that inbound user events are routed to.
package sessionagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/plansolve/pkg/events"
	"github.com/conductorhq/plansolve/pkg/pipeline"
)

// ErrPlanCancelled and ErrPlanDeclined are the sentinel errors Run returns
// for its two expected non-error terminal paths. A caller (session.go)
// uses errors.Is against these to avoid reporting a cancel/decline as
// agent.error: plan.cancelled and agent.final_answer already communicate
// the outcome on the wire.
var (
	ErrPlanCancelled = errors.New("sessionagent: plan cancelled")
	ErrPlanDeclined  = errors.New("sessionagent: plan declined")
)

// State names the session agent's current stage.
type State string

const (
	StatePlanning        State = "PLANNING"
	StateAwaitingConfirm State = "AWAITING_CONFIRM"
	StateSolving         State = "SOLVING"
	StateDone            State = "DONE"
	StateAborted         State = "ABORTED"
)

// ConfirmationResponse is how a pending plan confirmation resolves.
type ConfirmationResponse struct {
	Confirmed bool
	// Reason explains a non-confirmed response: "declined", "replan",
	// "cancelled", or "timeout".
	Reason  string
	Payload any
}

// pendingConfirmation is the one-shot completion primitive keyed by
// step ID: a buffered channel plus a sync.Once guarding the single
// resolve, so a confirmation can be resolved by exactly one of a user
// response, a decline, a session cancel, or a timeout racing it.
type pendingConfirmation struct {
	ch   chan ConfirmationResponse
	once sync.Once
}

func newPendingConfirmation() *pendingConfirmation {
	return &pendingConfirmation{ch: make(chan ConfirmationResponse, 1)}
}

func (p *pendingConfirmation) resolve(resp ConfirmationResponse) {
	p.once.Do(func() { p.ch <- resp })
}

// SessionAgent runs one Plan→Solve session end to end.
type SessionAgent struct {
	Pipeline            *pipeline.Pipeline
	SessionID           string
	RequireConfirmation bool
	ConfirmTimeout      time.Duration
	OnEvent             pipeline.EventFunc
	Logger              *slog.Logger

	mu             sync.Mutex
	state          State
	pending        map[string]*pendingConfirmation
	ctrl           *pipeline.Control
	pc             *pipeline.PlanContext
	result         *pipeline.PlanSolveResult
	cancelFn       context.CancelFunc
	replanFlag     bool
	replanQuestion *string
	solvingStarted bool
}

// New builds a SessionAgent. confirmTimeout defaults to 5 minutes when
// zero.
func New(p *pipeline.Pipeline, sessionID string, requireConfirmation bool, confirmTimeout time.Duration) *SessionAgent {
	if confirmTimeout <= 0 {
		confirmTimeout = 5 * time.Minute
	}
	return &SessionAgent{
		Pipeline:            p,
		SessionID:           sessionID,
		RequireConfirmation: requireConfirmation,
		ConfirmTimeout:      confirmTimeout,
		pending:             make(map[string]*pendingConfirmation),
		state:               StatePlanning,
	}
}

func (sa *SessionAgent) logger() *slog.Logger {
	if sa.Logger != nil {
		return sa.Logger
	}
	return slog.Default()
}

func (sa *SessionAgent) setState(s State) {
	sa.mu.Lock()
	sa.state = s
	sa.mu.Unlock()
}

// State returns the session agent's current stage.
func (sa *SessionAgent) State() State {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.state
}

func (sa *SessionAgent) emit(event, stepID string, content any, metadata map[string]any) {
	if sa.OnEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			sa.logger().Error("session agent event listener panicked", "event", event, "panic", r)
		}
	}()
	env := events.New(event, sa.SessionID, content, metadata)
	if stepID != "" {
		env = env.WithStep(stepID)
	}
	sa.OnEvent(env)
}

// Run drives the full state machine for one question: plan, optionally
// await human confirmation (looping back to PLANNING on a replan
// response, from either AWAITING_CONFIRM or a cancelled PLANNING), then
// solve and aggregate. Each loop iteration gets its own cancellable
// context — a cancelled planning context cannot be reused for a
// subsequent replan attempt.
func (sa *SessionAgent) Run(ctx context.Context, question string) (*pipeline.PlanSolveResult, error) {
	if sa.Pipeline.OnEvent == nil {
		sa.Pipeline.OnEvent = sa.OnEvent
	}
	sa.Pipeline.SessionID = sa.SessionID

	for {
		runCtx, cancel := context.WithCancel(ctx)
		sa.mu.Lock()
		sa.cancelFn = cancel
		sa.mu.Unlock()

		sa.setState(StatePlanning)
		pc, err := sa.Pipeline.Plan(runCtx, question)
		if err != nil {
			cancel()
			if errors.Is(err, context.Canceled) {
				if nextQuestion, ok := sa.consumeReplanFlag(); ok {
					// The replanned iteration announces itself with a fresh
					// plan.start; no dedicated replan event exists on the wire.
					sa.emit(events.PlanCancelled, "", nil, nil)
					if nextQuestion != nil {
						question = *nextQuestion
					}
					continue
				}
				sa.setState(StateAborted)
				sa.emit(events.PlanCancelled, "", nil, nil)
				sa.emitFinalAnswer("plan cancelled")
				return nil, ErrPlanCancelled
			}
			sa.setState(StateAborted)
			return nil, err
		}

		if sa.RequireConfirmation {
			sa.setState(StateAwaitingConfirm)
			resp, err := sa.awaitPlanConfirmation(runCtx, pc)
			if err != nil {
				cancel()
				sa.setState(StateAborted)
				return nil, err
			}
			if resp.Reason == "replan" {
				cancel()
				if nextQuestion, _ := sa.consumeReplanFlag(); nextQuestion != nil {
					question = *nextQuestion
				}
				continue
			}
			if !resp.Confirmed {
				// A decline has no event of its own; the final answer
				// carries the outcome to the client.
				cancel()
				sa.setState(StateAborted)
				sa.emitFinalAnswer(fmt.Sprintf("plan declined: %s", resp.Reason))
				return nil, fmt.Errorf("%w: %s", ErrPlanDeclined, resp.Reason)
			}

			if editedTasks, ok := extractEditedTasks(resp.Payload); ok {
				replacement, err := sa.applyEditedTasks(pc, editedTasks)
				if err != nil {
					cancel()
					sa.setState(StateAborted)
					sa.emit(events.PlanCoercionError, "", err.Error(), nil)
					return nil, fmt.Errorf("sessionagent: edited tasks rejected: %w", err)
				}
				pc = replacement
				sa.emit(events.PlanCompleted, "", pc.Summary, map[string]any{
					"task_count": len(pc.Tasks),
					"tasks":      pc.Tasks,
				})
			}
		}

		sa.mu.Lock()
		sa.solvingStarted = true
		sa.mu.Unlock()

		sa.setState(StateSolving)
		ctrl := pipeline.NewControl()
		sa.mu.Lock()
		sa.ctrl = ctrl
		sa.pc = pc
		sa.mu.Unlock()

		result, err := sa.Pipeline.SolveAndAggregate(runCtx, pc, ctrl)
		cancel()

		sa.mu.Lock()
		sa.ctrl = nil
		sa.result = result
		sa.mu.Unlock()

		if err != nil {
			sa.setState(StateAborted)
			if errors.Is(err, context.Canceled) {
				sa.emitFinalAnswer("plan cancelled")
				return nil, ErrPlanCancelled
			}
			return nil, err
		}
		sa.setState(StateDone)
		sa.emitFinalAnswer(result.Aggregated)
		return result, nil
	}
}

// emitFinalAnswer sends agent.final_answer, the only wire-level way a
// client learns a non-direct-task run's final text — the aggregated
// answer on success, or a short human-readable message on a cancelled or
// declined plan.
func (sa *SessionAgent) emitFinalAnswer(content any) {
	sa.emit(events.AgentFinalAnswer, "", content, nil)
}

// applyEditedTasks coerces a user-edited task list (carried in a
// confirmation response's payload) and builds the PlanContext that
// replaces the planner's original output before solving begins.
func (sa *SessionAgent) applyEditedTasks(pc *pipeline.PlanContext, edited []pipeline.Task) (*pipeline.PlanContext, error) {
	coerced, err := sa.Pipeline.Planner.CoerceTasks(edited)
	if err != nil {
		return nil, err
	}
	replacement, err := pipeline.NewPlanContext(pc.Question, coerced, pc.Metadata)
	if err != nil {
		return nil, err
	}
	replacement.Summary = pc.Summary
	replacement.PlanStatistics = pc.PlanStatistics
	return replacement, nil
}

// extractEditedTasks inspects a confirmation response's payload for an
// edited {"tasks": [...]} shape: the user may confirm a plan while
// replacing its task list with their own edits before solving starts.
func extractEditedTasks(payload any) ([]pipeline.Task, bool) {
	m, ok := asPayloadMap(payload)
	if !ok {
		return nil, false
	}
	raw, ok := m["tasks"]
	if !ok {
		return nil, false
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	tasks := make([]pipeline.Task, len(list))
	for i, t := range list {
		tasks[i] = t
	}
	return tasks, true
}

func asPayloadMap(payload any) (map[string]any, bool) {
	switch v := payload.(type) {
	case map[string]any:
		return v, true
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

// consumeReplanFlag clears and returns whether a replan was requested
// (via RequestReplan or a pending-confirmation reply with reason
// "replan") along with any replacement question, so the caller can
// decide whether to loop back into PLANNING.
func (sa *SessionAgent) consumeReplanFlag() (*string, bool) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	replan := sa.replanFlag
	q := sa.replanQuestion
	sa.replanFlag = false
	sa.replanQuestion = nil
	return q, replan
}

// SolveTasks bypasses planning and aggregation, solving tasks directly.
// No plan.*, aggregate.*, or final-answer events are emitted; clients
// that supply their own task lists consume the solver.* stream alone.
func (sa *SessionAgent) SolveTasks(ctx context.Context, tasks []pipeline.Task) ([]pipeline.SolverRunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	sa.mu.Lock()
	sa.cancelFn = cancel
	sa.mu.Unlock()
	defer cancel()

	if sa.Pipeline.OnEvent == nil {
		sa.Pipeline.OnEvent = sa.OnEvent
	}
	sa.Pipeline.SessionID = sa.SessionID

	sa.setState(StateSolving)
	ctrl := pipeline.NewControl()
	sa.mu.Lock()
	sa.ctrl = ctrl
	sa.mu.Unlock()

	results, err := sa.Pipeline.SolveTasks(runCtx, tasks, ctrl)

	sa.mu.Lock()
	sa.ctrl = nil
	sa.mu.Unlock()

	if err != nil {
		sa.setState(StateAborted)
		return nil, err
	}
	sa.setState(StateDone)
	return results, nil
}

func (sa *SessionAgent) awaitPlanConfirmation(ctx context.Context, pc *pipeline.PlanContext) (ConfirmationResponse, error) {
	stepID := "confirm:" + uuid.NewString()
	pending := newPendingConfirmation()

	sa.mu.Lock()
	sa.pending[stepID] = pending
	sa.mu.Unlock()
	defer func() {
		sa.mu.Lock()
		delete(sa.pending, stepID)
		sa.mu.Unlock()
	}()

	sa.emit(events.AgentUserConfirm, stepID, nil, map[string]any{
		"scope":        "plan",
		"plan_summary": pc.Summary,
		"tasks":        pc.Tasks,
	})

	select {
	case resp := <-pending.ch:
		return resp, nil
	case <-time.After(sa.ConfirmTimeout):
		return ConfirmationResponse{Confirmed: false, Reason: "timeout"}, nil
	case <-ctx.Done():
		return ConfirmationResponse{}, ctx.Err()
	}
}

// Respond resolves a pending plan confirmation identified by stepID. It
// returns false if no confirmation with that step ID is pending (already
// resolved, timed out, or unknown).
func (sa *SessionAgent) Respond(stepID string, confirmed bool, reason string, payload any) bool {
	sa.mu.Lock()
	p, ok := sa.pending[stepID]
	sa.mu.Unlock()
	if !ok {
		return false
	}
	p.resolve(ConfirmationResponse{Confirmed: confirmed, Reason: reason, Payload: payload})
	return true
}

// Replan resolves a pending plan confirmation as a replan request.
func (sa *SessionAgent) Replan(stepID string, payload any) bool {
	return sa.Respond(stepID, false, "replan", payload)
}

// CancelPlan aborts the in-flight run. If a plan confirmation is pending,
// it is resolved instead of cancelling the run's context outright — that
// keeps the resolution race-free (awaitPlanConfirmation would otherwise
// see both its channel and ctx.Done() become ready at once and could
// pick either). Whether the resolution/cancellation reads as a plain
// cancel or a replan request depends on whether RequestReplan set the
// replan flag first.
func (sa *SessionAgent) CancelPlan() bool {
	sa.mu.Lock()
	cancel := sa.cancelFn
	replan := sa.replanFlag
	pendingCopy := make([]*pendingConfirmation, 0, len(sa.pending))
	for _, p := range sa.pending {
		pendingCopy = append(pendingCopy, p)
	}
	sa.mu.Unlock()

	reason := "cancelled"
	if replan {
		reason = "replan"
	}

	if len(pendingCopy) > 0 {
		for _, p := range pendingCopy {
			p.resolve(ConfirmationResponse{Confirmed: false, Reason: reason})
		}
		return true
	}
	if cancel != nil {
		cancel()
		return true
	}
	return false
}

// RequestReplan is the external control API's replan(question?): it is
// only allowed before solving has started. It sets the replan flag (and
// optional replacement question) and triggers CancelPlan; Run picks the
// flag up on its next cancellation/decline path and loops back into
// PLANNING instead of terminating. Returns false (emitting agent.error)
// if solving has already started.
func (sa *SessionAgent) RequestReplan(question *string) bool {
	sa.mu.Lock()
	if sa.solvingStarted {
		sa.mu.Unlock()
		sa.emit(events.AgentError, "", "cannot replan: solving has already started", nil)
		return false
	}
	sa.replanFlag = true
	sa.replanQuestion = question
	sa.mu.Unlock()
	sa.CancelPlan()
	return true
}

// CancelSolverTask requests cancellation of one in-flight solver task.
// Returns false if no solve is currently running.
func (sa *SessionAgent) CancelSolverTask(key pipeline.TaskKey) bool {
	sa.mu.Lock()
	ctrl := sa.ctrl
	sa.mu.Unlock()
	if ctrl == nil {
		return false
	}
	ctrl.RequestCancel(key)
	return true
}

// RestartSolverTask restarts one task. If the task is currently running,
// this cancels and relaunches it in place within the active scheduling
// loop. If the task has already completed (or the solve stage has
// finished entirely), this reruns it out-of-band via
// pipeline.RerunTask and re-aggregates the result set in place.
func (sa *SessionAgent) RestartSolverTask(ctx context.Context, key pipeline.TaskKey) error {
	sa.mu.Lock()
	ctrl := sa.ctrl
	pc := sa.pc
	sa.mu.Unlock()

	if ctrl != nil {
		// A solve is in flight: the scheduling loop services the request
		// whether the task is still running (cancel then relaunch) or has
		// already completed within this run (relaunch, overwriting its
		// slot).
		ctrl.RequestRestart(key)
		return nil
	}

	if pc == nil {
		return errors.New("sessionagent: no plan context available to restart task against")
	}

	// solver.restarted precedes the new attempt's own solver.start,
	// matching the active-solve-phase ordering.
	sa.emit(events.SolverRestarted, string(key), nil, nil)

	result, err := sa.Pipeline.RerunTask(ctx, pc, key)
	if err != nil {
		return err
	}

	sa.mu.Lock()
	prior := sa.result
	sa.mu.Unlock()
	if prior == nil {
		return nil
	}

	updated := spliceResult(prior.Results, result)
	aggregated, aggErr := sa.Pipeline.Aggregate(ctx, pc, updated)
	if aggErr != nil {
		return aggErr
	}

	sa.mu.Lock()
	sa.result = &pipeline.PlanSolveResult{
		Plan:       pc,
		Results:    updated,
		Aggregated: aggregated,
		Statistics: prior.Statistics,
		Metrics:    prior.Metrics,
	}
	sa.mu.Unlock()
	return nil
}

// Result returns the most recent PlanSolveResult, if any, including any
// in-place updates from a post-completion RestartSolverTask.
func (sa *SessionAgent) Result() *pipeline.PlanSolveResult {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.result
}

func spliceResult(results []pipeline.SolverRunResult, updated pipeline.SolverRunResult) []pipeline.SolverRunResult {
	out := make([]pipeline.SolverRunResult, len(results))
	copy(out, results)
	for i, r := range out {
		if r.TaskKey == updated.TaskKey {
			out[i] = updated
			return out
		}
	}
	return append(out, updated)
}
