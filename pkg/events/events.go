// Package events defines the WebSocket wire protocol shared by every
// session: a single envelope type plus the namespaced event-name constants
// producers and consumers agree on.
package events

import "time"

// Envelope is the JSON shape sent over the wire in both directions.
// Fields that are empty are omitted rather than sent as zero values, so a
// client doesn't see "session_id":"" noise on every message.
type Envelope struct {
	Event        string         `json:"event"`
	Timestamp    string         `json:"timestamp"`
	SessionID    string         `json:"session_id,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	StepID       string         `json:"step_id,omitempty"`
	Content      any            `json:"content,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// UserEvents enumerates the event names a client may send.
const (
	UserCreateSession = "user.create_session"
	UserMessage       = "user.message"
	UserResponse      = "user.response"
	UserCancel        = "user.cancel"
	UserReconnect     = "user.reconnect"
)

// AgentEvents enumerates the event names the pipeline/session-agent emits
// while driving an agent run.
const (
	AgentThinking      = "agent.thinking"
	AgentToolCall      = "agent.tool_call"
	AgentToolResult    = "agent.tool_result"
	AgentPartialAnswer = "agent.partial_answer"
	AgentFinalAnswer   = "agent.final_answer"
	AgentUserConfirm   = "agent.user_confirm"
	AgentError         = "agent.error"
	AgentTimeout       = "agent.timeout"
	AgentInterrupted   = "agent.interrupted"
	AgentSessionCreate = "agent.session_created"
	AgentSessionEnd    = "agent.session_end"
	AgentLLMMessage    = "agent.llm_message"
)

// PlanEvents and SolverEvents enumerate the orchestration-core namespace;
// unlike AgentEvents (individual agent turn telemetry) these describe the
// plan/solve/aggregate pipeline's own lifecycle.
const (
	PlanStart         = "plan.start"
	PlanCompleted     = "plan.completed"
	PlanCancelled     = "plan.cancelled"
	PlanCoercionError = "plan.coercion_error"

	SolverStart     = "solver.start"
	SolverCompleted = "solver.completed"
	SolverCancelled = "solver.cancelled"
	SolverRestarted = "solver.restarted"

	AggregateStart     = "aggregate.start"
	AggregateCompleted = "aggregate.completed"

	PipelineCompleted = "pipeline.completed"
)

// SystemEvents enumerates connection-scoped, non-agent events.
const (
	SystemConnected = "system.connected"
	SystemNotice    = "system.notice"
	SystemHeartbeat = "system.heartbeat"
	SystemError     = "system.error"
)

// New builds an Envelope, stamping the current time. content may be nil.
func New(event, sessionID string, content any, metadata map[string]any) Envelope {
	return Envelope{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		Content:   content,
		Metadata:  metadata,
	}
}

// WithStep returns a copy of the envelope with StepID set, for the common
// case of an event that belongs to one solver task.
func (e Envelope) WithStep(stepID string) Envelope {
	e.StepID = stepID
	return e
}

// WithConnection returns a copy of the envelope with ConnectionID set.
func (e Envelope) WithConnection(connID string) Envelope {
	e.ConnectionID = connID
	return e
}

// Namespaced prepends a non-empty prefix to an event name, the uniform
// session-configured namespacing hook described by the protocol: it is
// applied once at the adapter boundary, never inside the pipeline itself.
func Namespaced(prefix, event string) string {
	if prefix == "" {
		return event
	}
	return prefix + "." + event
}
