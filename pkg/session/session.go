// Package session implements AgentSession: the per-connection controller
// that owns one sessionagent.SessionAgent, routes inbound user.* events
// to it, and forwards outbound events through an outbound.Channel.
package session

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
	"github.com/conductorhq/plansolve/pkg/outbound"
	"github.com/conductorhq/plansolve/pkg/pipeline"
	"github.com/conductorhq/plansolve/pkg/sessionagent"
)

// State is the session's lifecycle stage, distinct from the finer-grained
// sessionagent.State of whatever run is currently in flight.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateClosed  State = "closed"
)

// PipelineFactory builds a fresh pipeline for one session. Sessions are
// not reused across runs of differing shape, so the factory is called
// once per Session, not once per run.
type PipelineFactory func(sessionID string) *pipeline.Pipeline

// Config controls a Session's behavior.
type Config struct {
	RequireConfirmation bool
	ConfirmTimeout      time.Duration
	Namespace           string // optional event namespace prefix
}

// Session is one WebSocket connection's agent session.
type Session struct {
	ID           string
	ConnectionID string

	cfg      Config
	outbound *outbound.Channel
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	agent *sessionagent.SessionAgent

	pipelineFactory PipelineFactory
}

// New creates a Session bound to one outbound channel. The channel's
// Start must be called by the caller (typically the wsserver connection
// handler) before any events can be delivered.
func New(connID string, ch *outbound.Channel, factory PipelineFactory, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:              uuid.NewString(),
		ConnectionID:    connID,
		cfg:             cfg,
		outbound:        ch,
		pipelineFactory: factory,
		logger:          logger.With("component", "session"),
		state:           StateIdle,
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) send(env events.Envelope) {
	env.SessionID = s.ID
	env.ConnectionID = s.ConnectionID
	env.Event = events.Namespaced(s.cfg.Namespace, env.Event)
	if err := s.outbound.Enqueue(context.Background(), env); err != nil {
		s.logger.Debug("failed to enqueue outbound event", "event", env.Event, "error", err)
	}
}

// Announce sends system.connected once the connection is established.
func (s *Session) Announce() {
	s.send(events.New(events.SystemConnected, s.ID, map[string]any{"connection_id": s.ConnectionID}, nil))
}

// Heartbeat sends a system.heartbeat event, used by the server's periodic
// keepalive ticker to detect a half-open connection promptly.
func (s *Session) Heartbeat() {
	s.send(events.New(events.SystemHeartbeat, s.ID, nil, nil))
}

// ReportSystemError sends a system.error event. The server's read loop
// uses it for inbound frames that fail to parse, which are reported
// rather than silently dropped.
func (s *Session) ReportSystemError(msg string) {
	s.send(events.New(events.SystemError, s.ID, msg, nil))
}

// HandleInbound routes one client-sent Envelope to the appropriate
// session-agent action. It returns promptly: user.message launches the
// run in its own goroutine rather than blocking the connection's read
// loop for the run's entire duration.
func (s *Session) HandleInbound(ctx context.Context, env events.Envelope) {
	switch env.Event {
	case events.UserCreateSession:
		s.send(events.New(events.AgentSessionCreate, s.ID, map[string]any{"session_id": s.ID}, nil))

	case events.UserMessage:
		s.handleMessage(ctx, env)

	case events.UserResponse:
		s.handleResponse(env)

	case events.UserCancel:
		s.handleCancel(env)

	default:
		s.send(events.New(events.SystemError, s.ID, fmt.Sprintf("unknown event %q", env.Event), nil))
	}
}

func (s *Session) handleMessage(ctx context.Context, env events.Envelope) {
	if s.State() == StateRunning {
		s.send(events.New(events.SystemError, s.ID, "a run is already in progress for this session", nil))
		return
	}

	question, ok := extractQuestion(env.Content)
	if !ok {
		s.send(events.New(events.SystemError, s.ID, "user.message requires a string content or a {\"question\": ...} object", nil))
		return
	}

	p := s.pipelineFactory(s.ID)
	agent := sessionagent.New(p, s.ID, s.cfg.RequireConfirmation, s.cfg.ConfirmTimeout)
	agent.OnEvent = s.send

	s.mu.Lock()
	s.agent = agent
	s.mu.Unlock()
	s.setState(StateRunning)

	go func() {
		_, err := agent.Run(ctx, question)
		s.mu.Lock()
		if s.state != StateClosed {
			s.state = StateIdle
		}
		s.mu.Unlock()
		if err != nil && !errors.Is(err, sessionagent.ErrPlanCancelled) && !errors.Is(err, sessionagent.ErrPlanDeclined) {
			s.send(events.New(events.AgentError, s.ID, err.Error(), nil))
		}
	}()
}

func (s *Session) handleResponse(env events.Envelope) {
	s.mu.Lock()
	agent := s.agent
	s.mu.Unlock()

	stepID, _ := contentString(env.Content, "step_id")
	if stepID == "" {
		stepID = env.StepID
	}
	if agent == nil {
		s.send(events.New(events.AgentError, s.ID, fmt.Sprintf("no run is awaiting a response for step %q", stepID), nil))
		return
	}
	confirmed, _ := contentBool(env.Content, "confirmed")
	reason, _ := contentString(env.Content, "reason")

	var resolved bool
	if reason == "replan" {
		resolved = agent.Replan(stepID, env.Content)
	} else {
		resolved = agent.Respond(stepID, confirmed, reason, env.Content)
	}
	if !resolved {
		s.send(events.New(events.AgentError, s.ID, fmt.Sprintf("unknown step id %q", stepID), nil))
	}
}

// handleCancel routes user.cancel. A bare {} cancels whatever is
// currently running and reports agent.interrupted. {"scope":"task", ...}
// and {"scope":"replan", ...} expose the session agent's per-task and
// replan control API on the wire.
func (s *Session) handleCancel(env events.Envelope) {
	s.mu.Lock()
	agent := s.agent
	s.mu.Unlock()
	if agent == nil {
		return
	}

	scope, _ := contentString(env.Content, "scope")
	switch scope {
	case "task":
		key, _ := contentString(env.Content, "task_key")
		if key == "" {
			return
		}
		action, _ := contentString(env.Content, "action")
		if action == "restart" {
			if err := agent.RestartSolverTask(context.Background(), pipeline.TaskKey(key)); err != nil {
				s.send(events.New(events.AgentError, s.ID, err.Error(), nil))
			}
			return
		}
		agent.CancelSolverTask(pipeline.TaskKey(key))

	case "replan":
		var question *string
		if q, ok := contentString(env.Content, "question"); ok {
			question = &q
		}
		agent.RequestReplan(question)

	default:
		agent.CancelPlan()
		s.send(events.New(events.AgentInterrupted, s.ID, nil, nil))
	}
}

// Close tears down the session: it cancels any in-flight run and closes
// the outbound channel. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	agent := s.agent
	already := s.state == StateClosed
	s.state = StateClosed
	s.mu.Unlock()
	if already {
		return
	}
	if agent != nil {
		agent.CancelPlan()
	}
	s.send(events.New(events.AgentSessionEnd, s.ID, nil, nil))
	_ = s.outbound.Close()
}

// extractQuestion accepts either a bare string content (the question
// itself) or a {"question": "..."} object, matching the protocol's
// Content: Optional[Union[str, Dict]] shape.
func extractQuestion(content any) (string, bool) {
	if s, ok := content.(string); ok {
		return s, true
	}
	return contentString(content, "question")
}

func contentString(content any, key string) (string, bool) {
	m, ok := asMap(content)
	if !ok {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func contentBool(content any, key string) (bool, bool) {
	m, ok := asMap(content)
	if !ok {
		return false, false
	}
	v, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func asMap(content any) (map[string]any, bool) {
	switch v := content.(type) {
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
