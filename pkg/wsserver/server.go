// Package wsserver implements the WebSocket connection acceptor: HTTP
// routing via echo v5, connection upgrade and framing via coder/websocket,
// a session registry, a per-connection heartbeat, and graceful shutdown.
package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/conductorhq/plansolve/pkg/events"
	"github.com/conductorhq/plansolve/pkg/outbound"
	"github.com/conductorhq/plansolve/pkg/session"
)

// Config controls server construction.
type Config struct {
	Addr              string
	PipelineFactory   session.PipelineFactory
	SessionConfig     session.Config
	OutboundConfig    outbound.Config
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	// InsecureSkipOriginCheck disables origin validation on upgrade.
	// Left true in this reference server; production deployments should
	// wire a real origin allowlist before flipping it.
	InsecureSkipOriginCheck bool
}

// Server is the WebSocket session acceptor.
type Server struct {
	cfg    Config
	echo   *echo.Echo
	logger *slog.Logger

	httpServer *http.Server

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New builds a Server and registers its routes. Start must be called to
// actually begin listening.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "wsserver"),
		sessions: make(map[string]*session.Session),
	}

	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.GET("/healthz", s.handleHealth)
	e.GET("/ws", s.handleWS)
	s.echo = e

	return s
}

func (s *Server) handleHealth(c *echo.Context) error {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "sessions": n})
}

// handleWS upgrades the connection and blocks for the connection's
// entire lifetime: the handler IS the connection's read loop, not a
// dispatcher to one.
func (s *Server) handleWS(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: s.cfg.InsecureSkipOriginCheck,
	})
	if err != nil {
		return err
	}

	connID := c.Response().Header().Get(echo.HeaderXRequestID)
	if connID == "" {
		connID = "conn"
	}

	sink := &connSink{conn: conn}
	ch := outbound.New(sink, s.cfg.OutboundConfig, connID, s.logger)
	ch.Start()

	sess := session.New(connID, ch, s.cfg.PipelineFactory, s.cfg.SessionConfig, s.logger)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.mu.Unlock()
		sess.Close()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := c.Request().Context()
	sess.Announce()

	stopHeartbeat := s.startHeartbeat(ctx, sess, sink)
	defer stopHeartbeat()

	return s.readLoop(ctx, sess, conn, sink)
}

func (s *Server) readLoop(ctx context.Context, sess *session.Session, conn *websocket.Conn, sink *connSink) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			sink.markClosed()
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return nil
			}
			s.logger.Debug("websocket read failed", "error", err)
			return nil
		}

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug("failed to decode inbound event", "error", err)
			sess.ReportSystemError("invalid JSON payload")
			continue
		}
		sess.HandleInbound(ctx, env)
	}
}

func (s *Server) startHeartbeat(ctx context.Context, sess *session.Session, sink *connSink) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if sink.Closed() {
					return
				}
				sess.Heartbeat()
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// Start begins listening and blocks until the underlying HTTP server
// stops (normally via Shutdown).
func (s *Server) Start() error {
	s.httpServer = &http.Server{Addr: s.cfg.Addr, Handler: s.echo}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartWithListener is Start, but against a caller-supplied listener —
// used by tests that bind to an ephemeral port.
func (s *Server) StartWithListener(l net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server and closes every registered
// session.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	return err
}

// connSink adapts a coder/websocket connection to outbound.Sink.
type connSink struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *connSink) Send(ctx context.Context, data []byte) error {
	if c.Closed() {
		return errors.New("wsserver: connection closed")
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *connSink) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connSink) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
