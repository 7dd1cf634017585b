// Package mcptool wraps a single MCP server connection so the demo
// solver in pkg/agentrt can expose one real tool call per task. One
// configured server, one lazy session; no multi-server registry.
package mcptool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/conductorhq/plansolve/pkg/version"
)

// InitTimeout bounds how long connecting to the configured server may
// take before Client.Connect gives up.
const InitTimeout = 10 * time.Second

// CallTimeout bounds a single tool invocation.
const CallTimeout = 30 * time.Second

// Client owns one MCP client session over HTTP (streamable) — the only
// transport a demo process needs since it talks to a locally-run MCP
// server, not a subprocess-per-session stdio tool.
type Client struct {
	addr string

	mu      sync.Mutex
	session *mcpsdk.ClientSession

	logger *slog.Logger
}

// New builds a Client for the MCP server listening at addr. The
// connection is lazy: Connect must be called (or is called implicitly
// by the first CallTool) before any tool can run.
func New(addr string) *Client {
	return &Client{addr: addr, logger: slog.Default().With("component", "mcptool")}
}

// Enabled reports whether a server address was configured at all; callers
// use this to skip wiring the tool into the demo solver entirely rather
// than repeatedly failing to connect.
func (c *Client) Enabled() bool { return c.addr != "" }

// Connect establishes the MCP session if it isn't already up. Safe to
// call concurrently and repeatedly; it is a no-op once connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return nil
	}
	if c.addr == "" {
		return fmt.Errorf("mcptool: no server address configured")
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	transport := &mcpsdk.StreamableClientTransport{Endpoint: c.addr}
	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcptool: connect to %q: %w", c.addr, err)
	}
	c.session = session
	c.logger.Info("mcp tool server connected", "addr", c.addr)
	return nil
}

// CallTool invokes the named tool with args, connecting first if needed.
// Returns the concatenated text content of the result.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]any) (string, error) {
	if err := c.Connect(ctx); err != nil {
		return "", err
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	result, err := session.CallTool(opCtx, &mcpsdk.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("mcptool: call %q: %w", toolName, err)
	}
	return extractText(result), nil
}

// ListTools returns the tool names advertised by the configured server.
func (c *Client) ListTools(ctx context.Context) ([]string, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("mcptool: list tools: %w", err)
	}
	names := make([]string, 0, len(result.Tools))
	for _, t := range result.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}

// Close tears down the session, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

func extractText(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}
	out := ""
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}
