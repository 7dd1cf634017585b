// Package notify provides a best-effort Slack notifier that listens for
// pipeline lifecycle events and posts a summary message. It never blocks
// or fails the run it is observing: a Slack outage degrades to a log line,
// never a lost result.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/conductorhq/plansolve/pkg/events"
	"github.com/conductorhq/plansolve/pkg/pipeline"
	"github.com/conductorhq/plansolve/pkg/slack"
)

// PostTimeout bounds how long one Slack API call is allowed to take before
// the notifier gives up on it.
const PostTimeout = 5 * time.Second

// Notifier posts a message to Slack when a session's run delivers its
// final answer or fails. It is wired as a pipeline.EventFunc listener
// alongside (not instead of) the outbound WebSocket delivery.
type Notifier struct {
	client *slack.Client
	logger *slog.Logger
}

// New builds a Notifier around an already-configured Slack client. A nil
// client makes every notification a no-op, which lets callers wire a
// Notifier unconditionally and only configure Slack credentials when
// present.
func New(client *slack.Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: client, logger: logger.With("component", "notify")}
}

// Handle is a pipeline.EventFunc: it inspects the envelope and posts a
// Slack message for the events it cares about, ignoring everything else.
// Errors are logged, never returned or propagated — a failed Slack post
// must never interrupt the session it is reporting on.
func (n *Notifier) Handle(env events.Envelope) {
	if n == nil || n.client == nil {
		return
	}

	switch env.Event {
	case events.AgentFinalAnswer:
		// pipeline.completed carries only statistics/metrics metadata;
		// the final answer is the event whose content is worth posting.
		n.notify(buildCompletionBlocks(env))
	case events.AgentError:
		n.notify(buildErrorBlocks(env))
	}
}

func (n *Notifier) notify(blocks []goslack.Block) {
	ctx, cancel := context.WithTimeout(context.Background(), PostTimeout)
	defer cancel()
	if err := n.client.PostMessage(ctx, blocks...); err != nil {
		n.logger.Warn("failed to post slack notification", "error", err)
	}
}

func buildCompletionBlocks(env events.Envelope) []goslack.Block {
	header := goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType, "Plan/solve run completed", false, false))

	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Session:*\n%s", orDash(env.SessionID)), false, false),
	}
	if summary, ok := summarize(env.Content); ok {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Summary:*\n%s", summary), false, false))
	}
	section := goslack.NewSectionBlock(nil, fields, nil)

	return []goslack.Block{header, section}
}

func buildErrorBlocks(env events.Envelope) []goslack.Block {
	header := goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType, "Plan/solve run failed", false, false))

	msg, _ := env.Content.(string)
	if msg == "" {
		msg = "no error detail provided"
	}
	section := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Session:* %s\n*Error:* %s", orDash(env.SessionID), msg), false, false),
		nil, nil,
	)

	return []goslack.Block{header, section}
}

// summarize extracts a short, Slack-safe string from a final-answer
// envelope's content, which carries the run's aggregated answer as an
// arbitrary any (see pipeline.PlanSolveResult.Aggregated).
func summarize(content any) (string, bool) {
	switch v := content.(type) {
	case string:
		return truncate(v), v != ""
	case *pipeline.PlanSolveResult:
		if v == nil {
			return "", false
		}
		return summarize(v.Aggregated)
	case fmt.Stringer:
		return truncate(v.String()), true
	case nil:
		return "", false
	default:
		return truncate(fmt.Sprintf("%v", v)), true
	}
}

const maxSlackFieldLen = 500

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxSlackFieldLen {
		return s
	}
	return s[:maxSlackFieldLen] + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
