// Command plansolved runs the Plan→Solve WebSocket orchestration server:
// it wires the demo agent runtime (pkg/agentrt) into a pipeline factory,
// hangs a stats listener and an optional Slack notifier off the same
// event stream every client sees, and serves it over pkg/wsserver.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conductorhq/plansolve/pkg/agentrt"
	"github.com/conductorhq/plansolve/pkg/agentrt/mcptool"
	"github.com/conductorhq/plansolve/pkg/config"
	"github.com/conductorhq/plansolve/pkg/events"
	"github.com/conductorhq/plansolve/pkg/notify"
	"github.com/conductorhq/plansolve/pkg/outbound"
	"github.com/conductorhq/plansolve/pkg/pipeline"
	"github.com/conductorhq/plansolve/pkg/session"
	"github.com/conductorhq/plansolve/pkg/slack"
	"github.com/conductorhq/plansolve/pkg/stats"
	"github.com/conductorhq/plansolve/pkg/wsserver"
)

func main() {
	envPath := config.RegisterFlags()
	addr := flag.String("addr", "", "override PLANSOLVE_ADDR")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger := slog.Default()
	logger.Info("starting plansolved", "addr", cfg.Addr, "concurrency", cfg.ConcurrencyDefault)

	statsAgg := stats.New(logger)
	statsListener := stats.NewListener(statsAgg)

	var slackClient *slack.Client
	if cfg.SlackToken != "" && cfg.SlackChannelID != "" {
		slackClient = slack.NewClient(cfg.SlackToken, cfg.SlackChannelID)
	}
	notifier := notify.New(slackClient, logger)

	mcpClient := mcptool.New(cfg.MCPServerAddr)

	broadcastEvent := func(env events.Envelope) {
		statsListener.Handle(env)
		notifier.Handle(env)
	}

	pipelineFactory := func(sessionID string) *pipeline.Pipeline {
		return &pipeline.Pipeline{
			Name:           "plansolved",
			Planner:        &agentrt.Planner{},
			Solver:         &agentrt.Solver{MCP: mcpClient},
			Aggregator:     agentrt.Aggregator{},
			MaxConcurrency: cfg.ConcurrencyDefault,
			SessionID:      sessionID,
			Logger:         logger,
			HideTasks:      !cfg.BroadcastTasks,
			Stats:          statsAgg,
		}
	}

	srv := wsserver.New(wsserver.Config{
		Addr:            cfg.Addr,
		PipelineFactory: pipelineFactory,
		SessionConfig: session.Config{
			RequireConfirmation: cfg.RequireConfirmation,
			ConfirmTimeout:      cfg.ConfirmTimeout,
			Namespace:           cfg.EventNamespace,
		},
		OutboundConfig: outbound.Config{
			MaxQueueSize:   cfg.OutboundMaxQueue,
			CoalesceWindow: time.Duration(cfg.OutboundCoalesceMS) * time.Millisecond,
			Observer:       broadcastEvent,
		},
		HeartbeatInterval:       cfg.HeartbeatInterval,
		Logger:                  logger,
		InsecureSkipOriginCheck: true,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
		_ = mcpClient.Close()
	}
}
