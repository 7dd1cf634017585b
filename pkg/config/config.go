// Package config loads process configuration from the environment (with
// an optional .env overlay). A handful of scalar settings doesn't
// warrant a schema/validation framework; plain getEnv-with-default
// helpers carry it.
package config

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully-resolved process configuration for cmd/plansolved.
type Config struct {
	Addr                string
	ConcurrencyDefault  int
	HeartbeatInterval   time.Duration
	ConfirmTimeout      time.Duration
	RequireConfirmation bool
	EventNamespace      string
	BroadcastTasks      bool

	OutboundMaxQueue   int
	OutboundCoalesceMS int

	MCPServerAddr string // empty disables the demo MCP tool

	SlackToken     string
	SlackChannelID string
}

// Load reads .env (if present at envPath) then the environment, applying
// defaults for anything unset. envPath may be empty, in which case only
// the process environment is consulted.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			slog.Warn("could not load .env file, continuing with process environment", "path", envPath, "error", err)
		} else {
			slog.Info("loaded environment overlay", "path", envPath)
		}
	}

	cfg := &Config{
		Addr:                getEnv("PLANSOLVE_ADDR", ":8080"),
		ConcurrencyDefault:  getEnvInt("PLANSOLVE_CONCURRENCY", 3),
		HeartbeatInterval:   getEnvDuration("PLANSOLVE_HEARTBEAT_INTERVAL", 60*time.Second),
		ConfirmTimeout:      getEnvDuration("PLANSOLVE_CONFIRM_TIMEOUT", 300*time.Second),
		RequireConfirmation: getEnvBool("PLANSOLVE_REQUIRE_CONFIRMATION", false),
		EventNamespace:      getEnv("PLANSOLVE_EVENT_NAMESPACE", ""),
		BroadcastTasks:      getEnvBool("PLANSOLVE_BROADCAST_TASKS", true),

		OutboundMaxQueue:   getEnvInt("PLANSOLVE_OUTBOUND_MAX_QUEUE", 1000),
		OutboundCoalesceMS: getEnvInt("PLANSOLVE_OUTBOUND_COALESCE_MS", 75),

		MCPServerAddr: getEnv("PLANSOLVE_MCP_SERVER_ADDR", ""),

		SlackToken:     getEnv("SLACK_BOT_TOKEN", ""),
		SlackChannelID: getEnv("SLACK_CHANNEL_ID", ""),
	}
	return cfg, nil
}

// RegisterFlags binds command-line flags that override the corresponding
// environment variables.
func RegisterFlags() (envPath *string) {
	return flag.String("env-file", getEnv("PLANSOLVE_ENV_FILE", ""), "optional path to a .env file to load before reading configuration")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return defaultValue
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "True":
		return true
	case "0", "false", "FALSE", "False":
		return false
	default:
		return defaultValue
	}
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
