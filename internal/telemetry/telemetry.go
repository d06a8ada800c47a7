// Package telemetry builds the process-wide slog.Logger used by
// cmd/tarsy-ai and handed to every component constructor via
// logger.With("component", ...), the same contextual-logger convention the
// teacher's packages use internally. The teacher never introduced a
// third-party logging library or a shared setup helper of its own — each
// package just took a *slog.Logger (falling back to slog.Default() when
// nil) — so this package stays a thin, dependency-free wrapper around
// log/slog rather than reaching for zerolog/zap.
package telemetry

import (
	"log/slog"
	"os"
)

// Format selects the slog handler's output encoding.
type Format string

const (
	// FormatText emits human-readable key=value lines, for local runs.
	FormatText Format = "text"
	// FormatJSON emits one JSON object per line, for production log
	// aggregation.
	FormatJSON Format = "json"
)

// Config controls the root logger's handler.
type Config struct {
	Level  slog.Level
	Format Format
}

func (c *Config) applyDefaults() {
	if c.Format == "" {
		c.Format = FormatText
	}
}

// New builds a *slog.Logger writing to stderr per cfg, tagged with the
// server's identity so every downstream component's contextual logger
// carries it automatically.
func New(cfg Config, serverID string) *slog.Logger {
	cfg.applyDefaults()

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	if serverID != "" {
		logger = logger.With("server_id", serverID)
	}
	return logger
}

// ParseLevel maps the common level names to slog.Level, defaulting to Info
// for anything unrecognized so a typo in configuration never silences
// logging outright.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
