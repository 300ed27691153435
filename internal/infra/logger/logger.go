// Package logger builds the slog loggers used across the runtime.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"propwatch/internal/infra/config"
)

// piiKeys are attribute keys whose values identify a tenant or contractor.
var piiKeys = map[string]bool{
	"email": true,
	"to":    true,
	"phone": true,
}

// New creates a configured *slog.Logger. Contact details are masked unless
// cfg.ShowPII is set. The closer flushes a log file, if any.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return slog.New(newHandler(writer, cfg)), closer, nil
}

func newHandler(w io.Writer, cfg config.LoggerConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if !cfg.ShowPII {
		opts.ReplaceAttr = maskPII
	}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Component returns a child logger tagged with a component name.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", name)
}

// Run returns a child logger carrying the agent and run ids.
func Run(base *slog.Logger, agentID, runID string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("agent_id", agentID, "run_id", runID)
}

func maskPII(_ []string, a slog.Attr) slog.Attr {
	if !piiKeys[a.Key] || a.Value.Kind() != slog.KindString {
		return a
	}
	return slog.String(a.Key, Mask(a.Value.String()))
}

// Mask keeps the first character and the domain of an email, or the last
// three digits of a phone number.
func Mask(v string) string {
	if v == "" {
		return v
	}
	if local, domain, ok := strings.Cut(v, "@"); ok {
		if local == "" {
			return "*@" + domain
		}
		return local[:1] + "***@" + domain
	}
	if len(v) <= 3 {
		return "***"
	}
	return strings.Repeat("*", len(v)-3) + v[len(v)-3:]
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// openOutput returns the writer for stdout, stderr or a file path.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
