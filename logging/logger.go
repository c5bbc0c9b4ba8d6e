// Package logging provides a thin abstraction over slog so the rest of
// the runtime depends on a minimal Logger interface, plus a contextual
// RunLogger that attaches component / session / run identifiers and
// offers domain helpers for tool calls, model calls and node execution.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger is the minimal logging interface consumed throughout skein.
// Callers may plug any structured logger that satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoOpLogger discards all messages. Default for library construction so
// embedding skein introduces no logging side effects.
type NoOpLogger struct{}

// Debug discards the message.
func (NoOpLogger) Debug(string, ...any) {}

// Info discards the message.
func (NoOpLogger) Info(string, ...any) {}

// Warn discards the message.
func (NoOpLogger) Warn(string, ...any) {}

// Error discards the message.
func (NoOpLogger) Error(string, ...any) {}

// SlogAdapter exposes a *slog.Logger through the Logger interface.
type SlogAdapter struct{ *slog.Logger }

// NewSlogAdapter wraps an existing slog logger.
func NewSlogAdapter(l *slog.Logger) *SlogAdapter { return &SlogAdapter{Logger: l} }

// Config controls construction of a RunLogger.
type Config struct {
	Level     slog.Level
	Format    string // "json" (default) or "text"
	Output    io.Writer
	Component string
	SessionID string
	RunID     string
}

// DefaultConfig returns a JSON, info-level configuration writing to stdout.
func DefaultConfig() *Config {
	return &Config{Level: slog.LevelInfo, Format: "json", Output: os.Stdout}
}

// RunLogger wraps slog with run-scoped context. Cheap to copy via the
// With* helpers; safe for concurrent use.
type RunLogger struct {
	logger    *slog.Logger
	component string
	sessionID string
	runID     string
}

// New builds a RunLogger from cfg, or from DefaultConfig when nil.
func New(cfg *Config) *RunLogger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return &RunLogger{
		logger:    slog.New(handler),
		component: cfg.Component,
		sessionID: cfg.SessionID,
		runID:     cfg.RunID,
	}
}

// WithComponent returns a copy scoped to a logical component
// (executor, router, store, ...).
func (l *RunLogger) WithComponent(c string) *RunLogger {
	nl := *l
	nl.component = c
	return &nl
}

// WithRun returns a copy carrying session and run identifiers.
func (l *RunLogger) WithRun(sessionID, runID string) *RunLogger {
	nl := *l
	nl.sessionID = sessionID
	nl.runID = runID
	return &nl
}

func (l *RunLogger) attrs(extra []any) []any {
	args := make([]any, 0, len(extra)+6)
	if l.component != "" {
		args = append(args, "component", l.component)
	}
	if l.sessionID != "" {
		args = append(args, "session_id", l.sessionID)
	}
	if l.runID != "" {
		args = append(args, "run_id", l.runID)
	}
	return append(args, extra...)
}

func (l *RunLogger) log(level slog.Level, msg string, args ...any) {
	l.logger.Log(context.Background(), level, msg, l.attrs(args)...)
}

// Debug logs at debug level with run context attached.
func (l *RunLogger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }

// Info logs at info level with run context attached.
func (l *RunLogger) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args...) }

// Warn logs at warn level with run context attached.
func (l *RunLogger) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args...) }

// Error logs at error level with run context attached.
func (l *RunLogger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

// LogToolCall records one tool invocation routed through the Router.
func (l *RunLogger) LogToolCall(tool, provider string, dur time.Duration, err error) {
	if err != nil {
		l.Error("tool call failed", "tool", tool, "provider", provider, "duration_ms", dur.Milliseconds(), "error", err.Error())
		return
	}
	l.Info("tool call completed", "tool", tool, "provider", provider, "duration_ms", dur.Milliseconds())
}

// LogModelCall records one reasoning-backend exchange.
func (l *RunLogger) LogModelCall(model string, tokens int, dur time.Duration, err error) {
	if err != nil {
		l.Error("model call failed", "model", model, "duration_ms", dur.Milliseconds(), "error", err.Error())
		return
	}
	l.Info("model call completed", "model", model, "token_count", tokens, "duration_ms", dur.Milliseconds())
}

// LogNodeRun records the outcome of one node's turn loop.
func (l *RunLogger) LogNodeRun(nodeID, agent string, turns int, dur time.Duration, err error) {
	if err != nil {
		l.Error("node failed", "node", nodeID, "agent", agent, "turns", turns, "duration_ms", dur.Milliseconds(), "error", err.Error())
		return
	}
	l.Info("node completed", "node", nodeID, "agent", agent, "turns", turns, "duration_ms", dur.Milliseconds())
}
