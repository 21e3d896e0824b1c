// Package log provides structured logging for the Xenohash services.
// It wraps log/slog with service metadata and mining-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

// SessionIDKey is the context key under which transports store the session id.
const SessionIDKey ctxKey = "session_id"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
}

// New creates a logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler).With("service", service, "version", version)}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "dev", "error", "text")
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithContext returns a logger carrying the session id found in ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id, ok := ctx.Value(SessionIDKey).(string); ok && id != "" {
		return l.WithFields("session_id", id)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{Logger: l.With(fields...)}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithClient returns a logger with client identity fields
func (l *Logger) WithClient(sessionID, clientID string) *Logger {
	return l.WithFields("session_id", sessionID, "client_id", clientID)
}

// WithRound returns a logger with round fields
func (l *Logger) WithRound(roundNumber int64, difficulty float64) *Logger {
	return l.WithFields("round", roundNumber, "difficulty", difficulty)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(d.Nanoseconds())/1e6,
	)
}

// LogConnection logs connection lifecycle events
func (l *Logger) LogConnection(event, sessionID, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"session_id", sessionID,
		"remote_addr", remoteAddr,
	)
}

// LogProtocolMessage logs client protocol frames (debug level)
func (l *Logger) LogProtocolMessage(direction, msgType string, size int) {
	l.Debug("protocol message",
		"direction", direction,
		"type", msgType,
		"bytes", size,
	)
}

// LogShareSubmission logs a share outcome. Accepted shares go to debug since
// they arrive at client hash rate.
func (l *Logger) LogShareSubmission(clientID string, roundNumber int64, mode, status string) {
	level := slog.LevelDebug
	if status != "accepted" && status != "rejected" {
		level = slog.LevelInfo
	}
	l.Log(context.Background(), level, "share submission",
		"client_id", clientID,
		"round", roundNumber,
		"mode", mode,
		"status", status,
	)
}

// LogRoundFinalized logs a finalized round
func (l *Logger) LogRoundFinalized(roundNumber int64, winnerID, digestHex, reward string, difficulty, nextDifficulty float64, duration time.Duration) {
	l.Info("round finalized",
		"round", roundNumber,
		"winner_id", winnerID,
		"digest", digestHex,
		"reward", reward,
		"difficulty", difficulty,
		"next_difficulty", nextDifficulty,
		"duration_ms", duration.Milliseconds(),
	)
}
