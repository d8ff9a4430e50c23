// Package log provides structured logging utilities for gomproxy.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel maps a level name to a slog.Level, defaulting to info
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

type ctxKey string

const (
	// ConnectionIDKey is the context key carrying the downstream connection id
	ConnectionIDKey ctxKey = "connection_id"
)

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if connID := ctx.Value(ConnectionIDKey); connID != nil {
		logger = logger.With("connection_id", connID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithConnection returns a logger scoped to one downstream connection
func (l *Logger) WithConnection(connID, remoteAddr string) *Logger {
	return l.WithFields("connection_id", connID, "remote_addr", remoteAddr)
}

// WithChannel returns a logger scoped to a mining channel
func (l *Logger) WithChannel(channelID uint32, user string) *Logger {
	return l.WithFields("channel_id", channelID, "user", user)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Connection logging helpers

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogProtocolMessage logs a protocol message crossing the proxy (debug level)
func (l *Logger) LogProtocolMessage(direction, protocol, message string) {
	l.Debug("protocol message",
		"direction", direction,
		"protocol", protocol,
		"message", message,
	)
}

// LogStateTransition logs a translator lifecycle change
func (l *Logger) LogStateTransition(from, to, trigger string) {
	l.Debug("state transition",
		"from", from,
		"to", to,
		"trigger", trigger,
	)
}

// Mining-specific logging helpers

// LogJobTranslation logs an upstream job being exposed downstream
func (l *Logger) LogJobTranslation(upstreamJobID string, downstreamJobID uint32, cleanJobs bool) {
	l.Debug("job translated",
		"upstream_job_id", upstreamJobID,
		"downstream_job_id", downstreamJobID,
		"clean_jobs", cleanJobs,
	)
}

// LogShareSubmission logs share submissions and their outcome
func (l *Logger) LogShareSubmission(user, upstreamJobID string, sequence uint32, difficulty float64, status string) {
	l.Info("share submission",
		"user", user,
		"upstream_job_id", upstreamJobID,
		"sequence_number", sequence,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count int64, duration int64) {
	throughput := float64(count) / (float64(duration) / 1e9)
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ns", duration,
		"throughput_ops_sec", throughput,
	)
}
