// Package log provides structured logging for the qpow services.
// It wraps the standard library's slog package with domain helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bardlex/qpow/pkg/errors"
)

type ctxKey string

// RequestIDKey is the context key under which HTTP handlers store a request id.
const RequestIDKey ctxKey = "request_id"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
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
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "nop", "", "error", "json")
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
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

// WithContext returns a logger carrying the request id stored in ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		return l.WithFields("request_id", reqID)
	}
	return l
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

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, height uint64) *Logger {
	return l.WithFields("job_id", jobID, "height", height)
}

// WithStrategy returns a logger tagged with the mining strategy in use
func (l *Logger) WithStrategy(name string) *Logger {
	return l.WithFields("strategy", name)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error(), "error_type", string(errors.TypeOf(err)))
}

// LogError logs err at a severity matching its type: invalid and unreachable
// are warnings or errors, the routine kinds stay at debug.
func (l *Logger) LogError(msg string, err error, fields ...any) {
	logger := l.WithError(err)
	switch {
	case errors.IsType(err, errors.ErrorTypeUnreachable):
		logger.Error(msg, fields...)
	case errors.IsType(err, errors.ErrorTypeInvalid):
		logger.Warn(msg, fields...)
	case errors.IsType(err, errors.ErrorTypeStale),
		errors.IsType(err, errors.ErrorTypeDuplicateJob),
		errors.IsType(err, errors.ErrorTypeUnknownJob),
		errors.IsType(err, errors.ErrorTypeInvalidTransition):
		logger.Debug(msg, fields...)
	default:
		logger.Error(msg, fields...)
	}
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(duration)/float64(time.Millisecond),
	)
}

// LogHashrate logs search throughput for a finished search
func (l *Logger) LogHashrate(jobID string, hashes uint64, elapsed time.Duration) {
	rate := 0.0
	if elapsed > 0 {
		rate = float64(hashes) / elapsed.Seconds()
	}
	l.Info("search finished",
		"job_id", jobID,
		"hash_count", hashes,
		"elapsed_ms", elapsed.Milliseconds(),
		"hashes_per_sec", rate,
	)
}

// LogJobDispatched logs a job handed to a mining strategy
func (l *Logger) LogJobDispatched(jobID string, height uint64, strategy, templateHash string) {
	l.Info("job dispatched",
		"job_id", jobID,
		"height", height,
		"strategy", strategy,
		"template_hash", templateHash,
	)
}

// LogSealFound logs a nonce reported under target
func (l *Logger) LogSealFound(jobID string, height uint64, nonce string) {
	l.Info("seal found",
		"job_id", jobID,
		"height", height,
		"nonce", nonce,
	)
}

// LogBlockImported logs a sealed header accepted by the chain
func (l *Logger) LogBlockImported(blockHash string, height uint64, parent string) {
	l.Info("block imported",
		"block_hash", blockHash,
		"height", height,
		"parent", parent,
	)
}

// LogRetarget logs a difficulty adjustment
func (l *Logger) LogRetarget(height uint64, ratio float64, target string) {
	l.Debug("target computed",
		"height", height,
		"ratio", ratio,
		"target", target,
	)
}

// LogHTTPRequest logs a served API request
func (l *Logger) LogHTTPRequest(method, path string, status int, duration time.Duration) {
	l.Debug("http request",
		"method", method,
		"path", path,
		"status", status,
		"duration_ms", float64(duration)/float64(time.Millisecond),
	)
}
