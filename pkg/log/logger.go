// Package log provides structured logging for poolcore built on the
// standard library's slog package.
package log

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LevelCritical sits above slog.LevelError and marks conditions that
// need operator attention, such as a block the daemon accepted but
// could not be verified.
const LevelCritical = slog.Level(12)

// Logger wraps slog.Logger with service identity and mining-specific
// helpers.
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger. Level is one of debug/info/warn/error/critical,
// format is json or text.
func New(service, version, level, format string) *Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	case "critical":
		logLevel = LevelCritical
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
					a.Value = slog.StringValue("CRITICAL")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	base := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  base,
		service: service,
		version: version,
	}
}

// Critical logs at LevelCritical.
func (l *Logger) Critical(msg string, args ...any) {
	l.Log(context.Background(), LevelCritical, msg, args...)
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger carrying miner identity.
func (l *Logger) WithMiner(address, worker string) *Logger {
	return l.WithFields("miner_address", address, "worker_name", worker)
}

// WithJob returns a logger carrying job identity.
func (l *Logger) WithJob(jobID string, blockHeight int64) *Logger {
	return l.WithFields("job_id", jobID, "block_height", blockHeight)
}

// WithShare returns a logger carrying share identity.
func (l *Logger) WithShare(jobID, nonce string, difficulty float64) *Logger {
	return l.WithFields("job_id", jobID, "nonce", nonce, "difficulty", difficulty)
}

// WithBlock returns a logger carrying block identity.
func (l *Logger) WithBlock(hash string, height int64) *Logger {
	return l.WithFields("block_hash", hash, "block_height", height)
}

// WithError returns a logger with error context.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the latency of an operation.
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(d.Nanoseconds())/1e6,
	)
}

// LogConnection logs connection lifecycle events.
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs raw protocol traffic at debug level.
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareSubmission logs the outcome of a share submission.
func (l *Logger) LogShareSubmission(minerAddr, workerName, jobID string, difficulty float64, status string) {
	l.Info("share submission",
		"miner_address", minerAddr,
		"worker_name", workerName,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogBlockFound logs a confirmed block.
func (l *Logger) LogBlockFound(blockHash string, blockHeight int64, minerAddr, workerName string, difficulty float64) {
	l.Info("block found",
		"block_hash", blockHash,
		"block_height", blockHeight,
		"miner_address", minerAddr,
		"worker_name", workerName,
		"difficulty", difficulty,
	)
}

// LogJobBroadcast logs a job being sent to connected miners.
func (l *Logger) LogJobBroadcast(jobID string, blockHeight int64, cleanJobs bool, minerCount int) {
	l.Info("job broadcast",
		"job_id", jobID,
		"block_height", blockHeight,
		"clean_jobs", cleanJobs,
		"miner_count", minerCount,
	)
}
