// Package logger provides structured logging for the notification service.
//
// It wraps log/slog with convenience functions for the dispatch domain:
// queue events, per-recipient delivery outcomes and stream consumer activity.
// Credentials embedded in payloads or URLs are redacted before they reach
// the log output.
//
// All exported functions use the global DefaultLogger, configured with
// NOTIFY_LOG_LEVEL or SetVerbose.
package logger

import (
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// DefaultLogger is the global structured logger instance. It is safe for
// concurrent use and initialized at info level.
var DefaultLogger *slog.Logger

func init() {
	level := slog.LevelInfo
	if envLevel := os.Getenv("NOTIFY_LOG_LEVEL"); envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	DefaultLogger = slog.New(NewContextHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// SetLevel changes the logging level for all subsequent log operations.
func SetLevel(level slog.Level) {
	DefaultLogger = slog.New(NewContextHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// SetVerbose enables debug-level logging when verbose is true.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// Warn logs a warning message with structured attributes.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// Error logs an error message with structured attributes.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// Queued logs a job accepted into the work queue.
func Queued(wrapperID, provider string, recipients int) {
	Info("message queued",
		"wrapper_id", wrapperID,
		"provider", provider,
		"recipients", recipients,
	)
}

// Dispatch logs the start of a fan-out for one wrapper.
func Dispatch(wrapperID, provider string, recipients int) {
	Debug("dispatching message",
		"wrapper_id", wrapperID,
		"provider", provider,
		"recipients", recipients,
	)
}

// Delivered logs one successful per-recipient send.
func Delivered(provider, recipient string) {
	Debug("notification delivered",
		"provider", provider,
		"recipient", recipient,
	)
}

// DeliveryFailed logs one failed per-recipient send. Failures are isolated:
// siblings in the same fan-out continue.
func DeliveryFailed(provider, recipient string, err error) {
	Error("notification failed",
		"provider", provider,
		"recipient", recipient,
		"error", err,
	)
}

// Acked logs a stream message acknowledgement.
func Acked(stream, group, consumer, id string) {
	Info("stream message acknowledged",
		"stream", stream,
		"group", group,
		"consumer", consumer,
		"message_id", id,
	)
}

var credentialPatterns = []*regexp.Regexp{
	// Telegram bot tokens
	regexp.MustCompile(`\d{6,}:[A-Za-z0-9_-]{30,}`),
	// Slack tokens
	regexp.MustCompile(`xox[abprs]-[A-Za-z0-9-]{10,}`),
	// SendGrid keys
	regexp.MustCompile(`SG\.[A-Za-z0-9_-]{16,}\.[A-Za-z0-9_-]{16,}`),
	// Bearer tokens
	regexp.MustCompile(`Bearer\s+[A-Za-z0-9._~+/-]+=*`),
	// Basic auth
	regexp.MustCompile(`Basic\s+[A-Za-z0-9+/]+=*`),
}

// RedactSensitiveData removes provider credentials from strings before they
// are logged. A short prefix is preserved for debugging context.
func RedactSensitiveData(input string) string {
	result := input
	for _, pattern := range credentialPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer ") {
				return "Bearer [REDACTED]"
			}
			if strings.HasPrefix(match, "Basic ") {
				return "Basic [REDACTED]"
			}
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return result
}
