package audit

import (
	"github.com/rs/zerolog"
)

// Audit results.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultFailed  = "failed"
)

// Logger provides structured audit logging for filesystem events.
// All audit events are logged with structured fields for easy filtering and analysis.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
// Pass zerolog.Nop() to discard all entries.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func levelFor(result string) zerolog.Level {
	if result == ResultAllowed {
		return zerolog.InfoLevel
	}
	return zerolog.WarnLevel
}

// LogFileOp logs a filesystem operation.
// owner: the owner whose namespace is touched
// operation: e.g. "upload", "list", "create_folder", "delete", "open"
// key: storage key (may be empty for list operations)
// result: "allowed", "denied" or "failed"
// details: additional context (e.g., error message)
func (l *Logger) LogFileOp(owner, operation, key, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "file_operation").
		Str("owner", owner).
		Str("operation", operation).
		Str("result", result)

	if key != "" {
		event = event.Str("key", key)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("File operation")
}

// LogShareIssue logs issuance of a public share token. The token itself is
// never logged.
func (l *Logger) LogShareIssue(owner, key, result, details string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "share_issue").
		Str("owner", owner).
		Str("key", key).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Share issued")
}

// LogShareAccess logs an anonymous token resolution. Only the outcome is
// recorded so failed lookups reveal nothing about existing keys.
func (l *Logger) LogShareAccess(operation, result string) {
	l.logger.WithLevel(levelFor(result)).
		Str("event_type", "share_access").
		Str("operation", operation).
		Str("result", result).
		Msg("Share access")
}

// LogQuota logs a quota decision for an upload.
func (l *Logger) LogQuota(owner string, requested, limit int64, result string) {
	l.logger.WithLevel(levelFor(result)).
		Str("event_type", "quota").
		Str("owner", owner).
		Int64("requested_bytes", requested).
		Int64("limit_bytes", limit).
		Str("result", result).
		Msg("Quota check")
}
