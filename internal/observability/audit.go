package observability

import "log/slog"

// Audit emits a structured audit event for session lifecycle and
// security-relevant actions (connect, auth, reconnect, timeout).
func Audit(logger *slog.Logger, event, sessionID string, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	base := []any{
		"event", event,
		"session_id", sessionID,
	}
	base = append(base, attrs...)
	logger.Info("audit", base...)
}
