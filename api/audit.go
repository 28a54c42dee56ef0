package api

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditRedirectToAuth     AuditEvent = "redirect_to_auth"
	AuditLoginSuccess       AuditEvent = "login_success"
	AuditLoginFailure       AuditEvent = "login_failure"
	AuditSessionRenewed     AuditEvent = "session_renewed"
	AuditSessionInvalidated AuditEvent = "session_invalidated"
	AuditSessionExpired     AuditEvent = "session_expired"
	AuditLogout             AuditEvent = "logout"
)

// sessionIDPrefixLen bounds how much of a session id reaches the logs.
const sessionIDPrefixLen = 12

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(ctx context.Context, event AuditEvent, f *forwardedRequest, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	if f != nil {
		baseAttrs = append(baseAttrs, slog.String("host", f.host))
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		var reason string
		for _, a := range attrs {
			if a.Key == "reason" {
				reason = a.Value.String()
			}
		}
		al.metrics.recordEvent(event, reason)
	}
	if al.webhook != nil {
		al.webhook.enqueue(newWebhookEvent(baseAttrs))
	}
}

// logEvent is a convenience for events tied to a session. Only a prefix of
// the hashed id is logged.
func (al *auditLogger) logEvent(ctx context.Context, event AuditEvent, f *forwardedRequest, sessionID string, extra ...slog.Attr) {
	if len(sessionID) > sessionIDPrefixLen {
		sessionID = sessionID[:sessionIDPrefixLen]
	}
	attrs := []slog.Attr{
		slog.String("session_id", sessionID),
	}
	attrs = append(attrs, extra...)
	al.log(ctx, event, f, attrs...)
}

// logFailure logs a failed login or revalidation.
func (al *auditLogger) logFailure(ctx context.Context, event AuditEvent, f *forwardedRequest, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(ctx, event, f, attrs...)
}
