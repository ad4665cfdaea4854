// Package audit is the gateway's structured security-event logger. It
// is deliberately separate from pkg/gwlog: security events (decrypt
// failures, auth rejections, rate-limit rejections, session
// invalidation, admin actions) need a stable JSON shape, tagged with
// correlation id and client id whenever those are non-empty, so they can be shipped to a different
// sink than general operational logs without scraping free-text lines.
package audit

import (
	"go.uber.org/zap"
)

// Event names, kept as constants so call sites can't typo a security
// event name that a downstream alert rule depends on.
const (
	EventDecryptFail        = "decrypt_fail"
	EventAuthRejected       = "auth_rejected"
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventSessionInvalidated = "session_invalidated"
	EventAdminAction        = "admin_action"
)

// Logger wraps a *zap.Logger scoped to security events.
type Logger struct {
	z *zap.Logger
}

// New builds a production-configured (JSON, info level) audit logger.
// If core is nil, zap's default production config is used.
func New(core *zap.Logger) *Logger {
	if core == nil {
		z, err := zap.NewProduction()
		if err != nil {
			z = zap.NewNop()
		}
		core = z
	}
	return &Logger{z: core.With(zap.String("stream", "audit"))}
}

// Nop returns an audit logger that discards everything, for tests.
func Nop() *Logger { return &Logger{z: zap.NewNop()} }

// Event records a security event with correlation and client id and any
// extra structured fields.
func (l *Logger) Event(name, correlationID, clientID string, fields map[string]any) {
	zf := make([]zap.Field, 0, len(fields)+3)
	zf = append(zf, zap.String("event", name))
	if correlationID != "" {
		zf = append(zf, zap.String("correlation_id", correlationID))
	}
	if clientID != "" {
		zf = append(zf, zap.String("client_id", clientID))
	}
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	l.z.Info("security_event", zf...)
}

// Sync flushes buffered log entries; call on shutdown.
func (l *Logger) Sync() error { return l.z.Sync() }
