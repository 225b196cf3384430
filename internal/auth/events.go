package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/ebrovalley/learngate/internal/cache"
)

// Security event types emitted by handlers and middleware.
const (
	EventLoginFailed      = "login_failed"
	EventLoginSucceeded   = "login_succeeded"
	EventTokenReuse       = "refresh_token_reuse"
	EventTokenRevoked     = "token_revoked"
	EventKeyRejected      = "api_key_rejected"
	EventRateLimitTripped = "rate_limit_exceeded"
)

// SecurityEvent is an auditable authentication or admission incident.
type SecurityEvent struct {
	Type      string    `json:"type"`
	Subject   string    `json:"subject,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Path      string    `json:"path,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const eventTTL = 24 * time.Hour

// EventRecorder fans security events out to the structured log and, when a
// cache is configured, to Redis for real-time monitoring. Recording never
// fails the request that triggered it.
type EventRecorder struct {
	cache cache.Cache
}

// NewEventRecorder creates a recorder. A nil cache is valid and limits
// output to the log.
func NewEventRecorder(c cache.Cache) *EventRecorder {
	return &EventRecorder{cache: c}
}

// Record logs the event and best-effort persists it.
func (r *EventRecorder) Record(ctx context.Context, event SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	slog.Warn("security event",
		"type", event.Type,
		"subject", event.Subject,
		"ip", event.IP,
		"path", event.Path,
		"detail", event.Detail,
	)

	if r.cache == nil {
		return
	}
	if err := r.cache.RecordSecurityEvent(ctx, event, eventTTL); err != nil {
		slog.Error("persisting security event", "type", event.Type, "error", err)
	}
}
