package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ebrovalley/learngate/internal/api/response"
	"github.com/ebrovalley/learngate/internal/apikey"
	"github.com/ebrovalley/learngate/internal/auth"
	"github.com/ebrovalley/learngate/internal/metrics"
	"github.com/ebrovalley/learngate/internal/ratelimit"
	"github.com/ebrovalley/learngate/pkg/models"
)

// Session authenticates requests carrying a Bearer access token.
type Session struct {
	tokens *auth.TokenService
}

// NewSession creates the session middleware.
func NewSession(tokens *auth.TokenService) *Session {
	return &Session{tokens: tokens}
}

// Authenticate validates the access token and sets its claims in the request
// context. All failures yield the same opaque response.
func (s *Session) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			response.Unauthorized(w)
			return
		}

		claims, err := s.tokens.ValidateAccess(token)
		if err != nil {
			response.Unauthorized(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetClaims(r.Context(), claims)))
	})
}

// RequireRole gates a route on the authenticated user's role. Admins pass
// every role check.
func RequireRole(role models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaims(r)
			if !ok {
				response.Unauthorized(w)
				return
			}
			if claims.Role != role && claims.Role != models.RoleAdmin {
				response.Error(w, http.StatusForbidden,
					response.CodeForbidden, "Insufficient permissions", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyAuth authenticates requests carrying an API key and enforces the key's
// own quota.
type KeyAuth struct {
	registry  *apikey.Registry
	events    *auth.EventRecorder
	extractor ratelimit.IPExtractor
}

// NewKeyAuth creates the API key middleware.
func NewKeyAuth(registry *apikey.Registry, events *auth.EventRecorder, extractor ratelimit.IPExtractor) *KeyAuth {
	return &KeyAuth{registry: registry, events: events, extractor: extractor}
}

// Require validates the key, applies its quota, and records usage once the
// response is written. Credential failures are opaque to the client.
func (k *KeyAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractAPIKey(r)
		if raw == "" {
			metrics.KeyValidations.WithLabelValues(metrics.OutcomeFailure).Inc()
			response.Unauthorized(w)
			return
		}

		key, err := k.registry.Validate(r.Context(), raw)
		if err != nil {
			metrics.KeyValidations.WithLabelValues(metrics.OutcomeFailure).Inc()
			k.events.Record(r.Context(), auth.SecurityEvent{
				Type:   auth.EventKeyRejected,
				IP:     k.extractor.ClientIP(r),
				Path:   r.URL.Path,
				Detail: rejectionDetail(err),
			})
			response.Unauthorized(w)
			return
		}
		metrics.KeyValidations.WithLabelValues(metrics.OutcomeSuccess).Inc()

		decision, err := k.registry.CheckQuota(r.Context(), key)
		if err != nil {
			// Limiter backend trouble must not take the gateway down.
			decision = ratelimit.Decision{Allowed: true, Limit: key.RateLimit.Limit}
		}
		writeRateLimitHeaders(w, decision, key.RateLimit.Window)
		if !decision.Allowed {
			metrics.RateLimitDecisions.WithLabelValues(metrics.OutcomeDenied).Inc()
			response.Error(w, http.StatusTooManyRequests,
				response.CodeRateLimitExceeded, "API key rate limit exceeded", nil)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(SetAPIKey(r.Context(), key)))

		// Usage accounting happens off the request path, detached from the
		// request context.
		usage := &models.UsageRecord{
			KeyID:     key.ID,
			Endpoint:  r.URL.Path,
			Method:    r.Method,
			Timestamp: start.UTC(),
			IP:        k.extractor.ClientIP(r),
			UserAgent: r.UserAgent(),
			Status:    rec.status,
			LatencyMs: time.Since(start).Milliseconds(),
		}
		go func() {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("usage recording panicked", "key_id", usage.KeyID, "panic", p)
				}
			}()
			k.registry.RecordUsage(context.Background(), usage)
		}()
	})
}

// RequirePermission gates a route on an API key permission.
func RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := GetAPIKey(r)
			if !ok {
				response.Unauthorized(w)
				return
			}
			if !key.HasPermission(permission) {
				response.Error(w, http.StatusForbidden,
					response.CodeForbidden, "Insufficient permissions", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// extractAPIKey accepts the key via the Authorization header (Bearer or
// ApiKey scheme), the X-API-Key header, or an api_key query parameter, in
// that order.
func extractAPIKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && (strings.EqualFold(scheme, "Bearer") || strings.EqualFold(scheme, "ApiKey")) {
			return strings.TrimSpace(token)
		}
	}
	if v := r.Header.Get("X-API-Key"); v != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

func rejectionDetail(err error) string {
	switch {
	case errors.Is(err, apikey.ErrKeyDisabled):
		return "disabled"
	case errors.Is(err, apikey.ErrKeyExpired):
		return "expired"
	default:
		return "invalid"
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision, window time.Duration) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	w.Header().Set("X-RateLimit-Window", strconv.Itoa(int(window/time.Second)))
	if !d.Allowed && d.RetryAfter > 0 {
		secs := int(d.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}
