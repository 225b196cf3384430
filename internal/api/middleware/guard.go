package middleware

import (
	"net/http"

	"github.com/ebrovalley/learngate/internal/api/response"
	"github.com/ebrovalley/learngate/internal/auth"
	"github.com/ebrovalley/learngate/internal/metrics"
	"github.com/ebrovalley/learngate/internal/ratelimit"
)

// AccessValidator resolves access-token claims. Satisfied by
// *auth.TokenService; the guard only needs validation.
type AccessValidator interface {
	ValidateAccess(token string) (*auth.AccessClaims, error)
}

// Guard is the global admission middleware: every request resolves to a
// quota by path, an identity by client IP (plus subject when authenticated),
// and is admitted or rejected before reaching its handler.
type Guard struct {
	limiter   ratelimit.Limiter
	resolver  *ratelimit.Resolver
	whitelist *ratelimit.Whitelist
	extractor ratelimit.IPExtractor
	tokens    AccessValidator
	events    *auth.EventRecorder
}

// NewGuard creates the admission guard.
func NewGuard(limiter ratelimit.Limiter, resolver *ratelimit.Resolver, whitelist *ratelimit.Whitelist, extractor ratelimit.IPExtractor, tokens AccessValidator, events *auth.EventRecorder) *Guard {
	return &Guard{
		limiter:   limiter,
		resolver:  resolver,
		whitelist: whitelist,
		extractor: extractor,
		tokens:    tokens,
		events:    events,
	}
}

// Admit applies the resolved quota. Rate-limit headers are written on both
// outcomes; a limiter backend error admits the request.
func (g *Guard) Admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := g.extractor.ClientIP(r)
		if g.whitelist.Contains(ip) {
			metrics.RateLimitDecisions.WithLabelValues(metrics.OutcomeBypass).Inc()
			next.ServeHTTP(w, r)
			return
		}

		policy := g.resolver.Resolve(r.URL.Path)
		subject := g.subject(r)
		identity := ratelimit.Identity(ip, subject)

		decision, err := g.limiter.Allow(r.Context(), identity, policy)
		if err != nil {
			metrics.RateLimitDecisions.WithLabelValues(metrics.OutcomeError).Inc()
			next.ServeHTTP(w, r)
			return
		}

		writeRateLimitHeaders(w, decision, policy.Window)
		if !decision.Allowed {
			metrics.RateLimitDecisions.WithLabelValues(metrics.OutcomeDenied).Inc()
			g.events.Record(r.Context(), auth.SecurityEvent{
				Type:    auth.EventRateLimitTripped,
				Subject: subject,
				IP:      ip,
				Path:    r.URL.Path,
			})
			response.Error(w, http.StatusTooManyRequests,
				response.CodeRateLimitExceeded, "Too many requests", nil)
			return
		}

		metrics.RateLimitDecisions.WithLabelValues(metrics.OutcomeAllowed).Inc()
		next.ServeHTTP(w, r)
	})
}

// subject resolves the caller identity before authentication has run, so
// authenticated users behind a shared IP each get their own bucket. A Bearer
// token that fails validation contributes nothing here; the session and key
// middleware still reject it downstream.
func (g *Guard) subject(r *http.Request) string {
	if s := SubjectID(r); s != "" {
		return s
	}
	if g.tokens == nil {
		return ""
	}
	token := extractBearerToken(r)
	if token == "" {
		return ""
	}
	claims, err := g.tokens.ValidateAccess(token)
	if err != nil {
		return ""
	}
	return claims.Subject
}
