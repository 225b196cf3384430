package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mw "github.com/ebrovalley/learngate/internal/api/middleware"
	"github.com/ebrovalley/learngate/internal/apikey"
	"github.com/ebrovalley/learngate/internal/auth"
	"github.com/ebrovalley/learngate/internal/config"
	"github.com/ebrovalley/learngate/internal/ratelimit"
	"github.com/ebrovalley/learngate/internal/store"
	"github.com/ebrovalley/learngate/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Stub limiter ---

type stubLimiter struct {
	decision ratelimit.Decision
	err      error
	calls    int
	identity string
}

func (s *stubLimiter) Allow(_ context.Context, identity string, p models.RateLimitPolicy) (ratelimit.Decision, error) {
	s.calls++
	s.identity = identity
	if s.err != nil {
		return ratelimit.Decision{}, s.err
	}
	d := s.decision
	if d.Limit == 0 {
		d.Limit = p.Limit
	}
	return d, s.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func newGuard(t *testing.T, limiter ratelimit.Limiter, whitelist []string) *mw.Guard {
	return newGuardWithTokens(t, limiter, whitelist, nil)
}

func newGuardWithTokens(t *testing.T, limiter ratelimit.Limiter, whitelist []string, tokens mw.AccessValidator) *mw.Guard {
	t.Helper()
	resolver, err := ratelimit.NewResolver(config.RateLimitConfig{
		DefaultLimit: 60, DefaultWindow: time.Minute,
		AuthLimit: 10, AuthWindow: time.Minute,
		BulkLimit: 300, BulkWindow: time.Minute,
	})
	require.NoError(t, err)
	return mw.NewGuard(limiter, resolver, ratelimit.NewWhitelist(whitelist),
		ratelimit.IPExtractor{}, tokens, auth.NewEventRecorder(nil))
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	return envelope.Error.Code
}

func TestGuardAllowSetsHeaders(t *testing.T) {
	limiter := &stubLimiter{decision: ratelimit.Decision{
		Allowed: true, Remaining: 59, ResetAt: time.Unix(1770000000, 0),
	}}
	guard := newGuard(t, limiter, nil)

	r := httptest.NewRequest("GET", "/courses", nil)
	r.RemoteAddr = "203.0.113.1:1234"
	w := httptest.NewRecorder()
	guard.Admit(okHandler()).ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1770000000", w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Window"))
	assert.Equal(t, "203.0.113.1", limiter.identity)
}

func TestGuardRejectWrites429(t *testing.T) {
	limiter := &stubLimiter{decision: ratelimit.Decision{
		Allowed: false, Remaining: 0,
		ResetAt: time.Unix(1770000000, 0), RetryAfter: 42 * time.Second,
	}}
	guard := newGuard(t, limiter, nil)

	r := httptest.NewRequest("POST", "/auth/login", nil)
	r.RemoteAddr = "203.0.113.1:1234"
	w := httptest.NewRecorder()
	guard.Admit(okHandler()).ServeHTTP(w, r)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "42", w.Header().Get("Retry-After"))
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"), "auth class policy applies")
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, w.Body.Bytes()))
}

func TestGuardWhitelistBypassesLimiter(t *testing.T) {
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: false}}
	guard := newGuard(t, limiter, []string{"10.0.0.0/8"})

	r := httptest.NewRequest("GET", "/courses", nil)
	r.RemoteAddr = "10.1.2.3:9999"
	w := httptest.NewRecorder()
	guard.Admit(okHandler()).ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, limiter.calls)
}

func TestGuardIdentityPerAuthenticatedSubject(t *testing.T) {
	_, _, tokens := newSessionFixture(t)
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: true}}
	guard := newGuardWithTokens(t, limiter, nil, tokens)
	handler := guard.Admit(okHandler())

	alice := &models.User{ID: uuid.New(), Username: "alice", Role: models.RoleStudent, Active: true}
	bob := &models.User{ID: uuid.New(), Username: "bob", Role: models.RoleStudent, Active: true}

	identityFor := func(authorization string) string {
		r := httptest.NewRequest("POST", "/auth/logout-all", nil)
		r.RemoteAddr = "203.0.113.1:1234"
		if authorization != "" {
			r.Header.Set("Authorization", authorization)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return limiter.identity
	}

	alicePair, err := tokens.IssuePair(context.Background(), alice)
	require.NoError(t, err)
	bobPair, err := tokens.IssuePair(context.Background(), bob)
	require.NoError(t, err)

	// Two authenticated users behind the same address get separate buckets.
	aliceID := identityFor("Bearer " + alicePair.AccessToken)
	bobID := identityFor("Bearer " + bobPair.AccessToken)
	assert.Equal(t, "203.0.113.1:"+alice.ID.String(), aliceID)
	assert.Equal(t, "203.0.113.1:"+bob.ID.String(), bobID)
	assert.NotEqual(t, aliceID, bobID)

	// Anonymous and unverifiable callers share the plain IP bucket.
	assert.Equal(t, "203.0.113.1", identityFor(""))
	assert.Equal(t, "203.0.113.1", identityFor("Bearer nonsense"))
}

func TestGuardFailsOpenOnLimiterError(t *testing.T) {
	limiter := &stubLimiter{err: errors.New("backend down")}
	guard := newGuard(t, limiter, nil)

	r := httptest.NewRequest("GET", "/courses", nil)
	r.RemoteAddr = "203.0.113.1:1234"
	w := httptest.NewRecorder()
	guard.Admit(okHandler()).ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

// --- Session middleware ---

func newSessionFixture(t *testing.T) (*mw.Session, *models.User, *auth.TokenService) {
	t.Helper()
	dir := auth.NewMemoryDirectory()
	user := &models.User{
		ID:       uuid.New(),
		Username: "marta",
		Role:     models.RoleAdmin,
		Active:   true,
	}
	dir.Add(user)
	tokens := auth.NewTokenService(store.NewMemoryStore(), dir, config.AuthConfig{
		JWTSecret:       "test-secret-at-least-32-bytes-long!!",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	})
	return mw.NewSession(tokens), user, tokens
}

func TestSessionAuthenticate(t *testing.T) {
	session, user, tokens := newSessionFixture(t)

	pair, err := tokens.IssuePair(context.Background(), user)
	require.NoError(t, err)

	var gotClaims *auth.AccessClaims
	handler := session.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = mw.GetClaims(r)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/logout-all", nil)
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, gotClaims)
		assert.Equal(t, "marta", gotClaims.Username)
	})

	t.Run("missing header", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/logout-all", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "UNAUTHORIZED", errorCode(t, w.Body.Bytes()))
	})

	t.Run("garbage token", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/logout-all", nil)
		r.Header.Set("Authorization", "Bearer nonsense")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("refresh token rejected as session", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/logout-all", nil)
		r.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireRole(t *testing.T) {
	session, _, tokens := newSessionFixture(t)

	student := &models.User{ID: uuid.New(), Username: "leo", Role: models.RoleStudent, Active: true}
	pair, err := tokens.IssuePair(context.Background(), student)
	require.NoError(t, err)

	handler := session.Authenticate(mw.RequireRole(models.RoleInstructor)(okHandler()))

	r := httptest.NewRequest("GET", "/auth/stats", nil)
	r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, w.Body.Bytes()))
}

// --- API key middleware ---

func newKeyFixture(t *testing.T) (*mw.KeyAuth, *apikey.Registry) {
	t.Helper()
	registry := apikey.NewRegistry(store.NewMemoryStore(), ratelimit.NewSlidingWindow())
	keyAuth := mw.NewKeyAuth(registry, auth.NewEventRecorder(nil), ratelimit.IPExtractor{})
	return keyAuth, registry
}

func TestKeyAuthCredentialSources(t *testing.T) {
	keyAuth, registry := newKeyFixture(t)
	_, raw, err := registry.Create(context.Background(), "svc", nil, nil, nil)
	require.NoError(t, err)

	handler := keyAuth.Require(okHandler())

	cases := []struct {
		name  string
		apply func(r *http.Request)
	}{
		{"bearer scheme", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+raw) }},
		{"apikey scheme", func(r *http.Request) { r.Header.Set("Authorization", "ApiKey "+raw) }},
		{"x-api-key header", func(r *http.Request) { r.Header.Set("X-API-Key", raw) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/svc/whoami", nil)
			r.RemoteAddr = "203.0.113.1:1234"
			tc.apply(r)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}

	t.Run("query param", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/svc/whoami?api_key="+raw, nil)
		r.RemoteAddr = "203.0.113.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing credential", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/svc/whoami", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown credential", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/svc/whoami", nil)
		r.Header.Set("X-API-Key", "alk_AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "UNAUTHORIZED", errorCode(t, w.Body.Bytes()))
	})
}

func TestKeyAuthEnforcesQuotaAndRecordsUsage(t *testing.T) {
	keyAuth, registry := newKeyFixture(t)
	policy := models.RateLimitPolicy{Limit: 2, Window: time.Minute}
	key, raw, err := registry.Create(context.Background(), "svc", nil, &policy, nil)
	require.NoError(t, err)

	handler := keyAuth.Require(okHandler())
	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", "/svc/whoami", nil)
		r.RemoteAddr = "203.0.113.1:1234"
		r.Header.Set("X-API-Key", raw)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, do().Code)
	assert.Equal(t, http.StatusOK, do().Code)

	w := do()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))

	// Usage is recorded asynchronously for the two admitted requests.
	assert.Eventually(t, func() bool {
		got, err := registry.Get(context.Background(), key.ID)
		return err == nil && got.UsageCount == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequirePermission(t *testing.T) {
	keyAuth, registry := newKeyFixture(t)
	_, raw, err := registry.Create(context.Background(), "svc", []string{"course:read"}, nil, nil)
	require.NoError(t, err)
	_, adminRaw, err := registry.Create(context.Background(), "admin-svc", []string{"*"}, nil, nil)
	require.NoError(t, err)

	handler := keyAuth.Require(mw.RequirePermission("analytics:view")(okHandler()))
	do := func(credential string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", "/svc/analytics/usage", nil)
		r.RemoteAddr = "203.0.113.1:1234"
		r.Header.Set("X-API-Key", credential)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusForbidden, do(raw).Code)
	assert.Equal(t, http.StatusOK, do(adminRaw).Code)
}
