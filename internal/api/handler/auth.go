package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	mw "github.com/ebrovalley/learngate/internal/api/middleware"
	"github.com/ebrovalley/learngate/internal/api/response"
	"github.com/ebrovalley/learngate/internal/auth"
	"github.com/ebrovalley/learngate/internal/metrics"
	"github.com/ebrovalley/learngate/internal/ratelimit"
	"github.com/ebrovalley/learngate/pkg/models"
	"github.com/google/uuid"
)

// AuthHandler serves the session token endpoints.
type AuthHandler struct {
	verifier  *auth.Verifier
	tokens    *auth.TokenService
	events    *auth.EventRecorder
	extractor ratelimit.IPExtractor
}

// NewAuthHandler wires the auth endpoints.
func NewAuthHandler(verifier *auth.Verifier, tokens *auth.TokenService, events *auth.EventRecorder, extractor ratelimit.IPExtractor) *AuthHandler {
	return &AuthHandler{verifier: verifier, tokens: tokens, events: events, extractor: extractor}
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
		return
	}
	if req.Username == "" || req.Password == "" {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "username and password are required", nil)
		return
	}

	user, err := h.verifier.Verify(r.Context(), req.Username, req.Password)
	if err != nil {
		metrics.Logins.WithLabelValues(metrics.OutcomeFailure).Inc()
		h.events.Record(r.Context(), auth.SecurityEvent{
			Type:    auth.EventLoginFailed,
			Subject: req.Username,
			IP:      h.extractor.ClientIP(r),
			Path:    r.URL.Path,
		})
		response.Unauthorized(w)
		return
	}

	pair, err := h.tokens.IssuePair(r.Context(), user)
	if err != nil {
		slog.Error("issuing token pair", "username", req.Username, "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternalError, "An unexpected error occurred", nil)
		return
	}

	metrics.Logins.WithLabelValues(metrics.OutcomeSuccess).Inc()
	slog.Info("login", "username", user.Username, "role", user.Role)
	response.JSON(w, struct {
		*models.TokenPair
		User *models.User `json:"user"`
	}{pair, user})
}

// Refresh handles POST /auth/refresh: rotate the single-use refresh token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token, ok := h.readRefreshToken(w, r)
	if !ok {
		return
	}

	pair, err := h.tokens.Refresh(r.Context(), token)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(metrics.OutcomeFailure).Inc()
		event := auth.SecurityEvent{
			Type:   auth.EventTokenRevoked,
			IP:     h.extractor.ClientIP(r),
			Path:   r.URL.Path,
			Detail: err.Error(),
		}
		// A consumed token presented again is the replay signature.
		if errors.Is(err, auth.ErrTokenRevoked) {
			event.Type = auth.EventTokenReuse
		}
		h.events.Record(r.Context(), event)
		response.Unauthorized(w)
		return
	}

	metrics.TokenRefreshes.WithLabelValues(metrics.OutcomeSuccess).Inc()
	response.JSON(w, pair)
}

// Logout handles POST /auth/logout: revoke one refresh token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := h.readRefreshToken(w, r)
	if !ok {
		return
	}

	if err := h.tokens.Revoke(r.Context(), token); err != nil {
		response.Unauthorized(w)
		return
	}
	metrics.TokenRevocations.Inc()
	response.JSON(w, map[string]string{"message": "logged out"})
}

// LogoutAll handles POST /auth/logout-all: revoke every refresh token of the
// authenticated subject.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := mw.GetClaims(r)
	if !ok {
		response.Unauthorized(w)
		return
	}
	subjectID, err := uuid.Parse(claims.Subject)
	if err != nil {
		response.Unauthorized(w)
		return
	}

	n, err := h.tokens.RevokeAllForSubject(r.Context(), subjectID)
	if err != nil {
		slog.Error("revoking all sessions", "subject", claims.Subject, "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternalError, "An unexpected error occurred", nil)
		return
	}
	response.JSON(w, map[string]int{"revoked": n})
}

// Verify handles GET /auth/verify. It never fails: an invalid token yields
// valid=false with a 200.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	_, token, found := splitBearer(header)
	if !found {
		response.JSON(w, map[string]any{"valid": false})
		return
	}

	claims, err := h.tokens.ValidateAccess(token)
	if err != nil {
		response.JSON(w, map[string]any{"valid": false})
		return
	}
	response.JSON(w, map[string]any{
		"valid":       true,
		"subject":     claims.Subject,
		"username":    claims.Username,
		"role":        claims.Role,
		"permissions": claims.Permissions,
		"expires":     claims.ExpiresAt.Time,
	})
}

// Stats handles GET /auth/stats.
func (h *AuthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tokens.Stats(r.Context())
	if err != nil {
		slog.Error("collecting token stats", "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternalError, "An unexpected error occurred", nil)
		return
	}
	response.JSON(w, stats)
}

func (h *AuthHandler) readRefreshToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
		return "", false
	}
	if req.RefreshToken == "" {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "refresh_token is required", nil)
		return "", false
	}
	return req.RefreshToken, true
}

func splitBearer(header string) (scheme, token string, ok bool) {
	s, t, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(s, "Bearer") {
		return "", "", false
	}
	return s, strings.TrimSpace(t), true
}
