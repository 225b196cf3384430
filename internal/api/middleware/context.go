package middleware

import (
	"context"
	"net/http"

	"github.com/ebrovalley/learngate/internal/auth"
	"github.com/ebrovalley/learngate/pkg/models"
)

type contextKey string

const (
	claimsKey contextKey = "access_claims"
	apiKeyKey contextKey = "api_key"
)

// SetClaims attaches validated access-token claims to the context.
func SetClaims(ctx context.Context, claims *auth.AccessClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// GetClaims returns the access-token claims set by the session middleware.
func GetClaims(r *http.Request) (*auth.AccessClaims, bool) {
	claims, ok := r.Context().Value(claimsKey).(*auth.AccessClaims)
	return claims, ok
}

// SetAPIKey attaches a validated API key to the context.
func SetAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyKey, key)
}

// GetAPIKey returns the API key set by the key middleware.
func GetAPIKey(r *http.Request) (*models.APIKey, bool) {
	key, ok := r.Context().Value(apiKeyKey).(*models.APIKey)
	return key, ok
}

// SubjectID returns the authenticated subject for rate-limit identity
// purposes: the JWT subject, the key ID, or empty for anonymous traffic.
func SubjectID(r *http.Request) string {
	if claims, ok := GetClaims(r); ok {
		return claims.Subject
	}
	if key, ok := GetAPIKey(r); ok {
		return key.ID.String()
	}
	return ""
}
