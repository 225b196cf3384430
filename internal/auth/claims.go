package auth

import (
	"github.com/ebrovalley/learngate/pkg/models"
	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// AccessClaims is the payload of an access token. Ephemeral: produced at
// issuance, consumed by downstream authorization checks, never persisted.
type AccessClaims struct {
	jwt.RegisteredClaims
	Username    string      `json:"username"`
	Email       string      `json:"email"`
	Role        models.Role `json:"role"`
	Permissions []string    `json:"permissions"`
	Type        string      `json:"type"`
}

// refreshClaims is the payload of a refresh token: the record identifier
// (RegisteredClaims.ID), the owning subject, and the fixed refresh marker.
type refreshClaims struct {
	jwt.RegisteredClaims
	Type string `json:"type"`
}
