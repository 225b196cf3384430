package auth

import "errors"

// Verification failures are reported to clients as a single opaque
// unauthorized response; the distinctions below exist for logs and metrics.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenRevoked       = errors.New("token revoked")
)
