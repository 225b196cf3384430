package models

import (
	"time"

	"github.com/google/uuid"
)

// TokenPair is the result of login or refresh: a short-lived access token
// plus a single-use refresh token.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// RefreshRecord is the stored side of a refresh token. Only a hash of the
// signed token material is kept; the raw token lives with the client.
// A record is consumed at most once: a successful refresh deletes it and
// creates a fresh one in the same operation.
type RefreshRecord struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	SubjectID uuid.UUID `db:"subject_id" json:"subject_id"`
	TokenHash string    `db:"token_hash" json:"-"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	Revoked   bool      `db:"revoked"    json:"revoked"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Expired reports whether the record is past its expiry at the given instant.
func (r *RefreshRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// TokenStats are the issuance counters exposed on /auth/stats.
type TokenStats struct {
	Issued        int64 `json:"issued"`
	Refreshed     int64 `json:"refreshed"`
	Revoked       int64 `json:"revoked"`
	ActiveRefresh int   `json:"active_refresh_tokens"`
}
