// Package models contains shared data models used across the LearnGate codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// RateLimitPolicy is a quota: at most Limit admissions within the trailing Window.
type RateLimitPolicy struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// APIKey is a long-lived, user-independent credential for service-to-service
// access. Raw keys are shown once at creation; only the SHA-256 hash is stored.
// Keys are never hard-deleted, only deactivated, so usage history survives.
type APIKey struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	Name        string          `db:"name"         json:"name"`
	KeyHash     string          `db:"key_hash"     json:"-"`
	KeyPrefix   string          `db:"key_prefix"   json:"key_prefix"`
	Permissions []string        `db:"permissions"  json:"permissions"`
	RateLimit   RateLimitPolicy `db:"-"            json:"rate_limit"`
	UsageCount  int64           `db:"usage_count"  json:"usage_count"`
	LastUsedAt  *time.Time      `db:"last_used_at" json:"last_used_at,omitempty"`
	Active      bool            `db:"active"       json:"active"`
	ExpiresAt   *time.Time      `db:"expires_at"   json:"expires_at,omitempty"`
	CreatedAt   time.Time       `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"   json:"updated_at"`
}

// ExpiredAt reports whether the key is past its optional expiry.
func (k *APIKey) ExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// HasPermission reports whether the key carries the required permission or
// an admin wildcard.
func (k *APIKey) HasPermission(required string) bool {
	for _, p := range k.Permissions {
		if p == required || p == "*" || p == "admin" {
			return true
		}
	}
	return false
}
