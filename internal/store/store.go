package store

import (
	"context"
	"errors"
	"time"

	"github.com/ebrovalley/learngate/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Consume outcomes. The token service maps these onto its client-facing
// taxonomy; the store only reports what it observed under the lock.
var ErrRecordRevoked = errors.New("refresh record revoked or absent")
var ErrRecordExpired = errors.New("refresh record expired")
var ErrHashMismatch = errors.New("refresh token hash mismatch")

// Store is the data access interface. All keyed-store operations go through
// here so the backing implementation (in-process map or Postgres) can be
// swapped without touching call sites.
type Store interface {
	Ping(ctx context.Context) error

	RefreshStore
	KeyStore
	UsageStore
}

// RefreshStore holds refresh-token records.
type RefreshStore interface {
	CreateRefresh(ctx context.Context, rec *models.RefreshRecord) error
	GetRefresh(ctx context.Context, id uuid.UUID) (*models.RefreshRecord, error)

	// ConsumeRefresh atomically checks and deletes the record: absent or
	// revoked records fail with ErrRecordRevoked, expired ones with
	// ErrRecordExpired, and a hash mismatch fails with ErrHashMismatch
	// leaving the record in place. On success the record is gone and two
	// concurrent callers can never both succeed.
	ConsumeRefresh(ctx context.Context, id uuid.UUID, tokenHash string) (*models.RefreshRecord, error)

	// RevokeRefresh marks a record revoked. Revoking an absent or
	// already-revoked record is a no-op.
	RevokeRefresh(ctx context.Context, id uuid.UUID) error
	RevokeAllForSubject(ctx context.Context, subjectID uuid.UUID) (int, error)

	DeleteExpiredRefresh(ctx context.Context, now time.Time) (int, error)
	CountActiveRefresh(ctx context.Context) (int, error)
}

// KeyStore holds API keys.
type KeyStore interface {
	CreateKey(ctx context.Context, key *models.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	GetKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	ListKeys(ctx context.Context) ([]*models.APIKey, error)
	UpdateKeyPolicy(ctx context.Context, id uuid.UUID, policy models.RateLimitPolicy) error
	DeactivateKey(ctx context.Context, id uuid.UUID) error

	// RecordKeyUse bumps the cumulative counter and last-used timestamp.
	RecordKeyUse(ctx context.Context, id uuid.UUID, at time.Time) error
}

// UsageStore holds per-key usage history.
type UsageStore interface {
	AppendUsage(ctx context.Context, rec *models.UsageRecord) error
	ListUsageByKey(ctx context.Context, keyID uuid.UUID, limit int) ([]*models.UsageRecord, error)
	PruneUsage(ctx context.Context, olderThan time.Time) (int, error)

	// UsageStats aggregates usage records, scoped to one key when keyID
	// is non-nil.
	UsageStats(ctx context.Context, keyID *uuid.UUID, now time.Time) (*models.UsageStats, error)
}
