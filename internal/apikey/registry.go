// Package apikey manages the lifecycle of service API keys: creation,
// validation, per-key quotas and usage accounting.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ebrovalley/learngate/internal/ratelimit"
	"github.com/ebrovalley/learngate/internal/store"
	"github.com/ebrovalley/learngate/pkg/models"
	"github.com/google/uuid"
)

// Raw keys look like "alk_<43 base64url chars>". The prefix survives in
// listings so operators can tell keys apart without ever seeing the secret.
const (
	keyScheme    = "alk_"
	keyRandBytes = 32
	prefixLen    = 8
)

var (
	ErrInvalidKey  = errors.New("invalid api key")
	ErrKeyDisabled = errors.New("api key disabled")
	ErrKeyExpired  = errors.New("api key expired")
)

// DefaultPolicy applies to keys created without an explicit quota.
var DefaultPolicy = models.RateLimitPolicy{Limit: 100, Window: time.Hour}

// Registry is the API key service. It owns hashing, so raw key material
// never crosses into the store layer.
type Registry struct {
	store   store.Store
	limiter ratelimit.Limiter
	now     func() time.Time
}

// NewRegistry wires the registry against its store and the per-key limiter.
func NewRegistry(s store.Store, limiter ratelimit.Limiter) *Registry {
	return &Registry{store: s, limiter: limiter, now: time.Now}
}

// Create mints a new key. The returned raw key is shown exactly once; only
// its hash and display prefix are stored.
func (r *Registry) Create(ctx context.Context, name string, permissions []string, policy *models.RateLimitPolicy, expiresIn *time.Duration) (*models.APIKey, string, error) {
	raw, err := generateRawKey()
	if err != nil {
		return nil, "", fmt.Errorf("generating key material: %w", err)
	}

	now := r.now().UTC()
	key := &models.APIKey{
		ID:          uuid.New(),
		Name:        name,
		KeyHash:     HashKey(raw),
		KeyPrefix:   raw[:prefixLen],
		Permissions: append([]string(nil), permissions...),
		RateLimit:   DefaultPolicy,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if policy != nil {
		key.RateLimit = *policy
	}
	if expiresIn != nil {
		exp := now.Add(*expiresIn)
		key.ExpiresAt = &exp
	}

	if err := r.store.CreateKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("persisting api key: %w", err)
	}
	slog.Info("api key created", "key_id", key.ID, "name", name, "prefix", key.KeyPrefix)
	return key, raw, nil
}

// Validate resolves a raw key to its active record. Unknown material,
// disabled keys and expired keys are distinguished for logs only; callers
// collapse all three into one opaque client response.
func (r *Registry) Validate(ctx context.Context, raw string) (*models.APIKey, error) {
	if len(raw) < prefixLen || raw[:len(keyScheme)] != keyScheme {
		return nil, ErrInvalidKey
	}

	key, err := r.store.GetKeyByHash(ctx, HashKey(raw))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	if !key.Active {
		return nil, ErrKeyDisabled
	}
	if key.ExpiredAt(r.now()) {
		return nil, ErrKeyExpired
	}
	return key, nil
}

// CheckQuota consults the limiter with the key's own policy. The identity is
// the key ID, so a key is throttled uniformly no matter where calls come from.
func (r *Registry) CheckQuota(ctx context.Context, key *models.APIKey) (ratelimit.Decision, error) {
	return r.limiter.Allow(ctx, "key:"+key.ID.String(), key.RateLimit)
}

// RecordUsage appends a usage record and bumps the key's counters. Usage
// accounting must never fail the request, so errors are logged and dropped.
func (r *Registry) RecordUsage(ctx context.Context, rec *models.UsageRecord) {
	if err := r.store.AppendUsage(ctx, rec); err != nil {
		slog.Error("appending usage record", "key_id", rec.KeyID, "error", err)
	}
	if err := r.store.RecordKeyUse(ctx, rec.KeyID, rec.Timestamp); err != nil {
		slog.Error("recording key use", "key_id", rec.KeyID, "error", err)
	}
}

// Get returns one key by ID.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	return r.store.GetKey(ctx, id)
}

// List returns all keys, newest first.
func (r *Registry) List(ctx context.Context) ([]*models.APIKey, error) {
	return r.store.ListKeys(ctx)
}

// Usage returns the recent request history for one key.
func (r *Registry) Usage(ctx context.Context, id uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	if _, err := r.store.GetKey(ctx, id); err != nil {
		return nil, err
	}
	return r.store.ListUsageByKey(ctx, id, limit)
}

// Stats aggregates usage for one key, or across all keys when id is nil.
func (r *Registry) Stats(ctx context.Context, id *uuid.UUID) (*models.UsageStats, error) {
	if id != nil {
		if _, err := r.store.GetKey(ctx, *id); err != nil {
			return nil, err
		}
	}
	return r.store.UsageStats(ctx, id, r.now())
}

// UpdatePolicy replaces a key's quota.
func (r *Registry) UpdatePolicy(ctx context.Context, id uuid.UUID, policy models.RateLimitPolicy) error {
	if policy.Limit <= 0 || policy.Window <= 0 {
		return fmt.Errorf("quota must have positive limit and window")
	}
	if err := r.store.UpdateKeyPolicy(ctx, id, policy); err != nil {
		return err
	}
	slog.Info("api key quota updated", "key_id", id, "limit", policy.Limit, "window", policy.Window)
	return nil
}

// Deactivate disables a key. The record and its usage history are kept.
func (r *Registry) Deactivate(ctx context.Context, id uuid.UUID) error {
	if err := r.store.DeactivateKey(ctx, id); err != nil {
		return err
	}
	slog.Info("api key deactivated", "key_id", id)
	return nil
}

// PruneUsage drops usage records older than the retention horizon.
func (r *Registry) PruneUsage(ctx context.Context, retention time.Duration) (int, error) {
	return r.store.PruneUsage(ctx, r.now().Add(-retention))
}

// StartRetentionSweeper prunes usage history on a ticker until ctx is
// cancelled.
func (r *Registry) StartRetentionSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.PruneUsage(ctx, retention)
			if err != nil {
				slog.Error("usage retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("pruned usage records", "count", n)
			}
		}
	}
}

// HashKey hashes raw key material for storage and lookup.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func generateRawKey() (string, error) {
	buf := make([]byte, keyRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return keyScheme + base64.RawURLEncoding.EncodeToString(buf), nil
}
