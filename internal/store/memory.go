package store

import (
	"context"
	"crypto/subtle"
	"sort"
	"sync"
	"time"

	"github.com/ebrovalley/learngate/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore implements Store with process-wide maps. One mutex guards each
// logical store, so concurrently in-flight requests see consistent state.
type MemoryStore struct {
	refreshMu sync.RWMutex
	refresh   map[uuid.UUID]*models.RefreshRecord

	keyMu      sync.RWMutex
	keys       map[uuid.UUID]*models.APIKey
	keysByHash map[string]uuid.UUID

	usageMu sync.RWMutex
	usage   []*models.UsageRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		refresh:    make(map[uuid.UUID]*models.RefreshRecord),
		keys:       make(map[uuid.UUID]*models.APIKey),
		keysByHash: make(map[string]uuid.UUID),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// --- Refresh records ---

func (s *MemoryStore) CreateRefresh(_ context.Context, rec *models.RefreshRecord) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if _, exists := s.refresh[rec.ID]; exists {
		return ErrDuplicateKey
	}
	cp := *rec
	s.refresh[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRefresh(_ context.Context, id uuid.UUID) (*models.RefreshRecord, error) {
	s.refreshMu.RLock()
	defer s.refreshMu.RUnlock()

	rec, ok := s.refresh[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ConsumeRefresh performs the rotation-critical read-check-delete under a
// single critical section per store, so two concurrent refresh calls with the
// same stale token can never both succeed.
func (s *MemoryStore) ConsumeRefresh(_ context.Context, id uuid.UUID, tokenHash string) (*models.RefreshRecord, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	rec, ok := s.refresh[id]
	if !ok || rec.Revoked {
		return nil, ErrRecordRevoked
	}
	if rec.Expired(time.Now().UTC()) {
		return nil, ErrRecordExpired
	}
	if subtle.ConstantTimeCompare([]byte(rec.TokenHash), []byte(tokenHash)) != 1 {
		return nil, ErrHashMismatch
	}

	delete(s.refresh, id)
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) RevokeRefresh(_ context.Context, id uuid.UUID) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if rec, ok := s.refresh[id]; ok {
		rec.Revoked = true
	}
	return nil
}

func (s *MemoryStore) RevokeAllForSubject(_ context.Context, subjectID uuid.UUID) (int, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	n := 0
	for _, rec := range s.refresh {
		if rec.SubjectID == subjectID && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteExpiredRefresh(_ context.Context, now time.Time) (int, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	n := 0
	for id, rec := range s.refresh {
		if rec.Expired(now) {
			delete(s.refresh, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountActiveRefresh(_ context.Context) (int, error) {
	s.refreshMu.RLock()
	defer s.refreshMu.RUnlock()

	n := 0
	now := time.Now().UTC()
	for _, rec := range s.refresh {
		if !rec.Revoked && !rec.Expired(now) {
			n++
		}
	}
	return n, nil
}

// --- API keys ---

func (s *MemoryStore) CreateKey(_ context.Context, key *models.APIKey) error {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	if _, exists := s.keys[key.ID]; exists {
		return ErrDuplicateKey
	}
	if _, exists := s.keysByHash[key.KeyHash]; exists {
		return ErrDuplicateKey
	}
	cp := cloneKey(key)
	s.keys[key.ID] = cp
	s.keysByHash[key.KeyHash] = key.ID
	return nil
}

func (s *MemoryStore) GetKeyByHash(_ context.Context, hash string) (*models.APIKey, error) {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()

	id, ok := s.keysByHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneKey(s.keys[id]), nil
}

func (s *MemoryStore) GetKey(_ context.Context, id uuid.UUID) (*models.APIKey, error) {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()

	key, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneKey(key), nil
}

func (s *MemoryStore) ListKeys(_ context.Context) ([]*models.APIKey, error) {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()

	keys := make([]*models.APIKey, 0, len(s.keys))
	for _, key := range s.keys {
		keys = append(keys, cloneKey(key))
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *MemoryStore) UpdateKeyPolicy(_ context.Context, id uuid.UUID, policy models.RateLimitPolicy) error {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	key, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	key.RateLimit = policy
	key.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeactivateKey(_ context.Context, id uuid.UUID) error {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	key, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	key.Active = false
	key.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecordKeyUse(_ context.Context, id uuid.UUID, at time.Time) error {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	key, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	key.UsageCount++
	key.LastUsedAt = &at
	return nil
}

// --- Usage records ---

func (s *MemoryStore) AppendUsage(_ context.Context, rec *models.UsageRecord) error {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()

	cp := *rec
	s.usage = append(s.usage, &cp)
	return nil
}

func (s *MemoryStore) ListUsageByKey(_ context.Context, keyID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	s.usageMu.RLock()
	defer s.usageMu.RUnlock()

	var out []*models.UsageRecord
	// Newest first.
	for i := len(s.usage) - 1; i >= 0; i-- {
		if s.usage[i].KeyID != keyID {
			continue
		}
		cp := *s.usage[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) PruneUsage(_ context.Context, olderThan time.Time) (int, error) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()

	kept := s.usage[:0]
	pruned := 0
	for _, rec := range s.usage {
		if rec.Timestamp.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, rec)
	}
	s.usage = kept
	return pruned, nil
}

func (s *MemoryStore) UsageStats(_ context.Context, keyID *uuid.UUID, now time.Time) (*models.UsageStats, error) {
	s.usageMu.RLock()
	defer s.usageMu.RUnlock()

	var stats models.UsageStats
	var totalLatency int64
	var errored int64

	dayAgo := now.Add(-24 * time.Hour)
	hourAgo := now.Add(-time.Hour)

	for _, rec := range s.usage {
		if keyID != nil && rec.KeyID != *keyID {
			continue
		}
		stats.Total++
		totalLatency += rec.LatencyMs
		if rec.Status >= 400 {
			errored++
		}
		if !rec.Timestamp.Before(dayAgo) {
			stats.Last24h++
		}
		if !rec.Timestamp.Before(hourAgo) {
			stats.LastHour++
		}
	}

	if stats.Total > 0 {
		stats.AvgLatencyMs = float64(totalLatency) / float64(stats.Total)
		stats.ErrorRate = float64(errored) / float64(stats.Total)
	}
	return &stats, nil
}

func cloneKey(k *models.APIKey) *models.APIKey {
	cp := *k
	cp.Permissions = append([]string(nil), k.Permissions...)
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
