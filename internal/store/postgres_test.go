package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/ebrovalley/learngate/internal/store"
	"github.com/ebrovalley/learngate/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("learngate_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func TestPostgresRefreshLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	rec := &models.RefreshRecord{
		ID:        uuid.New(),
		SubjectID: uuid.New(),
		TokenHash: "hash-one",
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRefresh(ctx, rec))
	assert.ErrorIs(t, s.CreateRefresh(ctx, rec), store.ErrDuplicateKey)

	got, err := s.GetRefresh(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.SubjectID, got.SubjectID)

	// Mismatched hash leaves the record consumable.
	_, err = s.ConsumeRefresh(ctx, rec.ID, "wrong")
	assert.ErrorIs(t, err, store.ErrHashMismatch)

	consumed, err := s.ConsumeRefresh(ctx, rec.ID, "hash-one")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, consumed.ID)

	_, err = s.ConsumeRefresh(ctx, rec.ID, "hash-one")
	assert.ErrorIs(t, err, store.ErrRecordRevoked)
}

func TestPostgresRevocationAndSweep(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	subject := uuid.New()

	mk := func(expiresAt time.Time) *models.RefreshRecord {
		rec := &models.RefreshRecord{
			ID:        uuid.New(),
			SubjectID: subject,
			TokenHash: uuid.NewString(),
			ExpiresAt: expiresAt,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.CreateRefresh(ctx, rec))
		return rec
	}

	live := mk(time.Now().Add(time.Hour).UTC())
	mk(time.Now().Add(time.Hour).UTC())
	expired := mk(time.Now().Add(-time.Hour).UTC())

	_, err := s.ConsumeRefresh(ctx, expired.ID, expired.TokenHash)
	assert.ErrorIs(t, err, store.ErrRecordExpired)

	require.NoError(t, s.RevokeRefresh(ctx, live.ID))
	_, err = s.ConsumeRefresh(ctx, live.ID, live.TokenHash)
	assert.ErrorIs(t, err, store.ErrRecordRevoked)

	// Revoking an unknown id is a no-op.
	assert.NoError(t, s.RevokeRefresh(ctx, uuid.New()))

	n, err := s.RevokeAllForSubject(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	swept, err := s.DeleteExpiredRefresh(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	active, err := s.CountActiveRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, active)
}

func TestPostgresAPIKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	key := &models.APIKey{
		ID:          uuid.New(),
		Name:        "grading-svc",
		KeyHash:     "feedface01",
		KeyPrefix:   "alk_feed",
		Permissions: []string{"assessment:create", "course:read"},
		RateLimit:   models.RateLimitPolicy{Limit: 100, Window: time.Hour},
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.CreateKey(ctx, key))

	dup := *key
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.CreateKey(ctx, &dup), store.ErrDuplicateKey)

	got, err := s.GetKeyByHash(ctx, "feedface01")
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, key.Permissions, got.Permissions)
	assert.Equal(t, key.RateLimit, got.RateLimit)

	next := models.RateLimitPolicy{Limit: 5, Window: time.Minute}
	require.NoError(t, s.UpdateKeyPolicy(ctx, key.ID, next))
	got, err = s.GetKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, next, got.RateLimit)

	at := now.Add(time.Minute)
	require.NoError(t, s.RecordKeyUse(ctx, key.ID, at))
	got, err = s.GetKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UsageCount)
	require.NotNil(t, got.LastUsedAt)

	require.NoError(t, s.DeactivateKey(ctx, key.ID))
	got, err = s.GetKey(ctx, key.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	assert.ErrorIs(t, s.DeactivateKey(ctx, uuid.New()), store.ErrNotFound)

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestPostgresUsage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	keyID := uuid.New()
	now := time.Now().UTC()

	for i, rec := range []*models.UsageRecord{
		{KeyID: keyID, Endpoint: "/courses", Method: "GET", Timestamp: now.Add(-time.Minute), IP: "203.0.113.1", Status: 200, LatencyMs: 12},
		{KeyID: keyID, Endpoint: "/courses", Method: "GET", Timestamp: now.Add(-2 * time.Hour), IP: "203.0.113.1", Status: 500, LatencyMs: 40},
		{KeyID: keyID, Endpoint: "/courses", Method: "GET", Timestamp: now.Add(-30 * time.Hour), IP: "203.0.113.1", Status: 200, LatencyMs: 20},
	} {
		require.NoError(t, s.AppendUsage(ctx, rec), "record %d", i)
	}

	recs, err := s.ListUsageByKey(ctx, keyID, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 200, recs[0].Status)

	stats, err := s.UsageStats(ctx, &keyID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Last24h)
	assert.Equal(t, int64(1), stats.LastHour)
	assert.InDelta(t, 24.0, stats.AvgLatencyMs, 1e-6)
	assert.InDelta(t, 1.0/3.0, stats.ErrorRate, 1e-6)

	n, err := s.PruneUsage(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
