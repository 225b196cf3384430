package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/ebrovalley/learngate/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Refresh records ---

func (s *PostgresStore) CreateRefresh(ctx context.Context, rec *models.RefreshRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO refresh_tokens (id, subject_id, token_hash, expires_at, revoked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.SubjectID, rec.TokenHash, rec.ExpiresAt, rec.Revoked, rec.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create refresh record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRefresh(ctx context.Context, id uuid.UUID) (*models.RefreshRecord, error) {
	var rec models.RefreshRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, subject_id, token_hash, expires_at, revoked, created_at
		 FROM refresh_tokens WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.SubjectID, &rec.TokenHash, &rec.ExpiresAt, &rec.Revoked, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh record: %w", err)
	}
	return &rec, nil
}

// ConsumeRefresh serializes concurrent consumers of the same record with a
// row lock: check, then delete, in one transaction.
func (s *PostgresStore) ConsumeRefresh(ctx context.Context, id uuid.UUID, tokenHash string) (*models.RefreshRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin consume: %w", err)
	}
	defer tx.Rollback(ctx)

	var rec models.RefreshRecord
	err = tx.QueryRow(ctx,
		`SELECT id, subject_id, token_hash, expires_at, revoked, created_at
		 FROM refresh_tokens WHERE id = $1 FOR UPDATE`, id,
	).Scan(&rec.ID, &rec.SubjectID, &rec.TokenHash, &rec.ExpiresAt, &rec.Revoked, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("lock refresh record: %w", err)
	}

	if rec.Revoked {
		return nil, ErrRecordRevoked
	}
	if rec.Expired(time.Now().UTC()) {
		return nil, ErrRecordExpired
	}
	if subtle.ConstantTimeCompare([]byte(rec.TokenHash), []byte(tokenHash)) != 1 {
		return nil, ErrHashMismatch
	}

	if _, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete refresh record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) RevokeRefresh(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke refresh record: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAllForSubject(ctx context.Context, subjectID uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE subject_id = $1 AND NOT revoked`, subjectID)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh records for subject: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteExpiredRefresh(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountActiveRefresh(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM refresh_tokens WHERE NOT revoked AND expires_at >= NOW()`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active refresh records: %w", err)
	}
	return n, nil
}

// --- API keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, permissions, rate_limit, rate_window_ms,
	usage_count, last_used_at, active, expires_at, created_at, updated_at`

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	var windowMs int64
	err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Permissions,
		&k.RateLimit.Limit, &windowMs, &k.UsageCount, &k.LastUsedAt,
		&k.Active, &k.ExpiresAt, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	k.RateLimit.Window = time.Duration(windowMs) * time.Millisecond
	return &k, nil
}

func (s *PostgresStore) CreateKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, permissions, rate_limit, rate_window_ms,
		   usage_count, active, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Permissions,
		key.RateLimit.Limit, key.RateLimit.Window.Milliseconds(),
		key.UsageCount, key.Active, key.ExpiresAt, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	key, err := scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) GetKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	key, err := scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) ListKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateKeyPolicy(ctx context.Context, id uuid.UUID, policy models.RateLimitPolicy) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET rate_limit = $2, rate_window_ms = $3, updated_at = NOW() WHERE id = $1`,
		id, policy.Limit, policy.Window.Milliseconds())
	if err != nil {
		return fmt.Errorf("update api key policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeactivateKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordKeyUse(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("record api key use: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Usage records ---

func (s *PostgresStore) AppendUsage(ctx context.Context, rec *models.UsageRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (key_id, endpoint, method, ts, ip, user_agent, status, latency_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.KeyID, rec.Endpoint, rec.Method, rec.Timestamp, rec.IP, rec.UserAgent, rec.Status, rec.LatencyMs)
	if err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsageByKey(ctx context.Context, keyID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT key_id, endpoint, method, ts, ip, user_agent, status, latency_ms
		 FROM usage_records WHERE key_id = $1 ORDER BY ts DESC LIMIT $2`, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	defer rows.Close()

	var recs []*models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.KeyID, &r.Endpoint, &r.Method, &r.Timestamp,
			&r.IP, &r.UserAgent, &r.Status, &r.LatencyMs); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) PruneUsage(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM usage_records WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune usage records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) UsageStats(ctx context.Context, keyID *uuid.UUID, now time.Time) (*models.UsageStats, error) {
	query := `SELECT COUNT(*),
		COUNT(*) FILTER (WHERE ts >= $1),
		COUNT(*) FILTER (WHERE ts >= $2),
		COALESCE(AVG(latency_ms), 0),
		COALESCE(AVG(CASE WHEN status >= 400 THEN 1.0 ELSE 0.0 END), 0)
	 FROM usage_records`
	args := []any{now.Add(-24 * time.Hour), now.Add(-time.Hour)}
	if keyID != nil {
		query += ` WHERE key_id = $3`
		args = append(args, *keyID)
	}

	var stats models.UsageStats
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&stats.Total, &stats.Last24h, &stats.LastHour, &stats.AvgLatencyMs, &stats.ErrorRate)
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}
	return &stats, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
