package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ebrovalley/learngate/internal/config"
	"github.com/ebrovalley/learngate/internal/store"
	"github.com/ebrovalley/learngate/pkg/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenService issues, validates and rotates token pairs. Access tokens are
// stateless HS256 JWTs; refresh tokens are JWTs whose hashed material is
// pinned to a stored single-use record.
type TokenService struct {
	store      store.RefreshStore
	users      UserLookup
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	issued    atomic.Int64
	refreshed atomic.Int64
	revoked   atomic.Int64
}

// NewTokenService wires a token service against a refresh store and the user
// directory used to re-resolve subjects on rotation.
func NewTokenService(s store.RefreshStore, users UserLookup, cfg config.AuthConfig) *TokenService {
	return &TokenService{
		store:      s,
		users:      users,
		secret:     []byte(cfg.JWTSecret),
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		now:        time.Now,
	}
}

// IssuePair mints a new access/refresh pair for the user and persists the
// refresh record.
func (t *TokenService) IssuePair(ctx context.Context, user *models.User) (*models.TokenPair, error) {
	now := t.now()

	access, err := t.signAccess(user, now)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	recordID := uuid.New()
	refresh, err := t.signRefresh(recordID, user.ID, now)
	if err != nil {
		return nil, fmt.Errorf("signing refresh token: %w", err)
	}

	rec := &models.RefreshRecord{
		ID:        recordID,
		SubjectID: user.ID,
		TokenHash: hashToken(refresh),
		ExpiresAt: now.Add(t.refreshTTL),
		CreatedAt: now,
	}
	if err := t.store.CreateRefresh(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting refresh record: %w", err)
	}

	t.issued.Add(1)
	return &models.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(t.accessTTL.Seconds()),
	}, nil
}

// ValidateAccess parses and verifies an access token, returning its claims.
func (t *TokenService) ValidateAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if claims.Type != tokenTypeAccess || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Refresh rotates a refresh token: verify the JWT, consume the stored record
// exactly once, then issue a brand-new pair. A hash mismatch leaves the
// record intact; every other failure path never mints tokens.
func (t *TokenService) Refresh(ctx context.Context, tokenString string) (*models.TokenPair, error) {
	claims := &refreshClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if claims.Type != tokenTypeRefresh {
		return nil, ErrInvalidToken
	}
	recordID, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, ErrInvalidToken
	}

	rec, err := t.store.ConsumeRefresh(ctx, recordID, hashToken(tokenString))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRecordRevoked):
			return nil, ErrTokenRevoked
		case errors.Is(err, store.ErrRecordExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, store.ErrHashMismatch):
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("consuming refresh record: %w", err)
	}

	user, err := t.users.FindByID(ctx, rec.SubjectID)
	if err != nil || !user.Active {
		return nil, ErrInvalidToken
	}

	pair, err := t.IssuePair(ctx, user)
	if err != nil {
		return nil, err
	}
	t.refreshed.Add(1)
	return pair, nil
}

// Revoke invalidates a single refresh record. Revoking an unknown record is
// a no-op so logout stays idempotent.
func (t *TokenService) Revoke(ctx context.Context, tokenString string) error {
	claims := &refreshClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		return ErrInvalidToken
	}
	recordID, err := uuid.Parse(claims.ID)
	if err != nil {
		return ErrInvalidToken
	}
	if err := t.store.RevokeRefresh(ctx, recordID); err != nil {
		return fmt.Errorf("revoking refresh record: %w", err)
	}
	t.revoked.Add(1)
	return nil
}

// RevokeAllForSubject invalidates every refresh record owned by a subject.
func (t *TokenService) RevokeAllForSubject(ctx context.Context, subjectID uuid.UUID) (int, error) {
	n, err := t.store.RevokeAllForSubject(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("revoking refresh records for subject: %w", err)
	}
	t.revoked.Add(int64(n))
	return n, nil
}

// SweepExpired drops refresh records past their expiry.
func (t *TokenService) SweepExpired(ctx context.Context) (int, error) {
	return t.store.DeleteExpiredRefresh(ctx, t.now())
}

// StartSweeper runs the expiry sweep on a ticker until ctx is cancelled.
func (t *TokenService) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := t.SweepExpired(ctx)
			if err != nil {
				slog.Error("refresh token sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("swept expired refresh tokens", "count", n)
			}
		}
	}
}

// Stats reports the issuance counters plus the live refresh-record count.
func (t *TokenService) Stats(ctx context.Context) (*models.TokenStats, error) {
	active, err := t.store.CountActiveRefresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting active refresh records: %w", err)
	}
	return &models.TokenStats{
		Issued:        t.issued.Load(),
		Refreshed:     t.refreshed.Load(),
		Revoked:       t.revoked.Load(),
		ActiveRefresh: active,
	}, nil
}

func (t *TokenService) keyFunc(token *jwt.Token) (interface{}, error) {
	return t.secret, nil
}

func (t *TokenService) signAccess(user *models.User, now time.Time) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
		},
		Username:    user.Username,
		Email:       user.Email,
		Role:        user.Role,
		Permissions: user.Permissions(),
		Type:        tokenTypeAccess,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *TokenService) signRefresh(recordID, subjectID uuid.UUID, now time.Time) (string, error) {
	claims := refreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        recordID.String(),
			Subject:   subjectID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.refreshTTL)),
		},
		Type: tokenTypeRefresh,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// hashToken hashes signed token material for storage. Only the digest is
// ever persisted.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
