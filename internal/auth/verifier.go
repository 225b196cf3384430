package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/ebrovalley/learngate/internal/store"
	"github.com/ebrovalley/learngate/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// UserLookup resolves directory entries. The gateway treats the user
// directory as an external collaborator; the bundled in-memory directory
// exists for local deployments and tests.
type UserLookup interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// dummyHash absorbs a bcrypt comparison when the username is unknown so the
// response time does not reveal which usernames exist.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("learngate-dummy-password"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("generating dummy bcrypt hash: %v", err))
	}
	return h
}()

// Verifier checks username/password credentials against the directory.
type Verifier struct {
	users UserLookup
}

// NewVerifier creates a credential verifier backed by the given directory.
func NewVerifier(users UserLookup) *Verifier {
	return &Verifier{users: users}
}

// Verify returns the user when the credentials match an active account and
// ErrInvalidCredentials otherwise. Unknown usernames still pay for one
// bcrypt comparison.
func (v *Verifier) Verify(ctx context.Context, username, password string) (*models.User, error) {
	user, err := v.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
