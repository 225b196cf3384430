package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebrovalley/learngate/internal/store"
	"github.com/ebrovalley/learngate/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MemoryDirectory is an in-process UserLookup. Safe for concurrent use.
type MemoryDirectory struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*models.User
	byUsername map[string]*models.User
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:       make(map[uuid.UUID]*models.User),
		byUsername: make(map[string]*models.User),
	}
}

// NewDemoDirectory creates a directory pre-seeded with one account per role
// for local development.
func NewDemoDirectory() (*MemoryDirectory, error) {
	d := NewMemoryDirectory()
	seed := []struct {
		username string
		email    string
		password string
		role     models.Role
	}{
		{"admin", "admin@ebrovalley.digital", "admin-dev-password", models.RoleAdmin},
		{"instructor", "instructor@ebrovalley.digital", "instructor-dev-password", models.RoleInstructor},
		{"student", "student@ebrovalley.digital", "student-dev-password", models.RoleStudent},
	}
	for _, s := range seed {
		hash, err := bcrypt.GenerateFromPassword([]byte(s.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing seed password for %s: %w", s.username, err)
		}
		d.Add(&models.User{
			ID:           uuid.New(),
			Username:     s.username,
			Email:        s.email,
			PasswordHash: string(hash),
			Role:         s.role,
			Active:       true,
			CreatedAt:    time.Now(),
		})
	}
	return d, nil
}

// Add inserts or replaces a user.
func (d *MemoryDirectory) Add(user *models.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := *user
	d.byID[u.ID] = &u
	d.byUsername[u.Username] = &u
}

func (d *MemoryDirectory) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.byUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	u := *user
	return &u, nil
}

func (d *MemoryDirectory) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	u := *user
	return &u, nil
}
