package models

import (
	"time"

	"github.com/google/uuid"
)

// Role determines the default permission set attached to a user's claims.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// User is a directory entry resolved at login. The gateway never stores
// users itself; they come from a UserLookup collaborator.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// rolePermissions is the default permission table by role.
var rolePermissions = map[Role][]string{
	RoleStudent: {
		"course:read", "course:enroll", "progress:read",
		"assessment:take", "content:view", "profile:edit",
	},
	RoleInstructor: {
		"course:read", "course:create", "course:edit",
		"content:create", "content:edit", "assessment:create",
		"student:view", "analytics:view",
	},
	RoleAdmin: {"*"},
}

// Permissions returns the permission set for the user's role.
func (u *User) Permissions() []string {
	perms, ok := rolePermissions[u.Role]
	if !ok {
		return []string{"course:read"}
	}
	return perms
}
