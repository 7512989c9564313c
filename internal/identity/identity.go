// Package identity authenticates SpotBot callers.
//
// It provides:
//   - Principal          — the authenticated caller (ID + Role)
//   - SessionTokenIssuer — issues and verifies HS256 session JWTs
//   - Authenticator      — Gin middleware resolving API keys and Bearer tokens
package identity

import "github.com/google/uuid"

// Role gates privileged endpoints.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModerator, RoleAdmin:
		return true
	}
	return false
}

// Principal is an authenticated caller.
type Principal struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}
