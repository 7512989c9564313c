// Package accounts manages SpotBot user accounts: registration, password
// login, API keys, and principal resolution for the identity middleware.
package accounts

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/spotbot-io/spotbot/internal/identity"
)

var (
	// ErrInvalidCredentials is returned by Login for an unknown email or wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrAccountDisabled is returned by Login for a deactivated account.
	ErrAccountDisabled = errors.New("account is deactivated")
)

// User is a SpotBot account holder. Reports submitted with the user's API key
// are attributed to ID.
type User struct {
	ID           uuid.UUID     `json:"id"`
	Email        string        `json:"email"`
	PasswordHash string        `json:"-"`
	Username     string        `json:"username"`
	Organization string        `json:"organization,omitempty"`
	APIKey       string        `json:"apiKey"`
	Role         identity.Role `json:"role"`
	IsActive     bool          `json:"isActive"`
	IsVerified   bool          `json:"isVerified"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Principal returns the identity view of u.
func (u *User) Principal() *identity.Principal {
	return &identity.Principal{ID: u.ID, Role: u.Role}
}

// RegisterRequest is the payload for POST /auth/register.
type RegisterRequest struct {
	Email        string `json:"email"        binding:"required"`
	Password     string `json:"password"     binding:"required"`
	Username     string `json:"username"     binding:"required"`
	Organization string `json:"organization"`
}

// LoginRequest is the payload for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"    binding:"required"`
	Password string `json:"password" binding:"required"`
}

// UpdateProfileRequest is the payload for PUT /auth/profile. Nil fields are
// left unchanged.
type UpdateProfileRequest struct {
	Username     *string `json:"username"`
	Organization *string `json:"organization"`
}
