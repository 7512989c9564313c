package accounts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spotbot-io/spotbot/internal/bots/model"
	"github.com/spotbot-io/spotbot/internal/identity"
)

// MemoryRepository is an in-memory, thread-safe user store with the same
// uniqueness rules as the users table (email, username, api_key).
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*User
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[uuid.UUID]*User)}
}

// Create implements the user store.
func (r *MemoryRepository) Create(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.Email == u.Email || existing.Username == u.Username || existing.APIKey == u.APIKey {
			return model.ErrConflict
		}
	}
	u.ID = uuid.New()
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	r.byID[u.ID] = &cp
	return nil
}

// GetByID implements the user store.
func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetByEmail implements the user store.
func (r *MemoryRepository) GetByEmail(_ context.Context, email string) (*User, error) {
	return r.find(func(u *User) bool { return u.Email == email })
}

// GetByAPIKey implements the user store.
func (r *MemoryRepository) GetByAPIKey(_ context.Context, key string) (*User, error) {
	return r.find(func(u *User) bool { return u.APIKey == key })
}

// SetAPIKey implements the user store.
func (r *MemoryRepository) SetAPIKey(_ context.Context, id uuid.UUID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return model.ErrNotFound
	}
	u.APIKey = key
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateProfile implements the user store.
func (r *MemoryRepository) UpdateProfile(_ context.Context, id uuid.UUID, username, organization string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return model.ErrNotFound
	}
	for otherID, other := range r.byID {
		if otherID != id && other.Username == username {
			return model.ErrConflict
		}
	}
	u.Username = username
	u.Organization = organization
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// SetActive enables or disables an account.
func (r *MemoryRepository) SetActive(id uuid.UUID, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[id]; ok {
		u.IsActive = active
	}
}

// SetRole changes an account's role.
func (r *MemoryRepository) SetRole(id uuid.UUID, role identity.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[id]; ok {
		u.Role = role
	}
}

func (r *MemoryRepository) find(match func(*User) bool) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.byID {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}
