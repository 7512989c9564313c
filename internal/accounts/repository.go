package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spotbot-io/spotbot/internal/bots/model"
)

const userColumns = `id, email, password_hash, username, COALESCE(organization, ''), api_key,
	role, is_active, is_verified, created_at, updated_at`

// UserRepository provides CRUD operations for users against PostgreSQL.
type UserRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a new user record. Sets ID, CreatedAt, UpdatedAt on the user.
func (r *UserRepository) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	var org *string
	if u.Organization != "" {
		org = &u.Organization
	}

	q := `
		INSERT INTO users (id, email, password_hash, username, organization, api_key,
		                   role, is_active, is_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.Exec(ctx, q,
		u.ID, u.Email, u.PasswordHash, u.Username, org, u.APIKey,
		u.Role, u.IsActive, u.IsVerified, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrConflict
		}
		return model.Infra("create user", err)
	}
	return nil
}

// GetByID retrieves a user by their internal UUID.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.scanOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmail retrieves a user by email address.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.scanOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// GetByAPIKey retrieves a user by API key.
func (r *UserRepository) GetByAPIKey(ctx context.Context, key string) (*User, error) {
	return r.scanOne(ctx, `SELECT `+userColumns+` FROM users WHERE api_key = $1`, key)
}

// SetAPIKey replaces a user's API key.
func (r *UserRepository) SetAPIKey(ctx context.Context, id uuid.UUID, key string) error {
	q := `UPDATE users SET api_key = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.db.Exec(ctx, q, id, key, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrConflict
		}
		return model.Infra("set api key", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// UpdateProfile sets username and organization.
func (r *UserRepository) UpdateProfile(ctx context.Context, id uuid.UUID, username, organization string) error {
	var org *string
	if organization != "" {
		org = &organization
	}
	q := `UPDATE users SET username = $2, organization = $3, updated_at = $4 WHERE id = $1`
	tag, err := r.db.Exec(ctx, q, id, username, org, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrConflict
		}
		return model.Infra("update profile", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// scanOne executes a query returning a single user row.
func (r *UserRepository) scanOne(ctx context.Context, query string, args ...any) (*User, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, model.Infra("query user", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, model.Infra("query user", err)
		}
		return nil, model.ErrNotFound
	}

	var u User
	if err := rows.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Username, &u.Organization, &u.APIKey,
		&u.Role, &u.IsActive, &u.IsVerified, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
