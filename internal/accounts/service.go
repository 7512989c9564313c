package accounts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/spotbot-io/spotbot/internal/bots/model"
	"github.com/spotbot-io/spotbot/internal/identity"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix starts every generated API key.
const APIKeyPrefix = "sb_"

const (
	bcryptCost        = 12
	minPasswordLength = 8
	minUsernameLength = 3
	passwordSpecials  = `!@#$%^&*(),.?":{}|<>`
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// userRepo is the storage interface consumed by Service.
// *UserRepository and *MemoryRepository satisfy it.
type userRepo interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByAPIKey(ctx context.Context, key string) (*User, error)
	SetAPIKey(ctx context.Context, id uuid.UUID, key string) error
	UpdateProfile(ctx context.Context, id uuid.UUID, username, organization string) error
}

// Service implements account management and satisfies identity.PrincipalResolver.
type Service struct {
	repo   userRepo
	cost   int
	logger *zap.Logger
}

// NewService creates a new Service.
func NewService(repo userRepo, logger *zap.Logger) *Service {
	return &Service{repo: repo, cost: bcryptCost, logger: logger}
}

// SetBcryptCost overrides the password hashing cost. Tests use bcrypt.MinCost.
func (s *Service) SetBcryptCost(cost int) {
	s.cost = cost
}

// NewAPIKey returns a fresh "sb_" + 32 hex character key.
func NewAPIKey() string {
	return APIKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidatePassword enforces the password policy: at least 8 characters with
// an upper-case letter, a lower-case letter, a digit, and a special character.
func ValidatePassword(pw string) error {
	var upper, lower, digit, special bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	if len(pw) < minPasswordLength || !upper || !lower || !digit || !special {
		return &model.ErrValidation{Msg: "Password must be at least 8 characters long and contain uppercase, lowercase, number, and special character"}
	}
	return nil
}

// Register creates an active user with role "user" and a fresh API key.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	email := strings.TrimSpace(req.Email)
	if !emailPattern.MatchString(email) {
		return nil, &model.ErrValidation{Msg: "Invalid email format"}
	}
	if err := ValidatePassword(req.Password); err != nil {
		return nil, err
	}
	username := strings.TrimSpace(req.Username)
	if len(username) < minUsernameLength {
		return nil, &model.ErrValidation{Msg: "Username must be at least 3 characters long"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		Email:        email,
		PasswordHash: string(hash),
		Username:     username,
		Organization: strings.TrimSpace(req.Organization),
		APIKey:       NewAPIKey(),
		Role:         identity.RoleUser,
		IsActive:     true,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, err
	}

	s.logger.Info("user registered", zap.String("user_id", u.ID.String()), zap.String("username", u.Username))
	return u, nil
}

// Login verifies email/password credentials and returns the user on success.
func (s *Service) Login(ctx context.Context, email, password string) (*User, error) {
	u, err := s.repo.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrAccountDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// Profile returns the user with the given ID.
func (s *Service) Profile(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

// UpdateProfile changes username and/or organization. A username shorter
// than three characters is rejected.
func (s *Service) UpdateProfile(ctx context.Context, id uuid.UUID, req UpdateProfileRequest) (*User, error) {
	if req.Username == nil && req.Organization == nil {
		return nil, &model.ErrValidation{Msg: "No valid fields to update"}
	}
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Username != nil {
		name := strings.TrimSpace(*req.Username)
		if len(name) < minUsernameLength {
			return nil, &model.ErrValidation{Msg: "Username must be at least 3 characters long"}
		}
		u.Username = name
	}
	if req.Organization != nil {
		u.Organization = strings.TrimSpace(*req.Organization)
	}
	if err := s.repo.UpdateProfile(ctx, id, u.Username, u.Organization); err != nil {
		return nil, err
	}
	return u, nil
}

// RegenerateAPIKey issues a new API key; the old key stops working immediately.
func (s *Service) RegenerateAPIKey(ctx context.Context, id uuid.UUID) (string, error) {
	key := NewAPIKey()
	if err := s.repo.SetAPIKey(ctx, id, key); err != nil {
		return "", err
	}
	s.logger.Info("api key regenerated", zap.String("user_id", id.String()))
	return key, nil
}

// ResolveAPIKey implements identity.PrincipalResolver.
func (s *Service) ResolveAPIKey(ctx context.Context, key string) (*identity.Principal, error) {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return nil, identity.ErrInactive
	}
	u, err := s.repo.GetByAPIKey(ctx, key)
	return s.principal(u, err)
}

// ResolveUser implements identity.PrincipalResolver.
func (s *Service) ResolveUser(ctx context.Context, id uuid.UUID) (*identity.Principal, error) {
	u, err := s.repo.GetByID(ctx, id)
	return s.principal(u, err)
}

func (s *Service) principal(u *User, err error) (*identity.Principal, error) {
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, identity.ErrInactive
		}
		return nil, err
	}
	if !u.IsActive {
		return nil, identity.ErrInactive
	}
	return u.Principal(), nil
}
