package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionIssuer = "spotbot"

// SessionClaims are the JWT claims for a SpotBot session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	Role   Role   `json:"role"`
}

// SessionTokenIssuer issues and verifies session JWTs signed with a shared secret.
type SessionTokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionTokenIssuer creates a SessionTokenIssuer.
//
//	secret — HMAC key; must not be empty.
//	ttl    — token lifetime (default: 24 hours).
func NewSessionTokenIssuer(secret string, ttl time.Duration) (*SessionTokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("session token secret is empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionTokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL returns the lifetime of issued tokens.
func (s *SessionTokenIssuer) TTL() time.Duration { return s.ttl }

// Issue creates a signed session token for a user.
func (s *SessionTokenIssuer) Issue(userID uuid.UUID, email string, role Role) (string, error) {
	now := s.now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.New().String(),
		},
		UserID: userID.String(),
		Email:  email,
		Role:   role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token, returning its claims.
func (s *SessionTokenIssuer) Verify(tokenStr string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&SessionClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify session token: %w", err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid session token claims")
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, fmt.Errorf("invalid user id in session token: %w", err)
	}
	return claims, nil
}
