package identity

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ctxPrincipal = "spotbot_principal"

	// APIKeyHeader carries a reporter's API key.
	APIKeyHeader = "X-API-Key"
)

// ErrInactive is returned by a PrincipalResolver for unknown or disabled accounts.
var ErrInactive = errors.New("invalid or inactive account")

// PrincipalResolver maps credentials to principals. Both methods return
// ErrInactive when the account does not exist or is disabled.
// *accounts.Service satisfies this interface.
type PrincipalResolver interface {
	ResolveAPIKey(ctx context.Context, key string) (*Principal, error)
	ResolveUser(ctx context.Context, id uuid.UUID) (*Principal, error)
}

// Authenticator builds Gin middleware that resolves the caller from an
// X-API-Key header or an Authorization: Bearer session token.
type Authenticator struct {
	resolver PrincipalResolver
	tokens   *SessionTokenIssuer
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(resolver PrincipalResolver, tokens *SessionTokenIssuer) *Authenticator {
	return &Authenticator{resolver: resolver, tokens: tokens}
}

// authFailure is a rejected credential with the status and message to return.
type authFailure struct {
	status int
	msg    string
}

// authenticate returns (nil, nil) when no credential is presented.
func (a *Authenticator) authenticate(c *gin.Context) (*Principal, *authFailure) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return nil, &authFailure{http.StatusUnauthorized, "Bearer token required"}
		}
		claims, err := a.tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			return nil, &authFailure{http.StatusForbidden, "Invalid or expired token"}
		}
		id, _ := uuid.Parse(claims.UserID)
		p, err := a.resolver.ResolveUser(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, ErrInactive) {
				return nil, &authFailure{http.StatusUnauthorized, "Invalid or inactive user"}
			}
			return nil, &authFailure{http.StatusServiceUnavailable, "Authentication error"}
		}
		return p, nil
	}

	if key := c.GetHeader(APIKeyHeader); key != "" {
		p, err := a.resolver.ResolveAPIKey(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, ErrInactive) {
				return nil, &authFailure{http.StatusUnauthorized, "Invalid or inactive API key"}
			}
			return nil, &authFailure{http.StatusServiceUnavailable, "Authentication error"}
		}
		return p, nil
	}

	return nil, nil
}

// Require returns middleware that rejects requests without a valid credential.
//
// On success it injects the *Principal into the context under the
// "spotbot_principal" key.
func (a *Authenticator) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, fail := a.authenticate(c)
		if fail != nil {
			c.AbortWithStatusJSON(fail.status, gin.H{"error": fail.msg})
			return
		}
		if p == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key or access token required"})
			return
		}
		c.Set(ctxPrincipal, p)
		c.Next()
	}
}

// Optional returns middleware that resolves a credential when one is
// presented. Unlike Require, it never aborts.
func (a *Authenticator) Optional() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p, fail := a.authenticate(c); fail == nil && p != nil {
			c.Set(ctxPrincipal, p)
		}
		c.Next()
	}
}

// RequireRole returns middleware that admits only principals holding one of
// roles. It must run after Require.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := PrincipalFromCtx(c)
		if p == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		if !slices.Contains(roles, p.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			return
		}
		c.Next()
	}
}

// PrincipalFromCtx retrieves the principal injected by Require or Optional.
func PrincipalFromCtx(c *gin.Context) *Principal {
	v, _ := c.Get(ctxPrincipal)
	p, _ := v.(*Principal)
	return p
}
