package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spotbot-io/spotbot/internal/accounts"
	"github.com/spotbot-io/spotbot/internal/bots/model"
	"github.com/spotbot-io/spotbot/internal/identity"
	"go.uber.org/zap"
)

// accountSvc is the interface expected by AuthHandler, satisfied by *accounts.Service.
type accountSvc interface {
	Register(ctx context.Context, req accounts.RegisterRequest) (*accounts.User, error)
	Login(ctx context.Context, email, password string) (*accounts.User, error)
	Profile(ctx context.Context, id uuid.UUID) (*accounts.User, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, req accounts.UpdateProfileRequest) (*accounts.User, error)
	RegenerateAPIKey(ctx context.Context, id uuid.UUID) (string, error)
}

// AuthHandler handles account registration, login, and profile routes.
type AuthHandler struct {
	accounts accountSvc
	auth     *identity.Authenticator
	tokens   *identity.SessionTokenIssuer
	logger   *zap.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(svc accountSvc, auth *identity.Authenticator, tokens *identity.SessionTokenIssuer, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{accounts: svc, auth: auth, tokens: tokens, logger: logger}
}

// Register registers auth routes on the given router group.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	auth := rg.Group("/auth")
	{
		auth.POST("/register", h.Signup)
		auth.POST("/login", h.Login)
		auth.GET("/profile", h.auth.Require(), h.Profile)
		auth.PUT("/profile", h.auth.Require(), h.UpdateProfile)
		auth.POST("/regenerate-api-key", h.auth.Require(), h.RegenerateAPIKey)
	}
}

// Signup handles POST /auth/register.
func (h *AuthHandler) Signup(c *gin.Context) {
	var req accounts.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email, password, and username are required"})
		return
	}

	u, err := h.accounts.Register(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "User with this email or username already exists"})
			return
		}
		respondError(c, h.logger, "register user", err, "")
		return
	}

	token, err := h.tokens.Issue(u.ID, u.Email, u.Role)
	if err != nil {
		h.logger.Error("issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "User registered successfully",
		"user":    u,
		"token":   token,
	})
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req accounts.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required"})
		return
	}

	u, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, accounts.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		case errors.Is(err, accounts.ErrAccountDisabled):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Account is deactivated"})
		default:
			respondError(c, h.logger, "login", err, "")
		}
		return
	}

	token, err := h.tokens.Issue(u.ID, u.Email, u.Role)
	if err != nil {
		h.logger.Error("issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Login successful",
		"user":      u,
		"token":     token,
		"expiresIn": int(h.tokens.TTL().Seconds()),
	})
}

// Profile handles GET /auth/profile.
func (h *AuthHandler) Profile(c *gin.Context) {
	p := identity.PrincipalFromCtx(c)
	u, err := h.accounts.Profile(c.Request.Context(), p.ID)
	if err != nil {
		respondError(c, h.logger, "get profile", err, "User not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// UpdateProfile handles PUT /auth/profile.
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	var req accounts.UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	p := identity.PrincipalFromCtx(c)
	u, err := h.accounts.UpdateProfile(c.Request.Context(), p.ID, req)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "Username already exists"})
			return
		}
		respondError(c, h.logger, "update profile", err, "User not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Profile updated successfully",
		"user":    u,
	})
}

// RegenerateAPIKey handles POST /auth/regenerate-api-key.
func (h *AuthHandler) RegenerateAPIKey(c *gin.Context) {
	p := identity.PrincipalFromCtx(c)
	key, err := h.accounts.RegenerateAPIKey(c.Request.Context(), p.ID)
	if err != nil {
		respondError(c, h.logger, "regenerate api key", err, "User not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "API key regenerated successfully",
		"apiKey":  key,
	})
}
