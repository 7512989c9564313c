// Package handler exposes the SpotBot HTTP API over gin.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spotbot-io/spotbot/internal/bots/model"
	"go.uber.org/zap"
)

// statusClientClosedRequest is nginx's status for a caller that disconnected
// before the response was written.
const statusClientClosedRequest = 499

// respondError maps a service error to its HTTP status. Validation messages
// are returned verbatim; infrastructure failures are reported as retryable.
func respondError(c *gin.Context, logger *zap.Logger, op string, err error, notFoundMsg string) {
	var valErr *model.ErrValidation
	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Msg})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundMsg})
	case errors.Is(err, model.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "resource already exists"})
	case errors.Is(err, context.Canceled):
		logger.Debug(op+": client closed request", zap.Error(err))
		c.AbortWithStatus(statusClientClosedRequest)
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn(op+": deadline exceeded", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "service temporarily unavailable",
			"retryable": true,
		})
	case errors.Is(err, model.ErrInfrastructure):
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "service temporarily unavailable",
			"retryable": true,
		})
	default:
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
