package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spotbot-io/spotbot/internal/health"
)

// Version is reported by /health and /api.
var Version = "1.0.0"

// healthReporter is satisfied by *health.HealthChecker.
type healthReporter interface {
	Report() health.Report
}

// SystemHandler serves the health probe and the API index.
type SystemHandler struct {
	checker healthReporter // nil = always healthy
}

// NewSystemHandler creates a SystemHandler. checker may be nil.
func NewSystemHandler(checker healthReporter) *SystemHandler {
	return &SystemHandler{checker: checker}
}

// Register registers /health and /api on the root router.
func (h *SystemHandler) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/api", h.Index)
}

// Health handles GET /health. It returns 503 while a dependency is degraded.
func (h *SystemHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status":    health.StatusHealthy,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	}
	if h.checker == nil {
		c.JSON(http.StatusOK, resp)
		return
	}
	report := h.checker.Report()
	resp["status"] = report.Status
	resp["dependencies"] = report.Dependencies
	if report.Status != health.StatusHealthy {
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Index handles GET /api.
func (h *SystemHandler) Index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "SpotBot API",
		"version":     Version,
		"description": "Bot detection and reporting platform API",
		"endpoints": gin.H{
			"auth":      "/api/v1/auth",
			"bots":      "/api/v1/bots",
			"reports":   "/api/v1/reports",
			"allowlist": "/api/v1/allowlist",
		},
	})
}
