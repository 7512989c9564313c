package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spotbot-io/spotbot/internal/bots/model"
)

// ListAllowlist handles GET /allowlist. Pass ?all=true to include
// deactivated entries.
func (h *BotHandler) ListAllowlist(c *gin.Context) {
	entries, err := h.svc.ListAllowlist(c.Request.Context(), c.Query("all") == "true")
	if err != nil {
		respondError(c, h.logger, "list allowlist", err, "")
		return
	}
	if entries == nil {
		entries = []*model.AllowlistEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// CreateAllowlistEntry handles POST /allowlist.
func (h *BotHandler) CreateAllowlistEntry(c *gin.Context) {
	var req model.CreateAllowlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	entry, err := req.ToEntry()
	if err != nil {
		respondError(c, h.logger, "validate allowlist entry", err, "")
		return
	}
	if err := h.svc.AddAllowlist(c.Request.Context(), entry); err != nil {
		respondError(c, h.logger, "create allowlist entry", err, "")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// DeactivateAllowlistEntry handles DELETE /allowlist/:id.
func (h *BotHandler) DeactivateAllowlistEntry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid allowlist entry ID"})
		return
	}
	if err := h.svc.DeactivateAllowlist(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, "deactivate allowlist entry", err, "allowlist entry not found")
		return
	}
	c.Status(http.StatusNoContent)
}
