package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spotbot-io/spotbot/internal/bots/model"
	"github.com/spotbot-io/spotbot/internal/identity"
)

// ListReports handles GET /reports?status=&limit=&offset=.
func (h *BotHandler) ListReports(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 {
		limit = 50
	}

	reports, err := h.svc.ListReports(c.Request.Context(), c.Query("status"), limit, offset)
	if err != nil {
		respondError(c, h.logger, "list reports", err, "")
		return
	}
	if reports == nil {
		reports = []*model.BotReport{}
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}

// GetReport handles GET /reports/:id.
func (h *BotHandler) GetReport(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report ID"})
		return
	}
	report, err := h.svc.GetReport(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "get report", err, "report not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// UpdateReportStatus handles PATCH /reports/:id. It confirms or rejects a report.
func (h *BotHandler) UpdateReportStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report ID"})
		return
	}

	var req model.UpdateReportStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	moderator := identity.PrincipalFromCtx(c)
	report, err := h.svc.UpdateReportStatus(c.Request.Context(), id, req.Status, moderator.ID)
	if err != nil {
		respondError(c, h.logger, "update report status", err, "report not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
