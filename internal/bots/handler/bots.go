package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spotbot-io/spotbot/internal/bots/model"
	"github.com/spotbot-io/spotbot/internal/bots/service"
	"github.com/spotbot-io/spotbot/internal/identity"
	"go.uber.org/zap"
)

// BotHandler handles report intake, address checks, stats, moderation,
// and the allow-list.
type BotHandler struct {
	svc    *service.BotService
	auth   *identity.Authenticator
	logger *zap.Logger
}

// NewBotHandler creates a new BotHandler.
func NewBotHandler(svc *service.BotService, auth *identity.Authenticator, logger *zap.Logger) *BotHandler {
	return &BotHandler{svc: svc, auth: auth, logger: logger}
}

// Register registers all bot routes on the given router group.
func (h *BotHandler) Register(rg *gin.RouterGroup) {
	bots := rg.Group("/bots")
	{
		bots.POST("/report", h.auth.Require(), h.SubmitReport)
		bots.GET("/check/:ip", h.auth.Optional(), h.CheckAddress)
		bots.GET("/stats", h.auth.Optional(), h.Stats)
	}

	reports := rg.Group("/reports", h.auth.Require(), identity.RequireRole(identity.RoleModerator, identity.RoleAdmin))
	{
		reports.GET("", h.ListReports)
		reports.GET("/:id", h.GetReport)
		reports.PATCH("/:id", h.UpdateReportStatus)
	}

	allowlist := rg.Group("/allowlist", h.auth.Require(), identity.RequireRole(identity.RoleAdmin))
	{
		allowlist.GET("", h.ListAllowlist)
		allowlist.POST("", h.CreateAllowlistEntry)
		allowlist.DELETE("/:id", h.DeactivateAllowlistEntry)
	}
}

// SubmitReport handles POST /bots/report. The report is attributed to the
// authenticated caller.
func (h *BotHandler) SubmitReport(c *gin.Context) {
	var req model.SubmitReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	var reporterID *uuid.UUID
	if p := identity.PrincipalFromCtx(c); p != nil {
		reporterID = &p.ID
	}
	report, err := req.ToReport(reporterID)
	if err != nil {
		respondError(c, h.logger, "validate report", err, "")
		return
	}

	res, err := h.svc.Submit(c.Request.Context(), report)
	if err != nil {
		respondError(c, h.logger, "submit report", err, "")
		return
	}
	recordReport(string(res.Report.BotType))

	c.JSON(http.StatusCreated, gin.H{
		"message":       "Bot reported successfully",
		"report":        res.Report,
		"behaviorScore": res.BehaviorScore,
		"severity":      res.Severity,
		"findings":      res.Findings,
	})
}

// CheckAddress handles GET /bots/check/:ip and returns the address verdict.
func (h *BotHandler) CheckAddress(c *gin.Context) {
	v, err := h.svc.Check(c.Request.Context(), c.Param("ip"))
	if err != nil {
		respondError(c, h.logger, "check address", err, "")
		return
	}
	recordVerdict(v.IsBot, v.IsWhitelisted)
	c.JSON(http.StatusOK, v)
}

// Stats handles GET /bots/stats?period=1h|24h|7d|30d.
func (h *BotHandler) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context(), c.DefaultQuery("period", string(model.Period24h)))
	if err != nil {
		respondError(c, h.logger, "bot stats", err, "")
		return
	}
	c.JSON(http.StatusOK, stats)
}
