package audit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/landlink/landlink/internal/access"
	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/pagination"
)

// Handler provides HTTP endpoints for the audit trail.
type Handler struct {
	service *Service
}

// NewHandler creates a new audit handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up audit routes. The group must already run
// access.Middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit/entries", access.Require(access.CapReadAudit), h.ListEntries)

	r.POST("/verification-logs", access.Require(access.CapWriteVerifications), h.LogVerification)
	r.GET("/verification-logs", access.Require(access.CapReadAudit), h.ListVerifications)

	r.POST("/alerts", access.Require(access.CapRaiseAlerts), h.RaiseAlert)
	r.GET("/alerts", access.Require(access.CapReadAudit), h.ListAlerts)
	r.GET("/alerts/:id", access.Require(access.CapReadAudit), h.GetAlert)
	r.POST("/alerts/:id/acknowledge", access.Require(access.CapManageAlerts), h.Acknowledge)
	r.POST("/alerts/:id/resolve", access.Require(access.CapManageAlerts), h.Resolve)
	r.POST("/alerts/:id/dismiss", access.Require(access.CapManageAlerts), h.Dismiss)
}

func cursor(c *gin.Context) (string, bool) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, ErrInvalidFilter.WithDetail("cursor"))
		return "", false
	}
	return after, true
}

// ListEntries handles GET /v1/audit/entries
func (h *Handler) ListEntries(c *gin.Context) {
	after, ok := cursor(c)
	if !ok {
		return
	}
	page, err := h.service.ListEntries(c.Request.Context(), EntryFilter{
		SubjectID: c.Query("subject"),
		ProgramID: c.Query("program"),
		Operation: c.Query("operation"),
		After:     after,
		Limit:     pagination.ParseLimit(c.Query("limit")),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":    page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// LogVerification handles POST /v1/verification-logs
func (h *Handler) LogVerification(c *gin.Context) {
	var req VerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	req.Status = VerificationStatus(strings.ToUpper(string(req.Status)))

	v, err := h.service.LogVerification(c.Request.Context(), req)
	if err != nil && v == nil {
		apperr.Respond(c, err)
		return
	}
	if err != nil {
		// The log itself is durable; report the alert failure alongside it.
		c.JSON(http.StatusCreated, gin.H{"verification": v, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"verification": v})
}

// ListVerifications handles GET /v1/verification-logs
func (h *Handler) ListVerifications(c *gin.Context) {
	after, ok := cursor(c)
	if !ok {
		return
	}
	page, err := h.service.ListVerifications(c.Request.Context(), VerificationFilter{
		ClientID: c.Query("client"),
		KioskID:  c.Query("kiosk"),
		Status:   VerificationStatus(strings.ToUpper(c.Query("status"))),
		After:    after,
		Limit:    pagination.ParseLimit(c.Query("limit")),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"verifications": page.Items,
		"count":         len(page.Items),
		"nextCursor":    page.NextCursor,
		"hasMore":       page.HasMore,
	})
}

// RaiseAlert handles POST /v1/alerts
func (h *Handler) RaiseAlert(c *gin.Context) {
	var req AlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	req.Type = AlertType(strings.ToUpper(string(req.Type)))
	req.Severity = Severity(strings.ToUpper(string(req.Severity)))

	a, err := h.service.RaiseAlert(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"alert": a})
}

// ListAlerts handles GET /v1/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	after, ok := cursor(c)
	if !ok {
		return
	}
	page, err := h.service.ListAlerts(c.Request.Context(), AlertFilter{
		Status:   AlertStatus(strings.ToUpper(c.Query("status"))),
		Type:     AlertType(strings.ToUpper(c.Query("type"))),
		AreaCode: c.Query("area"),
		After:    after,
		Limit:    pagination.ParseLimit(c.Query("limit")),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts":     page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// GetAlert handles GET /v1/alerts/:id
func (h *Handler) GetAlert(c *gin.Context) {
	a, err := h.service.GetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

type transitionRequest struct {
	Notes string `json:"notes"`
}

// Acknowledge handles POST /v1/alerts/:id/acknowledge
func (h *Handler) Acknowledge(c *gin.Context) {
	id, _ := access.GetIdentity(c)
	a, err := h.service.Acknowledge(c.Request.Context(), c.Param("id"), id.CallerID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

// Resolve handles POST /v1/alerts/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req transitionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, err)
			return
		}
	}
	id, _ := access.GetIdentity(c)
	a, err := h.service.Resolve(c.Request.Context(), c.Param("id"), id.CallerID, req.Notes)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}

// Dismiss handles POST /v1/alerts/:id/dismiss
func (h *Handler) Dismiss(c *gin.Context) {
	var req transitionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, err)
			return
		}
	}
	id, _ := access.GetIdentity(c)
	a, err := h.service.Dismiss(c.Request.Context(), c.Param("id"), id.CallerID, req.Notes)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": a})
}
