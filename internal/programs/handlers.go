package programs

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/landlink/landlink/internal/access"
	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/pagination"
)

// Handler provides HTTP endpoints for programs.
type Handler struct {
	service *Service
}

// NewHandler creates a new program handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up program routes on a group that runs
// access.Middleware. GET /programs/:id/tokens belongs to the token handler.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/programs", access.Require(access.CapManagePrograms), h.CreateProgram)
	r.GET("/programs", h.ListPrograms)
	r.GET("/programs/:id", h.GetProgram)
	r.POST("/programs/:id/status", access.Require(access.CapManagePrograms), h.ChangeStatus)
	r.POST("/programs/:id/sweep", access.Require(access.CapManagePrograms), h.Resweep)
	r.POST("/programs/:id/violations", access.Require(access.CapRaiseAlerts), h.ReportViolation)
}

// CreateProgram handles POST /v1/programs
func (h *Handler) CreateProgram(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	req.AreaCode = strings.ToUpper(strings.TrimSpace(req.AreaCode))

	p, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"program": p})
}

// ListPrograms handles GET /v1/programs
func (h *Handler) ListPrograms(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, ErrInvalidProgram.WithDetail("invalid cursor"))
		return
	}
	page, err := h.service.List(c.Request.Context(), Filter{
		Status:   Status(strings.ToUpper(c.Query("status"))),
		AreaCode: strings.ToUpper(c.Query("area")),
		After:    after,
		Limit:    pagination.ParseLimit(c.Query("limit")),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"programs":   page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// GetProgram handles GET /v1/programs/:id
func (h *Handler) GetProgram(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"program": p})
}

type statusRequest struct {
	Status Status `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// ChangeStatus handles POST /v1/programs/:id/status
func (h *Handler) ChangeStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	to := Status(strings.ToUpper(string(req.Status)))

	res, err := h.service.Transition(c.Request.Context(), c.Param("id"), to, req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Resweep handles POST /v1/programs/:id/sweep
func (h *Handler) Resweep(c *gin.Context) {
	res, err := h.service.Resweep(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": res})
}

type violationRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ReportViolation handles POST /v1/programs/:id/violations
func (h *Handler) ReportViolation(c *gin.Context) {
	var req violationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}

	res, err := h.service.ReportViolation(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil && res == nil {
		apperr.Respond(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{"violation": res, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"violation": res})
}
