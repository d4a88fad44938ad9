package pool

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/landlink/landlink/internal/access"
	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/pagination"
)

// Handler provides HTTP endpoints for the public pool.
type Handler struct {
	service *Service
}

// NewHandler creates a new pool handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up pool routes on a group that runs access.Middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pool-tokens", h.ListPoolTokens)
	r.GET("/pool-tokens/:id", h.GetPoolToken)
	r.POST("/pool-tokens/:id/claim", access.Require(access.CapClaimPool), h.ClaimPoolToken)
}

// ListPoolTokens handles GET /v1/pool-tokens
func (h *Handler) ListPoolTokens(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, ErrInvalidClaim.WithDetail("invalid cursor"))
		return
	}
	page, err := h.service.List(c.Request.Context(), Filter{
		AreaCode:  strings.ToUpper(c.Query("area")),
		Status:    ClaimStatus(strings.ToUpper(c.Query("status"))),
		ProgramID: c.Query("program"),
		After:     after,
		Limit:     pagination.ParseLimit(c.Query("limit")),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"poolTokens": page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// GetPoolToken handles GET /v1/pool-tokens/:id
func (h *Handler) GetPoolToken(c *gin.Context) {
	pt, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"poolToken": pt})
}

// ClaimPoolToken handles POST /v1/pool-tokens/:id/claim
func (h *Handler) ClaimPoolToken(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	if req.KioskID == "" {
		if id, ok := access.GetIdentity(c); ok && id.Role == access.RoleKiosk {
			req.KioskID = id.CallerID
		}
	}

	pt, err := h.service.Claim(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"poolToken": pt})
}
