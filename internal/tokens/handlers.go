package tokens

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/landlink/landlink/internal/access"
	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/pagination"
)

// Handler provides HTTP endpoints for tokens.
type Handler struct {
	service *Service
}

// NewHandler creates a new token handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up token routes on a group that runs access.Middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tokens", access.Require(access.CapIssueTokens), h.IssueToken)
	r.GET("/tokens/:id", h.GetToken)
	r.POST("/tokens/:id/redeem", access.Require(access.CapRedeemTokens), h.RedeemToken)
	r.POST("/tokens/:id/evaluate", access.Require(access.CapRedeemTokens), h.EvaluateToken)
	r.GET("/clients/:id/tokens", h.ListClientTokens)
	r.GET("/programs/:id/tokens", h.ListProgramTokens)
}

// IssueToken handles POST /v1/tokens
func (h *Handler) IssueToken(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	req.AreaCode = strings.ToUpper(strings.TrimSpace(req.AreaCode))

	t, err := h.service.Issue(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": t})
}

// GetToken handles GET /v1/tokens/:id
func (h *Handler) GetToken(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": t})
}

// bindRedeem reads a redemption body. A kiosk caller redeems at itself
// unless the body names a kiosk.
func bindRedeem(c *gin.Context) (RedeemRequest, bool) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return req, false
	}
	req.AreaCode = strings.ToUpper(strings.TrimSpace(req.AreaCode))
	if req.KioskID == "" {
		if id, ok := access.GetIdentity(c); ok && id.Role == access.RoleKiosk {
			req.KioskID = id.CallerID
		}
	}
	return req, true
}

// RedeemToken handles POST /v1/tokens/:id/redeem
func (h *Handler) RedeemToken(c *gin.Context) {
	req, ok := bindRedeem(c)
	if !ok {
		return
	}
	res, err := h.service.Redeem(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// EvaluateToken handles POST /v1/tokens/:id/evaluate
func (h *Handler) EvaluateToken(c *gin.Context) {
	req, ok := bindRedeem(c)
	if !ok {
		return
	}
	d, err := h.service.Evaluate(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

// ListClientTokens handles GET /v1/clients/:id/tokens
func (h *Handler) ListClientTokens(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, ErrInvalidToken.WithDetail("invalid cursor"))
		return
	}
	page, err := h.service.ListByClient(c.Request.Context(), c.Param("id"), after, pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	respondPage(c, page)
}

// ListProgramTokens handles GET /v1/programs/:id/tokens
func (h *Handler) ListProgramTokens(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, ErrInvalidToken.WithDetail("invalid cursor"))
		return
	}
	status := Status(strings.ToUpper(c.Query("status")))
	page, err := h.service.ListByProgram(c.Request.Context(), c.Param("id"), status, after, pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	respondPage(c, page)
}

func respondPage(c *gin.Context, page pagination.Page[*Token]) {
	c.JSON(http.StatusOK, gin.H{
		"tokens":     page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}
