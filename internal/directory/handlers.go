package directory

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/pagination"
)

// routes registers CRUD endpoints for one resource. readGuard and
// writeGuard run before the read and write handlers; a nil readGuard
// leaves reads open to any identified caller.
func routes[T any, P Record[T]](r *gin.RouterGroup, res *Resource[T, P], readGuard, writeGuard gin.HandlerFunc) {
	kind := res.Kind()
	base := "/" + kind.Path

	read := func(h gin.HandlerFunc) []gin.HandlerFunc {
		if readGuard == nil {
			return []gin.HandlerFunc{h}
		}
		return []gin.HandlerFunc{readGuard, h}
	}

	r.POST(base, writeGuard, func(c *gin.Context) {
		rec := P(new(T))
		if err := c.ShouldBindJSON(rec); err != nil {
			apperr.BadRequest(c, err)
			return
		}
		created, err := res.Create(c.Request.Context(), rec)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{kind.Name: created})
	})

	r.GET(base, read(func(c *gin.Context) {
		after, err := pagination.Decode(c.Query("cursor"))
		if err != nil {
			apperr.Respond(c, ErrInvalidRecord.WithDetail("invalid cursor"))
			return
		}
		match := make(map[string]string, len(kind.Filters))
		for _, f := range kind.Filters {
			if v := c.Query(f.Param); v != "" {
				match[f.Param] = normalizeFilter(f.Column, v)
			}
		}
		page, err := res.List(c.Request.Context(), ListFilter{
			Match: match,
			After: after,
			Limit: pagination.ParseLimit(c.Query("limit")),
		})
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			kind.Plural:  page.Items,
			"count":      len(page.Items),
			"nextCursor": page.NextCursor,
			"hasMore":    page.HasMore,
		})
	})...)

	r.GET(base+"/:id", read(func(c *gin.Context) {
		rec, err := res.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{kind.Name: rec})
	})...)

	r.PUT(base+"/:id", writeGuard, func(c *gin.Context) {
		rec := P(new(T))
		if err := c.ShouldBindJSON(rec); err != nil {
			apperr.BadRequest(c, err)
			return
		}
		updated, err := res.Update(c.Request.Context(), c.Param("id"), rec)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{kind.Name: updated})
	})
}

// normalizeFilter upper-cases enumerated and area filters, which are stored
// upper-case.
func normalizeFilter(column, v string) string {
	if column == "area_code" || column == "status" || column == "role" {
		return strings.ToUpper(v)
	}
	return v
}
