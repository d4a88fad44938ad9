package access

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/landlink/landlink/internal/logging"
)

const (
	HeaderCallerID      = "X-Caller-ID"
	HeaderCallerRole    = "X-Caller-Role"
	HeaderGatewaySecret = "X-Gateway-Secret"

	// ContextKeyIdentity is the gin context key holding the Identity
	ContextKeyIdentity = "identity"
)

// Middleware reads the gateway-supplied identity headers. When secret is
// non-empty the request must carry it in X-Gateway-Secret.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" {
			got := c.GetHeader(HeaderGatewaySecret)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "request did not come through the gateway",
				})
				return
			}
		}

		callerID := strings.TrimSpace(c.GetHeader(HeaderCallerID))
		role, ok := ParseRole(c.GetHeader(HeaderCallerRole))
		if callerID == "" || !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "caller identity required (" + HeaderCallerID + ", " + HeaderCallerRole + ")",
			})
			return
		}

		id := Identity{CallerID: callerID, Role: role}
		c.Set(ContextKeyIdentity, id)
		ctx := WithIdentity(c.Request.Context(), id)
		ctx = logging.WithCallerID(ctx, callerID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// Require rejects callers whose role lacks c.
func Require(c Capability) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id, ok := GetIdentity(ctx)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "caller identity required",
			})
			return
		}
		if !id.Can(c) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "role " + string(id.Role) + " lacks capability " + string(c),
			})
			return
		}
		ctx.Next()
	}
}

// GetIdentity returns the identity stored by Middleware.
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}
