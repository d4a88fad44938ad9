package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landlink/landlink/internal/logging"
)

func TestParseRole(t *testing.T) {
	r, ok := ParseRole(" security_admin ")
	assert.True(t, ok)
	assert.Equal(t, RoleSecurityAdmin, r)

	_, ok = ParseRole("SUPER_ADMIN")
	assert.False(t, ok, "no catch-all superuser role")
}

func TestCapabilitiesForReturnsCopy(t *testing.T) {
	caps := CapabilitiesFor(RoleKiosk)
	require.NotEmpty(t, caps)
	caps[0] = CapManageAdmins

	assert.False(t, RoleKiosk.Can(CapManageAdmins))
	assert.NotContains(t, CapabilitiesFor(RoleKiosk), CapManageAdmins)
}

func TestRoleCapabilities(t *testing.T) {
	assert.True(t, RoleCEO.Can(CapManageAdmins))
	assert.True(t, RoleCEO.Can(CapModifyConfig))
	assert.False(t, RoleAdmin.Can(CapManageAdmins))
	assert.True(t, RoleAdmin.Can(CapIssueTokens))
	assert.False(t, RoleSecurityAdmin.Can(CapIssueTokens))
	assert.True(t, RoleSecurityAdmin.Can(CapManageAlerts))
	assert.False(t, RoleKiosk.Can(CapReadAudit))
	assert.False(t, Role("GHOST").Can(CapRedeemTokens))
	assert.Empty(t, CapabilitiesFor(Role("GHOST")))
}

func TestIsAdminRole(t *testing.T) {
	assert.True(t, IsAdminRole(RoleCEO))
	assert.True(t, IsAdminRole(RoleSecurityAdmin))
	assert.False(t, IsAdminRole(RoleKiosk))
}

func TestActorID(t *testing.T) {
	assert.Equal(t, "system", ActorID(context.Background()))
	ctx := WithIdentity(context.Background(), Identity{CallerID: "adm_1", Role: RoleAdmin})
	assert.Equal(t, "adm_1", ActorID(ctx))
}

func newRouter(secret string, cap Capability) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(secret))
	r.POST("/x", Require(cap), func(c *gin.Context) {
		id, _ := IdentityFrom(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"caller": id.CallerID,
			"logged": logging.CallerID(c.Request.Context()),
		})
	})
	return r
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header map[string]string
		cap    Capability
		status int
	}{
		{
			name:   "missing identity",
			header: map[string]string{},
			cap:    CapRedeemTokens,
			status: http.StatusUnauthorized,
		},
		{
			name:   "unknown role",
			header: map[string]string{HeaderCallerID: "k1", HeaderCallerRole: "ROOT"},
			cap:    CapRedeemTokens,
			status: http.StatusUnauthorized,
		},
		{
			name:   "kiosk may redeem",
			header: map[string]string{HeaderCallerID: "k1", HeaderCallerRole: "KIOSK"},
			cap:    CapRedeemTokens,
			status: http.StatusOK,
		},
		{
			name:   "kiosk may not manage programs",
			header: map[string]string{HeaderCallerID: "k1", HeaderCallerRole: "KIOSK"},
			cap:    CapManagePrograms,
			status: http.StatusForbidden,
		},
		{
			name:   "gateway secret missing",
			secret: "s3cret",
			header: map[string]string{HeaderCallerID: "a1", HeaderCallerRole: "ADMIN"},
			cap:    CapIssueTokens,
			status: http.StatusUnauthorized,
		},
		{
			name:   "gateway secret present",
			secret: "s3cret",
			header: map[string]string{HeaderCallerID: "a1", HeaderCallerRole: "ADMIN", HeaderGatewaySecret: "s3cret"},
			cap:    CapIssueTokens,
			status: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(tt.secret, tt.cap)
			req := httptest.NewRequest(http.MethodPost, "/x", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"logged":"`+tt.header[HeaderCallerID]+`"`)
			}
		})
	}
}
