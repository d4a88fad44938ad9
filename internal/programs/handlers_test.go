package programs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landlink/landlink/internal/access"
)

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *testEnv) {
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(access.Middleware(""))
	NewHandler(env.svc).RegisterRoutes(v1)
	return r, env
}

func call(r *gin.Engine, method, path string, caller string, role access.Role, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(access.HeaderCallerID, caller)
	req.Header.Set(access.HeaderCallerRole, string(role))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateAndSuspend(t *testing.T) {
	r, _ := setupHandlerTestRouter(t)

	w := call(r, http.MethodPost, "/v1/programs", "adm_1", access.RoleAdmin, map[string]any{
		"region":             "Nairobi",
		"areaCode":           "nrb-01",
		"expirationDeadline": time.Now().Add(48 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Program Program `json:"program"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "NRB-01", created.Program.AreaCode)

	w = call(r, http.MethodPost, "/v1/programs/"+created.Program.ID+"/status", "sec_1", access.RoleSecurityAdmin, map[string]any{
		"status": "suspended", "reason": "fraud",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res TransitionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, StatusSuspended, res.Program.Status)
	require.NotNil(t, res.Sweep)

	w = call(r, http.MethodPost, "/v1/programs/"+created.Program.ID+"/status", "sec_1", access.RoleSecurityAdmin, map[string]any{
		"status": "ACTIVE",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_program_transition")
}

func TestHandler_KioskCannotManagePrograms(t *testing.T) {
	r, env := setupHandlerTestRouter(t)
	p := env.program(t)

	w := call(r, http.MethodPost, "/v1/programs/"+p.ID+"/status", "ksk_1", access.RoleKiosk, map[string]any{
		"status": "EXPIRED",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(r, http.MethodGet, "/v1/programs/"+p.ID, "ksk_1", access.RoleKiosk, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_ReportViolation(t *testing.T) {
	r, env := setupHandlerTestRouter(t)
	p := env.program(t)

	w := call(r, http.MethodPost, "/v1/programs/"+p.ID+"/violations", "ksk_1", access.RoleKiosk, map[string]any{
		"reason": "client verified outside area",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Violation ViolationResult `json:"violation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Violation.Program.ViolationCount)
	require.NotNil(t, body.Violation.Alert)

	w = call(r, http.MethodPost, "/v1/programs/"+p.ID+"/violations", "ksk_1", access.RoleKiosk, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SweepAndList(t *testing.T) {
	r, env := setupHandlerTestRouter(t)
	p := env.program(t)
	env.program(t)

	w := call(r, http.MethodPost, "/v1/programs/"+p.ID+"/sweep", "adm_1", access.RoleAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "active programs are not swept")

	w = call(r, http.MethodGet, "/v1/programs?area=nrb-01&limit=1", "adm_1", access.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Programs []Program `json:"programs"`
		HasMore  bool      `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Programs, 1)
	assert.True(t, page.HasMore)

	w = call(r, http.MethodGet, "/v1/programs/prg_missing", "adm_1", access.RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
