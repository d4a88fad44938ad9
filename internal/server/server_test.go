package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landlink/landlink/internal/access"
	"github.com/landlink/landlink/internal/config"
	"github.com/landlink/landlink/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "test",
		LogLevel:              "error",
		StorageTimeout:        time.Second,
		RateLimitRPS:          1000,
		RateLimitBurst:        1000,
		WriteLimitPerHour:     1000,
		MaxRequestSize:        config.DefaultMaxRequestSize,
		MaxProgramViolations:  3,
		ProgramExpirySchedule: "@every 1h",
	}
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg, WithLogger(logging.New("error", "text")), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.writeLimiter.Stop()
	})
	return s
}

type caller struct {
	id   string
	role access.Role
}

var (
	admin = caller{"adm_1", access.RoleAdmin}
	kiosk = caller{"ksk_gateway", access.RoleKiosk}
)

func do(t *testing.T, s *Server, as caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(access.HeaderCallerID, as.id)
	req.Header.Set(access.HeaderCallerRole, string(as.role))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), into), w.Body.String())
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Run has not been called
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range []string{
		"GET:/metrics",
		"POST:/v1/tokens",
		"POST:/v1/tokens/:id/redeem",
		"GET:/v1/clients/:id/tokens",
		"POST:/v1/programs/:id/status",
		"POST:/v1/pool-tokens/:id/claim",
		"POST:/v1/alerts/:id/resolve",
		"GET:/v1/audit/entries",
		"PUT:/v1/kiosks/:id",
		"POST:/v1/system-settings",
		"GET:/v1/ws",
	} {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestIdentityRequired(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/programs", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGatewaySecretEnforced(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.GatewaySecret = "s3cret" })

	w := do(t, s, admin, http.MethodGet, "/v1/programs", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/programs", nil)
	req.Header.Set(access.HeaderCallerID, admin.id)
	req.Header.Set(access.HeaderCallerRole, string(admin.role))
	req.Header.Set(access.HeaderGatewaySecret, "s3cret")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, admin, http.MethodGet, "/v1/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestDistributionFlow walks a token from issue through redemption,
// suspension of its program, and a pool claim.
func TestDistributionFlow(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, admin, http.MethodPost, "/v1/programs", map[string]any{
		"region": "Nairobi", "areaCode": "NRB-01",
		"expirationDeadline": time.Now().Add(24 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var prog struct {
		Program struct{ ID string } `json:"program"`
	}
	decode(t, w, &prog)

	w = do(t, s, admin, http.MethodPost, "/v1/kiosks", map[string]any{"kioskCode": "NRB-K1", "areaCode": "NRB-01"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var k struct {
		Kiosk struct{ ID string } `json:"kiosk"`
	}
	decode(t, w, &k)

	w = do(t, s, admin, http.MethodPost, "/v1/clients", map[string]any{"name": "Claimant", "govIdHash": "h2", "areaCode": "NRB-01"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var claimant struct {
		Client struct{ ID string } `json:"client"`
	}
	decode(t, w, &claimant)

	issue := func(weekly string) string {
		w := do(t, s, admin, http.MethodPost, "/v1/tokens", map[string]any{
			"clientId": "cli_holder", "programId": prog.Program.ID, "amount": "100.00", "weeklyLimit": weekly,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var tok struct {
			Token struct{ ID string } `json:"token"`
		}
		decode(t, w, &tok)
		return tok.Token.ID
	}
	spent, kept := issue("100.00"), issue("50.00")

	w = do(t, s, kiosk, http.MethodPost, "/v1/tokens/"+spent+"/redeem", map[string]any{"amount": "100.00", "kioskId": k.Kiosk.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, kiosk, http.MethodPost, "/v1/tokens/"+kept+"/redeem", map[string]any{"amount": "40.00", "kioskId": k.Kiosk.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, s, kiosk, http.MethodPost, "/v1/tokens/"+kept+"/redeem", map[string]any{"amount": "20.00", "kioskId": k.Kiosk.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "weekly_limit_exceeded")

	w = do(t, s, kiosk, http.MethodPost, "/v1/programs/"+prog.Program.ID+"/status", map[string]any{"status": "SUSPENDED", "reason": "audit"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, admin, http.MethodPost, "/v1/programs/"+prog.Program.ID+"/status", map[string]any{"status": "suspended", "reason": "audit"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var transition struct {
		Sweep struct{ Transferred int } `json:"sweep"`
	}
	decode(t, w, &transition)
	assert.Equal(t, 1, transition.Sweep.Transferred)

	w = do(t, s, kiosk, http.MethodGet, "/v1/pool-tokens?area=nrb-01&status=available", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pool struct {
		PoolTokens []struct {
			ID            string `json:"id"`
			SourceTokenID string `json:"sourceTokenId"`
			Amount        string `json:"amount"`
		} `json:"poolTokens"`
	}
	decode(t, w, &pool)
	require.Len(t, pool.PoolTokens, 1)
	assert.Equal(t, kept, pool.PoolTokens[0].SourceTokenID)
	assert.Equal(t, "60.00", pool.PoolTokens[0].Amount)

	claimPath := "/v1/pool-tokens/" + pool.PoolTokens[0].ID + "/claim"
	w = do(t, s, kiosk, http.MethodPost, claimPath, map[string]any{"clientId": claimant.Client.ID, "kioskId": k.Kiosk.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, s, kiosk, http.MethodPost, claimPath, map[string]any{"clientId": claimant.Client.ID, "kioskId": k.Kiosk.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "already_claimed")

	w = do(t, s, admin, http.MethodGet, "/v1/audit/entries?subject="+kept, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "entries")
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	s.scheduler.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Shutdown() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("shutdown did not finish")
	}
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://landlink:***@db:5432/landlink", maskDSN("postgres://landlink:hunter2@db:5432/landlink"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
