package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry("test")
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry("test")
	r.Register("storage", Static("storage", "memory"))
	r.Register("database", Ping("database", pingerFunc(func(context.Context) error {
		return errors.New("connection refused")
	}), time.Second))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry("test")
	r.Register("scheduler", func(context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, "scheduler", statuses[0].Name)
}

func TestPingWithSQLMock(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	status := Ping("database", db, time.Second)(context.Background())
	assert.True(t, status.Healthy)

	mock.ExpectPing().WillReturnError(errors.New("down"))
	status = Ping("database", db, time.Second)(context.Background())
	assert.False(t, status.Healthy)
	assert.Equal(t, "down", status.Detail)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	up := true
	r := NewRegistry("1.2.3")
	r.Register("database", Ping("database", pingerFunc(func(context.Context) error {
		if up {
			return nil
		}
		return errors.New("down")
	}), time.Second))

	router := gin.New()
	router.GET("/health", r.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var report Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "1.2.3", report.Version)

	up = false
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry("test")
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", Static("checker", ""))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
