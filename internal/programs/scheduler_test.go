package programs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiryScheduler_InvalidSchedule(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewExpiryScheduler(env.svc, "every minute", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestExpiryScheduler_RunOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.program(t)

	sched, err := NewExpiryScheduler(env.svc, "@every 1h", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	n, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.svc.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }
	n, err = sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestExpiryScheduler_StartStop(t *testing.T) {
	env := newTestEnv(t)
	sched, err := NewExpiryScheduler(env.svc, "@every 1h", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	sched.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Stop(ctx)
}
