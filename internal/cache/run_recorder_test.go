package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseRecorder(t *testing.T, r RunRecorder) {
	ctx := context.Background()
	before, err := r.LastRun(ctx)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.RecordRun(ctx, at))
	require.NoError(t, r.RecordRun(ctx, at.Add(time.Minute)))

	info, err := r.LastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, info.LastRun)
	assert.True(t, info.LastRun.Equal(at.Add(time.Minute)))
	assert.Equal(t, before.Runs+2, info.Runs)
}

func TestMemoryRunRecorder(t *testing.T) {
	r := NewMemoryRunRecorder()
	info, err := r.LastRun(context.Background())
	require.NoError(t, err)
	assert.Nil(t, info.LastRun)
	exerciseRecorder(t, r)
}

func TestRedisRunRecorder(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	r, err := NewRedisRunRecorder(addr)
	require.NoError(t, err)
	defer r.Close()
	exerciseRecorder(t, r)
}
