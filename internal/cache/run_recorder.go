package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyLastRun = "mailer:processor:last_run"
	keyRuns    = "mailer:processor:runs"
)

// RunInfo describes processor activity for operators.
type RunInfo struct {
	LastRun *time.Time `json:"last_run,omitempty"`
	Runs    int64      `json:"runs"`
}

// RunRecorder stores when the queue processor last ran.
type RunRecorder interface {
	RecordRun(ctx context.Context, at time.Time) error
	LastRun(ctx context.Context) (RunInfo, error)
}

type RedisRunRecorder struct {
	c *redis.Client
}

func NewRedisRunRecorder(addr string) (*RedisRunRecorder, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisRunRecorder{c: rdb}, nil
}

func (r *RedisRunRecorder) Close() error { return r.c.Close() }

func (r *RedisRunRecorder) RecordRun(ctx context.Context, at time.Time) error {
	pipe := r.c.TxPipeline()
	pipe.Set(ctx, keyLastRun, at.UTC().Format(time.RFC3339Nano), 0)
	pipe.Incr(ctx, keyRuns)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record processor run: %w", err)
	}
	return nil
}

func (r *RedisRunRecorder) LastRun(ctx context.Context) (RunInfo, error) {
	var info RunInfo
	raw, err := r.c.Get(ctx, keyLastRun).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return info, nil
	case err != nil:
		return info, fmt.Errorf("read last run: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return info, fmt.Errorf("parse last run %q: %w", raw, err)
	}
	info.LastRun = &t

	runs, err := r.c.Get(ctx, keyRuns).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return info, fmt.Errorf("read run count: %w", err)
	}
	if runs != "" {
		info.Runs, _ = strconv.ParseInt(runs, 10, 64)
	}
	return info, nil
}

// MemoryRunRecorder is used when no Redis is configured.
type MemoryRunRecorder struct {
	mu   sync.Mutex
	info RunInfo
}

func NewMemoryRunRecorder() *MemoryRunRecorder {
	return &MemoryRunRecorder{}
}

func (m *MemoryRunRecorder) RecordRun(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := at.UTC()
	m.info.LastRun = &t
	m.info.Runs++
	return nil
}

func (m *MemoryRunRecorder) LastRun(ctx context.Context) (RunInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info, nil
}

var (
	_ RunRecorder = (*RedisRunRecorder)(nil)
	_ RunRecorder = (*MemoryRunRecorder)(nil)
)
