package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/electron-store/types"
)

// Setup Redis options (assumes Redis is running locally)
func testRedisOptions() RedisOptions {
	return RedisOptions{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
		DialTimeout:  time.Second,
	}
}

func newTestRedisStorage(t *testing.T) *RedisStorage {
	t.Helper()
	opts := testRedisOptions()
	opts.Namespace = fmt.Sprintf("test-%d:", time.Now().UnixNano())
	store, err := NewRedisStorage(opts)
	if err != nil {
		t.Skipf("redis not reachable at %s: %v", opts.Addr, err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := store.client.Keys(ctx, opts.Namespace+"*").Result()
		if len(keys) > 0 {
			store.client.Del(ctx, keys...)
		}
		store.Close()
	})
	return store
}

func TestRedisStorage(t *testing.T) {
	t.Run("ConnectionFailure", func(t *testing.T) {
		badOpts := testRedisOptions()
		badOpts.Addr = "127.0.0.1:1"
		_, err := NewRedisStorage(badOpts)
		assert.ErrorIs(t, err, ErrTransient)
	})

	runStoreSuite(t, func(t *testing.T) Store {
		return newTestRedisStorage(t)
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		a := newTestRedisStorage(t)
		b := newTestRedisStorage(t)
		ctx := context.Background()

		_, err := a.Create(ctx, 60, 0, types.NodeTypeFunction, "n")
		require.NoError(t, err)
		_, err = b.Create(ctx, 60, 0, types.NodeTypeFunction, "n")
		assert.NoError(t, err)
	})

	t.Run("Close", func(t *testing.T) {
		store := newTestRedisStorage(t)
		require.NoError(t, store.Close())

		// After closing, operations report the backend as unavailable
		_, err := store.Get(context.Background(), 1)
		assert.ErrorIs(t, err, ErrTransient)
		assert.Contains(t, err.Error(), "closed")
	})
}

func TestRedisErr(t *testing.T) {
	assert.NoError(t, redisErr("op", nil))
	assert.ErrorIs(t, redisErr("op", ErrDuplicateNode), ErrDuplicateNode)
	assert.NotErrorIs(t, redisErr("op", ErrDuplicateNode), ErrTransient)
	assert.ErrorIs(t, redisErr("op", context.Canceled), context.Canceled)
	deadline := redisErr("op", context.DeadlineExceeded)
	assert.ErrorIs(t, deadline, ErrTransient)
	assert.ErrorIs(t, deadline, context.DeadlineExceeded)
	wrapped := redisErr("op", fmt.Errorf("read tcp: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
	assert.ErrorIs(t, redisErr("op", fmt.Errorf("dial tcp: connection refused")), ErrTransient)
}
