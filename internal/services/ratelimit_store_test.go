package services

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every RateLimitStore must share.
func exerciseStore(t *testing.T, store RateLimitStore, key string, base time.Time) {
	ctx := context.Background()
	window := time.Minute

	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Nil(t, rec)

	for i := 1; i <= 3; i++ {
		rec, err = store.Increment(ctx, key, base.Add(time.Duration(i)*time.Second), window)
		require.NoError(t, err)
		require.Equal(t, i, rec.Attempts)
	}
	require.True(t, rec.FirstAttemptAt.Equal(base.Add(time.Second)))

	// Window elapsed: the count restarts instead of extending.
	rec, err = store.Increment(ctx, key, base.Add(2*time.Minute), window)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Attempts)
	require.True(t, rec.FirstAttemptAt.Equal(base.Add(2*time.Minute)))

	until := base.Add(30 * time.Minute)
	require.NoError(t, store.LockUntil(ctx, key, base.Add(2*time.Minute), until))
	rec, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec.LockedUntil)
	require.True(t, rec.LockedUntil.Equal(until))

	// A lock keeps the record alive past its counting window.
	rec, err = store.Increment(ctx, key, base.Add(10*time.Minute), window)
	require.NoError(t, err)
	require.Equal(t, 2, rec.Attempts)

	require.NoError(t, store.Reset(ctx, key))
	rec, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestMemoryRateLimitStore(t *testing.T) {
	exerciseStore(t, NewMemoryRateLimitStore(), "10.0.0.1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
}

func TestMemoryRateLimitStore_Sweep(t *testing.T) {
	store := NewMemoryRateLimitStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, _ = store.Increment(ctx, "idle", base, time.Minute)
	_, _ = store.Increment(ctx, "fresh", base.Add(50*time.Second), time.Minute)
	_, _ = store.Increment(ctx, "locked", base, time.Minute)
	require.NoError(t, store.LockUntil(ctx, "locked", base, base.Add(time.Hour)))

	evicted, err := store.Sweep(ctx, base.Add(70*time.Second), time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)
	require.Equal(t, 2, store.Len())

	evicted, err = store.Sweep(ctx, base.Add(2*time.Hour), time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, evicted)
	require.Zero(t, store.Len())
}

func TestMemoryRateLimitStore_ConcurrentIncrement(t *testing.T) {
	store := NewMemoryRateLimitStore()
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Increment(ctx, "k", now, time.Minute)
		}()
	}
	wg.Wait()

	rec, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 50, rec.Attempts)
}

func TestMemoryRateLimitStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryRateLimitStore()
	ctx := context.Background()
	_, _ = store.Increment(ctx, "k", time.Now(), time.Minute)

	rec, _ := store.Get(ctx, "k")
	rec.Attempts = 99

	again, _ := store.Get(ctx, "k")
	require.Equal(t, 1, again.Attempts)
}

func TestRedisRateLimitStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	store := NewRedisRateLimitStore(client, "authcore:test:rl:")
	key := t.Name() + "-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _ = store.Reset(context.Background(), key) })

	// Keys expire in real time, so anchor the fake timeline at now.
	exerciseStore(t, store, key, time.Now().Truncate(time.Millisecond))
}

func TestMemoryRateLimitStore_LockUntilUsesCallerClock(t *testing.T) {
	store := NewMemoryRateLimitStore()
	ctx := context.Background()
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.LockUntil(ctx, "fresh", now, now.Add(time.Minute)))
	rec, err := store.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, rec.FirstAttemptAt.Equal(now))
}

func TestRedisRateLimitStore_CorruptFieldIsError(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	store := NewRedisRateLimitStore(client, "authcore:test:rl:")
	key := t.Name() + "-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _ = store.Reset(ctx, key) })

	require.NoError(t, client.HSet(ctx, store.key(key), "attempts", "x1", "first", "0").Err())
	rec, err := store.Get(ctx, key)
	require.Error(t, err)
	require.Nil(t, rec)
}
