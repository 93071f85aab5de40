package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLockKeys(t *testing.T) {
	id := uuid.MustParse("7b0f6c0e-3d7f-4f43-9a55-3b8f3a7c1d10")
	assert.Equal(t, "lock:slot:7b0f6c0e-3d7f-4f43-9a55-3b8f3a7c1d10", SlotLockKey(id))
	assert.Equal(t, "lock:queue:abc:2026-10-18", QueueLockKey("abc:2026-10-18"))
}

func TestWithLock_ReleasesAfterRun(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := NewRedisLocker(client, time.Second, 50*time.Millisecond)

	var held bool
	err := locker.WithLock(context.Background(), "lock:test", func(ctx context.Context) error {
		held = mr.Exists("lock:test")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, held)
	assert.False(t, mr.Exists("lock:test"))
}

func TestWithLock_ReturnsCallbackError(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client, time.Second, 50*time.Millisecond)

	boom := errors.New("boom")
	err := locker.WithLock(context.Background(), "lock:test", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWithLock_ContendedTimesOut(t *testing.T) {
	mr, client := setupTestRedis(t)
	require.NoError(t, mr.Set("lock:test", "someone-else"))

	locker := NewRedisLocker(client, time.Second, 30*time.Millisecond)
	called := false
	err := locker.WithLock(context.Background(), "lock:test", func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.False(t, called)
	// The foreign holder's token is untouched.
	got, _ := mr.Get("lock:test")
	assert.Equal(t, "someone-else", got)
}

func TestWithLock_WaitsForHolder(t *testing.T) {
	_, client := setupTestRedis(t)
	locker := NewRedisLocker(client, 2*time.Second, time.Second)

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "lock:queue:q", func(ctx context.Context) error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
}

func TestWithLock_BackendDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	mr.Close()

	locker := NewRedisLocker(client, time.Second, 10*time.Millisecond)
	err := locker.WithLock(context.Background(), "lock:test", func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrLockUnavailable)
}
