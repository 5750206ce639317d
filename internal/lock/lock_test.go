package lock_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfrrst/website-sub010/internal/lock"
)

func TestMemorySerializesSameKey(t *testing.T) {
	m := lock.NewMemory(time.Second)
	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "p1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)
	assert.Equal(t, 0, m.Len())
}

func TestMemoryDifferentKeysDoNotBlock(t *testing.T) {
	m := lock.NewMemory(50 * time.Millisecond)
	r1, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	defer r1()
	r2, err := m.Acquire(context.Background(), "p2")
	require.NoError(t, err)
	r2()
}

func TestMemoryTimeout(t *testing.T) {
	m := lock.NewMemory(20 * time.Millisecond)
	release, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "p1")
	assert.True(t, errors.Is(err, lock.ErrNotAcquired))
	release()
	release()

	again, err := m.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	again()
	assert.Equal(t, 0, m.Len())
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("PORTAL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PORTAL_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	l := lock.NewRedis(client, 100*time.Millisecond)
	l.Prefix = "portal:test:lock:" + t.Name() + ":"

	release, err := l.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	_, err = l.Acquire(context.Background(), "p1")
	assert.True(t, errors.Is(err, lock.ErrNotAcquired))
	release()

	release, err = l.Acquire(context.Background(), "p1")
	require.NoError(t, err)
	release()
}
