package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lock shared by every process pointed at the same Redis. Each
// holder writes a random token with a TTL so a crashed holder cannot wedge a
// project.
type Redis struct {
	Client        *redis.Client
	Prefix        string
	TTL           time.Duration
	Timeout       time.Duration
	RetryInterval time.Duration
	Logger        *slog.Logger
}

func NewRedis(client *redis.Client, timeout time.Duration) *Redis {
	return &Redis{
		Client:        client,
		Prefix:        "portal:lock:project:",
		TTL:           30 * time.Second,
		Timeout:       timeout,
		RetryInterval: 25 * time.Millisecond,
	}
}

func (l *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	interval := l.RetryInterval
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	redisKey := l.Prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.Client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: %w", key, ErrNotAcquired)
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", key, ErrNotAcquired)
		case <-time.After(interval):
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.Client, []string{redisKey}, token).Err(); err != nil {
				l.logger().Warn("release project lock", "key", key, "error", err)
			}
		})
	}, nil
}

func (l *Redis) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
