package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"sage/internal/logging"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes policy writes across processes with SET NX PX.
type RedisLocker struct {
	rdb    *goredis.Client
	ttl    time.Duration
	prefix string
	log    *logging.Logger
}

func NewRedisLocker(ctx context.Context, addr string, ttl time.Duration, log *logging.Logger) (*RedisLocker, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisLocker{
		rdb:    rdb,
		ttl:    ttl,
		prefix: "sage:lock:",
		log:    logging.OrNop(log).With("component", "RedisLocker"),
	}, nil
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	full := r.prefix + key
	backoff := 10 * time.Millisecond
	for {
		ok, err := r.rdb.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %s: %w", full, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even when the caller's context is already canceled.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, r.rdb, []string{full}, token).Err(); err != nil {
				r.log.Warn("redis lock release failed", "key", full, "err", err)
			}
		})
	}, nil
}

func (r *RedisLocker) Close() error {
	return r.rdb.Close()
}
