// Package lock provides a Redis-backed per-job lock so two deployer
// processes never drive the same Jenkins job at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another owner holds the lock.
var ErrHeld = errors.New("lock: held by another owner")

// releaseScript deletes the key only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements deploy.Locker with SET NX PX.
type Redis struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewRedis(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Redis{rdb: rdb, ttl: ttl, prefix: "jdeploy:lock:", logger: logger}
}

// Dial parses a redis:// URL and returns a connected client.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (r *Redis) key(job string) string {
	return r.prefix + job
}

// Acquire takes the lock for job. The lock expires after the TTL even if
// release is never called.
func (r *Redis) Acquire(ctx context.Context, job string) (func(), error) {
	token := uuid.NewString()
	key := r.key(job)

	ok, err := r.rdb.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", job, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, job)
	}

	return func() {
		// Release with a fresh context: the job context may already be done.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.rdb, []string{key}, token).Err(); err != nil && r.logger != nil {
			r.logger.Warn("lock_release_failed", "job", job, "error", err)
		}
	}, nil
}
