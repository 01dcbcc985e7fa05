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

const (
	keyPrefix     = "relay:turn:"
	retryInterval = 50 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token, so a
// lease that expired and was re-acquired elsewhere is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a turn lock shared by every relay instance pointed at the same server.
// Each hold is a lease: a holder that dies frees the key after lease elapses.
type Redis struct {
	rdb    redis.UniversalClient
	lease  time.Duration
	logger *slog.Logger
}

func NewRedis(rdb redis.UniversalClient, lease time.Duration, logger *slog.Logger) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("lock: redis client must not be nil")
	}
	if lease <= 0 {
		return nil, errors.New("lock: lease must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, lease: lease, logger: logger}, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		ok, err := r.rdb.SetNX(ctx, k, token, r.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", k, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// Release even when the turn's context is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.rdb, []string{k}, token).Err(); err != nil {
			r.logger.Warn("failed to release turn lock", "key", k, "error", err)
		}
	}, nil
}
