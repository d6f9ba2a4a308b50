package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/smukkama/weather-alerts/internal/logger"
)

// ErrLockTimeout is returned when a lock could not be taken before the
// caller's context ended.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// releaseScript deletes the lock only while it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out named mutexes stored in Redis, so every process that
// shares the Redis instance sees the same owner. A lock expires after ttl
// if its holder dies without releasing it.
type Locker struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    zerolog.Logger
}

// NewLocker creates a locker whose keys are stored as "<prefix>:lock:<id>"
func NewLocker(client *redis.Client, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{
		redis:  client,
		prefix: prefix,
		ttl:    ttl,
		retry:  20 * time.Millisecond,
		log:    logger.WithComponent("lock"),
	}
}

func (l *Locker) key(id string) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, id)
}

// Lock blocks until the caller owns id or ctx ends. The returned function
// releases the lock; it is a no-op once the lock has expired and been
// taken by someone else.
func (l *Locker) Lock(ctx context.Context, id string) (func(), error) {
	key := l.key(id)
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, id)
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", id, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, id)
		case <-ticker.C:
		}
	}

	return func() {
		// The caller's context may already be done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.redis, []string{key}, token).Err(); err != nil {
			l.log.Warn().Err(err).Str("lock", id).Msg("failed to release lock")
		}
	}, nil
}
