package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locks provides cross-process mutexes on Redis keys using SET NX with a
// per-holder token, so a lock is only ever released by its owner.
type Locks struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewLocks constructs a lock manager. The TTL bounds how long a crashed
// holder can keep a key occupied.
func NewLocks(client *redis.Client, ttl time.Duration) *Locks {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Locks{client: client, ttl: ttl, retry: 25 * time.Millisecond}
}

// Acquire blocks until the key is held or ctx is done, and returns the
// release func. Release is best-effort: an expired key is simply gone.
func (l *Locks) Acquire(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("platform/cache: acquire %s: %w", key, err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("platform/cache: acquire %s: %w", key, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("platform/cache: lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
