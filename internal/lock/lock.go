// Package lock is a Redis mutual-exclusion lock: SET NX PX to acquire and
// a token-checked Lua script to release. The TTL outlives the guarded work,
// so locks are never refreshed.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultTTL = 30 * time.Minute

var ErrNotInitialized = errors.New("redis lock not initialized")

type Locker struct {
	rdb    *redis.Client
	prefix string
}

func New(rdb *redis.Client, prefix string) *Locker {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "adreel:lock:"
	}
	return &Locker{rdb: rdb, prefix: prefix}
}

func (l *Locker) Key(id string) string {
	return l.prefix + strings.TrimSpace(id)
}

// Token returns a random owner token.
func Token() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func (l *Locker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if l == nil || l.rdb == nil {
		return false, ErrNotInitialized
	}
	if key == "" || token == "" {
		return false, errors.New("lock key and token are required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return l.rdb.SetNX(ctx, key, token, ttl).Result()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// Release deletes the lock only if token still owns it.
func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	if l == nil || l.rdb == nil {
		return false, ErrNotInitialized
	}
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
