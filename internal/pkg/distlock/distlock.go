// Package distlock provides best-effort distributed locking for the dispatch
// control loops, so that multiple backend instances don't emit or tick the
// same campaign twice.
//
// The Redis backend is preferred for cross-host locking; when no Redis client
// is configured we fall back to PostgreSQL advisory locks, which are
// session-scoped and released automatically if the connection drops.
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is the interface for a single-use distributed lock. A Lock instance
// is not safe for concurrent use; create one per protected operation.
type Lock interface {
	// TryAcquire attempts to take the lock without blocking.
	TryAcquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this instance still owns it.
	Release(ctx context.Context) error
}

// New returns a lock on the given key using the best available backend.
func New(rdb *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if rdb != nil {
		return newRedisLock(rdb, key, ttl)
	}
	return newAdvisoryLock(db, key)
}

// redisLock implements Lock with SET NX plus a random ownership token, so a
// lock that expired and was re-acquired elsewhere is never released by the
// stale owner.
type redisLock struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

func newRedisLock(rdb *redis.Client, key string, ttl time.Duration) *redisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &redisLock{
		rdb:   rdb,
		key:   "dispatch:lock:" + key,
		token: hex.EncodeToString(b),
		ttl:   ttl,
	}
}

func (l *redisLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

func (l *redisLock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Result()
	return err
}

// advisoryLock implements Lock with pg_try_advisory_lock. The 64-bit lock id
// is derived from the key with FNV-1a.
type advisoryLock struct {
	db     *sql.DB
	lockID int64
}

func newAdvisoryLock(db *sql.DB, key string) *advisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &advisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *advisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

func (l *advisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
