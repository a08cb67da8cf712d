package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Lease keeps a sweep to one process across instances. The reentrancy
// flag inside Scheduler only covers a single process.
type Lease interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

const leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLease holds a SET NX key with a TTL; release only deletes the key
// while this holder still owns it.
type RedisLease struct {
	client redis.UniversalClient
	script *redis.Script
}

func NewRedisLease(client redis.UniversalClient) *RedisLease {
	return &RedisLease{
		client: client,
		script: redis.NewScript(leaseReleaseScript),
	}
}

func (l *RedisLease) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if key == "" {
		return nil, false, errors.New("lease key is empty")
	}
	if ttl <= 0 {
		return nil, false, errors.New("lease ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = l.script.Run(context.Background(), l.client, []string{key}, token).Err()
		})
	}
	return release, true, nil
}

// PGAdvisoryLease holds a session advisory lock on a dedicated connection
// for as long as the sweep runs. The ttl is not enforced; the lock goes
// away with the connection.
type PGAdvisoryLease struct {
	db *sql.DB
}

func NewPGAdvisoryLease(db *sql.DB) *PGAdvisoryLease {
	return &PGAdvisoryLease{db: db}
}

func (l *PGAdvisoryLease) TryAcquire(ctx context.Context, key string, _ time.Duration) (func(), bool, error) {
	lockID := advisoryKey(key)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("lease connection for %s: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("try advisory lock for %s: %w", key, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
			_ = conn.Close()
		})
	}
	return release, true, nil
}

// advisoryKey hashes key to a non-negative int64 with FNV-1a.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}

// LocalLease always succeeds. Use it for single-instance deployments.
type LocalLease struct{}

func (LocalLease) TryAcquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}
