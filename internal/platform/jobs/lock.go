package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Locker grants exclusive leases on named jobs so that only one run of a
// given job is active at a time.
type Locker interface {
	// TryLock returns the lease and true when it was taken.
	TryLock(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error)
}

// Lease is a held job lock.
type Lease interface {
	// Refresh extends the lease to ttl from now. ok is false only when the
	// lease is known to be lost; an error with ok true is transient.
	Refresh(ctx context.Context, ttl time.Duration) (ok bool, err error)
	Release()
}

// MemoryLocker serializes jobs within one process.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]*memoryLease
	nowFn func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]*memoryLease), nowFn: time.Now}
}

type memoryLease struct {
	l     *MemoryLocker
	name  string
	until time.Time
}

func (l *MemoryLocker) TryLock(_ context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if cur, ok := l.held[name]; ok && now.Before(cur.until) {
		return nil, false, nil
	}
	lease := &memoryLease{l: l, name: name, until: now.Add(ttl)}
	l.held[name] = lease
	return lease, true, nil
}

func (m *memoryLease) Refresh(_ context.Context, ttl time.Duration) (bool, error) {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	now := m.l.nowFn()
	if m.l.held[m.name] != m || !now.Before(m.until) {
		return false, nil
	}
	m.until = now.Add(ttl)
	return true, nil
}

func (m *memoryLease) Release() {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	if m.l.held[m.name] == m {
		delete(m.l.held, m.name)
	}
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// refreshScript extends the key's expiry only if it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker coordinates jobs across instances with SET NX PX leases.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: l.client, key: key, token: token}, true, nil
}

func (r *redisLease) Refresh(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, r.client, []string{r.key}, r.token, ttl.Milliseconds()).Int()
	if err != nil {
		return true, fmt.Errorf("refresh lock %s: %w", r.key, err)
	}
	return n == 1, nil
}

func (r *redisLease) Release() {
	releaseScript.Run(context.Background(), r.client, []string{r.key}, r.token)
}

// advisoryNamespace is the first key of every job advisory lock.
const advisoryNamespace int32 = 0x7472

// PGLocker takes session advisory locks, so the lease lives exactly as long
// as the connection holding it. It coordinates every process sharing the
// database, including one-off `run` invocations.
type PGLocker struct {
	pool *pgxpool.Pool
}

func NewPGLocker(pool *pgxpool.Pool) *PGLocker {
	return &PGLocker{pool: pool}
}

type pgLease struct {
	conn *pgxpool.Conn
	name string
}

func (l *PGLocker) TryLock(ctx context.Context, name string, _ time.Duration) (Lease, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection for lock %s: %w", name, err)
	}
	var ok bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, hashtext($2))`, advisoryNamespace, name).Scan(&ok)
	if err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return &pgLease{conn: conn, name: name}, true, nil
}

// Refresh checks that the session holding the lock is still alive.
func (p *pgLease) Refresh(ctx context.Context, _ time.Duration) (bool, error) {
	if err := p.conn.Ping(ctx); err != nil {
		return false, fmt.Errorf("lock %s session: %w", p.name, err)
	}
	return true, nil
}

func (p *pgLease) Release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.conn.Exec(ctx, `SELECT pg_advisory_unlock($1, hashtext($2))`, advisoryNamespace, p.name); err != nil {
		// Closing the session drops its locks.
		_ = p.conn.Conn().Close(ctx)
	}
	p.conn.Release()
}
