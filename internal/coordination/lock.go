// Package coordination serializes collector runs across processes using Redis.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a crashed holder blocks other runs.
	DefaultTTL = 30 * time.Minute

	// DefaultRetryDelay is the pause between acquisition attempts.
	DefaultRetryDelay = 250 * time.Millisecond
)

var (
	// ErrLockNotAcquired is returned when another holder keeps the lock for
	// the whole wait window.
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrLockNotHeld is returned when releasing a lease that expired or was
	// taken over.
	ErrLockNotHeld = errors.New("lock not held")
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Config controls lease duration and how long Acquire waits.
type Config struct {
	TTL        time.Duration
	Wait       time.Duration // zero means a single attempt
	RetryDelay time.Duration
}

// Locker hands out leases on Redis keys.
type Locker struct {
	client *redis.Client
	cfg    Config
}

// Open connects to Redis at addr and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// NewLocker creates a Locker. Zero durations fall back to defaults.
func NewLocker(client *redis.Client, cfg Config) *Locker {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Locker{client: client, cfg: cfg}
}

// Lease is a held lock.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes the lock on key, retrying until the configured wait elapses.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.cfg.Wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return &Lease{client: l.client, key: key, token: token}, nil
		}
		if !time.Now().Add(l.cfg.RetryDelay).Before(deadline) {
			return nil, fmt.Errorf("%s: %w", key, ErrLockNotAcquired)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.RetryDelay):
		}
	}
}

// Key returns the locked key.
func (l *Lease) Key() string {
	return l.key
}

// Release deletes the key if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrLockNotHeld)
	}
	return nil
}
