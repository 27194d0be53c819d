package llmlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the caller owns it. A missing key
// means the lock expired or was never taken, which also counts as released.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
	return 1
end
if v == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// RedisLock shares the lock between processes through one redis key whose
// value is the owner token and whose PX expiry is the TTL.
type RedisLock struct {
	rdb *redis.Client
	key string
}

// RedisOptions configures NewRedisLock.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewRedisLock connects and verifies the connection with a PING.
func NewRedisLock(ctx context.Context, opts RedisOptions) (*RedisLock, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	key := opts.Key
	if key == "" {
		key = "tributary:llm_lock"
	}
	return &RedisLock{rdb: rdb, key: key}, nil
}

func (l *RedisLock) Acquire(ctx context.Context, ttl time.Duration) (string, State, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return "", State{}, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		st, err := l.Status(ctx)
		if err != nil {
			return "", State{}, err
		}
		return "", st, ErrHeld
	}
	now := time.Now()
	return token, liveState(now.Add(ttl), now), nil
}

func (l *RedisLock) Release(ctx context.Context, token string) (State, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Int()
	if err != nil {
		return State{}, fmt.Errorf("redis release: %w", err)
	}
	if n == 0 {
		st, err := l.Status(ctx)
		if err != nil {
			return State{}, err
		}
		return st, ErrNotOwner
	}
	return State{}, nil
}

func (l *RedisLock) Status(ctx context.Context) (State, error) {
	pttl, err := l.rdb.PTTL(ctx, l.key).Result()
	if err != nil {
		return State{}, fmt.Errorf("redis pttl: %w", err)
	}
	// -2 is a missing key; -1 would be a key without expiry, which this
	// package never writes.
	if pttl <= 0 {
		return State{}, nil
	}
	now := time.Now()
	return liveState(now.Add(pttl), now), nil
}

// Ping reports whether redis is reachable.
func (l *RedisLock) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// Close closes the redis client.
func (l *RedisLock) Close() error {
	return l.rdb.Close()
}
