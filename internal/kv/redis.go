package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	rsgoredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps coordination state in Redis so it survives restarts
// and is shared between replicas. Locks use redsync.
type RedisStore struct {
	client *goredis.Client
	sync   *redsync.Redsync
	prefix string
}

func NewRedisStore(client *goredis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		sync:   redsync.New(rsgoredis.NewPool(client)),
		prefix: prefix,
	}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisStore(client, prefix), nil
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

func (r *RedisStore) SetInt(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) GetInt(ctx context.Context, key string) (int64, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisStore) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	mutex := r.sync.NewMutex(r.key("lock:"+key), redsync.WithExpiry(ttl))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	return func() {
		_, _ = mutex.UnlockContext(context.Background())
	}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
