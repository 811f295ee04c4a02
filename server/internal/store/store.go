// Package store implements the narrow ephemeral key-value abstraction the
// registry and queue are built on: string get/set/delete with TTL, set
// membership, and a priority sorted set. A Redis-backed Store is the
// production implementation; Store is also satisfiable by miniredis for
// tests, so no code outside this package speaks go-redis directly.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the persistence interface used by the registry and queue
// components. It mirrors exactly the operations named by the state-store
// abstraction: string values with TTL, set membership, and sorted sets.
type Store interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error

	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, member string, score float64) error
	ZPopMin(ctx context.Context, key string) (member string, score float64, ok bool, err error)
	ZRem(ctx context.Context, key string, member string) error
	ZCard(ctx context.Context, key string) (int64, error)

	Close() error
}

// Redis is the production Store, backed by a go-redis client.
type Redis struct {
	client *redis.Client
}

// NewRedis dials url (a redis:// connection string) and verifies
// reachability with a bounded ping before returning.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an already-constructed client, used by tests
// pointed at a miniredis instance.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	return r.client.SAdd(ctx, key, member).Err()
}

func (r *Redis) SRem(ctx context.Context, key, member string) error {
	return r.client.SRem(ctx, key, member).Err()
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *Redis) ZPopMin(ctx context.Context, key string) (string, float64, bool, error) {
	res, err := r.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", 0, false, err
	}
	if len(res) == 0 {
		return "", 0, false, nil
	}
	member, _ := res[0].Member.(string)
	return member, res[0].Score, true, nil
}

func (r *Redis) ZRem(ctx context.Context, key, member string) error {
	return r.client.ZRem(ctx, key, member).Err()
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, key).Result()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
