package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis stores hints in a shared redis so several processes start from the
// same endpoint and backoff.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis connects to the redis at url (redis://host:port/db).
func NewRedis(url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisWithClient(redis.NewClient(opts), prefix), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) GetPriorityEndpoint(ctx context.Context, chainID string) (string, bool, error) {
	return r.get(ctx, priorityKey(chainID))
}

func (r *Redis) PutPriorityEndpoint(ctx context.Context, chainID, url string) error {
	return r.rdb.Set(ctx, r.key(priorityKey(chainID)), url, 0).Err()
}

func (r *Redis) GetBackoffInterval(ctx context.Context, chainID string) (time.Duration, bool, error) {
	v, ok, err := r.get(ctx, backoffKey(chainID))
	if err != nil || !ok {
		return 0, false, err
	}
	d, err := decodeInterval(v)
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}

func (r *Redis) PutBackoffInterval(ctx context.Context, chainID string, interval time.Duration) error {
	return r.rdb.Set(ctx, r.key(backoffKey(chainID)), encodeInterval(interval), 0).Err()
}

func (r *Redis) DeleteBackoffInterval(ctx context.Context, chainID string) error {
	return r.rdb.Del(ctx, r.key(backoffKey(chainID))).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}
