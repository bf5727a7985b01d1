package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "replan:dedup:"

// RedisDedup is the shared dedup index for the ingestor, surviving
// process restarts. Keys carry the last arrival time with the dedup
// window as TTL.
type RedisDedup struct {
	client *redis.Client
}

// NewRedisDedup connects and verifies the backend.
func NewRedisDedup(ctx context.Context, addr, password string, db int) (*RedisDedup, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisDedup{client: client}, nil
}

// Close releases the client.
func (d *RedisDedup) Close() error {
	return d.client.Close()
}

// Touch implements ingest.DedupIndex: it atomically swaps in the new
// arrival time and returns the previous one, zero if none was recorded
// within the TTL.
func (d *RedisDedup) Touch(ctx context.Context, key string, at time.Time, ttl time.Duration) (time.Time, error) {
	full := dedupKeyPrefix + key
	prev, err := d.client.GetSet(ctx, full, at.UnixNano()).Result()
	if err != nil && err != redis.Nil {
		return time.Time{}, err
	}
	if expireErr := d.client.Expire(ctx, full, ttl).Err(); expireErr != nil {
		return time.Time{}, expireErr
	}
	if err == redis.Nil {
		return time.Time{}, nil
	}
	nanos, parseErr := strconv.ParseInt(prev, 10, 64)
	if parseErr != nil {
		return time.Time{}, nil
	}
	return time.Unix(0, nanos), nil
}
