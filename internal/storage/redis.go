package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// greetingTTL keeps a day's set around long enough to cover time zone skew.
const greetingTTL = 48 * time.Hour

// RedisGreetings implements GreetingLedger on a Redis set per day.
type RedisGreetings struct {
	client *redis.Client
	prefix string
}

// NewRedisGreetings connects to the Redis server at url (redis://host:port/db)
// and verifies the connection.
func NewRedisGreetings(ctx context.Context, url string) (*RedisGreetings, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisGreetings{client: client, prefix: "unicontrol:birthday"}, nil
}

func (r *RedisGreetings) key(day string) string {
	return r.prefix + ":" + day
}

// Greeted reports whether the student was already greeted on day.
func (r *RedisGreetings) Greeted(ctx context.Context, studentID int64, day string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key(day), strconv.FormatInt(studentID, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("check greeting: %w", err)
	}
	return ok, nil
}

// MarkGreeted adds the student to the day's set.
func (r *RedisGreetings) MarkGreeted(ctx context.Context, studentID int64, _ string, day string) error {
	key := r.key(day)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, strconv.FormatInt(studentID, 10))
	pipe.Expire(ctx, key, greetingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark greeted: %w", err)
	}
	return nil
}

// ForgetDay drops the day's set.
func (r *RedisGreetings) ForgetDay(ctx context.Context, day string) error {
	if err := r.client.Del(ctx, r.key(day)).Err(); err != nil {
		return fmt.Errorf("forget greetings: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisGreetings) Close() error {
	return r.client.Close()
}
