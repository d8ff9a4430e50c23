// Package redis provides the Redis client used by the proxy for share counters,
// connection gauges, per-address rate limiting and the last-job cache.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by GetCache when the key does not exist
var ErrCacheMiss = errors.New("cache miss")

// Client wraps Redis operations for the proxy
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Key helpers shared with callers and tests
const (
	keyConnections = "proxy:connections"
)

// ShareCounterKey is the per-minute share counter for a user and outcome
func ShareCounterKey(user string, accepted bool, at time.Time) string {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	return fmt.Sprintf("proxy:shares:%s:%s:%d", outcome, user, at.Unix()/60)
}

// RateLimitKey is the connection attempt counter for a remote host
func RateLimitKey(host string) string {
	return "proxy:ratelimit:" + host
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Statistics and counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// RecordShare bumps the per-minute counter for a resolved share and adds its
// difficulty to the user's accepted difficulty sum
func (c *Client) RecordShare(ctx context.Context, user string, accepted bool, difficulty float64, at time.Time) error {
	key := ShareCounterKey(user, accepted, at)

	pipe := c.rdb.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Hour)
	if accepted {
		pipe.HIncrByFloat(ctx, "proxy:difficulty", user, difficulty)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record share: %w", err)
	}
	return nil
}

// AdjustConnections moves the active connection gauge by delta
func (c *Client) AdjustConnections(ctx context.Context, delta int64) (int64, error) {
	val, err := c.rdb.IncrBy(ctx, keyConnections, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to adjust connections: %w", err)
	}
	return val, nil
}

// Connections returns the active connection gauge
func (c *Client) Connections(ctx context.Context) (int64, error) {
	return c.GetCounter(ctx, keyConnections)
}

// Rate limiting

// CheckRateLimit checks if an action is rate limited
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}

	return incrCmd.Val() <= limit, nil
}

// AllowConnection applies the per-minute connection limit for a remote host
func (c *Client) AllowConnection(ctx context.Context, host string, perMinute int) (bool, error) {
	if perMinute <= 0 {
		return true, nil
	}
	return c.CheckRateLimit(ctx, RateLimitKey(host), int64(perMinute), time.Minute)
}

// Caching

// SetCache stores data in cache with expiration
func (c *Client) SetCache(ctx context.Context, key string, data any, expiration time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	cacheKey := fmt.Sprintf("cache:%s", key)
	if err := c.rdb.Set(ctx, cacheKey, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// GetCache retrieves data from cache
func (c *Client) GetCache(ctx context.Context, key string, dest any) error {
	cacheKey := fmt.Sprintf("cache:%s", key)
	jsonData, err := c.rdb.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get cache: %w", err)
	}

	if err := json.Unmarshal(jsonData, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache data: %w", err)
	}

	return nil
}

// LastJobKey is the cache key holding the latest job translated for a user
func LastJobKey(user string) string {
	return "lastjob:" + user
}
