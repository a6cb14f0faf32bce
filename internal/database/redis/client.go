// Package redis caches hot pool state: per-worker hashrate windows,
// the current job for dashboards, counters and rate limits. Nothing
// here is authoritative; Postgres is.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
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

// Job cache

// SetCurrentJob mirrors the current mining job for dashboards and
// debugging; the in-memory job store stays authoritative.
func (c *Client) SetCurrentJob(ctx context.Context, jobData any) error {
	jsonData, err := json.Marshal(jobData)
	if err != nil {
		return fmt.Errorf("failed to marshal job data: %w", err)
	}

	if err := c.rdb.Set(ctx, "current_job", jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}

	return nil
}

// GetCurrentJob retrieves the mirrored current job
func (c *Client) GetCurrentJob(ctx context.Context, dest any) error {
	jsonData, err := c.rdb.Get(ctx, "current_job").Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("no current job")
		}
		return fmt.Errorf("failed to get current job: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %w", err)
	}

	return nil
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
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// SetHashrate appends a hashrate sample for a miner's worker, trimming
// samples older than the window.
func (c *Client) SetHashrate(ctx context.Context, minerAddress, workerName string, hashrate float64, window time.Duration) error {
	key := fmt.Sprintf("hashrate:%s:%s", minerAddress, workerName)
	timestamp := time.Now().Unix()

	member := &redis.Z{
		Score:  float64(timestamp),
		Member: hashrate,
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, *member)
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", timestamp-int64(window.Seconds())))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}

	return nil
}

// GetAverageHashrate calculates average hashrate over a time window
func (c *Client) GetAverageHashrate(ctx context.Context, minerAddress, workerName string, window time.Duration) (float64, error) {
	key := fmt.Sprintf("hashrate:%s:%s", minerAddress, workerName)
	minScore := time.Now().Add(-window).Unix()

	values, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", minScore),
		Max: "+inf",
	}).Result()

	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}

	if len(values) == 0 {
		return 0, nil
	}

	var total float64
	for _, val := range values {
		if hashrate, err := strconv.ParseFloat(val, 64); err == nil {
			total += hashrate
		}
	}

	return total / float64(len(values)), nil
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
	jsonData, err := c.rdb.Get(ctx, cacheKey).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("cache miss")
		}
		return fmt.Errorf("failed to get cache: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache data: %w", err)
	}

	return nil
}

// DeleteCache removes data from cache
func (c *Client) DeleteCache(ctx context.Context, key string) error {
	cacheKey := fmt.Sprintf("cache:%s", key)
	if err := c.rdb.Del(ctx, cacheKey).Err(); err != nil {
		return fmt.Errorf("failed to delete cache: %w", err)
	}
	return nil
}
