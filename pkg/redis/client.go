package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"
)

// Nil is returned by Get when the key does not exist
const Nil = redis.Nil

// Config holds Redis connection configuration
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Client wraps the Redis client with logging and common operations
type Client struct {
	rdb    *redis.Client
	logger ectologger.Logger
}

// NewClient creates a new Redis client and verifies the connection
func NewClient(ctx context.Context, cfg Config, logger ectologger.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Infof("Connected to Redis at %s", addr)

	return NewClientFromRedis(rdb, logger), nil
}

// NewClientFromRedis wraps an existing go-redis client
func NewClientFromRedis(rdb *redis.Client, logger ectologger.Logger) *Client {
	return &Client{
		rdb:    rdb,
		logger: logger,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// Set sets a value with optional expiration
func (c *Client) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return c.rdb.Set(ctx, key, value, expiration).Err()
}

// Incr increments a key's value
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}
