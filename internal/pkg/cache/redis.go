// Package cache provides the Redis client used for session state,
// leaderboards and short-lived game markers.
package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"dice-arena-bot/internal/config"
)

// Client wraps redis.Client.
type Client struct {
	*redis.Client
}

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	log.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("Connecting to Redis")

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info().Msg("Successfully connected to Redis")

	return &Client{Client: rdb}, nil
}

// Close closes the client.
func (c *Client) Close() error {
	if c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	log.Info().Msg("Redis client closed")
	return err
}

// HealthCheck pings Redis. It satisfies ops.Pinger.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}
