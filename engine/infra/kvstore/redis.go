package kvstore

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crystal-sds/metrics-relay/pkg/config"
	"github.com/crystal-sds/metrics-relay/pkg/logger"
)

const fallbackPingTimeout = 10 * time.Second

// Client wraps a Redis connection scoped to the relay's needs: reading the
// metric-definition hash maintained by the controller.
type Client struct {
	client redis.UniversalClient
	once   sync.Once // guarantees idempotent, race-free Close
}

// New creates a Redis client from the provided configuration and verifies
// connectivity with a bounded ping.
func New(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	log := logger.FromContext(ctx).With("component", "infra_kvstore")
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	client, err := buildClient(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = fallbackPingTimeout
	}
	if err := ping(ctx, client, timeout); err != nil {
		client.Close()
		return nil, err
	}
	log.Info("Redis connection established", "host", cfg.Host, "port", cfg.Port, "db", cfg.DB)
	return &Client{client: client}, nil
}

// NewFromClient wraps an existing Redis client. Used by tests to back the
// store with miniredis.
func NewFromClient(client redis.UniversalClient) *Client {
	return &Client{client: client}
}

func buildClient(cfg *config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	opt := &redis.Options{
		Addr:        net.JoinHostPort(cfg.Host, cfg.Port),
		Password:    cfg.Password.Value(),
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}
	return redis.NewClient(opt), nil
}

func ping(ctx context.Context, client redis.UniversalClient, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("pinging Redis server (timeout=%s): %w", timeout, err)
	}
	return nil
}

// HGetAll returns all fields and values of the hash stored at key. A missing
// hash yields an empty map, matching Redis semantics.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading hash %q: %w", key, err)
	}
	return res, nil
}

// Ping checks if the Redis server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client.
func (c *Client) Client() redis.UniversalClient {
	return c.client
}

// Close shuts down the Redis connection.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		err = c.client.Close()
	})
	return err
}
