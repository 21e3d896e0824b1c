// Package redis provides the Redis cache for Xenohash.
// It holds a read-through copy of energy accounts, the latest round status
// and a few counters.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/xenohash/internal/energy"
)

// ErrCacheMiss is returned when a key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Key names.
const (
	statusKey       = "round:status"
	minersOnlineKey = "presence:miners_online"
)

// Client wraps Redis operations
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

// DefaultConfig returns pool settings for url.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewClient creates a new Redis client
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
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

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
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

// Energy accounts

func energyKey(clientID string) string {
	return "energy:" + clientID
}

// GetEnergy returns the cached account or ErrCacheMiss.
func (c *Client) GetEnergy(ctx context.Context, clientID string) (energy.Account, error) {
	var acct energy.Account
	if err := c.getJSON(ctx, energyKey(clientID), &acct); err != nil {
		return energy.Account{}, err
	}
	return acct, nil
}

// SetEnergy caches an account
func (c *Client) SetEnergy(ctx context.Context, clientID string, acct energy.Account, ttl time.Duration) error {
	return c.setJSON(ctx, energyKey(clientID), acct, ttl)
}

// Round status

// SetStatus stores the latest round status document
func (c *Client) SetStatus(ctx context.Context, status any, ttl time.Duration) error {
	return c.setJSON(ctx, statusKey, status, ttl)
}

// Counters

// SetMinersOnline stores the presence count
func (c *Client) SetMinersOnline(ctx context.Context, count int) error {
	if err := c.rdb.Set(ctx, minersOnlineKey, count, 0).Err(); err != nil {
		return fmt.Errorf("failed to set miners online: %w", err)
	}
	return nil
}

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

// ShareCounterKey names the per-round share counter for status.
func ShareCounterKey(roundNumber int64, status string) string {
	return fmt.Sprintf("shares:%d:%s", roundNumber, status)
}

func (c *Client) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, key string, dest any) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}
