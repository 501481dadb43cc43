// Package redis tracks which files of a job have already been delivered, so a
// resumed or replayed batch never sends the same file twice.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the delivered-file set.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	TTL      string `yaml:"ttl"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := 7 * 24 * time.Hour
	if cfg.TTL != "" {
		parsed, err := time.ParseDuration(cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis ttl %q: %w", cfg.TTL, err)
		}
		ttl = parsed
	}

	return &Client{rdb: rdb, ttl: ttl}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func deliveredKey(sourceURL, path string) string {
	sum := sha256.Sum256([]byte(sourceURL + "\x00" + path))
	return fmt.Sprintf("delivered:%s", hex.EncodeToString(sum[:16]))
}

// IsDelivered reports whether the file was already delivered for this source,
// returning the stored remote reference when it was.
func (c *Client) IsDelivered(
	ctx context.Context,
	sourceURL, path string,
) (bool, string, error) {
	ref, err := c.rdb.Get(ctx, deliveredKey(sourceURL, path)).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("delivered lookup failed: %w", err)
	}
	return true, ref, nil
}

// MarkDelivered records a successful delivery. The entry expires after the
// configured TTL; by then the job row itself has aged out of the recovery log.
func (c *Client) MarkDelivered(
	ctx context.Context,
	sourceURL, path, remoteRef string,
) error {
	if err := c.rdb.Set(ctx, deliveredKey(sourceURL, path), remoteRef, c.ttl).Err(); err != nil {
		return fmt.Errorf("delivered mark failed: %w", err)
	}
	return nil
}

// Health checks if Redis is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
