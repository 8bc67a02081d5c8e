// Package cache keeps alias name to canister id mappings in Redis and
// refills it in the background from registry hits.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultTTL is how long a refilled alias stays cached.
const DefaultTTL = 24 * time.Hour

const pingTimeout = 2 * time.Second

// Client reads and writes alias entries.
type Client struct {
	rdb *redis.Client
}

// New connects to the Redis server at rawURL (redis://[:password@]host[:port][/db])
// and pings it. Callers treat an error as "cache disabled".
func New(ctx context.Context, rawURL string) (*Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: ping %s: %w", opts.Addr, err)
	}
	log.Debug().Str("addr", opts.Addr).Int("db", opts.DB).Msg("connected to alias cache")
	return &Client{rdb: rdb}, nil
}

// Get returns the canister id text cached for name.
func (c *Client) Get(ctx context.Context, name string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores name with an expiry. Repeated writes reset the expiry.
func (c *Client) Set(ctx context.Context, name, canisterID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, name, canisterID, ttl).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ParseTTL parses a cache lifetime: plain seconds ("86400") or a number with
// a unit suffix of s, m, h or d ("30m", "7d", "1.5h").
func ParseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty ttl")
	}
	if secs, err := strconv.ParseUint(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	unit := s[len(s)-1]
	n, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid ttl %q", s)
	}
	var d time.Duration
	switch unit {
	case 'd':
		d = time.Duration(n * float64(24*time.Hour))
	case 'h':
		d = time.Duration(n * float64(time.Hour))
	case 'm':
		d = time.Duration(n * float64(time.Minute))
	case 's':
		d = time.Duration(n * float64(time.Second))
	default:
		return 0, fmt.Errorf("invalid ttl unit %q in %q", unit, s)
	}
	return d, nil
}
