package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RefillCapacity bounds the queue between request handlers and the writer.
const RefillCapacity = 32

// Entry is one alias mapping.
type Entry struct {
	Name       string
	CanisterID string
}

// Metrics counts refill outcomes.
type Metrics interface {
	IncRefillWrites()
	IncRefillDrops()
	IncRefillErrors()
}

type nopMetrics struct{}

func (nopMetrics) IncRefillWrites() {}
func (nopMetrics) IncRefillDrops()  {}
func (nopMetrics) IncRefillErrors() {}

// Refiller writes registry hits back into the cache from a single goroutine.
type Refiller struct {
	client  *Client
	ttl     time.Duration
	metrics Metrics
	queue   chan Entry
}

// NewRefiller creates a Refiller. Call Run to start the writer.
func NewRefiller(client *Client, ttl time.Duration, m Metrics) *Refiller {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &Refiller{client: client, ttl: ttl, metrics: m, queue: make(chan Entry, RefillCapacity)}
}

// Offer queues an entry without blocking. A full queue drops the entry.
func (r *Refiller) Offer(name, canisterID string) bool {
	select {
	case r.queue <- Entry{Name: name, CanisterID: canisterID}:
		return true
	default:
		r.metrics.IncRefillDrops()
		log.Warn().Str("name", name).Str("canister_id", canisterID).Msg("cache refill queue full, dropping entry")
		return false
	}
}

// Run writes queued entries until ctx is done.
func (r *Refiller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-r.queue:
			if err := r.client.Set(ctx, e.Name, e.CanisterID, r.ttl); err != nil {
				r.metrics.IncRefillErrors()
				log.Error().Err(err).Str("name", e.Name).Msg("cache refill failed")
				continue
			}
			r.metrics.IncRefillWrites()
			log.Debug().Str("name", e.Name).Str("canister_id", e.CanisterID).Dur("ttl", r.ttl).Msg("cache refilled")
		}
	}
}

// Seed writes entries directly and returns how many were stored.
func Seed(ctx context.Context, c *Client, entries []Entry, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	for i, e := range entries {
		if err := c.Set(ctx, e.Name, e.CanisterID, ttl); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}
