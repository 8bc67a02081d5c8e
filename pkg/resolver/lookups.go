package resolver

import (
	"context"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/rs/zerolog/log"

)

// Getter reads alias entries. *cache.Client satisfies it.
type Getter interface {
	Get(ctx context.Context, name string) (string, bool, error)
}

// CacheLookup resolves names from the alias cache.
type CacheLookup struct {
	cache Getter
}

// NewCacheLookup returns nil when g is nil so a disabled cache drops out of
// the chain.
func NewCacheLookup(g Getter) Lookup {
	if g == nil {
		return nil
	}
	return &CacheLookup{cache: g}
}

// Name implements Lookup.
func (*CacheLookup) Name() string { return SourceCache }

// Lookup implements Lookup.
func (c *CacheLookup) Lookup(ctx context.Context, name string) (principal.Principal, bool) {
	text, ok, err := c.cache.Get(ctx, name)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("name", name).Msg("alias cache read failed")
		return principal.Principal{}, false
	}
	if !ok {
		return principal.Principal{}, false
	}
	id, err := decodeID(text)
	if err != nil {
		log.Ctx(ctx).Warn().Str("name", name).Str("value", text).Msg("alias cache entry is not a canister id")
		return principal.Principal{}, false
	}
	return id, true
}

// Directory looks names up remotely. *canister.Registry satisfies it.
type Directory interface {
	Lookup(ctx context.Context, name string) (principal.Principal, bool, error)
}

// Refill accepts entries to write back into the cache. *cache.Refiller
// satisfies it.
type Refill interface {
	Offer(name, canisterID string) bool
}

// RegistryLookup resolves names through the registry canister and offers
// every hit to the cache refill queue.
type RegistryLookup struct {
	dir    Directory
	refill Refill
}

// NewRegistryLookup returns nil when dir is nil. refill may be nil.
func NewRegistryLookup(dir Directory, refill Refill) Lookup {
	if dir == nil {
		return nil
	}
	return &RegistryLookup{dir: dir, refill: refill}
}

// Name implements Lookup.
func (*RegistryLookup) Name() string { return SourceRegistry }

// Lookup implements Lookup.
func (r *RegistryLookup) Lookup(ctx context.Context, name string) (principal.Principal, bool) {
	id, ok, err := r.dir.Lookup(ctx, name)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("name", name).Msg("registry lookup failed")
		return principal.Principal{}, false
	}
	if !ok {
		return principal.Principal{}, false
	}
	if r.refill != nil {
		r.refill.Offer(name, id.String())
	}
	return id, true
}
