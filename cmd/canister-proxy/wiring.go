package main

import (
	"context"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/canister-proxy/pkg/cache"
	"github.com/jnovack/canister-proxy/pkg/canister"
	"github.com/jnovack/canister-proxy/pkg/config"
	"github.com/jnovack/canister-proxy/pkg/resolver"
)

// sources is the resolver chain plus what main reports and releases.
type sources struct {
	Lookups []resolver.Lookup
	Cache   bool
	Close   func()
}

// buildLookups assembles rules, the alias cache and the registry into a
// resolver chain. Cache and registry problems are logged and leave that
// source out; the rules always resolve.
func buildLookups(ctx context.Context, cfg *config.Config, rules resolver.Rules, phonebook string, caller canister.Caller, metrics cache.Metrics) sources {
	s := sources{Lookups: []resolver.Lookup{rules}, Close: func() {}}

	// Nil interfaces keep disabled sources out of the chain.
	var refill resolver.Refill
	if cfg.Cache.URL != "" {
		ttl, err := cfg.CacheTTL()
		if err != nil {
			log.Warn().Err(err).Str("ttl", cfg.Cache.TTL).Dur("default", cache.DefaultTTL).Msg("invalid cache lifetime, using the default")
			ttl = cache.DefaultTTL
		}
		client, err := cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			log.Warn().Err(err).Msg("alias cache unavailable, continuing without it")
		} else {
			r := cache.NewRefiller(client, ttl, metrics)
			go r.Run(ctx)
			refill = r
			s.Lookups = append(s.Lookups, resolver.NewCacheLookup(client))
			s.Cache = true
			s.Close = func() { _ = client.Close() }
			log.Info().Dur("ttl", ttl).Msg("alias cache enabled")
		}
	}

	if phonebook != "" {
		id, err := principal.Decode(phonebook)
		if err != nil {
			log.Warn().Err(err).Str("phonebook_id", phonebook).Msg("invalid registry canister id, registry disabled")
		} else {
			s.Lookups = append(s.Lookups, resolver.NewRegistryLookup(canister.NewRegistry(caller, id), refill))
		}
	}
	return s
}
