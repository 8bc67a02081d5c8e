package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aviate-labs/agent-go/principal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/canister-proxy/internal/helpers"
	"github.com/jnovack/canister-proxy/pkg/cache"
	"github.com/jnovack/canister-proxy/pkg/config"
	"github.com/jnovack/canister-proxy/pkg/resolver"
)

var (
	registryID = principal.MustDecode("rrkah-fqaaa-aaaaa-aaaaq-cai")
	homeID     = principal.MustDecode("ryjl3-tyaaa-aaaaa-aaaba-cai")
)

// registryCaller answers every lookup with homeID.
type registryCaller struct{ t *testing.T }

func (c registryCaller) Query(_ context.Context, id principal.Principal, method string, _ []byte) ([]byte, error) {
	assert.True(c.t, id.Equal(registryID), "lookup goes to the registry")
	assert.Equal(c.t, "lookup", method)
	return helpers.EncodeLookupReply(c.t, homeID), nil
}

func (c registryCaller) Update(context.Context, principal.Principal, string, []byte) ([]byte, error) {
	c.t.Fatal("the registry is only queried")
	return nil, nil
}

func newRules(t *testing.T) resolver.Rules {
	t.Helper()
	rules, err := resolver.NewRules([]string{"home:" + homeID.String()}, nil)
	require.NoError(t, err, "alias rule")
	return rules
}

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err, "default config")
	return cfg
}

func TestBuildLookupsRulesOnly(t *testing.T) {
	chain := buildLookups(context.Background(), newConfig(t), newRules(t), "", registryCaller{t}, nil)
	defer chain.Close()

	require.Len(t, chain.Lookups, 1, "rules only")
	assert.False(t, chain.Cache)
	id, source, ok := resolver.New(chain.Lookups...).ResolveName(context.Background(), "home")
	require.True(t, ok, "alias resolves")
	assert.Equal(t, resolver.SourceRules, source)
	assert.True(t, id.Equal(homeID))
}

func TestBuildLookupsInvalidPhonebookDisablesRegistry(t *testing.T) {
	chain := buildLookups(context.Background(), newConfig(t), newRules(t), "not-a-canister", registryCaller{t}, nil)
	defer chain.Close()

	require.Len(t, chain.Lookups, 1, "registry left out")
	r := resolver.New(chain.Lookups...)
	_, _, ok := r.ResolveName(context.Background(), "docs")
	assert.False(t, ok, "unknown names miss without a registry")
	_, source, ok := r.ResolveName(context.Background(), "home")
	require.True(t, ok, "rules still resolve")
	assert.Equal(t, resolver.SourceRules, source)
}

func TestBuildLookupsUnreachableCache(t *testing.T) {
	cfg := newConfig(t)
	cfg.Cache.URL = "redis://127.0.0.1:1/0"
	chain := buildLookups(context.Background(), cfg, newRules(t), registryID.String(), registryCaller{t}, nil)
	defer chain.Close()

	assert.False(t, chain.Cache, "cache disabled")
	require.Len(t, chain.Lookups, 2, "rules and registry")
	id, source, ok := resolver.New(chain.Lookups...).ResolveName(context.Background(), "docs")
	require.True(t, ok)
	assert.Equal(t, resolver.SourceRegistry, source)
	assert.True(t, id.Equal(homeID))
}

func TestBuildLookupsInvalidTTLFallsBackToDefault(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr := miniredis.RunT(t)

	cfg := newConfig(t)
	cfg.Cache.URL = "redis://" + mr.Addr()
	cfg.Cache.TTL = "forever"
	chain := buildLookups(ctx, cfg, newRules(t), registryID.String(), registryCaller{t}, nil)
	defer chain.Close()

	require.True(t, chain.Cache, "cache stays enabled")
	require.Len(t, chain.Lookups, 3, "rules, cache and registry")
	r := resolver.New(chain.Lookups...)

	_, source, ok := r.ResolveName(ctx, "docs")
	require.True(t, ok)
	assert.Equal(t, resolver.SourceRegistry, source, "first resolution asks the registry")

	require.Eventually(t, func() bool { return mr.Exists("docs") }, time.Second, 10*time.Millisecond, "registry hit is refilled")
	assert.Equal(t, cache.DefaultTTL, mr.TTL("docs"), "invalid lifetime uses the default")

	_, source, ok = r.ResolveName(ctx, "docs")
	require.True(t, ok)
	assert.Equal(t, resolver.SourceCache, source, "second resolution hits the cache")
}

func TestBuildLookupsConfiguredTTL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr := miniredis.RunT(t)

	cfg := newConfig(t)
	cfg.Cache.URL = "redis://" + mr.Addr()
	cfg.Cache.TTL = "30m"
	chain := buildLookups(ctx, cfg, newRules(t), registryID.String(), registryCaller{t}, nil)
	defer chain.Close()

	_, _, ok := resolver.New(chain.Lookups...).ResolveName(ctx, "docs")
	require.True(t, ok)
	require.Eventually(t, func() bool { return mr.Exists("docs") }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 30*time.Minute, mr.TTL("docs"))
}
