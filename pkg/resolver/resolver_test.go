package resolver

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aviate-labs/agent-go/principal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/canister-proxy/pkg/cache"
)

const nftCanister = "r5m5i-tiaaa-aaaaj-acgaq-cai"

type staticLookup struct {
	name, id string
	calls    int
}

func (s *staticLookup) Name() string { return "static" }

func (s *staticLookup) Lookup(_ context.Context, name string) (principal.Principal, bool) {
	s.calls++
	if name != s.name {
		return principal.Principal{}, false
	}
	return principal.MustDecode(s.id), true
}

func resolve(t *testing.T, r *Resolver, raw string) (Target, bool) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err, raw)
	return r.Resolve(context.Background(), u)
}

func TestResolvePaths(t *testing.T) {
	r := New(&staticLookup{name: "uefa_nfts4g", id: nftCanister})

	cases := map[string]string{
		"/-/uefa_nfts4g/-/uefa_nfts4g_0":               "/-/uefa_nfts4g_0",
		"/-/" + nftCanister + "/-/uefa_nfts4g_0":       "/-/uefa_nfts4g_0",
		"/-/" + nftCanister + "/-/1":                   "/-/1",
		"/-/" + nftCanister + "/-/1/ex":                "/-/1/ex",
		"/-/" + nftCanister + "/-/1/ex/yx":             "/-/1/ex/yx",
		"/-/" + nftCanister + "/-/1/ex/yx?q1=23&q2=33": "/-/1/ex/yx?q1=23&q2=33",
		"/-/" + nftCanister + "/-/1/ex/yx?_raw":        "/-/1/ex/yx?_raw",
		"/-/uefa_nfts4g/-/a%20b/c":                     "/-/a%20b/c",
		"/-/uefa_nfts4g/-/":                            "/-/",
	}
	for in, want := range cases {
		target, ok := resolve(t, r, in)
		require.True(t, ok, "resolves %s", in)
		assert.Equal(t, want, target.Path, in)
		assert.Equal(t, nftCanister, target.CanisterID.String(), in)
	}
}

func TestResolveRejectsShapes(t *testing.T) {
	r := New(&staticLookup{name: "uefa_nfts4g", id: nftCanister})

	for _, in := range []string{
		"/uefa_nfts4g/-/uefa_nfts4g_0",
		"/-/uefa_nfts4g/uefa_nfts4g_0",
		"/-/uefa_nfts3g/-/uefa_nfts4g_0",
		"/uefa_nfts4g/uefa_nfts4g_0",
		"/-/uefa_nfts4g",
		"/-/uefa_nfts4g/",
		"/-/uefa_nfts4g/-",
		"/-//-/x",
		"/",
	} {
		_, ok := resolve(t, r, in)
		assert.False(t, ok, "%s does not resolve", in)
	}
}

func TestResolveSource(t *testing.T) {
	first := &staticLookup{name: "a", id: nftCanister}
	second := &staticLookup{name: "b", id: "rwlgt-iiaaa-aaaaa-aaaaa-cai"}
	r := New(nil, first, nil, second)

	target, ok := resolve(t, r, "/-/"+nftCanister+"/-/x")
	require.True(t, ok)
	assert.Equal(t, SourcePrincipal, target.Source)
	assert.Zero(t, first.calls, "canister ids skip the lookups")

	target, ok = resolve(t, r, "/-/b/-/x")
	require.True(t, ok)
	assert.Equal(t, "static", target.Source)
	assert.Equal(t, "rwlgt-iiaaa-aaaaa-aaaaa-cai", target.CanisterID.String())
	assert.Equal(t, 1, first.calls, "earlier lookups are consulted first")
	assert.Equal(t, 1, second.calls)
}

func TestRules(t *testing.T) {
	rules, err := NewRules(
		[]string{"happy.little.domain.name:r7inp-6aaaa-aaaaa-aaabq-cai", "little.domain.name:rrkah-fqaaa-aaaaa-aaaaq-cai"},
		[]string{"ic0.app", "raw.ic0.app"},
	)
	require.NoError(t, err)

	cases := map[string]string{
		"happy.little.domain.name":                "r7inp-6aaaa-aaaaa-aaabq-cai",
		"very.happy.little.domain.name":           "r7inp-6aaaa-aaaaa-aaabq-cai",
		"LITTLE.Domain.Name":                      "rrkah-fqaaa-aaaaa-aaaaq-cai",
		"sad.little.domain.name":                  "rrkah-fqaaa-aaaaa-aaaaq-cai",
		"rwlgt-iiaaa-aaaaa-aaaaa-cai.ic0.app":     "rwlgt-iiaaa-aaaaa-aaaaa-cai",
		"rwlgt-iiaaa-aaaaa-aaaaa-cai.raw.ic0.app": "rwlgt-iiaaa-aaaaa-aaaaa-cai",
		"x.ryjl3-tyaaa-aaaaa-aaaba-cai.ic0.app":   "ryjl3-tyaaa-aaaaa-aaaba-cai",
	}
	for name, want := range cases {
		id, ok := rules.Lookup(context.Background(), name)
		require.True(t, ok, name)
		assert.Equal(t, want, id.String(), name)
	}

	for _, name := range []string{"domain.name", "ic0.app", "nope.ic0.app", "rwlgt-iiaaa-aaaaa-aaaaa-cai.ic1.app", ""} {
		_, ok := rules.Lookup(context.Background(), name)
		assert.False(t, ok, name)
	}
}

func TestRulesOrderLongestFirst(t *testing.T) {
	rules, err := NewRules([]string{"b.c:rrkah-fqaaa-aaaaa-aaaaq-cai", "a.b.c:r7inp-6aaaa-aaaaa-aaabq-cai"}, []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.b.c:r7inp-6aaaa-aaaaa-aaabq-cai", "b.c:rrkah-fqaaa-aaaaa-aaaaq-cai"}, rules.Aliases())
	assert.Equal(t, []string{"c"}, rules.Suffixes())

	id, ok := rules.Lookup(context.Background(), "x.a.b.c")
	require.True(t, ok)
	assert.Equal(t, "r7inp-6aaaa-aaaaa-aaabq-cai", id.String(), "a.b.c wins over b.c")
}

func TestParseAliasErrors(t *testing.T) {
	for _, in := range []string{"no-colon", ":rrkah-fqaaa-aaaaa-aaaaq-cai", "name:not-a-principal"} {
		_, err := ParseAlias(in)
		assert.Error(t, err, in)
	}
	_, err := NewRules([]string{"bad"}, nil)
	assert.Error(t, err)
}

type fakeGetter struct {
	values map[string]string
	err    error
}

func (f fakeGetter) Get(_ context.Context, name string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.values[name]
	return v, ok, nil
}

func TestCacheLookup(t *testing.T) {
	assert.Nil(t, NewCacheLookup(nil), "disabled cache")

	l := NewCacheLookup(fakeGetter{values: map[string]string{"good": nftCanister, "bad": "garbage"}})
	id, ok := l.Lookup(context.Background(), "good")
	require.True(t, ok)
	assert.Equal(t, nftCanister, id.String())
	_, ok = l.Lookup(context.Background(), "bad")
	assert.False(t, ok, "unparseable entries are misses")
	_, ok = l.Lookup(context.Background(), "missing")
	assert.False(t, ok)

	broken := NewCacheLookup(fakeGetter{err: errors.New("connection refused")})
	_, ok = broken.Lookup(context.Background(), "good")
	assert.False(t, ok, "cache errors are misses")
}

type fakeDirectory map[string]string

func (d fakeDirectory) Lookup(_ context.Context, name string) (principal.Principal, bool, error) {
	if name == "explode" {
		return principal.Principal{}, false, errors.New("replica down")
	}
	v, ok := d[name]
	if !ok {
		return principal.Principal{}, false, nil
	}
	return principal.MustDecode(v), true, nil
}

type recordingRefill struct{ offered [][2]string }

func (r *recordingRefill) Offer(name, id string) bool {
	r.offered = append(r.offered, [2]string{name, id})
	return true
}

func TestRegistryLookupRefills(t *testing.T) {
	assert.Nil(t, NewRegistryLookup(nil, nil), "no registry configured")

	refill := &recordingRefill{}
	l := NewRegistryLookup(fakeDirectory{"dscvr": nftCanister}, refill)

	id, ok := l.Lookup(context.Background(), "dscvr")
	require.True(t, ok)
	assert.Equal(t, nftCanister, id.String())
	assert.Equal(t, [][2]string{{"dscvr", nftCanister}}, refill.offered)

	_, ok = l.Lookup(context.Background(), "missing")
	assert.False(t, ok)
	_, ok = l.Lookup(context.Background(), "explode")
	assert.False(t, ok, "registry errors are misses")
	assert.Len(t, refill.offered, 1, "only hits are offered")

	withoutCache := NewRegistryLookup(fakeDirectory{"dscvr": nftCanister}, nil)
	_, ok = withoutCache.Lookup(context.Background(), "dscvr")
	assert.True(t, ok, "hits resolve even without a cache")
}

func TestChainWithRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := cache.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, mr.Set("cached-name", nftCanister))

	rules, err := NewRules([]string{"aliased:rrkah-fqaaa-aaaaa-aaaaq-cai"}, nil)
	require.NoError(t, err)
	refill := &recordingRefill{}
	r := New(rules, NewCacheLookup(c), NewRegistryLookup(fakeDirectory{"remote": "r7inp-6aaaa-aaaaa-aaabq-cai"}, refill))

	for name, source := range map[string]string{"aliased": SourceRules, "cached-name": SourceCache, "remote": SourceRegistry} {
		target, ok := resolve(t, r, "/-/"+name+"/-/index.html")
		require.True(t, ok, name)
		assert.Equal(t, source, target.Source, name)
	}
	_, ok := resolve(t, r, "/-/nobody/-/index.html")
	assert.False(t, ok, "miss everywhere")
	assert.Equal(t, [][2]string{{"remote", "r7inp-6aaaa-aaaaa-aaabq-cai"}}, refill.offered)
}

func TestDecodeIDRequiresCanonicalText(t *testing.T) {
	id, err := decodeID(nftCanister)
	require.NoError(t, err)
	assert.Equal(t, nftCanister, id.Encode())

	for _, in := range []string{"", "R5M5I-TIAAA-AAAAJ-ACGAQ-CAI", "r5m5itiaaaaaaajacgaqcai", "www"} {
		_, err := decodeID(in)
		assert.Error(t, err, "%q is not a canonical id", in)
	}

	lookup := &staticLookup{name: "R5M5I-TIAAA-AAAAJ-ACGAQ-CAI", id: nftCanister}
	_, source, ok := New(lookup).ResolveName(context.Background(), "R5M5I-TIAAA-AAAAJ-ACGAQ-CAI")
	require.True(t, ok)
	assert.Equal(t, "static", source, "non-canonical spellings go through the lookups")
}
