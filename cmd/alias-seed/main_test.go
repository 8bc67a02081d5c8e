package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/canister-proxy/pkg/cache"
	"github.com/jnovack/canister-proxy/pkg/resolver"
)

func TestEntries(t *testing.T) {
	rules, err := resolver.NewRules(
		[]string{"app.example:r5m5i-tiaaa-aaaaj-acgaq-cai", "Docs:rwlgt-iiaaa-aaaaa-aaaaa-cai"},
		[]string{"ic0.app"},
	)
	require.NoError(t, err)

	assert.ElementsMatch(t, []cache.Entry{
		{Name: "app.example", CanisterID: "r5m5i-tiaaa-aaaaj-acgaq-cai"},
		{Name: "docs", CanisterID: "rwlgt-iiaaa-aaaaa-aaaaa-cai"},
	}, entries(rules), "suffix rules are not cache entries")
}

func TestSeed(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	client, err := cache.New(ctx, "redis://"+mr.Addr())
	require.NoError(t, err, "connect to miniredis")

	list := []cache.Entry{{Name: "docs", CanisterID: "rwlgt-iiaaa-aaaaa-aaaaa-cai"}}
	require.NoError(t, seed(ctx, client, list, time.Hour))
	got, err := mr.Get("docs")
	require.NoError(t, err)
	assert.Equal(t, "rwlgt-iiaaa-aaaaa-aaaaa-cai", got)
	assert.Equal(t, time.Hour, mr.TTL("docs"))

	_, _, err = client.Get(ctx, "docs")
	assert.Error(t, err, "client is closed after seeding")
}

func TestSeedReportsWriteFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	client, err := cache.New(ctx, "redis://"+mr.Addr())
	require.NoError(t, err, "connect to miniredis")

	mr.SetError("READONLY You can't write against a read only replica.")
	err = seed(ctx, client, []cache.Entry{{Name: "docs", CanisterID: "rwlgt-iiaaa-aaaaa-aaaaa-cai"}}, time.Hour)
	assert.Error(t, err, "a failed write is reported so the command exits non-zero")

	_, _, err = client.Get(ctx, "docs")
	assert.Error(t, err, "client is closed on failure too")
}
