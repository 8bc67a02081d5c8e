package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad(t *testing.T) {
	p := writeFile(t, `
aliases:
  - "nft.example.org:r5m5i-tiaaa-aaaaj-acgaq-cai"
suffixes:
  - ic0.app
  - raw.ic0.app
cache:
  url: redis://localhost:6379/0
  ttl: 7d
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"nft.example.org:r5m5i-tiaaa-aaaaj-acgaq-cai"}, c.Aliases)
	assert.Equal(t, []string{"ic0.app", "raw.ic0.app"}, c.Suffixes)
	assert.Equal(t, "redis://localhost:6379/0", c.Cache.URL)
	ttl, err := c.CacheTTL()
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, ttl)
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("CANISTER_PROXY_CACHE_URL", "redis://cache:6379")

	c, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, c.Aliases)
	assert.Equal(t, "redis://cache:6379", c.Cache.URL, "environment override")
	ttl, err := c.CacheTTL()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, ttl, "default ttl")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "missing file")

	_, err = Load(writeFile(t, "aliases: [unterminated"))
	assert.Error(t, err, "bad yaml")
}
