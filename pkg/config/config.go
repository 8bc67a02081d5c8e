// Package config loads the gateway's rules file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jnovack/canister-proxy/pkg/cache"
)

// EnvPrefix prefixes environment overrides, e.g. CANISTER_PROXY_CACHE_URL.
const EnvPrefix = "CANISTER_PROXY"

type Config struct {
	Aliases  []string `mapstructure:"aliases"`
	Suffixes []string `mapstructure:"suffixes"`

	Cache struct {
		URL string `mapstructure:"url"`
		TTL string `mapstructure:"ttl"`
	} `mapstructure:"cache"`
}

// Load reads the YAML rules file at path. An empty path yields the defaults
// plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("aliases", []string{})
	v.SetDefault("suffixes", []string{})
	v.SetDefault("cache.url", "")
	v.SetDefault("cache.ttl", "86400")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &c, nil
}

// CacheTTL parses the cache lifetime.
func (c *Config) CacheTTL() (time.Duration, error) {
	return cache.ParseTTL(c.Cache.TTL)
}
