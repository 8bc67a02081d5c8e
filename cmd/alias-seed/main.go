// alias-seed writes the aliases of a rules file into the alias cache so a
// gateway starts warm.
package main

import (
	"context"
	"os"
	"strings"
	"time"

	flag "github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/canister-proxy/pkg/cache"
	"github.com/jnovack/canister-proxy/pkg/config"
	"github.com/jnovack/canister-proxy/pkg/logging"
	"github.com/jnovack/canister-proxy/pkg/resolver"
)

var (
	flagRules    = flag.String("rules", "", "rules file (YAML)")
	flagRedisURL = flag.String("redis-url", "", "alias cache URL (defaults to cache.url of the rules file)")
	flagTTL      = flag.String("ttl", "", "entry lifetime in seconds or as a duration (defaults to cache.ttl)")
	flagDryRun   = flag.Bool("dry-run", false, "print the entries instead of writing them")
	flagLogLevel = flag.String("log-level", "info", "log level")
)

// entries turns "name:canister-id" alias rules into cache entries.
func entries(rules resolver.Rules) []cache.Entry {
	var out []cache.Entry
	for _, a := range rules.Aliases() {
		name, id, _ := strings.Cut(a, ":")
		out = append(out, cache.Entry{Name: name, CanisterID: id})
	}
	return out
}

func main() {
	flag.Parse()
	if err := logging.Setup(*flagLogLevel, logging.ModeStderr, ""); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}
	if *flagRules == "" {
		log.Fatal().Msg("usage: alias-seed -rules <file> [-redis-url <url>] [-ttl <seconds>] [-dry-run]")
	}

	cfg, err := config.Load(*flagRules)
	if err != nil {
		log.Fatal().Err(err).Str("file", *flagRules).Msg("failed to load rules")
	}
	rules, err := resolver.NewRules(cfg.Aliases, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid alias rule")
	}
	list := entries(rules)

	if *flagDryRun {
		for _, e := range list {
			os.Stdout.WriteString(e.Name + " " + e.CanisterID + "\n")
		}
		return
	}

	url := *flagRedisURL
	if url == "" {
		url = cfg.Cache.URL
	}
	if url == "" {
		log.Fatal().Msg("no cache URL: pass -redis-url or set cache.url")
	}
	ttlText := *flagTTL
	if ttlText == "" {
		ttlText = cfg.Cache.TTL
	}
	ttl, err := cache.ParseTTL(ttlText)
	if err != nil {
		log.Fatal().Err(err).Str("ttl", ttlText).Msg("invalid lifetime")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := cache.New(ctx, url)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to the alias cache")
	}
	if err := seed(ctx, client, list, ttl); err != nil {
		cancel()
		os.Exit(1)
	}
}

// seed writes list and closes client.
func seed(ctx context.Context, client *cache.Client, list []cache.Entry, ttl time.Duration) error {
	defer client.Close()
	n, err := cache.Seed(ctx, client, list, ttl)
	if err != nil {
		log.Error().Err(err).Int("written", n).Msg("seeding stopped")
		return err
	}
	log.Info().Int("written", n).Dur("ttl", ttl).Msg("alias cache seeded")
	return nil
}
