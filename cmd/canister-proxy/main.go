package main

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	flag "github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/canister-proxy/pkg/admin"
	"github.com/jnovack/canister-proxy/pkg/capture"
	"github.com/jnovack/canister-proxy/pkg/config"
	"github.com/jnovack/canister-proxy/pkg/gateway"
	"github.com/jnovack/canister-proxy/pkg/logging"
	"github.com/jnovack/canister-proxy/pkg/replica"
	"github.com/jnovack/canister-proxy/pkg/resolver"
	"github.com/jnovack/canister-proxy/pkg/signals"
	"github.com/jnovack/canister-proxy/pkg/telemetry"
	"github.com/jnovack/canister-proxy/pkg/validate"
)

const defaultReplica = "http://localhost:8000/"

var (
	flagAddress      = flag.String("address", "127.0.0.1:3000", "gateway listen address")
	flagAdminAddr    = flag.String("admin-addr", "127.0.0.1:3001", "admin HTTP listen address (empty disables)")
	flagDebug        = flag.Bool("debug", false, "include error details in responses")
	flagFetchRootKey = flag.Bool("fetch-root-key", false, "fetch the root key from the replica (development networks only)")
	flagRootKey      = flag.String("root-key", "", "hex DER root key (defaults to the mainnet key)")
	flagRedisURL     = flag.String("redis-url", "", "alias cache URL, e.g. redis://localhost:6379/0")
	flagRedisTTL     = flag.String("redis-cache-timeout", "", "alias cache lifetime in seconds or as a duration")
	flagPhonebook    = flag.String("phonebook-id", "", "canister id of the name registry")
	flagRules        = flag.String("rules", "", "rules file (YAML)")
	flagLogLevel     = flag.String("log-level", "", "log level: trace|debug|info|warn|error|disabled (overrides -v/-q)")
	flagLogMode      = flag.String("log", logging.ModeStderr, "log output: stderr|file|tee")
	flagLogFile      = flag.String("logfile", "canister-proxy.log", "log file for -log file and -log tee")
	flagMaxRedirects = flag.Int("max-redirects", gateway.DefaultMaxRedirects, "redirects followed before giving up")
	flagService      = flag.String("otel-service", telemetry.DefaultService, "service name reported to tracing")

	flagReplicas list
	flagAliases  list
	flagSuffixes list
	flagVerbose  counter
	flagQuiet    counter
	flagVersion  = flag.Bool("version", false, "print version and exit")
)

var version = "dev"

func init() {
	flag.Var(&flagReplicas, "replica", "replica URL, repeatable (default "+defaultReplica+")")
	flag.Var(&flagAliases, "dns-alias", "name:canister-id alias, repeatable")
	flag.Var(&flagSuffixes, "dns-suffix", "domain suffix whose leftmost extra label is a canister id, repeatable")
	flag.Var(&flagVerbose, "v", "more verbose logging, repeatable")
	flag.Var(&flagQuiet, "q", "quieter logging, repeatable")
}

// varz is what /varz reports.
type varz struct {
	Version      string   `json:"version"`
	Address      string   `json:"address"`
	Replicas     []string `json:"replicas"`
	FetchRootKey bool     `json:"fetch_root_key"`
	Cache        bool     `json:"cache"`
	Phonebook    string   `json:"phonebook_id,omitempty"`
	Aliases      []string `json:"aliases"`
	MaxRedirects int      `json:"max_redirects"`
	Debug        bool     `json:"debug"`
}

func rootKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return replica.MainnetRootKey(), nil
	}
	return hex.DecodeString(strings.TrimSpace(hexKey))
}

func main() {
	flag.Parse()
	if *flagVersion {
		os.Stdout.WriteString(version + "\n")
		return
	}

	level := *flagLogLevel
	if level == "" {
		level = logging.Verbosity(int(flagVerbose), int(flagQuiet))
	}
	if err := logging.Setup(level, *flagLogMode, *flagLogFile); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	ctx := signals.Setup(context.Background())

	shutdownTracing, err := telemetry.Init(ctx, *flagService)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	cfg, err := config.Load(*flagRules)
	if err != nil {
		log.Fatal().Err(err).Str("file", *flagRules).Msg("failed to load rules")
	}
	rules, err := resolver.NewRules(append(cfg.Aliases, flagAliases...), append(cfg.Suffixes, flagSuffixes...))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid alias rule")
	}

	replicas := []string(flagReplicas)
	if len(replicas) == 0 {
		replicas = []string{defaultReplica}
	}
	telemetry.InstrumentDefaultTransport()
	agentCfg := replica.Config{URLs: replicas}
	if !*flagFetchRootKey {
		if agentCfg.RootKey, err = rootKey(*flagRootKey); err != nil {
			log.Fatal().Err(err).Msg("invalid root key")
		}
	}
	agent, err := replica.New(agentCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create replica agent")
	}

	metrics := admin.NewMetrics()

	if *flagRedisURL != "" {
		cfg.Cache.URL = *flagRedisURL
	}
	if *flagRedisTTL != "" {
		cfg.Cache.TTL = *flagRedisTTL
	}
	chain := buildLookups(ctx, cfg, rules, *flagPhonebook, agent, metrics)
	defer chain.Close()

	store := capture.New(capture.DefaultSize)
	gwCfg := gateway.Config{
		Resolver:        resolver.New(chain.Lookups...),
		Caller:          agent,
		Validator:       validate.New(agent),
		Debug:           *flagDebug,
		MaxRedirects:    *flagMaxRedirects,
		Metrics:         metrics,
		RequestObserver: store.Observer(nil),
	}
	if *flagFetchRootKey {
		gwCfg.RootKey = agent
		if err := agent.FetchRootKey(ctx); err != nil {
			log.Warn().Err(err).Msg("root key not fetched yet, retrying on first request")
		}
	}

	srv := &http.Server{
		Addr:              *flagAddress,
		Handler:           telemetry.Middleware(*flagService)(gateway.Router(gateway.New(gwCfg))),
		ReadHeaderTimeout: 15 * time.Second,
	}
	servers := []*http.Server{srv}

	if *flagAdminAddr != "" {
		info := varz{
			Version:      version,
			Address:      *flagAddress,
			Replicas:     replicas,
			FetchRootKey: *flagFetchRootKey,
			Cache:        chain.Cache,
			Phonebook:    *flagPhonebook,
			Aliases:      rules.Aliases(),
			MaxRedirects: *flagMaxRedirects,
			Debug:        *flagDebug,
		}
		adminSrv := &http.Server{
			Addr:              *flagAdminAddr,
			Handler:           admin.Router(metrics, info, func() any { return store.List() }, store.Clear),
			ReadHeaderTimeout: 15 * time.Second,
		}
		servers = append(servers, adminSrv)
		go func() {
			log.Info().Str("address", adminSrv.Addr).Msg("starting admin server")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("admin server failed")
			}
		}()
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, s := range servers {
			_ = s.Shutdown(shutdownCtx)
		}
		_ = shutdownTracing(shutdownCtx)
	}()

	log.Info().
		Str("address", *flagAddress).
		Strs("replicas", replicas).
		Bool("fetch_root_key", *flagFetchRootKey).
		Bool("cache", chain.Cache).
		Str("phonebook_id", *flagPhonebook).
		Int("rules", len(rules)).
		Msg("starting canister proxy")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	<-stopped
	log.Error().Msg("server stopped")
}
