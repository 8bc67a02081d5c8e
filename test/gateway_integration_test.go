//go:build integration

// Package test runs the gateway end to end on real listeners: a fake replica
// with signed certificates, the alias cache on miniredis, the name registry,
// the admin server and the request capture store.
package test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aviate-labs/agent-go/principal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/canister-proxy/internal/helpers"
	"github.com/jnovack/canister-proxy/pkg/admin"
	"github.com/jnovack/canister-proxy/pkg/cache"
	"github.com/jnovack/canister-proxy/pkg/canister"
	"github.com/jnovack/canister-proxy/pkg/capture"
	"github.com/jnovack/canister-proxy/pkg/gateway"
	"github.com/jnovack/canister-proxy/pkg/replica"
	"github.com/jnovack/canister-proxy/pkg/resolver"
	"github.com/jnovack/canister-proxy/pkg/validate"
)

var (
	assetCanister = principal.MustDecode("r5m5i-tiaaa-aaaaj-acgaq-cai")
	phonebook     = principal.MustDecode("rwlgt-iiaaa-aaaaa-aaaaa-cai")
)

type stack struct {
	replica  *helpers.FakeReplica
	redis    *miniredis.Miniredis
	cache    *cache.Client
	gateway  string
	admin    string
	lookups  chan string
	registry int
}

func serve(t *testing.T, h http.Handler, health string) string {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", helpers.ReservePort(t))
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.ListenAndServe() }()
	t.Cleanup(func() { _ = srv.Close() })
	base := "http://" + addr
	helpers.WaitForHTTP(t, base+health)
	return base
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := &stack{
		replica: helpers.NewFakeReplica(t, helpers.NewSigner(t, 11)),
		redis:   miniredis.RunT(t),
		lookups: make(chan string, 16),
	}
	helpers.ServeAssets(t, s.replica, map[string][]byte{
		"/-/index.html": []byte("<h1>docs</h1>"),
		"/-/style.css":  []byte("h1{}"),
	})
	s.replica.HandleQuery("lookup", func(id principal.Principal, arg []byte) ([]byte, error) {
		require.True(t, id.Equal(phonebook), "lookup goes to the registry canister")
		s.lookups <- "lookup"
		return helpers.EncodeLookupReply(t, assetCanister), nil
	})

	agent, err := replica.New(replica.Config{
		URLs:         []string{s.replica.URL},
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	s.cache, err = cache.New(ctx, "redis://"+s.redis.Addr())
	require.NoError(t, err, "connect to miniredis")
	t.Cleanup(func() { _ = s.cache.Close() })

	metrics := admin.NewMetrics()
	refill := cache.NewRefiller(s.cache, time.Hour, metrics)
	go refill.Run(ctx)

	rules, err := resolver.NewRules([]string{"home:" + assetCanister.String()}, nil)
	require.NoError(t, err)

	store := capture.New(capture.DefaultSize)
	h := gateway.New(gateway.Config{
		Resolver: resolver.New(
			rules,
			resolver.NewCacheLookup(s.cache),
			resolver.NewRegistryLookup(canister.NewRegistry(agent, phonebook), refill),
		),
		Caller:          agent,
		Validator:       validate.New(agent),
		RootKey:         agent,
		MaxRedirects:    gateway.DefaultMaxRedirects,
		Metrics:         metrics,
		RequestObserver: store.Observer(nil),
	})

	s.gateway = serve(t, gateway.Router(h), "/healthcheck")
	s.admin = serve(t, admin.Router(metrics, map[string]string{"gateway": s.gateway}, func() any { return store.List() }, store.Clear), "/healthz")
	return s
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err, "GET %s", url)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestGatewayEndToEnd(t *testing.T) {
	s := newStack(t)

	status, body := get(t, s.gateway+"/-/home/-/index.html")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "<h1>docs</h1>", body, "alias from the rules table, root key fetched on demand")
	assert.Empty(t, s.lookups, "rules answer before the registry")

	status, body = get(t, s.gateway+"/-/docs/-/style.css")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "h1{}", body, "name from the registry")
	assert.Len(t, s.lookups, 1)

	require.Eventually(t, func() bool {
		v, ok, err := s.cache.Get(context.Background(), "docs")
		return err == nil && ok && v == assetCanister.String()
	}, 2*time.Second, 10*time.Millisecond, "registry hit is written back to the cache")

	status, _ = get(t, s.gateway+"/-/docs/-/index.html")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, s.lookups, 1, "second resolution is served by the cache")

	status, body = get(t, s.gateway+"/-/"+assetCanister.String()+"/-/missing")
	assert.Equal(t, http.StatusNotFound, status, body)

	status, body = get(t, s.admin+"/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `gateway_resolved_total{source="rules"} 1`)
	assert.Contains(t, body, `gateway_resolved_total{source="registry"} 1`)
	assert.Contains(t, body, `gateway_resolved_total{source="cache"} 1`)
	assert.Contains(t, body, `gateway_resolved_total{source="principal"} 1`)
	assert.Contains(t, body, "alias_cache_refill_writes_total 1")

	var records []gateway.RequestRecord
	require.Eventually(t, func() bool {
		resp, err := http.Get(s.admin + "/requestz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		records = nil
		return json.NewDecoder(resp.Body).Decode(&records) == nil && len(records) == 4
	}, 2*time.Second, 10*time.Millisecond, "all requests captured")
	sources := map[string]bool{}
	for _, r := range records {
		sources[r.Source] = true
		assert.NotEmpty(t, r.RequestID)
	}
	assert.Equal(t, map[string]bool{"rules": true, "registry": true, "cache": true, "principal": true}, sources)

	req, err := http.NewRequest(http.MethodDelete, s.admin+"/requestz", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	status, body = get(t, s.admin+"/requestz")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, "[]", body, "capture emptied")
}
