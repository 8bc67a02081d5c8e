package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/canister-proxy/pkg/canister"
	"github.com/jnovack/canister-proxy/pkg/resolver"
	"github.com/jnovack/canister-proxy/pkg/validate"
)

// Outcomes recorded for each request.
const (
	OutcomeOK               = "OK"
	OutcomeStreamed         = "STREAMED"
	OutcomeRaw              = "RAW"
	OutcomeNoCanister       = "NO_CANISTER"
	OutcomeRejected         = "REJECTED"
	OutcomeError            = "ERROR"
	OutcomeInvalid          = "INVALID"
	OutcomeTooManyRedirects = "TOO_MANY_REDIRECTS"
	OutcomeRootKey          = "ROOT_KEY"
	OutcomeAborted          = "ABORTED"
)

// RequestRecord represents a captured request/result for in-memory inspection.
type RequestRecord struct {
	Time        time.Time `json:"time"`
	RequestID   string    `json:"request_id"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	CanisterID  string    `json:"canister_id,omitempty"`
	Source      string    `json:"source,omitempty"`   // principal, rules, cache, registry
	Upstream    string    `json:"upstream,omitempty"` // path presented to the canister
	Outcome     string    `json:"outcome"`
	Status      int       `json:"status"`
	Redirects   int       `json:"redirects,omitempty"`
	Streamed    bool      `json:"streamed,omitempty"`
	Raw         bool      `json:"raw,omitempty"`
	LatencySecs float64   `json:"latency_secs"`
	Size        int64     `json:"size_bytes"`
}

// RequestObserver receives RequestRecords. Observers should be fast; NotifyObserver
// invokes them asynchronously.
type RequestObserver func(RequestRecord)

// Metrics is the set of counters and histograms the gateway reports to.
// *admin.Metrics implements it.
type Metrics interface {
	IncTotalRequests()
	IncResolved(source string)
	IncResolveMisses()
	IncReplicaRejects()
	IncTransportErrors()
	IncValidationFailures()
	IncValidationSkipped()
	IncRedirects()
	IncUpgrades()
	IncStreams()
	IncStreamAborts()
	InflightAdd(id string)
	InflightRemove(id string)
	ObserveDuration(outcome string, seconds float64)
}

// RootKeyFetcher fetches the root key of a development replica on first use.
type RootKeyFetcher interface {
	EnsureRootKey(ctx context.Context) error
}

// Config holds the collaborators and behavior of the gateway handler.
type Config struct {
	Resolver  *resolver.Resolver
	Caller    canister.Caller
	Validator *validate.Validator

	// RootKey is consulted before every request when set, to lazily fetch
	// the root key from the replica.
	RootKey RootKeyFetcher

	// Debug exposes transport error details in responses.
	Debug bool
	// MaxRedirects is how many redirects one request follows. Zero follows
	// none; a negative value selects DefaultMaxRedirects.
	MaxRedirects int
	// MaxStreamCallbacks bounds the continuation calls of one streamed body.
	MaxStreamCallbacks int

	Metrics         Metrics
	RequestObserver RequestObserver
}

// hopByHopHeaders lists HTTP/1.x hop-by-hop headers that must not be copied
// from canister responses. content-length is recomputed by the server.
var hopByHopHeaders = map[string]bool{
	"connection":        true,
	"proxy-connection":  true,
	"keep-alive":        true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
	"content-length":    true,
}

// NotifyObserver invokes an observer asynchronously.
func NotifyObserver(obs RequestObserver, rec RequestRecord) {
	if obs == nil {
		return
	}
	go func(r RequestRecord) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("panic", err).
					Str("request_id", r.RequestID).
					Str("record_url", r.URL).
					Str("record_outcome", r.Outcome).
					Msg("observer panicked")
			}
		}()
		obs(r)
	}(rec)
}

type nopMetrics struct{}

func (nopMetrics) IncTotalRequests()               {}
func (nopMetrics) IncResolved(string)              {}
func (nopMetrics) IncResolveMisses()               {}
func (nopMetrics) IncReplicaRejects()              {}
func (nopMetrics) IncTransportErrors()             {}
func (nopMetrics) IncValidationFailures()          {}
func (nopMetrics) IncValidationSkipped()           {}
func (nopMetrics) IncRedirects()                   {}
func (nopMetrics) IncUpgrades()                    {}
func (nopMetrics) IncStreams()                     {}
func (nopMetrics) IncStreamAborts()                {}
func (nopMetrics) InflightAdd(string)              {}
func (nopMetrics) InflightRemove(string)           {}
func (nopMetrics) ObserveDuration(string, float64) {}
