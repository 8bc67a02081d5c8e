// Package admin implements the HTTP admin endpoints served next to the gateway.
// It includes counters, inflight gauges and a simple histogram facility for request durations.
package admin

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HistogramBuckets defines the latency buckets (seconds) used when observing request durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics is the counter set behind /metrics. It satisfies both the
// gateway and the cache refill metrics interfaces.
type Metrics struct {
	sync.Mutex

	TotalRequests      uint64            `json:"total_requests"`
	Resolved           map[string]uint64 `json:"resolved"`
	ResolveMisses      uint64            `json:"resolve_misses"`
	ReplicaRejects     uint64            `json:"replica_rejects"`
	TransportErrors    uint64            `json:"transport_errors"`
	ValidationFailures uint64            `json:"validation_failures"`
	ValidationSkipped  uint64            `json:"validation_skipped"`
	Redirects          uint64            `json:"redirects"`
	Upgrades           uint64            `json:"upgrades"`
	Streams            uint64            `json:"streams"`
	StreamAborts       uint64            `json:"stream_aborts"`
	RefillWrites       uint64            `json:"refill_writes"`
	RefillDrops        uint64            `json:"refill_drops"`
	RefillErrors       uint64            `json:"refill_errors"`

	// In-flight gauge + map of id->start time for /statusz
	Inflight     int                  `json:"inflight"`
	InflightList map[string]time.Time `json:"inflight_list"`

	// Histograms: map outcome -> counts per bucket
	HistCounts map[string][]uint64 `json:"hist_counts"`
	HistSum    map[string]float64  `json:"hist_sum"`
	HistTotal  map[string]uint64   `json:"hist_total"`
}

// NewMetrics constructs a Metrics instance with initialized maps.
func NewMetrics() *Metrics {
	return &Metrics{
		Resolved:     make(map[string]uint64),
		InflightList: make(map[string]time.Time),
		HistCounts:   make(map[string][]uint64),
		HistSum:      make(map[string]float64),
		HistTotal:    make(map[string]uint64),
	}
}

// InflightAdd records an inflight request with id.
func (m *Metrics) InflightAdd(id string) {
	m.Lock()
	defer m.Unlock()
	m.Inflight++
	m.InflightList[id] = time.Now()
}

// InflightRemove removes an inflight request id.
func (m *Metrics) InflightRemove(id string) {
	m.Lock()
	defer m.Unlock()
	if m.Inflight > 0 {
		m.Inflight--
	}
	delete(m.InflightList, id)
}

func (m *Metrics) add(c *uint64) { m.Lock(); *c++; m.Unlock() }

// IncResolved counts a resolution by the source that produced it.
func (m *Metrics) IncResolved(source string) {
	m.Lock()
	defer m.Unlock()
	m.Resolved[source]++
}

// Increment helpers
func (m *Metrics) IncTotalRequests()      { m.add(&m.TotalRequests) }
func (m *Metrics) IncResolveMisses()      { m.add(&m.ResolveMisses) }
func (m *Metrics) IncReplicaRejects()     { m.add(&m.ReplicaRejects) }
func (m *Metrics) IncTransportErrors()    { m.add(&m.TransportErrors) }
func (m *Metrics) IncValidationFailures() { m.add(&m.ValidationFailures) }
func (m *Metrics) IncValidationSkipped()  { m.add(&m.ValidationSkipped) }
func (m *Metrics) IncRedirects()          { m.add(&m.Redirects) }
func (m *Metrics) IncUpgrades()           { m.add(&m.Upgrades) }
func (m *Metrics) IncStreams()            { m.add(&m.Streams) }
func (m *Metrics) IncStreamAborts()       { m.add(&m.StreamAborts) }
func (m *Metrics) IncRefillWrites()       { m.add(&m.RefillWrites) }
func (m *Metrics) IncRefillDrops()        { m.add(&m.RefillDrops) }
func (m *Metrics) IncRefillErrors()       { m.add(&m.RefillErrors) }

// ObserveDuration records a request duration (in seconds) under a named outcome.
func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.HistCounts[outcome]; !ok {
		m.HistCounts[outcome] = make([]uint64, len(HistogramBuckets))
	}
	m.HistSum[outcome] += seconds
	m.HistTotal[outcome]++
	for i, b := range HistogramBuckets {
		if seconds <= b {
			m.HistCounts[outcome][i]++
			return
		}
	}
	// larger than the last bucket only shows in +Inf
}

// Admin handlers

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleVarz writes v (configuration, request records) as JSON.
func HandleVarz(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// HandleStatusz renders a small HTML page showing inflight requests, oldest first.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	m.Lock()
	defer m.Unlock()
	ids := make([]string, 0, len(m.InflightList))
	for id := range m.InflightList {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return m.InflightList[ids[i]].Before(m.InflightList[ids[j]]) })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, "<html><head><title>canister-proxy</title></head><body><h1>Status</h1>")
	_, _ = io.WriteString(w, "<p>Inflight: "+strconv.Itoa(m.Inflight)+"</p>")
	_, _ = io.WriteString(w, "<table border='1'><tr><th>Request</th><th>Start</th><th>Age(s)</th></tr>")
	now := time.Now()
	for _, id := range ids {
		t := m.InflightList[id]
		_, _ = fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td><td>%.3f</td></tr>",
			html.EscapeString(id), t.Format(time.RFC3339), now.Sub(t).Seconds())
	}
	_, _ = io.WriteString(w, "</table></body></html>")
}

// HandleMetrics writes Prometheus-compatible output including histograms and counters.
func HandleMetrics(w http.ResponseWriter, m *Metrics) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m.Lock()
	defer m.Unlock()
	write := func(name, help string, v uint64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
		_, _ = fmt.Fprintf(w, "%s %d\n\n", name, v)
	}
	write("gateway_requests_total", "Total requests processed", m.TotalRequests)
	write("gateway_resolve_misses_total", "Requests with no canister to forward to", m.ResolveMisses)
	write("gateway_replica_rejects_total", "Calls rejected by the canister", m.ReplicaRejects)
	write("gateway_transport_errors_total", "Calls failing at the transport or protocol level", m.TransportErrors)
	write("gateway_validation_failures_total", "Bodies failing certification", m.ValidationFailures)
	write("gateway_validation_skipped_total", "Requests served with _raw", m.ValidationSkipped)
	write("gateway_redirects_total", "Redirects followed", m.Redirects)
	write("gateway_upgrades_total", "Queries upgraded to update calls", m.Upgrades)
	write("gateway_streams_total", "Streamed responses", m.Streams)
	write("gateway_stream_aborts_total", "Streams truncated by a callback or validation error", m.StreamAborts)
	write("alias_cache_refill_writes_total", "Registry answers written to the alias cache", m.RefillWrites)
	write("alias_cache_refill_drops_total", "Refills dropped because the queue was full", m.RefillDrops)
	write("alias_cache_refill_errors_total", "Failed alias cache writes", m.RefillErrors)

	sources := make([]string, 0, len(m.Resolved))
	for s := range m.Resolved {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	_, _ = fmt.Fprintf(w, "# HELP gateway_resolved_total Resolutions by source\n")
	_, _ = fmt.Fprintf(w, "# TYPE gateway_resolved_total counter\n")
	for _, s := range sources {
		_, _ = fmt.Fprintf(w, "gateway_resolved_total{source=%q} %d\n", s, m.Resolved[s])
	}
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintf(w, "# HELP gateway_inflight_requests In-flight requests\n")
	_, _ = fmt.Fprintf(w, "# TYPE gateway_inflight_requests gauge\n")
	_, _ = fmt.Fprintf(w, "gateway_inflight_requests %d\n\n", m.Inflight)

	_, _ = fmt.Fprintf(w, "# HELP gateway_request_duration_seconds Request duration by outcome\n")
	_, _ = fmt.Fprintf(w, "# TYPE gateway_request_duration_seconds histogram\n")
	outcomes := make([]string, 0, len(m.HistCounts))
	for o := range m.HistCounts {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		counts := m.HistCounts[outcome]
		cum := uint64(0)
		for i, b := range HistogramBuckets {
			cum += counts[i]
			_, _ = fmt.Fprintf(w, "gateway_request_duration_seconds_bucket{outcome=%q,le=\"%g\"} %d\n", outcome, b, cum)
		}
		total := m.HistTotal[outcome]
		_, _ = fmt.Fprintf(w, "gateway_request_duration_seconds_bucket{outcome=%q,le=\"+Inf\"} %d\n", outcome, total)
		_, _ = fmt.Fprintf(w, "gateway_request_duration_seconds_sum{outcome=%q} %g\n", outcome, m.HistSum[outcome])
		_, _ = fmt.Fprintf(w, "gateway_request_duration_seconds_count{outcome=%q} %d\n\n", outcome, total)
	}
}

// Router mounts the admin endpoints. varz and records are rendered as JSON on
// /varz and /requestz; records may be nil. DELETE /requestz calls reset.
func Router(m *Metrics, varz any, records func() any, reset func()) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", HandleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) { HandleMetrics(w, m) })
	r.Get("/statusz", func(w http.ResponseWriter, _ *http.Request) { HandleStatusz(w, m) })
	r.Get("/varz", func(w http.ResponseWriter, _ *http.Request) { HandleVarz(w, varz) })
	r.Get("/requestz", func(w http.ResponseWriter, _ *http.Request) {
		if records == nil {
			HandleVarz(w, []any{})
			return
		}
		HandleVarz(w, records())
	})
	r.Delete("/requestz", func(w http.ResponseWriter, _ *http.Request) {
		if reset == nil {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		reset()
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}
