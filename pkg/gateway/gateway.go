// Package gateway is the HTTP front of the proxy. It resolves the canister a
// request targets, forwards the request to the canister's HTTP interface and
// relays the response once its certification checks out.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http/httpguts"

	"github.com/jnovack/canister-proxy/pkg/canister"
	"github.com/jnovack/canister-proxy/pkg/replica"
	"github.com/jnovack/canister-proxy/pkg/resolver"
	"github.com/jnovack/canister-proxy/pkg/validate"
)

const (
	DefaultMaxRedirects       = 10
	DefaultMaxStreamCallbacks = 1000

	maxRequestBody = 10 << 20
	streamBuffer   = 4
	maxLogBody     = 100
	maxLogHeader   = 2000
	rawFlag        = "_raw"
)

var errTooManyCallbacks = errors.New("stream exceeded the callback limit")

// Handler forwards requests to canisters.
type Handler struct {
	cfg Config
}

// New creates a Handler. Resolver, Caller and Validator are required.
func New(cfg Config) *Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.MaxStreamCallbacks <= 0 {
		cfg.MaxStreamCallbacks = DefaultMaxStreamCallbacks
	}
	return &Handler{cfg: cfg}
}

// Router mounts h behind the gateway middleware and the health check.
func Router(h http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(healthcheck)
	r.Handle("/*", h)
	return r
}

// healthcheck answers any path starting with /healthcheck without touching
// the canisters.
func healthcheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/healthcheck") {
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "OK")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := uuid.Must(uuid.NewV7()).String()
	logger := log.With().Str("request_id", reqID).Logger()
	ctx := logger.WithContext(r.Context())
	w.Header().Set("X-Request-Id", reqID)

	m := h.cfg.Metrics
	m.IncTotalRequests()
	inflight := reqID + " " + r.Method + " " + r.URL.RequestURI()
	m.InflightAdd(inflight)
	defer m.InflightRemove(inflight)

	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	rec := RequestRecord{Time: start, RequestID: reqID, Method: r.Method, URL: r.URL.RequestURI()}
	defer func() {
		rec.Status = ww.Status()
		rec.Size = int64(ww.BytesWritten())
		rec.LatencySecs = time.Since(start).Seconds()
		m.ObserveDuration(rec.Outcome, rec.LatencySecs)
		NotifyObserver(h.cfg.RequestObserver, rec)
		log.Ctx(ctx).Info().
			Str("method", rec.Method).
			Str("url", rec.URL).
			Str("canister_id", rec.CanisterID).
			Str("outcome", rec.Outcome).
			Int("status", rec.Status).
			Dur("latency", time.Since(start)).
			Msg("served")
	}()

	body, err := io.ReadAll(http.MaxBytesReader(ww, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reply(ww, &rec, http.StatusRequestEntityTooLarge, OutcomeError, "Request body too large")
			return
		}
		h.reply(ww, &rec, http.StatusBadRequest, OutcomeError, "Unable to read request body")
		return
	}

	if h.cfg.RootKey != nil {
		if err := h.cfg.RootKey.EnsureRootKey(ctx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("unable to fetch root key")
			h.reply(ww, &rec, http.StatusInternalServerError, OutcomeRootKey, "Unable to fetch root key")
			return
		}
	}

	headers := requestHeaders(r)
	traceRequest(ctx, r, headers, body)

	target := &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	for hops := 0; ; hops++ {
		t, ok := h.cfg.Resolver.Resolve(ctx, target)
		if !ok {
			m.IncResolveMisses()
			log.Ctx(ctx).Debug().Str("url", target.String()).Msg("no canister to forward to")
			h.reply(ww, &rec, http.StatusBadRequest, OutcomeNoCanister, "Could not find a canister id to forward to.")
			return
		}
		m.IncResolved(t.Source)
		rec.CanisterID, rec.Source, rec.Upstream = t.CanisterID.String(), t.Source, t.Path
		rec.Raw = skipValidation(target)
		log.Ctx(ctx).Trace().
			Str("canister_id", rec.CanisterID).
			Str("source", t.Source).
			Str("upstream", t.Path).
			Msg("resolved")

		c := canister.New(h.cfg.Caller, t.CanisterID)
		req := canister.HTTPRequest{Method: r.Method, URL: t.Path, Headers: headers, Body: body}
		resp, err := c.HTTPRequest(ctx, req)
		if err != nil {
			h.callFailed(ctx, ww, &rec, err)
			return
		}

		if loc, ok := redirectLocation(resp); ok {
			if hops >= h.cfg.MaxRedirects {
				log.Ctx(ctx).Warn().Int("redirects", hops).Str("location", loc).Msg("redirect limit reached")
				h.reply(ww, &rec, http.StatusInternalServerError, OutcomeTooManyRedirects, "Too many redirects")
				return
			}
			next, err := target.Parse(loc)
			if err != nil {
				h.callFailed(ctx, ww, &rec, fmt.Errorf("invalid redirect location %q: %w", loc, err))
				return
			}
			m.IncRedirects()
			rec.Redirects++
			log.Ctx(ctx).Trace().Str("location", loc).Msg("following redirect")
			target = next
			continue
		}

		if resp.Upgrade {
			m.IncUpgrades()
			log.Ctx(ctx).Debug().Str("canister_id", rec.CanisterID).Msg("upgrading to an update call")
			if resp, err = c.HTTPRequestUpdate(ctx, req); err != nil {
				h.callFailed(ctx, ww, &rec, err)
				return
			}
		}

		h.respond(ctx, ww, &rec, c, t, resp)
		return
	}
}

func (h *Handler) respond(ctx context.Context, w middleware.WrapResponseWriter, rec *RequestRecord, c *canister.Canister, t resolver.Target, resp *canister.HTTPResponse) {
	status := int(resp.StatusCode)
	if status < 100 || status > 999 {
		h.callFailed(ctx, w, rec, fmt.Errorf("%w: status code %d", canister.ErrMalformedReply, status))
		return
	}
	traceResponse(ctx, resp)

	if rec.Raw {
		h.cfg.Metrics.IncValidationSkipped()
	} else {
		data := validate.ExtractHeaders(ctx, resp.Headers)
		if err := h.cfg.Validator.Validate(ctx, data, t.CanisterID, t.Path, resp.Body); err != nil {
			h.invalid(ctx, w, rec, err)
			return
		}
	}

	copyHeaders(w.Header(), resp.Headers)
	if resp.Streaming != nil {
		h.stream(ctx, w, rec, c, t, status, resp)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
	rec.Outcome = OutcomeOK
	if rec.Raw {
		rec.Outcome = OutcomeRaw
	}
}

// stream writes the first chunk, then relays the chunks produced by a
// detached pull loop. Any failure after the header was sent truncates the
// response by aborting the connection.
func (h *Handler) stream(ctx context.Context, w middleware.WrapResponseWriter, rec *RequestRecord, c *canister.Canister, t resolver.Target, status int, resp *canister.HTTPResponse) {
	h.cfg.Metrics.IncStreams()
	rec.Streamed = true
	flush := func() {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	w.WriteHeader(status)
	if _, err := w.Write(resp.Body); err != nil {
		h.cfg.Metrics.IncStreamAborts()
		rec.Outcome = OutcomeAborted
		return
	}
	flush()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	chunks := make(chan []byte, streamBuffer)
	done := make(chan error, 1)
	go func() {
		defer close(chunks)
		done <- h.pull(ctx, c, t, resp.Streaming, rec.Raw, chunks)
	}()

	var werr error
	for b := range chunks {
		if werr != nil {
			continue
		}
		if _, werr = w.Write(b); werr != nil {
			cancel()
			continue
		}
		flush()
	}
	err := <-done
	if werr != nil {
		err = fmt.Errorf("client went away: %w", werr)
	}
	if err == nil {
		rec.Outcome = OutcomeStreamed
		return
	}

	h.cfg.Metrics.IncStreamAborts()
	rec.Outcome = OutcomeAborted
	log.Ctx(ctx).Warn().Err(err).Str("canister_id", rec.CanisterID).Msg("stream truncated")
	panic(http.ErrAbortHandler)
}

func (h *Handler) pull(ctx context.Context, c *canister.Canister, t resolver.Target, s *canister.CallbackStrategy, raw bool, out chan<- []byte) error {
	token := s.Token
	for count := 1; ; count++ {
		if count > h.cfg.MaxStreamCallbacks {
			return errTooManyCallbacks
		}
		chunk, err := c.StreamCallback(ctx, s.Callback, token)
		if err != nil {
			return fmt.Errorf("stream callback: %w", err)
		}
		if !raw {
			if err := h.cfg.Validator.ValidateChunk(ctx, chunk.Token, t.CanisterID, t.Path, chunk.Body); err != nil {
				h.cfg.Metrics.IncValidationFailures()
				return err
			}
		}
		select {
		case out <- chunk.Body:
		case <-ctx.Done():
			return ctx.Err()
		}
		if chunk.Token == nil {
			return nil
		}
		token = *chunk.Token
	}
}

func (h *Handler) callFailed(ctx context.Context, w http.ResponseWriter, rec *RequestRecord, err error) {
	var reject *replica.RejectError
	if errors.As(err, &reject) {
		h.cfg.Metrics.IncReplicaRejects()
		log.Ctx(ctx).Debug().Uint64("reject_code", reject.Code).Str("reject_message", reject.Message).Msg("call rejected")
		h.reply(w, rec, http.StatusInternalServerError, OutcomeRejected,
			fmt.Sprintf(`Replica Error (%d): "%s"`, reject.Code, reject.Message))
		return
	}
	h.cfg.Metrics.IncTransportErrors()
	log.Ctx(ctx).Error().Err(err).Str("canister_id", rec.CanisterID).Msg("call failed")
	msg := "Internal Server Error"
	if h.cfg.Debug {
		msg = "Internal Error: " + err.Error()
	}
	h.reply(w, rec, http.StatusInternalServerError, OutcomeError, msg)
}

func (h *Handler) invalid(ctx context.Context, w http.ResponseWriter, rec *RequestRecord, err error) {
	h.cfg.Metrics.IncValidationFailures()
	log.Ctx(ctx).Warn().Err(err).Str("canister_id", rec.CanisterID).Str("upstream", rec.Upstream).Msg("validation failed")
	msg := "Body does not pass verification"
	if errors.Is(err, validate.ErrDecode) {
		msg = "Body could not be decoded"
	}
	h.reply(w, rec, http.StatusInternalServerError, OutcomeInvalid, msg)
}

func (h *Handler) reply(w http.ResponseWriter, rec *RequestRecord, status int, outcome, msg string) {
	rec.Outcome = outcome
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

func skipValidation(u *url.URL) bool {
	return strings.Contains(u.RawQuery, rawFlag)
}

// redirectLocation reports a 307 whose only header is Location.
func redirectLocation(resp *canister.HTTPResponse) (string, bool) {
	if resp.StatusCode != http.StatusTemporaryRedirect || len(resp.Headers) != 1 || resp.Headers[0].Name != "Location" {
		return "", false
	}
	return resp.Headers[0].Value, true
}

// requestHeaders lower-cases header names and adds host, which net/http
// keeps out of the header map.
func requestHeaders(r *http.Request) []canister.HeaderField {
	var out []canister.HeaderField
	if r.Host != "" {
		out = append(out, canister.HeaderField{Name: "host", Value: r.Host})
	}
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range r.Header[name] {
			out = append(out, canister.HeaderField{Name: strings.ToLower(name), Value: v})
		}
	}
	return out
}

func copyHeaders(dst http.Header, src []canister.HeaderField) {
	for _, f := range src {
		if hopByHopHeaders[strings.ToLower(f.Name)] {
			continue
		}
		if !httpguts.ValidHeaderFieldName(f.Name) || !httpguts.ValidHeaderFieldValue(f.Value) {
			continue
		}
		dst.Add(f.Name, f.Value)
	}
}

func traceRequest(ctx context.Context, r *http.Request, headers []canister.HeaderField, body []byte) {
	l := log.Ctx(ctx)
	if l.GetLevel() > zerolog.TraceLevel || zerolog.GlobalLevel() > zerolog.TraceLevel {
		return
	}
	for _, f := range headers {
		l.Trace().Str("name", f.Name).Str("value", clip(f.Value, maxLogHeader)).Msg("<< header")
	}
	l.Trace().Str("method", r.Method).Str("body", clip(string(body), maxLogBody)).Int("size", len(body)).Msg("<< request")
}

func traceResponse(ctx context.Context, resp *canister.HTTPResponse) {
	l := log.Ctx(ctx)
	if l.GetLevel() > zerolog.TraceLevel || zerolog.GlobalLevel() > zerolog.TraceLevel {
		return
	}
	for _, f := range resp.Headers {
		l.Trace().Str("name", f.Name).Str("value", clip(f.Value, maxLogHeader)).Msg(">> header")
	}
	l.Trace().
		Uint16("status", resp.StatusCode).
		Str("body", clip(string(resp.Body), maxLogBody)).
		Int("size", len(resp.Body)).
		Bool("streaming", resp.Streaming != nil).
		Msg(">> response")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
