// Package replica is a client for the platform's HTTP interface: unsigned
// anonymous query and update calls, request-status polling over certified
// state reads, and root key retrieval. Transport, request ids, envelopes and
// certificate checks come from agent-go; this package adds per-call contexts,
// round-robin over several replicas and typed rejections.
package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aviate-labs/agent-go"
	"github.com/aviate-labs/agent-go/certification"
	"github.com/aviate-labs/agent-go/certification/hashtree"
	"github.com/aviate-labs/agent-go/identity"
	"github.com/aviate-labs/agent-go/principal"
	"github.com/aviate-labs/leb128"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	ingressExpiry = 4 * time.Minute

	// DefaultPollInterval and DefaultPollTimeout bound the wait for an update
	// call's result.
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPollTimeout  = 15 * time.Second
)

// ErrTimeout is returned when an update call has not completed within the
// poll timeout.
var ErrTimeout = errors.New("replica: timed out waiting for the call to complete")

// RejectError is a well-formed rejection by the canister or the replica.
type RejectError struct {
	Code    uint64
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("replica rejected the call (%d): %s", e.Code, e.Message)
}

// Config configures an Agent.
type Config struct {
	// URLs of the replicas to talk to, used round-robin.
	URLs []string
	// RootKey is the trusted DER or raw root key. Leave empty and call
	// FetchRootKey against development replicas.
	RootKey      []byte
	PollInterval time.Duration
	PollTimeout  time.Duration
}

type endpoint struct {
	host   string
	client agent.Client
}

// Agent issues calls against one or more replicas.
type Agent struct {
	endpoints []endpoint
	next      atomic.Uint64
	identity  identity.Identity

	mu      sync.RWMutex
	rootKey []byte
	fetched bool

	pollInterval time.Duration
	pollTimeout  time.Duration
}

// clientLogger routes agent-go's request log to zerolog at trace level.
type clientLogger struct{ host string }

func (l clientLogger) Printf(format string, v ...any) {
	log.Trace().Str("replica", l.host).Msgf(format, v...)
}

// New creates an Agent.
func New(cfg Config) (*Agent, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("replica: no replica URL configured")
	}
	a := &Agent{
		identity:     identity.AnonymousIdentity{},
		rootKey:      cfg.RootKey,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
	}
	for _, raw := range cfg.URLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("replica: invalid URL %q", raw)
		}
		u.Path = strings.TrimSuffix(u.Path, "/")
		a.endpoints = append(a.endpoints, endpoint{
			host:   u.Host,
			client: agent.NewClientWithLogger(agent.ClientConfig{Host: u}, clientLogger{host: u.Host}),
		})
	}
	if a.pollInterval <= 0 {
		a.pollInterval = DefaultPollInterval
	}
	if a.pollTimeout <= 0 {
		a.pollTimeout = DefaultPollTimeout
	}
	return a, nil
}

// RootKey returns the key certificates are verified against. It implements
// KeySource.
func (a *Agent) RootKey() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rootKey
}

// FetchRootKey replaces the trusted root key with the one the replica
// reports. Only use this against development replicas.
func (a *Agent) FetchRootKey(ctx context.Context) error {
	ep := a.pick()
	type result struct {
		status *agent.Status
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := ep.client.Status()
		done <- result{s, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r = <-done:
	}
	if r.err != nil {
		return fmt.Errorf("replica: status: %w", r.err)
	}
	if len(r.status.RootKey) == 0 {
		return errors.New("replica: status did not include a root key")
	}
	a.mu.Lock()
	a.rootKey = r.status.RootKey
	a.fetched = true
	a.mu.Unlock()
	log.Ctx(ctx).Debug().Str("replica", ep.host).Int("length", len(r.status.RootKey)).Msg("fetched root key")
	return nil
}

// EnsureRootKey fetches the root key unless a previous fetch succeeded.
func (a *Agent) EnsureRootKey(ctx context.Context) error {
	a.mu.RLock()
	done := a.fetched
	a.mu.RUnlock()
	if done {
		return nil
	}
	return a.FetchRootKey(ctx)
}

// Query performs a read-only call and returns the reply argument. Replies
// are not signature-checked here; the gateway certifies the body instead.
func (a *Agent) Query(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	_, envelope, err := a.sign(a.request(agent.RequestTypeQuery, canister, method, arg))
	if err != nil {
		return nil, err
	}
	raw, err := a.pick().client.Query(ctx, canister, envelope)
	if err != nil {
		return nil, fmt.Errorf("replica: query %s: %w", canister, err)
	}
	var resp agent.Response
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("replica: query response: %w", err)
	}
	switch resp.Status {
	case "replied":
		var reply struct {
			Arg []byte `cbor:"arg"`
		}
		if err := cbor.Unmarshal(resp.Reply, &reply); err != nil {
			return nil, fmt.Errorf("replica: query reply: %w", err)
		}
		return reply.Arg, nil
	case "rejected":
		return nil, &RejectError{Code: resp.RejectCode, Message: resp.RejectMsg}
	}
	return nil, fmt.Errorf("replica: unexpected query status %q", resp.Status)
}

// Update submits a state-changing call and polls its status until it has
// been replied or rejected, or the poll timeout elapses.
func (a *Agent) Update(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	req := a.request(agent.RequestTypeCall, canister, method, arg)
	nonce, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	req.Nonce = nonce[:]
	rid, envelope, err := a.sign(req)
	if err != nil {
		return nil, err
	}

	ep := a.pick()
	if _, err := ep.client.Call(ctx, canister, envelope); err != nil {
		return nil, fmt.Errorf("replica: call %s: %w", canister, err)
	}
	log.Ctx(ctx).Debug().
		Str("canister_id", canister.String()).
		Str("method", method).
		Hex("request_id", rid[:]).
		Msg("update call accepted")
	return a.poll(ctx, ep, canister, rid)
}

func (a *Agent) poll(ctx context.Context, ep endpoint, canister principal.Principal, rid agent.RequestID) ([]byte, error) {
	pctx, cancel := context.WithTimeout(ctx, a.pollTimeout)
	defer cancel()
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		reply, done, err := a.requestStatus(pctx, ep, canister, rid)
		if done || (err != nil && pctx.Err() == nil) {
			return reply, err
		}
		select {
		case <-pctx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrTimeout
		case <-ticker.C:
		}
	}
}

// requestStatus reads request_status/<rid> once. done is false while the
// call is still pending.
func (a *Agent) requestStatus(ctx context.Context, ep endpoint, canister principal.Principal, rid agent.RequestID) ([]byte, bool, error) {
	path := []hashtree.Label{hashtree.Label("request_status"), rid[:]}
	_, envelope, err := a.sign(agent.Request{
		Type:          agent.RequestTypeReadState,
		Sender:        a.identity.Sender(),
		Paths:         [][]hashtree.Label{path},
		IngressExpiry: expiry(),
	})
	if err != nil {
		return nil, false, err
	}
	raw, err := ep.client.ReadState(ctx, canister, envelope)
	if err != nil {
		return nil, false, fmt.Errorf("replica: read_state %s: %w", canister, err)
	}
	var resp struct {
		Certificate []byte `cbor:"certificate"`
	}
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return nil, false, fmt.Errorf("replica: read_state response: %w", err)
	}
	var cert certification.Certificate
	if err := cbor.Unmarshal(resp.Certificate, &cert); err != nil {
		return nil, false, fmt.Errorf("replica: status certificate: %w", err)
	}
	key, err := DERKey(a)
	if err != nil {
		return nil, false, err
	}
	if err := certification.VerifyCertificate(cert, canister, key); err != nil {
		return nil, false, fmt.Errorf("replica: status certificate: %w", err)
	}

	lookup := func(label string) ([]byte, error) {
		return cert.Tree.Lookup(append(path[:2:2], hashtree.Label(label))...)
	}
	status, err := lookup("status")
	var lerr hashtree.LookupError
	if errors.As(err, &lerr) && lerr.Type != hashtree.LookupResultError {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	switch string(status) {
	case "received", "processing":
		return nil, false, nil
	case "replied":
		reply, err := lookup("reply")
		return reply, true, err
	case "rejected":
		rawCode, err := lookup("reject_code")
		if err != nil {
			return nil, true, err
		}
		code, err := leb128.DecodeUnsigned(bytes.NewReader(rawCode))
		if err != nil || !code.IsUint64() {
			return nil, true, fmt.Errorf("replica: malformed reject code %x", rawCode)
		}
		msg, err := lookup("reject_message")
		if err != nil {
			return nil, true, err
		}
		return nil, true, &RejectError{Code: code.Uint64(), Message: string(msg)}
	case "done":
		return nil, true, errors.New("replica: call completed but its reply has been pruned")
	}
	return nil, true, fmt.Errorf("replica: unknown request status %q", status)
}

func (a *Agent) request(typ agent.RequestType, canister principal.Principal, method string, arg []byte) agent.Request {
	if arg == nil {
		arg = []byte{}
	}
	return agent.Request{
		Type:          typ,
		Sender:        a.identity.Sender(),
		CanisterID:    canister,
		MethodName:    method,
		Arguments:     arg,
		IngressExpiry: expiry(),
	}
}

// sign wraps req in an envelope. The anonymous identity leaves the
// signature fields empty.
func (a *Agent) sign(req agent.Request) (agent.RequestID, []byte, error) {
	rid := agent.NewRequestID(req)
	data, err := cbor.Marshal(agent.Envelope{
		Content:      req,
		SenderPubKey: a.identity.PublicKey(),
		SenderSig:    rid.Sign(a.identity),
	})
	if err != nil {
		return rid, nil, fmt.Errorf("replica: encode envelope: %w", err)
	}
	return rid, data, nil
}

func expiry() uint64 {
	return uint64(time.Now().Add(ingressExpiry).UnixNano())
}

// pick returns the next replica in round-robin order.
func (a *Agent) pick() endpoint {
	n := a.next.Add(1) - 1
	return a.endpoints[n%uint64(len(a.endpoints))]
}
