package helpers

import (
	"errors"
	"math/big"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aviate-labs/agent-go"
	"github.com/aviate-labs/agent-go/certification/hashtree"
	"github.com/aviate-labs/agent-go/principal"
	"github.com/aviate-labs/leb128"
	"github.com/fxamacker/cbor/v2"

	"github.com/jnovack/canister-proxy/pkg/replica"
)

// MethodFunc implements one canister method on the fake replica. Returning a
// *replica.RejectError produces a well-formed rejection; any other error
// fails the HTTP request.
type MethodFunc func(canister principal.Principal, arg []byte) ([]byte, error)

// FakeReplica speaks the replica HTTP interface for tests. Update results
// are served through read_state certificates signed by Signer.
type FakeReplica struct {
	*httptest.Server
	Signer *Signer
	t      testing.TB

	// PendingPolls is the number of status reads answered as still
	// processing before an update's result is revealed.
	PendingPolls int

	QueryCalls  atomic.Int64
	UpdateCalls atomic.Int64
	StatusReads atomic.Int64

	mu      sync.Mutex
	queries map[string]MethodFunc
	updates map[string]MethodFunc
	results map[agent.RequestID]*callResult
}

type callResult struct {
	reply   []byte
	reject  *replica.RejectError
	pending int
}

type envelope struct {
	Content struct {
		RequestType   string     `cbor:"request_type"`
		CanisterID    []byte     `cbor:"canister_id"`
		MethodName    string     `cbor:"method_name"`
		Arg           []byte     `cbor:"arg"`
		Sender        []byte     `cbor:"sender"`
		IngressExpiry uint64     `cbor:"ingress_expiry"`
		Nonce         []byte     `cbor:"nonce"`
		Paths         [][][]byte `cbor:"paths"`
	} `cbor:"content"`
}

// NewFakeReplica starts a fake replica whose certificates are signed by
// signer. It is closed when the test ends.
func NewFakeReplica(t testing.TB, signer *Signer) *FakeReplica {
	t.Helper()
	f := &FakeReplica{
		Signer:  signer,
		t:       t,
		queries: map[string]MethodFunc{},
		updates: map[string]MethodFunc{},
		results: map[agent.RequestID]*callResult{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// HandleQuery registers a query method.
func (f *FakeReplica) HandleQuery(method string, fn MethodFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[method] = fn
}

// HandleUpdate registers an update method.
func (f *FakeReplica) HandleUpdate(method string, fn MethodFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[method] = fn
}

func (f *FakeReplica) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/api/v2/status" {
		writeCBOR(w, http.StatusOK, map[string]any{"root_key": f.Signer.DER()})
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v2/canister/"), "/")
	if r.Method != http.MethodPost || len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	canister, err := principal.Decode(parts[0])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var env envelope
	if err := cbor.Unmarshal(body, &env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch parts[1] {
	case "query":
		f.query(w, canister, &env)
	case "call":
		f.call(w, canister, &env)
	case "read_state":
		f.readState(w, &env)
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeReplica) query(w http.ResponseWriter, canister principal.Principal, env *envelope) {
	f.QueryCalls.Add(1)
	f.mu.Lock()
	fn := f.queries[env.Content.MethodName]
	f.mu.Unlock()
	if fn == nil {
		writeCBOR(w, http.StatusOK, map[string]any{"status": "rejected", "reject_code": uint64(3), "reject_message": "method not found: " + env.Content.MethodName})
		return
	}
	reply, err := fn(canister, env.Content.Arg)
	var reject *replica.RejectError
	switch {
	case errors.As(err, &reject):
		writeCBOR(w, http.StatusOK, map[string]any{"status": "rejected", "reject_code": reject.Code, "reject_message": reject.Message})
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeCBOR(w, http.StatusOK, map[string]any{"status": "replied", "reply": map[string]any{"arg": reply}})
	}
}

func (f *FakeReplica) call(w http.ResponseWriter, canister principal.Principal, env *envelope) {
	f.UpdateCalls.Add(1)
	c := env.Content
	rid := agent.NewRequestID(agent.Request{
		Type:          c.RequestType,
		Sender:        principal.Principal{Raw: c.Sender},
		Nonce:         c.Nonce,
		IngressExpiry: c.IngressExpiry,
		CanisterID:    principal.Principal{Raw: c.CanisterID},
		MethodName:    c.MethodName,
		Arguments:     c.Arg,
	})

	f.mu.Lock()
	fn := f.updates[c.MethodName]
	f.mu.Unlock()
	res := &callResult{pending: f.PendingPolls}
	if fn == nil {
		res.reject = &replica.RejectError{Code: 3, Message: "method not found: " + c.MethodName}
	} else if reply, err := fn(canister, c.Arg); err != nil {
		if !errors.As(err, &res.reject) {
			res.reject = &replica.RejectError{Code: 5, Message: err.Error()}
		}
	} else {
		res.reply = reply
	}
	f.mu.Lock()
	f.results[rid] = res
	f.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (f *FakeReplica) readState(w http.ResponseWriter, env *envelope) {
	f.StatusReads.Add(1)
	var status []hashtree.Labeled
	for _, path := range env.Content.Paths {
		if len(path) != 2 || string(path[0]) != "request_status" || len(path[1]) != 32 {
			continue
		}
		var rid agent.RequestID
		copy(rid[:], path[1])
		f.mu.Lock()
		res := f.results[rid]
		if res != nil && res.pending > 0 {
			res.pending--
			res = nil
		}
		f.mu.Unlock()
		if res == nil {
			continue
		}
		var fields []hashtree.Labeled
		if res.reject != nil {
			code, _ := leb128.EncodeUnsigned(new(big.Int).SetUint64(res.reject.Code))
			fields = append(fields,
				Label("status", hashtree.Leaf("rejected")),
				Label("reject_code", hashtree.Leaf(code)),
				Label("reject_message", hashtree.Leaf(res.reject.Message)),
			)
		} else {
			fields = append(fields,
				Label("status", hashtree.Leaf("replied")),
				Label("reply", hashtree.Leaf(res.reply)),
			)
		}
		status = append(status, hashtree.Labeled{Label: path[1], Tree: Subtree(fields...)})
	}
	tree := Subtree(Label("request_status", Subtree(status...)))
	writeCBOR(w, http.StatusOK, map[string]any{"certificate": f.Signer.CertifyBytes(f.t, tree, nil)})
}

func writeCBOR(w http.ResponseWriter, status int, v any) {
	b, err := cbor.Marshal(cbor.Tag{Number: 55799, Content: v})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
