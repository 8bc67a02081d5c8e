// Package canister wraps the entry points the gateway calls on canisters:
// the HTTP request interface, its streaming callbacks and the name registry.
package canister

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/aviate-labs/agent-go/principal"

	"github.com/jnovack/canister-proxy/pkg/candid"
)

// Caller performs raw calls. *replica.Agent satisfies it.
type Caller interface {
	Query(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error)
	Update(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error)
}

// HeaderField is one header line.
type HeaderField struct {
	Name  string
	Value string
}

// HTTPRequest is the argument of http_request and http_request_update.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers []HeaderField
	Body    []byte
}

// HTTPResponse is the reply of http_request and http_request_update.
type HTTPResponse struct {
	StatusCode uint16
	Headers    []HeaderField
	Body       []byte
	// Upgrade asks the caller to repeat the request as an update call.
	Upgrade   bool
	Streaming *CallbackStrategy
}

// CallbackStrategy names the method that produces the next chunk of a
// streamed body and the opaque token to pass it.
type CallbackStrategy struct {
	Callback candid.FuncRef
	Token    candid.Typed
}

// StreamingChunk is the reply of a streaming callback. Token is nil on the
// last chunk.
type StreamingChunk struct {
	Body  []byte
	Token *candid.Typed
}

// ErrMalformedReply is returned when a reply does not have the expected shape.
var ErrMalformedReply = errors.New("canister: malformed reply")

var (
	headerType  = candid.Tuple(candid.Text, candid.Text)
	requestType = candid.RecordOf(
		candid.Named("method", candid.Text),
		candid.Named("url", candid.Text),
		candid.Named("headers", candid.VecOf(headerType)),
		candid.Named("body", candid.Blob),
	)
)

const (
	methodHTTPRequest       = "http_request"
	methodHTTPRequestUpdate = "http_request_update"
)

// Canister is a canister serving the HTTP request interface.
type Canister struct {
	caller Caller
	ID     principal.Principal
}

// New binds id to caller.
func New(caller Caller, id principal.Principal) *Canister {
	return &Canister{caller: caller, ID: id}
}

// HTTPRequest calls http_request as a query.
func (c *Canister) HTTPRequest(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	arg, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	reply, err := c.caller.Query(ctx, c.ID, methodHTTPRequest, arg)
	if err != nil {
		return nil, err
	}
	return decodeResponse(reply)
}

// HTTPRequestUpdate calls http_request_update as an update call.
func (c *Canister) HTTPRequestUpdate(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	arg, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	reply, err := c.caller.Update(ctx, c.ID, methodHTTPRequestUpdate, arg)
	if err != nil {
		return nil, err
	}
	return decodeResponse(reply)
}

// StreamCallback fetches the chunk identified by token from the callback
// method. The token is passed back exactly as it was received.
func (c *Canister) StreamCallback(ctx context.Context, callback candid.FuncRef, token candid.Typed) (*StreamingChunk, error) {
	arg, err := candid.Encode(token)
	if err != nil {
		return nil, err
	}
	service := callback.Service
	if len(service.Raw) == 0 {
		service = c.ID
	}
	reply, err := c.caller.Query(ctx, service, callback.Method, arg)
	if err != nil {
		return nil, err
	}
	return decodeChunk(reply)
}

func encodeRequest(req HTTPRequest) ([]byte, error) {
	headers := make([]any, len(req.Headers))
	for i, h := range req.Headers {
		headers[i] = candid.Record{
			{ID: 0, Type: candid.Text, Value: h.Name},
			{ID: 1, Type: candid.Text, Value: h.Value},
		}
	}
	body := req.Body
	if body == nil {
		body = []byte{}
	}
	return candid.Encode(candid.Typed{Type: requestType, Value: candid.Record{
		{ID: candid.Hash("method"), Value: req.Method},
		{ID: candid.Hash("url"), Value: req.URL},
		{ID: candid.Hash("headers"), Value: headers},
		{ID: candid.Hash("body"), Value: body},
	}})
}

func firstRecord(reply []byte) (candid.Record, error) {
	args, err := candid.Decode(reply)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: no reply value", ErrMalformedReply)
	}
	r, ok := args[0].Value.(candid.Record)
	if !ok {
		return nil, fmt.Errorf("%w: reply is %s, not a record", ErrMalformedReply, args[0].Type.Op)
	}
	return r, nil
}

func decodeResponse(reply []byte) (*HTTPResponse, error) {
	r, err := firstRecord(reply)
	if err != nil {
		return nil, err
	}
	resp := &HTTPResponse{}

	f, ok := r.Lookup("status_code")
	if !ok {
		return nil, fmt.Errorf("%w: missing status_code", ErrMalformedReply)
	}
	switch v := f.Value.(type) {
	case uint16:
		resp.StatusCode = v
	case *big.Int:
		if !v.IsUint64() || v.Uint64() > 0xffff {
			return nil, fmt.Errorf("%w: status_code %s", ErrMalformedReply, v)
		}
		resp.StatusCode = uint16(v.Uint64())
	default:
		return nil, fmt.Errorf("%w: status_code is %T", ErrMalformedReply, f.Value)
	}

	if f, ok := r.Lookup("headers"); ok {
		if resp.Headers, err = decodeHeaders(f.Value); err != nil {
			return nil, err
		}
	}
	if f, ok := r.Lookup("body"); ok {
		if resp.Body, ok = f.Value.([]byte); !ok {
			return nil, fmt.Errorf("%w: body is %T", ErrMalformedReply, f.Value)
		}
	}
	if f, ok := r.Lookup("upgrade"); ok {
		if o, ok := f.Value.(candid.Opt); ok && o.Some {
			resp.Upgrade, _ = o.Value.(bool)
		}
	}
	if f, ok := r.Lookup("streaming_strategy"); ok {
		if resp.Streaming, err = decodeStrategy(f.Value); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func decodeHeaders(v any) ([]HeaderField, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: headers are %T", ErrMalformedReply, v)
	}
	out := make([]HeaderField, 0, len(items))
	for _, item := range items {
		r, ok := item.(candid.Record)
		if !ok {
			return nil, fmt.Errorf("%w: header is %T", ErrMalformedReply, item)
		}
		name, _ := r.Get(0)
		value, _ := r.Get(1)
		n, ok1 := name.Value.(string)
		val, ok2 := value.Value.(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: header is not a pair of text", ErrMalformedReply)
		}
		out = append(out, HeaderField{Name: n, Value: val})
	}
	return out, nil
}

func decodeStrategy(v any) (*CallbackStrategy, error) {
	o, ok := v.(candid.Opt)
	if !ok {
		return nil, fmt.Errorf("%w: streaming_strategy is %T", ErrMalformedReply, v)
	}
	if !o.Some {
		return nil, nil
	}
	variant, ok := o.Value.(candid.Variant)
	if !ok || variant.ID != candid.Hash("Callback") {
		return nil, fmt.Errorf("%w: unknown streaming strategy", ErrMalformedReply)
	}
	r, ok := variant.Value.(candid.Record)
	if !ok {
		return nil, fmt.Errorf("%w: Callback is %T", ErrMalformedReply, variant.Value)
	}
	cb, ok := r.Lookup("callback")
	if !ok {
		return nil, fmt.Errorf("%w: Callback without callback", ErrMalformedReply)
	}
	ref, ok := cb.Value.(candid.FuncRef)
	if !ok {
		return nil, fmt.Errorf("%w: callback is %T", ErrMalformedReply, cb.Value)
	}
	token, ok := r.Lookup("token")
	if !ok {
		return nil, fmt.Errorf("%w: Callback without token", ErrMalformedReply)
	}
	return &CallbackStrategy{Callback: ref, Token: token.Typed()}, nil
}

func decodeChunk(reply []byte) (*StreamingChunk, error) {
	r, err := firstRecord(reply)
	if err != nil {
		return nil, err
	}
	chunk := &StreamingChunk{}
	f, ok := r.Lookup("body")
	if !ok {
		return nil, fmt.Errorf("%w: chunk without body", ErrMalformedReply)
	}
	if chunk.Body, ok = f.Value.([]byte); !ok {
		return nil, fmt.Errorf("%w: chunk body is %T", ErrMalformedReply, f.Value)
	}
	if f, ok := r.Lookup("token"); ok {
		o, ok := f.Value.(candid.Opt)
		if !ok {
			return nil, fmt.Errorf("%w: chunk token is %T", ErrMalformedReply, f.Value)
		}
		if o.Some {
			chunk.Token = &candid.Typed{Type: f.Type.Elem, Value: o.Value}
		}
	}
	return chunk, nil
}
