package helpers

import (
	"math/big"
	"testing"

	"github.com/aviate-labs/agent-go/candid/idl"
	"github.com/aviate-labs/agent-go/principal"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/canister-proxy/pkg/candid"
	"github.com/jnovack/canister-proxy/pkg/canister"
)

// Token is the streaming token the fake asset canister hands out. Cert, Tree
// and TreePath carry per-chunk certification when set.
type Token struct {
	Key      string
	Index    uint64
	Cert     string
	Tree     string
	TreePath string
}

// TokenType is the wire type of Token.
var TokenType = candid.RecordOf(
	candid.Named("key", candid.Text),
	candid.Named("index", candid.Nat),
	candid.Named("cert", candid.OptOf(candid.Text)),
	candid.Named("tree", candid.OptOf(candid.Text)),
	candid.Named("tree_path", candid.OptOf(candid.Text)),
)

var (
	headerType   = candid.Tuple(candid.Text, candid.Text)
	chunkType    = candid.RecordOf(candid.Named("body", candid.Blob), candid.Named("token", candid.OptOf(TokenType)))
	callbackType = candid.FuncOf([]*candid.Type{TokenType}, []*candid.Type{chunkType}, candid.ModeQuery)
	responseType = candid.RecordOf(
		candid.Named("status_code", candid.Nat16),
		candid.Named("headers", candid.VecOf(headerType)),
		candid.Named("body", candid.Blob),
		candid.Named("upgrade", candid.OptOf(candid.Bool)),
		candid.Named("streaming_strategy", candid.OptOf(candid.VariantOf(
			candid.Named("Callback", candid.RecordOf(
				candid.Named("callback", callbackType),
				candid.Named("token", TokenType),
			)),
		))),
	)
)

func optText(s string) candid.Opt {
	if s == "" {
		return candid.Opt{}
	}
	return candid.Opt{Some: true, Value: s}
}

// Value renders tok as a candid record.
func (tok Token) Value() candid.Record {
	return candid.Record{
		{ID: candid.Hash("key"), Value: tok.Key},
		{ID: candid.Hash("index"), Value: tok.Index},
		{ID: candid.Hash("cert"), Value: optText(tok.Cert)},
		{ID: candid.Hash("tree"), Value: optText(tok.Tree)},
		{ID: candid.Hash("tree_path"), Value: optText(tok.TreePath)},
	}
}

// Stream describes the streaming strategy of a response.
type Stream struct {
	Service principal.Principal
	Method  string
	Token   Token
}

// EncodeHTTPResponse encodes an http_request reply.
func EncodeHTTPResponse(t testing.TB, resp canister.HTTPResponse, stream *Stream) []byte {
	t.Helper()
	headers := make([]any, len(resp.Headers))
	for i, h := range resp.Headers {
		headers[i] = candid.Record{{ID: 0, Value: h.Name}, {ID: 1, Value: h.Value}}
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	upgrade := candid.Opt{}
	if resp.Upgrade {
		upgrade = candid.Opt{Some: true, Value: true}
	}
	strategy := candid.Opt{}
	if stream != nil {
		strategy = candid.Opt{Some: true, Value: candid.Variant{
			ID: candid.Hash("Callback"),
			Value: candid.Record{
				{ID: candid.Hash("callback"), Value: candid.FuncRef{Service: stream.Service, Method: stream.Method}},
				{ID: candid.Hash("token"), Value: stream.Token.Value()},
			},
		}}
	}
	b, err := candid.Encode(candid.Typed{Type: responseType, Value: candid.Record{
		{ID: candid.Hash("status_code"), Value: resp.StatusCode},
		{ID: candid.Hash("headers"), Value: headers},
		{ID: candid.Hash("body"), Value: body},
		{ID: candid.Hash("upgrade"), Value: upgrade},
		{ID: candid.Hash("streaming_strategy"), Value: strategy},
	}})
	require.NoError(t, err, "encode http response")
	return b
}

// EncodeChunk encodes a streaming callback reply; next is nil on the last
// chunk.
func EncodeChunk(t testing.TB, body []byte, next *Token) []byte {
	t.Helper()
	token := candid.Opt{}
	if next != nil {
		token = candid.Opt{Some: true, Value: next.Value()}
	}
	if body == nil {
		body = []byte{}
	}
	b, err := candid.Encode(candid.Typed{Type: chunkType, Value: candid.Record{
		{ID: candid.Hash("body"), Value: body},
		{ID: candid.Hash("token"), Value: token},
	}})
	require.NoError(t, err, "encode streaming chunk")
	return b
}

// DecodeToken reads the key and index back from a callback argument.
func DecodeToken(t testing.TB, arg []byte) Token {
	t.Helper()
	args, err := candid.Decode(arg)
	require.NoError(t, err, "decode callback argument")
	require.Len(t, args, 1, "callback takes one argument")
	r, ok := args[0].Value.(candid.Record)
	require.True(t, ok, "token is a record")
	var tok Token
	if f, ok := r.Lookup("key"); ok {
		tok.Key, _ = f.Value.(string)
	}
	if f, ok := r.Lookup("index"); ok {
		if n, ok := f.Value.(*big.Int); ok {
			tok.Index = n.Uint64()
		}
	}
	return tok
}

// DecodeHTTPRequest decodes an http_request argument.
func DecodeHTTPRequest(t testing.TB, arg []byte) canister.HTTPRequest {
	t.Helper()
	args, err := candid.Decode(arg)
	require.NoError(t, err, "decode http request")
	require.Len(t, args, 1)
	r, ok := args[0].Value.(candid.Record)
	require.True(t, ok, "request is a record")
	var req canister.HTTPRequest
	if f, ok := r.Lookup("method"); ok {
		req.Method, _ = f.Value.(string)
	}
	if f, ok := r.Lookup("url"); ok {
		req.URL, _ = f.Value.(string)
	}
	if f, ok := r.Lookup("body"); ok {
		req.Body, _ = f.Value.([]byte)
	}
	if f, ok := r.Lookup("headers"); ok {
		items, _ := f.Value.([]any)
		for _, item := range items {
			h := item.(candid.Record)
			name, _ := h.Get(0)
			value, _ := h.Get(1)
			req.Headers = append(req.Headers, canister.HeaderField{Name: name.Value.(string), Value: value.Value.(string)})
		}
	}
	return req
}

// EncodeLookupReply encodes the registry's (opt vec principal) reply. No ids
// encodes null.
func EncodeLookupReply(t testing.TB, ids ...principal.Principal) []byte {
	t.Helper()
	typ := idl.NewOptionalType(idl.NewVectorType(new(idl.PrincipalType)))
	var v any
	if ids != nil {
		v = ids
	}
	b, err := idl.Encode([]idl.Type{typ}, []any{v})
	require.NoError(t, err, "encode lookup reply")
	return b
}
