// Package validate checks canister responses against their certification:
// the certificate's signature, the certified data witness, the hash tree and
// the SHA-256 of the decoded body.
package validate

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aviate-labs/agent-go/certification"
	"github.com/aviate-labs/agent-go/certification/hashtree"
	"github.com/aviate-labs/agent-go/principal"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/canister-proxy/pkg/candid"
	"github.com/jnovack/canister-proxy/pkg/replica"
)

var (
	// ErrVerification is a negative validation result.
	ErrVerification = errors.New("body does not pass verification")
	// ErrDecode is returned when the body cannot be decoded for hashing.
	ErrDecode = errors.New("body could not be decoded")
)

const fallbackKey = "/index.html"

// Token fields carrying per-chunk certification.
var (
	tokenCert     = candid.Hash("cert")
	tokenTree     = candid.Hash("tree")
	tokenTreePath = candid.Hash("tree_path")
)

// Validator validates response bodies.
type Validator struct {
	keys replica.KeySource
}

// New creates a Validator trusting the root key from keys.
func New(keys replica.KeySource) *Validator {
	return &Validator{keys: keys}
}

// TreeKey derives the asset key from the upstream path: the path without its
// query and without any /-/<canister id> routing prefix.
func TreeKey(upstreamPath string, canisterID principal.Principal) string {
	p := upstreamPath
	if u, err := url.Parse(upstreamPath); err == nil {
		p = u.EscapedPath()
	} else if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return strings.ReplaceAll(p, "/-/"+canisterID.String(), "")
}

// Validate checks a whole body. Responses carrying neither a certificate nor
// a tree are accepted; carrying only one of them is rejected.
func (v *Validator) Validate(ctx context.Context, data HeaderData, canisterID principal.Principal, upstreamPath string, body []byte) error {
	sum, err := BodySHA256(body, data.Encoding)
	if err != nil {
		return err
	}
	key := data.Key
	if key == "" {
		key = TreeKey(upstreamPath, canisterID)
	}

	switch {
	case data.Certificate == nil && data.Tree == nil:
		return nil
	case data.Certificate == nil || data.Tree == nil:
		return fmt.Errorf("%w: certificate and tree must be sent together", ErrVerification)
	case data.Certificate.Err != nil:
		return fmt.Errorf("%w: certificate header: %v", ErrVerification, data.Certificate.Err)
	case data.Tree.Err != nil:
		return fmt.Errorf("%w: tree header: %v", ErrVerification, data.Tree.Err)
	}
	return v.validateBody(ctx, data.Certificate.Value, data.Tree.Value, canisterID, key, sum)
}

func (v *Validator) validateBody(ctx context.Context, certBytes, treeBytes []byte, canisterID principal.Principal, key string, sum [32]byte) error {
	var cert certification.Certificate
	if err := decode(func() error { return cbor.Unmarshal(certBytes, &cert) }); err != nil {
		return fmt.Errorf("certificate validation failed: %w", err)
	}
	var tree hashtree.Node
	if err := decode(func() (err error) { tree, err = hashtree.Deserialize(treeBytes); return err }); err != nil {
		return fmt.Errorf("certificate validation failed: %w", err)
	}
	rootKey, err := replica.DERKey(v.keys)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}

	digest := tree.Reconstruct()
	if err := certification.VerifyCertifiedData(cert, canisterID, rootKey, digest[:]); err != nil {
		log.Ctx(ctx).Trace().Err(err).Hex("digest", digest[:]).Msg("certificate does not certify the tree")
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}

	leaf, err := hashtree.Lookup(tree, hashtree.Label("http_assets"), hashtree.Label(key))
	if err != nil {
		leaf, err = hashtree.Lookup(tree, hashtree.Label("http_assets"), hashtree.Label(fallbackKey))
	}
	if err != nil {
		log.Ctx(ctx).Trace().Str("key", key).Msg("tree does not contain the asset")
		return fmt.Errorf("%w: tree has no entry for %q", ErrVerification, key)
	}
	if !bytes.Equal(leaf, sum[:]) {
		return fmt.Errorf("%w: body hash does not match the tree", ErrVerification)
	}
	return nil
}

// decode runs fn, turning a panic from malformed CBOR node lists into an
// error.
func decode(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed hash tree: %v", r)
		}
	}()
	return fn()
}

// ValidateChunk checks one streamed chunk against the certification carried
// in the token returned with it. A token without certification fields is
// accepted.
func (v *Validator) ValidateChunk(ctx context.Context, token *candid.Typed, canisterID principal.Principal, upstreamPath string, body []byte) error {
	if token == nil {
		return nil
	}
	fields, ok := token.Value.(candid.Record)
	if !ok {
		return nil
	}
	data := HeaderData{
		Certificate: tokenField(fields, tokenCert),
		Tree:        tokenField(fields, tokenTree),
	}
	if p := tokenField(fields, tokenTreePath); p != nil && p.Err == nil {
		data.Key = string(p.Value)
	}
	return v.Validate(ctx, data, canisterID, upstreamPath, body)
}

// tokenField reads a text or blob field, unwrapping opt. Text is base64 for
// cert and tree; the caller uses tree_path as raw text.
func tokenField(r candid.Record, id uint32) *Field {
	f, ok := r.Get(id)
	if !ok {
		return nil
	}
	value := f.Value
	if o, ok := value.(candid.Opt); ok {
		if !o.Some {
			return nil
		}
		value = o.Value
	}
	switch v := value.(type) {
	case []byte:
		return &Field{Value: v}
	case string:
		if id == tokenTreePath {
			return &Field{Value: []byte(v)}
		}
		b, err := base64.StdEncoding.DecodeString(strings.Trim(v, `"`))
		return &Field{Value: b, Err: err}
	}
	return &Field{Err: fmt.Errorf("unexpected token field type %T", value)}
}
