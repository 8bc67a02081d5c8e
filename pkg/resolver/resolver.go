// Package resolver turns gateway paths of the form /-/<locator>/-/<rest> into
// a target canister and the path to present to it. The locator is a
// canister id or a name looked up through an ordered chain of sources.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/canister-proxy/pkg/candid"

)

// Sources a target can be resolved from.
const (
	SourcePrincipal = "principal"
	SourceRules     = "rules"
	SourceCache     = "cache"
	SourceRegistry  = "registry"
)

const divider = "-"

// decodeID parses the canonical text form of a canister id. Non-canonical
// spellings are names, not ids.
func decodeID(text string) (principal.Principal, error) {
	p, err := principal.Decode(text)
	if err != nil {
		return principal.Principal{}, err
	}
	if len(p.Raw) > candid.MaxPrincipalLength || p.Encode() != text {
		return principal.Principal{}, fmt.Errorf("%q is not a canonical canister id", text)
	}
	return p, nil
}

// Lookup resolves a name to a canister. Failures are misses.
type Lookup interface {
	Name() string
	Lookup(ctx context.Context, name string) (principal.Principal, bool)
}

// Target is the outcome of a successful resolution.
type Target struct {
	CanisterID principal.Principal
	// Path is the upstream path, including the query string.
	Path   string
	Source string
}

// Resolver tries its lookups in order until one hits.
type Resolver struct {
	lookups []Lookup
}

// New creates a Resolver. Nil lookups are skipped so disabled sources can be
// passed unconditionally.
func New(lookups ...Lookup) *Resolver {
	r := &Resolver{}
	for _, l := range lookups {
		if l != nil {
			r.lookups = append(r.lookups, l)
		}
	}
	return r
}

// Resolve parses u and resolves its locator.
func (r *Resolver) Resolve(ctx context.Context, u *url.URL) (Target, bool) {
	locator, rest, ok := SplitPath(u.EscapedPath())
	if !ok {
		return Target{}, false
	}
	id, source, ok := r.ResolveName(ctx, locator)
	if !ok {
		return Target{}, false
	}
	path := "/" + divider + rest
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return Target{CanisterID: id, Path: path, Source: source}, true
}

// ResolveName resolves a locator: a canister id as is, otherwise the first
// lookup that knows the name.
func (r *Resolver) ResolveName(ctx context.Context, name string) (principal.Principal, string, bool) {
	if id, err := decodeID(name); err == nil {
		return id, SourcePrincipal, true
	}
	for _, l := range r.lookups {
		if id, ok := l.Lookup(ctx, name); ok {
			log.Ctx(ctx).Debug().Str("name", name).Str("canister_id", id.String()).Str("source", l.Name()).Msg("resolved name")
			return id, l.Name(), true
		}
	}
	return principal.Principal{}, "", false
}

// SplitPath splits /-/<locator>/-/<rest> into the locator and "/<rest>".
// Anything else, including a locator not followed by the divider or an
// empty remainder, does not split.
func SplitPath(path string) (locator, rest string, ok bool) {
	if !strings.HasPrefix(path, "/") {
		return "", "", false
	}
	segments := strings.SplitN(path[1:], "/", 4)
	if len(segments) < 4 || segments[0] != divider || segments[1] == "" || segments[2] != divider {
		return "", "", false
	}
	return segments[1], "/" + segments[3], true
}
