package canister

import (
	"context"
	"fmt"

	"github.com/aviate-labs/agent-go/candid/idl"
	"github.com/aviate-labs/agent-go/principal"
)

// Registry is the name directory canister.
type Registry struct {
	caller Caller
	ID     principal.Principal
}

// NewRegistry binds the directory canister id to caller.
func NewRegistry(caller Caller, id principal.Principal) *Registry {
	return &Registry{caller: caller, ID: id}
}

// Lookup resolves name through lookup(text) -> (opt vec principal). The first
// principal of the list is canonical.
func (r *Registry) Lookup(ctx context.Context, name string) (principal.Principal, bool, error) {
	arg, err := idl.Marshal([]any{name})
	if err != nil {
		return principal.Principal{}, false, err
	}
	reply, err := r.caller.Query(ctx, r.ID, "lookup", arg)
	if err != nil {
		return principal.Principal{}, false, err
	}
	var ids *[]principal.Principal
	if err := idl.Unmarshal(reply, []any{&ids}); err != nil {
		return principal.Principal{}, false, fmt.Errorf("%w: lookup: %v", ErrMalformedReply, err)
	}
	if ids == nil || len(*ids) == 0 {
		return principal.Principal{}, false, nil
	}
	return (*ids)[0], true, nil
}
