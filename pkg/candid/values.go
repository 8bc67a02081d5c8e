package candid

import (
	"github.com/aviate-labs/agent-go/principal"
)

// Typed pairs a value with its wire type.
//
// Go representations: null and reserved are nil; bool; nat and int are *big.Int
// (uint64/int64/int accepted when encoding); fixed-width numbers use the matching
// Go type; text is string; vec nat8 is []byte, other vectors []any; opt is Opt;
// record is Record; variant is Variant; func is FuncRef; service and principal
// are principal.Principal.
type Typed struct {
	Type  *Type
	Value any
}

// Opt is an optional value.
type Opt struct {
	Some  bool
	Value any
}

// FieldValue is one decoded or to-be-encoded record member.
type FieldValue struct {
	ID    uint32
	Type  *Type
	Value any
}

// Typed returns the member as a standalone typed value.
func (f FieldValue) Typed() Typed { return Typed{Type: f.Type, Value: f.Value} }

// Record is a record value ordered by field id.
type Record []FieldValue

// Get returns the member with the given id.
func (r Record) Get(id uint32) (FieldValue, bool) {
	for _, f := range r {
		if f.ID == id {
			return f, true
		}
	}
	return FieldValue{}, false
}

// Lookup returns the member whose id is the hash of name.
func (r Record) Lookup(name string) (FieldValue, bool) { return r.Get(Hash(name)) }

// Variant is a variant value.
type Variant struct {
	ID    uint32
	Type  *Type
	Value any
}

// FuncRef is a public method reference.
type FuncRef struct {
	Service principal.Principal
	Method  string
}
