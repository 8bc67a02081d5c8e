// Package candid encodes and decodes the self-describing argument format used by
// canister entry points.
//
// Values are decoded against their wire types, so a caller does not need to know
// a type ahead of time. Record and variant values keep the type of every field,
// which lets opaque values (streaming tokens) be sent back unchanged.
package candid

import (
	"sort"

	"github.com/aviate-labs/agent-go/candid/idl"
)

// Opcode identifies a type in the type table.
type Opcode int64

const (
	OpNull      Opcode = -1
	OpBool      Opcode = -2
	OpNat       Opcode = -3
	OpInt       Opcode = -4
	OpNat8      Opcode = -5
	OpNat16     Opcode = -6
	OpNat32     Opcode = -7
	OpNat64     Opcode = -8
	OpInt8      Opcode = -9
	OpInt16     Opcode = -10
	OpInt32     Opcode = -11
	OpInt64     Opcode = -12
	OpFloat32   Opcode = -13
	OpFloat64   Opcode = -14
	OpText      Opcode = -15
	OpReserved  Opcode = -16
	OpEmpty     Opcode = -17
	OpOpt       Opcode = -18
	OpVec       Opcode = -19
	OpRecord    Opcode = -20
	OpVariant   Opcode = -21
	OpFunc      Opcode = -22
	OpService   Opcode = -23
	OpPrincipal Opcode = -24
)

var opNames = map[Opcode]string{
	OpNull: "null", OpBool: "bool", OpNat: "nat", OpInt: "int",
	OpNat8: "nat8", OpNat16: "nat16", OpNat32: "nat32", OpNat64: "nat64",
	OpInt8: "int8", OpInt16: "int16", OpInt32: "int32", OpInt64: "int64",
	OpFloat32: "float32", OpFloat64: "float64", OpText: "text",
	OpReserved: "reserved", OpEmpty: "empty", OpOpt: "opt", OpVec: "vec",
	OpRecord: "record", OpVariant: "variant", OpFunc: "func",
	OpService: "service", OpPrincipal: "principal",
}

func (o Opcode) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return "unknown"
}

// Primitive reports whether o is referenced directly rather than through the type table.
func (o Opcode) Primitive() bool {
	return (o <= OpNull && o >= OpEmpty) || o == OpPrincipal
}

// Type describes one wire type. Composite types may be recursive.
type Type struct {
	Op      Opcode
	Elem    *Type    // opt, vec
	Fields  []Field  // record, variant; sorted by ID
	Args    []*Type  // func
	Rets    []*Type  // func
	Modes   []byte   // func annotations
	Methods []Method // service
}

// Field is a record or variant member.
type Field struct {
	ID   uint32
	Name string
	Type *Type
}

// Method is a service member.
type Method struct {
	Name string
	Type *Type
}

// Function annotations.
const (
	ModeQuery          byte = 1
	ModeOneway         byte = 2
	ModeCompositeQuery byte = 3
)

var primitives = map[Opcode]*Type{}

// Primitive types.
var (
	Null      = prim(OpNull)
	Bool      = prim(OpBool)
	Nat       = prim(OpNat)
	Int       = prim(OpInt)
	Nat8      = prim(OpNat8)
	Nat16     = prim(OpNat16)
	Nat32     = prim(OpNat32)
	Nat64     = prim(OpNat64)
	Int8      = prim(OpInt8)
	Int16     = prim(OpInt16)
	Int32     = prim(OpInt32)
	Int64     = prim(OpInt64)
	Float32   = prim(OpFloat32)
	Float64   = prim(OpFloat64)
	Text      = prim(OpText)
	Reserved  = prim(OpReserved)
	Empty     = prim(OpEmpty)
	Principal = prim(OpPrincipal)
)

// Blob is vec nat8.
var Blob = VecOf(Nat8)

func prim(op Opcode) *Type {
	t := &Type{Op: op}
	primitives[op] = t
	return t
}

// Hash computes the field id of a textual label.
func Hash(name string) uint32 {
	return uint32(idl.Hash(name).Uint64())
}

// Named is a field whose id is the hash of name.
func Named(name string, t *Type) Field {
	return Field{ID: Hash(name), Name: name, Type: t}
}

// OptOf builds opt t.
func OptOf(t *Type) *Type { return &Type{Op: OpOpt, Elem: t} }

// VecOf builds vec t.
func VecOf(t *Type) *Type { return &Type{Op: OpVec, Elem: t} }

// RecordOf builds a record; fields are sorted by id.
func RecordOf(fields ...Field) *Type {
	return &Type{Op: OpRecord, Fields: sortFields(fields)}
}

// VariantOf builds a variant; fields are sorted by id.
func VariantOf(fields ...Field) *Type {
	return &Type{Op: OpVariant, Fields: sortFields(fields)}
}

// Tuple builds a record with positional ids.
func Tuple(types ...*Type) *Type {
	fields := make([]Field, len(types))
	for i, t := range types {
		fields[i] = Field{ID: uint32(i), Type: t}
	}
	return &Type{Op: OpRecord, Fields: fields}
}

// FuncOf builds a func type.
func FuncOf(args, rets []*Type, modes ...byte) *Type {
	return &Type{Op: OpFunc, Args: args, Rets: rets, Modes: modes}
}

func sortFields(fields []Field) []Field {
	out := append([]Field(nil), fields...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Field returns the member with the given id.
func (t *Type) Field(id uint32) (Field, bool) {
	for _, f := range t.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}
