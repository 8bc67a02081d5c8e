package candid

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/aviate-labs/agent-go/principal"
)

var magic = []byte("DIDL")

// Encode serialises an argument list.
func Encode(args ...Typed) ([]byte, error) {
	tt := &typeTable{index: map[*Type]int{}}
	refs := make([]int64, len(args))
	for i, a := range args {
		if a.Type == nil {
			return nil, fmt.Errorf("candid: argument %d has no type", i)
		}
		r, err := tt.ref(a.Type)
		if err != nil {
			return nil, err
		}
		refs[i] = r
	}

	out := append([]byte(nil), magic...)
	out = appendULEB(out, uint64(len(tt.entries)))
	for _, e := range tt.entries {
		out = append(out, e...)
	}
	out = appendULEB(out, uint64(len(args)))
	for _, r := range refs {
		out = appendSLEB(out, r)
	}
	var err error
	for i, a := range args {
		if out, err = encodeValue(out, a.Type, a.Value); err != nil {
			return nil, fmt.Errorf("candid: argument %d: %w", i, err)
		}
	}
	return out, nil
}

type typeTable struct {
	index   map[*Type]int
	entries [][]byte
}

// ref returns the opcode of a primitive or the table index of a composite,
// registering the composite on first sight. The index is reserved before the
// members are walked so recursive types terminate.
func (tt *typeTable) ref(t *Type) (int64, error) {
	if t.Op.Primitive() {
		return int64(t.Op), nil
	}
	if i, ok := tt.index[t]; ok {
		return int64(i), nil
	}
	i := len(tt.entries)
	tt.index[t] = i
	tt.entries = append(tt.entries, nil)

	e := appendSLEB(nil, int64(t.Op))
	switch t.Op {
	case OpOpt, OpVec:
		if t.Elem == nil {
			return 0, fmt.Errorf("candid: %s without element type", t.Op)
		}
		r, err := tt.ref(t.Elem)
		if err != nil {
			return 0, err
		}
		e = appendSLEB(e, r)
	case OpRecord, OpVariant:
		e = appendULEB(e, uint64(len(t.Fields)))
		for _, f := range t.Fields {
			r, err := tt.ref(f.Type)
			if err != nil {
				return 0, err
			}
			e = appendULEB(e, uint64(f.ID))
			e = appendSLEB(e, r)
		}
	case OpFunc:
		var err error
		if e, err = tt.appendRefs(e, t.Args); err != nil {
			return 0, err
		}
		if e, err = tt.appendRefs(e, t.Rets); err != nil {
			return 0, err
		}
		e = appendULEB(e, uint64(len(t.Modes)))
		e = append(e, t.Modes...)
	case OpService:
		e = appendULEB(e, uint64(len(t.Methods)))
		for _, m := range t.Methods {
			r, err := tt.ref(m.Type)
			if err != nil {
				return 0, err
			}
			e = appendULEB(e, uint64(len(m.Name)))
			e = append(e, m.Name...)
			e = appendSLEB(e, r)
		}
	default:
		return 0, fmt.Errorf("candid: cannot encode type opcode %d", t.Op)
	}
	tt.entries[i] = e
	return int64(i), nil
}

func (tt *typeTable) appendRefs(e []byte, types []*Type) ([]byte, error) {
	e = appendULEB(e, uint64(len(types)))
	for _, t := range types {
		r, err := tt.ref(t)
		if err != nil {
			return nil, err
		}
		e = appendSLEB(e, r)
	}
	return e, nil
}

func mismatch(t *Type, v any) error {
	return fmt.Errorf("value %T does not fit %s", v, t.Op)
}

func encodeValue(out []byte, t *Type, v any) ([]byte, error) {
	switch t.Op {
	case OpNull, OpReserved:
		return out, nil
	case OpEmpty:
		return nil, fmt.Errorf("empty has no values")
	case OpBool:
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch(t, v)
		}
		if b {
			return append(out, 1), nil
		}
		return append(out, 0), nil
	case OpNat:
		switch n := v.(type) {
		case *big.Int:
			if n.Sign() < 0 {
				return nil, fmt.Errorf("negative nat")
			}
			return appendULEBBig(out, n)
		case uint64:
			return appendULEB(out, n), nil
		case int:
			if n < 0 {
				return nil, fmt.Errorf("negative nat")
			}
			return appendULEB(out, uint64(n)), nil
		}
		return nil, mismatch(t, v)
	case OpInt:
		switch n := v.(type) {
		case *big.Int:
			return appendSLEBBig(out, n), nil
		case int64:
			return appendSLEB(out, n), nil
		case int:
			return appendSLEB(out, int64(n)), nil
		}
		return nil, mismatch(t, v)
	case OpNat8:
		n, ok := v.(uint8)
		if !ok {
			return nil, mismatch(t, v)
		}
		return append(out, n), nil
	case OpNat16:
		n, ok := v.(uint16)
		if !ok {
			return nil, mismatch(t, v)
		}
		return binary.LittleEndian.AppendUint16(out, n), nil
	case OpNat32:
		n, ok := v.(uint32)
		if !ok {
			return nil, mismatch(t, v)
		}
		return binary.LittleEndian.AppendUint32(out, n), nil
	case OpNat64:
		n, ok := v.(uint64)
		if !ok {
			return nil, mismatch(t, v)
		}
		return binary.LittleEndian.AppendUint64(out, n), nil
	case OpInt8:
		n, ok := v.(int8)
		if !ok {
			return nil, mismatch(t, v)
		}
		return append(out, byte(n)), nil
	case OpInt16:
		n, ok := v.(int16)
		if !ok {
			return nil, mismatch(t, v)
		}
		return binary.LittleEndian.AppendUint16(out, uint16(n)), nil
	case OpInt32:
		n, ok := v.(int32)
		if !ok {
			return nil, mismatch(t, v)
		}
		return binary.LittleEndian.AppendUint32(out, uint32(n)), nil
	case OpInt64:
		n, ok := v.(int64)
		if !ok {
			return nil, mismatch(t, v)
		}
		return binary.LittleEndian.AppendUint64(out, uint64(n)), nil
	case OpFloat32:
		f, ok := v.(float32)
		if !ok {
			return nil, mismatch(t, v)
		}
		return binary.LittleEndian.AppendUint32(out, math.Float32bits(f)), nil
	case OpFloat64:
		f, ok := v.(float64)
		if !ok {
			return nil, mismatch(t, v)
		}
		return binary.LittleEndian.AppendUint64(out, math.Float64bits(f)), nil
	case OpText:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(t, v)
		}
		out = appendULEB(out, uint64(len(s)))
		return append(out, s...), nil
	case OpPrincipal:
		p, ok := v.(principal.Principal)
		if !ok {
			return nil, mismatch(t, v)
		}
		return appendPrincipal(out, p), nil
	case OpService:
		p, ok := v.(principal.Principal)
		if !ok {
			return nil, mismatch(t, v)
		}
		out = append(out, 1)
		out = appendULEB(out, uint64(len(p.Raw)))
		return append(out, p.Raw...), nil
	case OpFunc:
		f, ok := v.(FuncRef)
		if !ok {
			return nil, mismatch(t, v)
		}
		out = append(out, 1)
		out = appendPrincipal(out, f.Service)
		out = appendULEB(out, uint64(len(f.Method)))
		return append(out, f.Method...), nil
	case OpOpt:
		o, ok := v.(Opt)
		if !ok {
			return nil, mismatch(t, v)
		}
		if !o.Some {
			return append(out, 0), nil
		}
		return encodeValue(append(out, 1), t.Elem, o.Value)
	case OpVec:
		if t.Elem.Op == OpNat8 {
			if b, ok := v.([]byte); ok {
				out = appendULEB(out, uint64(len(b)))
				return append(out, b...), nil
			}
		}
		items, ok := v.([]any)
		if !ok {
			return nil, mismatch(t, v)
		}
		out = appendULEB(out, uint64(len(items)))
		var err error
		for _, item := range items {
			if out, err = encodeValue(out, t.Elem, item); err != nil {
				return nil, err
			}
		}
		return out, nil
	case OpRecord:
		r, ok := v.(Record)
		if !ok {
			return nil, mismatch(t, v)
		}
		var err error
		for _, f := range t.Fields {
			fv, ok := r.Get(f.ID)
			if !ok {
				if f.Type.Op == OpNull || f.Type.Op == OpReserved {
					continue
				}
				if f.Type.Op == OpOpt {
					out = append(out, 0)
					continue
				}
				return nil, fmt.Errorf("record field %d missing", f.ID)
			}
			if out, err = encodeValue(out, f.Type, fv.Value); err != nil {
				return nil, fmt.Errorf("field %d: %w", f.ID, err)
			}
		}
		return out, nil
	case OpVariant:
		vv, ok := v.(Variant)
		if !ok {
			return nil, mismatch(t, v)
		}
		for i, f := range t.Fields {
			if f.ID == vv.ID {
				out = appendULEB(out, uint64(i))
				return encodeValue(out, f.Type, vv.Value)
			}
		}
		return nil, fmt.Errorf("variant tag %d not in type", vv.ID)
	}
	return nil, fmt.Errorf("unsupported opcode %d", t.Op)
}

func appendPrincipal(out []byte, p principal.Principal) []byte {
	out = append(out, 1)
	out = appendULEB(out, uint64(len(p.Raw)))
	return append(out, p.Raw...)
}
