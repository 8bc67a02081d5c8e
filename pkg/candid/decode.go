package candid

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/aviate-labs/agent-go/principal"
)

const (
	// MaxPrincipalLength is the longest principal the wire format admits.
	MaxPrincipalLength = 29

	maxDepth       = 128
	maxZeroSizeVec = 1 << 16
)

var (
	errUnexpectedEOF = errors.New("candid: unexpected end of input")
	// ErrMagic is returned when the input does not start with the format marker.
	ErrMagic = errors.New("candid: missing DIDL header")
)

// Decode parses an argument list. Each returned value carries its wire type.
func Decode(data []byte) ([]Typed, error) {
	if !bytes.HasPrefix(data, magic) {
		return nil, ErrMagic
	}
	d := &decoder{buf: data, pos: len(magic)}

	n, err := d.length()
	if err != nil {
		return nil, fmt.Errorf("type table size: %w", err)
	}
	table := make([]*Type, n)
	for i := range table {
		table[i] = &Type{}
	}
	for i := range table {
		if err := d.tableEntry(table, table[i]); err != nil {
			return nil, fmt.Errorf("type table entry %d: %w", i, err)
		}
	}

	argc, err := d.length()
	if err != nil {
		return nil, fmt.Errorf("argument count: %w", err)
	}
	types := make([]*Type, argc)
	for i := range types {
		if types[i], err = d.typeRef(table); err != nil {
			return nil, fmt.Errorf("argument %d type: %w", i, err)
		}
	}

	out := make([]Typed, argc)
	for i, t := range types {
		v, err := d.value(t, 0)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = Typed{Type: t, Value: v}
	}
	if d.pos != len(d.buf) {
		return nil, fmt.Errorf("candid: %d trailing bytes", len(d.buf)-d.pos)
	}
	return out, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

// length reads a count that must be satisfiable by the remaining input.
func (d *decoder) length() (int, error) {
	n, err := d.uleb()
	if err != nil {
		return 0, err
	}
	if n > uint64(d.remaining()) {
		return 0, fmt.Errorf("candid: length %d exceeds input", n)
	}
	return int(n), nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || n > d.remaining() {
		return nil, errUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readByte() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) typeRef(table []*Type) (*Type, error) {
	r, err := d.sleb()
	if err != nil {
		return nil, err
	}
	if r >= 0 {
		if r >= int64(len(table)) {
			return nil, fmt.Errorf("candid: type index %d out of range", r)
		}
		return table[r], nil
	}
	if t, ok := primitives[Opcode(r)]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("candid: unknown type opcode %d", r)
}

func (d *decoder) tableEntry(table []*Type, t *Type) error {
	op, err := d.sleb()
	if err != nil {
		return err
	}
	t.Op = Opcode(op)
	switch t.Op {
	case OpOpt, OpVec:
		t.Elem, err = d.typeRef(table)
		return err
	case OpRecord, OpVariant:
		n, err := d.length()
		if err != nil {
			return err
		}
		t.Fields = make([]Field, n)
		for i := range t.Fields {
			id, err := d.uleb()
			if err != nil {
				return err
			}
			if id > math.MaxUint32 {
				return fmt.Errorf("candid: field id %d out of range", id)
			}
			if i > 0 && uint32(id) <= t.Fields[i-1].ID {
				return fmt.Errorf("candid: field ids not strictly increasing")
			}
			ft, err := d.typeRef(table)
			if err != nil {
				return err
			}
			t.Fields[i] = Field{ID: uint32(id), Type: ft}
		}
		return nil
	case OpFunc:
		if t.Args, err = d.refs(table); err != nil {
			return err
		}
		if t.Rets, err = d.refs(table); err != nil {
			return err
		}
		n, err := d.length()
		if err != nil {
			return err
		}
		modes, err := d.take(n)
		if err != nil {
			return err
		}
		t.Modes = append([]byte(nil), modes...)
		return nil
	case OpService:
		n, err := d.length()
		if err != nil {
			return err
		}
		t.Methods = make([]Method, n)
		for i := range t.Methods {
			name, err := d.text()
			if err != nil {
				return err
			}
			mt, err := d.typeRef(table)
			if err != nil {
				return err
			}
			t.Methods[i] = Method{Name: name, Type: mt}
		}
		return nil
	}
	return fmt.Errorf("candid: opcode %d not allowed in type table", op)
}

func (d *decoder) refs(table []*Type) ([]*Type, error) {
	n, err := d.length()
	if err != nil {
		return nil, err
	}
	out := make([]*Type, n)
	for i := range out {
		if out[i], err = d.typeRef(table); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *decoder) text() (string, error) {
	n, err := d.length()
	if err != nil {
		return "", err
	}
	b, err := d.take(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("candid: text is not utf-8")
	}
	return string(b), nil
}

func (d *decoder) principal() (principal.Principal, error) {
	tag, err := d.readByte()
	if err != nil {
		return principal.Principal{}, err
	}
	if tag != 1 {
		return principal.Principal{}, fmt.Errorf("candid: opaque reference not supported")
	}
	return d.principalBytes()
}

func (d *decoder) principalBytes() (principal.Principal, error) {
	n, err := d.length()
	if err != nil {
		return principal.Principal{}, err
	}
	if n > MaxPrincipalLength {
		return principal.Principal{}, fmt.Errorf("candid: principal of %d bytes", n)
	}
	b, err := d.take(n)
	if err != nil {
		return principal.Principal{}, err
	}
	return principal.Principal{Raw: append([]byte{}, b...)}, nil
}

func (d *decoder) value(t *Type, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("candid: value nested deeper than %d", maxDepth)
	}
	switch t.Op {
	case OpNull, OpReserved:
		return nil, nil
	case OpEmpty:
		return nil, fmt.Errorf("candid: cannot decode a value of type empty")
	case OpBool:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if b > 1 {
			return nil, fmt.Errorf("candid: invalid bool %d", b)
		}
		return b == 1, nil
	case OpNat:
		return d.natBig(0)
	case OpInt:
		return d.intBig(0)
	case OpNat8:
		return d.readByte()
	case OpNat16:
		b, err := d.take(2)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint16(b), nil
	case OpNat32:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint32(b), nil
	case OpNat64:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint64(b), nil
	case OpInt8:
		b, err := d.readByte()
		return int8(b), err
	case OpInt16:
		b, err := d.take(2)
		if err != nil {
			return nil, err
		}
		return int16(binary.LittleEndian.Uint16(b)), nil
	case OpInt32:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return int32(binary.LittleEndian.Uint32(b)), nil
	case OpInt64:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint64(b)), nil
	case OpFloat32:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case OpFloat64:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case OpText:
		return d.text()
	case OpPrincipal:
		return d.principal()
	case OpService:
		tag, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if tag != 1 {
			return nil, fmt.Errorf("candid: opaque reference not supported")
		}
		return d.principalBytes()
	case OpFunc:
		tag, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if tag != 1 {
			return nil, fmt.Errorf("candid: opaque reference not supported")
		}
		p, err := d.principal()
		if err != nil {
			return nil, err
		}
		method, err := d.text()
		if err != nil {
			return nil, err
		}
		return FuncRef{Service: p, Method: method}, nil
	case OpOpt:
		tag, err := d.readByte()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 0:
			return Opt{}, nil
		case 1:
			v, err := d.value(t.Elem, depth+1)
			if err != nil {
				return nil, err
			}
			return Opt{Some: true, Value: v}, nil
		}
		return nil, fmt.Errorf("candid: invalid opt tag %d", tag)
	case OpVec:
		return d.vec(t, depth)
	case OpRecord:
		r := make(Record, len(t.Fields))
		for i, f := range t.Fields {
			v, err := d.value(f.Type, depth+1)
			if err != nil {
				return nil, fmt.Errorf("field %d: %w", f.ID, err)
			}
			r[i] = FieldValue{ID: f.ID, Type: f.Type, Value: v}
		}
		return r, nil
	case OpVariant:
		idx, err := d.uleb()
		if err != nil {
			return nil, err
		}
		if idx >= uint64(len(t.Fields)) {
			return nil, fmt.Errorf("candid: variant index %d out of range", idx)
		}
		f := t.Fields[idx]
		v, err := d.value(f.Type, depth+1)
		if err != nil {
			return nil, err
		}
		return Variant{ID: f.ID, Type: f.Type, Value: v}, nil
	}
	return nil, fmt.Errorf("candid: unsupported opcode %d", t.Op)
}

func (d *decoder) vec(t *Type, depth int) (any, error) {
	n, err := d.uleb()
	if err != nil {
		return nil, err
	}
	zeroSize := t.Elem.Op == OpNull || t.Elem.Op == OpReserved
	if (!zeroSize && n > uint64(d.remaining())) || (zeroSize && n > maxZeroSizeVec) {
		return nil, fmt.Errorf("candid: vector of %d elements exceeds input", n)
	}
	if t.Elem.Op == OpNat8 {
		b, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		return append([]byte{}, b...), nil
	}
	items := make([]any, n)
	for i := range items {
		if items[i], err = d.value(t.Elem, depth+1); err != nil {
			return nil, err
		}
	}
	return items, nil
}
