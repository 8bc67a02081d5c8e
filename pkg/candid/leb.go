package candid

import (
	"bytes"
	"errors"
	"math/big"

	"github.com/aviate-labs/leb128"
)

var errOverflow = errors.New("candid: leb128 overflow")

// maxLEB64 is the longest LEB128 encoding of a 64-bit value.
const maxLEB64 = 10

func appendULEB(dst []byte, v uint64) []byte {
	b, _ := leb128.EncodeUnsigned(new(big.Int).SetUint64(v))
	return append(dst, b...)
}

func appendSLEB(dst []byte, v int64) []byte {
	b, _ := leb128.EncodeSigned(big.NewInt(v))
	return append(dst, b...)
}

func appendULEBBig(dst []byte, v *big.Int) ([]byte, error) {
	b, err := leb128.EncodeUnsigned(v)
	if err != nil {
		return nil, err
	}
	return append(dst, b...), nil
}

func appendSLEBBig(dst []byte, v *big.Int) []byte {
	b, _ := leb128.EncodeSigned(v)
	return append(dst, b...)
}

// window bounds a reader to the next n bytes of d, or to the rest of the
// input when n is zero.
func (d *decoder) window(n int) *bytes.Reader {
	end := len(d.buf)
	if n > 0 && d.pos+n < end {
		end = d.pos + n
	}
	return bytes.NewReader(d.buf[d.pos:end])
}

func (d *decoder) advance(r *bytes.Reader, window int) {
	d.pos += window - r.Len()
}

func (d *decoder) natBig(limit int) (*big.Int, error) {
	r := d.window(limit)
	size := r.Len()
	v, err := leb128.DecodeUnsigned(r)
	if err != nil {
		if limit > 0 && size == limit {
			return nil, errOverflow
		}
		return nil, errUnexpectedEOF
	}
	d.advance(r, size)
	return v, nil
}

func (d *decoder) intBig(limit int) (*big.Int, error) {
	r := d.window(limit)
	size := r.Len()
	v, err := leb128.DecodeSigned(r)
	if err != nil {
		if limit > 0 && size == limit {
			return nil, errOverflow
		}
		return nil, errUnexpectedEOF
	}
	d.advance(r, size)
	return v, nil
}

func (d *decoder) uleb() (uint64, error) {
	v, err := d.natBig(maxLEB64)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, errOverflow
	}
	return v.Uint64(), nil
}

func (d *decoder) sleb() (int64, error) {
	v, err := d.intBig(maxLEB64)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, errOverflow
	}
	return v.Int64(), nil
}
