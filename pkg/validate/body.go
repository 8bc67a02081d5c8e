package validate

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"io"
)

// Decompression bounds: at most MaxChunks reads of MaxChunkSize bytes.
const (
	MaxChunkSize = 1024
	MaxChunks    = 10240
)

// BodySHA256 hashes the body after undoing its content encoding. Unknown
// encodings are hashed as is.
func BodySHA256(body []byte, encoding string) ([32]byte, error) {
	var r io.Reader
	switch encoding {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return [32]byte{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		defer zr.Close()
		r = zr
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		r = fr
	default:
		return sha256.Sum256(body), nil
	}

	h := sha256.New()
	buf := make([]byte, MaxChunkSize)
	for i := 0; i < MaxChunks; i++ {
		n, err := r.Read(buf)
		h.Write(buf[:n])
		if err == io.EOF {
			return [32]byte(h.Sum(nil)), nil
		}
		if err != nil {
			return [32]byte{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}
	if n, err := r.Read(buf[:1]); n > 0 || (err != nil && err != io.EOF) {
		return [32]byte{}, fmt.Errorf("%w: body exceeds %d bytes once decoded", ErrDecode, MaxChunks*MaxChunkSize)
	}
	return [32]byte(h.Sum(nil)), nil
}
