package replica

import (
	"encoding/hex"
	"errors"

	"github.com/aviate-labs/agent-go/certification"
)

// KeyLength is the size of a raw BLS12-381 G2 public key.
const KeyLength = 96

// ErrNoRootKey is returned when a certificate must be checked before any
// root key is known.
var ErrNoRootKey = errors.New("replica: no root key")

// MainnetRootKey is the DER-encoded root key of the production network.
func MainnetRootKey() []byte {
	b, _ := hex.DecodeString(certification.RootKey)
	return b
}

// KeySource yields the DER or raw root key certificates are checked against.
// The key may change at runtime when it is fetched from a development
// replica.
type KeySource interface {
	RootKey() []byte
}

// StaticKey is a fixed KeySource.
type StaticKey []byte

// RootKey implements KeySource.
func (k StaticKey) RootKey() []byte { return k }

// DERKey returns the current key of keys in DER form. Raw 96-byte keys are
// wrapped.
func DERKey(keys KeySource) ([]byte, error) {
	b := keys.RootKey()
	switch len(b) {
	case 0:
		return nil, ErrNoRootKey
	case KeyLength:
		return certification.PublicBLSKeyToDER(b)
	}
	return b, nil
}
