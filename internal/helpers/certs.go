package helpers

import (
	"bytes"
	"crypto/sha256"
	"sort"
	"testing"

	"github.com/aviate-labs/agent-go/certification"
	"github.com/aviate-labs/agent-go/certification/bls"
	"github.com/aviate-labs/agent-go/certification/hashtree"
	"github.com/aviate-labs/agent-go/principal"
	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/canister-proxy/pkg/replica"
)

// Signer is a BLS12-381 key pair that signs state certificates the way a
// subnet does.
type Signer struct {
	key *bls.SecretKey
	// Public is the raw 96-byte public key.
	Public []byte
}

// NewSigner derives a deterministic key from seed.
func NewSigner(t testing.TB, seed byte) *Signer {
	t.Helper()
	sum := sha256.Sum256([]byte{'k', seed})
	var e fr.Element
	e.SetBytes(sum[:])
	require.False(t, e.IsZero(), "secret key must not be zero")
	key := (*bls.SecretKey)(&e)
	pub := (*bls12381.G2Affine)(key.PublicKey()).Bytes()
	return &Signer{key: key, Public: pub[:]}
}

// DER returns the public key in its DER encoding.
func (s *Signer) DER() []byte {
	der, err := certification.PublicBLSKeyToDER(s.Public)
	if err != nil {
		panic(err)
	}
	return der
}

// Keys is a replica.KeySource trusting s.
func (s *Signer) Keys() replica.StaticKey { return replica.StaticKey(s.DER()) }

// Delegation hands a subnet key authority over a canister range. It is the
// wire form: the certificate is itself CBOR.
type Delegation struct {
	SubnetID    []byte `cbor:"subnet_id"`
	Certificate []byte `cbor:"certificate"`
}

type wireCertificate struct {
	Tree       cbor.RawMessage `cbor:"tree"`
	Signature  []byte          `cbor:"signature"`
	Delegation *Delegation     `cbor:"delegation,omitempty"`
}

// Sign returns the signature over the root hash of tree.
func (s *Signer) Sign(t testing.TB, tree hashtree.Node) []byte {
	t.Helper()
	digest := tree.Reconstruct()
	sig, err := s.key.Sign(append(hashtree.DomainSeparator("ic-state-root"), digest[:]...))
	require.NoError(t, err, "sign state root")
	b := (*bls12381.G1Affine)(sig).Bytes()
	return b[:]
}

// CertifyBytes signs tree and returns the CBOR certificate.
func (s *Signer) CertifyBytes(t testing.TB, tree hashtree.Node, d *Delegation) []byte {
	t.Helper()
	raw, err := hashtree.Serialize(tree)
	require.NoError(t, err, "encode tree")
	b, err := cbor.Marshal(wireCertificate{Tree: raw, Signature: s.Sign(t, tree), Delegation: d})
	require.NoError(t, err, "encode certificate")
	return b
}

// Delegate has root hand authority over the canister range [lo, hi] to subnet.
func Delegate(t testing.TB, root, subnet *Signer, subnetID []byte, lo, hi principal.Principal) *Delegation {
	t.Helper()
	ranges, err := cbor.Marshal([][][]byte{{lo.Raw, hi.Raw}})
	require.NoError(t, err, "encode canister ranges")
	tree := Subtree(Label("subnet", Subtree(
		hashtree.Labeled{Label: subnetID, Tree: Subtree(
			Label("canister_ranges", hashtree.Leaf(ranges)),
			Label("public_key", hashtree.Leaf(subnet.DER())),
		)},
	)))
	return &Delegation{SubnetID: subnetID, Certificate: root.CertifyBytes(t, tree, nil)}
}

// Subtree joins labeled children into a balanced fork structure with labels
// in ascending order, which is the shape lookups expect.
func Subtree(children ...hashtree.Labeled) hashtree.Node {
	sorted := make([]hashtree.Labeled, len(children))
	copy(sorted, children)
	sort.SliceStable(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Label, sorted[j].Label) < 0
	})
	return forks(sorted)
}

func forks(children []hashtree.Labeled) hashtree.Node {
	switch len(children) {
	case 0:
		return hashtree.Empty{}
	case 1:
		return children[0]
	}
	mid := len(children) / 2
	return hashtree.Fork{LeftTree: forks(children[:mid]), RightTree: forks(children[mid:])}
}

// Label is a labeled node with a text label.
func Label(label string, n hashtree.Node) hashtree.Labeled {
	return hashtree.Labeled{Label: hashtree.Label(label), Tree: n}
}

// CertifiedData builds the state tree a canister's certificate carries:
// canister/<id>/certified_data = data.
func CertifiedData(id principal.Principal, data []byte) hashtree.Node {
	return Subtree(Label("canister", Subtree(
		hashtree.Labeled{Label: id.Raw, Tree: Subtree(
			Label("certified_data", hashtree.Leaf(data)),
		)},
	)))
}

// AssetTree is an http_assets tree mapping each key to the SHA-256 of its
// body.
func AssetTree(assets map[string][]byte) hashtree.Node {
	children := make([]hashtree.Labeled, 0, len(assets))
	for key, body := range assets {
		sum := sha256.Sum256(body)
		children = append(children, Label(key, hashtree.Leaf(sum[:])))
	}
	return Subtree(Label("http_assets", Subtree(children...)))
}

// CertifiedAssets returns the base64-ready certificate and tree bytes for a
// canister serving assets, signed by s.
func (s *Signer) CertifiedAssets(t testing.TB, id principal.Principal, assets map[string][]byte, d *Delegation) (cert, tree []byte) {
	t.Helper()
	at := AssetTree(assets)
	digest := at.Reconstruct()
	cert = s.CertifyBytes(t, CertifiedData(id, digest[:]), d)
	tree, err := hashtree.Serialize(at)
	require.NoError(t, err, "encode asset tree")
	return cert, tree
}
