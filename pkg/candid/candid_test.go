package candid

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviate-labs/agent-go/principal"
)

func TestHashMatchesKnownFieldIDs(t *testing.T) {
	cases := map[string]uint32{
		"cert":               1102915300,
		"tree":               1292081502,
		"tree_path":          3577787238,
		"body":               1092319906,
		"token":              338395897,
		"status_code":        3475804314,
		"headers":            1661489734,
		"upgrade":            1664201884,
		"streaming_strategy": 3427158832,
		"Callback":           1488475621,
		"url":                5843823,
	}
	for name, want := range cases {
		assert.Equal(t, want, Hash(name), "hash of %q", name)
	}
}

func TestEncodeKnownBytes(t *testing.T) {
	b, err := Encode(Typed{Type: Text, Value: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []byte("DIDL\x00\x01\x71\x05hello"), b)

	b, err = Encode(Typed{Type: Nat, Value: uint64(42)})
	require.NoError(t, err)
	assert.Equal(t, []byte("DIDL\x00\x01\x7d\x2a"), b)

	b, err = Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte("DIDL\x00\x00"), b)
}

func TestRegistryReplyShape(t *testing.T) {
	id := principal.MustDecode("r5m5i-tiaaa-aaaaj-acgaq-cai")
	typ := OptOf(VecOf(Principal))
	b, err := Encode(Typed{Type: typ, Value: Opt{Some: true, Value: []any{id}}})
	require.NoError(t, err)

	want := []byte("DIDL\x02\x6e\x01\x6d\x68\x01\x00\x01\x01\x01\x0a")
	want = append(want, id.Raw...)
	assert.Equal(t, want, b)

	args, err := Decode(b)
	require.NoError(t, err)
	require.Len(t, args, 1)
	opt, ok := args[0].Value.(Opt)
	require.True(t, ok, "expected Opt, got %T", args[0].Value)
	require.True(t, opt.Some)
	items := opt.Value.([]any)
	require.Len(t, items, 1)
	assert.True(t, id.Equal(items[0].(principal.Principal)))
}

func TestRecordKeepsFieldTypesForReencoding(t *testing.T) {
	token := RecordOf(
		Named("key", Text),
		Named("index", Nat),
		Named("content_encoding", Text),
		Named("sha256", OptOf(Blob)),
	)
	in := Record{
		{ID: Hash("key"), Value: "/index.html"},
		{ID: Hash("index"), Value: big.NewInt(3)},
		{ID: Hash("content_encoding"), Value: "gzip"},
		{ID: Hash("sha256"), Value: Opt{Some: true, Value: []byte{1, 2, 3}}},
	}
	first, err := Encode(Typed{Type: token, Value: in})
	require.NoError(t, err)

	args, err := Decode(first)
	require.NoError(t, err)
	require.Len(t, args, 1)

	again, err := Encode(args[0])
	require.NoError(t, err)
	assert.Equal(t, first, again, "decoded value should re-encode to identical bytes")

	rec := args[0].Value.(Record)
	key, ok := rec.Lookup("key")
	require.True(t, ok)
	assert.Equal(t, "/index.html", key.Value)
	idx, _ := rec.Lookup("index")
	assert.Equal(t, 0, idx.Value.(*big.Int).Cmp(big.NewInt(3)))
}

func TestVariantAndFunc(t *testing.T) {
	cb := FuncOf([]*Type{Text}, []*Type{Text}, ModeQuery)
	strategy := VariantOf(Named("Callback", RecordOf(
		Named("callback", cb),
		Named("token", Text),
	)))
	svc := principal.MustDecode("rrkah-fqaaa-aaaaa-aaaaq-cai")
	in := Variant{ID: Hash("Callback"), Value: Record{
		{ID: Hash("callback"), Value: FuncRef{Service: svc, Method: "http_streaming"}},
		{ID: Hash("token"), Value: "t-1"},
	}}
	b, err := Encode(Typed{Type: strategy, Value: in})
	require.NoError(t, err)

	args, err := Decode(b)
	require.NoError(t, err)
	v := args[0].Value.(Variant)
	assert.Equal(t, Hash("Callback"), v.ID)
	rec := v.Value.(Record)
	f, ok := rec.Lookup("callback")
	require.True(t, ok)
	ref := f.Value.(FuncRef)
	assert.Equal(t, "http_streaming", ref.Method)
	assert.True(t, svc.Equal(ref.Service))
	assert.Equal(t, []byte{ModeQuery}, f.Type.Modes)
}

func TestSignedIntegers(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 63, 64, -64, -65, 1 << 40, -(1 << 40)} {
		b, err := Encode(Typed{Type: Int, Value: n})
		require.NoError(t, err)
		args, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, 0, args[0].Value.(*big.Int).Cmp(big.NewInt(n)), "int %d", n)
	}
	huge, _ := new(big.Int).SetString("-123456789012345678901234567890", 10)
	b, err := Encode(Typed{Type: Int, Value: huge})
	require.NoError(t, err)
	args, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, 0, args[0].Value.(*big.Int).Cmp(huge))
}

func TestRecursiveTypeEncodes(t *testing.T) {
	list := &Type{Op: OpOpt}
	list.Elem = RecordOf(Named("head", Nat8), Named("tail", list))
	v := Opt{Some: true, Value: Record{
		{ID: Hash("head"), Value: uint8(1)},
		{ID: Hash("tail"), Value: Opt{Some: true, Value: Record{
			{ID: Hash("head"), Value: uint8(2)},
			{ID: Hash("tail"), Value: Opt{}},
		}}},
	}}
	b, err := Encode(Typed{Type: list, Value: v})
	require.NoError(t, err)
	args, err := Decode(b)
	require.NoError(t, err)
	again, err := Encode(args[0])
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestPrincipalLengthLimit(t *testing.T) {
	long := principal.Principal{Raw: make([]byte, MaxPrincipalLength+1)}
	b, err := Encode(Typed{Type: Principal, Value: long})
	require.NoError(t, err)
	_, err = Decode(b)
	assert.Error(t, err, "principals longer than %d bytes should be rejected", MaxPrincipalLength)
}

func TestDecodeRejectsOverlongLEB(t *testing.T) {
	input := append([]byte("DIDL\x00\x01\x7d"), bytes.Repeat([]byte{0x80}, 12)...)
	_, err := Decode(input)
	assert.Error(t, err, "unterminated nat should fail")

	input = append([]byte("DIDL"), bytes.Repeat([]byte{0xff}, 11)...)
	_, err = Decode(input)
	assert.Error(t, err, "type table size beyond 64 bits should fail")
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := map[string][]byte{
		"no magic":         []byte("DIDX\x00\x00"),
		"truncated":        []byte("DIDL\x00\x01\x71\x05hel"),
		"trailing":         []byte("DIDL\x00\x01\x7d\x2a\x00"),
		"bad type index":   []byte("DIDL\x00\x01\x05"),
		"huge vec":         []byte("DIDL\x01\x6d\x7b\x01\x00\xff\xff\xff\xff\x0f"),
		"invalid bool":     []byte("DIDL\x00\x01\x7e\x02"),
		"opaque principal": []byte("DIDL\x00\x01\x68\x00"),
	}
	for name, input := range cases {
		_, err := Decode(input)
		assert.Error(t, err, name)
	}
}

func TestEncodeTypeMismatch(t *testing.T) {
	_, err := Encode(Typed{Type: Nat16, Value: 12})
	assert.Error(t, err)
	_, err = Encode(Typed{Type: RecordOf(Named("a", Text)), Value: Record{}})
	assert.Error(t, err, "missing non-optional field")
}
