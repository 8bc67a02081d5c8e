package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/canister-proxy/pkg/gateway"
)

func urls(recs []gateway.RequestRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.URL
	}
	return out
}

func TestStoreAddListClear(t *testing.T) {
	s := New(2)
	assert.Empty(t, s.List())

	s.Add(gateway.RequestRecord{URL: "a"})
	assert.Equal(t, []string{"a"}, urls(s.List()))

	s.Add(gateway.RequestRecord{URL: "b"})
	s.Add(gateway.RequestRecord{URL: "c"})
	assert.Equal(t, []string{"b", "c"}, urls(s.List()), "oldest entry evicted")

	s.Add(gateway.RequestRecord{URL: "d"})
	s.Add(gateway.RequestRecord{URL: "e"})
	assert.Equal(t, []string{"d", "e"}, urls(s.List()))

	s.Clear()
	assert.NotNil(t, s.List(), "empty list still encodes as an array")
	assert.Empty(t, s.List())
	s.Add(gateway.RequestRecord{URL: "f"})
	assert.Equal(t, []string{"f"}, urls(s.List()))
}

func TestListIsACopy(t *testing.T) {
	s := New(0)
	s.Add(gateway.RequestRecord{URL: "a"})
	got := s.List()
	got[0].URL = "changed"
	assert.Equal(t, "a", s.List()[0].URL)
}

func TestObserverChaining(t *testing.T) {
	s := New(10)
	var seen []string
	obs := s.Observer(func(r gateway.RequestRecord) { seen = append(seen, r.URL) })

	obs(gateway.RequestRecord{URL: "x", Outcome: gateway.OutcomeOK})

	require.Len(t, s.List(), 1)
	assert.Equal(t, "x", s.List()[0].URL)
	assert.Equal(t, []string{"x"}, seen, "previous observer is still called")

	s.Observer(nil)(gateway.RequestRecord{URL: "y"})
	assert.Len(t, s.List(), 2)
}
