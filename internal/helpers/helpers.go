package helpers

import (
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/aviate-labs/agent-go/principal"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/canister-proxy/pkg/canister"
)

// ReservePort returns an available local TCP port by briefly listening and closing.
func ReservePort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "reserve a local port")
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// WaitForHTTP polls url until it answers 200 or the deadline passes.
func WaitForHTTP(t testing.TB, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "waiting for %s", url)
}

// CertificateHeader renders the IC-Certificate header carrying cert and tree.
func CertificateHeader(cert, tree []byte) canister.HeaderField {
	return canister.HeaderField{
		Name: "IC-Certificate",
		Value: "certificate=:" + base64.StdEncoding.EncodeToString(cert) +
			":, tree=:" + base64.StdEncoding.EncodeToString(tree) + ":",
	}
}

// ServeAssets answers http_request on f from assets, keyed by the path of
// the requested URL. Every response carries a certificate over all assets
// of the called canister; unknown paths get an uncertified 404.
func ServeAssets(t testing.TB, f *FakeReplica, assets map[string][]byte) {
	t.Helper()
	f.HandleQuery("http_request", func(id principal.Principal, arg []byte) ([]byte, error) {
		req := DecodeHTTPRequest(t, arg)
		key := req.URL
		if u, err := url.Parse(req.URL); err == nil {
			key = u.EscapedPath()
		}
		body, ok := assets[key]
		if !ok {
			return EncodeHTTPResponse(t, canister.HTTPResponse{StatusCode: http.StatusNotFound, Body: []byte("not found")}, nil), nil
		}
		cert, tree := f.Signer.CertifiedAssets(t, id, assets, nil)
		return EncodeHTTPResponse(t, canister.HTTPResponse{
			StatusCode: http.StatusOK,
			Headers:    []canister.HeaderField{{Name: "Content-Type", Value: "text/plain"}, CertificateHeader(cert, tree)},
			Body:       body,
		}, nil), nil
	})
}
