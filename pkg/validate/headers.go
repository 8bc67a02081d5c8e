package validate

import (
	"context"
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/canister-proxy/pkg/canister"
)

// Field is a certification value taken from a header or token. Err is set
// when the value was present but could not be decoded.
type Field struct {
	Value []byte
	Err   error
}

// HeaderData is the certification material of one response or chunk.
type HeaderData struct {
	Certificate *Field
	Tree        *Field
	Encoding    string
	// Key overrides the asset key derived from the request path.
	Key string
}

const (
	certificateHeader = "ic-certificate"
	encodingHeader    = "content-encoding"
)

var certificateField = regexp.MustCompile(`^(.*)=:(.*):$`)

// ExtractHeaders reads the IC-Certificate and Content-Encoding headers.
// For duplicated fields the first decodable value wins.
func ExtractHeaders(ctx context.Context, headers []canister.HeaderField) HeaderData {
	var data HeaderData
	for _, h := range headers {
		switch strings.ToLower(h.Name) {
		case encodingHeader:
			data.Encoding = strings.TrimSpace(h.Value)
		case certificateHeader:
			for _, part := range strings.Split(h.Value, ",") {
				m := certificateField.FindStringSubmatch(strings.TrimSpace(part))
				if m == nil {
					continue
				}
				value, err := base64.StdEncoding.DecodeString(m[2])
				f := &Field{Value: value, Err: err}
				switch m[1] {
				case "certificate":
					data.Certificate = merge(ctx, m[1], data.Certificate, f)
				case "tree":
					data.Tree = merge(ctx, m[1], data.Tree, f)
				}
			}
		}
	}
	return data
}

func merge(ctx context.Context, name string, existing, next *Field) *Field {
	if existing == nil || existing.Err != nil {
		return next
	}
	log.Ctx(ctx).Warn().Str("field", name).Msg("duplicate certification field ignored")
	return existing
}
