package codec

import (
	"bytes"
	"fmt"
	"net/http"

	gojson "github.com/goccy/go-json"

	"github.com/Sternrassler/apifetch/pkg/session"
)

// DefaultJSON is shared by endpoints that configure no codec.
var DefaultJSON Codec = JSON{}

// JSON sends GET fields as query parameters and other methods' fields as a
// JSON body.
type JSON struct{}

// Dump implements Codec.
func (JSON) Dump(method string, fields map[string]any) (*WireRequest, error) {
	if method == "" || method == http.MethodGet {
		return &WireRequest{Query: fields}, nil
	}
	var body any
	if len(fields) > 0 {
		body = fields
	}
	return &WireRequest{
		JSON:   body,
		Header: http.Header{"Content-Type": []string{"application/json"}},
	}, nil
}

// Load decodes the body as JSON. An empty body yields a nil payload.
func (JSON) Load(resp *session.Response, _ LoadOptions) (any, error) {
	data, err := resp.Bytes()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return DecodeJSON(data)
}

// DecodeJSON parses data into generic maps, slices and scalars.
func DecodeJSON(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var payload any
	if err := gojson.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return payload, nil
}
