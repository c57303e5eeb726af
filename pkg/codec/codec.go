// Package codec translates logical request fields into wire-level request
// parts and parses responses back into logical payloads.
//
// Three codecs are provided:
//
//   - JSON: GET fields become query parameters, other methods send a JSON body.
//   - SOAP: fields are rendered into a SOAP 1.1 envelope; responses are parsed
//     into an XML tree and checked for Fault elements.
//   - CSV: responses are split into header-keyed rows, either materialized or
//     streamed row by row.
//
// Codecs hold configuration only and are safe to share across endpoints and
// concurrent calls. An implementation that keeps per-call state must be
// instantiated per endpoint instead.
package codec

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"

	gojson "github.com/goccy/go-json"

	"github.com/Sternrassler/apifetch/pkg/session"
)

// Codec converts request fields to wire parts and responses to payloads.
type Codec interface {
	Dump(method string, fields map[string]any) (*WireRequest, error)
	Load(resp *session.Response, opts LoadOptions) (any, error)
}

// LoadOptions carries per-endpoint parsing preferences.
type LoadOptions struct {
	// Stream asks codecs that support it to return a lazy row iterator
	// instead of a materialized payload.
	Stream bool
}

// WireRequest holds the wire-level parts of one request. At most one of
// JSON and Raw is set.
type WireRequest struct {
	Query  map[string]any
	JSON   any
	Raw    []byte
	Header http.Header
}

// Body returns the encoded request body, or nil when there is none.
func (w *WireRequest) Body() ([]byte, error) {
	switch {
	case w == nil:
		return nil, nil
	case w.Raw != nil:
		return w.Raw, nil
	case w.JSON != nil:
		data, err := gojson.Marshal(w.JSON)
		if err != nil {
			return nil, fmt.Errorf("marshal json body: %w", err)
		}
		return data, nil
	default:
		return nil, nil
	}
}

// EncodeQuery adds the query fields to values. Slices become repeated keys;
// nil values are skipped. Keys are added in sorted order.
func (w *WireRequest) EncodeQuery(values url.Values) {
	if w == nil || len(w.Query) == 0 {
		return
	}
	keys := make([]string, 0, len(w.Query))
	for k := range w.Query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		values.Del(k)
		switch v := w.Query[k].(type) {
		case nil:
		case []string:
			for _, s := range v {
				values.Add(k, s)
			}
		case []any:
			for _, item := range v {
				values.Add(k, stringify(item))
			}
		default:
			values.Set(k, stringify(v))
		}
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
