package client

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Params are the caller's per-call parameters. Besides request fields they
// may carry the reserved keys:
//
//   - "headers": extra request headers (map[string]string, map[string]any
//     or http.Header)
//   - "timeout": per-request timeout (seconds as a number or numeric
//     string, a Go duration string, or a time.Duration)
//   - "query" (GET) / "json" (other methods): when present, its map
//     replaces the request fields entirely
type Params map[string]any

// Reserved parameter keys.
const (
	KeyHeaders = "headers"
	KeyTimeout = "timeout"
	KeyQuery   = "query"
	KeyJSON    = "json"
)

// call is the per-call state of one pagination loop.
type call struct {
	fields  map[string]any
	headers http.Header
	timeout time.Duration
}

// wrapperKey returns the reserved key whose map replaces request fields.
func wrapperKey(method string) string {
	if method == http.MethodGet {
		return KeyQuery
	}
	return KeyJSON
}

// newCall merges defaults with params and splits off reserved keys.
func newCall(method string, defaults map[string]any, params Params) (*call, error) {
	effective := make(map[string]any, len(defaults)+len(params))
	for k, v := range defaults {
		effective[k] = v
	}
	for k, v := range params {
		effective[k] = v
	}

	c := &call{}
	var err error
	if c.headers, err = parseHeaders(effective[KeyHeaders]); err != nil {
		return nil, err
	}
	if c.timeout, err = parseTimeout(effective[KeyTimeout]); err != nil {
		return nil, err
	}

	wrapper := wrapperKey(method)
	if w, ok := effective[wrapper]; ok {
		if c.fields, err = asFields(w); err != nil {
			return nil, fmt.Errorf("%s parameter: %w", wrapper, err)
		}
		return c, nil
	}

	c.fields = make(map[string]any, len(effective))
	for k, v := range effective {
		switch k {
		case KeyHeaders, KeyTimeout:
			continue
		case KeyJSON:
			// A stray json wrapper on a GET endpoint is not a field.
			if method == http.MethodGet {
				continue
			}
		}
		c.fields[k] = v
	}
	return c, nil
}

// advance applies a paginator result to the request fields.
func (c *call) advance(method string, fields map[string]any, replace bool) error {
	if replace {
		c.fields = copyFields(fields)
		return nil
	}
	if w, ok := fields[wrapperKey(method)]; ok {
		next, err := asFields(w)
		if err != nil {
			return fmt.Errorf("pagination %s wrapper: %w", wrapperKey(method), err)
		}
		c.fields = next
		return nil
	}
	merged := copyFields(c.fields)
	for k, v := range fields {
		merged[k] = v
	}
	c.fields = merged
	return nil
}

func copyFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func asFields(v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return copyFields(t), nil
	case Params:
		return copyFields(t), nil
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a map, got %T", v)
	}
}

func parseHeaders(v any) (http.Header, error) {
	h := http.Header{}
	switch t := v.(type) {
	case nil:
	case http.Header:
		for k, vs := range t {
			h[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
		}
	case map[string]string:
		for k, s := range t {
			h.Set(k, s)
		}
	case map[string]any:
		for k, s := range t {
			h.Set(k, fmt.Sprint(s))
		}
	default:
		return nil, fmt.Errorf("headers parameter: expected a map, got %T", v)
	}
	return h, nil
}

func parseTimeout(v any) (time.Duration, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return t, nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case string:
		if secs, err := strconv.ParseFloat(t, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("timeout parameter: %w", err)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("timeout parameter: unsupported type %T", v)
	}
}
