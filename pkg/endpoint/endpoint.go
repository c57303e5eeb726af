// Package endpoint describes remote operations: where they live, how their
// fields are encoded, how items are extracted and how to reach the next page.
package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Sternrassler/apifetch/pkg/codec"
	"github.com/Sternrassler/apifetch/pkg/extract"
	"github.com/Sternrassler/apifetch/pkg/schema"
)

// Endpoint is an immutable descriptor of one remote operation. Zero-valued
// optional fields fall back to defaults: GET, the shared JSON codec,
// passthrough schemas, the default extractor and a single page.
type Endpoint struct {
	// Name is unique within a client.
	Name string

	// Path is an absolute URL or a path joined to the client's base URL.
	Path string

	Method        string
	DefaultParams map[string]any

	RequestSchema  schema.Schema
	ResponseSchema schema.Schema

	Codec     codec.Codec
	Extractor extract.Extractor
	Paginator Paginator

	// URLBuilder computes the URL from call fields, overriding Path.
	URLBuilder URLBuilder

	// Download marks a two-stage endpoint: the first response is metadata
	// naming the URL whose body is the real payload.
	Download DownloadURL

	// Stream hands pages out lazily when the codec supports it (CSV rows).
	// Streamed pages yield rows as parsed, so Stream excludes Extractor.
	Stream bool
}

// Validate reports descriptor errors that would make every call fail.
func (e *Endpoint) Validate() error {
	if e.Name == "" {
		return errors.New("endpoint name is required")
	}
	if e.Path == "" && e.URLBuilder == nil {
		return fmt.Errorf("endpoint %q: path or url builder is required", e.Name)
	}
	if e.Stream && e.Extractor != nil {
		return fmt.Errorf("endpoint %q: an extractor cannot be combined with streaming", e.Name)
	}
	return nil
}

// HTTPMethod returns the upper-cased method, defaulting to GET.
func (e *Endpoint) HTTPMethod() string {
	if e.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(e.Method)
}

// PayloadCodec returns the configured codec or codec.DefaultJSON.
func (e *Endpoint) PayloadCodec() codec.Codec {
	if e.Codec == nil {
		return codec.DefaultJSON
	}
	return e.Codec
}

// Requests returns the request schema or a passthrough.
func (e *Endpoint) Requests() schema.Schema {
	if e.RequestSchema == nil {
		return schema.Passthrough{}
	}
	return e.RequestSchema
}

// Responses returns the response schema or a passthrough.
func (e *Endpoint) Responses() schema.Schema {
	if e.ResponseSchema == nil {
		return schema.Passthrough{}
	}
	return e.ResponseSchema
}

// BuildURL resolves Path against base. Absolute URLs are returned unchanged;
// otherwise base and path are joined with exactly one slash.
func (e *Endpoint) BuildURL(base string) string {
	return JoinURL(base, e.Path)
}

// ResolveURL returns the request URL for fields and the fields left to send.
// Fields consumed by a URL builder are removed from the returned copy.
func (e *Endpoint) ResolveURL(base string, fields map[string]any) (string, map[string]any, error) {
	if e.URLBuilder == nil {
		return e.BuildURL(base), fields, nil
	}
	u, consumed, err := e.URLBuilder.Build(base, fields)
	if err != nil {
		return "", nil, fmt.Errorf("endpoint %q: build url: %w", e.Name, err)
	}
	if len(consumed) == 0 {
		return u, fields, nil
	}
	rest := make(map[string]any, len(fields))
	for k, v := range fields {
		rest[k] = v
	}
	for _, k := range consumed {
		delete(rest, k)
	}
	return u, rest, nil
}

// JoinURL joins base and path with exactly one slash. An absolute path or an
// empty base returns path unchanged.
func JoinURL(base, path string) string {
	if isAbsolute(path) || base == "" {
		return path
	}
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func isAbsolute(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
