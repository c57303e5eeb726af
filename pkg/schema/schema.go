// Package schema converts between the loose maps that flow through an
// endpoint and typed, validated Go values.
package schema

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Schema converts request fields before encoding and payloads after decoding.
type Schema interface {
	Dump(fields map[string]any) (map[string]any, error)
	Load(payload any) (any, error)
}

// Passthrough returns its input unchanged.
type Passthrough struct{}

// Dump returns fields.
func (Passthrough) Dump(fields map[string]any) (map[string]any, error) { return fields, nil }

// Load returns payload.
func (Passthrough) Load(payload any) (any, error) { return payload, nil }

// ValidationError wraps decode and validation failures.
type ValidationError struct {
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema %s: %v", e.Stage, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Typed decodes maps into T using mapstructure tags and validates them with
// `validate` tags. A field tagged `mapstructure:",remain"` of type
// map[string]any collects unknown keys, which Dump writes back out.
//
// Load decodes a map into T, and a list of maps into []any of T. Other
// payloads (XML documents, row streams, scalars) pass through.
type Typed[T any] struct {
	validate *validator.Validate
}

// NewTyped creates a typed schema for T.
func NewTyped[T any]() *Typed[T] {
	return &Typed[T]{validate: validator.New()}
}

// Dump decodes and validates fields as T, then encodes T back to a map.
// Declared keys absent from fields are left out, so zero values never
// reach the wire.
func (s *Typed[T]) Dump(fields map[string]any) (map[string]any, error) {
	var md mapstructure.Metadata
	v, err := s.decode(fields, &md)
	if err != nil {
		return nil, &ValidationError{Stage: "dump", Err: err}
	}

	present := make(map[string]bool, len(md.Keys))
	for _, k := range md.Keys {
		present[k] = true
	}
	out := Encode(v)
	prune(out, fields, present, "")
	return out, nil
}

// prune deletes keys of out that were neither decoded from in nor copied
// from it by a remain field. Nested struct maps are pruned by dotted path.
func prune(out, in map[string]any, present map[string]bool, prefix string) {
	for k, v := range out {
		path := prefix + k
		_, given := in[k]
		if !present[path] && !given {
			delete(out, k)
			continue
		}
		nested, ok := v.(map[string]any)
		if !ok || !hasPrefix(present, path+".") {
			continue
		}
		sub, _ := in[k].(map[string]any)
		prune(nested, sub, present, path+".")
	}
}

func hasPrefix(keys map[string]bool, prefix string) bool {
	for k := range keys {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Load implements Schema.
func (s *Typed[T]) Load(payload any) (any, error) {
	switch p := payload.(type) {
	case map[string]any:
		v, err := s.decode(p, nil)
		if err != nil {
			return nil, &ValidationError{Stage: "load", Err: err}
		}
		return v, nil
	case []any:
		out := make([]any, 0, len(p))
		for i, item := range p {
			m, ok := item.(map[string]any)
			if !ok {
				out = append(out, item)
				continue
			}
			v, err := s.decode(m, nil)
			if err != nil {
				return nil, &ValidationError{Stage: fmt.Sprintf("load item %d", i), Err: err}
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return payload, nil
	}
}

func (s *Typed[T]) decode(m map[string]any, md *mapstructure.Metadata) (T, error) {
	var v T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &v,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Metadata:         md,
	})
	if err != nil {
		return v, err
	}
	if err := dec.Decode(m); err != nil {
		return v, err
	}
	if err := s.validate.Struct(v); err != nil {
		if _, ok := err.(*validator.InvalidValidationError); !ok {
			return v, err
		}
	}
	return v, nil
}

// Encode converts a struct (or pointer to struct) into a map keyed by its
// mapstructure tags. Fields tagged "-" are skipped, ",omitempty" fields are
// skipped when zero and ",remain" maps are merged into the result. Nested
// structs with exported fields are encoded recursively. Non-struct values
// return nil.
func Encode(v any) map[string]any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	out := make(map[string]any)
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts := parseTag(f.Tag.Get("mapstructure"))
		if name == "-" {
			continue
		}
		fv := rv.Field(i)

		if opts["remain"] && fv.Kind() == reflect.Map {
			iter := fv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = iter.Value().Interface()
			}
			continue
		}
		if opts["omitempty"] && fv.IsZero() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		nested := Encode(fv.Interface())
		switch {
		case len(nested) > 0 && opts["squash"]:
			for k, v := range nested {
				out[k] = v
			}
		case len(nested) > 0:
			out[name] = nested
		default:
			out[name] = fv.Interface()
		}
	}
	return out
}

func parseTag(tag string) (string, map[string]bool) {
	parts := strings.Split(tag, ",")
	opts := make(map[string]bool, len(parts)-1)
	for _, p := range parts[1:] {
		opts[strings.TrimSpace(p)] = true
	}
	return parts[0], opts
}
