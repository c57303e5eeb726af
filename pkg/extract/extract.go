// Package extract pulls flat item sequences out of parsed page payloads.
package extract

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Extractor maps a parsed payload to the items of one page.
type Extractor interface {
	Extract(payload any) ([]any, error)
}

// Func adapts a function to the Extractor interface.
type Func func(payload any) ([]any, error)

// Extract calls f(payload).
func (f Func) Extract(payload any) ([]any, error) {
	return f(payload)
}

// Path walks a dotted path through nested maps and lists. Numeric segments
// index lists. A missing or null value yields no items, a list yields its
// elements and any other value yields a single item. The empty path applies
// the same rule to the payload itself.
type Path string

// Extract implements Extractor.
func (p Path) Extract(payload any) ([]any, error) {
	v, ok := Lookup(payload, string(p))
	if !ok {
		return []any{}, nil
	}
	return asList(v), nil
}

// Lookup resolves a dotted path in payload. Besides maps and lists it walks
// typed values: struct fields match their mapstructure tag name (or the Go
// field name when untagged), and typed maps and slices are indexed as usual.
func Lookup(payload any, path string) (any, bool) {
	cur := payload
	if path == "" {
		return cur, cur != nil
	}
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			next, ok := member(node, seg)
			if !ok {
				return nil, false
			}
			cur = next
		}
		if cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return []any{}
	case []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	case []byte, string:
		return []any{v}
	}

	rv := reflect.ValueOf(v)
	if k := rv.Kind(); k != reflect.Slice && k != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// member resolves one path segment on a typed value.
func member(v any, seg string) (any, bool) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		return structField(rv, seg)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	}
	return nil, false
}

func structField(rv reflect.Value, name string) (any, bool) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, opts, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if tag == "-" {
			continue
		}
		if f.Anonymous || strings.Contains(opts, "squash") {
			if fv := rv.Field(i); fv.Kind() == reflect.Struct {
				if v, ok := structField(fv, name); ok {
					return v, true
				}
				continue
			}
		}
		if tag == "" {
			tag = f.Name
		}
		if tag == name {
			return rv.Field(i).Interface(), true
		}
	}
	return nil, false
}

// Default is the extractor used when an endpoint configures none: a list
// payload is returned as is, a map (or typed value) with a "results" key
// yields that value, anything else becomes a single item.
func Default(payload any) []any {
	switch t := payload.(type) {
	case nil:
	case []any:
		return t
	case map[string]any:
		if results, ok := t["results"]; ok {
			return asList(results)
		}
	default:
		if results, ok := member(t, "results"); ok {
			return asList(results)
		}
	}
	return []any{payload}
}

// typeError reports a payload the extractor cannot traverse.
func typeError(want string, payload any) error {
	return fmt.Errorf("extract: expected %s payload, got %T", want, payload)
}
