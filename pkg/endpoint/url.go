package endpoint

import (
	"fmt"
	"net/url"
	"regexp"
)

// URLBuilder computes a request URL from call fields. It returns the names of
// the fields it consumed so they are not sent again.
type URLBuilder interface {
	Build(base string, fields map[string]any) (u string, consumed []string, err error)
}

// FieldURL takes the URL verbatim from a call field, e.g. a download link
// returned by an earlier call.
type FieldURL struct {
	Field string
}

// Build implements URLBuilder.
func (f FieldURL) Build(base string, fields map[string]any) (string, []string, error) {
	raw, _ := fields[f.Field].(string)
	if raw == "" {
		return "", nil, fmt.Errorf("field %q must hold a url", f.Field)
	}
	return JoinURL(base, raw), []string{f.Field}, nil
}

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

// PathTemplate fills {name} placeholders from call fields, path-escaping each
// value, and joins the result to the base URL.
//
//	PathTemplate("/changedEntityExportJobs/{exportJobId}")
type PathTemplate string

// Build implements URLBuilder.
func (p PathTemplate) Build(base string, fields map[string]any) (string, []string, error) {
	var consumed []string
	var missing string
	path := placeholder.ReplaceAllStringFunc(string(p), func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := fields[name]
		if !ok || v == nil {
			if missing == "" {
				missing = name
			}
			return m
		}
		consumed = append(consumed, name)
		return url.PathEscape(fmt.Sprint(v))
	})
	if missing != "" {
		return "", nil, fmt.Errorf("path template %q: missing field %q", string(p), missing)
	}
	return JoinURL(base, path), consumed, nil
}
