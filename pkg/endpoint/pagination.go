package endpoint

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/Sternrassler/apifetch/pkg/session"
)

// Advance is the request-field update for the next page.
type Advance struct {
	Fields map[string]any

	// Replace discards the previous fields instead of merging into them.
	Replace bool
}

// Paginator decides whether another page exists. It receives the raw
// response of the page just produced and the fields that requested it.
// A nil Advance ends iteration.
type Paginator interface {
	Next(resp *session.Response, prev map[string]any) (*Advance, error)
}

// PaginatorFunc adapts a function to the Paginator interface.
type PaginatorFunc func(resp *session.Response, prev map[string]any) (*Advance, error)

// Next calls f(resp, prev).
func (f PaginatorFunc) Next(resp *session.Response, prev map[string]any) (*Advance, error) {
	return f(resp, prev)
}

// NoPagination produces a single page.
type NoPagination struct{}

// Next always ends iteration.
func (NoPagination) Next(*session.Response, map[string]any) (*Advance, error) {
	return nil, nil
}

func responseJSON(resp *session.Response) (gjson.Result, error) {
	body, err := resp.Bytes()
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read page body: %w", err)
	}
	return gjson.ParseBytes(body), nil
}

// CursorLink follows a next-page URL found in the response body. The link's
// query string replaces the request fields.
type CursorLink struct {
	// Path locates the link in the body (default "nextPageLink").
	Path string
}

// Next implements Paginator.
func (c CursorLink) Next(resp *session.Response, _ map[string]any) (*Advance, error) {
	doc, err := responseJSON(resp)
	if err != nil {
		return nil, err
	}
	path := c.Path
	if path == "" {
		path = "nextPageLink"
	}
	link := doc.Get(path).String()
	if link == "" {
		return nil, nil
	}

	u, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("parse next page link: %w", err)
	}
	fields := make(map[string]any)
	for k, vs := range u.Query() {
		if len(vs) == 1 {
			fields[k] = vs[0]
		} else {
			fields[k] = vs
		}
	}
	return &Advance{Fields: fields, Replace: true}, nil
}

// TokenEcho copies a continuation token from the response into the next
// request.
type TokenEcho struct {
	// ResponsePath locates the token (default "nextPageToken").
	ResponsePath string
	// RequestField receives it (default "pageToken").
	RequestField string
}

// Next implements Paginator.
func (t TokenEcho) Next(resp *session.Response, _ map[string]any) (*Advance, error) {
	doc, err := responseJSON(resp)
	if err != nil {
		return nil, err
	}
	respPath, reqField := t.ResponsePath, t.RequestField
	if respPath == "" {
		respPath = "nextPageToken"
	}
	if reqField == "" {
		reqField = "pageToken"
	}
	token := doc.Get(respPath).String()
	if token == "" {
		return nil, nil
	}
	return &Advance{Fields: map[string]any{reqField: token}}, nil
}

// OffsetLimit advances an offset by the number of items on the page. It
// stops on a short page or once the reported total is reached.
type OffsetLimit struct {
	OffsetField string // default "offset"
	LimitField  string // default "limit"

	// ItemsPath locates the page's item array; empty means the body root.
	ItemsPath string
	// TotalPath optionally locates the total item count.
	TotalPath string
}

// Next implements Paginator.
func (o OffsetLimit) Next(resp *session.Response, prev map[string]any) (*Advance, error) {
	doc, err := responseJSON(resp)
	if err != nil {
		return nil, err
	}
	offsetField, limitField := o.OffsetField, o.LimitField
	if offsetField == "" {
		offsetField = "offset"
	}
	if limitField == "" {
		limitField = "limit"
	}

	items := doc
	if o.ItemsPath != "" {
		items = doc.Get(o.ItemsPath)
	}
	count := len(items.Array())
	if count == 0 {
		return nil, nil
	}

	offset := toInt(prev[offsetField])
	if limit := toInt(prev[limitField]); limit > 0 && count < limit {
		return nil, nil
	}
	next := offset + count
	if o.TotalPath != "" {
		if total := doc.Get(o.TotalPath); total.Exists() && next >= int(total.Int()) {
			return nil, nil
		}
	}
	return &Advance{Fields: map[string]any{offsetField: next}}, nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}
