package client

import (
	"iter"

	"github.com/Sternrassler/apifetch/pkg/codec"
)

// Page is the ordered set of items produced by one round trip. A streamed
// page is only readable inside the loop body that received it.
type Page struct {
	// Index counts pages from zero within one call.
	Index int

	items  []any
	stream *codec.RowStream
}

// Streamed reports whether the page reads its items lazily.
func (p *Page) Streamed() bool {
	return p.stream != nil
}

// Items returns the page's items, draining the stream of a streamed page.
func (p *Page) Items() ([]any, error) {
	if p.stream == nil {
		return p.items, nil
	}
	var items []any
	for item, err := range p.stream.All() {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

// All yields the page's items in order.
func (p *Page) All() iter.Seq2[any, error] {
	if p.stream != nil {
		return p.stream.All()
	}
	return func(yield func(any, error) bool) {
		for _, item := range p.items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Close releases a streamed page's body.
func (p *Page) Close() error {
	if p.stream == nil {
		return nil
	}
	return p.stream.Close()
}
