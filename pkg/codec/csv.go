package codec

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"

	"github.com/Sternrassler/apifetch/pkg/session"
)

// CSV parses delimited text with a header row into records keyed by column
// name. Values are kept as strings.
type CSV struct {
	// Delimiter overrides detection. Zero picks tab when the header line
	// contains one, comma otherwise.
	Delimiter rune
}

// Dump implements Codec. CSV endpoints are plain downloads: nothing from
// the fields is put on the wire.
func (CSV) Dump(string, map[string]any) (*WireRequest, error) {
	return &WireRequest{}, nil
}

// Load returns map{"results": []any} when materializing, or a *RowStream
// when opts.Stream is set. A materialized body stays buffered on resp.
func (c CSV) Load(resp *session.Response, opts LoadOptions) (any, error) {
	if opts.Stream {
		return c.NewRowStream(resp.Stream())
	}

	data, err := resp.Bytes()
	if err != nil {
		return nil, fmt.Errorf("read csv body: %w", err)
	}
	rows, err := c.NewRowStream(io.NopCloser(bytes.NewReader(data)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []any{}
	for row, err := range rows.All() {
		if err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return map[string]any{"results": results}, nil
}

// NewRowStream reads the header row of body and returns a stream over the
// remaining rows. The stream owns body.
func (c CSV) NewRowStream(body io.ReadCloser) (*RowStream, error) {
	br := bufio.NewReader(body)
	first, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		body.Close()
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	first = strings.TrimPrefix(first, "\ufeff")

	s := &RowStream{body: body}
	if strings.TrimSpace(first) == "" {
		s.done = true
		body.Close()
		return s, nil
	}

	delim := c.Delimiter
	if delim == 0 {
		delim = sniffDelimiter(first)
	}
	s.reader = csv.NewReader(io.MultiReader(strings.NewReader(first), br))
	s.reader.Comma = delim
	s.reader.FieldsPerRecord = -1
	s.reader.LazyQuotes = true

	header, err := s.reader.Read()
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("parse csv header: %w", err)
	}
	s.header = header
	return s, nil
}

func sniffDelimiter(line string) rune {
	if strings.Contains(line, "\t") {
		return '\t'
	}
	return ','
}

// RowStream lazily yields CSV rows as map[string]any. It can be consumed once.
type RowStream struct {
	reader *csv.Reader
	header []string
	body   io.Closer

	mu   sync.Mutex
	done bool
}

// Header returns the column names.
func (s *RowStream) Header() []string {
	return s.header
}

// All yields each remaining row. The body is closed when iteration ends,
// whether by exhaustion, error or an early break.
func (s *RowStream) All() iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		defer s.Close()
		for {
			s.mu.Lock()
			if s.done {
				s.mu.Unlock()
				return
			}
			record, err := s.reader.Read()
			s.mu.Unlock()

			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("parse csv row: %w", err))
				return
			}
			if !yield(s.row(record), nil) {
				return
			}
		}
	}
}

func (s *RowStream) row(record []string) map[string]any {
	row := make(map[string]any, len(s.header))
	for i, name := range s.header {
		if i < len(record) {
			row[name] = record[i]
		} else {
			row[name] = ""
		}
	}
	return row
}

// Close releases the underlying body.
func (s *RowStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done && s.reader == nil {
		return nil
	}
	s.done = true
	s.reader = nil
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}
