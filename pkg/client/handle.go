package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/apifetch/pkg/codec"
	"github.com/Sternrassler/apifetch/pkg/endpoint"
	"github.com/Sternrassler/apifetch/pkg/extract"
	"github.com/Sternrassler/apifetch/pkg/session"
)

// Handle runs calls against one endpoint.
type Handle struct {
	client   *Client
	endpoint *endpoint.Endpoint
	logger   zerolog.Logger
}

// Name returns the endpoint name.
func (h *Handle) Name() string {
	return h.endpoint.Name
}

// Pages issues the endpoint's requests lazily, one page per round trip,
// until the paginator reports no further page, the consumer stops, or ctx
// is done. An error is yielded once and ends the sequence; pages already
// yielded stay valid.
func (h *Handle) Pages(ctx context.Context, params Params) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		method := h.endpoint.HTTPMethod()
		c, err := newCall(method, h.endpoint.DefaultParams, params)
		if err != nil {
			yield(nil, fmt.Errorf("endpoint %q: %w", h.endpoint.Name, err))
			return
		}

		for index := 0; ; index++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			page, resp, release, err := h.fetch(ctx, c, index)
			if err != nil {
				h.fail(err)
				yield(nil, err)
				return
			}
			pagesTotal.WithLabelValues(h.endpoint.Name).Inc()

			more := yield(page, nil)
			page.Close()
			if !more {
				resp.Close()
				release()
				return
			}

			next, err := h.advance(resp, c)
			resp.Close()
			release()
			if err != nil {
				h.fail(err)
				yield(nil, err)
				return
			}
			if next == nil {
				h.logger.Debug().Int("pages", index+1).Msg("Pagination finished")
				return
			}
			if err := c.advance(method, next.Fields, next.Replace); err != nil {
				yield(nil, fmt.Errorf("endpoint %q: %w", h.endpoint.Name, err))
				return
			}
		}
	}
}

// Items flattens Pages into individual items in page order.
func (h *Handle) Items(ctx context.Context, params Params) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for page, err := range h.Pages(ctx, params) {
			if err != nil {
				yield(nil, err)
				return
			}
			for item, err := range page.All() {
				if !yield(item, err) || err != nil {
					return
				}
			}
		}
	}
}

// First returns the first item of a call, or ErrNoItems. It stops after the
// first page that has an item.
func (h *Handle) First(ctx context.Context, params Params) (any, error) {
	for item, err := range h.Items(ctx, params) {
		if err != nil {
			return nil, err
		}
		return item, nil
	}
	return nil, fmt.Errorf("endpoint %q: %w", h.endpoint.Name, ErrNoItems)
}

// fetch performs one page round trip. release must be called once the
// response is no longer needed.
func (h *Handle) fetch(ctx context.Context, c *call, index int) (*Page, *session.Response, func(), error) {
	ep := h.endpoint
	release := func() {}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		release = cancel
	}
	fail := func(err error) (*Page, *session.Response, func(), error) {
		release()
		return nil, nil, nil, fmt.Errorf("endpoint %q: %w", ep.Name, err)
	}

	fields, err := ep.Requests().Dump(c.fields)
	if err != nil {
		return fail(err)
	}
	if err := h.client.auth.Apply(ctx, h.client.session); err != nil {
		return fail(fmt.Errorf("apply auth: %w", err))
	}

	req, err := h.buildRequest(ctx, c, fields)
	if err != nil {
		return fail(err)
	}

	h.logger.Debug().
		Int("page", index).
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Msg("Requesting page")

	start := time.Now()
	resp, err := h.client.session.Do(req)
	requestDuration.WithLabelValues(ep.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(ep.Name, statusLabel(err)).Inc()
		return fail(err)
	}
	requestsTotal.WithLabelValues(ep.Name, strconv.Itoa(resp.StatusCode)).Inc()

	payload, err := h.payload(ctx, resp)
	if err != nil {
		resp.Close()
		return fail(err)
	}

	data, err := ep.Responses().Load(payload)
	if err != nil {
		closePayload(payload)
		resp.Close()
		return fail(err)
	}

	page := &Page{Index: index}
	switch {
	case isStream(data):
		page.stream = data.(*codec.RowStream)
	case ep.Extractor != nil:
		if page.items, err = ep.Extractor.Extract(data); err != nil {
			resp.Close()
			return fail(fmt.Errorf("extract items: %w", err))
		}
	default:
		page.items = extract.Default(data)
	}
	if page.stream == nil {
		itemsTotal.WithLabelValues(ep.Name).Add(float64(len(page.items)))
	}

	h.logger.Debug().
		Int("page", index).
		Int("items", len(page.items)).
		Bool("streamed", page.Streamed()).
		Msg("Page produced")

	return page, resp, release, nil
}

// buildRequest encodes fields through the codec into an HTTP request.
func (h *Handle) buildRequest(ctx context.Context, c *call, fields map[string]any) (*http.Request, error) {
	ep := h.endpoint
	method := ep.HTTPMethod()

	rawURL, fields, err := ep.ResolveURL(h.client.baseURL, fields)
	if err != nil {
		return nil, err
	}
	wire, err := ep.PayloadCodec().Dump(method, fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	body, err := wire.Body()
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if wire != nil && len(wire.Query) > 0 {
		q := req.URL.Query()
		wire.EncodeQuery(q)
		req.URL.RawQuery = q.Encode()
	}
	if wire != nil {
		for k, vs := range wire.Header {
			req.Header[k] = append([]string(nil), vs...)
		}
	}
	for k, vs := range c.headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	return req, nil
}

// payload decodes the response, following a download URL for two-stage
// endpoints.
func (h *Handle) payload(ctx context.Context, resp *session.Response) (any, error) {
	ep := h.endpoint
	opts := codec.LoadOptions{Stream: ep.Stream}

	if ep.Download == nil {
		return ep.PayloadCodec().Load(resp, opts)
	}

	link, err := ep.Download.URL(resp)
	if err != nil {
		return nil, fmt.Errorf("read download url: %w", err)
	}
	if link == "" {
		return ep.PayloadCodec().Load(resp, opts)
	}
	if u, err := url.Parse(link); err != nil || !u.IsAbs() {
		link = endpoint.JoinURL(h.client.baseURL, link)
	}

	h.logger.Debug().Str("url", link).Msg("Following download url")
	dl, err := h.client.session.Fetch(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}

	if strings.Contains(dl.ContentType(), "json") {
		data, err := dl.Bytes()
		if err != nil {
			return nil, fmt.Errorf("read download: %w", err)
		}
		return codec.DecodeJSON(data)
	}
	// A non-JSON download is parsed by the endpoint's own codec when it has
	// a format-specific one, and handed out as raw bytes otherwise.
	if _, isJSON := ep.Codec.(codec.JSON); ep.Codec != nil && !isJSON {
		return ep.Codec.Load(dl, opts)
	}
	return dl.Bytes()
}

// advance asks the paginator for the next page's fields.
func (h *Handle) advance(resp *session.Response, c *call) (*endpoint.Advance, error) {
	p := h.endpoint.Paginator
	if p == nil {
		return nil, nil
	}
	next, err := p.Next(resp, copyFields(c.fields))
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: paginate: %w", h.endpoint.Name, err)
	}
	if next == nil || (!next.Replace && len(next.Fields) == 0) {
		return nil, nil
	}
	return next, nil
}

func (h *Handle) fail(err error) {
	var se *session.StatusError
	class := "other"
	if errors.As(err, &se) {
		class = string(se.Class)
	}
	errorsTotal.WithLabelValues(class).Inc()
	h.logger.Debug().Err(err).Msg("Endpoint call failed")
}

func statusLabel(err error) string {
	var se *session.StatusError
	if errors.As(err, &se) && se.StatusCode > 0 {
		return strconv.Itoa(se.StatusCode)
	}
	return "error"
}

func isStream(v any) bool {
	_, ok := v.(*codec.RowStream)
	return ok
}

func closePayload(v any) {
	if s, ok := v.(*codec.RowStream); ok {
		s.Close()
	}
}
