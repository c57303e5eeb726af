package session

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"sync"
)

// Response is a successful HTTP response whose body can be either buffered
// once and re-read, or handed off as a stream.
type Response struct {
	StatusCode int
	Header     http.Header
	Request    *http.Request

	mu       sync.Mutex
	body     io.ReadCloser
	data     []byte
	err      error
	buffered bool
	streamed bool
}

// NewResponse wraps a raw *http.Response.
func NewResponse(resp *http.Response) *Response {
	body := resp.Body
	if body == nil {
		body = http.NoBody
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Request:    resp.Request,
		body:       body,
	}
}

// Bytes reads and caches the full body. Later calls return the cached bytes.
func (r *Response) Bytes() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streamed {
		return nil, io.ErrClosedPipe
	}
	if !r.buffered {
		r.data, r.err = io.ReadAll(r.body)
		r.body.Close()
		r.buffered = true
	}
	return r.data, r.err
}

// Stream hands the body to the caller, who becomes responsible for closing
// it. A buffered body is returned as a fresh reader over the cached bytes.
func (r *Response) Stream() io.ReadCloser {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buffered {
		return io.NopCloser(bytes.NewReader(r.data))
	}
	r.streamed = true
	return r.body
}

// Buffered reports whether the body has been read into memory.
func (r *Response) Buffered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffered
}

// Close releases the body if it was neither buffered nor streamed.
func (r *Response) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buffered || r.streamed {
		return nil
	}
	r.buffered = true
	return r.body.Close()
}

// ContentType returns the media type of the response without parameters.
func (r *Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ct
	}
	return mediaType
}
