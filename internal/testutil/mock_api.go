// Package testutil provides a scriptable mock HTTP API for tests.
package testutil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"
)

// MockResponse defines one scripted response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request the mock received.
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   string
}

// MockAPI is a mock HTTP server whose paths replay scripted response
// sequences. When a sequence is exhausted its last response repeats.
type MockAPI struct {
	server *httptest.Server

	mu        sync.Mutex
	sequences map[string][]MockResponse
	handlers  map[string]http.HandlerFunc
	counts    map[string]int
	requests  []RecordedRequest
}

// NewMockAPI starts a mock server.
func NewMockAPI() *MockAPI {
	m := &MockAPI{
		sequences: make(map[string][]MockResponse),
		handlers:  make(map[string]http.HandlerFunc),
		counts:    make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetSequence scripts the responses for path, served in order.
func (m *MockAPI) SetSequence(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[path] = responses
}

// SetHandler installs a custom handler for path.
func (m *MockAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// Count returns the number of requests received for path.
func (m *MockAPI) Count(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[path]
}

// Requests returns a copy of every request received, in order.
func (m *MockAPI) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

func (m *MockAPI) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.counts[r.URL.Path]++
	n := m.counts[r.URL.Path]
	m.requests = append(m.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   string(body),
	})
	handler, hasHandler := m.handlers[r.URL.Path]
	seq := m.sequences[r.URL.Path]
	m.mu.Unlock()

	if hasHandler {
		r.Body = io.NopCloser(bytes.NewReader(body))
		handler(w, r)
		return
	}
	if len(seq) == 0 {
		http.NotFound(w, r)
		return
	}
	resp := seq[len(seq)-1]
	if n <= len(seq) {
		resp = seq[n-1]
	}

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		io.WriteString(w, resp.Body)
	}
}

// JSON creates a 200 OK JSON response.
func JSON(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// CSV creates a 200 OK CSV response.
func CSV(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "text/csv"},
	}
}

// XML creates a 200 OK XML response.
func XML(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "text/xml; charset=utf-8"},
	}
}

// Status creates an empty response with the given status code.
func Status(code int) MockResponse {
	return MockResponse{StatusCode: code}
}

// RateLimited creates a 429 response with a Retry-After header.
func RateLimited(retryAfter string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
			"Retry-After":  retryAfter,
		},
	}
}
