// Package session provides the authenticated HTTP session shared by every
// endpoint of a client: default headers, basic credentials and an ordered
// list of request interceptors wrapped around each round trip.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RoundTripFunc sends a request and returns the raw response.
type RoundTripFunc func(req *http.Request) (*http.Response, error)

// Interceptor wraps the round trips made through Session.Do.
// Interceptors run in installation order; the first installed is outermost.
type Interceptor interface {
	Intercept(req *http.Request, next RoundTripFunc) (*http.Response, error)
}

// InterceptorFunc adapts a function to the Interceptor interface.
type InterceptorFunc func(req *http.Request, next RoundTripFunc) (*http.Response, error)

// Intercept calls f(req, next).
func (f InterceptorFunc) Intercept(req *http.Request, next RoundTripFunc) (*http.Response, error) {
	return f(req, next)
}

// Credentials holds HTTP basic authentication credentials.
type Credentials struct {
	Username string
	Password string
}

// Session carries the state shared by all requests of one client.
type Session struct {
	httpClient *http.Client
	userAgent  string
	logger     zerolog.Logger

	mu           sync.RWMutex
	header       http.Header
	basic        *Credentials
	interceptors []Interceptor
}

// New creates a session around httpClient. A nil client gets a default one
// with a 30s timeout.
func New(httpClient *http.Client, userAgent string) *Session {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Session{
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     log.With().Str("component", "session").Logger(),
		header:     make(http.Header),
	}
}

// SetHeader sets a header sent with every authenticated request.
func (s *Session) SetHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header.Set(key, value)
}

// Header returns the current value of a session header.
func (s *Session) Header(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header.Get(key)
}

// SetBasicAuth attaches basic credentials to every authenticated request.
func (s *Session) SetBasicAuth(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.basic = &Credentials{Username: username, Password: password}
}

// BasicAuth returns the attached basic credentials, if any.
func (s *Session) BasicAuth() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.basic == nil {
		return Credentials{}, false
	}
	return *s.basic, true
}

// Use appends an interceptor to the chain.
func (s *Session) Use(i Interceptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interceptors = append(s.interceptors, i)
}

// Interceptors returns the number of installed interceptors.
func (s *Session) Interceptors() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.interceptors)
}

// Do sends req through the interceptor chain with session credentials
// applied. Non-2xx responses are returned as *StatusError.
func (s *Session) Do(req *http.Request) (*Response, error) {
	s.mu.RLock()
	chain := make([]Interceptor, len(s.interceptors))
	copy(chain, s.interceptors)
	s.mu.RUnlock()

	next := RoundTripFunc(s.send)
	for i := len(chain) - 1; i >= 0; i-- {
		ic, inner := chain[i], next
		next = func(r *http.Request) (*http.Response, error) {
			return ic.Intercept(r, inner)
		}
	}

	resp, err := next(req)
	if err != nil {
		return nil, err
	}
	return checkStatus(req, resp)
}

// Fetch issues a bare GET to rawURL without session headers, credentials or
// interceptors. It serves pre-signed download links.
func (s *Session) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	s.logger.Debug().Str("url", rawURL).Msg("Fetching download")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &StatusError{Method: req.Method, URL: rawURL, Class: ErrorClassNetwork, Err: err}
	}
	return checkStatus(req, resp)
}

// send applies session state to a copy of req and executes it. Copying keeps
// req reusable, so interceptors may call next more than once.
func (s *Session) send(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		out.Body = body
	}

	s.mu.RLock()
	for key, values := range s.header {
		if out.Header.Get(key) == "" {
			out.Header[key] = append([]string(nil), values...)
		}
	}
	if s.basic != nil {
		out.SetBasicAuth(s.basic.Username, s.basic.Password)
	}
	s.mu.RUnlock()

	if s.userAgent != "" && out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", s.userAgent)
	}

	s.logger.Debug().
		Str("method", out.Method).
		Str("url", out.URL.String()).
		Msg("Executing request")

	resp, err := s.httpClient.Do(out)
	if err != nil {
		return nil, &StatusError{Method: out.Method, URL: out.URL.String(), Class: ErrorClassNetwork, Err: err}
	}
	return resp, nil
}
