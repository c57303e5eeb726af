// Package client ties endpoints, codecs and an authentication strategy
// together into a registry of lazily paginated calls.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/apifetch/pkg/auth"
	"github.com/Sternrassler/apifetch/pkg/endpoint"
	"github.com/Sternrassler/apifetch/pkg/session"
)

// Prometheus metrics for endpoint calls.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apifetch_requests_total",
		Help: "Total endpoint requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apifetch_request_duration_seconds",
		Help:    "Endpoint request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apifetch_errors_total",
		Help: "Total endpoint errors by class",
	}, []string{"class"})

	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apifetch_pages_total",
		Help: "Total pages produced by endpoint",
	}, []string{"endpoint"})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apifetch_items_total",
		Help: "Total materialized items produced by endpoint",
	}, []string{"endpoint"})
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is joined with relative endpoint paths.
	BaseURL string

	// Auth applies credentials to the session (default: auth.NoAuth).
	Auth auth.Strategy

	// Endpoints is the registry. Names must be unique.
	Endpoints []*endpoint.Endpoint

	// HTTPClient performs requests (default: 30s timeout).
	HTTPClient *http.Client

	// UserAgent is sent with every request when set.
	UserAgent string

	// Interceptors wrap every authenticated request, first outermost.
	// They are installed before the auth strategy's own interceptors.
	Interceptors []session.Interceptor
}

// DefaultConfig returns a configuration with the default HTTP client.
func DefaultConfig(baseURL string, strategy auth.Strategy, endpoints ...*endpoint.Endpoint) Config {
	return Config{
		BaseURL:    baseURL,
		Auth:       strategy,
		Endpoints:  endpoints,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		UserAgent:  "apifetch/1.0",
	}
}

// Client owns one session, one auth strategy and a registry of endpoints.
type Client struct {
	baseURL   string
	session   *session.Session
	auth      auth.Strategy
	endpoints map[string]*endpoint.Endpoint
	logger    zerolog.Logger
}

// New validates cfg, builds the session and applies credentials once.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Auth == nil {
		cfg.Auth = auth.NoAuth{}
	}

	registry := make(map[string]*endpoint.Endpoint, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if ep == nil {
			return nil, fmt.Errorf("nil endpoint in registry")
		}
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		if _, dup := registry[ep.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateEndpoint, ep.Name)
		}
		registry[ep.Name] = ep
	}

	s := session.New(cfg.HTTPClient, cfg.UserAgent)
	for _, ic := range cfg.Interceptors {
		s.Use(ic)
	}

	if err := cfg.Auth.Apply(ctx, s); err != nil {
		return nil, fmt.Errorf("apply auth: %w", err)
	}

	return &Client{
		baseURL:   cfg.BaseURL,
		session:   s,
		auth:      cfg.Auth,
		endpoints: registry,
		logger:    log.With().Str("component", "apifetch-client").Logger(),
	}, nil
}

// Endpoint returns a handle for the named endpoint.
func (c *Client) Endpoint(name string) (*Handle, error) {
	ep, ok := c.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, name)
	}
	return &Handle{
		client:   c,
		endpoint: ep,
		logger:   c.logger.With().Str("endpoint", name).Logger(),
	}, nil
}

// Endpoints returns the registered endpoint names in sorted order.
func (c *Client) Endpoints() []string {
	names := make([]string, 0, len(c.endpoints))
	for name := range c.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Session returns the shared session, e.g. to install interceptors later.
func (c *Client) Session() *session.Session {
	return c.session
}
