package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/apifetch/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Prometheus metrics for token management.
var (
	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apifetch_token_refreshes_total",
		Help: "Total OAuth2 token exchanges by result",
	}, []string{"result"})

	unauthorizedRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apifetch_unauthorized_retries_total",
		Help: "Total requests retried after a 401 and token refresh",
	})
)

// OAuth2Config configures the refresh-token grant.
type OAuth2Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string

	// ExtraHeaders are static headers set on the session alongside the token.
	ExtraHeaders map[string]string

	// ExpiresInField names the TTL field of the token response.
	ExpiresInField string

	// RequestTimeout bounds each token exchange.
	RequestTimeout time.Duration

	// ClockSkewMargin is subtracted from the server-reported TTL.
	ClockSkewMargin time.Duration

	// HTTPClient performs token exchanges (default: http.DefaultClient).
	HTTPClient *http.Client

	// Now returns the current time (for testing).
	Now func() time.Time
}

// DefaultOAuth2Config returns a configuration with the standard defaults.
func DefaultOAuth2Config(tokenURL, clientID, clientSecret, refreshToken string) OAuth2Config {
	return OAuth2Config{
		TokenURL:        tokenURL,
		ClientID:        clientID,
		ClientSecret:    clientSecret,
		RefreshToken:    refreshToken,
		ExpiresInField:  "expires_in",
		RequestTimeout:  30 * time.Second,
		ClockSkewMargin: 60 * time.Second,
		Now:             time.Now,
	}
}

// OAuth2RefreshToken exchanges a long-lived refresh token for short-lived
// access tokens, caches them until expiry and retries once on 401.
type OAuth2RefreshToken struct {
	cfg    OAuth2Config
	oauth  *oauth2.Config
	logger zerolog.Logger

	// mu serializes token exchanges and guards the cached token.
	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time

	// installed is set once the 401 interceptor is on the session.
	installed bool
}

// NewOAuth2RefreshToken validates cfg and creates the strategy.
func NewOAuth2RefreshToken(cfg OAuth2Config) (*OAuth2RefreshToken, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	if cfg.ExpiresInField == "" {
		cfg.ExpiresInField = "expires_in"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ClockSkewMargin < 0 {
		cfg.ClockSkewMargin = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &OAuth2RefreshToken{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		logger:       log.With().Str("component", "oauth2-refresh").Logger(),
		refreshToken: cfg.RefreshToken,
	}, nil
}

// Apply refreshes the token only when it is absent or past its effective
// expiry, then installs the 401 interceptor once.
func (a *OAuth2RefreshToken) Apply(ctx context.Context, s *session.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.validLocked() {
		if err := a.exchangeLocked(ctx); err != nil {
			return err
		}
	}
	a.setHeadersLocked(s)

	if !a.installed {
		s.Use(session.InterceptorFunc(func(req *http.Request, next session.RoundTripFunc) (*http.Response, error) {
			return a.retryUnauthorized(s, req, next)
		}))
		a.installed = true
	}
	return nil
}

// Refresh performs a token exchange unconditionally.
func (a *OAuth2RefreshToken) Refresh(ctx context.Context, s *session.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.exchangeLocked(ctx); err != nil {
		return err
	}
	a.setHeadersLocked(s)
	return nil
}

// ExpiresAt returns the effective expiry of the cached token. Zero means the
// server reported no TTL.
func (a *OAuth2RefreshToken) ExpiresAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expiresAt
}

// retryUnauthorized performs at most one refresh-and-retry per request.
func (a *OAuth2RefreshToken) retryUnauthorized(s *session.Session, req *http.Request, next session.RoundTripFunc) (*http.Response, error) {
	sent := a.currentToken()

	resp, err := next(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	drain(resp)

	unauthorizedRetriesTotal.Inc()
	a.logger.Warn().
		Str("url", req.URL.String()).
		Msg("Unauthorized response, refreshing token and retrying once")

	if err := a.refreshIfUnchanged(req.Context(), s, sent); err != nil {
		return nil, err
	}

	resp, err = next(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return nil, fmt.Errorf("%w: %w", ErrRepeatedUnauthorized, &session.StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Method:     req.Method,
			URL:        req.URL.String(),
			Class:      session.ErrorClassClient,
		})
	}
	return resp, nil
}

// refreshIfUnchanged skips the exchange when another caller already replaced
// the token the failed request was sent with.
func (a *OAuth2RefreshToken) refreshIfUnchanged(ctx context.Context, s *session.Session, sent string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken == sent || !a.validLocked() {
		if err := a.exchangeLocked(ctx); err != nil {
			return err
		}
	}
	a.setHeadersLocked(s)
	return nil
}

func (a *OAuth2RefreshToken) currentToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accessToken
}

func (a *OAuth2RefreshToken) validLocked() bool {
	if a.accessToken == "" {
		return false
	}
	if a.expiresAt.IsZero() {
		return true
	}
	return a.cfg.Now().Before(a.expiresAt)
}

func (a *OAuth2RefreshToken) setHeadersLocked(s *session.Session) {
	s.SetHeader("Authorization", "Bearer "+a.accessToken)
	for k, v := range a.cfg.ExtraHeaders {
		s.SetHeader(k, v)
	}
}

func (a *OAuth2RefreshToken) exchangeLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	if a.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.cfg.HTTPClient)
	}

	tok, err := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: a.refreshToken}).Token()
	if err != nil {
		tokenRefreshesTotal.WithLabelValues("error").Inc()
		return &RefreshError{TokenURL: a.cfg.TokenURL, Err: err}
	}
	if tok.AccessToken == "" {
		tokenRefreshesTotal.WithLabelValues("error").Inc()
		return &RefreshError{TokenURL: a.cfg.TokenURL, Err: errors.New("response missing access_token")}
	}

	now := a.cfg.Now()
	a.accessToken = tok.AccessToken
	a.expiresAt = time.Time{}
	if tok.RefreshToken != "" {
		a.refreshToken = tok.RefreshToken
	}
	if ttl, ok := ttlSeconds(tok.Extra(a.cfg.ExpiresInField)); ok {
		effective := time.Duration(ttl)*time.Second - a.cfg.ClockSkewMargin
		if effective < 0 {
			effective = 0
		}
		a.expiresAt = now.Add(effective)
	}

	tokenRefreshesTotal.WithLabelValues("success").Inc()
	a.logger.Debug().
		Time("expires_at", a.expiresAt).
		Msg("Access token refreshed")
	return nil
}

// ttlSeconds reads a TTL from a JSON number or a form-encoded string.
func ttlSeconds(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
