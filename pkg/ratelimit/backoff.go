package ratelimit

import (
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/apifetch/pkg/session"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apifetch_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apifetch_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apifetch_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// BackoffConfig holds the configuration for retry logic.
type BackoffConfig struct {
	// MaxRetries is the number of retries after the initial request.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries, including Retry-After.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after each retry.
	BackoffMultiplier float64

	// RetryServerErrors also retries 5xx responses.
	RetryServerErrors bool
}

// DefaultBackoffConfig retries 429 responses five times, waiting 1s, 2s,
// 4s, 8s and 16s unless the server sends Retry-After.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxRetries:        5,
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Backoff is an interceptor that retries rate-limited responses with
// exponential backoff and jitter. Once retries are exhausted the last
// response is returned unchanged, so the session reports it as an error.
type Backoff struct {
	cfg    BackoffConfig
	logger zerolog.Logger
}

// NewBackoff creates a backoff interceptor.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	return &Backoff{
		cfg:    cfg,
		logger: log.With().Str("component", "backoff").Logger(),
	}
}

// Intercept implements session.Interceptor.
func (b *Backoff) Intercept(req *http.Request, next session.RoundTripFunc) (*http.Response, error) {
	ctx := req.Context()
	backoff := b.cfg.InitialBackoff

	for attempt := 1; ; attempt++ {
		resp, err := next(req)
		if err != nil {
			return nil, err
		}
		class := session.Classify(resp.StatusCode)
		if !b.shouldRetry(class) {
			if attempt > 1 {
				b.logger.Debug().
					Str("error_class", string(class)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		if attempt > b.cfg.MaxRetries {
			retryExhaustedTotal.WithLabelValues(string(class)).Inc()
			b.logger.Warn().
				Str("error_class", string(class)).
				Int("max_retries", b.cfg.MaxRetries).
				Str("url", req.URL.String()).
				Msg("Retry attempts exhausted")
			return resp, nil
		}

		wait, ok := retryAfter(resp.Header, time.Now())
		if !ok {
			// ±20% jitter
			wait = time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		}
		if b.cfg.MaxBackoff > 0 && wait > b.cfg.MaxBackoff {
			wait = b.cfg.MaxBackoff
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())
		b.logger.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		if err := sleep(ctx, wait); err != nil {
			b.logger.Warn().
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return nil, err
		}

		backoff = time.Duration(float64(backoff) * b.cfg.BackoffMultiplier)
		if b.cfg.MaxBackoff > 0 && backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
	}
}

func (b *Backoff) shouldRetry(class session.ErrorClass) bool {
	switch class {
	case session.ErrorClassRateLimit:
		return true
	case session.ErrorClassServer:
		return b.cfg.RetryServerErrors
	default:
		return false
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
