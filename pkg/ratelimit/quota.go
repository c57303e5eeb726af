package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/apifetch/pkg/session"
)

// Prometheus metrics for quota tracking.
var (
	quotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "apifetch_quota_remaining",
		Help: "Remaining server-reported request quota by API",
	}, []string{"api"})

	quotaHoldsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apifetch_quota_holds_total",
		Help: "Total requests held until the quota window reset",
	}, []string{"api"})

	quotaThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apifetch_quota_throttles_total",
		Help: "Total requests throttled due to low remaining quota",
	}, []string{"api"})
)

// epochCutoff separates reset headers given as seconds-until-reset from
// headers given as a unix timestamp.
const epochCutoff = 1_000_000_000

// QuotaConfig configures a QuotaTracker.
type QuotaConfig struct {
	// API namespaces the Redis keys, so connectors sharing a Redis
	// instance but calling different APIs do not interfere.
	API string

	RemainingHeader string
	ResetHeader     string
	Thresholds      Thresholds

	// ThrottleDelay is slept before each request in the warning band.
	ThrottleDelay time.Duration

	// MaxHold caps the wait for a window reset.
	MaxHold time.Duration
}

// DefaultQuotaConfig returns the default configuration for api.
func DefaultQuotaConfig(api string) QuotaConfig {
	return QuotaConfig{
		API:             api,
		RemainingHeader: DefaultRemainingHeader,
		ResetHeader:     DefaultResetHeader,
		Thresholds:      DefaultThresholds(),
		ThrottleDelay:   time.Second,
		MaxHold:         5 * time.Minute,
	}
}

// QuotaTracker records server-reported quota headers in Redis and gates
// requests on them.
type QuotaTracker struct {
	redis  *redis.Client
	cfg    QuotaConfig
	logger zerolog.Logger

	keyRemaining  string
	keyResetAt    string
	keyLastUpdate string
}

// NewQuotaTracker creates a tracker.
func NewQuotaTracker(redisClient *redis.Client, cfg QuotaConfig, logger zerolog.Logger) *QuotaTracker {
	if cfg.RemainingHeader == "" {
		cfg.RemainingHeader = DefaultRemainingHeader
	}
	if cfg.ResetHeader == "" {
		cfg.ResetHeader = DefaultResetHeader
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	prefix := "apifetch:quota:" + cfg.API + ":"
	return &QuotaTracker{
		redis:         redisClient,
		cfg:           cfg,
		logger:        logger.With().Str("api", cfg.API).Logger(),
		keyRemaining:  prefix + "remaining",
		keyResetAt:    prefix + "reset_at",
		keyLastUpdate: prefix + "last_update",
	}
}

// GetState loads the shared quota state. With nothing recorded yet the
// quota is assumed healthy.
func (q *QuotaTracker) GetState(ctx context.Context) (*QuotaState, error) {
	remaining, err := q.redis.Get(ctx, q.keyRemaining).Int()
	if errors.Is(err, redis.Nil) {
		return &QuotaState{
			Remaining:  q.cfg.Thresholds.Healthy,
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get remaining quota: %w", err)
	}

	resetAt, err := q.redis.Get(ctx, q.keyResetAt).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get reset timestamp: %w", err)
	}

	var lastUpdate time.Time
	raw, err := q.redis.Get(ctx, q.keyLastUpdate).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get last update: %w", err)
	}
	if len(raw) > 0 {
		if err := gojson.Unmarshal(raw, &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &QuotaState{
		Remaining:  remaining,
		ResetAt:    time.Unix(resetAt, 0),
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth(q.cfg.Thresholds)
	return state, nil
}

// UpdateFromHeaders stores the quota reported in headers. Responses without
// the remaining header are ignored.
func (q *QuotaTracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(q.cfg.RemainingHeader)
	if remainStr == "" {
		return nil
	}
	remaining, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", q.cfg.RemainingHeader, err)
	}

	resetStr := headers.Get(q.cfg.ResetHeader)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", q.cfg.ResetHeader)
	}
	reset, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", q.cfg.ResetHeader, err)
	}

	now := time.Now()
	state := &QuotaState{Remaining: remaining, LastUpdate: now}
	if reset >= epochCutoff {
		state.ResetAt = time.Unix(reset, 0)
	} else {
		state.ResetAt = now.Add(time.Duration(reset) * time.Second)
	}
	state.UpdateHealth(q.cfg.Thresholds)

	lastUpdate, err := gojson.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := q.redis.Pipeline()
	pipe.Set(ctx, q.keyRemaining, remaining, 0)
	pipe.Set(ctx, q.keyResetAt, state.ResetAt.Unix(), 0)
	pipe.Set(ctx, q.keyLastUpdate, lastUpdate, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store quota state in redis: %w", err)
	}

	quotaRemaining.WithLabelValues(q.cfg.API).Set(float64(remaining))

	evt := q.logger.Debug()
	switch {
	case state.NeedsHold(q.cfg.Thresholds):
		evt = q.logger.Warn()
	case state.NeedsThrottling(q.cfg.Thresholds):
		evt = q.logger.Info()
	}
	evt.Int("remaining", remaining).
		Time("reset_at", state.ResetAt).
		Bool("is_healthy", state.IsHealthy).
		Msg("Quota state updated")
	return nil
}

// Wait blocks while the shared quota is exhausted and sleeps briefly when it
// is low. It returns early with the context's error.
func (q *QuotaTracker) Wait(ctx context.Context) error {
	state, err := q.GetState(ctx)
	if err != nil {
		return fmt.Errorf("quota check: %w", err)
	}

	var delay time.Duration
	switch {
	case state.NeedsHold(q.cfg.Thresholds):
		delay = state.TimeUntilReset()
		if q.cfg.MaxHold > 0 && delay > q.cfg.MaxHold {
			delay = q.cfg.MaxHold
		}
		quotaHoldsTotal.WithLabelValues(q.cfg.API).Inc()
		q.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait", delay).
			Msg("Quota exhausted, holding request until reset")
	case state.NeedsThrottling(q.cfg.Thresholds):
		delay = q.cfg.ThrottleDelay
		quotaThrottlesTotal.WithLabelValues(q.cfg.API).Inc()
		q.logger.Debug().
			Int("remaining", state.Remaining).
			Msg("Quota low, throttling request")
	default:
		return nil
	}

	return sleep(ctx, delay)
}

// Intercept implements session.Interceptor.
func (q *QuotaTracker) Intercept(req *http.Request, next session.RoundTripFunc) (*http.Response, error) {
	ctx := req.Context()
	if err := q.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := next(req)
	if err != nil {
		return nil, err
	}
	if err := q.UpdateFromHeaders(ctx, resp.Header); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to update quota from headers")
	}
	return resp, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
