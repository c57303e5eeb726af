// Package ratelimit provides request interceptors that keep a connector
// within a remote API's limits: backoff on 429 responses, client-side
// pacing, and a quota tracker that shares server-reported limits across
// processes through Redis.
package ratelimit

import (
	"time"
)

// Default header names for server-reported quotas.
const (
	DefaultRemainingHeader = "X-RateLimit-Remaining"
	DefaultResetHeader     = "X-RateLimit-Reset"
)

// Default thresholds for quota decisions.
const (
	// DefaultCriticalThreshold holds requests until the window resets when
	// remaining quota falls below this value.
	DefaultCriticalThreshold = 5

	// DefaultWarningThreshold throttles requests below this value.
	DefaultWarningThreshold = 20

	// DefaultHealthyThreshold marks the quota as healthy at or above this value.
	DefaultHealthyThreshold = 50
)

// Thresholds classifies remaining quota.
type Thresholds struct {
	Critical int
	Warning  int
	Healthy  int
}

// DefaultThresholds returns the default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Critical: DefaultCriticalThreshold,
		Warning:  DefaultWarningThreshold,
		Healthy:  DefaultHealthyThreshold,
	}
}

// QuotaState is the last quota reported by the server for one API.
// It is shared between processes via Redis.
type QuotaState struct {
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	LastUpdate time.Time `json:"last_update"`
	IsHealthy  bool      `json:"is_healthy"`
}

// IsStale reports whether the state is older than maxAge.
func (s *QuotaState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsHold reports whether requests must wait for the window to reset.
// A reset time in the past releases the hold.
func (s *QuotaState) NeedsHold(t Thresholds) bool {
	return s.Remaining < t.Critical && s.TimeUntilReset() > 0
}

// NeedsThrottling reports whether requests should be slowed down.
func (s *QuotaState) NeedsThrottling(t Thresholds) bool {
	return s.Remaining < t.Warning && s.Remaining >= t.Critical
}

// TimeUntilReset returns the time left in the window, or 0 once passed.
func (s *QuotaState) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth recomputes IsHealthy.
func (s *QuotaState) UpdateHealth(t Thresholds) {
	s.IsHealthy = s.Remaining >= t.Healthy
}
