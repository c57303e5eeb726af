// Package metrics exposes the Prometheus metrics of the engine. The metrics
// themselves are defined with promauto in the packages that update them
// (client, auth, ratelimit, state); this package documents them and serves
// or summarizes the registry.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Prefix is shared by every engine metric.
const Prefix = "apifetch_"

// Registry is the registerer used by the engine. All metrics are registered
// via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads the metrics registered on Registry.
var Gatherer = prometheus.DefaultGatherer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - apifetch_requests_total{endpoint, status} (Counter)
//   - apifetch_request_duration_seconds{endpoint} (Histogram)
//   - apifetch_errors_total{class} (Counter): client, server, rate_limit, network, other
//   - apifetch_pages_total{endpoint} (Counter)
//   - apifetch_items_total{endpoint} (Counter): materialized items; streamed pages are not counted
//
// Token Metrics (pkg/auth):
//   - apifetch_token_refreshes_total{result} (Counter)
//   - apifetch_unauthorized_retries_total (Counter)
//
// Rate Limit Metrics (pkg/ratelimit):
//   - apifetch_retries_total{error_class} (Counter)
//   - apifetch_retry_backoff_seconds{error_class} (Histogram)
//   - apifetch_retry_exhausted_total{error_class} (Counter)
//   - apifetch_quota_remaining{api} (Gauge)
//   - apifetch_quota_holds_total{api} (Counter)
//   - apifetch_quota_throttles_total{api} (Counter)
//
// Checkpoint Metrics (pkg/state):
//   - apifetch_state_operations_total{operation, result} (Counter)
//   - apifetch_state_snapshot_bytes{connector} (Gauge)
//
// Example Prometheus Queries:
//
//	# Items per second by endpoint
//	sum by (endpoint) (rate(apifetch_items_total[5m]))
//
//	# P95 page latency
//	histogram_quantile(0.95, rate(apifetch_request_duration_seconds_bucket[5m]))
//
//	# Token refresh failures
//	rate(apifetch_token_refreshes_total{result="error"}[15m])

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Sample is one counter or gauge value.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Snapshot gathers the engine's counter and gauge samples, sorted by name
// and labels. Histograms contribute their sample count under
// "<name>_count".
func Snapshot(g prometheus.Gatherer) ([]Sample, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	var samples []Sample
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, Prefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			s := Sample{Name: name, Labels: labels(m)}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				s.Value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				s.Value = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				s.Name = name + "_count"
				s.Value = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			samples = append(samples, s)
		}
	}

	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Name != samples[j].Name {
			return samples[i].Name < samples[j].Name
		}
		return formatLabels(samples[i].Labels) < formatLabels(samples[j].Labels)
	})
	return samples, nil
}

// WriteSummary prints non-zero samples one per line.
func WriteSummary(w io.Writer, g prometheus.Gatherer) error {
	samples, err := Snapshot(g)
	if err != nil {
		return err
	}
	for _, s := range samples {
		if s.Value == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s%s %g\n", s.Name, formatLabels(s.Labels), s.Value); err != nil {
			return err
		}
	}
	return nil
}

func labels(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func formatLabels(l map[string]string) string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, l[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}
