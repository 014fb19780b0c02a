/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Minimal Prometheus-text-format metrics registry:
             request counters, rate-limit rejection counters, and
             credential-pool failover counters, exposed via /metrics.
Root Cause:  Operators need visibility into admission decisions and
             credential health without a full tracing stack.
Context:     Trimmed from the teacher's much larger registry (no
             histograms, no wallet/safety/cache trackers — this proxy
             has one upstream and one endpoint pair) down to the
             counter/gauge/labelKey shape it still needs. Kept
             stdlib-only by design: this is a narrow, process-local
             counter set, not a case for pulling in a full client
             library just to format a handful of lines of text.
Suitability: L2 — atomic counters and string formatting.
──────────────────────────────────────────────────────────────
*/

// Package metrics is a small process-local Prometheus-text registry.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing value.
type Counter struct {
	value int64
}

func (c *Counter) Inc()        { atomic.AddInt64(&c.value, 1) }
func (c *Counter) Add(n int64) { atomic.AddInt64(&c.value, n) }
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// Gauge is a value that can go up and down, stored as micros for
// float-like precision under atomic ops.
type Gauge struct {
	value int64
}

func (g *Gauge) Set(v float64)  { atomic.StoreInt64(&g.value, int64(v*1e6)) }
func (g *Gauge) Value() float64 { return float64(atomic.LoadInt64(&g.value)) / 1e6 }

// labelKey produces a stable, sorted label string for a metric series.
func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(parts, ",")
}

// Registry is the process's metrics registry.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]map[string]*Counter
	gauges   map[string]map[string]*Gauge
}

// New returns an empty metrics registry.
func New() *Registry {
	return &Registry{
		counters: make(map[string]map[string]*Counter),
		gauges:   make(map[string]map[string]*Gauge),
	}
}

func (r *Registry) counter(name string, labels map[string]string) *Counter {
	key := labelKey(labels)
	r.mu.RLock()
	if byLabel, ok := r.counters[name]; ok {
		if c, ok := byLabel[key]; ok {
			r.mu.RUnlock()
			return c
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counters[name]; !ok {
		r.counters[name] = make(map[string]*Counter)
	}
	if _, ok := r.counters[name][key]; !ok {
		r.counters[name][key] = &Counter{}
	}
	return r.counters[name][key]
}

func (r *Registry) gauge(name string, labels map[string]string) *Gauge {
	key := labelKey(labels)
	r.mu.RLock()
	if byLabel, ok := r.gauges[name]; ok {
		if g, ok := byLabel[key]; ok {
			r.mu.RUnlock()
			return g
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gauges[name]; !ok {
		r.gauges[name] = make(map[string]*Gauge)
	}
	if _, ok := r.gauges[name][key]; !ok {
		r.gauges[name][key] = &Gauge{}
	}
	return r.gauges[name][key]
}

// TrackRequest records a completed chat-completion request.
func (r *Registry) TrackRequest(model string, status int, latencyMs float64) {
	labels := map[string]string{"model": model, "status": fmt.Sprintf("%d", status)}
	r.counter("copilot_more_requests_total", labels).Inc()
	r.gauge("copilot_more_last_request_duration_ms", map[string]string{"model": model}).Set(latencyMs)
}

// TrackRateLimitRejection records an admission rejection for a model.
func (r *Registry) TrackRateLimitRejection(model string) {
	r.counter("copilot_more_rate_limit_rejections_total", map[string]string{"model": model}).Inc()
}

// TrackCredentialFailover records a forced failover away from a
// credential index after it was rejected by the upstream.
func (r *Registry) TrackCredentialFailover(fromIndex int) {
	r.counter("copilot_more_credential_failovers_total", map[string]string{"from_index": fmt.Sprintf("%d", fromIndex)}).Inc()
}

// ActiveCredentialIndex sets the gauge tracking which credential index
// is currently active.
func (r *Registry) ActiveCredentialIndex(idx int) {
	r.gauge("copilot_more_active_credential_index", nil).Set(float64(idx))
}

// Handler serves the registry in Prometheus text exposition format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("# copilot-more metrics - %s\n\n", time.Now().UTC().Format(time.RFC3339)))

		r.mu.RLock()
		defer r.mu.RUnlock()

		for name, byLabel := range r.counters {
			sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
			for lk, c := range byLabel {
				if lk == "" {
					sb.WriteString(fmt.Sprintf("%s %d\n", name, c.Value()))
				} else {
					sb.WriteString(fmt.Sprintf("%s{%s} %d\n", name, lk, c.Value()))
				}
			}
			sb.WriteString("\n")
		}

		for name, byLabel := range r.gauges {
			sb.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
			for lk, g := range byLabel {
				if lk == "" {
					sb.WriteString(fmt.Sprintf("%s %f\n", name, g.Value()))
				} else {
					sb.WriteString(fmt.Sprintf("%s{%s} %f\n", name, lk, g.Value()))
				}
			}
			sb.WriteString("\n")
		}

		_, _ = w.Write([]byte(sb.String()))
	}
}
