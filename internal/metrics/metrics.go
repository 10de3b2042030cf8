// Package metrics exposes Prometheus counters for the retrieval and
// generation pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "citeline"

// Metrics groups every collector the service updates. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheErrors        *prometheus.CounterVec
	RateLimitRejects   *prometheus.CounterVec
	RetrievalDropped   *prometheus.CounterVec
	RetrievalDuration  prometheus.Histogram
	GenerationRequests *prometheus.CounterVec
	GenerationTokens   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieval_cache", Name: "hits_total",
			Help: "Retrieval cache lookups served from the cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieval_cache", Name: "misses_total",
			Help: "Retrieval cache lookups that had to call the retrieval service.",
		}),
		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieval_cache", Name: "errors_total",
			Help: "Cache store failures, by operation.",
		}, []string{"op"}),
		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rate_limit", Name: "rejections_total",
			Help: "Message sends rejected by the rate limiter, by scope.",
		}, []string{"scope"}),
		RetrievalDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "chunks_dropped_total",
			Help: "Chunks removed by the pipeline, by reason.",
		}, []string{"reason"}),
		RetrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "duration_seconds",
			Help:    "Wall-clock time of retrieval pipeline runs.",
			Buckets: prometheus.DefBuckets,
		}),
		GenerationRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generation", Name: "requests_total",
			Help: "Generation calls, by response mode and path (structured, fallback, shortcut, error).",
		}, []string{"mode", "path"}),
		GenerationTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generation", Name: "tokens_total",
			Help: "Tokens consumed by generation, by kind.",
		}, []string{"kind"}),
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "messages_total",
			Help: "Assistant messages by final status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CacheHits, m.CacheMisses, m.CacheErrors,
			m.RateLimitRejects,
			m.RetrievalDropped, m.RetrievalDuration,
			m.GenerationRequests, m.GenerationTokens,
			m.MessagesProcessed,
		)
	}
	return m
}

// CacheHit counts a cache hit.
func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

// CacheMiss counts a cache miss.
func (m *Metrics) CacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

// CacheError counts a cache store failure for op ("get" or "set").
func (m *Metrics) CacheError(op string) {
	if m != nil {
		m.CacheErrors.WithLabelValues(op).Inc()
	}
}

// RateLimited counts a rejection for scope.
func (m *Metrics) RateLimited(scope string) {
	if m != nil {
		m.RateLimitRejects.WithLabelValues(scope).Inc()
	}
}

// Dropped counts n chunks removed for reason ("diversity_cap", "threshold").
func (m *Metrics) Dropped(reason string, n int) {
	if m != nil && n > 0 {
		m.RetrievalDropped.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveRetrieval records the duration of one pipeline run in seconds.
func (m *Metrics) ObserveRetrieval(seconds float64) {
	if m != nil {
		m.RetrievalDuration.Observe(seconds)
	}
}

// Generation counts one generation call and its token usage.
func (m *Metrics) Generation(mode, path string, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.GenerationRequests.WithLabelValues(mode, path).Inc()
	m.GenerationTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	m.GenerationTokens.WithLabelValues("completion").Add(float64(completionTokens))
}

// Message counts an assistant message reaching status.
func (m *Metrics) Message(status string) {
	if m != nil {
		m.MessagesProcessed.WithLabelValues(status).Inc()
	}
}
