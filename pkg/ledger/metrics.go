package ledger

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports ledger entries as Prometheus collectors.
type Metrics struct {
	dispatches *prometheus.CounterVec
	attempts   *prometheus.CounterVec
	cacheHits  prometheus.Counter
	tokens     *prometheus.CounterVec
	cost       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		dispatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_dispatch_total",
				Help: "Dispatch outcomes by task family",
			},
			[]string{"family", "status", "outcome"},
		),
		attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_attempts_total",
				Help: "Candidate attempts by provider and model",
			},
			[]string{"provider", "model", "result"},
		),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_cache_hits_total",
			Help: "Dispatches answered from the result cache",
		}),
		tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_tokens_total",
				Help: "Tokens consumed by successful attempts",
			},
			[]string{"provider", "model", "type"}, // type: prompt, completion
		),
		cost: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_cost_usd_total",
				Help: "Estimated spend of successful attempts",
			},
			[]string{"provider", "model"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelgate_dispatch_duration_seconds",
				Help:    "Dispatch latency in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"family", "status"},
		),
	}
}

func (m *Metrics) Record(_ context.Context, e *Entry) error {
	family := e.Family
	if family == "" {
		family = "none"
	}
	m.dispatches.WithLabelValues(family, e.Status, e.Outcome).Inc()
	m.duration.WithLabelValues(family, e.Status).Observe((time.Duration(e.DurationMillis) * time.Millisecond).Seconds())
	if e.CacheHit {
		m.cacheHits.Inc()
	}
	for _, a := range e.Attempts {
		m.attempts.WithLabelValues(a.Provider, a.Model, a.Result).Inc()
		if a.Usage.PromptTokens > 0 {
			m.tokens.WithLabelValues(a.Provider, a.Model, "prompt").Add(float64(a.Usage.PromptTokens))
		}
		if a.Usage.CompletionTokens > 0 {
			m.tokens.WithLabelValues(a.Provider, a.Model, "completion").Add(float64(a.Usage.CompletionTokens))
		}
		if a.Cost.Amount > 0 {
			m.cost.WithLabelValues(a.Provider, a.Model).Add(a.Cost.Amount)
		}
	}
	return nil
}
