// File: internal/observability/metrics.go
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the exploration counters. Each instance owns its registry so
// that tests and concurrent sessions never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	stepsTotal          *prometheus.CounterVec
	pagesCompleted      *prometheus.CounterVec
	pagesDiscovered     prometheus.Counter
	decisionFailures    prometheus.Counter
	decisionLatency     prometheus.Histogram
	backgroundFailures  prometheus.Counter
	persistenceFailures prometheus.Counter
	inputTimeouts       prometheus.Counter
}

// NewMetrics registers the exploration metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Tool invocations executed, by tool and outcome.",
		}, []string{"tool", "success"}),
		pagesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_completed_total",
			Help:      "Pages that reached the completed state, by processing path.",
		}, []string{"path"}),
		pagesDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_discovered_total",
			Help:      "Distinct pages registered for exploration.",
		}),
		decisionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_failures_total",
			Help:      "Decision requests that produced no usable decision.",
		}),
		decisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Latency of decision service calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		backgroundFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_failures_total",
			Help:      "Background extraction tasks that failed.",
		}),
		persistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Snapshot or graph writes that failed.",
		}),
		inputTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_timeouts_total",
			Help:      "Human input requests that timed out before every value arrived.",
		}),
	}
}

// NopMetrics returns a Metrics value that is never exported.
func NopMetrics() *Metrics { return NewMetrics("wayfinder_nop") }

func (m *Metrics) ObserveStep(tool string, success bool) {
	label := "false"
	if success {
		label = "true"
	}
	m.stepsTotal.WithLabelValues(tool, label).Inc()
}

func (m *Metrics) PageCompleted(path string)       { m.pagesCompleted.WithLabelValues(path).Inc() }
func (m *Metrics) PageDiscovered()                 { m.pagesDiscovered.Inc() }
func (m *Metrics) DecisionFailed()                 { m.decisionFailures.Inc() }
func (m *Metrics) BackgroundFailed()               { m.backgroundFailures.Inc() }
func (m *Metrics) PersistenceFailed()              { m.persistenceFailures.Inc() }
func (m *Metrics) InputTimedOut()                  { m.inputTimeouts.Inc() }
func (m *Metrics) ObserveDecision(d time.Duration) { m.decisionLatency.Observe(d.Seconds()) }

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
