package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mtf-executor/pkg/exchanges/common"
)

// Metrics holds the executor's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	signals          *prometheus.CounterVec
	decisions        *prometheus.CounterVec
	executions       *prometheus.CounterVec
	exchangeCalls    *prometheus.CounterVec
	exchangeLatency  *prometheus.HistogramVec
	driftDetected    *prometheus.CounterVec
	operatorAlerts   *prometheus.CounterVec
	eventsDropped    prometheus.CounterFunc
	droppedEventsSrc func() uint64
}

// NewMetrics registers every collector. droppedEvents may be nil.
func NewMetrics(droppedEvents func() uint64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtf_signals_total",
				Help: "Webhook signals by pipeline outcome",
			},
			[]string{"status"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtf_decisions_total",
				Help: "Composite decisions emitted by the confirmation machines",
			},
			[]string{"kind"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtf_executions_total",
				Help: "Executor outcomes by action",
			},
			[]string{"action", "status"},
		),
		exchangeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtf_exchange_calls_total",
				Help: "Exchange REST calls by operation and result class",
			},
			[]string{"op", "class"},
		),
		exchangeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mtf_exchange_call_seconds",
				Help:    "Exchange REST call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		driftDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtf_drift_detected_total",
				Help: "Local/exchange position divergences overwritten by reconciliation",
			},
			[]string{"instrument"},
		),
		operatorAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtf_operator_alerts_total",
				Help: "Alerts delivered to operators",
			},
			[]string{"event"},
		),
		droppedEventsSrc: droppedEvents,
	}
	m.eventsDropped = prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "mtf_bus_events_dropped_total",
			Help: "Event deliveries skipped because a subscriber was full",
		},
		func() float64 {
			if m.droppedEventsSrc == nil {
				return 0
			}
			return float64(m.droppedEventsSrc())
		},
	)

	m.registry.MustRegister(
		m.signals,
		m.decisions,
		m.executions,
		m.exchangeCalls,
		m.exchangeLatency,
		m.driftDetected,
		m.operatorAlerts,
		m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Signal counts one webhook outcome.
func (m *Metrics) Signal(status string) {
	m.signals.WithLabelValues(status).Inc()
}

// Decision counts one enter or exit decision.
func (m *Metrics) Decision(kind string) {
	m.decisions.WithLabelValues(kind).Inc()
}

// Execution counts one executor outcome.
func (m *Metrics) Execution(action, status string) {
	m.executions.WithLabelValues(action, status).Inc()
}

// DriftDetected counts one reconciliation overwrite.
func (m *Metrics) DriftDetected(instrument string) {
	m.driftDetected.WithLabelValues(instrument).Inc()
}

// ObserveExchange records one exchange call; it matches the REST client's observer hook.
func (m *Metrics) ObserveExchange(op string, elapsed time.Duration, err error) {
	m.exchangeCalls.WithLabelValues(op, common.Classify(err).String()).Inc()
	m.exchangeLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Alert counts one operator alert.
func (m *Metrics) Alert(event string) {
	m.operatorAlerts.WithLabelValues(event).Inc()
}
