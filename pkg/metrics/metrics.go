// Package metrics holds the Prometheus collectors for coordkit's
// primitives.
//
// Collectors register on a caller-supplied Registerer rather than the
// global default, so tests and the CLI each get an isolated registry.
// Every recording method is safe on a nil receiver: components accept an
// optional *XMetrics and call it unconditionally.
package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coordkit"

// NewRegistry returns an empty registry for one process or test.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// ---------------------------------------------------------------------------
// Semaphore
// ---------------------------------------------------------------------------

// SemaphoreMetrics tracks permit traffic for one named semaphore.
type SemaphoreMetrics struct {
	acquired  prometheus.Counter
	released  prometheus.Counter
	cancelled prometheus.Counter
	waiting   prometheus.Gauge
	available prometheus.Gauge
}

// NewSemaphoreMetrics registers the semaphore collectors under the
// "semaphore" const label.
func NewSemaphoreMetrics(reg prometheus.Registerer, name string) *SemaphoreMetrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"semaphore": name}
	return &SemaphoreMetrics{
		acquired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "semaphore", Name: "acquired_total",
			Help: "Permits acquired.", ConstLabels: labels,
		}),
		released: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "semaphore", Name: "released_total",
			Help: "Permits released.", ConstLabels: labels,
		}),
		cancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "semaphore", Name: "cancelled_total",
			Help: "Acquires abandoned through cancellation.", ConstLabels: labels,
		}),
		waiting: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "semaphore", Name: "waiters",
			Help: "Callers currently blocked in Acquire.", ConstLabels: labels,
		}),
		available: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "semaphore", Name: "available",
			Help: "Permits currently available.", ConstLabels: labels,
		}),
	}
}

// Acquired records a successful acquire.
func (m *SemaphoreMetrics) Acquired(available, waiting int) {
	if m == nil {
		return
	}
	m.acquired.Inc()
	m.set(available, waiting)
}

// Released records a release.
func (m *SemaphoreMetrics) Released(available, waiting int) {
	if m == nil {
		return
	}
	m.released.Inc()
	m.set(available, waiting)
}

// Cancelled records an abandoned acquire.
func (m *SemaphoreMetrics) Cancelled(available, waiting int) {
	if m == nil {
		return
	}
	m.cancelled.Inc()
	m.set(available, waiting)
}

// Waiting records a caller entering the wait set.
func (m *SemaphoreMetrics) Waiting(available, waiting int) {
	if m == nil {
		return
	}
	m.set(available, waiting)
}

func (m *SemaphoreMetrics) set(available, waiting int) {
	m.available.Set(float64(available))
	m.waiting.Set(float64(waiting))
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// LedgerMetrics tracks ledger operations by outcome.
type LedgerMetrics struct {
	ops      *prometheus.CounterVec
	accounts prometheus.Gauge
}

// NewLedgerMetrics registers the ledger collectors.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	f := promauto.With(reg)
	return &LedgerMetrics{
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "operations_total",
			Help: "Ledger operations by kind and result.",
		}, []string{"op", "result"}),
		accounts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "active_accounts",
			Help: "Accounts currently open.",
		}),
	}
}

// Op counts one operation. result is "ok" or a short failure reason.
func (m *LedgerMetrics) Op(op, result string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, result).Inc()
}

// AccountOpened increments the active account gauge.
func (m *LedgerMetrics) AccountOpened() {
	if m == nil {
		return
	}
	m.accounts.Inc()
}

// AccountClosed decrements the active account gauge.
func (m *LedgerMetrics) AccountClosed() {
	if m == nil {
		return
	}
	m.accounts.Dec()
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// PipelineMetrics tracks order flow through the pipeline stages.
type PipelineMetrics struct {
	orders        *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	handlerErrors prometheus.Counter
	latency       prometheus.Histogram
}

// NewPipelineMetrics registers the pipeline collectors.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	f := promauto.With(reg)
	return &PipelineMetrics{
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "orders_total",
			Help: "Orders by stage outcome.",
		}, []string{"outcome"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "queue_depth",
			Help: "Items buffered in each queue.",
		}, []string{"queue"}),
		handlerErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "handler_errors_total",
			Help: "Processor handler failures.",
		}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "order_latency_seconds",
			Help:    "Time from order creation to processing.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
}

// Order counts an order reaching outcome (produced, validated, rejected,
// processed).
func (m *PipelineMetrics) Order(outcome string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(outcome).Inc()
}

// QueueDepth records the current length of a queue.
func (m *PipelineMetrics) QueueDepth(queue string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(n))
}

// HandlerError counts a processor handler failure.
func (m *PipelineMetrics) HandlerError() {
	if m == nil {
		return
	}
	m.handlerErrors.Inc()
}

// Latency observes an end-to-end order latency in seconds.
func (m *PipelineMetrics) Latency(seconds float64) {
	if m == nil {
		return
	}
	m.latency.Observe(seconds)
}

// ---------------------------------------------------------------------------
// Snapshot
// ---------------------------------------------------------------------------

// Snapshot gathers g and renders one sorted line per series, in the form
// name{label="v"} value. Histograms render their sample count and sum.
func Snapshot(g prometheus.Gatherer) ([]string, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var pairs []string
			for _, lp := range m.GetLabel() {
				pairs = append(pairs, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			series := mf.GetName()
			if len(pairs) > 0 {
				series += "{" + strings.Join(pairs, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", series, m.GetCounter().GetValue()))
			case m.GetGauge() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", series, m.GetGauge().GetValue()))
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				lines = append(lines,
					fmt.Sprintf("%s_count %d", series, h.GetSampleCount()),
					fmt.Sprintf("%s_sum %g", series, h.GetSampleSum()))
			}
		}
	}
	sort.Strings(lines)
	return lines, nil
}
