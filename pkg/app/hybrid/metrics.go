package hybrid

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

// Metrics are counted from real events only.
type Metrics struct {
	Registry *prometheus.Registry

	admitted     prometheus.Counter
	rejected     *prometheus.CounterVec
	routed       *prometheus.CounterVec
	fills        *prometheus.CounterVec
	volume       *prometheus.CounterVec
	batchSize    prometheus.Histogram
	queueDepth   *prometheus.GaugeVec
	routeLatency prometheus.Histogram
	requeues     *prometheus.CounterVec
	batchTarget  prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hyperroute", Name: "orders_admitted_total",
			Help: "Orders accepted into the admission queue.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperroute", Name: "orders_rejected_total",
			Help: "Orders rejected at admission or routing.",
		}, []string{"reason"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperroute", Name: "orders_routed_total",
			Help: "Routing runs by terminal status.",
		}, []string{"status"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperroute", Name: "fills_total",
			Help: "Fills by liquidity source.",
		}, []string{"source"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperroute", Name: "filled_base_total",
			Help: "Filled base amount by liquidity source.",
		}, []string{"source"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hyperroute", Name: "batch_size",
			Help:    "Entries per dispatched batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hyperroute", Name: "queue_depth",
			Help: "Queued orders per priority tier.",
		}, []string{"tier"}),
		routeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hyperroute", Name: "route_duration_seconds",
			Help:    "Wall time of one routing run.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		requeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperroute", Name: "shard_requeues_total",
			Help: "Entries returned to the queue after a shard failure.",
		}, []string{"shard"}),
		batchTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hyperroute", Name: "batch_target_size",
			Help: "Current adaptive batch size.",
		}),
	}
	m.Registry.MustRegister(
		m.admitted, m.rejected, m.routed, m.fills, m.volume,
		m.batchSize, m.queueDepth, m.routeLatency, m.requeues, m.batchTarget,
	)
	return m
}

// RegisterCounterFunc exposes a counter owned by another component, such as
// the settlement sink's drop count.
func (m *Metrics) RegisterCounterFunc(name, help string, fn func() float64) error {
	return m.Registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "hyperroute", Name: name, Help: help,
	}, fn))
}

func (m *Metrics) observeFill(f order.Fill) {
	src := f.Source.String()
	m.fills.WithLabelValues(src).Inc()
	m.volume.WithLabelValues(src).Add(f.Amount)
}

func (m *Metrics) setDepths(d [order.NumPriorities]int) {
	for t, n := range d {
		m.queueDepth.WithLabelValues(order.Priority(t).String()).Set(float64(n))
	}
}

func (m *Metrics) requeued(shard, n int) {
	m.requeues.WithLabelValues(strconv.Itoa(shard)).Add(float64(n))
}
