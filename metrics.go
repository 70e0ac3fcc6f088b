package txpool

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricConnectionsOpened  = "connections_opened_total"
	MetricConnectFailures    = "connect_failures_total"
	MetricAcquired           = "acquired_total"
	MetricExhausted          = "exhausted_total"
	MetricDisposed           = "disposed_total"
	MetricConnections        = "connections"
	MetricPendingConnections = "pending_connections"
	metricNamespace          = "txpool"
	metricPoolLabel          = "pool"
	metricPathLabel          = "path"
	metricReasonLabel        = "reason"
	metricStateLabel         = "state"
)

// acquirePath says how Acquire found a connection.
type acquirePath string

const (
	pathAffinity acquirePath = "affinity"
	pathFree     acquirePath = "free"
	pathNew      acquirePath = "new"
)

// poolMetrics are the collectors of one pool. They carry the pool name as a
// constant label so several pools can share a registry.
type poolMetrics struct {
	registerer prometheus.Registerer

	opened          prometheus.Counter
	connectFailures prometheus.Counter
	acquiredByPath  *prometheus.CounterVec
	exhausted       prometheus.Counter
	disposedBy      *prometheus.CounterVec
	connections     *prometheus.GaugeVec
	pending         prometheus.GaugeFunc

	collectors []prometheus.Collector
}

func newPoolMetrics(name string, p *Pool, reg prometheus.Registerer) (*poolMetrics, error) {
	labels := prometheus.Labels{metricPoolLabel: name}
	m := &poolMetrics{
		registerer: reg,
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        MetricConnectionsOpened,
			Help:        "Physical connections opened by the pool.",
			ConstLabels: labels,
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        MetricConnectFailures,
			Help:        "Failed attempts to open a physical connection.",
			ConstLabels: labels,
		}),
		acquiredByPath: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        MetricAcquired,
			Help:        "Successful Acquire calls by the way the connection was found.",
			ConstLabels: labels,
		}, []string{metricPathLabel}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        MetricExhausted,
			Help:        "Acquire calls refused at the hard limit.",
			ConstLabels: labels,
		}),
		disposedBy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        MetricDisposed,
			Help:        "Connections disposed by reason.",
			ConstLabels: labels,
		}, []string{metricReasonLabel}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricNamespace,
			Name:        MetricConnections,
			Help:        "Open connections by state, updated on scrape.",
			ConstLabels: labels,
		}, []string{metricStateLabel}),
		pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricNamespace,
			Name:        MetricPendingConnections,
			Help:        "Connections being opened.",
			ConstLabels: labels,
		}, func() float64 {
			s := p.Stats()
			return float64(s.Pending)
		}),
	}
	m.collectors = []prometheus.Collector{
		m.opened,
		m.connectFailures,
		m.acquiredByPath,
		m.exhausted,
		m.disposedBy,
		stateCollector{pool: p, gauges: m.connections},
		m.pending,
	}

	if reg == nil {
		return m, nil
	}
	for i, c := range m.collectors {
		if err := reg.Register(c); err != nil {
			for _, r := range m.collectors[:i] {
				reg.Unregister(r)
			}
			return nil, wrapError(ErrInvalidConfig, err, "registering metrics of pool "+name)
		}
	}
	return m, nil
}

func (m *poolMetrics) acquired(path acquirePath) {
	m.acquiredByPath.WithLabelValues(string(path)).Inc()
}

func (m *poolMetrics) disposed(reason disposeReason) {
	m.disposedBy.WithLabelValues(string(reason)).Inc()
}

func (m *poolMetrics) unregister() {
	if m.registerer == nil {
		return
	}
	for _, c := range m.collectors {
		m.registerer.Unregister(c)
	}
}

// stateCollector refreshes the per-state gauges from a Stats snapshot each
// time it is collected.
type stateCollector struct {
	pool   *Pool
	gauges *prometheus.GaugeVec
}

func (c stateCollector) Describe(ch chan<- *prometheus.Desc) {
	c.gauges.Describe(ch)
}

func (c stateCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()
	c.gauges.WithLabelValues(StateFree.String()).Set(float64(s.Free))
	c.gauges.WithLabelValues(StateLeased.String()).Set(float64(s.Leased))
	c.gauges.WithLabelValues(StateStarted.String()).Set(float64(s.Started))
	c.gauges.Collect(ch)
}
