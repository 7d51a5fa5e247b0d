package plugin

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the lifecycle collectors. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	loaded     *prometheus.GaugeVec
	durations  *prometheus.HistogramVec
}

var (
	globalMetricsOnce sync.Once
	globalMetricsInst *Metrics
)

// GlobalMetrics returns collectors registered with the default registry.
func GlobalMetrics() *Metrics {
	globalMetricsOnce.Do(func() {
		globalMetricsInst = NewMetrics(prometheus.DefaultRegisterer)
	})
	return globalMetricsInst
}

// NewMetrics registers the lifecycle collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peard",
			Subsystem: "plugin",
			Name:      "operations_total",
			Help:      "Plugin lifecycle operations, labeled by context, operation and result",
		}, []string{"context", "op", "result"}),
		loaded: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "peard",
			Name:      "plugins_loaded",
			Help:      "Plugins currently loaded per context",
		}, []string{"context"}),
		durations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "peard",
			Subsystem: "plugin",
			Name:      "operation_duration_seconds",
			Help:      "Duration of plugin lifecycle hooks",
			Buckets:   prometheus.DefBuckets,
		}, []string{"context", "op"}),
	}
}

func (m *Metrics) observe(kind Kind, op Op, out Outcome, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := out.String()
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(string(kind), string(op), result).Inc()
	m.durations.WithLabelValues(string(kind), string(op)).Observe(elapsed.Seconds())
}

func (m *Metrics) setLoaded(kind Kind, n int) {
	if m == nil {
		return
	}
	m.loaded.WithLabelValues(string(kind)).Set(float64(n))
}
