package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus instrumentation for a running Scheduler, all
// namespaced "chanflow_":
//
//   - pending_activations (gauge): size of the next step's activation set.
//   - step_latency_ms (histogram): wall-clock duration of one superstep.
//   - retries_total (counter): node firing retries, labeled by node.
//   - invalid_update_total (counter): commit-phase InvalidUpdate errors.
//   - empty_channel_total (counter): fire-phase EmptyChannel errors.
//   - checkpoint_saves_total (counter): successful checkpoint saves.
//
// Thread-safe: every method may be called concurrently from the fire-phase
// worker pool.
type Metrics struct {
	pendingActivations prometheus.Gauge
	stepLatency        prometheus.Histogram
	retries            *prometheus.CounterVec
	invalidUpdates     *prometheus.CounterVec
	emptyChannels      *prometheus.CounterVec
	checkpointSaves    prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers the scheduler's metrics with registry.
// A nil registry registers against prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,
		pendingActivations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chanflow",
			Name:      "pending_activations",
			Help:      "Number of nodes activated for the next superstep.",
		}),
		stepLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chanflow",
			Name:      "step_latency_ms",
			Help:      "Wall-clock duration of one superstep in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chanflow",
			Name:      "retries_total",
			Help:      "Cumulative node firing retries.",
		}, []string{"node_id"}),
		invalidUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chanflow",
			Name:      "invalid_update_total",
			Help:      "Commit-phase channel update rejections.",
		}, []string{"channel"}),
		emptyChannels: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chanflow",
			Name:      "empty_channel_total",
			Help:      "Fire-phase reads of an empty channel.",
		}, []string{"channel"}),
		checkpointSaves: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chanflow",
			Name:      "checkpoint_saves_total",
			Help:      "Successful checkpoint saves.",
		}),
	}
}

func (m *Metrics) SetPendingActivations(n int) {
	if m == nil || !m.enabled {
		return
	}
	m.pendingActivations.Set(float64(n))
}

func (m *Metrics) ObserveStepLatency(d time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.stepLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncRetry(nodeID string) {
	if m == nil || !m.enabled {
		return
	}
	m.retries.WithLabelValues(nodeID).Inc()
}

func (m *Metrics) IncInvalidUpdate(channel string) {
	if m == nil || !m.enabled {
		return
	}
	m.invalidUpdates.WithLabelValues(channel).Inc()
}

func (m *Metrics) IncEmptyChannel(channel string) {
	if m == nil || !m.enabled {
		return
	}
	m.emptyChannels.WithLabelValues(channel).Inc()
}

func (m *Metrics) IncCheckpointSave() {
	if m == nil || !m.enabled {
		return
	}
	m.checkpointSaves.Inc()
}

// Disable stops the collector from recording further observations without
// unregistering it from the Prometheus registry.
func (m *Metrics) Disable() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable resumes recording after Disable.
func (m *Metrics) Enable() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
