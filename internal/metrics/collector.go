package agentmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "goexa"

// Label names for agent metrics.
const (
	labelResult    = "result"
	labelTarget    = "target"
	labelFib       = "fib"
	labelOp        = "op"
	labelDirection = "direction"
)

// Label values for cycle and operation results.
const (
	ResultOK          = "ok"
	ResultFailed      = "failed"
	ResultWriteFailed = "write_failed"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Agent Metrics
// -------------------------------------------------------------------------

// Collector holds all agent Prometheus metrics.
//
// The metric set follows the two duties of the agent:
//   - Advertise: cycle counters, per-target health check outcomes and the
//     healthy prefix gauge drive alerting on anycast reachability.
//   - Learn: FIB operation counters, intent queue depth and parse failure
//     counters flag programming problems against the kernel.
type Collector struct {
	// AdvertiseCycles counts completed advertise cycles by result.
	// A write_failed cycle triggers the healthy-set fail-safe.
	AdvertiseCycles *prometheus.CounterVec

	// HealthChecks counts individual health check runs per target.
	HealthChecks *prometheus.CounterVec

	// HealthyPrefixes tracks the size of the current healthy prefix set.
	HealthyPrefixes prometheus.Gauge

	// FibOperations counts route programming attempts per FIB and operation.
	FibOperations *prometheus.CounterVec

	// IntentQueueDepth tracks the number of intent batches waiting for the
	// FIB consumer.
	IntentQueueDepth prometheus.Gauge

	// ParseFailures counts speaker messages dropped as malformed.
	ParseFailures prometheus.Counter

	// SpeakerLines counts lines exchanged with the BGP speaker by direction.
	SpeakerLines *prometheus.CounterVec
}

// NewCollector creates a Collector with all agent metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "goexa_" namespace to avoid collisions with other
// exporters on the same host.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.AdvertiseCycles,
		c.HealthChecks,
		c.HealthyPrefixes,
		c.FibOperations,
		c.IntentQueueDepth,
		c.ParseFailures,
		c.SpeakerLines,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		AdvertiseCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advertise_cycles_total",
			Help:      "Completed advertise cycles by result.",
		}, []string{labelResult}),

		HealthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "healthchecks_total",
			Help:      "Health check runs per target and result.",
		}, []string{labelTarget, labelResult}),

		HealthyPrefixes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy_prefixes",
			Help:      "Number of prefixes considered healthy after the last cycle.",
		}),

		FibOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fib_operations_total",
			Help:      "Route programming attempts per FIB, operation and result.",
		}, []string{labelFib, labelOp, labelResult}),

		IntentQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "intent_queue_depth",
			Help:      "Intent batches waiting for the FIB consumer.",
		}),

		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Speaker messages dropped as malformed.",
		}),

		SpeakerLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speaker_lines_total",
			Help:      "Lines exchanged with the BGP speaker by direction (read/write).",
		}, []string{labelDirection}),
	}
}

// -------------------------------------------------------------------------
// Advertise Path
// -------------------------------------------------------------------------

// RecordAdvertiseCycle increments the cycle counter with the given result.
func (c *Collector) RecordAdvertiseCycle(result string) {
	c.AdvertiseCycles.WithLabelValues(result).Inc()
}

// RecordHealthCheck increments the health check counter for a target.
func (c *Collector) RecordHealthCheck(target string, healthy bool) {
	result := ResultFailed
	if healthy {
		result = ResultOK
	}
	c.HealthChecks.WithLabelValues(target, result).Inc()
}

// SetHealthyPrefixes updates the healthy prefix gauge.
func (c *Collector) SetHealthyPrefixes(n int) {
	c.HealthyPrefixes.Set(float64(n))
}

// -------------------------------------------------------------------------
// Learn Path
// -------------------------------------------------------------------------

// RecordFibOperation increments the FIB operation counter.
func (c *Collector) RecordFibOperation(fib, op string, ok bool) {
	result := ResultFailed
	if ok {
		result = ResultOK
	}
	c.FibOperations.WithLabelValues(fib, op, result).Inc()
}

// SetIntentQueueDepth updates the intent queue depth gauge.
func (c *Collector) SetIntentQueueDepth(n int) {
	c.IntentQueueDepth.Set(float64(n))
}

// IncParseFailures increments the malformed message counter.
func (c *Collector) IncParseFailures() {
	c.ParseFailures.Inc()
}

// IncSpeakerLines increments the speaker line counter for a direction
// ("read" or "write").
func (c *Collector) IncSpeakerLines(direction string) {
	c.SpeakerLines.WithLabelValues(direction).Inc()
}
