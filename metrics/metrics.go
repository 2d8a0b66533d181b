// Package metrics exports filemon counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jnesss/filemon/filemon"
	"github.com/jnesss/filemon/ktrace"
)

const namespace = "filemon"

// Collector counts what a session and its pipeline do. It implements
// filemon.Metrics.
type Collector struct {
	registry *prometheus.Registry

	frames    *prometheus.CounterVec
	anomalies *prometheus.CounterVec
	lines     *prometheus.CounterVec
	dropped   prometheus.Counter
	matches   *prometheus.CounterVec
	errors    *prometheus.CounterVec
}

// New creates a collector registered on its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Trace frames dispatched, by record type.",
		}, []string{"type"}),
		anomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Trace records dropped as protocol anomalies, by reason.",
		}, []string{"reason"}),
		lines: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_total",
			Help:      "Log lines emitted, by operation.",
		}, []string{"op"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "dropped_total",
			Help:      "Lines dropped because the observer queue was full.",
		}),
		matches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sigma",
			Name:      "matches_total",
			Help:      "Sigma rule matches, by rule id.",
		}, []string{"rule"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "errors_total",
			Help:      "Observer failures, by stage.",
		}, []string{"stage"}),
	}
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) FrameDispatched(recordType uint16) {
	c.frames.WithLabelValues(recordTypeName(recordType)).Inc()
}

func (c *Collector) AnomalyObserved(a filemon.Anomaly) {
	c.anomalies.WithLabelValues(a.String()).Inc()
}

func (c *Collector) LineEmitted(op byte) {
	c.lines.WithLabelValues(string(op)).Inc()
}

// LineDropped counts a line the pipeline could not queue.
func (c *Collector) LineDropped() {
	c.dropped.Inc()
}

// RuleMatched counts a Sigma match.
func (c *Collector) RuleMatched(ruleID string) {
	c.matches.WithLabelValues(ruleID).Inc()
}

// StageFailed counts an observer error.
func (c *Collector) StageFailed(stage string) {
	c.errors.WithLabelValues(stage).Inc()
}

func recordTypeName(t uint16) string {
	switch t {
	case ktrace.TypeSyscall:
		return "syscall"
	case ktrace.TypeSysret:
		return "sysret"
	case ktrace.TypeNamei:
		return "namei"
	}
	return "other"
}
