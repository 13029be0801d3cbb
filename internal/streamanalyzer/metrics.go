package streamanalyzer

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus instruments the Stream Analyzer exposes
// (spec §4.7): total analyses by status and use case, events by severity,
// a dispatch duration histogram, a queue-depth gauge, and dropped events
// by reason.
type metrics struct {
	analysesTotal    *prometheus.CounterVec
	eventsBySeverity *prometheus.CounterVec
	dispatchSeconds  prometheus.Histogram
	queueDepth       prometheus.Gauge
	droppedTotal     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		analysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trace_anomaly",
			Subsystem: "stream_analyzer",
			Name:      "analyses_total",
			Help:      "Completed LLM analyses by status and use case.",
		}, []string{"status", "use_case"}),
		eventsBySeverity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trace_anomaly",
			Subsystem: "stream_analyzer",
			Name:      "events_by_severity_total",
			Help:      "Anomalies enqueued for analysis by severity tier.",
		}, []string{"severity"}),
		dispatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trace_anomaly",
			Subsystem: "stream_analyzer",
			Name:      "dispatch_seconds",
			Help:      "Duration of a batch dispatch to the LLM backend.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trace_anomaly",
			Subsystem: "stream_analyzer",
			Name:      "queue_depth",
			Help:      "Current number of anomalies pending analysis.",
		}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trace_anomaly",
			Subsystem: "stream_analyzer",
			Name:      "dropped_total",
			Help:      "Anomalies dropped before analysis, by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(m.analysesTotal, m.eventsBySeverity, m.dispatchSeconds, m.queueDepth, m.droppedTotal)
	}
	return m
}
