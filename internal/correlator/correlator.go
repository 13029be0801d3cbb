// Package correlator implements the Metrics Correlator (spec §4.6): an
// instant-query snapshot of system metrics alongside rule-based health
// insights, used to give an anomaly surrounding operational context
// before it is handed to the Stream Analyzer.
package correlator

import (
	"context"
	"time"
)

// Querier is the subset of the metrics client the correlator uses.
type Querier interface {
	QueryInstant(ctx context.Context, expr string, at time.Time) (float64, bool)
}

// Snapshot is the six operational signals captured at one instant.
type Snapshot struct {
	CPUPercent       float64
	MemoryMB         float64
	RequestsPerSec   float64
	ErrorRatePercent float64
	P99LatencyMS     float64
	ActiveConns      float64
}

// Insight is a single rule-derived observation about a Snapshot.
type Insight struct {
	Metric   string
	Level    string // "warning" | "critical"
	Message  string
}

// Summary is the correlator's full response for one service.
type Summary struct {
	Service  string
	Snapshot Snapshot
	Insights []Insight
	Healthy  bool
}

// Correlator queries a metrics backend and derives rule-based insights.
type Correlator struct {
	metrics Querier
}

// New creates a Correlator over the given metrics querier.
func New(metrics Querier) *Correlator {
	return &Correlator{metrics: metrics}
}

const (
	cpuWarn, cpuHigh, cpuCritical       = 70.0, 80.0, 90.0
	memWarn, memCritical                = 512.0, 1024.0
	errWarn, errHigh, errCritical       = 1.0, 5.0, 10.0
	rpsNotable                          = 100.0
	activeConnsNotable                  = 100.0
)

// Snapshot queries the six instant metrics for a service at the given
// timestamp. Any individual query that fails to resolve is left at zero
// rather than failing the whole snapshot (spec §7: partial-failure
// tolerance).
func (c *Correlator) Snapshot(ctx context.Context, service string, at time.Time) Snapshot {
	query := func(expr string) float64 {
		v, ok := c.metrics.QueryInstant(ctx, expr, at)
		if !ok {
			return 0
		}
		return v
	}

	return Snapshot{
		CPUPercent:       query(`avg(rate(process_cpu_seconds_total{service="` + service + `"}[1m])) * 100`),
		MemoryMB:         query(`avg(process_resident_memory_bytes{service="` + service + `"}) / 1048576`),
		RequestsPerSec:   query(`sum(rate(http_requests_total{service="` + service + `"}[1m]))`),
		ErrorRatePercent: query(`sum(rate(http_requests_total{service="` + service + `",status=~"5.."}[1m])) / sum(rate(http_requests_total{service="` + service + `"}[1m])) * 100`),
		P99LatencyMS:     query(`histogram_quantile(0.99, sum(rate(http_request_duration_seconds_bucket{service="` + service + `"}[1m])) by (le)) * 1000`),
		ActiveConns:      query(`sum(active_connections{service="` + service + `"})`),
	}
}

// Correlate builds a full Summary for a service at the given timestamp:
// snapshot plus derived insights and an overall health verdict. Per spec
// §4.6, Healthy is true only when no insight was derived at all.
func (c *Correlator) Correlate(ctx context.Context, service string, at time.Time) Summary {
	snap := c.Snapshot(ctx, service, at)
	insights := deriveInsights(snap)
	healthy := len(insights) == 0

	return Summary{Service: service, Snapshot: snap, Insights: insights, Healthy: healthy}
}

func deriveInsights(s Snapshot) []Insight {
	var out []Insight

	switch {
	case s.CPUPercent >= cpuCritical:
		out = append(out, Insight{Metric: "cpu", Level: "critical", Message: "CPU usage critically high"})
	case s.CPUPercent >= cpuHigh:
		out = append(out, Insight{Metric: "cpu", Level: "warning", Message: "CPU usage elevated"})
	case s.CPUPercent >= cpuWarn:
		out = append(out, Insight{Metric: "cpu", Level: "warning", Message: "CPU usage trending up"})
	}

	switch {
	case s.MemoryMB >= memCritical:
		out = append(out, Insight{Metric: "memory", Level: "critical", Message: "memory usage critically high"})
	case s.MemoryMB >= memWarn:
		out = append(out, Insight{Metric: "memory", Level: "warning", Message: "memory usage elevated"})
	}

	switch {
	case s.ErrorRatePercent >= errCritical:
		out = append(out, Insight{Metric: "error_rate", Level: "critical", Message: "error rate critically high"})
	case s.ErrorRatePercent >= errHigh:
		out = append(out, Insight{Metric: "error_rate", Level: "warning", Message: "error rate elevated"})
	case s.ErrorRatePercent >= errWarn:
		out = append(out, Insight{Metric: "error_rate", Level: "warning", Message: "error rate trending up"})
	}

	if s.RequestsPerSec >= rpsNotable {
		out = append(out, Insight{Metric: "rps", Level: "warning", Message: "request volume above baseline"})
	}
	if s.ActiveConns >= activeConnsNotable {
		out = append(out, Insight{Metric: "active_connections", Level: "warning", Message: "connection count above baseline"})
	}

	return out
}
