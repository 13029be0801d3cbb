// Package detector implements the Anomaly Detector (spec §4.4): a 10s
// rescan of recent traces that looks up the relevant baseline, computes a
// sigma deviation, assigns severity, and deduplicates by span identity.
package detector

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kx-platform/trace-anomaly/internal/domain"
	"github.com/kx-platform/trace-anomaly/internal/tracing"
	"github.com/kx-platform/trace-anomaly/internal/ttlcache"
)

const (
	lookback      = time.Minute
	perServiceCap = 2000

	inspectedCap   = 1000
	inspectedTrim  = 500

	minStdDevMS = 1.0
)

// TraceSource is the subset of the Trace Source Adapter used here.
type TraceSource interface {
	FetchRecent(ctx context.Context, service string, lookback time.Duration, limit int) ([]domain.Trace, error)
}

// TimeBaselines resolves the time-bucketed fallback chain (spec §4.3).
type TimeBaselines interface {
	GetBaselineWithFallback(spanKey string, dayOfWeek, hourOfDay, minSamples int) (domain.TimeBaseline, bool)
}

// SpanBaselines resolves the Online Profiler's plain baseline fallback.
type SpanBaselines interface {
	GetBaseline(service, operation string) (domain.SpanBaseline, bool)
}

// Store persists detected anomalies asynchronously.
type Store interface {
	InsertAnomalyIfAbsent(ctx context.Context, a domain.Anomaly) error
}

// StreamEnqueuer is the subset of the Stream Analyzer the detector pushes
// sev<=3 anomalies into.
type StreamEnqueuer interface {
	Enqueue(a domain.Anomaly)
}

// Detector tracks active anomalies and per-service health.
type Detector struct {
	source        TraceSource
	timeBaselines TimeBaselines
	spanBaselines SpanBaselines
	store         Store
	stream        StreamEnqueuer
	services      []string
	minSamples    int
	retention     time.Duration
	log           zerolog.Logger

	inspected *ttlcache.Cache[struct{}]

	mu     sync.RWMutex
	active map[string]domain.Anomaly
}

// New creates a Detector. minSamples is the single effective
// MIN_SAMPLES_FOR_LATENCY (spec §9 Open Question 1).
func New(source TraceSource, timeBaselines TimeBaselines, spanBaselines SpanBaselines, store Store, stream StreamEnqueuer, services []string, minSamples int, retention time.Duration, log zerolog.Logger) *Detector {
	return &Detector{
		source:        source,
		timeBaselines: timeBaselines,
		spanBaselines: spanBaselines,
		store:         store,
		stream:        stream,
		services:      services,
		minSamples:    minSamples,
		retention:     retention,
		log:           log,
		inspected:     ttlcache.New[struct{}](inspectedCap),
		active:        make(map[string]domain.Anomaly),
	}
}

// Active returns every currently active anomaly, newest first.
func (d *Detector) Active() []domain.Anomaly {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Anomaly, 0, len(d.active))
	for _, a := range d.active {
		out = append(out, a)
	}
	sortByTimestampDesc(out)
	return out
}

// ServiceStatus is critical/warning/healthy per spec §4.4.
type ServiceStatus struct {
	Service string `json:"service"`
	Status  string `json:"status"`
}

// Health derives per-service status from currently active anomalies.
func (d *Detector) Health() []ServiceStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	bySeverity := make(map[string][]domain.Severity)
	for _, a := range d.active {
		bySeverity[a.Service] = append(bySeverity[a.Service], a.Severity)
	}

	out := make([]ServiceStatus, 0, len(d.services))
	for _, svc := range d.services {
		status := "healthy"
		for _, sev := range bySeverity[svc] {
			if sev <= domain.SeverityMajor {
				status = "critical"
				break
			}
			if sev == domain.SeverityModerate || sev == domain.SeverityMinor {
				status = "warning"
			}
		}
		out = append(out, ServiceStatus{Service: svc, Status: status})
	}
	return out
}

// Scan performs one detection cycle: fetch last-minute traces per service,
// dedupe, classify, store.
func (d *Detector) Scan(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, tracing.Tracer("detector"), "detector.scan")
	defer span.End()

	d.expireActive(time.Now())

	seenTraces := make(map[string]struct{})

	for _, service := range d.services {
		traces, err := d.source.FetchRecent(ctx, service, lookback, perServiceCap)
		if err != nil {
			d.log.Warn().Err(err).Str("service", service).Msg("detector: fetch failed, skipping this cycle")
			continue
		}
		for _, tr := range traces {
			if _, dup := seenTraces[tr.TraceID]; dup {
				continue
			}
			seenTraces[tr.TraceID] = struct{}{}
			for _, s := range tr.Spans {
				d.inspect(ctx, s)
			}
		}
	}

	if d.inspected.Len() >= inspectedCap {
		d.inspected.TrimTo(inspectedTrim)
	}
}

func (d *Detector) inspect(ctx context.Context, s domain.Span) {
	dedupeKey := s.TraceID + "-" + s.SpanID
	if _, seen := d.inspected.Get(dedupeKey); seen {
		return
	}
	d.inspected.Put(dedupeKey, struct{}{})

	mean, stdDev, sampleCount, thresholds, ok := d.resolveBaseline(s)
	if !ok || sampleCount < d.minSamples || stdDev < minStdDevMS {
		return
	}

	deviation := (s.DurationMS - mean) / stdDev
	if deviation < thresholds.Sev5 {
		return
	}

	severity, ok := thresholds.Classify(deviation)
	if !ok {
		return
	}

	anomaly := domain.Anomaly{
		ID:             dedupeKey,
		TraceID:        s.TraceID,
		SpanID:         s.SpanID,
		Service:        s.Service,
		Operation:      s.Operation,
		Value:          s.DurationMS,
		ExpectedMean:   mean,
		ExpectedStdDev: stdDev,
		Deviation:      deviation,
		Severity:       severity,
		Timestamp:      s.StartTime,
		Attributes:     s.Attributes,
		DayOfWeek:      int(s.StartTime.Weekday()),
		HourOfDay:      s.StartTime.Hour(),
	}

	d.mu.Lock()
	d.active[anomaly.ID] = anomaly
	d.mu.Unlock()

	if d.store != nil {
		go func() {
			if err := d.store.InsertAnomalyIfAbsent(context.Background(), anomaly); err != nil {
				d.log.Error().Err(err).Str("anomaly_id", anomaly.ID).Msg("detector: failed to persist anomaly")
			}
		}()
	}

	if severity <= domain.SeverityModerate && d.stream != nil {
		d.stream.Enqueue(anomaly)
	}
}

// resolveBaseline tries the time-bucketed fallback chain first, then the
// plain online-profiler baseline (spec §4.4).
func (d *Detector) resolveBaseline(s domain.Span) (mean, stdDev float64, sampleCount int, thresholds domain.AdaptiveThresholds, ok bool) {
	if d.timeBaselines != nil {
		if tb, found := d.timeBaselines.GetBaselineWithFallback(s.Key(), int(s.StartTime.Weekday()), s.StartTime.Hour(), d.minSamples); found {
			return tb.Mean, tb.StdDev, tb.SampleCount, tb.Thresholds, true
		}
	}
	if d.spanBaselines != nil {
		if sb, found := d.spanBaselines.GetBaseline(s.Service, s.Operation); found {
			return sb.Mean, sb.StdDev, sb.SampleCount, domain.DefaultThresholds, true
		}
	}
	return 0, 0, 0, domain.AdaptiveThresholds{}, false
}

func (d *Detector) expireActive(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, a := range d.active {
		if now.Sub(a.Timestamp) > d.retention {
			delete(d.active, id)
		}
	}
}

func sortByTimestampDesc(anomalies []domain.Anomaly) {
	for i := 1; i < len(anomalies); i++ {
		for j := i; j > 0 && anomalies[j-1].Timestamp.Before(anomalies[j].Timestamp); j-- {
			anomalies[j-1], anomalies[j] = anomalies[j], anomalies[j-1]
		}
	}
}

// Run polls Scan every interval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Detector) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("detector: recovered from panic, continuing")
		}
	}()
	d.Scan(ctx)
}
