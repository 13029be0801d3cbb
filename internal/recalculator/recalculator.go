// Package recalculator implements the Time-Bucketed Recalculator (spec
// §4.3): a 30-day lookback rebuild of TimeBaselines keyed by
// (spanKey, dayOfWeek, hourOfDay), with per-bucket adaptive thresholds and
// per-service watermarks for incremental runs.
//
// The per-service loop — fetch, process, and persist one service at a
// time while tolerating another service's failure — is adapted from the
// teacher's replication engine (internal/replication/replication_engine_v1.go),
// which applies the same "continue past one destination's failure"
// pattern to multi-region replication.
package recalculator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kx-platform/trace-anomaly/internal/domain"
	"github.com/kx-platform/trace-anomaly/internal/stats"
	"github.com/kx-platform/trace-anomaly/internal/tracing"
)

const tracesPerServiceLimit = 5000

// TraceSource is the subset of the Trace Source Adapter used here.
type TraceSource interface {
	FetchSince(ctx context.Context, service string, startMicros, endMicros int64, limit int) ([]domain.Trace, error)
}

// Store is the subset of the History Store used here.
type Store interface {
	UpsertTimeBaselines(ctx context.Context, baselines []domain.TimeBaseline) error
	UpsertSpanBaselines(ctx context.Context, baselines []domain.SpanBaseline) error
	GetWatermark(ctx context.Context, service string) (domain.RecalculationWatermark, bool, error)
	SetWatermark(ctx context.Context, wm domain.RecalculationWatermark) error
	ClearWatermarks(ctx context.Context) error
}

// Result summarizes one recalculation run for the control surface.
type Result struct {
	Success        bool
	Message        string
	BaselinesCount int
	IsIncremental  bool
}

// Recalculator owns the in-memory TimeBaselines and the mutual-exclusion
// flag guarding recalculation runs.
type Recalculator struct {
	source   TraceSource
	store    Store
	services []string
	hotWindow time.Duration
	log      zerolog.Logger

	mu            sync.RWMutex
	buckets       map[bucketKey]domain.TimeBaseline
	calculating   sync.Mutex
	isCalculating bool
}

type bucketKey struct {
	spanKey   string
	dayOfWeek int
	hourOfDay int
}

// New creates a Recalculator over the given monitored services.
func New(source TraceSource, store Store, services []string, hotWindow time.Duration, log zerolog.Logger) *Recalculator {
	return &Recalculator{
		source:    source,
		store:     store,
		services:  services,
		hotWindow: hotWindow,
		log:       log,
		buckets:   make(map[bucketKey]domain.TimeBaseline),
	}
}

// All returns every in-memory TimeBaseline, for the control surface's
// `timeBaselines()` operation.
func (r *Recalculator) All() []domain.TimeBaseline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TimeBaseline, 0, len(r.buckets))
	for _, b := range r.buckets {
		out = append(out, b)
	}
	return out
}

// IsCalculating reports whether a recalculation run is currently in
// progress, for the control surface's status surface.
func (r *Recalculator) IsCalculating() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isCalculating
}

// GetBaselineWithFallback implements the fallback chain from spec §4.3:
// exact bucket, then same hour across all days, then same day across all
// hours, then any bucket for that spanKey — returning the first whose
// sampleCount is at least minSamples.
func (r *Recalculator) GetBaselineWithFallback(spanKey string, dayOfWeek, hourOfDay, minSamples int) (domain.TimeBaseline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if b, ok := r.buckets[bucketKey{spanKey, dayOfWeek, hourOfDay}]; ok && b.SampleCount >= minSamples {
		return b, true
	}

	for k, b := range r.buckets {
		if k.spanKey != spanKey || b.SampleCount < minSamples {
			continue
		}
		if k.hourOfDay == hourOfDay {
			return b, true
		}
	}

	for k, b := range r.buckets {
		if k.spanKey != spanKey || b.SampleCount < minSamples {
			continue
		}
		if k.dayOfWeek == dayOfWeek {
			return b, true
		}
	}

	for k, b := range r.buckets {
		if k.spanKey != spanKey || b.SampleCount < minSamples {
			continue
		}
		return b, true
	}

	return domain.TimeBaseline{}, false
}

// Run executes one recalculation pass. full clears every watermark first,
// forcing a complete 30-day rebuild; otherwise each service resumes from
// its own watermark. A concurrent call while one is already running is
// refused without side effects (spec §4.3, §5).
func (r *Recalculator) Run(ctx context.Context, full bool) Result {
	if !r.calculating.TryLock() {
		return Result{Success: false, Message: "Calculation already in progress"}
	}
	r.setCalculating(true)
	defer func() {
		r.setCalculating(false)
		r.calculating.Unlock()
	}()

	ctx, span := tracing.StartSpan(ctx, tracing.Tracer("recalculator"), "recalculator.run")
	defer span.End()

	if full {
		if err := r.store.ClearWatermarks(ctx); err != nil {
			r.log.Error().Err(err).Msg("recalculator: failed to clear watermarks for full run")
			return Result{Success: false, Message: fmt.Sprintf("clear watermarks: %v", err)}
		}
	}

	now := time.Now()
	totalBaselines := 0
	anyIncremental := false

	for _, service := range r.services {
		n, incremental, err := r.runService(ctx, service, now)
		if err != nil {
			r.log.Error().Err(err).Str("service", service).Msg("recalculator: service run failed, watermark left untouched")
			continue
		}
		totalBaselines += n
		if incremental {
			anyIncremental = true
		}
	}

	return Result{
		Success:        true,
		BaselinesCount: totalBaselines,
		IsIncremental:  anyIncremental && !full,
	}
}

func (r *Recalculator) setCalculating(v bool) {
	r.mu.Lock()
	r.isCalculating = v
	r.mu.Unlock()
}

// runService processes one monitored service end to end: fetch since its
// watermark (or the hot-window start), bucket every span, upsert, and only
// then advance the watermark (spec §9: "advance only after successful
// upsert").
func (r *Recalculator) runService(ctx context.Context, service string, now time.Time) (baselineCount int, incremental bool, err error) {
	wm, hasWM, err := r.store.GetWatermark(ctx, service)
	if err != nil {
		return 0, false, fmt.Errorf("load watermark for %s: %w", service, err)
	}

	start := now.Add(-r.hotWindow)
	if hasWM && !wm.LastTraceTime.IsZero() {
		start = wm.LastTraceTime
		incremental = true
	}

	traces, err := r.source.FetchSince(ctx, service, start.UnixMicro(), now.UnixMicro(), tracesPerServiceLimit)
	if err != nil {
		// Transient remote unavailable: treat as empty, not fatal (spec §7).
		r.log.Warn().Err(err).Str("service", service).Msg("recalculator: fetch failed, skipping this service")
		return 0, incremental, nil
	}

	byBucket := make(map[bucketKey][]float64)
	byKey := make(map[string][]float64)
	var maxSeen time.Time

	for _, tr := range traces {
		for _, s := range tr.Spans {
			if s.StartTime.After(maxSeen) {
				maxSeen = s.StartTime
			}
			dow := int(s.StartTime.Weekday())
			hour := s.StartTime.Hour()
			bk := bucketKey{spanKey: s.Key(), dayOfWeek: dow, hourOfDay: hour}
			byBucket[bk] = append(byBucket[bk], s.DurationMS)
			byKey[s.Key()] = append(byKey[s.Key()], s.DurationMS)
		}
	}

	timeBaselines := make([]domain.TimeBaseline, 0, len(byBucket))
	for bk, durations := range byBucket {
		res := stats.ComputeTwoPass(durations)
		deviations := make([]float64, len(durations))
		for i, d := range durations {
			if res.StdDev > 0 {
				deviations[i] = (d - res.Mean) / res.StdDev
			}
		}
		thresholds := stats.DeriveThresholds(deviations)

		timeBaselines = append(timeBaselines, domain.TimeBaseline{
			SpanKey:     bk.spanKey,
			DayOfWeek:   bk.dayOfWeek,
			HourOfDay:   bk.hourOfDay,
			Mean:        res.Mean,
			StdDev:      res.StdDev,
			Variance:    res.Variance,
			P50:         res.Percentiles.P50,
			P95:         res.Percentiles.P95,
			P99:         res.Percentiles.P99,
			Min:         res.Percentiles.Min,
			Max:         res.Percentiles.Max,
			SampleCount: res.SampleCount,
			LastUpdated: now,
			Thresholds:  thresholds,
		})
	}

	spanBaselines := make([]domain.SpanBaseline, 0, len(byKey))
	for key, durations := range byKey {
		res := stats.ComputeTwoPass(durations)
		spanBaselines = append(spanBaselines, domain.SpanBaseline{
			SpanKey:     key,
			Mean:        res.Mean,
			StdDev:      res.StdDev,
			Variance:    res.Variance,
			P50:         res.Percentiles.P50,
			P95:         res.Percentiles.P95,
			P99:         res.Percentiles.P99,
			Min:         res.Percentiles.Min,
			Max:         res.Percentiles.Max,
			SampleCount: res.SampleCount,
			LastUpdated: now,
		})
	}

	if len(timeBaselines) > 0 {
		if err := r.store.UpsertTimeBaselines(ctx, timeBaselines); err != nil {
			return 0, incremental, fmt.Errorf("upsert time baselines for %s: %w", service, err)
		}
	}
	if len(spanBaselines) > 0 {
		if err := r.store.UpsertSpanBaselines(ctx, spanBaselines); err != nil {
			return 0, incremental, fmt.Errorf("upsert span baselines for %s: %w", service, err)
		}
	}

	r.mu.Lock()
	for _, tb := range timeBaselines {
		r.buckets[bucketKey{tb.SpanKey, tb.DayOfWeek, tb.HourOfDay}] = tb
	}
	r.mu.Unlock()

	if !maxSeen.IsZero() {
		if err := r.store.SetWatermark(ctx, domain.RecalculationWatermark{
			Service:          service,
			LastTraceTime:    maxSeen,
			ProcessingStatus: "completed",
		}); err != nil {
			return len(timeBaselines), incremental, fmt.Errorf("advance watermark for %s: %w", service, err)
		}
	}

	return len(timeBaselines), incremental, nil
}
