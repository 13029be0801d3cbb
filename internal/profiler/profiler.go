// Package profiler implements the Online Profiler (spec §4.2): a 30s poll
// that rebuilds each spanKey's SpanBaseline as a sliding-window summary
// over the last hour, replacing rather than appending.
package profiler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kx-platform/trace-anomaly/internal/domain"
	"github.com/kx-platform/trace-anomaly/internal/stats"
	"github.com/kx-platform/trace-anomaly/internal/tracing"
)

// TraceSource is the subset of the Trace Source Adapter the profiler uses.
type TraceSource interface {
	FetchRecent(ctx context.Context, service string, lookback time.Duration, limit int) ([]domain.Trace, error)
}

// Store persists refreshed baselines (History Store's upsert surface).
type Store interface {
	UpsertSpanBaselines(ctx context.Context, baselines []domain.SpanBaseline) error
}

const (
	window      = time.Hour
	windowLimit = 5000
)

// Profiler keeps one current SpanBaseline per spanKey.
type Profiler struct {
	source   TraceSource
	store    Store
	services []string
	log      zerolog.Logger

	mu        sync.RWMutex
	baselines map[string]domain.SpanBaseline
}

// New creates a Profiler over the given monitored services.
func New(source TraceSource, store Store, services []string, log zerolog.Logger) *Profiler {
	return &Profiler{
		source:    source,
		store:     store,
		services:  services,
		log:       log,
		baselines: make(map[string]domain.SpanBaseline),
	}
}

// GetBaseline returns the current baseline for (service, operation), if any.
func (p *Profiler) GetBaseline(service, operation string) (domain.SpanBaseline, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.baselines[domain.SpanKey(service, operation)]
	return b, ok
}

// All returns every current baseline, for the control surface's
// `baselines()` operation.
func (p *Profiler) All() []domain.SpanBaseline {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.SpanBaseline, 0, len(p.baselines))
	for _, b := range p.baselines {
		out = append(out, b)
	}
	return out
}

// Refresh fetches one window per monitored service, regroups by spanKey,
// and replaces each key's baseline with the batch's statistics. A spanKey
// that disappears from this window keeps its last baseline (spec §4.2).
func (p *Profiler) Refresh(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, tracing.Tracer("profiler"), "profiler.refresh")
	defer span.End()

	byKey := make(map[string][]float64)
	now := time.Now()

	for _, service := range p.services {
		traces, err := p.source.FetchRecent(ctx, service, window, windowLimit)
		if err != nil {
			p.log.Warn().Err(err).Str("service", service).Msg("profiler: fetch failed, skipping this cycle")
			continue
		}
		for _, tr := range traces {
			for _, s := range tr.Spans {
				byKey[s.Key()] = append(byKey[s.Key()], s.DurationMS)
			}
		}
	}

	span.SetAttributes(attribute.Int("span_keys", len(byKey)))

	updated := make([]domain.SpanBaseline, 0, len(byKey))
	for key, durations := range byKey {
		res := stats.ComputeTwoPass(durations)
		baseline := domain.SpanBaseline{
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
		}
		updated = append(updated, baseline)
	}

	p.mu.Lock()
	for _, b := range updated {
		p.baselines[b.SpanKey] = b
	}
	p.mu.Unlock()

	if p.store != nil && len(updated) > 0 {
		if err := p.store.UpsertSpanBaselines(ctx, updated); err != nil {
			p.log.Error().Err(err).Msg("profiler: failed to persist span baselines")
			return err
		}
	}

	return nil
}

// Run polls Refresh every interval until ctx is cancelled.
func (p *Profiler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Profiler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("profiler: recovered from panic, continuing")
		}
	}()
	if err := p.Refresh(ctx); err != nil {
		p.log.Warn().Err(err).Msg("profiler: refresh cycle failed")
	}
}
