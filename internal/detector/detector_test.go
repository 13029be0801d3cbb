package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kx-platform/trace-anomaly/internal/domain"
)

type fakeSource struct {
	traces []domain.Trace
}

func (f fakeSource) FetchRecent(ctx context.Context, service string, lookback time.Duration, limit int) ([]domain.Trace, error) {
	return f.traces, nil
}

type fakeTimeBaselines struct {
	baseline domain.TimeBaseline
	found    bool
}

func (f fakeTimeBaselines) GetBaselineWithFallback(spanKey string, dayOfWeek, hourOfDay, minSamples int) (domain.TimeBaseline, bool) {
	return f.baseline, f.found
}

type fakeSpanBaselines struct {
	baseline domain.SpanBaseline
	found    bool
}

func (f fakeSpanBaselines) GetBaseline(service, operation string) (domain.SpanBaseline, bool) {
	return f.baseline, f.found
}

type fakeStore struct {
	mu       sync.Mutex
	inserted []domain.Anomaly
}

func (f *fakeStore) InsertAnomalyIfAbsent(ctx context.Context, a domain.Anomaly) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, a)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

// waitForCount polls until at least want inserts have arrived or a second
// has passed; the detector persists from a goroutine.
func (f *fakeStore) waitForCount(want int) int {
	deadline := time.Now().Add(time.Second)
	for f.count() < want && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return f.count()
}

type fakeStream struct {
	mu       sync.Mutex
	enqueued []domain.Anomaly
}

func (f *fakeStream) Enqueue(a domain.Anomaly) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, a)
}

func span(traceID, spanID, service, op string, durationMS float64) domain.Span {
	return domain.Span{
		TraceID: traceID, SpanID: spanID, Service: service, Operation: op,
		DurationMS: durationMS, StartTime: time.Now(),
	}
}

func TestScanFlagsOutlierAgainstTimeBaseline(t *testing.T) {
	source := fakeSource{traces: []domain.Trace{
		{TraceID: "t1", Spans: []domain.Span{span("t1", "s1", "kx-wallet", "withdraw", 500)}},
	}}
	tb := fakeTimeBaselines{found: true, baseline: domain.TimeBaseline{
		Mean: 10, StdDev: 2, SampleCount: 600, Thresholds: domain.DefaultThresholds,
	}}
	store := &fakeStore{}
	stream := &fakeStream{}

	d := New(source, tb, fakeSpanBaselines{}, store, stream, []string{"kx-wallet"}, 500, 5*time.Minute, zerolog.Nop())
	d.Scan(context.Background())

	active := d.Active()
	if len(active) != 1 {
		t.Fatalf("got %d active anomalies, want 1", len(active))
	}
	if active[0].Severity != domain.SeverityCritical {
		t.Errorf("Severity = %v, want Critical for a (500-10)/2=245 sigma deviation", active[0].Severity)
	}
	if got := store.waitForCount(1); got != 1 {
		t.Errorf("expected one async insert to arrive, got %d", got)
	}
}

func TestScanSkipsBelowMinSamples(t *testing.T) {
	source := fakeSource{traces: []domain.Trace{
		{TraceID: "t1", Spans: []domain.Span{span("t1", "s1", "kx-wallet", "withdraw", 500)}},
	}}
	tb := fakeTimeBaselines{found: true, baseline: domain.TimeBaseline{
		Mean: 10, StdDev: 2, SampleCount: 5, Thresholds: domain.DefaultThresholds,
	}}
	d := New(source, tb, fakeSpanBaselines{}, &fakeStore{}, &fakeStream{}, []string{"kx-wallet"}, 500, 5*time.Minute, zerolog.Nop())
	d.Scan(context.Background())

	if len(d.Active()) != 0 {
		t.Fatalf("expected no anomalies below MinSamples, got %d", len(d.Active()))
	}
}

func TestScanFallsBackToSpanBaselineWhenNoTimeBaseline(t *testing.T) {
	source := fakeSource{traces: []domain.Trace{
		{TraceID: "t1", Spans: []domain.Span{span("t1", "s1", "kx-wallet", "withdraw", 500)}},
	}}
	sb := fakeSpanBaselines{found: true, baseline: domain.SpanBaseline{Mean: 10, StdDev: 2, SampleCount: 600}}
	d := New(source, fakeTimeBaselines{}, sb, &fakeStore{}, &fakeStream{}, []string{"kx-wallet"}, 500, 5*time.Minute, zerolog.Nop())
	d.Scan(context.Background())

	if len(d.Active()) != 1 {
		t.Fatalf("expected fallback to span baseline to flag the anomaly, got %d", len(d.Active()))
	}
}

func TestScanDeduplicatesByTraceAndSpan(t *testing.T) {
	sp := span("t1", "s1", "kx-wallet", "withdraw", 500)
	source := fakeSource{traces: []domain.Trace{{TraceID: "t1", Spans: []domain.Span{sp}}}}
	tb := fakeTimeBaselines{found: true, baseline: domain.TimeBaseline{Mean: 10, StdDev: 2, SampleCount: 600, Thresholds: domain.DefaultThresholds}}
	store := &fakeStore{}
	d := New(source, tb, fakeSpanBaselines{}, store, &fakeStream{}, []string{"kx-wallet"}, 500, 5*time.Minute, zerolog.Nop())

	d.Scan(context.Background())
	d.Scan(context.Background())

	if got := store.waitForCount(1); got != 1 {
		t.Errorf("expected exactly one insert across two scans of the same span, got %d", got)
	}
}

func TestHealthDerivesCriticalFromHighSeverity(t *testing.T) {
	d := New(fakeSource{}, fakeTimeBaselines{}, fakeSpanBaselines{}, &fakeStore{}, &fakeStream{}, []string{"kx-wallet", "kx-auth"}, 500, 5*time.Minute, zerolog.Nop())
	d.active["a1"] = domain.Anomaly{Service: "kx-wallet", Severity: domain.SeverityCritical, Timestamp: time.Now()}

	statuses := d.Health()
	byService := map[string]string{}
	for _, s := range statuses {
		byService[s.Service] = s.Status
	}
	if byService["kx-wallet"] != "critical" {
		t.Errorf("kx-wallet status = %q, want critical", byService["kx-wallet"])
	}
	if byService["kx-auth"] != "healthy" {
		t.Errorf("kx-auth status = %q, want healthy", byService["kx-auth"])
	}
}

func TestStreamEnqueueOnlyForModerateOrAbove(t *testing.T) {
	sp := span("t1", "s1", "kx-wallet", "withdraw", 13.5)
	source := fakeSource{traces: []domain.Trace{{TraceID: "t1", Spans: []domain.Span{sp}}}}
	// deviation (13.5-10)/2 = 1.75 sigma: Minor (sev4 threshold 1.65), which is
	// recorded as an anomaly but is below the Moderate cutoff for streaming
	tb := fakeTimeBaselines{found: true, baseline: domain.TimeBaseline{Mean: 10, StdDev: 2, SampleCount: 600, Thresholds: domain.DefaultThresholds}}
	stream := &fakeStream{}
	d := New(source, tb, fakeSpanBaselines{}, &fakeStore{}, stream, []string{"kx-wallet"}, 500, 5*time.Minute, zerolog.Nop())
	d.Scan(context.Background())

	if active := d.Active(); len(active) != 1 || active[0].Severity != domain.SeverityMinor {
		t.Fatalf("expected one Minor anomaly, got %+v", active)
	}
	if len(stream.enqueued) != 0 {
		t.Errorf("expected no stream enqueue for a Minor anomaly, got %d", len(stream.enqueued))
	}
}
