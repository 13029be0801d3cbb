package profiler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kx-platform/trace-anomaly/internal/domain"
)

type fakeSource struct {
	byService map[string][]domain.Trace
	err       error
}

func (f fakeSource) FetchRecent(ctx context.Context, service string, lookback time.Duration, limit int) ([]domain.Trace, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byService[service], nil
}

type fakeStore struct {
	upserted []domain.SpanBaseline
}

func (f *fakeStore) UpsertSpanBaselines(ctx context.Context, baselines []domain.SpanBaseline) error {
	f.upserted = append(f.upserted, baselines...)
	return nil
}

func trace(service, op string, durations ...float64) domain.Trace {
	var spans []domain.Span
	for _, d := range durations {
		spans = append(spans, domain.Span{Service: service, Operation: op, DurationMS: d})
	}
	return domain.Trace{TraceID: "t", Spans: spans}
}

func TestRefreshBuildsBaselinePerSpanKey(t *testing.T) {
	source := fakeSource{byService: map[string][]domain.Trace{
		"kx-wallet": {trace("kx-wallet", "withdraw", 10, 12, 11, 13, 10)},
	}}
	store := &fakeStore{}
	p := New(source, store, []string{"kx-wallet"}, zerolog.Nop())

	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	b, ok := p.GetBaseline("kx-wallet", "withdraw")
	if !ok {
		t.Fatal("expected a baseline for kx-wallet:withdraw")
	}
	if b.SampleCount != 5 {
		t.Errorf("SampleCount = %d, want 5", b.SampleCount)
	}
	if len(store.upserted) != 1 {
		t.Errorf("expected one upserted baseline, got %d", len(store.upserted))
	}
}

func TestRefreshSkipsServiceOnFetchError(t *testing.T) {
	source := fakeSource{err: context.DeadlineExceeded}
	store := &fakeStore{}
	p := New(source, store, []string{"kx-wallet"}, zerolog.Nop())

	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() should tolerate per-service fetch errors, got %v", err)
	}
	if len(p.All()) != 0 {
		t.Errorf("expected no baselines after all-service fetch failure")
	}
}

func TestRefreshReplacesPriorBaseline(t *testing.T) {
	source := fakeSource{byService: map[string][]domain.Trace{
		"kx-wallet": {trace("kx-wallet", "withdraw", 100, 100, 100)},
	}}
	store := &fakeStore{}
	p := New(source, store, []string{"kx-wallet"}, zerolog.Nop())
	_ = p.Refresh(context.Background())

	source.byService["kx-wallet"] = []domain.Trace{trace("kx-wallet", "withdraw", 5, 5, 5)}
	_ = p.Refresh(context.Background())

	b, _ := p.GetBaseline("kx-wallet", "withdraw")
	if b.Mean != 5 {
		t.Errorf("Mean = %v, want 5 (window should be replaced, not accumulated)", b.Mean)
	}
}
