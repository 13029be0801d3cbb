package streamanalyzer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kx-platform/trace-anomaly/internal/domain"
	"github.com/kx-platform/trace-anomaly/internal/llmclient"
)

type fakeBus struct {
	mu        sync.Mutex
	started   [][]string
	chunks    []string
	completed []string
	alerts    []string
}

func (b *fakeBus) AnalysisStart(anomalyIDs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, anomalyIDs)
}

func (b *fakeBus) StreamChunk(data string, anomalyIDs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, data)
}

func (b *fakeBus) AnalysisComplete(anomalyIDs []string, finalText string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed = append(b.completed, finalText)
}

func (b *fakeBus) Alert(severity, message string, context map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerts = append(b.alerts, message)
}

func newTestAnalyzer(t *testing.T, llmHandler http.HandlerFunc) (*Analyzer, *fakeBus, func()) {
	t.Helper()
	srv := httptest.NewServer(llmHandler)
	llm := llmclient.New(srv.URL, "llama3", 5*time.Second)
	bus := &fakeBus{}
	a, err := New(llm, bus, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a, bus, srv.Close
}

func anomaly(id, service string, severity domain.Severity) domain.Anomaly {
	return domain.Anomaly{ID: id, Service: service, Operation: "op", Severity: severity, Timestamp: time.Now()}
}

func TestEnqueueDropsBeyondMaxQueueSize(t *testing.T) {
	a, _, closeFn := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"ok","done":true}`)
	})
	defer closeFn()

	for i := 0; i < maxQueueSize+10; i++ {
		a.Enqueue(anomaly(fmt.Sprintf("a%d", i), "kx-wallet", domain.SeverityLow))
	}
	if a.QueueDepth() != maxQueueSize {
		t.Fatalf("QueueDepth() = %d, want %d", a.QueueDepth(), maxQueueSize)
	}
}

func TestEnqueueP0FiresImmediateAlert(t *testing.T) {
	a, bus, closeFn := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"ok","done":true}`)
	})
	defer closeFn()

	a.Enqueue(domain.Anomaly{
		ID: "p0-1", Service: "kx-payment-gateway", Severity: domain.SeverityCritical,
		Attributes: map[string]any{"http.status_code": 503}, Timestamp: time.Now(),
	})

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.alerts) != 1 {
		t.Fatalf("expected one immediate P0 alert, got %d", len(bus.alerts))
	}
}

func TestMaybeDispatchOnBatchSize(t *testing.T) {
	a, bus, closeFn := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"batch analyzed","done":true}`)
	})
	defer closeFn()

	for i := 0; i < batchSize; i++ {
		a.Enqueue(anomaly(fmt.Sprintf("b%d", i), "kx-wallet", domain.SeverityLow))
	}
	a.maybeDispatch(context.Background())

	if a.QueueDepth() != 0 {
		t.Fatalf("QueueDepth() after dispatch = %d, want 0", a.QueueDepth())
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.completed) != 1 {
		t.Fatalf("expected one AnalysisComplete call, got %d", len(bus.completed))
	}
}

func TestMaybeDispatchNotReadyBelowBatchSizeAndTimeout(t *testing.T) {
	a, bus, closeFn := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"x","done":true}`)
	})
	defer closeFn()

	a.Enqueue(anomaly("solo", "kx-wallet", domain.SeverityLow))
	a.maybeDispatch(context.Background())

	if a.QueueDepth() != 1 {
		t.Fatalf("QueueDepth() = %d, want 1 (not enough for a batch, not timed out)", a.QueueDepth())
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.completed) != 0 {
		t.Fatalf("expected no dispatch yet, got %d completions", len(bus.completed))
	}
}

func TestDispatchFailureReportsAnalysisFailed(t *testing.T) {
	a, bus, closeFn := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer closeFn()

	for i := 0; i < batchSize; i++ {
		a.Enqueue(anomaly(fmt.Sprintf("f%d", i), "kx-wallet", domain.SeverityLow))
	}
	a.maybeDispatch(context.Background())

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.completed) != 1 {
		t.Fatalf("expected one completion even on failure, got %d", len(bus.completed))
	}
	if got := bus.completed[0]; got == "" || got[:16] != "Analysis failed:" {
		t.Errorf("completion text = %q, want it to start with 'Analysis failed:'", got)
	}
}

func TestCachedAnalysisAfterSuccessfulDispatch(t *testing.T) {
	a, _, closeFn := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"cached text","done":true}`)
	})
	defer closeFn()

	for i := 0; i < batchSize; i++ {
		a.Enqueue(anomaly(fmt.Sprintf("c%d", i), "kx-wallet", domain.SeverityLow))
	}
	a.maybeDispatch(context.Background())

	cached, ok := a.CachedAnalysis("c0")
	if !ok || cached != "cached text" {
		t.Fatalf("CachedAnalysis(c0) = (%q, %v), want (\"cached text\", true)", cached, ok)
	}
}

func TestAnalyzeOneShotUsesCacheWhenPresent(t *testing.T) {
	calls := 0
	a, _, closeFn := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprintln(w, `{"response":"fresh","done":true}`)
	})
	defer closeFn()

	first, err := a.AnalyzeOneShot(context.Background(), anomaly("one-shot", "kx-wallet", domain.SeverityLow))
	if err != nil {
		t.Fatalf("AnalyzeOneShot() error = %v", err)
	}
	second, err := a.AnalyzeOneShot(context.Background(), anomaly("one-shot", "kx-wallet", domain.SeverityLow))
	if err != nil {
		t.Fatalf("AnalyzeOneShot() second call error = %v", err)
	}
	if first != second {
		t.Errorf("first = %q, second = %q, want identical cached result", first, second)
	}
	if calls != 1 {
		t.Errorf("LLM called %d times, want 1 (second call should hit cache)", calls)
	}
}
