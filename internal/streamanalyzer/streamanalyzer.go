// Package streamanalyzer implements the Stream Analyzer (spec §4.7): it
// buffers anomalies, classifies them into use-cases and priorities, and
// dispatches batches to an LLM with streaming output fanned out to
// subscribers, all under a hard queue cap and a single in-flight dispatch.
package streamanalyzer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kx-platform/trace-anomaly/internal/domain"
	"github.com/kx-platform/trace-anomaly/internal/llmclient"
	"github.com/kx-platform/trace-anomaly/internal/tracing"
)

const (
	maxQueueSize  = 100
	batchSize     = 10
	batchTimeout  = 30 * time.Second
	checkInterval = time.Second
)

// Bus is the subset of the Subscriber Bus the analyzer pushes events to.
type Bus interface {
	AnalysisStart(anomalyIDs []string)
	StreamChunk(data string, anomalyIDs []string)
	AnalysisComplete(anomalyIDs []string, finalText string)
	Alert(severity, message string, context map[string]any)
}

var defaultOptions = llmclient.Options{
	Temperature:   0.3,
	NumPredict:    512,
	RepeatPenalty: 1.1,
	RepeatLastN:   64,
}

// Analyzer owns the anomaly queue and the single in-flight LLM dispatch.
type Analyzer struct {
	llm     *llmclient.Client
	bus     Bus
	cache   *analysisCache
	metrics *metrics
	log     zerolog.Logger

	mu           sync.Mutex
	queue        []domain.Anomaly
	pendingSince time.Time
	isProcessing bool

	dispatchSignal chan struct{}
}

// New creates an Analyzer. reg may be nil to skip Prometheus registration
// (e.g. in tests).
func New(llm *llmclient.Client, bus Bus, reg prometheus.Registerer, log zerolog.Logger) (*Analyzer, error) {
	cache, err := newAnalysisCache()
	if err != nil {
		return nil, fmt.Errorf("create analysis cache: %w", err)
	}
	return &Analyzer{
		llm:            llm,
		bus:            bus,
		cache:          cache,
		metrics:        newMetrics(reg),
		log:            log,
		dispatchSignal: make(chan struct{}, 1),
	}, nil
}

// QueueDepth reports the number of anomalies currently pending analysis.
func (a *Analyzer) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Enqueue adds an anomaly for batched analysis. Beyond maxQueueSize the
// event is dropped and counted (spec §4.7, §8: "Queue at exactly 100
// drops the next enqueue"). A P0 use case also fires an immediate alert.
func (a *Analyzer) Enqueue(anomaly domain.Anomaly) {
	uc := classify(anomaly)

	a.mu.Lock()
	if len(a.queue) >= maxQueueSize {
		a.mu.Unlock()
		a.metrics.droppedTotal.WithLabelValues("queue_full").Inc()
		return
	}
	a.queue = append(a.queue, anomaly)
	if len(a.queue) == 1 {
		a.pendingSince = time.Now()
	}
	shouldDispatchNow := len(a.queue) >= batchSize
	a.metrics.eventsBySeverity.WithLabelValues(anomaly.Severity.Name()).Inc()
	a.metrics.queueDepth.Set(float64(len(a.queue)))
	a.mu.Unlock()

	if uc.priority == priorityP0 && a.bus != nil {
		a.bus.Alert("critical", describeP0(uc, anomaly), map[string]any{
			"service":   anomaly.Service,
			"operation": anomaly.Operation,
			"anomalyId": anomaly.ID,
		})
	}

	if shouldDispatchNow {
		a.signalDispatch()
	}
}

func describeP0(uc useCase, anomaly domain.Anomaly) string {
	switch uc.name {
	case useCasePaymentGatewayDown.name:
		return fmt.Sprintf("Payment Gateway Down: %s:%s", anomaly.Service, anomaly.Operation)
	case useCaseCertificateTLS.name:
		return fmt.Sprintf("Certificate/TLS issue: %s:%s", anomaly.Service, anomaly.Operation)
	case useCaseRateLimitDoS.name:
		return fmt.Sprintf("Rate limit / possible DoS: %s:%s", anomaly.Service, anomaly.Operation)
	case useCaseAuthDown.name:
		return fmt.Sprintf("Auth Down: %s:%s", anomaly.Service, anomaly.Operation)
	default:
		return fmt.Sprintf("Critical anomaly: %s:%s", anomaly.Service, anomaly.Operation)
	}
}

func (a *Analyzer) signalDispatch() {
	select {
	case a.dispatchSignal <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled: it wakes on a
// queue-size signal or a fixed polling interval, and dispatches whenever
// the batch is full or the oldest pending item has waited batchTimeout.
func (a *Analyzer) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.maybeDispatch(ctx)
		case <-a.dispatchSignal:
			a.maybeDispatch(ctx)
		}
	}
}

func (a *Analyzer) maybeDispatch(ctx context.Context) {
	a.mu.Lock()
	if a.isProcessing || len(a.queue) == 0 {
		a.mu.Unlock()
		return
	}
	ready := len(a.queue) >= batchSize || time.Since(a.pendingSince) >= batchTimeout
	if !ready {
		a.mu.Unlock()
		return
	}

	n := batchSize
	if n > len(a.queue) {
		n = len(a.queue)
	}
	batch := make([]domain.Anomaly, n)
	copy(batch, a.queue[:n])
	a.queue = a.queue[n:]
	if len(a.queue) > 0 {
		a.pendingSince = time.Now()
	} else {
		a.pendingSince = time.Time{}
	}
	a.isProcessing = true
	a.metrics.queueDepth.Set(float64(len(a.queue)))
	a.mu.Unlock()

	a.dispatch(ctx, batch)

	a.mu.Lock()
	a.isProcessing = false
	a.mu.Unlock()

	// A dispatch just completed; if items remain, check again right away
	// instead of waiting for the next tick (spec §4.7: "a new dispatch is
	// scheduled after completion if items remain").
	a.signalDispatch()
}

func (a *Analyzer) dispatch(ctx context.Context, batch []domain.Anomaly) {
	ctx, span := tracing.StartSpan(ctx, tracing.Tracer("streamanalyzer"), "streamanalyzer.dispatch")
	defer span.End()

	start := time.Now()
	ids := make([]string, len(batch))
	for i, an := range batch {
		ids[i] = an.ID
	}
	dominant := classify(batch[0])

	if a.bus != nil {
		a.bus.AnalysisStart(ids)
	}

	prompt := buildPrompt(batch)
	full, err := a.llm.Generate(ctx, prompt, defaultOptions, func(chunk string) {
		if a.bus != nil {
			a.bus.StreamChunk(chunk, ids)
		}
	})

	a.metrics.dispatchSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		tracing.RecordError(ctx, err)
		a.metrics.analysesTotal.WithLabelValues("error", dominant.name).Inc()
		message := "Analysis failed: " + err.Error()
		if a.bus != nil {
			a.bus.AnalysisComplete(ids, message)
		}
		a.log.Warn().Err(err).Strs("anomaly_ids", ids).Msg("streamanalyzer: dispatch failed")
		return
	}

	a.metrics.analysesTotal.WithLabelValues("success", dominant.name).Inc()
	if a.bus != nil {
		a.bus.AnalysisComplete(ids, full)
	}
	for _, id := range ids {
		a.cache.put(id, full)
	}
}

// CachedAnalysis returns a previously completed analysis for an anomaly
// id, for the control surface's `analyze()` operation.
func (a *Analyzer) CachedAnalysis(anomalyID string) (string, bool) {
	return a.cache.get(anomalyID)
}

// AnalyzeOneShot runs a single, non-batched analysis for one anomaly,
// outside the normal queue, and caches the result under its id — used
// when the control surface's `analyze()` finds nothing cached.
func (a *Analyzer) AnalyzeOneShot(ctx context.Context, anomaly domain.Anomaly) (string, error) {
	if cached, ok := a.cache.get(anomaly.ID); ok {
		return cached, nil
	}
	prompt := buildPrompt([]domain.Anomaly{anomaly})
	full, err := a.llm.Generate(ctx, prompt, defaultOptions, nil)
	if err != nil {
		return "", fmt.Errorf("one-shot analysis: %w", err)
	}
	a.cache.put(anomaly.ID, full)
	return full, nil
}

// buildPrompt renders the numbered-list prompt from spec §4.7:
// "i. [SEV{n}] {service}:{operation} {duration}ms (+{σ}σ) HTTP {code?}".
func buildPrompt(batch []domain.Anomaly) string {
	var b strings.Builder
	b.WriteString("Explain the following anomalies for an on-call operator, in plain language:\n")
	for i, an := range batch {
		code := ""
		if sc, ok := attrStatusCode(an); ok {
			code = fmt.Sprintf(" HTTP %d", sc)
		}
		fmt.Fprintf(&b, "%d. [SEV%d] %s:%s %.0fms (+%.1fσ)%s\n",
			i+1, int(an.Severity), an.Service, an.Operation, attrDurationMS(an), an.Deviation, code)
	}
	return b.String()
}
