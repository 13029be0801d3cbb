// Package amounts implements the Amount Profiler & Detector (spec §4.5):
// the same statistical machinery as the latency path, applied to
// transaction amounts, keyed by (operationType, asset). The profiler polls
// the operational store every 60s but also accepts real-time
// recordTransaction calls that fold straight into a Welford accumulator,
// so no past samples need to be stored for incremental updates.
package amounts

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kx-platform/trace-anomaly/internal/domain"
	"github.com/kx-platform/trace-anomaly/internal/stats"
	"github.com/kx-platform/trace-anomaly/internal/tracing"
	"github.com/kx-platform/trace-anomaly/internal/ttlcache"
)

const (
	pollLookback = 24 * time.Hour
	pollLimit    = 20000

	minStdDev = 0.0001
)

// TransactionSource is the subset of the operational store the profiler
// polls.
type TransactionSource interface {
	FetchRecent(ctx context.Context, lookback time.Duration, limit int) ([]domain.Transaction, error)
}

// Store persists refreshed amount baselines and detected anomalies.
type Store interface {
	UpsertAmountBaselines(ctx context.Context, baselines []domain.AmountBaseline) error
	InsertAnomalyIfAbsent(ctx context.Context, a domain.Anomaly) error
}

// StreamEnqueuer is the subset of the Stream Analyzer whale anomalies are
// pushed into.
type StreamEnqueuer interface {
	Enqueue(a domain.Anomaly)
}

type accumulator struct {
	mu sync.Mutex
	w  stats.Welford
}

// Detector profiles and detects amount anomalies ("whales").
type Detector struct {
	source     TransactionSource
	store      Store
	stream     StreamEnqueuer
	minSamples int
	retention  time.Duration
	log        zerolog.Logger

	accMu sync.RWMutex
	acc   map[string]*accumulator

	activeMu sync.RWMutex
	active   map[string]domain.Anomaly

	inspected *ttlcache.Cache[struct{}]
}

// New creates an amounts Detector. minSamples is
// MinSamplesForAmounts (default 20, spec §4.5).
func New(source TransactionSource, store Store, stream StreamEnqueuer, minSamples int, retention time.Duration, log zerolog.Logger) *Detector {
	return &Detector{
		source:     source,
		store:      store,
		stream:     stream,
		minSamples: minSamples,
		retention:  retention,
		log:        log,
		acc:        make(map[string]*accumulator),
		active:     make(map[string]domain.Anomaly),
		inspected:  ttlcache.New[struct{}](1000),
	}
}

// GetBaseline returns the current baseline for (operationType, asset).
func (d *Detector) GetBaseline(op domain.AmountOperationType, asset string) (domain.AmountBaseline, bool) {
	a := d.accumulatorFor(domain.AmountKey(op, asset), false)
	if a == nil {
		return domain.AmountBaseline{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.w.Count() == 0 {
		return domain.AmountBaseline{}, false
	}
	return domain.AmountBaseline{
		OperationType: op,
		Asset:         asset,
		Mean:          a.w.Mean(),
		StdDev:        a.w.StdDev(),
		Variance:      a.w.Variance(),
		Min:           a.w.Min(),
		Max:           a.w.Max(),
		SampleCount:   a.w.Count(),
		LastUpdated:   time.Now(),
	}, true
}

// Active returns currently active whale anomalies.
func (d *Detector) Active() []domain.Anomaly {
	d.activeMu.RLock()
	defer d.activeMu.RUnlock()
	out := make([]domain.Anomaly, 0, len(d.active))
	for _, a := range d.active {
		out = append(out, a)
	}
	return out
}

func (d *Detector) accumulatorFor(key string, create bool) *accumulator {
	d.accMu.RLock()
	a, ok := d.acc[key]
	d.accMu.RUnlock()
	if ok || !create {
		return a
	}

	d.accMu.Lock()
	defer d.accMu.Unlock()
	if a, ok = d.acc[key]; ok {
		return a
	}
	a = &accumulator{}
	d.acc[key] = a
	return a
}

// RecordTransaction folds one observation into the running baseline for
// its (operationType, asset) key using Welford's recurrence — the order
// observations arrive in never changes the resulting mean/variance (spec
// §8 round-trip law).
func (d *Detector) RecordTransaction(tx domain.Transaction) {
	a := d.accumulatorFor(domain.AmountKey(tx.OperationType, tx.Asset), true)
	a.mu.Lock()
	a.w.Add(tx.Amount)
	a.mu.Unlock()
}

// Detect is invoked synchronously by the operational layer on each
// executed order/transfer. Below minSamples or minStdDev, the event is
// only appended to the baseline and no classification is attempted (spec
// §4.5 "insufficient data").
func (d *Detector) Detect(ctx context.Context, tx domain.Transaction) {
	key := domain.AmountKey(tx.OperationType, tx.Asset)
	if _, seen := d.inspected.Get(tx.Reference); seen {
		return
	}
	d.inspected.Put(tx.Reference, struct{}{})

	a := d.accumulatorFor(key, true)

	a.mu.Lock()
	count := a.w.Count()
	mean, stdDev := a.w.Mean(), a.w.StdDev()
	a.mu.Unlock()

	if count < d.minSamples || stdDev < minStdDev {
		d.RecordTransaction(tx)
		return
	}

	deviation := (tx.Amount - mean) / stdDev
	d.RecordTransaction(tx)

	if deviation < domain.WhaleThresholds.Sev5 {
		return
	}
	severity, ok := domain.WhaleThresholds.Classify(deviation)
	if !ok {
		return
	}

	anomaly := domain.Anomaly{
		ID:             tx.Reference + "-" + tx.Timestamp.Format(time.RFC3339Nano),
		Reference:      tx.Reference,
		Service:        string(tx.OperationType),
		Operation:      tx.Asset,
		Value:          tx.Amount,
		ExpectedMean:   mean,
		ExpectedStdDev: stdDev,
		Deviation:      deviation,
		Severity:       severity,
		Timestamp:      tx.Timestamp,
		DayOfWeek:      int(tx.Timestamp.Weekday()),
		HourOfDay:      tx.Timestamp.Hour(),
	}

	d.activeMu.Lock()
	d.active[anomaly.ID] = anomaly
	d.activeMu.Unlock()

	if d.store != nil {
		go func() {
			if err := d.store.InsertAnomalyIfAbsent(context.Background(), anomaly); err != nil {
				d.log.Error().Err(err).Str("anomaly_id", anomaly.ID).Msg("amounts: failed to persist anomaly")
			}
		}()
	}
	if severity <= domain.SeverityModerate && d.stream != nil {
		d.stream.Enqueue(anomaly)
	}
}

// ExpireActive drops whale anomalies older than retention.
func (d *Detector) ExpireActive(now time.Time) {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	for id, a := range d.active {
		if now.Sub(a.Timestamp) > d.retention {
			delete(d.active, id)
		}
	}
}

// Refresh polls the operational store for a 24h history window and
// rebuilds every (operationType, asset) baseline from scratch, the same
// sliding-window-replace semantics as the latency profiler.
func (d *Detector) Refresh(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, tracing.Tracer("amounts"), "amounts.refresh")
	defer span.End()

	txs, err := d.source.FetchRecent(ctx, pollLookback, pollLimit)
	if err != nil {
		d.log.Warn().Err(err).Msg("amounts: fetch failed, skipping this cycle")
		return nil
	}

	byKey := make(map[string][]float64)
	meta := make(map[string]domain.Transaction)
	for _, tx := range txs {
		key := domain.AmountKey(tx.OperationType, tx.Asset)
		byKey[key] = append(byKey[key], tx.Amount)
		meta[key] = tx
	}

	baselines := make([]domain.AmountBaseline, 0, len(byKey))
	for key, amounts := range byKey {
		res := stats.ComputeTwoPass(amounts)
		m := meta[key]
		baseline := domain.AmountBaseline{
			OperationType: m.OperationType,
			Asset:         m.Asset,
			Mean:          res.Mean,
			StdDev:        res.StdDev,
			Variance:      res.Variance,
			P50:           res.Percentiles.P50,
			P95:           res.Percentiles.P95,
			P99:           res.Percentiles.P99,
			Min:           res.Percentiles.Min,
			Max:           res.Percentiles.Max,
			SampleCount:   res.SampleCount,
			LastUpdated:   time.Now(),
		}
		baselines = append(baselines, baseline)

		a := d.accumulatorFor(key, true)
		a.mu.Lock()
		a.w = stats.Welford{}
		for _, amt := range amounts {
			a.w.Add(amt)
		}
		a.mu.Unlock()
	}

	if d.store != nil && len(baselines) > 0 {
		if err := d.store.UpsertAmountBaselines(ctx, baselines); err != nil {
			d.log.Error().Err(err).Msg("amounts: failed to persist amount baselines")
			return err
		}
	}

	return nil
}

// Run polls Refresh every interval until ctx is cancelled.
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
			d.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("amounts: recovered from panic, continuing")
		}
	}()
	if err := d.Refresh(ctx); err != nil {
		d.log.Warn().Err(err).Msg("amounts: refresh cycle failed")
	}
	d.ExpireActive(time.Now())
}
