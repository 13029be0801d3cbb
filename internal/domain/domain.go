// Package domain holds the transient and persisted types shared across the
// trace-anomaly pipeline: spans pulled from the trace backend, the
// statistical baselines derived from them, and the anomalies they produce.
package domain

import "time"

// Span is one unit of work inside a distributed trace. It is transient —
// only the fields needed to update baselines and detect anomalies are kept.
type Span struct {
	TraceID      string         `json:"traceId"`
	SpanID       string         `json:"spanId"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Service      string         `json:"service"`
	Operation    string         `json:"operation"`
	StartTime    time.Time      `json:"startTime"`
	DurationMS   float64        `json:"durationMs"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Key returns the "service:operation" key baselines are stored under.
func (s Span) Key() string {
	return SpanKey(s.Service, s.Operation)
}

// SpanKey builds the canonical "service:operation" baseline key.
func SpanKey(service, operation string) string {
	return service + ":" + operation
}

// Trace is a set of causally related spans sharing one trace id.
type Trace struct {
	TraceID string `json:"traceId"`
	Spans   []Span `json:"spans"`
}

// SpanBaseline summarizes normal latency for a spanKey.
type SpanBaseline struct {
	SpanKey     string    `json:"spanKey"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"stdDev"`
	Variance    float64   `json:"variance"`
	P50         float64   `json:"p50"`
	P95         float64   `json:"p95"`
	P99         float64   `json:"p99"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	SampleCount int       `json:"sampleCount"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// AdaptiveThresholds is a five-tier set of sigma cutoffs, sev5 (lowest) to
// sev1 (highest), monotonically non-decreasing.
type AdaptiveThresholds struct {
	Sev5 float64 `json:"sev5"`
	Sev4 float64 `json:"sev4"`
	Sev3 float64 `json:"sev3"`
	Sev2 float64 `json:"sev2"`
	Sev1 float64 `json:"sev1"`
}

// DefaultThresholds is used when a bucket has fewer than
// stats.MinSamplesForThreshold positive-deviation samples.
var DefaultThresholds = AdaptiveThresholds{Sev5: 1.3, Sev4: 1.65, Sev3: 2.0, Sev2: 2.6, Sev1: 3.3}

// WhaleThresholds is the stricter table used for amount anomalies.
var WhaleThresholds = AdaptiveThresholds{Sev5: 3, Sev4: 4, Sev3: 5, Sev2: 6, Sev1: 7}

// TimeBaseline is a SpanBaseline partitioned by day-of-week and hour-of-day,
// carrying its own adaptive thresholds.
type TimeBaseline struct {
	SpanKey     string             `json:"spanKey"`
	DayOfWeek   int                `json:"dayOfWeek"` // 0..6
	HourOfDay   int                `json:"hourOfDay"` // 0..23
	Mean        float64            `json:"mean"`
	StdDev      float64            `json:"stdDev"`
	Variance    float64            `json:"variance"`
	P50         float64            `json:"p50"`
	P95         float64            `json:"p95"`
	P99         float64            `json:"p99"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	SampleCount int                `json:"sampleCount"`
	LastUpdated time.Time          `json:"lastUpdated"`
	Thresholds  AdaptiveThresholds `json:"thresholds"`
}

// AmountOperationType enumerates the transaction kinds the amount
// subsystem profiles.
type AmountOperationType string

const (
	AmountBuy      AmountOperationType = "BUY"
	AmountSell     AmountOperationType = "SELL"
	AmountDeposit  AmountOperationType = "DEPOSIT"
	AmountWithdraw AmountOperationType = "WITHDRAW"
	AmountTransfer AmountOperationType = "TRANSFER"
)

// AmountBaseline summarizes normal transaction amounts for an
// (operationType, asset) pair.
type AmountBaseline struct {
	OperationType AmountOperationType `json:"operationType"`
	Asset         string              `json:"asset"`
	Mean          float64             `json:"mean"`
	StdDev        float64             `json:"stdDev"`
	Variance      float64             `json:"variance"`
	P50           float64             `json:"p50"`
	P95           float64             `json:"p95"`
	P99           float64             `json:"p99"`
	Min           float64             `json:"min"`
	Max           float64             `json:"max"`
	SampleCount   int                 `json:"sampleCount"`
	LastUpdated   time.Time           `json:"lastUpdated"`
}

// Key returns the "operationType:asset" key amount baselines are stored under.
func (b AmountBaseline) Key() string {
	return AmountKey(b.OperationType, b.Asset)
}

// AmountKey builds the canonical amount-baseline key.
func AmountKey(op AmountOperationType, asset string) string {
	return string(op) + ":" + asset
}

// Severity is one of five anomaly tiers, 1 (Critical) through 5 (Low).
type Severity int

const (
	SeverityCritical Severity = 1
	SeverityMajor    Severity = 2
	SeverityModerate Severity = 3
	SeverityMinor    Severity = 4
	SeverityLow      Severity = 5
)

// Name returns the operator-facing label for a severity tier.
func (s Severity) Name() string {
	switch s {
	case SeverityCritical:
		return "Critical"
	case SeverityMajor:
		return "Major"
	case SeverityModerate:
		return "Moderate"
	case SeverityMinor:
		return "Minor"
	case SeverityLow:
		return "Low"
	default:
		return "Unknown"
	}
}

// Anomaly is a single detected deviation, latency or amount.
type Anomaly struct {
	ID             string         `json:"id"`
	TraceID        string         `json:"traceId,omitempty"`
	SpanID         string         `json:"spanId,omitempty"`
	Service        string         `json:"service"`
	Operation      string         `json:"operation"`
	Reference      string         `json:"reference,omitempty"` // non-span anomalies (e.g. amount) key by this instead
	Value          float64        `json:"value"`
	ExpectedMean   float64        `json:"expectedMean"`
	ExpectedStdDev float64        `json:"expectedStdDev"`
	Deviation      float64        `json:"deviation"`
	Severity       Severity       `json:"severity"`
	Timestamp      time.Time      `json:"timestamp"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	DayOfWeek      int            `json:"dayOfWeek"`
	HourOfDay      int            `json:"hourOfDay"`
}

// Transaction is one executed order/transfer fed into the amount
// subsystem, either via a periodic poll of the operational store or a
// real-time event from the operational layer.
type Transaction struct {
	Reference     string              `json:"reference"`
	OperationType AmountOperationType `json:"operationType"`
	Asset         string              `json:"asset"`
	Amount        float64             `json:"amount"`
	Timestamp     time.Time           `json:"timestamp"`
}

// RecalculationWatermark is the per-service high-water mark of processed
// trace start times, used to make recalculation incremental.
type RecalculationWatermark struct {
	Service          string    `json:"service"`
	LastTraceTime    time.Time `json:"lastTraceTime"`
	ProcessingStatus string    `json:"processingStatus"`
}

// TrainingRating is operator feedback on an LLM analysis.
type TrainingRating string

const (
	RatingGood TrainingRating = "good"
	RatingBad  TrainingRating = "bad"
)

// TrainingExample captures operator feedback on an LLM explanation for
// future fine-tuning.
type TrainingExample struct {
	ID         string         `json:"id"`
	Anomaly    Anomaly        `json:"anomaly"`
	Prompt     string         `json:"prompt"`
	Completion string         `json:"completion"`
	Rating     TrainingRating `json:"rating"`
	Correction string         `json:"correction,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ThresholdAt returns the sigma cutoff for a given severity tier.
func (t AdaptiveThresholds) ThresholdAt(sev Severity) float64 {
	switch sev {
	case SeverityCritical:
		return t.Sev1
	case SeverityMajor:
		return t.Sev2
	case SeverityModerate:
		return t.Sev3
	case SeverityMinor:
		return t.Sev4
	case SeverityLow:
		return t.Sev5
	default:
		return t.Sev5
	}
}

// Classify returns the highest severity tier whose threshold `deviation`
// meets, or false if it is below Sev5.
func (t AdaptiveThresholds) Classify(deviation float64) (Severity, bool) {
	switch {
	case deviation >= t.Sev1:
		return SeverityCritical, true
	case deviation >= t.Sev2:
		return SeverityMajor, true
	case deviation >= t.Sev3:
		return SeverityModerate, true
	case deviation >= t.Sev4:
		return SeverityMinor, true
	case deviation >= t.Sev5:
		return SeverityLow, true
	default:
		return 0, false
	}
}
