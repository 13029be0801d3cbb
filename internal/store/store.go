// Package store implements the History Store (spec §4.9): durable,
// upsert-based persistence for span baselines, time baselines, anomalies,
// and per-service watermarks, over Postgres via database/sql and
// github.com/lib/pq — the same driver and prepared-statement idiom as the
// teacher's internal/tenant/tenantmanager_v2.go.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kx-platform/trace-anomaly/internal/domain"
)

const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute

	defaultHistoryLimit = 1000
)

// Store owns the database connection pool and prepared statements for
// the History Store's durable surface.
type Store struct {
	db    *sql.DB
	stmts *preparedStatements
}

type preparedStatements struct {
	upsertSpanBaseline *sql.Stmt
	upsertTimeBaseline *sql.Stmt
	insertAnomaly      *sql.Stmt
	getWatermark       *sql.Stmt
	setWatermark       *sql.Stmt
	clearWatermarks    *sql.Stmt

	insertTraining *sql.Stmt
	deleteTraining *sql.Stmt
	listTraining   *sql.Stmt
}

// Open connects to Postgres, applies the schema if not present, and
// prepares every statement the History Store issues.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := applySchema(ctx, db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	stmts, err := prepareStatements(db)
	if err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return &Store{db: db, stmts: stmts}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func applySchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS span_baselines (
	span_key     TEXT PRIMARY KEY,
	mean         DOUBLE PRECISION NOT NULL,
	std_dev      DOUBLE PRECISION NOT NULL,
	variance     DOUBLE PRECISION NOT NULL,
	p50          DOUBLE PRECISION NOT NULL,
	p95          DOUBLE PRECISION NOT NULL,
	p99          DOUBLE PRECISION NOT NULL,
	min          DOUBLE PRECISION NOT NULL,
	max          DOUBLE PRECISION NOT NULL,
	sample_count INTEGER NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS time_baselines (
	span_key     TEXT NOT NULL,
	day_of_week  SMALLINT NOT NULL,
	hour_of_day  SMALLINT NOT NULL,
	mean         DOUBLE PRECISION NOT NULL,
	std_dev      DOUBLE PRECISION NOT NULL,
	variance     DOUBLE PRECISION NOT NULL,
	p50          DOUBLE PRECISION NOT NULL,
	p95          DOUBLE PRECISION NOT NULL,
	p99          DOUBLE PRECISION NOT NULL,
	min          DOUBLE PRECISION NOT NULL,
	max          DOUBLE PRECISION NOT NULL,
	sample_count INTEGER NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	thresholds   JSONB NOT NULL,
	PRIMARY KEY (span_key, day_of_week, hour_of_day)
);

CREATE TABLE IF NOT EXISTS anomalies (
	id              TEXT PRIMARY KEY,
	trace_id        TEXT,
	span_id         TEXT,
	service         TEXT NOT NULL,
	operation       TEXT NOT NULL,
	reference       TEXT,
	value           DOUBLE PRECISION NOT NULL,
	expected_mean   DOUBLE PRECISION NOT NULL,
	expected_stddev DOUBLE PRECISION NOT NULL,
	deviation       DOUBLE PRECISION NOT NULL,
	severity        SMALLINT NOT NULL,
	timestamp       TIMESTAMPTZ NOT NULL,
	attributes      JSONB,
	day_of_week     SMALLINT NOT NULL,
	hour_of_day     SMALLINT NOT NULL
);
CREATE INDEX IF NOT EXISTS anomalies_timestamp_idx ON anomalies (timestamp DESC);
CREATE INDEX IF NOT EXISTS anomalies_service_idx ON anomalies (service);

CREATE TABLE IF NOT EXISTS watermarks (
	service            TEXT PRIMARY KEY,
	last_trace_time    TIMESTAMPTZ NOT NULL,
	processing_status  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS training_examples (
	id         TEXT PRIMARY KEY,
	anomaly    JSONB NOT NULL,
	prompt     TEXT NOT NULL,
	completion TEXT NOT NULL,
	rating     TEXT NOT NULL,
	correction TEXT,
	notes      TEXT,
	timestamp  TIMESTAMPTZ NOT NULL
);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func prepareStatements(db *sql.DB) (*preparedStatements, error) {
	upsertSpanBaseline, err := db.Prepare(`
		INSERT INTO span_baselines (span_key, mean, std_dev, variance, p50, p95, p99, min, max, sample_count, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (span_key) DO UPDATE SET
			mean = EXCLUDED.mean, std_dev = EXCLUDED.std_dev, variance = EXCLUDED.variance,
			p50 = EXCLUDED.p50, p95 = EXCLUDED.p95, p99 = EXCLUDED.p99,
			min = EXCLUDED.min, max = EXCLUDED.max,
			sample_count = EXCLUDED.sample_count, last_updated = EXCLUDED.last_updated
	`)
	if err != nil {
		return nil, err
	}

	upsertTimeBaseline, err := db.Prepare(`
		INSERT INTO time_baselines (span_key, day_of_week, hour_of_day, mean, std_dev, variance, p50, p95, p99, min, max, sample_count, last_updated, thresholds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (span_key, day_of_week, hour_of_day) DO UPDATE SET
			mean = EXCLUDED.mean, std_dev = EXCLUDED.std_dev, variance = EXCLUDED.variance,
			p50 = EXCLUDED.p50, p95 = EXCLUDED.p95, p99 = EXCLUDED.p99,
			min = EXCLUDED.min, max = EXCLUDED.max,
			sample_count = EXCLUDED.sample_count, last_updated = EXCLUDED.last_updated,
			thresholds = EXCLUDED.thresholds
	`)
	if err != nil {
		return nil, err
	}

	insertAnomaly, err := db.Prepare(`
		INSERT INTO anomalies (id, trace_id, span_id, service, operation, reference, value, expected_mean, expected_stddev, deviation, severity, timestamp, attributes, day_of_week, hour_of_day)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return nil, err
	}

	getWatermark, err := db.Prepare(`
		SELECT last_trace_time, processing_status FROM watermarks WHERE service = $1
	`)
	if err != nil {
		return nil, err
	}

	setWatermark, err := db.Prepare(`
		INSERT INTO watermarks (service, last_trace_time, processing_status)
		VALUES ($1, $2, $3)
		ON CONFLICT (service) DO UPDATE SET
			last_trace_time = EXCLUDED.last_trace_time, processing_status = EXCLUDED.processing_status
	`)
	if err != nil {
		return nil, err
	}

	clearWatermarks, err := db.Prepare(`DELETE FROM watermarks`)
	if err != nil {
		return nil, err
	}

	insertTraining, err := db.Prepare(`
		INSERT INTO training_examples (id, anomaly, prompt, completion, rating, correction, notes, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return nil, err
	}

	deleteTraining, err := db.Prepare(`DELETE FROM training_examples WHERE id = $1`)
	if err != nil {
		return nil, err
	}

	listTraining, err := db.Prepare(`
		SELECT id, anomaly, prompt, completion, rating, correction, notes, timestamp
		FROM training_examples ORDER BY timestamp DESC
	`)
	if err != nil {
		return nil, err
	}

	return &preparedStatements{
		upsertSpanBaseline: upsertSpanBaseline,
		upsertTimeBaseline: upsertTimeBaseline,
		insertAnomaly:      insertAnomaly,
		getWatermark:       getWatermark,
		setWatermark:       setWatermark,
		clearWatermarks:    clearWatermarks,
		insertTraining:     insertTraining,
		deleteTraining:     deleteTraining,
		listTraining:       listTraining,
	}, nil
}

// UpsertSpanBaselines writes each baseline one statement at a time — each
// upsert is independently idempotent, so no multi-row transaction is
// needed (spec §5).
func (s *Store) UpsertSpanBaselines(ctx context.Context, baselines []domain.SpanBaseline) error {
	for _, b := range baselines {
		_, err := s.stmts.upsertSpanBaseline.ExecContext(ctx,
			b.SpanKey, b.Mean, b.StdDev, b.Variance, b.P50, b.P95, b.P99, b.Min, b.Max, b.SampleCount, b.LastUpdated)
		if err != nil {
			return fmt.Errorf("upsert span baseline %s: %w", b.SpanKey, err)
		}
	}
	return nil
}

// UpsertTimeBaselines writes each bucketed baseline one statement at a
// time, keyed by (spanKey, dayOfWeek, hourOfDay).
func (s *Store) UpsertTimeBaselines(ctx context.Context, baselines []domain.TimeBaseline) error {
	for _, b := range baselines {
		thresholds, err := json.Marshal(b.Thresholds)
		if err != nil {
			return fmt.Errorf("encode thresholds for %s: %w", b.SpanKey, err)
		}
		_, err = s.stmts.upsertTimeBaseline.ExecContext(ctx,
			b.SpanKey, b.DayOfWeek, b.HourOfDay, b.Mean, b.StdDev, b.Variance,
			b.P50, b.P95, b.P99, b.Min, b.Max, b.SampleCount, b.LastUpdated, thresholds)
		if err != nil {
			return fmt.Errorf("upsert time baseline %s: %w", b.SpanKey, err)
		}
	}
	return nil
}

// UpsertAmountBaselines reuses the span_baselines table keyed by the
// amount subsystem's "operationType:asset" key (domain.AmountKey).
func (s *Store) UpsertAmountBaselines(ctx context.Context, baselines []domain.AmountBaseline) error {
	for _, b := range baselines {
		_, err := s.stmts.upsertSpanBaseline.ExecContext(ctx,
			b.Key(), b.Mean, b.StdDev, b.Variance, b.P50, b.P95, b.P99, b.Min, b.Max, b.SampleCount, b.LastUpdated)
		if err != nil {
			return fmt.Errorf("upsert amount baseline %s: %w", b.Key(), err)
		}
	}
	return nil
}

// InsertAnomalyIfAbsent is idempotent on anomaly id (spec §4.9).
func (s *Store) InsertAnomalyIfAbsent(ctx context.Context, a domain.Anomaly) error {
	attrs, err := json.Marshal(a.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes for %s: %w", a.ID, err)
	}
	_, err = s.stmts.insertAnomaly.ExecContext(ctx,
		a.ID, nullableString(a.TraceID), nullableString(a.SpanID), a.Service, a.Operation, nullableString(a.Reference),
		a.Value, a.ExpectedMean, a.ExpectedStdDev, a.Deviation, int(a.Severity), a.Timestamp, attrs, a.DayOfWeek, a.HourOfDay)
	if err != nil {
		return fmt.Errorf("insert anomaly %s: %w", a.ID, err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GetWatermark loads the current watermark for a service.
func (s *Store) GetWatermark(ctx context.Context, service string) (domain.RecalculationWatermark, bool, error) {
	var wm domain.RecalculationWatermark
	wm.Service = service
	err := s.stmts.getWatermark.QueryRowContext(ctx, service).Scan(&wm.LastTraceTime, &wm.ProcessingStatus)
	if err == sql.ErrNoRows {
		return domain.RecalculationWatermark{}, false, nil
	}
	if err != nil {
		return domain.RecalculationWatermark{}, false, fmt.Errorf("get watermark for %s: %w", service, err)
	}
	return wm, true, nil
}

// SetWatermark persists the new high-water mark for a service.
func (s *Store) SetWatermark(ctx context.Context, wm domain.RecalculationWatermark) error {
	_, err := s.stmts.setWatermark.ExecContext(ctx, wm.Service, wm.LastTraceTime, wm.ProcessingStatus)
	if err != nil {
		return fmt.Errorf("set watermark for %s: %w", wm.Service, err)
	}
	return nil
}

// ClearWatermarks deletes every watermark, forcing the next recalculation
// to rebuild from the full hot window (spec §4.3 "full" mode).
func (s *Store) ClearWatermarks(ctx context.Context) error {
	_, err := s.stmts.clearWatermarks.ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("clear watermarks: %w", err)
	}
	return nil
}

// HistoryFilter narrows GetAnomalyHistory's result set.
type HistoryFilter struct {
	Hours   int
	Service string
	Limit   int
}

// GetAnomalyHistory returns persisted anomalies sorted newest-first,
// defaulting to the last 1000 (spec §4.9).
func (s *Store) GetAnomalyHistory(ctx context.Context, f HistoryFilter) ([]domain.Anomaly, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	query := `SELECT id, trace_id, span_id, service, operation, reference, value, expected_mean, expected_stddev, deviation, severity, timestamp, attributes, day_of_week, hour_of_day
		FROM anomalies WHERE 1=1`
	args := []any{}
	argN := 1

	if f.Hours > 0 {
		query += fmt.Sprintf(" AND timestamp >= $%d", argN)
		args = append(args, time.Now().Add(-time.Duration(f.Hours)*time.Hour))
		argN++
	}
	if f.Service != "" {
		query += fmt.Sprintf(" AND service = $%d", argN)
		args = append(args, f.Service)
		argN++
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query anomaly history: %w", err)
	}
	defer rows.Close()

	var out []domain.Anomaly
	for rows.Next() {
		var (
			a            domain.Anomaly
			traceID      sql.NullString
			spanID       sql.NullString
			reference    sql.NullString
			severity     int
			attrsRaw     []byte
		)
		if err := rows.Scan(&a.ID, &traceID, &spanID, &a.Service, &a.Operation, &reference,
			&a.Value, &a.ExpectedMean, &a.ExpectedStdDev, &a.Deviation, &severity, &a.Timestamp, &attrsRaw, &a.DayOfWeek, &a.HourOfDay); err != nil {
			return nil, fmt.Errorf("scan anomaly row: %w", err)
		}
		a.TraceID = traceID.String
		a.SpanID = spanID.String
		a.Reference = reference.String
		a.Severity = domain.Severity(severity)
		if len(attrsRaw) > 0 {
			_ = json.Unmarshal(attrsRaw, &a.Attributes)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// HourlyBucket is one bucket of the hourly trend, zero-initialized for
// hours with no anomalies.
type HourlyBucket struct {
	Hour     time.Time `json:"hour"`
	Count    int       `json:"count"`
	Critical int       `json:"critical"`
}

// GetHourlyTrend returns a UTC-normalized bucket per calendar hour over
// the last `hours`, zero-filled where empty (spec §9: normalize to UTC
// for deterministic bucketing).
func (s *Store) GetHourlyTrend(ctx context.Context, hours int) ([]HourlyBucket, error) {
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Truncate(time.Hour)

	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('hour', timestamp AT TIME ZONE 'UTC') AS bucket,
			COUNT(*), COUNT(*) FILTER (WHERE severity <= 1)
		FROM anomalies
		WHERE timestamp >= $1
		GROUP BY bucket
		ORDER BY bucket ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query hourly trend: %w", err)
	}
	defer rows.Close()

	counts := make(map[time.Time]HourlyBucket)
	for rows.Next() {
		var b HourlyBucket
		if err := rows.Scan(&b.Hour, &b.Count, &b.Critical); err != nil {
			return nil, fmt.Errorf("scan hourly bucket: %w", err)
		}
		counts[b.Hour.UTC()] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]HourlyBucket, 0, hours)
	now := time.Now().UTC().Truncate(time.Hour)
	for h := since; !h.After(now); h = h.Add(time.Hour) {
		if b, ok := counts[h]; ok {
			out = append(out, b)
		} else {
			out = append(out, HourlyBucket{Hour: h})
		}
	}
	return out, nil
}

// InsertTrainingExample persists one operator rating of an LLM analysis.
func (s *Store) InsertTrainingExample(ctx context.Context, ex domain.TrainingExample) error {
	anomalyJSON, err := json.Marshal(ex.Anomaly)
	if err != nil {
		return fmt.Errorf("encode anomaly snapshot: %w", err)
	}
	_, err = s.stmts.insertTraining.ExecContext(ctx,
		ex.ID, anomalyJSON, ex.Prompt, ex.Completion, string(ex.Rating), nullableString(ex.Correction), nullableString(ex.Notes), ex.Timestamp)
	if err != nil {
		return fmt.Errorf("insert training example %s: %w", ex.ID, err)
	}
	return nil
}

// DeleteTrainingExample removes a training example by id.
func (s *Store) DeleteTrainingExample(ctx context.Context, id string) error {
	_, err := s.stmts.deleteTraining.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("delete training example %s: %w", id, err)
	}
	return nil
}

// ListTrainingExamples returns every persisted training example,
// newest-first.
func (s *Store) ListTrainingExamples(ctx context.Context) ([]domain.TrainingExample, error) {
	rows, err := s.stmts.listTraining.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list training examples: %w", err)
	}
	defer rows.Close()

	var out []domain.TrainingExample
	for rows.Next() {
		var (
			ex         domain.TrainingExample
			anomalyRaw []byte
			rating     string
			correction sql.NullString
			notes      sql.NullString
		)
		if err := rows.Scan(&ex.ID, &anomalyRaw, &ex.Prompt, &ex.Completion, &rating, &correction, &notes, &ex.Timestamp); err != nil {
			return nil, fmt.Errorf("scan training example row: %w", err)
		}
		_ = json.Unmarshal(anomalyRaw, &ex.Anomaly)
		ex.Rating = domain.TrainingRating(rating)
		ex.Correction = correction.String
		ex.Notes = notes.String
		out = append(out, ex)
	}
	return out, rows.Err()
}
