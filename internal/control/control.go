// Package control implements the Control Surface (spec §4.10): the
// read/write HTTP/JSON API operators use to inspect baselines and
// anomalies, trigger recalculation, correlate metrics, and rate LLM
// analyses. Route registration follows the teacher's cmd/server/main.go
// http.NewServeMux + http.Server idiom.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kx-platform/trace-anomaly/internal/amounts"
	"github.com/kx-platform/trace-anomaly/internal/correlator"
	"github.com/kx-platform/trace-anomaly/internal/detector"
	"github.com/kx-platform/trace-anomaly/internal/domain"
	"github.com/kx-platform/trace-anomaly/internal/metricsclient"
	"github.com/kx-platform/trace-anomaly/internal/profiler"
	"github.com/kx-platform/trace-anomaly/internal/recalculator"
	"github.com/kx-platform/trace-anomaly/internal/store"
	"github.com/kx-platform/trace-anomaly/internal/streamanalyzer"
	"github.com/kx-platform/trace-anomaly/internal/subscribers"
	"github.com/kx-platform/trace-anomaly/internal/traceclient"
)

// Server wires every dependency the Control Surface's operations read
// from or write to.
type Server struct {
	profiler      *profiler.Profiler
	recalculator  *recalculator.Recalculator
	detector      *detector.Detector
	amounts       *amounts.Detector
	correlator    *correlator.Correlator
	analyzer      *streamanalyzer.Analyzer
	store         *store.Store
	traceClient   *traceclient.Client
	metricsClient *metricsclient.Client
	bus           *subscribers.Bus
	services      []string
	startedAt     time.Time
	log           zerolog.Logger

	httpServer *http.Server
}

// Deps bundles the Server's constructor arguments.
type Deps struct {
	Profiler      *profiler.Profiler
	Recalculator  *recalculator.Recalculator
	Detector      *detector.Detector
	Amounts       *amounts.Detector
	Correlator    *correlator.Correlator
	Analyzer      *streamanalyzer.Analyzer
	Store         *store.Store
	TraceClient   *traceclient.Client
	MetricsClient *metricsclient.Client
	Bus           *subscribers.Bus
	Services      []string
	Log           zerolog.Logger
}

// New builds a Server and its http.Server listening on addr.
func New(addr string, d Deps) *Server {
	s := &Server{
		profiler:      d.Profiler,
		recalculator:  d.Recalculator,
		detector:      d.Detector,
		amounts:       d.Amounts,
		correlator:    d.Correlator,
		analyzer:      d.Analyzer,
		store:         d.Store,
		traceClient:   d.TraceClient,
		metricsClient: d.MetricsClient,
		bus:           d.Bus,
		services:      d.Services,
		startedAt:     time.Now(),
		log:           d.Log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/baselines", s.handleBaselines)
	mux.HandleFunc("/anomalies", s.handleAnomalies)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/analyze", s.handleAnalyze)
	mux.HandleFunc("/recalculate", s.handleRecalculate)
	mux.HandleFunc("/timeBaselines", s.handleTimeBaselines)
	mux.HandleFunc("/correlate", s.handleCorrelate)
	mux.HandleFunc("/metricsSummary", s.handleMetricsSummary)
	mux.HandleFunc("/metricsHealth", s.handleMetricsHealth)
	mux.HandleFunc("/training/rate", s.handleTrainingRate)
	mux.HandleFunc("/training/stats", s.handleTrainingStats)
	mux.HandleFunc("/training/list", s.handleTrainingList)
	mux.HandleFunc("/training/export", s.handleTrainingExport)
	mux.HandleFunc("/training/delete", s.handleTrainingDelete)
	mux.HandleFunc("/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("control: http server error")
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}

// healthResponse is the §4.10 `health()` contract.
type healthResponse struct {
	Status     string                   `json:"status"`
	Services   []detector.ServiceStatus `json:"services"`
	LastPolled time.Time                `json:"lastPolled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.detector.Health()
	overall := "healthy"
	for _, st := range statuses {
		if st.Status == "critical" {
			overall = "critical"
			break
		}
		if st.Status == "warning" {
			overall = "warning"
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: overall, Services: statuses, LastPolled: time.Now()})
}

func (s *Server) handleBaselines(w http.ResponseWriter, r *http.Request) {
	baselines := s.profiler.All()
	sort.Slice(baselines, func(i, j int) bool { return baselines[i].SampleCount > baselines[j].SampleCount })
	writeJSON(w, http.StatusOK, baselines)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	active := s.detector.Active()
	if s.amounts != nil {
		active = append(active, s.amounts.Active()...)
	}
	writeJSON(w, http.StatusOK, active)
}

// historyResponse is the §4.10 `history()` contract.
type historyResponse struct {
	Anomalies   []domain.Anomaly      `json:"anomalies"`
	HourlyTrend []store.HourlyBucket  `json:"hourlyTrend"`
	TotalCount  int                   `json:"totalCount"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hours := intQueryParam(r, "hours", 24)
	service := r.URL.Query().Get("service")

	anomalies, err := s.store.GetAnomalyHistory(ctx, store.HistoryFilter{Hours: hours, Service: service})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_query_failed", err.Error())
		return
	}
	trend, err := s.store.GetHourlyTrend(ctx, hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "trend_query_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Anomalies: anomalies, HourlyTrend: trend, TotalCount: len(anomalies)})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := r.URL.Query().Get("traceId")
	anomalyID := r.URL.Query().Get("anomalyId")
	if traceID == "" {
		writeError(w, http.StatusBadRequest, "missing_trace_id", "traceId is required")
		return
	}

	if anomalyID != "" {
		if cached, ok := s.analyzer.CachedAnalysis(anomalyID); ok {
			writeJSON(w, http.StatusOK, map[string]any{"cached": true, "analysis": cached})
			return
		}
	}

	var anomaly domain.Anomaly
	var found bool
	for _, a := range s.detector.Active() {
		if a.ID == anomalyID || a.TraceID == traceID {
			anomaly, found = a, true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "anomaly_not_found", "no active anomaly matches the given ids")
		return
	}

	trace, err := s.traceClient.FetchTrace(ctx, traceID)
	if err != nil {
		s.log.Warn().Err(err).Str("trace_id", traceID).Msg("control: failed to fetch auxiliary trace")
	}

	analysis, err := s.analyzer.AnalyzeOneShot(ctx, anomaly)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"cached": false, "analysis": "Analysis failed: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cached": false, "analysis": analysis, "trace": trace})
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("full") == "true"
	result := s.recalculator.Run(r.Context(), full)
	writeJSON(w, http.StatusOK, result)
}

// timeBaselinesResponse is the §4.10 `timeBaselines()` contract.
type timeBaselinesResponse struct {
	Baselines     []domain.TimeBaseline `json:"baselines"`
	IsCalculating bool                  `json:"isCalculating"`
}

func (s *Server) handleTimeBaselines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, timeBaselinesResponse{
		Baselines:     s.recalculator.All(),
		IsCalculating: s.recalculator.IsCalculating(),
	})
}

// handleCorrelate implements the §4.10 `correlate(anomalyId?, service,
// timestamp)` contract: an anomalyId resolves service and timestamp from
// that anomaly's own detection time; otherwise service is required and
// timestamp defaults to now. An explicit ?timestamp= (unix seconds,
// matching metricsclient.QueryInstant's own encoding) overrides the
// resolved one in either case.
func (s *Server) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	at := time.Now()

	if anomalyID := r.URL.Query().Get("anomalyId"); anomalyID != "" {
		anomaly, found := s.findAnomaly(anomalyID)
		if !found {
			writeError(w, http.StatusNotFound, "anomaly_not_found", "no active anomaly matches the given id")
			return
		}
		service = anomaly.Service
		at = anomaly.Timestamp
	}

	if raw := r.URL.Query().Get("timestamp"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_timestamp", "timestamp must be unix seconds")
			return
		}
		at = time.Unix(sec, 0)
	}

	if service == "" {
		writeError(w, http.StatusBadRequest, "missing_service", "service is required")
		return
	}
	writeJSON(w, http.StatusOK, s.correlator.Correlate(r.Context(), service, at))
}

func (s *Server) findAnomaly(anomalyID string) (domain.Anomaly, bool) {
	for _, a := range s.detector.Active() {
		if a.ID == anomalyID {
			return a, true
		}
	}
	if s.amounts != nil {
		for _, a := range s.amounts.Active() {
			if a.ID == anomalyID {
				return a, true
			}
		}
	}
	return domain.Anomaly{}, false
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	summaries := make([]correlator.Summary, 0, len(s.services))
	for _, svc := range s.services {
		summaries = append(summaries, s.correlator.Correlate(r.Context(), svc, now))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleMetricsHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": s.metricsClient.Healthy(r.Context())})
}

type rateExampleRequest struct {
	Anomaly    domain.Anomaly        `json:"anomaly"`
	Prompt     string                `json:"prompt"`
	Completion string                `json:"completion"`
	Rating     domain.TrainingRating `json:"rating"`
	Correction string                `json:"correction,omitempty"`
	Notes      string                `json:"notes,omitempty"`
}

func (s *Server) handleTrainingRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req rateExampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Rating != domain.RatingGood && req.Rating != domain.RatingBad {
		writeError(w, http.StatusBadRequest, "invalid_rating", "rating must be good or bad")
		return
	}

	ex := domain.TrainingExample{
		ID:         uuid.New().String(),
		Anomaly:    req.Anomaly,
		Prompt:     req.Prompt,
		Completion: req.Completion,
		Rating:     req.Rating,
		Correction: req.Correction,
		Notes:      req.Notes,
		Timestamp:  time.Now(),
	}
	if err := s.store.InsertTrainingExample(r.Context(), ex); err != nil {
		writeError(w, http.StatusInternalServerError, "insert_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleTrainingStats(w http.ResponseWriter, r *http.Request) {
	examples, err := s.store.ListTrainingExamples(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	good, bad := 0, 0
	for _, ex := range examples {
		if ex.Rating == domain.RatingGood {
			good++
		} else {
			bad++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"total": len(examples), "good": good, "bad": bad})
}

func (s *Server) handleTrainingList(w http.ResponseWriter, r *http.Request) {
	examples, err := s.store.ListTrainingExamples(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, examples)
}

func (s *Server) handleTrainingExport(w http.ResponseWriter, r *http.Request) {
	examples, err := s.store.ListTrainingExamples(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, ex := range examples {
		_ = enc.Encode(map[string]string{"prompt": ex.Prompt, "completion": ex.Completion})
	}
}

func (s *Server) handleTrainingDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST or DELETE required")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing_id", "id is required")
		return
	}
	if err := s.store.DeleteTrainingExample(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleStream exposes the Subscriber Bus (spec §4.8) as a
// server-sent-events feed, the HTTP-reachable half of the push contract.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}

	id, events := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func intQueryParam(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}
