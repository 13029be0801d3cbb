// cmd/server/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kx-platform/trace-anomaly/internal/amounts"
	"github.com/kx-platform/trace-anomaly/internal/config"
	"github.com/kx-platform/trace-anomaly/internal/control"
	"github.com/kx-platform/trace-anomaly/internal/correlator"
	"github.com/kx-platform/trace-anomaly/internal/detector"
	"github.com/kx-platform/trace-anomaly/internal/llmclient"
	"github.com/kx-platform/trace-anomaly/internal/logging"
	"github.com/kx-platform/trace-anomaly/internal/metricsclient"
	"github.com/kx-platform/trace-anomaly/internal/profiler"
	"github.com/kx-platform/trace-anomaly/internal/recalculator"
	"github.com/kx-platform/trace-anomaly/internal/store"
	"github.com/kx-platform/trace-anomaly/internal/streamanalyzer"
	"github.com/kx-platform/trace-anomaly/internal/subscribers"
	"github.com/kx-platform/trace-anomaly/internal/supervisor"
	"github.com/kx-platform/trace-anomaly/internal/traceclient"
	"github.com/kx-platform/trace-anomaly/internal/tracing"
	"github.com/kx-platform/trace-anomaly/internal/txclient"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg := config.Load(os.Args[1:])
	log := logging.New(os.Getenv("LOG_FORMAT") == "json")

	if err := tracing.Init(cfg.JaegerURL); err != nil {
		log.Warn().Err(err).Msg("main: failed to initialize tracing, continuing without spans")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	historyStore, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("main: failed to open history store")
	}
	defer historyStore.Close()

	traceSource := traceclient.New(cfg.TraceBackendURL, cfg.MonitoredServices, cfg.OutboundTimeout)
	metricsSource := metricsclient.New(cfg.MetricsBackendURL, cfg.OutboundTimeout)
	llm := llmclient.New(cfg.LLMURL, cfg.LLMModel, cfg.OutboundTimeout)

	bus := subscribers.New()

	analyzer, err := streamanalyzer.New(llm, bus, prometheus.DefaultRegisterer, logging.Component(log, "streamanalyzer"))
	if err != nil {
		log.Fatal().Err(err).Msg("main: failed to create stream analyzer")
	}

	spanProfiler := profiler.New(traceSource, historyStore, cfg.MonitoredServices, logging.Component(log, "profiler"))
	recalc := recalculator.New(traceSource, historyStore, cfg.MonitoredServices, cfg.HotWindow, logging.Component(log, "recalculator"))
	anomalyDetector := detector.New(traceSource, recalc, spanProfiler, historyStore, analyzer, cfg.MonitoredServices,
		cfg.MinSamplesForLatency, cfg.AnomalyRetentionLatency, logging.Component(log, "detector"))

	var amountDetector *amounts.Detector
	if cfg.EnableAmountAnomalyDetection {
		txSource := txclient.New(cfg.OperationalStoreURL, cfg.OutboundTimeout)
		amountDetector = amounts.New(txSource, historyStore, analyzer, cfg.MinSamplesForAmounts, cfg.AnomalyRetentionAmounts, logging.Component(log, "amounts"))
	}

	metricsCorrelator := correlator.New(metricsSource)

	sup := supervisor.New(log)
	sup.Register("profiler", spanProfiler, cfg.ProfilerPollInterval)
	sup.Register("detector", anomalyDetector, cfg.DetectorPollInterval)
	sup.Register("streamanalyzer", supervisor.Func(analyzer.Run), 0)
	sup.Register("subscriber-heartbeat", bus, cfg.HeartbeatInterval)
	if amountDetector != nil {
		sup.Register("amounts", amountDetector, cfg.AmountPollInterval)
	}
	sup.Start(ctx)

	controlServer := control.New(cfg.HTTPAddr, control.Deps{
		Profiler:      spanProfiler,
		Recalculator:  recalc,
		Detector:      anomalyDetector,
		Amounts:       amountDetector,
		Correlator:    metricsCorrelator,
		Analyzer:      analyzer,
		Store:         historyStore,
		TraceClient:   traceSource,
		MetricsClient: metricsSource,
		Bus:           bus,
		Services:      cfg.MonitoredServices,
		Log:           logging.Component(log, "control"),
	})
	controlServer.Start()

	log.Info().Str("addr", cfg.HTTPAddr).Strs("services", cfg.MonitoredServices).Msg("main: trace-anomaly core started")

	<-ctx.Done()
	log.Info().Msg("main: shutdown signal received")

	sup.Shutdown(30 * time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("main: control surface shutdown error")
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("main: tracing shutdown error")
	}

	log.Info().Msg("main: stopped")
}
