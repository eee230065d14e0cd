package main

// ---------------------------------------------------------------------------
// cmd_run.go — start the detection pipeline
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeguard-project/nodeguard/internal/core"
	"github.com/nodeguard-project/nodeguard/internal/correlation"
	"github.com/nodeguard-project/nodeguard/internal/decision"
	"github.com/nodeguard-project/nodeguard/internal/features"
	"github.com/nodeguard-project/nodeguard/internal/ingest"
	"github.com/nodeguard-project/nodeguard/internal/oracle"
	"github.com/nodeguard-project/nodeguard/internal/persist"
	"github.com/nodeguard-project/nodeguard/internal/pipeline"
	"github.com/nodeguard-project/nodeguard/internal/scoring"
	"github.com/nodeguard-project/nodeguard/internal/store"
)

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "configs/nodeguard.yaml", "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	fs.Parse(args)

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := newLogger(cfg)
	logger.Info().Str("version", version).Msg("nodeguard detection core starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
}

func newLogger(cfg *core.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func run(cfg *core.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	metrics := core.NewMetrics()
	var metricsSrv *core.MetricsServer
	if cfg.Metrics.Enabled {
		metricsSrv = core.NewMetricsServer(cfg.Metrics, metrics, logger)
		metricsSrv.Start()
	}

	// Store: postgres when a DSN is configured, in-memory otherwise.
	var st store.Store
	if cfg.Store.DSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Store, logger)
		if err != nil {
			return fmt.Errorf("connecting store: %w", err)
		}
		st = pg
	} else {
		logger.Warn().Msg("no store DSN configured, using in-memory store")
		st = store.NewMemoryStore()
	}

	bus, err := core.NewEventBus(cfg.Bus, logger)
	if err != nil {
		st.Close()
		return fmt.Errorf("connecting event bus: %w", err)
	}

	holder, err := features.NewCodecHolder(features.DefaultCodec())
	if err != nil {
		return fmt.Errorf("initializing feature codec: %w", err)
	}
	extractor := features.NewExtractor(cfg.Features, holder)

	classifiers := make([]scoring.Classifier, 0, len(cfg.Scoring.Classifiers))
	for _, c := range cfg.Scoring.Classifiers {
		classifiers = append(classifiers, scoring.NewHTTPClassifier(c))
	}
	if len(classifiers) == 0 {
		logger.Warn().Msg("no classifiers configured, events score neutral 0.5")
	}
	scorer := scoring.NewScorer(cfg.Scoring, classifiers, logger)

	correlator, err := correlation.NewEngine(cfg.Correlation, st, logger)
	if err != nil {
		return fmt.Errorf("creating correlation engine: %w", err)
	}

	var notifier decision.Notifier
	if cfg.Oracle.Enabled && cfg.Oracle.URL != "" {
		notifier = oracle.NewClient(cfg.Oracle, logger)
	}
	decider := decision.NewMaker(cfg.Detection, notifier, logger)

	writer := persist.NewWriter(cfg.Queue, st, metrics, logger)
	writer.Start()

	pipe := pipeline.New(pipeline.Config{
		Extractor:          extractor,
		Scorer:             scorer,
		Correlator:         correlator,
		Decider:            decider,
		Writer:             writer,
		Publisher:          bus,
		Metrics:            metrics,
		IndicatorThreshold: cfg.Detection.IndicatorThreshold,
	}, logger)

	dedup := core.NewEventDedup(30*time.Second, 50000)
	stopCleanup := dedup.StartCleanup(time.Minute)

	consumer := ingest.NewConsumer(cfg.Bus.Workers, pipe, dedup, metrics, logger)
	consumer.Start()

	if err := bus.SubscribeTelemetry(consumer.Handle); err != nil {
		return fmt.Errorf("subscribing to telemetry: %w", err)
	}

	logger.Info().
		Str("subject", cfg.Bus.Subject).
		Str("durable", cfg.Bus.Durable).
		Int("workers", cfg.Bus.Workers).
		Msg("detection pipeline running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	// Shutdown order: stop intake first, then drain workers and the
	// persistence queue, then release external resources.
	_ = bus.Close()
	consumer.Close(cfg.Queue.DrainTimeout)
	writer.Close()
	stopCleanup()
	st.Close()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsSrv.Stop(shutdownCtx)
		cancel()
	}

	stats := pipe.Stats()
	logger.Info().
		Int64("processed", stats.Processed).
		Int64("incidents", stats.Incidents).
		Msg("nodeguard detection core stopped")
	return nil
}
