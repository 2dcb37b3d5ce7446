package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"ordercore/internal/bootstrap"
	"ordercore/internal/core"
	"ordercore/internal/directory"
	"ordercore/internal/engine"
	"ordercore/internal/eventbus"
	"ordercore/internal/holdings"
	"ordercore/internal/idempotency"
	"ordercore/internal/infrastructure/health"
	"ordercore/internal/infrastructure/metrics"
	"ordercore/internal/settlement"
	"ordercore/internal/store"
	"ordercore/internal/validate"
	"ordercore/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/server.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ordercore version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg := app.Cfg
	logger := app.Logger

	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			logger.Warn("failed to initialize metrics exporter", "error", err)
		}
	}
	if _, err := telemetry.Setup("ordercore"); err != nil {
		logger.Error("failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	sqliteStore, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer sqliteStore.Close()

	settlementDelay, err := cfg.Engine.SettlementDelayDuration()
	if err != nil {
		logger.Error("invalid settlement delay", "error", err)
		os.Exit(1)
	}

	dir := directory.NewHTTPDirectory(cfg.Directory)
	validator := validate.NewSequentialValidator(logger)
	mutator := holdings.NewMutator()
	registry := idempotency.NewRegistry(logger)
	bus := eventbus.NewBus(logger)
	scheduler := settlement.NewScheduler(sqliteStore, bus, logger, settlementDelay)

	eng := engine.New(sqliteStore, dir, validator, mutator, registry, bus, scheduler, logger, engine.Config{
		WorkerPoolSize:    cfg.Engine.WorkerPoolSize,
		WorkerQueueSize:   cfg.Engine.WorkerQueueSize,
		StepTimeout:       cfg.Engine.StepTimeout(),
		SettlementDelay:   settlementDelay,
		MaxExecuteRetries: cfg.Engine.MaxExecuteRetries,
	})

	healthMgr := health.NewHealthManager(logger)
	healthMgr.Register("store", func() error { return sqliteStore.Ping() })

	metricsSrv := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	healthSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Telemetry.HealthPort),
		Handler: healthMgr.Handler(),
	}

	runners := []bootstrap.Runner{
		engineRunner{eng},
		schedulerRunner{scheduler},
		metricsRunner{metricsSrv},
		httpRunner{healthSrv, logger},
	}

	logger.Info("ordercore starting",
		"version", version,
		"store", cfg.Store.Path,
		"workers", cfg.Engine.WorkerPoolSize,
		"metrics_port", cfg.Telemetry.MetricsPort,
		"health_port", cfg.Telemetry.HealthPort,
	)

	if err := app.Run(runners...); err != nil {
		logger.Error("ordercore stopped with error", "error", err)
		os.Exit(1)
	}
}

// engineRunner adapts engine.Engine to bootstrap.Runner: Start is
// non-blocking, so Run blocks on ctx and stops the engine on cancellation.
type engineRunner struct{ eng engine.Engine }

func (r engineRunner) Run(ctx context.Context) error {
	if err := r.eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	<-ctx.Done()
	r.eng.Stop()
	return nil
}

type schedulerRunner struct{ s *settlement.Scheduler }

func (r schedulerRunner) Run(ctx context.Context) error {
	if err := r.s.Start(ctx); err != nil {
		return fmt.Errorf("start settlement scheduler: %w", err)
	}
	<-ctx.Done()
	r.s.Stop()
	return nil
}

type metricsRunner struct{ s *metrics.Server }

func (r metricsRunner) Run(ctx context.Context) error {
	r.s.Start()
	<-ctx.Done()
	return r.s.Stop(context.Background())
}

type httpRunner struct {
	srv    *http.Server
	logger core.ILogger
}

func (r httpRunner) Run(ctx context.Context) error {
	go func() {
		if err := r.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("health server failed", "error", err)
		}
	}()
	<-ctx.Done()
	return r.srv.Shutdown(context.Background())
}
