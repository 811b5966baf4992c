package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autopit/internal/bus"
	"autopit/internal/config"
	"autopit/internal/export"
	"autopit/internal/store"
	"autopit/internal/telemetry"
	workerproc "autopit/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg, os.Stdout).With("consumer", cfg.StreamConsumer)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, logger)
	cancel()
	os.Exit(code)
}

// run returns the process exit code once every resource it opened is closed.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}
	// A standalone worker cannot see another process's in-memory queue.
	if cfg.BusBackend != config.BusRedis {
		logger.Error("the worker service needs BUS_BACKEND=redis; the memory bus runs inside the api process", "bus", cfg.BusBackend)
		return 1
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("open store", "backend", cfg.StoreBackend, "error", err)
		return 1
	}
	defer st.Close()

	b, err := bus.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open bus", "backend", cfg.BusBackend, "error", err)
		return 1
	}
	defer b.Close()

	processor := workerproc.NewProcessor(b, st, workerproc.NewStubDiagnoser(cfg.DiagnosisMinDelay, cfg.DiagnosisMaxDelay), logger)
	exporter, err := export.New(ctx, cfg)
	if err != nil {
		logger.Error("init order exporter", "error", err)
		return 1
	}
	if exporter != nil {
		processor.SetExporter(exporter)
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	defer metricsServer.Close()

	// Stop the sweep before the deferred closes above run.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	if cfg.RecoveryEnabled {
		go func() {
			defer close(sweepDone)
			_ = processor.RunRecovery(sweepCtx, cfg.RecoveryStaleAfter, cfg.RecoveryInterval)
		}()
	} else {
		close(sweepDone)
	}
	defer func() {
		stopSweep()
		<-sweepDone
	}()

	logger.Info("worker started", "stream", cfg.StreamName, "group", cfg.StreamGroup, "prefetch", cfg.StreamPrefetch)
	err = processor.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("worker stopped")
		return 0
	case errors.Is(err, workerproc.ErrStreamClosed):
		logger.Error("delivery stream ended unexpectedly")
		return 1
	case err != nil:
		logger.Error("worker stopped", "error", err)
		return 1
	}
	return 0
}
