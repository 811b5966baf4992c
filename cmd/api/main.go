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

	"github.com/redis/go-redis/v9"

	api "autopit/internal/api"
	"autopit/internal/bus"
	"autopit/internal/config"
	"autopit/internal/export"
	"autopit/internal/ratelimit"
	"autopit/internal/store"
	"autopit/internal/telemetry"
	workerproc "autopit/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	var limiter api.Limiter
	if cfg.RateLimitEnabled {
		limiterClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer limiterClient.Close()
		limiter = ratelimit.NewTokenBucket(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	// The in-process bus has no consumer outside this process, so the worker runs here.
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	workerDone := make(chan struct{})
	if cfg.BusBackend == config.BusMemory {
		go func() {
			defer close(workerDone)
			runEmbeddedWorker(workerCtx, cfg, st, b, logger)
		}()
	} else {
		close(workerDone)
	}

	server := api.New(cfg, st, b, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "bus", cfg.BusBackend, "store", cfg.StoreBackend)
	listenErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
	case err := <-listenErr:
		logger.Error("listen", "error", err)
		code = 1
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	stopWorker()
	<-workerDone
	logger.Info("api stopped")
	return code
}

// runEmbeddedWorker processes the in-process queue and sweeps stale requests
// until ctx ends.
func runEmbeddedWorker(ctx context.Context, cfg config.Config, st store.Store, b bus.Bus, logger *slog.Logger) {
	processor := workerproc.NewProcessor(b, st, workerproc.NewStubDiagnoser(cfg.DiagnosisMinDelay, cfg.DiagnosisMaxDelay), logger)
	exporter, err := export.New(ctx, cfg)
	if err != nil {
		logger.Warn("order export disabled", "error", err)
	} else if exporter != nil {
		processor.SetExporter(exporter)
	}

	sweepDone := make(chan struct{})
	if cfg.RecoveryEnabled {
		go func() {
			defer close(sweepDone)
			_ = processor.RunRecovery(ctx, cfg.RecoveryStaleAfter, cfg.RecoveryInterval)
		}()
	} else {
		close(sweepDone)
	}
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("embedded worker stopped", "error", err)
	}
	<-sweepDone
}
