package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"autopit/internal/config"
	"autopit/internal/models"
	"autopit/internal/store"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func workerConfig(t *testing.T, redisAddr string) config.Config {
	return config.Config{
		Env:                   "test",
		MetricsAddr:           freeAddr(t),
		LogLevel:              "error",
		BusBackend:            config.BusRedis,
		ChannelCapacity:       1,
		RedisAddr:             redisAddr,
		StreamName:            "worker.service",
		StreamGroup:           "worker.group",
		StreamConsumer:        "worker-test",
		StreamPrefetch:        4,
		StreamBlock:           50 * time.Millisecond,
		StreamMaxRedeliveries: 2,
		StreamDeadLetter:      "worker.service.dead",
		ReconnectInterval:     20 * time.Millisecond,
		StoreBackend:          config.StoreSQLite,
		SQLitePath:            filepath.Join(t.TempDir(), "worker.db"),
		RecoveryEnabled:       true,
		RecoveryStaleAfter:    5 * time.Millisecond,
		RecoveryInterval:      time.Hour,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunRejectsMemoryBus(t *testing.T) {
	cfg := workerConfig(t, "127.0.0.1:1")
	cfg.BusBackend = config.BusMemory
	if code := run(context.Background(), cfg, quietLogger()); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestRunReleasesResourcesOnShutdown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	cfg := workerConfig(t, mr.Addr())

	// A request abandoned mid-diagnosis by a previous worker.
	seed, err := store.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	stuck := models.NewServiceRequest("1HGCM82633A004352", "stalls at idle", 3, time.Now())
	stuck.Status = models.StatusDiagnosing
	if err := seed.UpsertServiceRequest(context.Background(), stuck); err != nil {
		t.Fatalf("persist: %v", err)
	}
	_ = seed.Close()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	codes := make(chan int, 1)
	go func() { codes <- run(ctx, cfg, quietLogger()) }()

	st, err := store.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := st.GetServiceRequest(context.Background(), stuck.ID)
		if err == nil && got.Status == models.StatusComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recovered request never completed (last %s, err %v)", got.Status, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case code := <-codes:
		if code != 0 {
			t.Fatalf("expected exit code 0 after shutdown, got %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return after cancellation")
	}

	// The metrics listener is closed by the deferred cleanup.
	ln, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		t.Fatalf("metrics address still held after run returned: %v", err)
	}
	_ = ln.Close()
}
