package bus

import (
	"context"
	"log/slog"
	"sync"

	"autopit/internal/models"
	"autopit/internal/telemetry"
)

// MemoryBus is a fixed-capacity FIFO shared by publishers and one consumer in
// the same process. Unconsumed requests are lost when the process exits.
type MemoryBus struct {
	ch        chan models.ServiceRequest
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger

	// Publishers hold mu for reading; Close takes it for writing after
	// closing done, so no send can land after Close returns.
	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus creates a queue holding at most capacity requests.
func NewMemoryBus(capacity int, logger *slog.Logger) *MemoryBus {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		ch:     make(chan models.ServiceRequest, capacity),
		done:   make(chan struct{}),
		logger: logger.With("component", "bus", "backend", "memory"),
	}
}

// Publish blocks while the queue is full. Blocked publishers are admitted in
// the order they arrived.
func (b *MemoryBus) Publish(ctx context.Context, req models.ServiceRequest) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		telemetry.PublishRejects.WithLabelValues("memory").Inc()
		return rejected(ErrClosed)
	}
	select {
	case <-b.done:
		telemetry.PublishRejects.WithLabelValues("memory").Inc()
		return rejected(ErrClosed)
	default:
	}
	select {
	case b.ch <- req:
		telemetry.PublishedCounter.WithLabelValues("memory").Inc()
		telemetry.QueueDepthGauge.Set(float64(len(b.ch)))
		return nil
	case <-ctx.Done():
		telemetry.PublishRejects.WithLabelValues("memory").Inc()
		b.logger.Warn("publish abandoned while queue full", "request_id", req.ID, "capacity", cap(b.ch), "error", ctx.Err())
		return rejected(ctx.Err())
	case <-b.done:
		telemetry.PublishRejects.WithLabelValues("memory").Inc()
		return rejected(ErrClosed)
	}
}

// Consume hands out the queue itself; values are typed so there is no decode step.
func (b *MemoryBus) Consume(_ context.Context) (<-chan models.ServiceRequest, error) {
	select {
	case <-b.done:
		return nil, ErrClosed
	default:
	}
	return b.ch, nil
}

// Depth reports how many requests are waiting.
func (b *MemoryBus) Depth() int {
	return len(b.ch)
}

// Close stops accepting publishes and wakes blocked publishers. It returns
// once every in-flight publish has settled. The channel is left open so no
// send can panic; consumers stop on their context.
func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.closed = true
		n := len(b.ch)
		b.mu.Unlock()
		if n > 0 {
			b.logger.Warn("closing with unconsumed requests", "pending", n)
		}
	})
	return nil
}
