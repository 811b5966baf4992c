// Package bus moves service requests from producers to the worker.
//
// Two transports share the Bus contract: MemoryBus, a bounded in-process queue
// for single-process deployments, and StreamBus, a Redis Streams consumer group
// that survives restarts and redelivers unacknowledged messages.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"autopit/internal/config"
	"autopit/internal/models"
)

var (
	// ErrRejected means the transport did not accept a publish. The request was
	// not queued and may be resubmitted with the same id.
	ErrRejected = errors.New("publish rejected")
	// ErrClosed is returned once the bus has been shut down.
	ErrClosed = errors.New("bus closed")
	// ErrDecode marks a delivered message that is not a valid service request.
	ErrDecode = errors.New("decode failure")
)

// Bus accepts published requests and delivers them to a single logical consumer.
type Bus interface {
	// Publish enqueues req, suspending while the transport is full. It never
	// drops work; a failure is reported as ErrRejected.
	Publish(ctx context.Context, req models.ServiceRequest) error
	// Consume returns the delivery stream, FIFO within one session. The stream
	// ends when ctx is cancelled or the bus is closed.
	Consume(ctx context.Context) (<-chan models.ServiceRequest, error)
	// Close releases every transport resource held by the bus.
	Close() error
}

// Open builds the transport selected by cfg.BusBackend.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Bus, error) {
	switch cfg.BusBackend {
	case config.BusMemory, "":
		return NewMemoryBus(cfg.ChannelCapacity, logger), nil
	case config.BusRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return NewStreamBus(ctx, client, StreamConfig{
			Stream:            cfg.StreamName,
			Group:             cfg.StreamGroup,
			Consumer:          cfg.StreamConsumer,
			DeadLetter:        cfg.StreamDeadLetter,
			Prefetch:          cfg.StreamPrefetch,
			Block:             cfg.StreamBlock,
			MaxRedeliveries:   cfg.StreamMaxRedeliveries,
			ClaimMinIdle:      cfg.StreamClaimMinIdle,
			ReconnectInterval: cfg.ReconnectInterval,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}
}

func rejected(cause error) error {
	return fmt.Errorf("%w: %w", ErrRejected, cause)
}
