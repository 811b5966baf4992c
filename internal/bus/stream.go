package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"autopit/internal/models"
	"autopit/internal/telemetry"
)

const (
	fieldBody     = "body"
	fieldAttempts = "attempts"
	fieldError    = "error"

	// pendingCursor re-reads this consumer's unacknowledged entries; newCursor reads fresh ones.
	pendingCursor = "0"
	newCursor     = ">"

	ackTimeout = 5 * time.Second
)

// StreamConfig names the broker topology and delivery limits.
type StreamConfig struct {
	Stream     string
	Group      string
	Consumer   string
	DeadLetter string
	// Prefetch caps how many unacknowledged messages one read may hold.
	Prefetch int
	// Block bounds each blocking read so cancellation is noticed.
	Block time.Duration
	// MaxRedeliveries moves a message that failed to decode this many times to DeadLetter. Zero never dead-letters.
	MaxRedeliveries int
	// ClaimMinIdle lets this consumer take over entries another consumer has
	// held unacknowledged for at least this long. Zero disables claiming.
	ClaimMinIdle      time.Duration
	ReconnectInterval time.Duration
}

// DeadLetter is a message the consumer gave up decoding.
type DeadLetter struct {
	ID       string `json:"id"`
	Body     string `json:"body"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// StreamBus is the durable transport: a Redis stream read through a consumer
// group with manual acknowledgement.
type StreamBus struct {
	client *redis.Client
	cfg    StreamConfig
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[int]context.CancelFunc
	nextID   int
	wg       sync.WaitGroup
}

// NewStreamBus declares the stream and consumer group and returns a bus that
// owns client.
func NewStreamBus(ctx context.Context, client *redis.Client, cfg StreamConfig, logger *slog.Logger) (*StreamBus, error) {
	if cfg.Stream == "" {
		cfg.Stream = "autopit.service"
	}
	if cfg.Group == "" {
		cfg.Group = "autopit.workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.DeadLetter == "" {
		cfg.DeadLetter = cfg.Stream + ".dead"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	// A zero block duration would block forever in XREADGROUP.
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &StreamBus{
		client: client,
		cfg:      cfg,
		sessions: make(map[int]context.CancelFunc),
		logger: logger.With("component", "bus", "backend", "redis", "stream", cfg.Stream, "consumer", cfg.Consumer),
	}
	if err := b.declare(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// declare creates the stream and group if they are missing.
func (b *StreamBus) declare(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("declare group %s on %s: %w", b.cfg.Group, b.cfg.Stream, err)
	}
	return nil
}

// Publish appends req to the stream. Redis persists it according to its AOF/RDB settings.
func (b *StreamBus) Publish(ctx context.Context, req models.ServiceRequest) error {
	if b.isClosed() {
		telemetry.PublishRejects.WithLabelValues("redis").Inc()
		return rejected(ErrClosed)
	}
	body, err := models.EncodeServiceRequest(req)
	if err != nil {
		telemetry.PublishRejects.WithLabelValues("redis").Inc()
		return rejected(err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]any{fieldBody: string(body), fieldAttempts: 0},
	}).Err()
	if err != nil {
		telemetry.PublishRejects.WithLabelValues("redis").Inc()
		b.logger.Error("publish failed", "request_id", req.ID, "error", err)
		return rejected(fmt.Errorf("xadd %s: %w", b.cfg.Stream, err))
	}
	telemetry.PublishedCounter.WithLabelValues("redis").Inc()
	return nil
}

// Consume starts a consumer session. Entries this consumer left unacknowledged
// in an earlier session are delivered first.
func (b *StreamBus) Consume(ctx context.Context) (<-chan models.ServiceRequest, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	id := b.nextID
	b.nextID++
	b.sessions[id] = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	out := make(chan models.ServiceRequest)
	go func() {
		defer b.wg.Done()
		defer b.endSession(id)
		defer close(out)
		b.consume(ctx, out)
	}()
	return out, nil
}

func (b *StreamBus) endSession(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.sessions[id]; ok {
		cancel()
		delete(b.sessions, id)
	}
}

func (b *StreamBus) consume(ctx context.Context, out chan<- models.ServiceRequest) {
	cursor := pendingCursor
	var lastClaim time.Time
	for ctx.Err() == nil {
		if b.cfg.ClaimMinIdle > 0 && time.Since(lastClaim) >= b.cfg.ClaimMinIdle {
			lastClaim = time.Now()
			for _, msg := range b.claim(ctx) {
				if !b.deliver(ctx, msg, out) {
					return
				}
			}
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{b.cfg.Stream, cursor},
			Count:    int64(b.cfg.Prefetch),
			Block:    b.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				b.logger.Warn("consumer group missing, re-declaring", "error", err)
				if derr := b.declare(ctx); derr == nil {
					continue
				}
			}
			b.logger.Warn("read failed, retrying", "error", err, "retry_in", b.cfg.ReconnectInterval)
			if !sleepCtx(ctx, b.cfg.ReconnectInterval) {
				return
			}
			// The broker may have restarted without its data.
			if derr := b.declare(ctx); derr != nil && ctx.Err() == nil {
				b.logger.Warn("re-declare after reconnect failed", "error", derr)
			}
			continue
		}

		var msgs []redis.XMessage
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
		if cursor != newCursor {
			if len(msgs) == 0 {
				cursor = newCursor
				continue
			}
			// Advance through the pending list even if an ack below fails.
			cursor = msgs[len(msgs)-1].ID
		}
		for _, msg := range msgs {
			if !b.deliver(ctx, msg, out) {
				return
			}
		}
	}
}

// claim takes over entries that other consumers read but never acknowledged,
// for example because their process died before handing them off.
func (b *StreamBus) claim(ctx context.Context) []redis.XMessage {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    int64(b.cfg.Prefetch),
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("claim of idle entries failed", "error", err)
		}
		return nil
	}
	if len(msgs) > 0 {
		telemetry.Redeliveries.Add(float64(len(msgs)))
		b.logger.Warn("claimed idle entries from other consumers", "count", len(msgs), "min_idle", b.cfg.ClaimMinIdle)
	}
	return msgs
}

// deliver hands one message to out and acknowledges it. It reports false when
// ctx ended before the handoff; the message then stays pending for redelivery.
func (b *StreamBus) deliver(ctx context.Context, msg redis.XMessage, out chan<- models.ServiceRequest) bool {
	body, attempts := messageFields(msg)
	req, err := models.DecodeServiceRequest([]byte(body))
	if err != nil {
		telemetry.DecodeFailures.Inc()
		b.nack(ctx, msg.ID, body, attempts, fmt.Errorf("%w: %w", ErrDecode, err))
		return true
	}

	select {
	case out <- req:
	case <-ctx.Done():
		return false
	}

	// The handoff completed, so the ack must survive a cancellation racing it.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := b.client.XAck(ackCtx, b.cfg.Stream, b.cfg.Group, msg.ID).Err(); err != nil {
		b.logger.Warn("ack failed, message will be redelivered", "message_id", msg.ID, "request_id", req.ID, "error", err)
	}
	return true
}

// nack requeues a message at the tail of the stream with its attempt count
// raised, or moves it to the dead-letter stream once MaxRedeliveries is reached.
// Append and ack run in one transaction; if it fails the original stays pending.
func (b *StreamBus) nack(ctx context.Context, id, body string, attempts int, cause error) {
	attempts++
	target := b.cfg.Stream
	dead := b.cfg.MaxRedeliveries > 0 && attempts >= b.cfg.MaxRedeliveries
	if dead {
		target = b.cfg.DeadLetter
	}

	nackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	pipe := b.client.TxPipeline()
	pipe.XAdd(nackCtx, &redis.XAddArgs{
		Stream: target,
		Values: map[string]any{fieldBody: body, fieldAttempts: attempts, fieldError: cause.Error()},
	})
	pipe.XAck(nackCtx, b.cfg.Stream, b.cfg.Group, id)
	if _, err := pipe.Exec(nackCtx); err != nil {
		b.logger.Error("nack failed, message stays pending", "message_id", id, "error", err)
		return
	}
	if dead {
		telemetry.DeadLettered.Inc()
		b.logger.Error("message dead-lettered", "message_id", id, "attempts", attempts, "dead_letter", target, "error", cause)
		return
	}
	telemetry.Redeliveries.Inc()
	b.logger.Warn("message requeued", "message_id", id, "attempts", attempts, "error", cause)
}

// DeadLetters returns the most recent dead-lettered messages, newest first.
func (b *StreamBus) DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		count = 100
	}
	msgs, err := b.client.XRevRangeN(ctx, b.cfg.DeadLetter, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		body, attempts := messageFields(m)
		reason, _ := m.Values[fieldError].(string)
		out = append(out, DeadLetter{ID: m.ID, Body: body, Attempts: attempts, Error: reason})
	}
	return out, nil
}

// Close stops consumer sessions, waits for them to exit, and closes the client.
func (b *StreamBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, cancel := range b.sessions {
		cancel()
	}
	b.mu.Unlock()

	b.wg.Wait()
	return b.client.Close()
}

func (b *StreamBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func messageFields(msg redis.XMessage) (string, int) {
	body, _ := msg.Values[fieldBody].(string)
	var attempts int
	if raw, ok := msg.Values[fieldAttempts].(string); ok {
		attempts, _ = strconv.Atoi(raw)
	}
	return body, attempts
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
