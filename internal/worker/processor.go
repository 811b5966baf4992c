package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"autopit/internal/bus"
	"autopit/internal/models"
	"autopit/internal/store"
	"autopit/internal/telemetry"
)

// ErrStreamClosed reports that the delivery stream ended while the worker was
// still meant to be running.
var ErrStreamClosed = errors.New("delivery stream closed")

// OrderExporter receives completed orders for archival.
type OrderExporter interface {
	Export(ctx context.Context, order models.ServiceOrder) (string, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	bus       bus.Bus
	store     store.Store
	diagnoser Diagnoser
	exporter  OrderExporter
	logger    *slog.Logger
	now       func() time.Time
}

func NewProcessor(b bus.Bus, st store.Store, d Diagnoser, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		bus:       b,
		store:     st,
		diagnoser: d,
		logger:    logger.With("component", "worker"),
		now:       time.Now,
	}
}

// SetExporter archives every completed order through e. Export failures are
// logged and do not affect the request's status.
func (p *Processor) SetExporter(e OrderExporter) {
	p.exporter = e
}

// Run consumes the bus until ctx is cancelled, processing one request at a time.
// It returns ctx.Err() on shutdown and ErrStreamClosed if the stream ends on its own.
func (p *Processor) Run(ctx context.Context) error {
	stream, err := p.bus.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	p.logger.Info("worker online")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-stream:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrStreamClosed
			}
			if d, ok := p.bus.(interface{ Depth() int }); ok {
				telemetry.QueueDepthGauge.Set(float64(d.Depth()))
			}
			_ = p.Process(ctx, req)
		}
	}
}

// Process runs one request through Diagnosing to a terminal status and returns
// the failure it recorded, if any. If ctx is cancelled mid-way the request is
// left in Diagnosing rather than marked terminal.
func (p *Processor) Process(ctx context.Context, req models.ServiceRequest) error {
	start := p.now()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	log := p.logger.With("request_id", req.ID, "priority", req.Priority)

	diagnosing, err := req.Transition(models.StatusDiagnosing, "")
	if err != nil {
		log.Error("refusing delivered request", "status", req.Status, "error", err)
		return err
	}
	if err := p.store.UpsertServiceRequest(ctx, diagnosing); err != nil {
		return p.fail(ctx, log, diagnosing, fmt.Errorf("mark diagnosing: %w", err))
	}
	log.Info("diagnosing")

	order, err := p.diagnoser.Diagnose(ctx, diagnosing)
	if err != nil {
		return p.fail(ctx, log, diagnosing, err)
	}
	if err := p.store.SaveOrder(ctx, order); err != nil {
		return p.fail(ctx, log, diagnosing, fmt.Errorf("save order: %w", err))
	}
	complete, _ := diagnosing.Transition(models.StatusComplete, "")
	if err := p.store.UpsertServiceRequest(ctx, complete); err != nil {
		return p.fail(ctx, log, diagnosing, fmt.Errorf("mark complete: %w", err))
	}

	telemetry.RequestsCompleted.Inc()
	telemetry.ProcessingDuration.Observe(p.now().Sub(start).Seconds())
	log.Info("complete", "technician", order.Technician, "estimate", order.EstimatedCost)

	if p.exporter != nil {
		if location, err := p.exporter.Export(ctx, order); err != nil {
			log.Warn("order export failed", "error", err)
		} else {
			log.Debug("order exported", "location", location)
		}
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, log *slog.Logger, diagnosing models.ServiceRequest, cause error) error {
	if ctx.Err() != nil {
		log.Warn("processing interrupted by shutdown", "error", cause)
		return cause
	}
	failed, _ := diagnosing.Transition(models.StatusFailed, cause.Error())
	if err := p.store.UpsertServiceRequest(ctx, failed); err != nil {
		log.Error("could not record failure", "reason", failed.FailureReason, "error", err)
	}
	telemetry.RequestsFailed.Inc()
	log.Warn("failed", "reason", failed.FailureReason)
	return cause
}

// Recover republishes requests that have sat in Diagnosing since before
// now-staleAfter, which happens when a worker dies mid-request. Each one is
// touched first so the next sweep does not send it again while it waits in the
// queue. Redelivery re-runs them and the upserts make that idempotent.
func (p *Processor) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	stale, err := p.store.ListStaleRequests(ctx, models.StatusDiagnosing, p.now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale requests: %w", err)
	}
	recovered := 0
	for _, req := range stale {
		if err := p.store.UpsertServiceRequest(ctx, req); err != nil {
			return recovered, fmt.Errorf("touch %s: %w", req.ID, err)
		}
		if err := p.bus.Publish(ctx, req); err != nil {
			return recovered, fmt.Errorf("republish %s: %w", req.ID, err)
		}
		recovered++
		telemetry.RecoveredRequests.Inc()
		p.logger.Warn("republished stale request", "request_id", req.ID)
	}
	return recovered, nil
}

// RunRecovery sweeps at once and then every interval until ctx ends, so a
// request left behind by a worker that restarted quickly is picked up once it
// turns stale. A non-positive interval means half of staleAfter.
func (p *Processor) RunRecovery(ctx context.Context, staleAfter, interval time.Duration) error {
	if interval <= 0 {
		interval = staleAfter / 2
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := p.Recover(ctx, staleAfter)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			p.logger.Warn("recovery sweep failed", "recovered", n, "error", err)
		case n > 0:
			p.logger.Info("recovery sweep done", "recovered", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
