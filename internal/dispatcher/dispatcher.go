// Package dispatcher is the scheduled notification delivery engine: it
// claims due messages from the store on a fixed tick, drives each one
// through the quota gate, renderer and SMS channel, and owns the
// retry/terminal-failure state machine.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"salonpro-notify/internal/model"
	"salonpro-notify/internal/sms"
	"salonpro-notify/pkg/logger"
	"salonpro-notify/pkg/metrics"
	"salonpro-notify/pkg/trace"
)

// Store is the durable message store contract. ClaimDueBatch must be atomic
// across concurrent dispatcher instances: no id is ever handed to two
// callers.
type Store interface {
	ClaimDueBatch(ctx context.Context, limit int) ([]*model.ScheduledNotification, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, currentAttempts int, reason string) (time.Time, error)
	ScheduleQuotaRetry(ctx context.Context, id uuid.UUID, currentAttempts int, reason string) (time.Time, error)
}

// QuotaGate consumes one unit for a billable send. A quota.ErrQuotaExceeded
// return is an explicit refusal; any other error is a technical fault.
type QuotaGate interface {
	Consume(ctx context.Context, salonID uuid.UUID, relatedID *uuid.UUID, purpose string) (int64, error)
}

// Channel is the outbound delivery port.
type Channel interface {
	Send(ctx context.Context, salonID uuid.UUID, recipient, text string) (*sms.SendResult, error)
	SendDirect(ctx context.Context, recipient, text string) (*sms.SendResult, error)
}

// Renderer builds the final message text.
type Renderer interface {
	Render(n *model.ScheduledNotification) (string, error)
}

// Auditor records every attempt. Implementations must not fail the caller.
type Auditor interface {
	Record(ctx context.Context, rec *model.DeliveryRecord)
}

type Dispatcher struct {
	store    Store
	quota    QuotaGate
	channel  Channel
	renderer Renderer
	auditor  Auditor
	logger   *zap.Logger

	batchSize   int
	interval    time.Duration
	sendTimeout time.Duration

	// Process-local reentrancy guard: a tick never starts while the
	// previous one is still draining. Cross-process safety is the store's
	// job (claim skips locked rows); this flag only prevents self-overlap.
	inFlight atomic.Bool
}

func NewDispatcher(
	store Store,
	quota QuotaGate,
	channel Channel,
	renderer Renderer,
	auditor Auditor,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:       store,
		quota:       quota,
		channel:     channel,
		renderer:    renderer,
		auditor:     auditor,
		logger:      logger,
		batchSize:   20,
		interval:    time.Minute,
		sendTimeout: 30 * time.Second,
	}
}

// WithBatchSize sets the maximum batch claimed per tick.
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// WithInterval sets the tick interval.
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

// WithSendTimeout bounds each individual send call.
func (d *Dispatcher) WithSendTimeout(timeout time.Duration) *Dispatcher {
	d.sendTimeout = timeout
	return d
}

// Start runs the tick loop until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting notification dispatcher",
		zap.Int("batch_size", d.batchSize),
		zap.Duration("interval", d.interval),
		zap.Duration("send_timeout", d.sendTimeout),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Notification dispatcher stopped")
			return
		case <-ticker.C:
			d.RunTick(ctx)
		}
	}
}

// RunTick claims one batch of due notifications and processes every claimed
// message independently and concurrently. Overlapping invocations are
// skipped; an empty or failed claim ends the tick without error — the next
// tick retries naturally.
func (d *Dispatcher) RunTick(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		d.logger.Debug("Skipping tick, previous tick still running")
		metrics.RecordTick("skipped")
		return
	}
	defer d.inFlight.Store(false)

	ctx = trace.WithContext(ctx, trace.GenerateTraceID())
	log := logger.WithTrace(ctx, d.logger)

	batch, err := d.store.ClaimDueBatch(ctx, d.batchSize)
	if err != nil {
		log.Error("Failed to claim due notifications", zap.Error(err))
		metrics.RecordTick("error")
		return
	}

	if len(batch) == 0 {
		metrics.RecordTick("empty")
		return
	}

	metrics.RecordTick("processed")
	metrics.RecordClaimBatch(len(batch))

	log.Debug("Processing claimed notifications", zap.Int("count", len(batch)))

	var sent, failed atomic.Int64
	var wg sync.WaitGroup
	for _, n := range batch {
		wg.Add(1)
		go func(n *model.ScheduledNotification) {
			defer wg.Done()
			if d.processOne(ctx, n) {
				sent.Add(1)
			} else {
				failed.Add(1)
			}
		}(n)
	}
	wg.Wait()

	log.Info("Tick complete",
		zap.Int("claimed", len(batch)),
		zap.Int64("sent", sent.Load()),
		zap.Int64("not_sent", failed.Load()),
	)
}
