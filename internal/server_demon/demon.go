package server_demon

import (
	"context"
	"time"

	"marketpay/internal/config"
	entity "marketpay/internal/entity"
	"marketpay/utils/connector"

	"go.uber.org/zap"
)

type PayoutProcessor interface {
	ProcessPayout(ctx context.Context, payoutID string) (*entity.PayoutResult, error)
}

// DueLister finds payouts whose scheduled time has come.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Daemon pays out scheduled seller payouts. On every tick it refills the
// queue with due payout ids and drains it.
type Daemon struct {
	payouts   PayoutProcessor
	storage   DueLister
	taskQueue connector.Queue[string]
	interval  time.Duration
	batchSize int
	now       func() time.Time
	log       *zap.Logger
}

func NewDaemon(payouts PayoutProcessor, storage DueLister, taskQueue connector.Queue[string], cfg *config.Config, log *zap.Logger) *Daemon {
	return &Daemon{
		payouts:   payouts,
		storage:   storage,
		taskQueue: taskQueue,
		interval:  cfg.Daemon.PollInterval,
		batchSize: cfg.Daemon.BatchSize,
		now:       time.Now,
		log:       log.With(zap.String("component", "payout_daemon")),
	}
}

// Run blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Info("Payout daemon started", zap.Duration("interval", d.interval))
	for {
		d.Tick(ctx)
		select {
		case <-ctx.Done():
			d.log.Info("Payout daemon gracefully stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick refills the queue from storage and processes everything in it.
func (d *Daemon) Tick(ctx context.Context) {
	ids, err := d.storage.ListDue(ctx, d.now(), d.batchSize)
	if err != nil {
		d.log.Error("Unable to list due payouts", zap.Error(err))
	} else if len(ids) > 0 {
		d.taskQueue.EnqueueList(ids)
		d.log.Info("Queued due payouts", zap.Int("count", len(ids)))
	}

	for ctx.Err() == nil {
		id, ok := d.taskQueue.Dequeue()
		if !ok {
			return
		}
		d.processNext(ctx, id)
	}
}

func (d *Daemon) processNext(ctx context.Context, payoutID string) {
	result, err := d.payouts.ProcessPayout(ctx, payoutID)
	switch {
	case err == nil:
		d.log.Info("Payout processed",
			zap.String("payout_id", payoutID),
			zap.String("provider_payout_id", result.ProviderPayoutID))
	case entity.IsKind(err, entity.KindState):
		d.log.Info("Payout skipped", zap.String("payout_id", payoutID), zap.Error(err))
	default:
		// Pending payouts are listed again on the next tick.
		d.log.Error("Payout processing failed", zap.String("payout_id", payoutID), zap.Error(err))
	}
}
