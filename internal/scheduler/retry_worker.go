package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/LaneJS/aiaca/internal/clock"
	"github.com/LaneJS/aiaca/internal/observability/metrics"
	webhookdomain "github.com/LaneJS/aiaca/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EventProcessor redrives one recorded event through the dispatcher and
// records the outcome.
type EventProcessor interface {
	Process(ctx context.Context, event *webhookdomain.InboundEvent) error
}

// RetryWorker redelivers FAILED events whose backoff has elapsed.
type RetryWorker struct {
	db  *gorm.DB
	log *zap.Logger

	clk       clock.Clock
	repo      webhookdomain.Repository
	processor EventProcessor
	metrics   *metrics.BillingMetrics
	cfg       Config
}

type RetryWorkerParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Repo      webhookdomain.Repository
	Processor EventProcessor
	Metrics   *metrics.BillingMetrics `optional:"true"`
	Config    Config
}

func NewRetryWorker(p RetryWorkerParams) *RetryWorker {
	return &RetryWorker{
		db:  p.DB,
		log: p.Log.Named("scheduler.retry"),

		clk:       p.Clock,
		repo:      p.Repo,
		processor: p.Processor,
		metrics:   p.Metrics,
		cfg:       p.Config.withDefaults(),
	}
}

func (w *RetryWorker) RunForever(ctx context.Context) {
	runEvery(ctx, w.log, w.cfg.RetryInterval, func(ctx context.Context) error {
		_, err := w.RunOnce(ctx)
		return err
	})
}

// RunOnce claims one batch of due events and redrives them. A failure on
// one event does not stop the rest of the batch.
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	if w.db == nil || w.repo == nil || w.processor == nil {
		return 0, errors.New("retry_worker_unavailable")
	}

	claimed, err := w.repo.ClaimRetryable(ctx, w.db, w.clk.Now(), w.cfg.RetryBatchSize)
	if err != nil {
		return 0, err
	}

	redelivered := 0
	for _, event := range claimed {
		if w.metrics != nil {
			w.metrics.RecordEventRetry(ctx, event.EventType)
		}
		if err := w.processor.Process(ctx, event); err != nil {
			w.log.Warn("redelivery failed",
				zap.String("provider_event_id", event.ProviderEventID),
				zap.Int("attempt_count", event.AttemptCount),
				zap.Error(err),
			)
			continue
		}
		redelivered++
	}
	if len(claimed) > 0 {
		w.log.Info("retry sweep complete",
			zap.Int("claimed", len(claimed)),
			zap.Int("redelivered", redelivered),
		)
	}
	return redelivered, nil
}

// runEvery runs fn immediately and then on every tick until ctx ends.
func runEvery(ctx context.Context, log *zap.Logger, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil {
			log.Warn("sweep run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
