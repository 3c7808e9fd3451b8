package scheduler

import (
	"context"
	"errors"

	"github.com/LaneJS/aiaca/internal/clock"
	idempotencydomain "github.com/LaneJS/aiaca/internal/idempotency/domain"
	webhookdomain "github.com/LaneJS/aiaca/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CompactionWorker bounds ledger growth by removing terminal webhook rows
// and idempotency records past the retention horizon.
type CompactionWorker struct {
	db  *gorm.DB
	log *zap.Logger

	clk         clock.Clock
	webhooks    webhookdomain.Repository
	idempotency idempotencydomain.Repository
	cfg         Config
}

type CompactionWorkerParams struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Webhooks    webhookdomain.Repository
	Idempotency idempotencydomain.Repository
	Config      Config
}

func NewCompactionWorker(p CompactionWorkerParams) *CompactionWorker {
	return &CompactionWorker{
		db:  p.DB,
		log: p.Log.Named("scheduler.compaction"),

		clk:         p.Clock,
		webhooks:    p.Webhooks,
		idempotency: p.Idempotency,
		cfg:         p.Config.withDefaults(),
	}
}

func (w *CompactionWorker) RunForever(ctx context.Context) {
	runEvery(ctx, w.log, w.cfg.CompactionInterval, func(ctx context.Context) error {
		return w.RunOnce(ctx)
	})
}

func (w *CompactionWorker) RunOnce(ctx context.Context) error {
	if w.db == nil || w.webhooks == nil || w.idempotency == nil {
		return errors.New("compaction_worker_unavailable")
	}

	cutoff := w.clk.Now().Add(-w.cfg.RetentionHorizon)

	eventsRemoved, err := w.webhooks.DeleteProcessedOlderThan(ctx, w.db, cutoff)
	if err != nil {
		return err
	}
	recordsRemoved, err := w.idempotency.DeleteOlderThan(ctx, w.db, cutoff)
	if err != nil {
		return err
	}

	if eventsRemoved > 0 || recordsRemoved > 0 {
		w.log.Info("retention compaction complete",
			zap.Int64("webhook_events_removed", eventsRemoved),
			zap.Int64("idempotency_records_removed", recordsRemoved),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}
