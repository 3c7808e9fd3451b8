package scheduler

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/LaneJS/aiaca/internal/clock"
	"github.com/LaneJS/aiaca/internal/dunning"
	"github.com/LaneJS/aiaca/internal/events"
	"github.com/LaneJS/aiaca/internal/invoice"
	"github.com/LaneJS/aiaca/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DunningWorker queues a recovery step for every past-due invoice that has
// no open dunning event yet.
type DunningWorker struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clk      clock.Clock
	invoices invoice.Repository
	dunnings dunning.Repository
	outbox   *events.Outbox
	metrics  *metrics.BillingMetrics
	cfg      Config
}

type DunningWorkerParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Invoices invoice.Repository
	Dunnings dunning.Repository
	Outbox   *events.Outbox
	Metrics  *metrics.BillingMetrics `optional:"true"`
	Config   Config
}

func NewDunningWorker(p DunningWorkerParams) *DunningWorker {
	return &DunningWorker{
		db:  p.DB,
		log: p.Log.Named("scheduler.dunning"),

		genID:    p.GenID,
		clk:      p.Clock,
		invoices: p.Invoices,
		dunnings: p.Dunnings,
		outbox:   p.Outbox,
		metrics:  p.Metrics,
		cfg:      p.Config.withDefaults(),
	}
}

func (w *DunningWorker) RunForever(ctx context.Context) {
	runEvery(ctx, w.log, w.cfg.DunningInterval, func(ctx context.Context) error {
		_, err := w.RunOnce(ctx)
		return err
	})
}

// RunOnce sweeps one batch of past-due invoices. Invoices with an existing
// PENDING or RETRY_SCHEDULED event are skipped, so running the sweep twice
// in the same interval queues nothing new.
func (w *DunningWorker) RunOnce(ctx context.Context) (int, error) {
	if w.db == nil || w.invoices == nil || w.dunnings == nil {
		return 0, errors.New("dunning_worker_unavailable")
	}

	now := w.clk.Now()
	queued := 0
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pastDue, err := w.invoices.ListPastDue(ctx, tx, now, w.cfg.DunningBatchSize)
		if err != nil {
			return err
		}

		for _, inv := range pastDue {
			open, err := w.dunnings.HasOpenEvent(ctx, tx, inv.ID)
			if err != nil {
				return err
			}
			if open {
				continue
			}

			if err := w.invoices.MarkPastDue(ctx, tx, inv.ID); err != nil {
				return err
			}

			attempt, err := w.dunnings.NextAttemptNumber(ctx, tx, inv.ID)
			if err != nil {
				return err
			}

			invoiceID := inv.ID
			scheduledAt := now
			occurredAt := now
			event := &dunning.Event{
				ID:            w.genID.Generate(),
				AccountID:     inv.AccountID,
				InvoiceID:     &invoiceID,
				StepName:      dunning.StepAutoDetectPastDue,
				Channel:       dunning.ChannelSystem,
				Status:        dunning.StatusPending,
				AttemptNumber: attempt,
				ScheduledAt:   &scheduledAt,
				OccurredAt:    &occurredAt,
				CreatedAt:     now,
			}
			if err := w.dunnings.Insert(ctx, tx, event); err != nil {
				return err
			}

			if err := w.outbox.PublishTx(ctx, tx, events.Event{
				Type:          events.EventDunningQueued,
				AggregateType: "invoice",
				AggregateID:   inv.ExternalInvoiceID,
				Payload: map[string]any{
					"invoice_id": inv.ExternalInvoiceID,
					"account_id": inv.AccountID.String(),
					"step_name":  dunning.StepAutoDetectPastDue,
				},
				DedupeKey: "dunning-queued:" + inv.ExternalInvoiceID,
			}); err != nil {
				return err
			}
			queued++
		}
		return nil
	})
	if err != nil {
		return queued, err
	}
	if queued > 0 {
		if w.metrics != nil {
			w.metrics.RecordDunningQueued(ctx, int64(queued))
		}
		w.log.Info("dunning sweep complete", zap.Int("queued", queued))
	}
	return queued, nil
}
