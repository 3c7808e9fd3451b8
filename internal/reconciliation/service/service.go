package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/LaneJS/aiaca/internal/clock"
	"github.com/LaneJS/aiaca/internal/events"
	"github.com/LaneJS/aiaca/internal/invoice"
	"github.com/LaneJS/aiaca/internal/observability/metrics"
	"github.com/LaneJS/aiaca/internal/reconciliation/domain"
	"github.com/LaneJS/aiaca/internal/subscription"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// invoiceStatuses maps provider invoice states onto local ones. PAST_DUE is
// a local refinement of open, so both compare equal to "open".
var invoiceStatuses = map[string]string{
	"draft":         invoice.StatusDraft,
	"open":          invoice.StatusOpen,
	"paid":          invoice.StatusPaid,
	"uncollectible": invoice.StatusUncollectible,
	"void":          invoice.StatusVoid,
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clk   clock.Clock

	provider domain.Provider
	drifts   domain.Repository
	subs     subscription.Repository
	invoices invoice.Repository
	outbox   *events.Outbox
	metrics  *metrics.BillingMetrics
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	Provider domain.Provider
	Drifts   domain.Repository
	Subs     subscription.Repository
	Invoices invoice.Repository
	Outbox   *events.Outbox
	Metrics  *metrics.BillingMetrics `optional:"true"`
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("reconciliation.service"),

		genID: p.GenID,
		clk:   p.Clock,

		provider: p.Provider,
		drifts:   p.Drifts,
		subs:     p.Subs,
		invoices: p.Invoices,
		outbox:   p.Outbox,
		metrics:  p.Metrics,
	}
}

// RunOnce compares the provider snapshot against local state and records one
// drift per divergence. Divergences already recorded and unresolved are not
// duplicated.
func (s *Service) RunOnce(ctx context.Context) error {
	detected := 0

	subsDetected, err := s.reconcileSubscriptions(ctx)
	if err != nil {
		return err
	}
	detected += subsDetected

	invDetected, err := s.reconcileInvoices(ctx)
	if err != nil {
		return err
	}
	detected += invDetected

	if detected > 0 {
		s.log.Warn("reconciliation found drift", zap.Int("detected", detected))
	} else {
		s.log.Info("reconciliation clean")
	}
	return nil
}

func (s *Service) reconcileSubscriptions(ctx context.Context) (int, error) {
	snapshots, err := s.provider.ListSubscriptions(ctx)
	if err != nil {
		return 0, err
	}

	detected := 0
	seen := make(map[string]struct{}, len(snapshots))
	for _, snap := range snapshots {
		seen[snap.ExternalID] = struct{}{}

		local, err := s.subs.FindByExternalID(ctx, s.db, snap.ExternalID)
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			if snap.Status == "canceled" || snap.Status == "incomplete_expired" {
				continue
			}
			n, err := s.record(ctx, domain.DriftMissingLocally, domain.ResourceSubscription, snap.ExternalID, "", snap.Status)
			if err != nil {
				return detected, err
			}
			detected += n
			continue
		}
		if err != nil {
			return detected, err
		}

		mapped, _ := subscription.MapProviderStatus(snap.Status)
		if local.Status != mapped {
			n, err := s.record(ctx, domain.DriftStatusMismatch, domain.ResourceSubscription, snap.ExternalID, string(local.Status), snap.Status)
			if err != nil {
				return detected, err
			}
			detected += n
		}
	}

	localIDs, err := s.subs.ListExternalIDs(ctx, s.db, true)
	if err != nil {
		return detected, err
	}
	for _, id := range localIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		n, err := s.record(ctx, domain.DriftMissingExternally, domain.ResourceSubscription, id, "", "")
		if err != nil {
			return detected, err
		}
		detected += n
	}
	return detected, nil
}

func (s *Service) reconcileInvoices(ctx context.Context) (int, error) {
	snapshots, err := s.provider.ListInvoices(ctx)
	if err != nil {
		return 0, err
	}

	detected := 0
	seen := make(map[string]struct{}, len(snapshots))
	for _, snap := range snapshots {
		seen[snap.ExternalID] = struct{}{}

		local, err := s.invoices.FindByExternalInvoiceID(ctx, s.db, snap.ExternalID)
		if errors.Is(err, invoice.ErrInvoiceNotFound) {
			n, err := s.record(ctx, domain.DriftMissingLocally, domain.ResourceInvoice, snap.ExternalID, "", snap.Status)
			if err != nil {
				return detected, err
			}
			detected += n
			continue
		}
		if err != nil {
			return detected, err
		}

		if mapped, ok := invoiceStatuses[snap.Status]; ok && !invoiceStatusEqual(local.Status, mapped) {
			n, err := s.record(ctx, domain.DriftStatusMismatch, domain.ResourceInvoice, snap.ExternalID, local.Status, snap.Status)
			if err != nil {
				return detected, err
			}
			detected += n
		}
		if local.AmountDue != snap.AmountDue {
			n, err := s.record(ctx, domain.DriftAmountMismatch, domain.ResourceInvoice, snap.ExternalID,
				formatAmount(local.AmountDue), formatAmount(snap.AmountDue))
			if err != nil {
				return detected, err
			}
			detected += n
		}
	}

	localIDs, err := s.invoices.ListExternalIDs(ctx, s.db)
	if err != nil {
		return detected, err
	}
	for _, id := range localIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		n, err := s.record(ctx, domain.DriftMissingExternally, domain.ResourceInvoice, id, "", "")
		if err != nil {
			return detected, err
		}
		detected += n
	}
	return detected, nil
}

func (s *Service) record(ctx context.Context, driftType, resourceType, externalID, localValue, externalValue string) (int, error) {
	drift := &domain.Drift{
		ID:           s.genID.Generate(),
		DriftType:    driftType,
		ResourceType: resourceType,
		ExternalID:   externalID,
		DetectedAt:   s.clk.Now(),
	}
	if localValue != "" {
		drift.LocalValue = &localValue
	}
	if externalValue != "" {
		drift.ExternalValue = &externalValue
	}

	inserted, err := s.drifts.InsertIfAbsent(ctx, s.db, drift)
	if err != nil {
		return 0, err
	}
	if !inserted {
		return 0, nil
	}

	s.log.Warn("drift detected",
		zap.String("drift_type", driftType),
		zap.String("resource_type", resourceType),
		zap.String("external_id", externalID),
	)
	if s.metrics != nil {
		s.metrics.RecordDriftDetected(ctx, driftType)
	}
	if err := s.outbox.Publish(ctx, events.Event{
		Type:          events.EventDriftDetected,
		AggregateType: resourceType,
		AggregateID:   externalID,
		Payload: map[string]any{
			"drift_type":     driftType,
			"external_id":    externalID,
			"local_value":    localValue,
			"external_value": externalValue,
		},
		DedupeKey: "drift:" + driftType + ":" + resourceType + ":" + externalID,
	}); err != nil {
		return 1, err
	}
	return 1, nil
}

// List exposes recorded drifts to the operator surface.
func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Drift, error) {
	return s.drifts.List(ctx, s.db, filter)
}

// Resolve marks a drift handled by an operator.
func (s *Service) Resolve(ctx context.Context, id snowflake.ID) (bool, error) {
	return s.drifts.Resolve(ctx, s.db, id, s.clk.Now())
}

func invoiceStatusEqual(local, mapped string) bool {
	if local == mapped {
		return true
	}
	// PAST_DUE refines open locally.
	return local == invoice.StatusPastDue && mapped == invoice.StatusOpen
}

func formatAmount(v int64) string {
	return strconv.FormatInt(v, 10)
}
