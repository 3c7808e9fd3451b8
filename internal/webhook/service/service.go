package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/LaneJS/aiaca/internal/clock"
	"github.com/LaneJS/aiaca/internal/config"
	"github.com/LaneJS/aiaca/internal/events"
	"github.com/LaneJS/aiaca/internal/observability/logger"
	"github.com/LaneJS/aiaca/internal/observability/metrics"
	"github.com/LaneJS/aiaca/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clk        clock.Clock
	verifier   domain.Verifier
	repo       domain.Repository
	dispatcher domain.Dispatcher
	outbox     *events.Outbox
	metrics    *metrics.BillingMetrics

	maxAttempts int
	baseBackoff time.Duration
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Verifier   domain.Verifier
	Repo       domain.Repository
	Dispatcher domain.Dispatcher
	Outbox     *events.Outbox          `optional:"true"`
	Metrics    *metrics.BillingMetrics `optional:"true"`
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("webhook.service"),

		genID:      p.GenID,
		clk:        p.Clock,
		verifier:   p.Verifier,
		repo:       p.Repo,
		dispatcher: p.Dispatcher,
		outbox:     p.Outbox,
		metrics:    p.Metrics,

		maxAttempts: p.Config.Sweep.RetryMaxAttempts,
		baseBackoff: p.Config.Sweep.RetryBaseBackoff,
	}
}

// Ingest authenticates, records and dispatches one provider delivery.
//
// Authentication failures are the only errors returned to the caller; a
// forensic record is written for them so rejected deliveries stay
// inspectable. Deliveries already seen return the stored record untouched.
// Dispatch failures are absorbed into the record's FAILED status and left to
// the retry sweep.
func (s *Service) Ingest(ctx context.Context, payload []byte, signatureHeader string) (*domain.InboundEvent, error) {
	log := logger.FromContext(ctx).Named("webhook.service")

	verified, err := s.verifier.Verify(payload, signatureHeader)
	if err != nil {
		if err == domain.ErrSecretNotConfigured {
			return nil, err
		}
		s.recordForensic(ctx, payload, signatureHeader, err)
		return nil, domain.ErrInvalidSignature
	}

	now := s.clk.Now()
	event := &domain.InboundEvent{
		ID:              s.genID.Generate().String(),
		ProviderEventID: verified.ID,
		EventType:       verified.Type,
		Payload:         payload,
		Signature:       signatureHeader,
		Status:          domain.StatusReceived,
		ReceivedAt:      now,
	}

	inserted, err := s.repo.InsertIfAbsent(ctx, s.db, event)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.repo.FindByProviderEventID(ctx, s.db, verified.ID)
		if err != nil {
			return nil, err
		}
		log.Info("duplicate delivery ignored",
			zap.String("provider_event_id", verified.ID),
			zap.String("event_type", verified.Type),
		)
		return existing, nil
	}

	if err := s.Process(ctx, event); err != nil {
		log.Warn("event dispatch failed",
			zap.String("provider_event_id", verified.ID),
			zap.String("event_type", verified.Type),
			zap.Error(err),
		)
	}
	return event, nil
}

// Process dispatches the event and records the outcome. Used both by ingest
// and by the retry sweep.
func (s *Service) Process(ctx context.Context, event *domain.InboundEvent) error {
	err := s.dispatcher.Dispatch(ctx, event)
	now := s.clk.Now()
	if err == nil {
		if markErr := s.repo.MarkProcessed(ctx, s.db, event.ID, now); markErr != nil {
			return markErr
		}
		event.Status = domain.StatusProcessed
		s.recordOutcome(ctx, event)
		if s.outbox != nil {
			if pubErr := s.outbox.Publish(ctx, events.Event{
				Type:          events.EventWebhookProcessed,
				AggregateType: "webhook_event",
				AggregateID:   event.ProviderEventID,
				DedupeKey:     "webhook-processed:" + event.ProviderEventID,
			}); pubErr != nil {
				s.log.Warn("outbox publish failed", zap.Error(pubErr))
			}
		}
		return nil
	}

	attempts := event.AttemptCount + 1
	if attempts >= s.maxAttempts {
		if markErr := s.repo.MarkDeadLetter(ctx, s.db, event.ID, err.Error()); markErr != nil {
			return markErr
		}
		event.Status = domain.StatusDeadLetter
		s.recordOutcome(ctx, event)
		s.log.Error("event dead-lettered",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return err
	}

	next := now.Add(backoff(s.baseBackoff, event.AttemptCount))
	if markErr := s.repo.MarkFailed(ctx, s.db, event.ID, err.Error(), &next); markErr != nil {
		return markErr
	}
	event.Status = domain.StatusFailed
	event.AttemptCount = attempts
	event.NextRetryAt = &next
	s.recordOutcome(ctx, event)
	return err
}

func (s *Service) recordOutcome(ctx context.Context, event *domain.InboundEvent) {
	if s.metrics != nil {
		s.metrics.RecordEventProcessed(ctx, event.EventType, event.Status)
	}
}

// List exposes recorded events to the operator surface.
func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]*domain.InboundEvent, error) {
	return s.repo.List(ctx, s.db, filter)
}

// Find returns the stored record for a provider event id, or nil.
func (s *Service) Find(ctx context.Context, providerEventID string) (*domain.InboundEvent, error) {
	return s.repo.FindByProviderEventID(ctx, s.db, providerEventID)
}

// Requeue returns a FAILED or DEAD_LETTER delivery to the retry population
// with a fresh attempt budget. Forensic records are never requeued.
func (s *Service) Requeue(ctx context.Context, providerEventID string) (bool, error) {
	event, err := s.repo.FindByProviderEventID(ctx, s.db, providerEventID)
	if err != nil || event == nil {
		return false, err
	}
	if event.EventType == domain.EventTypeInvalidSignature {
		return false, nil
	}
	return s.repo.Requeue(ctx, s.db, event.ID, s.clk.Now())
}

func (s *Service) recordForensic(ctx context.Context, payload []byte, signatureHeader string, cause error) {
	id := uuid.NewString()
	msg := cause.Error()
	record := &domain.InboundEvent{
		ID:              id,
		ProviderEventID: id,
		EventType:       domain.EventTypeInvalidSignature,
		Payload:         payload,
		Signature:       signatureHeader,
		Status:          domain.StatusFailed,
		LastError:       &msg,
		ReceivedAt:      s.clk.Now(),
	}
	if err := s.repo.InsertForensic(ctx, s.db, record); err != nil {
		s.log.Error("forensic record insert failed", zap.Error(err))
	}
	s.log.Warn("webhook authentication failed",
		zap.String("signature", logger.MaskSignature(signatureHeader)),
	)
}

// backoff doubles per attempt starting from base.
func backoff(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= 24*time.Hour {
			return 24 * time.Hour
		}
	}
	return d
}
