package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/LaneJS/aiaca/internal/account"
	"github.com/LaneJS/aiaca/internal/cache"
	"github.com/LaneJS/aiaca/internal/clock"
	"github.com/LaneJS/aiaca/internal/events"
	"github.com/LaneJS/aiaca/internal/identity"
	"github.com/LaneJS/aiaca/internal/invoice"
	"github.com/LaneJS/aiaca/internal/observability/logger"
	"github.com/LaneJS/aiaca/internal/price"
	"github.com/LaneJS/aiaca/internal/subscription"
	webhookdomain "github.com/LaneJS/aiaca/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrUnresolvedReference marks events whose account or owner cannot be
// matched locally yet. The event is left FAILED for the retry sweep in case
// the missing state arrives later.
var ErrUnresolvedReference = errors.New("unresolved_reference")

const priceCacheTTL = 5 * time.Minute

const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventInvoiceFailed       = "invoice.payment_failed"
	eventInvoiceSucceeded    = "invoice.payment_succeeded"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clk   clock.Clock

	owners   identity.Resolver
	accounts account.Repository
	subs     subscription.Repository
	prices   price.Repository
	invoices invoice.Repository

	priceCache cache.Cache[string, *price.Price]
	outbox     *events.Outbox
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	Owners   identity.Resolver
	Accounts account.Repository
	Subs     subscription.Repository
	Prices   price.Repository
	Invoices invoice.Repository

	PriceCache cache.Cache[string, *price.Price]
	Outbox     *events.Outbox
}

func NewService(p ServiceParam) webhookdomain.Dispatcher {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("dispatcher.service"),

		genID: p.GenID,
		clk:   p.Clock,

		owners:   p.Owners,
		accounts: p.Accounts,
		subs:     p.Subs,
		prices:   p.Prices,
		invoices: p.Invoices,

		priceCache: p.PriceCache,
		outbox:     p.Outbox,
	}
}

// Dispatch applies one authenticated event to local billing state. Event
// types outside the handled set are acknowledged without effect.
func (s *Service) Dispatch(ctx context.Context, event *webhookdomain.InboundEvent) error {
	log := logger.FromContext(ctx).Named("dispatcher.service").With(
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.EventType),
	)

	object, err := unwrap(event.Payload)
	if err != nil {
		return fmt.Errorf("unwrap payload: %w", err)
	}

	switch event.EventType {
	case eventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, log, event, object)
	case eventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, log, event, object)
	case eventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, log, object)
	case eventInvoiceFailed:
		return s.handleInvoicePaymentFailed(ctx, log, object)
	case eventInvoiceSucceeded:
		return s.handleInvoicePaymentSucceeded(ctx, log, object)
	default:
		log.Debug("unhandled event type acknowledged")
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, log *zap.Logger, event *webhookdomain.InboundEvent, object json.RawMessage) error {
	var session checkoutSession
	if err := json.Unmarshal(object, &session); err != nil {
		return fmt.Errorf("parse checkout session: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owner, err := s.resolveOwnerFromSession(ctx, tx, &session)
		if err != nil {
			return err
		}
		if customerID := session.Customer.String(); customerID != "" &&
			(owner.ExternalCustomerID == nil || *owner.ExternalCustomerID == "") {
			if err := s.owners.AttachExternalCustomerID(ctx, tx, owner.ID, customerID); err != nil {
				return err
			}
			owner.ExternalCustomerID = &customerID
		}

		acct, err := s.resolveOrCreateAccount(ctx, tx, owner, session.Customer.String(), session.Currency, session.CustomerEmail)
		if err != nil {
			return err
		}

		if session.Subscription == "" {
			log.Info("checkout completed without subscription",
				zap.String("session_id", session.ID),
			)
			return nil
		}

		sub, err := s.subs.FindByExternalID(ctx, tx, session.Subscription)
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			sub = &subscription.Subscription{
				ID:                     s.genID.Generate(),
				AccountID:              acct.ID,
				ExternalSubscriptionID: session.Subscription,
				Status:                 subscription.StatusActive,
			}
			if err := s.subs.Insert(ctx, tx, sub); err != nil {
				return err
			}
		} else if err != nil {
			return err
		} else if sub.Status != subscription.StatusActive {
			sub.Status = subscription.StatusActive
			if err := s.subs.Update(ctx, tx, sub); err != nil {
				return err
			}
		}

		if priceID := session.Metadata["price_id"]; priceID != "" {
			if err := s.syncItemByPriceID(ctx, tx, log, sub, priceID, "", 1); err != nil {
				return err
			}
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			Type:          events.EventSubscriptionActivated,
			AggregateType: "subscription",
			AggregateID:   session.Subscription,
			Payload: map[string]any{
				"account_id":      acct.ID.String(),
				"subscription_id": session.Subscription,
			},
			DedupeKey: "sub-activated:" + event.ProviderEventID,
		})
	})
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, log *zap.Logger, event *webhookdomain.InboundEvent, object json.RawMessage) error {
	var payload subscriptionPayload
	if err := json.Unmarshal(object, &payload); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("subscription payload missing id")
	}

	status, known := subscription.MapProviderStatus(payload.Status)
	if !known {
		log.Warn("unknown provider subscription status",
			zap.String("provider_status", payload.Status),
		)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subs.FindByExternalID(ctx, tx, payload.ID)
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			acct, aerr := s.accounts.FindByExternalCustomerID(ctx, tx, payload.Customer.String())
			if errors.Is(aerr, account.ErrAccountNotFound) {
				return fmt.Errorf("%w: subscription %s for unknown customer %s",
					ErrUnresolvedReference, payload.ID, payload.Customer)
			}
			if aerr != nil {
				return aerr
			}
			sub = &subscription.Subscription{
				ID:                     s.genID.Generate(),
				AccountID:              acct.ID,
				ExternalSubscriptionID: payload.ID,
				Status:                 status,
			}
			if err := s.subs.Insert(ctx, tx, sub); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		// The provider is the system of record: every timestamp mirrors the
		// event verbatim, including clears back to null.
		sub.Status = status
		sub.CancelAtPeriodEnd = payload.CancelAtPeriodEnd
		sub.CurrentPeriodStart = unixTime(payload.CurrentPeriodStart)
		sub.CurrentPeriodEnd = unixTime(payload.CurrentPeriodEnd)
		sub.TrialEnd = unixTime(payload.TrialEnd)
		sub.CancelAt = unixTime(payload.CancelAt)
		sub.CanceledAt = unixTime(payload.CanceledAt)
		sub.EndedAt = unixTime(payload.EndedAt)
		if err := s.subs.Update(ctx, tx, sub); err != nil {
			return err
		}

		for _, item := range payload.Items.Data {
			if err := s.syncItem(ctx, tx, log, sub, item); err != nil {
				return err
			}
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			Type:          events.EventSubscriptionUpdated,
			AggregateType: "subscription",
			AggregateID:   payload.ID,
			Payload: map[string]any{
				"subscription_id": payload.ID,
				"status":          string(status),
			},
			DedupeKey: "sub-updated:" + event.ProviderEventID,
		})
	})
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, log *zap.Logger, object json.RawMessage) error {
	var payload subscriptionPayload
	if err := json.Unmarshal(object, &payload); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subs.FindByExternalID(ctx, tx, payload.ID)
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			log.Warn("deletion for unknown subscription ignored",
				zap.String("external_subscription_id", payload.ID),
			)
			return nil
		}
		if err != nil {
			return err
		}

		canceledAt := s.clk.Now()
		if at := unixTime(payload.CanceledAt); at != nil {
			canceledAt = *at
		}
		if err := s.subs.MarkCanceled(ctx, tx, sub.ID, canceledAt); err != nil {
			return err
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			Type:          events.EventSubscriptionCanceled,
			AggregateType: "subscription",
			AggregateID:   payload.ID,
			Payload: map[string]any{
				"subscription_id": payload.ID,
			},
			DedupeKey: "sub-canceled:" + payload.ID,
		})
	})
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, log *zap.Logger, object json.RawMessage) error {
	var payload invoicePayload
	if err := json.Unmarshal(object, &payload); err != nil {
		return fmt.Errorf("parse invoice: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.accounts.FindByExternalCustomerID(ctx, tx, payload.Customer.String())
		if errors.Is(err, account.ErrAccountNotFound) {
			log.Warn("payment failure for unknown customer ignored",
				zap.String("external_customer_id", payload.Customer.String()),
			)
			return nil
		}
		if err != nil {
			return err
		}

		inv, err := s.upsertInvoice(ctx, tx, acct, &payload)
		if err != nil {
			return err
		}
		if err := s.invoices.MarkPastDue(ctx, tx, inv.ID); err != nil {
			return err
		}

		if payload.Subscription != "" {
			sub, err := s.subs.FindByExternalID(ctx, tx, payload.Subscription)
			if err == nil {
				sub.Status = subscription.StatusPastDue
				if err := s.subs.Update(ctx, tx, sub); err != nil {
					return err
				}
			} else if !errors.Is(err, subscription.ErrSubscriptionNotFound) {
				return err
			}
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			Type:          events.EventInvoicePastDue,
			AggregateType: "invoice",
			AggregateID:   payload.ID,
			Payload: map[string]any{
				"invoice_id": payload.ID,
				"account_id": acct.ID.String(),
				"amount_due": payload.AmountDue,
			},
			DedupeKey: "invoice-pastdue:" + payload.ID,
		})
	})
}

func (s *Service) handleInvoicePaymentSucceeded(ctx context.Context, log *zap.Logger, object json.RawMessage) error {
	var payload invoicePayload
	if err := json.Unmarshal(object, &payload); err != nil {
		return fmt.Errorf("parse invoice: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.accounts.FindByExternalCustomerID(ctx, tx, payload.Customer.String())
		if errors.Is(err, account.ErrAccountNotFound) {
			log.Warn("payment success for unknown customer ignored",
				zap.String("external_customer_id", payload.Customer.String()),
			)
			return nil
		}
		if err != nil {
			return err
		}

		inv, err := s.upsertInvoice(ctx, tx, acct, &payload)
		if err != nil {
			return err
		}
		if err := s.invoices.MarkPaid(ctx, tx, inv.ID, payload.AmountPaid, s.clk.Now()); err != nil {
			return err
		}

		if payload.Subscription != "" {
			sub, err := s.subs.FindByExternalID(ctx, tx, payload.Subscription)
			if err == nil {
				sub.Status = subscription.StatusActive
				if err := s.subs.Update(ctx, tx, sub); err != nil {
					return err
				}
			} else if !errors.Is(err, subscription.ErrSubscriptionNotFound) {
				return err
			}
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			Type:          events.EventInvoicePaid,
			AggregateType: "invoice",
			AggregateID:   payload.ID,
			Payload: map[string]any{
				"invoice_id":  payload.ID,
				"account_id":  acct.ID.String(),
				"amount_paid": payload.AmountPaid,
			},
			DedupeKey: "invoice-paid:" + payload.ID,
		})
	})
}

// resolveOwnerFromSession tries explicit user references first, then the
// provider customer id, then the checkout email.
func (s *Service) resolveOwnerFromSession(ctx context.Context, tx *gorm.DB, session *checkoutSession) (*identity.Owner, error) {
	for _, ref := range []string{session.Metadata["user_id"], session.ClientReferenceID} {
		if ref == "" {
			continue
		}
		id, err := snowflake.ParseString(ref)
		if err != nil {
			continue
		}
		owner, err := s.owners.ResolveByID(ctx, tx, id)
		if err == nil {
			return owner, nil
		}
		if !errors.Is(err, identity.ErrOwnerNotFound) {
			return nil, err
		}
	}

	if customerID := session.Customer.String(); customerID != "" {
		owner, err := s.owners.ResolveByExternalCustomerID(ctx, tx, customerID)
		if err == nil {
			return owner, nil
		}
		if !errors.Is(err, identity.ErrOwnerNotFound) {
			return nil, err
		}
	}

	if session.CustomerEmail != "" {
		owner, err := s.owners.ResolveByEmail(ctx, tx, session.CustomerEmail)
		if err == nil {
			return owner, nil
		}
		if !errors.Is(err, identity.ErrOwnerNotFound) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: no owner for checkout session %s", ErrUnresolvedReference, session.ID)
}

// resolveOrCreateAccount prefers the owner's existing account, then a match
// on the provider customer id, then creates a fresh account.
func (s *Service) resolveOrCreateAccount(ctx context.Context, tx *gorm.DB, owner *identity.Owner, customerID, currency, email string) (*account.Account, error) {
	acct, err := s.accounts.FindByOwnerID(ctx, tx, owner.ID)
	if err == nil {
		if customerID != "" && (acct.ExternalCustomerID == nil || *acct.ExternalCustomerID == "") {
			if err := s.accounts.AttachExternalCustomerID(ctx, tx, acct.ID, customerID); err != nil {
				return nil, err
			}
			acct.ExternalCustomerID = &customerID
		}
		return acct, nil
	}
	if !errors.Is(err, account.ErrAccountNotFound) {
		return nil, err
	}

	if customerID != "" {
		acct, err = s.accounts.FindByExternalCustomerID(ctx, tx, customerID)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, account.ErrAccountNotFound) {
			return nil, err
		}
	}

	name := owner.DisplayName
	if name == "" {
		name = owner.Email
	}
	acct = &account.Account{
		ID:           s.genID.Generate(),
		OwnerID:      owner.ID,
		Name:         name,
		Status:       account.StatusActive,
		Currency:     normalizeCurrency(currency),
		ContactEmail: email,
	}
	if customerID != "" {
		acct.ExternalCustomerID = &customerID
	}
	if err := s.accounts.Insert(ctx, tx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *Service) syncItem(ctx context.Context, tx *gorm.DB, log *zap.Logger, sub *subscription.Subscription, item subscriptionItemPayload) error {
	quantity := item.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	existing, err := s.subs.FindItemByExternalItemID(ctx, tx, item.ID)
	if err == nil {
		if existing.Quantity != quantity {
			existing.Quantity = quantity
			return s.subs.UpdateItem(ctx, tx, existing)
		}
		return nil
	}
	if !errors.Is(err, subscription.ErrItemNotFound) {
		return err
	}

	return s.syncItemByPriceID(ctx, tx, log, sub, item.Price.ID, item.ID, quantity)
}

func (s *Service) syncItemByPriceID(ctx context.Context, tx *gorm.DB, log *zap.Logger, sub *subscription.Subscription, externalPriceID, externalItemID string, quantity int64) error {
	p, err := s.lookupPrice(ctx, tx, externalPriceID)
	if errors.Is(err, price.ErrPriceNotFound) {
		log.Warn("unknown price skipped",
			zap.String("external_price_id", externalPriceID),
			zap.String("external_subscription_id", sub.ExternalSubscriptionID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	existing, err := s.subs.FindItemBySubscriptionAndPrice(ctx, tx, sub.ID, p.ID)
	if err == nil {
		changed := false
		if existing.Quantity != quantity {
			existing.Quantity = quantity
			changed = true
		}
		if externalItemID != "" && existing.ExternalItemID == nil {
			existing.ExternalItemID = &externalItemID
			changed = true
		}
		if changed {
			return s.subs.UpdateItem(ctx, tx, existing)
		}
		return nil
	}
	if !errors.Is(err, subscription.ErrItemNotFound) {
		return err
	}

	item := &subscription.Item{
		ID:             s.genID.Generate(),
		SubscriptionID: sub.ID,
		PriceID:        p.ID,
		Quantity:       quantity,
	}
	if externalItemID != "" {
		item.ExternalItemID = &externalItemID
	}
	return s.subs.InsertItem(ctx, tx, item)
}

func (s *Service) lookupPrice(ctx context.Context, tx *gorm.DB, externalPriceID string) (*price.Price, error) {
	if cached, ok := s.priceCache.Get(externalPriceID); ok {
		return cached, nil
	}
	p, err := s.prices.FindByExternalPriceID(ctx, tx, externalPriceID)
	if err != nil {
		return nil, err
	}
	s.priceCache.Set(externalPriceID, p, priceCacheTTL)
	return p, nil
}

func (s *Service) upsertInvoice(ctx context.Context, tx *gorm.DB, acct *account.Account, payload *invoicePayload) (*invoice.Invoice, error) {
	inv, err := s.invoices.FindByExternalInvoiceID(ctx, tx, payload.ID)
	if err == nil {
		inv.AmountDue = payload.AmountDue
		inv.DueAt = unixTime(payload.DueDate)
		if err := s.invoices.Update(ctx, tx, inv); err != nil {
			return nil, err
		}
		return inv, nil
	}
	if !errors.Is(err, invoice.ErrInvoiceNotFound) {
		return nil, err
	}

	inv = &invoice.Invoice{
		ID:                s.genID.Generate(),
		AccountID:         acct.ID,
		ExternalInvoiceID: payload.ID,
		Status:            invoice.StatusOpen,
		Currency:          normalizeCurrency(payload.Currency),
		AmountDue:         payload.AmountDue,
		AmountPaid:        payload.AmountPaid,
		DueAt:             unixTime(payload.DueDate),
	}
	if payload.Subscription != "" {
		sub, serr := s.subs.FindByExternalID(ctx, tx, payload.Subscription)
		if serr == nil {
			inv.SubscriptionID = &sub.ID
		} else if !errors.Is(serr, subscription.ErrSubscriptionNotFound) {
			return nil, serr
		}
	}
	if err := s.invoices.Insert(ctx, tx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func normalizeCurrency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return "USD"
	}
	return currency
}
