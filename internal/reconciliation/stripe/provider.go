package stripe

import (
	"context"

	"github.com/LaneJS/aiaca/internal/config"
	"github.com/LaneJS/aiaca/internal/reconciliation/domain"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/fx"
)

// Provider snapshots subscriptions and invoices from the Stripe API.
type Provider struct {
	api *client.API
}

func NewProvider(cfg config.Config) domain.Provider {
	api := &client.API{}
	api.Init(cfg.Stripe.SecretKey, nil)
	return &Provider{api: api}
}

func (p *Provider) ListSubscriptions(ctx context.Context) ([]domain.SubscriptionSnapshot, error) {
	params := &stripeapi.SubscriptionListParams{
		Status: stripeapi.String("all"),
	}
	params.Context = ctx

	var out []domain.SubscriptionSnapshot
	iter := p.api.Subscriptions.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		out = append(out, domain.SubscriptionSnapshot{
			ExternalID: sub.ID,
			Status:     string(sub.Status),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Provider) ListInvoices(ctx context.Context) ([]domain.InvoiceSnapshot, error) {
	params := &stripeapi.InvoiceListParams{}
	params.Context = ctx

	var out []domain.InvoiceSnapshot
	iter := p.api.Invoices.List(params)
	for iter.Next() {
		inv := iter.Invoice()
		out = append(out, domain.InvoiceSnapshot{
			ExternalID: inv.ID,
			Status:     string(inv.Status),
			AmountDue:  inv.AmountDue,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var Module = fx.Module("reconciliation.stripe",
	fx.Provide(NewProvider),
)
