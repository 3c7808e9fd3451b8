package stripe

import (
	"strings"
	"time"

	"github.com/LaneJS/aiaca/internal/config"
	"github.com/LaneJS/aiaca/internal/webhook/domain"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/fx"
)

// Verifier authenticates Stripe deliveries with the endpoint signing secret.
// Timestamps outside the tolerance window fail verification to bound replay.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(cfg config.Config) domain.Verifier {
	return &Verifier{
		secret:    cfg.Stripe.WebhookSecret,
		tolerance: time.Duration(cfg.Stripe.ToleranceSeconds) * time.Second,
	}
}

func (v *Verifier) Verify(payload []byte, signatureHeader string) (*domain.ProviderEvent, error) {
	if v.secret == "" {
		return nil, domain.ErrSecretNotConfigured
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, domain.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithTolerance(payload, signatureHeader, v.secret, v.tolerance)
	if err != nil {
		return nil, domain.ErrInvalidSignature
	}
	if event.ID == "" || event.Type == "" {
		return nil, domain.ErrMalformedPayload
	}

	parsed := &domain.ProviderEvent{
		ID:   event.ID,
		Type: string(event.Type),
	}
	if event.Data != nil {
		parsed.Data = event.Data.Raw
	}
	return parsed, nil
}

var Module = fx.Module("webhook.stripe",
	fx.Provide(NewVerifier),
)
