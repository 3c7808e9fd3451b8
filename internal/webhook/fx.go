package webhook

import (
	"github.com/LaneJS/aiaca/internal/webhook/repository"
	"github.com/LaneJS/aiaca/internal/webhook/service"
	"github.com/LaneJS/aiaca/internal/webhook/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(repository.Provide),
	fx.Provide(stripe.NewVerifier),
	fx.Provide(service.NewService),
)
