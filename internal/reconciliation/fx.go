package reconciliation

import (
	"github.com/LaneJS/aiaca/internal/reconciliation/repository"
	"github.com/LaneJS/aiaca/internal/reconciliation/service"
	"github.com/LaneJS/aiaca/internal/reconciliation/stripe"
	"github.com/LaneJS/aiaca/internal/scheduler"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation.service",
	fx.Provide(repository.Provide),
	fx.Provide(stripe.NewProvider),
	fx.Provide(service.NewService),
	fx.Provide(func(svc *service.Service) scheduler.Reconciler { return svc }),
)
