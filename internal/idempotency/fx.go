package idempotency

import (
	"github.com/LaneJS/aiaca/internal/idempotency/repository"
	"github.com/LaneJS/aiaca/internal/idempotency/service"
	"go.uber.org/fx"
)

var Module = fx.Module("idempotency.service",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)
