package audit

import (
	"github.com/LaneJS/aiaca/internal/audit/repository"
	"github.com/LaneJS/aiaca/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
