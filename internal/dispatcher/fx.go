package dispatcher

import (
	"github.com/LaneJS/aiaca/internal/cache"
	"github.com/LaneJS/aiaca/internal/price"
	"go.uber.org/fx"
)

var Module = fx.Module("dispatcher.service",
	fx.Provide(func() cache.Cache[string, *price.Price] {
		return cache.NewTTLCache[string, *price.Price]()
	}),
	fx.Provide(NewService),
)
