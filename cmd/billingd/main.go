package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/LaneJS/aiaca/internal/account"
	"github.com/LaneJS/aiaca/internal/audit"
	"github.com/LaneJS/aiaca/internal/authorization"
	"github.com/LaneJS/aiaca/internal/clock"
	"github.com/LaneJS/aiaca/internal/config"
	"github.com/LaneJS/aiaca/internal/dispatcher"
	"github.com/LaneJS/aiaca/internal/dunning"
	"github.com/LaneJS/aiaca/internal/events"
	"github.com/LaneJS/aiaca/internal/idempotency"
	"github.com/LaneJS/aiaca/internal/identity"
	"github.com/LaneJS/aiaca/internal/invoice"
	"github.com/LaneJS/aiaca/internal/migration"
	"github.com/LaneJS/aiaca/internal/observability/logger"
	"github.com/LaneJS/aiaca/internal/observability/metrics"
	"github.com/LaneJS/aiaca/internal/observability/tracing"
	"github.com/LaneJS/aiaca/internal/price"
	"github.com/LaneJS/aiaca/internal/reconciliation"
	"github.com/LaneJS/aiaca/internal/scheduler"
	"github.com/LaneJS/aiaca/internal/server"
	"github.com/LaneJS/aiaca/internal/subscription"
	"github.com/LaneJS/aiaca/internal/webhook"
	"github.com/LaneJS/aiaca/pkg/db"
)

func main() {
	// Missing .env is fine; the environment may carry everything already.
	_ = godotenv.Load()

	app := fx.New(
		config.Module,
		logger.Module,
		tracing.Module,
		metrics.Module,
		db.Module,
		migration.Module,
		clock.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),

		events.Module,
		identity.Module,
		account.Module,
		price.Module,
		subscription.Module,
		invoice.Module,
		dunning.Module,

		idempotency.Module,
		audit.Module,
		authorization.Module,
		webhook.Module,
		dispatcher.Module,
		reconciliation.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}
