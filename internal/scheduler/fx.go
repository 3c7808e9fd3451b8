package scheduler

import (
	"context"

	webhooksvc "github.com/LaneJS/aiaca/internal/webhook/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Reconciler is the daily drift-detection pass.
type Reconciler interface {
	RunOnce(ctx context.Context) error
}

var Module = fx.Module("scheduler",
	fx.Provide(DefaultConfig),
	fx.Provide(func(svc *webhooksvc.Service) EventProcessor { return svc }),
	fx.Provide(NewRetryWorker),
	fx.Provide(NewDunningWorker),
	fx.Provide(NewCompactionWorker),
	fx.Invoke(runWorkers),
)

type runParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Log        *zap.Logger
	Retry      *RetryWorker
	Dunning    *DunningWorker
	Compaction *CompactionWorker
	Reconciler Reconciler `optional:"true"`
	Config     Config
}

func runWorkers(p runParams) {
	ctx, cancel := context.WithCancel(context.Background())

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go p.Retry.RunForever(ctx)
			go p.Dunning.RunForever(ctx)
			go p.Compaction.RunForever(ctx)
			if p.Reconciler != nil {
				go runReconciler(ctx, p)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func runReconciler(ctx context.Context, p runParams) {
	runEvery(ctx, p.Log.Named("scheduler.reconcile"), p.Config.ReconcileInterval, func(ctx context.Context) error {
		return p.Reconciler.RunOnce(ctx)
	})
}
