package scheduler

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)

// RunModule additionally starts the ticker loop; worker processes use
// it, the API server leaves jobs to POST /billing/run and the worker.
var RunModule = fx.Module("scheduler.run",
	fx.Invoke(func(lc fx.Lifecycle, sched *Scheduler) {
		var cancel context.CancelFunc
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				var ctx context.Context
				ctx, cancel = context.WithCancel(context.Background())
				go sched.RunForever(ctx)
				return nil
			},
			OnStop: func(context.Context) error {
				if cancel != nil {
					cancel()
				}
				return nil
			},
		})
	}),
)
