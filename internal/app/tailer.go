package app

import (
	"context"

	"go.uber.org/fx"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/broker"
	"github.com/tigerroll/ioprov/pkg/prov/adapter/scheduler/uge"
	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// RunTailer serves accounting lookups for one cluster and returns the exit code.
func RunTailer(opts Options, cluster string) int {
	app := fx.New(
		opts.supply(config.RoleTailer),
		fx.StopTimeout(stopTimeout(opts)),
		logger.Module,
		config.Module,
		broker.Module,
		broker.TailerModule,
		uge.TailerModule,
		fx.Invoke(setupLogging),
		fx.Invoke(func(p tailerParams) error { return startTailer(p, cluster) }),
	)
	return run(app)
}

type tailerParams struct {
	fx.In
	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     *config.Config
	Server     *broker.RPCServer
	Tailer     *uge.AcctTailer
}

func startTailer(p tailerParams, cluster string) error {
	if _, ok := p.Config.UGE.Cluster(cluster); !ok {
		return exception.NewProvErrorf(exception.KindConfig, "tailer", "cluster %q is not listed in [uge] clusters", cluster)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	queue := uge.RPCQueue(cluster)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := p.Server.Serve(ctx, queue, p.Tailer.Handle); err != nil {
					logger.Errorf("Accounting RPC server on %s failed: %v", queue, err)
					if serr := p.Shutdowner.Shutdown(fx.ExitCode(1)); serr != nil {
						logger.Errorf("Cannot request shutdown: %v", serr)
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
	return nil
}
