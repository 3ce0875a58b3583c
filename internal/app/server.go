// Package app composes the fx graphs of the provenance server and the
// accounting tailer.
package app

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/broker"
	"github.com/tigerroll/ioprov/pkg/prov/adapter/scheduler"
	"github.com/tigerroll/ioprov/pkg/prov/adapter/scheduler/uge"
	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	coremetrics "github.com/tigerroll/ioprov/pkg/prov/core/metrics"
	"github.com/tigerroll/ioprov/pkg/prov/engine/aggregator"
	"github.com/tigerroll/ioprov/pkg/prov/engine/changelog"
	"github.com/tigerroll/ioprov/pkg/prov/engine/ingest"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/memo"
	inframetrics "github.com/tigerroll/ioprov/pkg/prov/infrastructure/metrics"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/persistence"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/repository"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// Options locate the configuration and bound shutdown.
type Options struct {
	ConfigPath  string
	EnvFilePath string
	StopTimeout time.Duration
}

func (o Options) supply(role config.Role) fx.Option {
	return fx.Supply(
		fx.Annotate(o.ConfigPath, fx.ResultTags(`name:"configPath"`)),
		fx.Annotate(o.EnvFilePath, fx.ResultTags(`name:"envFilePath"`)),
		role,
	)
}

// RunServer runs the aggregation server until SIGINT/SIGTERM or a fatal
// error and returns the process exit code.
func RunServer(opts Options) int {
	app := fx.New(
		opts.supply(config.RoleServer),
		fx.StopTimeout(stopTimeout(opts)),
		logger.Module,
		config.Module,
		coremetrics.Module,
		inframetrics.Module,
		repository.Module,
		memo.Module,
		broker.Module,
		broker.ServerModule,
		changelog.Module,
		uge.Module,
		ingest.Module,
		aggregator.Module,
		fx.Provide(providePersister),
		fx.Provide(
			func(r *scheduler.Registry) aggregator.Schedulers { return r },
			func(f *uge.AcctFetcher) aggregator.Accounting { return f },
			func(s *memo.Store) aggregator.Memo { return s },
			func(p *persistence.Persister) aggregator.Persister { return p },
			func(s *changelog.LfsSource) aggregator.Clearer { return s },
		),
		fx.Invoke(setupLogging),
		fx.Invoke(startServer),
	)
	return run(app)
}

func stopTimeout(opts Options) time.Duration {
	if opts.StopTimeout <= 0 {
		return 30 * time.Second
	}
	return opts.StopTimeout
}

func setupLogging(cfg *config.Config) error {
	_, err := logger.Setup(cfg.Logging.Level, cfg.Logging.Dir, cfg.Logging.Prefix, cfg.Logging.MaxFiles)
	return err
}

type serverParams struct {
	fx.In
	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Consumer   *broker.Consumer
	Pipeline   *ingest.Pipeline
	Collector  *changelog.Collector
	Fetcher    *uge.AcctFetcher
	Engine     *aggregator.Engine
}

// startServer launches the transports and the engine. Transport failures are
// handed to the engine, which flushes and ends the process with exit code 1.
func startServer(p serverParams) {
	ctx, cancel := context.WithCancel(context.Background())
	engineDone := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := p.Consumer.Consume(ctx, p.Pipeline.Bodies()); err != nil {
					p.Pipeline.Fail(err)
				}
			}()
			go p.Pipeline.Run(ctx)
			go p.Collector.Run(ctx, p.Pipeline.Changelog())
			go func() {
				if err := p.Fetcher.Run(ctx); err != nil {
					p.Pipeline.Fail(err)
				}
			}()
			go func() {
				defer close(engineDone)
				if err := p.Engine.Run(ctx); err != nil {
					if serr := p.Shutdowner.Shutdown(fx.ExitCode(1)); serr != nil {
						logger.Errorf("Cannot request shutdown: %v", serr)
					}
				}
			}()
			logger.Infof("Provenance server started.")
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-engineDone:
				logger.Infof("Provenance server stopped.")
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// run starts app, waits for a signal or a shutdown request and returns its exit code.
func run(app *fx.App) int {
	startCtx, cancelStart := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		logger.Errorf("Startup failed: %v", err)
		return 1
	}

	sig := <-app.Wait()
	logger.Infof("Shutting down (%s).", sig.Signal)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		logger.Errorf("Shutdown incomplete: %v", err)
		if sig.ExitCode == 0 {
			return 1
		}
	}
	return sig.ExitCode
}
