package changelog

import (
	"context"

	"go.uber.org/fx"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/metrics"
)

func provideCollector(lc fx.Lifecycle, cfg *config.Config, source *LfsSource, recorder metrics.MetricRecorder) (*Collector, error) {
	c, err := NewCollector(cfg.Lustre, Options{
		Source:   source,
		Resolver: NewLfsResolver(cfg.Lustre.MDTMounts),
		Recorder: recorder,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			c.Close()
			return nil
		},
	})
	return c, nil
}

// Module provides the lfs-backed *LfsSource and the *Collector reading it.
var Module = fx.Options(
	fx.Provide(NewLfsSource),
	fx.Provide(provideCollector),
)
