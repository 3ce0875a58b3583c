package app

import (
	"context"

	"go.uber.org/fx"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/storage/local"
	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/metrics"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/persistence"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/persistence/archive"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/persistence/influx"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/persistence/mongo"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// Sinks builds the configured sinks. The archive sink needs a local object
// store, whose Close is returned.
func Sinks(cfg *config.Config) ([]persistence.Sink, func() error, error) {
	sinks := []persistence.Sink{
		mongo.NewSink(cfg.MongoDB),
		influx.NewSink(cfg.InfluxDB),
	}
	closeFn := func() error { return nil }
	if !cfg.Archive.Enabled {
		return sinks, closeFn, nil
	}
	store, err := local.NewAdapter(cfg.Archive.BaseDir)
	if err != nil {
		return nil, nil, err
	}
	sink, err := archive.NewSink(cfg.Archive, store)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	logger.Infof("Archiving windows as parquet under %s.", cfg.Archive.BaseDir)
	return append(sinks, sink), store.Close, nil
}

func providePersister(lc fx.Lifecycle, cfg *config.Config, recorder metrics.MetricRecorder, tracer metrics.Tracer) (*persistence.Persister, error) {
	sinks, closeFn, err := Sinks(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return closeFn() },
	})
	return persistence.New(recorder, tracer, sinks...), nil
}
