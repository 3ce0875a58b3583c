package ingest

import (
	"go.uber.org/fx"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/metrics"
	"github.com/tigerroll/ioprov/pkg/prov/engine/aggregator"
	"github.com/tigerroll/ioprov/pkg/prov/engine/codec"
)

func providePipeline(cfg *config.Config, recorder metrics.MetricRecorder) *Pipeline {
	router := codec.NewRouter(cfg.Lustre.MDSHosts, cfg.Lustre.OSSHosts, cfg.Lustre.MaxAge)
	return New(router, recorder, cfg.Aggregator.QueueSize)
}

// Module provides the *Pipeline and the engine streams it feeds.
var Module = fx.Options(
	fx.Provide(providePipeline),
	fx.Provide(func(p *Pipeline) aggregator.Streams { return p.Streams() }),
)
