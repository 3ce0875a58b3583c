package aggregator

import (
	"go.uber.org/fx"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/repository"
	"github.com/tigerroll/ioprov/pkg/prov/core/metrics"
)

// Params are the engine's injected collaborators.
type Params struct {
	fx.In
	Config     *config.Config
	Store      *config.Store `optional:"true"`
	Streams    Streams
	Schedulers Schedulers
	Accounting Accounting `optional:"true"`
	Memo       Memo       `optional:"true"`
	Persister  Persister
	Clearer    Clearer                 `optional:"true"`
	Ledger     repository.WindowLedger `optional:"true"`
	Recorder   metrics.MetricRecorder
	Tracer     metrics.Tracer
}

// NewFromParams builds the engine from the fx graph.
func NewFromParams(p Params) (*Engine, error) {
	opts := Options{
		Schedulers: p.Schedulers,
		Accounting: p.Accounting,
		Memo:       p.Memo,
		Persister:  p.Persister,
		Clearer:    p.Clearer,
		Ledger:     p.Ledger,
		Recorder:   p.Recorder,
		Tracer:     p.Tracer,
	}
	if p.Store != nil {
		opts.Source = p.Store
	}
	return New(p.Config.Aggregator, p.Config.Lustre, p.Streams, opts)
}

// Module provides *Engine.
var Module = fx.Options(
	fx.Provide(NewFromParams),
)
