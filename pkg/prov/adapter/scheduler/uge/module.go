package uge

import (
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/ioprov/pkg/prov/adapter/broker"
	"github.com/tigerroll/ioprov/pkg/prov/adapter/scheduler"
	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/memo"
)

// NewSchedulerRegistry registers the Grid Engine facade for the "uge" token.
func NewSchedulerRegistry(cfg *config.Config) *scheduler.Registry {
	r := scheduler.NewRegistry()
	r.Register(model.KindUGE, NewClient(cfg.UGE))
	return r
}

func provideFetcher(cfg *config.Config, rpc *broker.RPCClient, store *memo.Store) *AcctFetcher {
	interval := time.Duration(cfg.UGE.AcctRPCInterval) * time.Second
	return NewAcctFetcher(rpc, store, interval, cfg.Aggregator.QueueSize)
}

func provideTailer(cfg *config.Config) *AcctTailer {
	return NewAcctTailer(cfg.UGE.AcctFile, cfg.UGE.MaxReadLine)
}

// Module provides the scheduler registry and the accounting fetcher.
var Module = fx.Options(
	fx.Provide(NewSchedulerRegistry),
	fx.Provide(provideFetcher),
)

// TailerModule provides the accounting-file tailer.
var TailerModule = fx.Options(
	fx.Provide(provideTailer),
)
