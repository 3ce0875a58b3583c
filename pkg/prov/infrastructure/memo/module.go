package memo

import (
	"go.uber.org/fx"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
)

// Module provides the finished-job *Store at [aggregator] finished_jobs_file.
var Module = fx.Options(
	fx.Provide(func(cfg *config.Config) *Store { return New(cfg.Aggregator.FinishedJobsFile) }),
)
