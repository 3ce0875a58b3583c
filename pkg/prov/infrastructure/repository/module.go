// Package repository selects the window ledger backend.
package repository

import (
	"context"

	"go.uber.org/fx"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	domain "github.com/tigerroll/ioprov/pkg/prov/core/domain/repository"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/repository/inmemory"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/repository/sql"
)

// memoryCapacity bounds the in-memory ledger.
const memoryCapacity = 1024

// NewWindowLedger returns the ledger named by [ledger] type.
func NewWindowLedger(cfg config.LedgerConfig) (domain.WindowLedger, error) {
	if cfg.Type == "" || cfg.Type == "memory" {
		return inmemory.NewLedger(memoryCapacity), nil
	}
	return sql.Open(cfg)
}

func provideLedger(lc fx.Lifecycle, cfg *config.Config) (domain.WindowLedger, error) {
	l, err := NewWindowLedger(cfg.Ledger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return l.Close() },
	})
	return l, nil
}

// Module provides domain.WindowLedger.
var Module = fx.Options(
	fx.Provide(provideLedger),
)
