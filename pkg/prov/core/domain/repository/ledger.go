// Package repository defines persistence ports for pipeline bookkeeping.
package repository

import (
	"context"
	"errors"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
)

// ErrWindowNotFound is returned when no window matches.
var ErrWindowNotFound = errors.New("window execution not found")

// WindowLedger records the outcome of every flush window.
type WindowLedger interface {
	// SaveWindow persists a new window. Saving an existing ID is an error.
	SaveWindow(ctx context.Context, execution *model.WindowExecution) error
	// UpdateWindow replaces a stored window.
	UpdateWindow(ctx context.Context, execution *model.WindowExecution) error
	// FindWindowByID returns one window or ErrWindowNotFound.
	FindWindowByID(ctx context.Context, id string) (*model.WindowExecution, error)
	// LatestWindow returns the most recently started window or ErrWindowNotFound.
	LatestWindow(ctx context.Context) (*model.WindowExecution, error)
	// RecentWindows returns up to limit windows, newest first.
	RecentWindows(ctx context.Context, limit int) ([]*model.WindowExecution, error)
	Close() error
}
