// Package inmemory is the process-local window ledger.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/repository"
)

// Ledger keeps windows in memory, bounded to the newest capacity entries.
type Ledger struct {
	mu       sync.RWMutex
	windows  map[string]*model.WindowExecution
	capacity int
}

// NewLedger creates a ledger. A capacity of 0 or less keeps everything.
func NewLedger(capacity int) *Ledger {
	return &Ledger{windows: make(map[string]*model.WindowExecution), capacity: capacity}
}

// SaveWindow persists a new WindowExecution.
func (l *Ledger) SaveWindow(ctx context.Context, execution *model.WindowExecution) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.windows[execution.ID]; exists {
		return fmt.Errorf("window execution %s already exists", execution.ID)
	}
	cloned := *execution
	l.windows[execution.ID] = &cloned
	l.evict()
	return nil
}

// UpdateWindow replaces an existing WindowExecution.
func (l *Ledger) UpdateWindow(ctx context.Context, execution *model.WindowExecution) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.windows[execution.ID]; !exists {
		return fmt.Errorf("window execution %s not found for update", execution.ID)
	}
	cloned := *execution
	l.windows[execution.ID] = &cloned
	return nil
}

func (l *Ledger) FindWindowByID(ctx context.Context, id string) (*model.WindowExecution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	w, ok := l.windows[id]
	if !ok {
		return nil, repository.ErrWindowNotFound
	}
	cloned := *w
	return &cloned, nil
}

func (l *Ledger) LatestWindow(ctx context.Context) (*model.WindowExecution, error) {
	recent, err := l.RecentWindows(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 {
		return nil, repository.ErrWindowNotFound
	}
	return recent[0], nil
}

func (l *Ledger) RecentWindows(ctx context.Context, limit int) ([]*model.WindowExecution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := l.sorted()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) Close() error { return nil }

// sorted returns copies, newest first. Callers hold the lock.
func (l *Ledger) sorted() []*model.WindowExecution {
	out := make([]*model.WindowExecution, 0, len(l.windows))
	for _, w := range l.windows {
		cloned := *w
		out = append(out, &cloned)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

func (l *Ledger) evict() {
	if l.capacity <= 0 || len(l.windows) <= l.capacity {
		return
	}
	for _, w := range l.sorted()[l.capacity:] {
		delete(l.windows, w.ID)
	}
}

var _ repository.WindowLedger = (*Ledger)(nil)
