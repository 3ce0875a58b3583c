package inmemory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/repository"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/repository/inmemory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	l := inmemory.NewLedger(0)

	_, err := l.LatestWindow(ctx)
	assert.ErrorIs(t, err, repository.ErrWindowNotFound)

	w := &model.WindowExecution{ID: "a", StartTime: time.Unix(100, 0)}
	require.NoError(t, l.SaveWindow(ctx, w))
	assert.Error(t, l.SaveWindow(ctx, w), "duplicate IDs are rejected")

	w.Status = model.WindowCompleted
	w.Entries = 3
	require.NoError(t, l.UpdateWindow(ctx, w))
	assert.Error(t, l.UpdateWindow(ctx, &model.WindowExecution{ID: "missing"}))

	got, err := l.FindWindowByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Entries)
	got.Entries = 99
	again, _ := l.FindWindowByID(ctx, "a")
	assert.Equal(t, 3, again.Entries, "callers receive copies")
}

func TestLedgerKeepsNewestWindows(t *testing.T) {
	ctx := context.Background()
	l := inmemory.NewLedger(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.SaveWindow(ctx, &model.WindowExecution{ID: fmt.Sprint(i), StartTime: time.Unix(int64(i), 0)}))
	}
	recent, err := l.RecentWindows(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"4", "3", "2"}, []string{recent[0].ID, recent[1].ID, recent[2].ID})

	latest, err := l.LatestWindow(ctx)
	require.NoError(t, err)
	assert.Equal(t, "4", latest.ID)
	_, err = l.FindWindowByID(ctx, "0")
	assert.ErrorIs(t, err, repository.ErrWindowNotFound)
}
