package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"render-export/internal/export"
	"render-export/internal/history"
)

func TestPruneHistory(t *testing.T) {
	ctx := context.Background()
	store, err := history.Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	now := time.Now()
	old := export.Summary{ID: "old", CompositionID: "Main", State: export.StateDone,
		StartedAt: now.Add(-historyRetention - time.Hour), FinishedAt: now.Add(-historyRetention - time.Minute)}
	recent := export.Summary{ID: "recent", CompositionID: "Main", State: export.StateDone,
		StartedAt: now.Add(-time.Hour), FinishedAt: now}
	for _, s := range []export.Summary{old, recent} {
		if err := store.Record(ctx, s); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	close(stop)
	pruneHistory(store, stop, stopped)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("pruneHistory did not signal stopped")
	}

	if _, err := store.Get(ctx, "old"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("old export still present: %v", err)
	}
	if _, err := store.Get(ctx, "recent"); err != nil {
		t.Errorf("recent export pruned: %v", err)
	}
}
