package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"render-export/internal/export"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return s
}

func summary(id string, state export.State, finished time.Time) export.Summary {
	return export.Summary{
		ID:            id,
		CompositionID: "Main",
		State:         state,
		Mode:          "parallel",
		TotalFrames:   2700,
		ChunkCount:    3,
		WorkerCount:   3,
		Concurrency:   1,
		OutputPath:    "/out/" + id + ".mp4",
		FileSize:      1234,
		StartedAt:     finished.Add(-time.Minute),
		FinishedAt:    finished,
	}
}

func TestRecordAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	finished := time.Now().Truncate(time.Millisecond)

	want := summary("a", export.StateDone, finished)
	if err := s.Record(ctx, want); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != want.ID || got.State != want.State || got.Mode != want.Mode ||
		got.ChunkCount != want.ChunkCount || got.FileSize != want.FileSize || got.OutputPath != want.OutputPath {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
	if !got.FinishedAt.Equal(want.FinishedAt) || got.Duration() != time.Minute {
		t.Errorf("times = %v / %v, want %v / 1m", got.FinishedAt, got.Duration(), want.FinishedAt)
	}
}

func TestRecordReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := summary("a", export.StateFailed, now)
	first.Error = "worker crashed"
	if err := s.Record(ctx, first); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := s.Record(ctx, summary("a", export.StateDone, now)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != export.StateDone || got.Error != "" {
		t.Errorf("Get() = %+v, want the replacement row", got)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestListOrderAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"old", "mid", "new"} {
		if err := s.Record(ctx, summary(id, export.StateDone, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Record(%s) failed: %v", id, err)
		}
	}

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{"all", 10, []string{"new", "mid", "old"}},
		{"limited", 2, []string{"new", "mid"}},
		{"default limit", 0, []string{"new", "mid", "old"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.limit)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("List() returned %d rows, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("List()[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestListEmpty(t *testing.T) {
	s := openTestStore(t)
	got, err := s.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("List() = %v, want empty non-nil slice", got)
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Record(ctx, summary("stale", export.StateDone, now.Add(-48*time.Hour))); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := s.Record(ctx, summary("fresh", export.StateCancelled, now)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() removed %d rows, want 1", n)
	}
	if _, err := s.Get(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale export still present: %v", err)
	}
	if _, err := s.Get(ctx, "fresh"); err != nil {
		t.Errorf("fresh export missing: %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Record(ctx, summary("a", export.StateDone, time.Now())); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if _, err := s.Get(ctx, "a"); err != nil {
		t.Errorf("Get after reopen failed: %v", err)
	}
	s.UpdateMetrics()
}

func TestStoreIsRecorder(t *testing.T) {
	var _ export.Recorder = (*Store)(nil)
}
