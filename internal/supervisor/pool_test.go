package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"render-export/internal/ipc"
)

func TestPoolGetOrCreate(t *testing.T) {
	pool := NewPool(testOptions(&fakeWorker{handle: echoHandler}))
	defer pool.DestroyAll()

	ctx := context.Background()
	a, err := pool.GetOrCreate(ctx, "group-0")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	again, err := pool.GetOrCreate(ctx, "group-0")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if a != again {
		t.Error("GetOrCreate returned a different worker for the same name")
	}

	if _, err := pool.GetOrCreate(ctx, "group-1"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	names := pool.Names()
	if len(names) != 2 || names[0] != "group-0" || names[1] != "group-1" {
		t.Errorf("Names() = %v", names)
	}

	if w, ok := pool.Get("group-1"); !ok || w.Name() != "group-1" {
		t.Errorf("Get(group-1) = %v, %v", w, ok)
	}
	if _, ok := pool.Get("missing"); ok {
		t.Error("Get(missing) found a worker")
	}
}

func TestPoolGetOrCreateStartFailure(t *testing.T) {
	opts := testOptions(&fakeWorker{skipReady: true})
	opts.StartupTimeout = 30 * time.Millisecond
	pool := NewPool(opts)

	_, err := pool.GetOrCreate(context.Background(), "broken")
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("GetOrCreate() error = %v, want ErrStartupTimeout", err)
	}
	if pool.Len() != 0 {
		t.Errorf("Len() = %d, failed worker should not be kept", pool.Len())
	}
}

func TestPoolRemove(t *testing.T) {
	pool := NewPool(testOptions(&fakeWorker{}))
	ctx := context.Background()

	w, err := pool.GetOrCreate(ctx, "solo")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if err := pool.Remove(ctx, "solo"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if w.State() != StateTerminated {
		t.Errorf("removed worker state = %s, want terminated", w.State())
	}
	if pool.Len() != 0 {
		t.Errorf("Len() = %d, want 0", pool.Len())
	}
	if err := pool.Remove(ctx, "solo"); err != nil {
		t.Errorf("Remove of unknown worker = %v, want nil", err)
	}
}

func TestPoolNotifyAndDestroyAll(t *testing.T) {
	var cancels atomic.Int32
	pool := NewPool(testOptions(&fakeWorker{
		ignoreShutdown: true,
		notify: func(n ipc.Notify) {
			if n.Method == ipc.MethodCancel {
				cancels.Add(1)
			}
		},
	}))

	ctx := context.Background()
	var workers []*Worker
	for _, name := range []string{"a", "b", "c"} {
		w, err := pool.GetOrCreate(ctx, name)
		if err != nil {
			t.Fatalf("GetOrCreate(%s) failed: %v", name, err)
		}
		workers = append(workers, w)
	}

	pool.Notify(ipc.MethodCancel, nil)
	eventually(t, time.Second, func() bool { return cancels.Load() == 3 })

	start := time.Now()
	pool.DestroyAll()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("DestroyAll took %s, it should not wait for cooperative exit", elapsed)
	}

	if pool.Len() != 0 {
		t.Errorf("Len() = %d after DestroyAll", pool.Len())
	}
	for _, w := range workers {
		if w.State() != StateTerminated {
			t.Errorf("worker %s state = %s, want terminated", w.Name(), w.State())
		}
	}
}

func TestPoolShutdownAll(t *testing.T) {
	pool := NewPool(testOptions(&fakeWorker{}))
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		if _, err := pool.GetOrCreate(ctx, name); err != nil {
			t.Fatalf("GetOrCreate(%s) failed: %v", name, err)
		}
	}

	pool.ShutdownAll(ctx)

	if pool.Len() != 0 {
		t.Errorf("Len() = %d after ShutdownAll", pool.Len())
	}
}

func TestPoolFatal(t *testing.T) {
	opts := testOptions(&fakeWorker{skipHeartbeat: true})
	opts.HeartbeatInterval = 15 * time.Millisecond
	opts.MaxRestarts = 1

	fatal := make(chan string, 1)
	opts.OnEvent = func(e Event) {
		if e.Type == EventFatal {
			fatal <- e.Worker
		}
	}

	pool := NewPool(opts)
	defer pool.DestroyAll()

	if _, err := pool.GetOrCreate(context.Background(), "wedged"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	select {
	case name := <-fatal:
		if name != "wedged" {
			t.Errorf("fatal event for %q", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal event")
	}

	got := pool.Fatal()
	if len(got) != 1 || got[0] != "wedged" {
		t.Errorf("Fatal() = %v, want [wedged]", got)
	}
}
