package supervisor

import (
	"context"
	"sort"
	"sync"

	"render-export/internal/logging"
)

// Pool tracks the named workers of one export. Workers share the pool's
// options.
type Pool struct {
	opts Options

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewPool creates an empty pool.
func NewPool(opts Options) *Pool {
	return &Pool{
		opts:    opts,
		workers: make(map[string]*Worker),
	}
}

// Get returns the named worker if it exists.
func (p *Pool) Get(name string) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[name]
	return w, ok
}

// GetOrCreate returns the named worker, starting it first if needed.
// A worker that fails to start is not kept in the pool.
func (p *Pool) GetOrCreate(ctx context.Context, name string) (*Worker, error) {
	p.mu.Lock()
	if w, ok := p.workers[name]; ok {
		p.mu.Unlock()
		return w, nil
	}
	w := NewWorker(name, p.opts)
	p.workers[name] = w
	p.mu.Unlock()

	if err := w.Start(ctx); err != nil {
		p.mu.Lock()
		if p.workers[name] == w {
			delete(p.workers, name)
		}
		p.mu.Unlock()
		return nil, err
	}

	logging.Debug("Pool: worker %s started", name)
	return w, nil
}

// Remove shuts down the named worker and forgets it.
func (p *Pool) Remove(ctx context.Context, name string) error {
	p.mu.Lock()
	w, ok := p.workers[name]
	delete(p.workers, name)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return w.Shutdown(ctx)
}

// Names returns the names of all tracked workers in sorted order.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.workers))
	for name := range p.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tracked workers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Fatal returns the names of workers that exhausted their restart budget.
func (p *Pool) Fatal() []string {
	var names []string
	for _, w := range p.snapshot() {
		if w.Fatal() {
			names = append(names, w.Name())
		}
	}
	sort.Strings(names)
	return names
}

// Notify sends a message to every tracked worker. Delivery is best-effort;
// failures are logged.
func (p *Pool) Notify(method string, data interface{}) {
	for _, w := range p.snapshot() {
		if err := w.Notify(method, data); err != nil {
			logging.Debug("Pool: %s to %s failed: %v", method, w.Name(), err)
		}
	}
}

// ShutdownAll gracefully stops every worker and empties the pool.
func (p *Pool) ShutdownAll(ctx context.Context) {
	p.each(p.drain(), func(w *Worker) {
		if err := w.Shutdown(ctx); err != nil {
			logging.Warn("Pool: failed to shut down %s: %v", w.Name(), err)
		}
	})
}

// DestroyAll kills every worker immediately and empties the pool. It is
// used when an export fails or its cancellation grace period expires.
func (p *Pool) DestroyAll() {
	workers := p.drain()
	if len(workers) > 0 {
		logging.Info("Pool: destroying %d worker(s)", len(workers))
	}
	p.each(workers, func(w *Worker) { w.Kill() })
}

func (p *Pool) snapshot() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	return workers
}

func (p *Pool) drain() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[string]*Worker)
	return workers
}

func (p *Pool) each(workers []*Worker, fn func(*Worker)) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			fn(w)
		}(w)
	}
	wg.Wait()
}
