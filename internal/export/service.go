package export

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"render-export/internal/logging"
	"render-export/internal/metrics"
	"render-export/internal/progress"
)

var (
	// ErrBusy is returned by Start when MaxConcurrent exports are running.
	ErrBusy = errors.New("too many exports in progress")
	// ErrNotFound is returned for unknown export IDs.
	ErrNotFound = errors.New("export not found")
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("export service is shutting down")
	// ErrDuplicateID is returned by Start when the requested ID is still
	// tracked.
	ErrDuplicateID = errors.New("export id already in use")
)

// Status is a point-in-time view of one export.
type Status struct {
	ID        string          `json:"id"`
	State     State           `json:"state"`
	Progress  progress.Update `json:"progress"`
	Plan      *Plan           `json:"plan,omitempty"`
	Result    *Result         `json:"result,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
}

type entry struct {
	orch      *Orchestrator
	startedAt time.Time
	done      chan struct{}
	// finishedAt is zero while the export runs. Guarded by Service.mu.
	finishedAt time.Time
}

// Service runs exports in the background and keeps finished ones around
// for the retention window, counted from when they finish, so their
// status can still be polled.
type Service struct {
	cfg           Config
	maxConcurrent int
	retention     time.Duration

	mu       sync.RWMutex
	exports  map[string]*entry
	running  int
	closed   bool
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancelFn context.CancelFunc
}

// NewService creates a service. maxConcurrent <= 0 means one export at a
// time.
func NewService(cfg Config, maxConcurrent int, retention time.Duration) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if retention <= 0 {
		retention = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:           cfg,
		maxConcurrent: maxConcurrent,
		retention:     retention,
		exports:       make(map[string]*entry),
		baseCtx:       ctx,
		cancelFn:      cancel,
	}
}

// Start launches an export and returns its ID.
func (s *Service) Start(req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	if s.running >= s.maxConcurrent {
		s.mu.Unlock()
		return "", ErrBusy
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.exports[id]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	e := &entry{
		orch:      New(s.cfg, id),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.exports[id] = e
	s.running++
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(e, req)
	return id, nil
}

func (s *Service) run(e *entry, req Request) {
	defer s.wg.Done()
	defer close(e.done)

	e.orch.Export(s.baseCtx, req, nil)

	s.mu.Lock()
	s.running--
	e.finishedAt = time.Now()
	s.mu.Unlock()

	s.prune()
}

// prune drops exports that finished more than the retention window ago.
func (s *Service) prune() {
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.exports {
		if !e.finishedAt.IsZero() && e.finishedAt.Before(cutoff) {
			delete(s.exports, id)
			logging.Debug("Export %s: dropped from service after retention", id)
		}
	}
}

// Get returns the status of an export.
func (s *Service) Get(id string) (Status, error) {
	s.prune()
	s.mu.RLock()
	e, ok := s.exports[id]
	s.mu.RUnlock()
	if !ok {
		return Status{}, ErrNotFound
	}
	return statusOf(e), nil
}

// Wait blocks until the export finishes or ctx is done.
func (s *Service) Wait(ctx context.Context, id string) (Status, error) {
	s.mu.RLock()
	e, ok := s.exports[id]
	s.mu.RUnlock()
	if !ok {
		return Status{}, ErrNotFound
	}
	select {
	case <-e.done:
		return statusOf(e), nil
	case <-ctx.Done():
		return statusOf(e), ctx.Err()
	}
}

// Cancel requests cancellation of an export.
func (s *Service) Cancel(id string) error {
	s.mu.RLock()
	e, ok := s.exports[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.orch.Cancel()
	return nil
}

// List returns every tracked export, newest first.
func (s *Service) List() []Status {
	s.prune()
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.exports))
	for _, e := range s.exports {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, statusOf(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Accepting reports whether Start can still take new exports.
func (s *Service) Accepting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// GetStats implements metrics.StatsProvider.
func (s *Service) GetStats() metrics.Stats {
	s.prune()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return metrics.Stats{
		ExportsRunning: s.running,
		ExportsTracked: len(s.exports),
	}
}

// Shutdown stops accepting exports, cancels the running ones and waits
// for them to finish or ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancelFn()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("Export service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func statusOf(e *entry) Status {
	st := Status{
		ID:        e.orch.ID(),
		State:     e.orch.State(),
		Progress:  e.orch.Progress(),
		StartedAt: e.startedAt,
	}
	if p, ok := e.orch.Plan(); ok {
		st.Plan = &p
	}
	if r, ok := e.orch.Result(); ok {
		st.Result = &r
	}
	return st
}
