package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"render-export/internal/ipc"
	"render-export/internal/logging"
)

// Options configures supervised workers.
type Options struct {
	Launcher Launcher
	// Channel identifies the export the worker belongs to; it is sent in init.
	Channel           string
	HeartbeatInterval time.Duration
	StartupTimeout    time.Duration
	ShutdownGrace     time.Duration
	MaxRestarts       int
	Observer          Observer
	// OnEvent, if set, receives every lifecycle event. It is called from
	// the worker's goroutines and must not block.
	OnEvent func(Event)
}

// Default option values.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultStartupTimeout    = 30 * time.Second
	DefaultShutdownGrace     = 5 * time.Second
	DefaultMaxRestarts       = 2
)

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = DefaultStartupTimeout
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	if o.MaxRestarts < 0 {
		o.MaxRestarts = 0
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

type result struct {
	resp ipc.Response
	err  error
}

// session is one spawned process of a worker. A worker creates a new
// session on every restart; callbacks from an old session are ignored.
type session struct {
	proc      Process
	conn      *ipc.Conn
	initial   bool
	spawnedAt time.Time

	// pending is guarded by Worker.mu. A nil map means the session is over.
	pending map[uint64]chan result

	lastBeat  atomic.Int64
	wasReady  atomic.Bool
	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	stop      chan struct{}

	reasonMu sync.Mutex
	reason   string
}

func (s *session) setReason(reason string) {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	if s.reason == "" {
		s.reason = reason
	}
}

func (s *session) crashReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

func (s *session) stopTimers() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Worker supervises one render worker process.
type Worker struct {
	name string
	opts Options

	mu           sync.Mutex
	state        State
	sess         *session
	restartCount int
	fatal        bool
	stopped      bool
	lastErr      error
	inflight     int
	nextID       uint64
	subs         map[int]func(ipc.Notify)
	nextSub      int
}

// NewWorker creates a worker. The process is not started until Start.
func NewWorker(name string, opts Options) *Worker {
	return &Worker{
		name:  name,
		opts:  opts.withDefaults(),
		state: StateTerminated,
		subs:  make(map[int]func(ipc.Notify)),
	}
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// RestartCount returns how many times the worker has been respawned.
func (w *Worker) RestartCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restartCount
}

// Fatal reports whether the worker exhausted its restart budget.
func (w *Worker) Fatal() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

// Err returns the last crash error, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Start spawns the worker and blocks until it reports ready, the startup
// timeout elapses, or ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.sess != nil && w.state != StateTerminated && w.state != StateCrashed {
		w.mu.Unlock()
		return fmt.Errorf("worker %s already started", w.name)
	}
	w.stopped = false
	w.mu.Unlock()

	sess, err := w.spawn(true)
	if err != nil {
		return err
	}

	select {
	case <-sess.ready:
		return nil
	case <-sess.done:
		if sess.crashReason() == CrashReasonStartup {
			return fmt.Errorf("%w: %s did not report ready within %s", ErrStartupTimeout, w.name, w.opts.StartupTimeout)
		}
		return fmt.Errorf("%w: %s exited before ready", ErrWorkerCrashed, w.name)
	case <-ctx.Done():
		w.kill(sess, CrashReasonStartup)
		<-sess.done
		return ctx.Err()
	}
}

// spawn launches a new process and registers it as the current session.
func (w *Worker) spawn(initial bool) (*session, error) {
	proc, err := w.opts.Launcher.Launch(w.name)
	if err != nil {
		w.mu.Lock()
		w.state = StateCrashed
		w.lastErr = err
		w.mu.Unlock()
		return nil, fmt.Errorf("failed to launch worker %s: %w", w.name, err)
	}

	sess := &session{
		proc:      proc,
		conn:      ipc.NewConn(proc.Reader(), proc.Writer()),
		initial:   initial,
		spawnedAt: time.Now(),
		pending:   make(map[uint64]chan result),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}

	w.mu.Lock()
	if !initial && w.stopped {
		w.mu.Unlock()
		_ = proc.Kill()
		_ = proc.Wait()
		return nil, fmt.Errorf("%w: %s", ErrWorkerShutdown, w.name)
	}
	w.sess = sess
	w.state = StateSpawning
	w.mu.Unlock()

	w.opts.Observer.ObserveSpawn(w.name)
	w.emit(Event{Type: EventSpawned, Worker: w.name, RestartCount: w.RestartCount()})

	go w.readLoop(sess)
	go w.startupWatchdog(sess)

	if err := sess.conn.Send(ipc.Init{Channel: w.opts.Channel, WorkerID: w.name}); err != nil {
		logging.Warn("Worker %s: failed to send init: %v", w.name, err)
		w.kill(sess, CrashReasonStream)
	}

	return sess, nil
}

func (w *Worker) startupWatchdog(sess *session) {
	timer := time.NewTimer(w.opts.StartupTimeout)
	defer timer.Stop()

	select {
	case <-sess.ready:
	case <-sess.stop:
	case <-timer.C:
		logging.Warn("Worker %s did not report ready within %s, killing", w.name, w.opts.StartupTimeout)
		w.kill(sess, CrashReasonStartup)
	}
}

func (w *Worker) readLoop(sess *session) {
	var streamErr error
	for {
		msg, err := sess.conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				streamErr = err
			}
			break
		}

		switch m := msg.(type) {
		case ipc.Ready:
			w.markReady(sess)
		case ipc.Heartbeat:
			sess.lastBeat.Store(time.Now().UnixNano())
		case ipc.Response:
			w.resolve(sess, m)
		case ipc.Notify:
			w.dispatch(m)
		default:
			logging.Warn("Worker %s sent unexpected %s message", w.name, msg.Type())
		}
	}

	if streamErr != nil {
		sess.setReason(CrashReasonStream)
		logging.Debug("Worker %s stream closed: %v", w.name, streamErr)
		_ = sess.proc.Kill()
	}

	waitErr := sess.proc.Wait()
	sess.stopTimers()
	w.handleExit(sess, waitErr)
	close(sess.done)
}

func (w *Worker) markReady(sess *session) {
	sess.readyOnce.Do(func() {
		sess.lastBeat.Store(time.Now().UnixNano())
		sess.wasReady.Store(true)

		w.mu.Lock()
		if w.sess == sess && w.state == StateSpawning {
			w.state = StateReady
		}
		w.mu.Unlock()

		startup := time.Since(sess.spawnedAt)
		w.opts.Observer.ObserveReady(w.name, startup)
		logging.Debug("Worker %s ready in %s", w.name, startup.Round(time.Millisecond))
		w.emit(Event{Type: EventReady, Worker: w.name, RestartCount: w.RestartCount()})

		close(sess.ready)
		go w.heartbeatLoop(sess)
	})
}

// heartbeatLoop pings the worker every interval and kills it once no
// heartbeat has arrived for more than two intervals.
func (w *Worker) heartbeatLoop(sess *session) {
	interval := w.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.stop:
			return
		case <-ticker.C:
			gap := time.Since(time.Unix(0, sess.lastBeat.Load()))
			if gap > 2*interval {
				logging.Warn("Worker %s missed heartbeats for %s, treating as crashed", w.name, gap.Round(time.Millisecond))
				w.kill(sess, CrashReasonHeartbeat)
				return
			}
			if err := sess.conn.Send(ipc.HeartbeatPing{}); err != nil {
				logging.Debug("Worker %s: heartbeat ping failed: %v", w.name, err)
			}
		}
	}
}

func (w *Worker) kill(sess *session, reason string) {
	sess.setReason(reason)
	if err := sess.proc.Kill(); err != nil {
		logging.Warn("Failed to kill worker %s: %v", w.name, err)
	}
}

// handleExit runs once per session after the process has been reaped.
func (w *Worker) handleExit(sess *session, waitErr error) {
	w.opts.Observer.ObserveExit(w.name)

	w.mu.Lock()
	if w.sess != sess {
		w.mu.Unlock()
		return
	}
	pending := sess.pending
	sess.pending = nil
	intentional := w.state == StateShuttingDown || w.stopped
	w.mu.Unlock()

	if intentional {
		rejectAll(pending, fmt.Errorf("%w: %s", ErrWorkerShutdown, w.name))
		w.mu.Lock()
		w.state = StateTerminated
		w.mu.Unlock()
		logging.Debug("Worker %s terminated", w.name)
		w.emit(Event{Type: EventTerminated, Worker: w.name, RestartCount: w.RestartCount()})
		return
	}

	reason := sess.crashReason()
	if reason == "" {
		reason = CrashReasonExit
	}
	detail := reason
	if waitErr != nil {
		detail = fmt.Sprintf("%s: %v", reason, waitErr)
	}
	crashErr := fmt.Errorf("%w: %s (%s)", ErrWorkerCrashed, w.name, detail)
	rejectAll(pending, crashErr)

	w.opts.Observer.ObserveCrash(w.name, reason)

	w.mu.Lock()
	w.state = StateCrashed
	w.lastErr = crashErr
	// A worker that never came up on its first spawn is reported to Start
	// instead of being restarted.
	if sess.initial && !sess.wasReady.Load() {
		w.mu.Unlock()
		logging.Error("Worker %s failed to start: %s", w.name, detail)
		w.emit(Event{Type: EventCrashed, Worker: w.name, Err: crashErr})
		return
	}
	if w.restartCount >= w.opts.MaxRestarts {
		w.fatal = true
		count := w.restartCount
		w.mu.Unlock()

		logging.Error("Worker %s crashed (%s) and exceeded %d restarts, giving up", w.name, detail, w.opts.MaxRestarts)
		w.emit(Event{Type: EventCrashed, Worker: w.name, RestartCount: count, Err: crashErr})
		w.opts.Observer.ObserveFatal(w.name)
		w.emit(Event{Type: EventFatal, Worker: w.name, RestartCount: count, Err: crashErr})
		return
	}
	w.restartCount++
	count := w.restartCount
	w.mu.Unlock()

	logging.Warn("Worker %s crashed (%s), restarting (%d/%d)", w.name, detail, count, w.opts.MaxRestarts)
	w.emit(Event{Type: EventCrashed, Worker: w.name, RestartCount: count, Err: crashErr})
	w.opts.Observer.ObserveRestart(w.name, count)

	if _, err := w.spawn(false); err != nil {
		if errors.Is(err, ErrWorkerShutdown) {
			w.mu.Lock()
			w.state = StateTerminated
			w.mu.Unlock()
			w.emit(Event{Type: EventTerminated, Worker: w.name, RestartCount: count})
			return
		}
		w.mu.Lock()
		w.fatal = true
		w.mu.Unlock()
		logging.Error("Worker %s could not be restarted: %v", w.name, err)
		w.opts.Observer.ObserveFatal(w.name)
		w.emit(Event{Type: EventFatal, Worker: w.name, RestartCount: count, Err: err})
		return
	}
	w.emit(Event{Type: EventRestarted, Worker: w.name, RestartCount: count})
}

func rejectAll(pending map[uint64]chan result, err error) {
	for _, ch := range pending {
		ch <- result{err: err}
	}
}

func (w *Worker) resolve(sess *session, resp ipc.Response) {
	w.mu.Lock()
	ch, ok := sess.pending[resp.ID]
	delete(sess.pending, resp.ID)
	w.mu.Unlock()

	if !ok {
		logging.Debug("Worker %s: dropping response for unknown or expired request %d", w.name, resp.ID)
		return
	}
	ch <- result{resp: resp}
}

// removePending deletes a pending entry. It reports false when the entry
// was already resolved or rejected.
func (w *Worker) removePending(sess *session, id uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := sess.pending[id]; !ok {
		return false
	}
	delete(sess.pending, id)
	return true
}

// Request sends method with data and waits for the correlated response.
// The response payload is decoded into out when out is non-nil. A timeout
// of zero waits until ctx is done.
//
// Each request resolves exactly once: a response arriving after the
// timeout is dropped.
func (w *Worker) Request(ctx context.Context, method string, data interface{}, timeout time.Duration, out interface{}) error {
	payload, err := ipc.Encode(data)
	if err != nil {
		return err
	}

	w.mu.Lock()
	switch {
	case w.fatal:
		w.mu.Unlock()
		return fmt.Errorf("%w: %s exceeded its restart budget", ErrWorkerUnavailable, w.name)
	case w.state == StateShuttingDown || w.state == StateTerminated:
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerShutdown, w.name)
	case w.sess == nil || w.sess.pending == nil || (w.state != StateReady && w.state != StateIdle && w.state != StateBusy):
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrWorkerUnavailable, w.name, state)
	}
	sess := w.sess
	w.nextID++
	id := w.nextID
	ch := make(chan result, 1)
	sess.pending[id] = ch
	w.inflight++
	w.state = StateBusy
	w.mu.Unlock()

	start := time.Now()
	defer w.finishRequest(sess)

	if err := sess.conn.Send(ipc.Request{ID: id, Method: method, Data: payload}); err != nil {
		if w.removePending(sess, id) {
			w.opts.Observer.ObserveRequest(method, "error", time.Since(start))
			return fmt.Errorf("failed to send %s request to %s: %w", method, w.name, err)
		}
		// The session ended while sending; the rejection is already queued.
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var r result
	select {
	case r = <-ch:
	case <-timeoutC:
		if w.removePending(sess, id) {
			w.opts.Observer.ObserveRequest(method, "timeout", time.Since(start))
			return fmt.Errorf("%w: %s %s after %s", ErrRequestTimeout, w.name, method, timeout)
		}
		r = <-ch
	case <-ctx.Done():
		if w.removePending(sess, id) {
			w.opts.Observer.ObserveRequest(method, "cancelled", time.Since(start))
			return ctx.Err()
		}
		r = <-ch
	}

	elapsed := time.Since(start)
	switch {
	case r.err != nil:
		status := "error"
		if errors.Is(r.err, ErrWorkerCrashed) {
			status = "crashed"
		}
		w.opts.Observer.ObserveRequest(method, status, elapsed)
		return r.err
	case r.resp.Error != "":
		w.opts.Observer.ObserveRequest(method, "error", elapsed)
		return &ipc.RemoteError{Method: method, Message: r.resp.Error}
	}

	w.opts.Observer.ObserveRequest(method, "ok", elapsed)
	return ipc.DecodeData(r.resp.Data, out)
}

func (w *Worker) finishRequest(sess *session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight--
	if w.inflight == 0 && w.sess == sess && w.state == StateBusy {
		w.state = StateIdle
	}
}

// WaitReady blocks until the worker's current process is ready. After a
// crash it waits for the restarted process. It returns ErrWorkerUnavailable
// once the worker is fatal or stopped.
func (w *Worker) WaitReady(ctx context.Context) error {
	for {
		w.mu.Lock()
		sess := w.sess
		unavailable := w.fatal || w.stopped || sess == nil
		ended := sess != nil && sess.pending == nil
		w.mu.Unlock()

		if unavailable {
			return fmt.Errorf("%w: %s", ErrWorkerUnavailable, w.name)
		}

		if !ended {
			select {
			case <-sess.ready:
				return nil
			case <-sess.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			// The session is being torn down; wait for the restart decision.
			select {
			case <-sess.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		w.mu.Lock()
		same := w.sess == sess
		w.mu.Unlock()
		if same {
			return fmt.Errorf("%w: %s", ErrWorkerUnavailable, w.name)
		}
	}
}

// Notify sends an uncorrelated message to the worker.
func (w *Worker) Notify(method string, data interface{}) error {
	msg, err := ipc.NewNotify(method, data)
	if err != nil {
		return err
	}

	w.mu.Lock()
	sess := w.sess
	state := w.state
	w.mu.Unlock()

	if sess == nil || state == StateTerminated || state == StateCrashed {
		return fmt.Errorf("%w: %s is %s", ErrWorkerUnavailable, w.name, state)
	}
	return sess.conn.Send(msg)
}

// Subscribe registers fn for every message the worker sends. The returned
// function removes the subscription.
func (w *Worker) Subscribe(fn func(ipc.Notify)) func() {
	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

func (w *Worker) dispatch(n ipc.Notify) {
	w.mu.Lock()
	handlers := make([]func(ipc.Notify), 0, len(w.subs))
	for _, fn := range w.subs {
		handlers = append(handlers, fn)
	}
	w.mu.Unlock()

	for _, fn := range handlers {
		fn(n)
	}
}

// Shutdown asks the worker to exit, waits up to the shutdown grace period
// and then kills it. Pending requests are rejected with ErrWorkerShutdown.
func (w *Worker) Shutdown(ctx context.Context) error {
	sess, ok := w.beginShutdown()
	if !ok {
		return nil
	}

	if err := sess.conn.Send(ipc.Shutdown{}); err != nil {
		logging.Debug("Worker %s: failed to send shutdown: %v", w.name, err)
	}

	timer := time.NewTimer(w.opts.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-sess.done:
		return nil
	case <-timer.C:
		logging.Warn("Worker %s did not exit within %s, killing", w.name, w.opts.ShutdownGrace)
	case <-ctx.Done():
	}

	w.kill(sess, "")
	<-sess.done
	return nil
}

// Kill terminates the worker immediately without a cooperative shutdown.
func (w *Worker) Kill() {
	sess, ok := w.beginShutdown()
	if !ok {
		return
	}
	w.kill(sess, "")
	<-sess.done
}

func (w *Worker) beginShutdown() (*session, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	sess := w.sess
	if sess == nil {
		return nil, false
	}
	select {
	case <-sess.done:
		if w.state != StateCrashed {
			w.state = StateTerminated
		}
		return nil, false
	default:
	}
	w.state = StateShuttingDown
	return sess, true
}

func (w *Worker) emit(e Event) {
	if w.opts.OnEvent != nil {
		w.opts.OnEvent(e)
	}
}
