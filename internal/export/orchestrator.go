package export

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"render-export/internal/combiner"
	"render-export/internal/filesystem"
	"render-export/internal/ipc"
	"render-export/internal/logging"
	"render-export/internal/machine"
	"render-export/internal/metrics"
	"render-export/internal/planner"
	"render-export/internal/progress"
	"render-export/internal/supervisor"
)

// DefaultCancelGrace is how long cancelled workers get to acknowledge
// before they are killed.
const DefaultCancelGrace = 5 * time.Second

// Recorder persists finished exports.
type Recorder interface {
	Record(ctx context.Context, s Summary) error
}

// Config holds the dependencies of an Orchestrator.
type Config struct {
	Profiler machine.Profiler
	Policy   planner.Policy
	Combiner *combiner.Combiner
	// Workers configures the worker pool. Channel and OnEvent are set per
	// export.
	Workers     supervisor.Options
	WorkDir     string
	CancelGrace time.Duration
	DefaultTier machine.QualityTier
	Recorder    Recorder
}

// Orchestrator runs a single export through the state machine
// Preparing -> Planning -> Dispatching -> Aggregating -> Combining -> Done.
// Failed is reachable from every state; Cancelled from Dispatching and
// Aggregating. An Orchestrator is used for one export only.
type Orchestrator struct {
	cfg Config
	id  string

	mu       sync.Mutex
	state    State
	plan     *Plan
	pool     *supervisor.Pool
	tracker  *progress.Tracker
	stopRun  context.CancelFunc
	started  time.Time
	result   *Result
	detaches []func()

	cancelRequested atomic.Bool
	// cancelSettled is the completion flag of the two-phase cancel: it is
	// set once dispatch has returned or the export finished, and the grace
	// timer only forces a kill while it is unset.
	cancelSettled atomic.Bool
	cancelTimer   *time.Timer
}

// New creates an orchestrator. An empty id is replaced by a new UUID.
func New(cfg Config, id string) *Orchestrator {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = machine.TierMedium
	}
	if cfg.Profiler == nil {
		cfg.Profiler = machine.NewSystemProfiler()
	}
	if cfg.Combiner == nil {
		cfg.Combiner = combiner.New("")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if id == "" {
		id = uuid.NewString()
	}
	return &Orchestrator{
		cfg:   cfg,
		id:    id,
		state: StatePreparing,
	}
}

// ID returns the export ID.
func (o *Orchestrator) ID() string { return o.id }

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Plan returns the plan once planning has finished.
func (o *Orchestrator) Plan() (Plan, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.plan == nil {
		return Plan{}, false
	}
	return *o.plan, true
}

// Progress returns the last progress update.
func (o *Orchestrator) Progress() progress.Update {
	o.mu.Lock()
	tracker := o.tracker
	state := o.state
	o.mu.Unlock()

	if tracker == nil {
		return progress.Update{Stage: string(state)}
	}
	u := tracker.Current()
	if state.Terminal() {
		u.Stage = string(state)
	}
	return u
}

// Result returns the result once the export has finished.
func (o *Orchestrator) Result() (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.result == nil {
		return Result{}, false
	}
	return *o.result, true
}

// Export runs the export to completion. onProgress may be nil; it
// receives monotonically non-decreasing percentages. Cancelling ctx has
// the same effect as Cancel.
func (o *Orchestrator) Export(ctx context.Context, req Request, onProgress func(progress.Update)) Result {
	o.mu.Lock()
	o.started = time.Now()
	o.tracker = progress.NewTracker(req.Composition.DurationInFrames, onProgress)
	tracker := o.tracker
	o.mu.Unlock()

	metrics.ExportStageTransitions.WithLabelValues(string(StatePreparing)).Inc()
	logging.Info("Export %s: starting %s (%dx%d, %d frames at %v fps)",
		o.id, req.Composition.ID, req.Composition.Width, req.Composition.Height,
		req.Composition.DurationInFrames, req.Composition.FPS)

	stopWatch := context.AfterFunc(ctx, o.Cancel)
	defer stopWatch()

	tracker.SetStage(ipc.StagePreparing, 1, "preparing")
	if err := req.Validate(); err != nil {
		return o.finish(req, StateFailed, err, Result{})
	}

	workDir, err := os.MkdirTemp(o.cfg.WorkDir, "export-"+o.id+"-")
	if err != nil {
		return o.finish(req, StateFailed, fmt.Errorf("failed to create work directory: %w", err), Result{})
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logging.Warn("Export %s: failed to remove work directory %s: %v", o.id, workDir, err)
		}
	}()

	// Planning
	o.transition(StatePlanning)
	plan, err := o.planExport(req)
	if err != nil {
		return o.finish(req, StateFailed, err, Result{})
	}
	tracker.SetStage(ipc.StagePreparing, 5, fmt.Sprintf("%d chunk(s) on %d worker(s)", len(plan.Chunks), plan.Allocation.WorkerCount))

	// Dispatching
	o.transition(StateDispatching)
	if o.cancelRequested.Load() {
		return o.finish(req, StateCancelled, ErrCancelled, Result{})
	}
	tracker.SetStage(ipc.StageRendering, progress.SetupEnd, "")
	results, err := o.dispatch(ctx, req, plan, workDir)
	if o.cancelRequested.Load() {
		return o.finish(req, StateCancelled, ErrCancelled, Result{})
	}
	if err != nil {
		return o.finish(req, StateFailed, err, Result{})
	}

	// Aggregating
	o.transition(StateAggregating)
	paths, err := orderedChunkPaths(plan.Chunks, results)
	if err != nil {
		return o.finish(req, StateFailed, err, Result{})
	}
	if o.cancelRequested.Load() {
		return o.finish(req, StateCancelled, ErrCancelled, Result{})
	}

	// Combining
	o.transition(StateCombining)
	tracker.SetStage(ipc.StageFinalizing, 92, "combining chunks")
	outputPath := req.OutputPath
	if outputPath == "" {
		outputPath = filepath.Join(workDir, o.id+".mp4")
	}
	if err := o.cfg.Combiner.Combine(context.WithoutCancel(ctx), paths, outputPath); err != nil {
		return o.finish(req, StateFailed, fmt.Errorf("failed to combine chunks: %w", err), Result{})
	}

	result, err := o.buildResult(req, outputPath)
	if err != nil {
		return o.finish(req, StateFailed, err, Result{})
	}
	return o.finish(req, StateDone, nil, result)
}

// planExport profiles the machine and computes quality, chunk plan and
// worker allocation.
func (o *Orchestrator) planExport(req Request) (Plan, error) {
	comp := req.Composition
	p := o.cfg.Policy

	profile := o.cfg.Profiler.Profile()
	effective := machine.EffectiveMemoryGB(profile)
	metrics.MachineMemoryGB.WithLabelValues("effective").Set(effective)

	tier := o.cfg.DefaultTier
	if req.Quality != "" {
		tier = machine.ParseTier(req.Quality)
	}
	settings := machine.SettingsFor(profile, comp.Width, comp.Height, tier, p.MemoryPerContextGB)

	totalFrames := comp.DurationInFrames
	chunkSize := p.ChunkSize(totalFrames, comp.DurationSeconds())
	chunks := planner.BuildPlan(totalFrames, chunkSize, comp.FPS)
	if len(chunks) == 0 {
		return Plan{}, fmt.Errorf("empty chunk plan for %d frames", totalFrames)
	}

	sizeEstimate := p.EstimateWorkerMemoryGB(comp.Width, comp.Height, settings.BaseConcurrency)
	recommended := p.RecommendedWorkerCount(profile, len(chunks), sizeEstimate)
	alloc := p.Allocate(profile, effective, len(chunks), recommended, totalFrames, comp.FPS)

	plan := Plan{
		Profile:           profile,
		EffectiveMemoryGB: effective,
		Tier:              tier,
		Settings:          settings,
		TotalFrames:       totalFrames,
		ChunkSize:         chunkSize,
		Chunks:            chunks,
		Allocation:        alloc,
	}

	o.mu.Lock()
	o.plan = &plan
	o.mu.Unlock()

	metrics.ExportChunkCount.Observe(float64(len(chunks)))
	metrics.ExportWorkerCount.Observe(float64(alloc.WorkerCount))

	logging.Info("Export %s: %d cores, %.1f GB effective memory, tier %s, %d kbps %s",
		o.id, profile.CPUCores, effective, tier, settings.BitrateKbps, settings.Preset)
	logging.Info("Export %s: %d chunk(s) of %d frames, %s with %d worker(s) x %d context(s), timeout %s",
		o.id, len(chunks), chunkSize, plan.Mode(), alloc.WorkerCount, alloc.Concurrency, alloc.Timeout)

	return plan, nil
}

// dispatch renders every chunk. In parallel mode the plan is split into
// contiguous groups, one per named worker, joined all-or-nothing.
func (o *Orchestrator) dispatch(ctx context.Context, req Request, plan Plan, workDir string) ([]ipc.ChunkResult, error) {
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()

	workerOpts := o.cfg.Workers
	workerOpts.Channel = o.id
	workerOpts.OnEvent = o.onWorkerEvent
	pool := supervisor.NewPool(workerOpts)

	o.mu.Lock()
	o.pool = pool
	o.stopRun = stop
	o.mu.Unlock()

	defer o.cancelSettled.Store(true)

	groups := [][]planner.ChunkPlanEntry{plan.Chunks}
	if plan.Allocation.UseParallel {
		groups = planner.Partition(plan.Chunks, plan.Allocation.WorkerCount)
	}

	quality := ipc.Quality{
		BitrateKbps:    plan.Settings.BitrateKbps,
		Preset:         plan.Settings.Preset,
		JPEGQuality:    plan.Settings.JPEGQuality,
		GPU:            plan.Profile.GPUAvailable,
		CacheSizeBytes: plan.Settings.CacheSizeBytes,
		Concurrency:    plan.Allocation.Concurrency,
	}

	var (
		mu      sync.Mutex
		results []ipc.ChunkResult
	)

	g, gctx := errgroup.WithContext(runCtx)
	for i, group := range groups {
		name := fmt.Sprintf("%s-w%d", shortID(o.id), i)
		job := ipc.ExportJobConfig{
			ExportID:         o.id,
			BundleLocation:   req.BundleLocation,
			Composition:      req.Composition,
			InputProps:       req.InputProps,
			OutputPath:       req.OutputPath,
			Quality:          quality,
			Chunks:           assignments(group, workDir),
			TotalChunks:      len(plan.Chunks),
			MuxToolPath:      o.cfg.Combiner.ToolPath(),
			PerChunkProgress: plan.Allocation.UseParallel,
		}

		g.Go(func() error {
			chunkResults, err := o.runGroup(gctx, pool, name, job, plan.Allocation.Timeout)
			if err != nil {
				if plan.Allocation.UseParallel && !o.cancelRequested.Load() {
					logging.Warn("Export %s: %s failed, cancelling sibling workers", o.id, name)
					pool.Notify(ipc.MethodCancel, nil)
				}
				return err
			}
			mu.Lock()
			results = append(results, chunkResults...)
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	o.stopTimer()

	if err != nil || o.cancelRequested.Load() {
		if fatal := pool.Fatal(); len(fatal) > 0 && err != nil {
			err = fmt.Errorf("%w (workers exceeded restart limit: %s)", err, strings.Join(fatal, ", "))
		}
		pool.DestroyAll()
		return nil, err
	}

	pool.ShutdownAll(context.Background())
	return results, nil
}

// runGroup renders one group on one worker. A request rejected because
// the worker crashed is re-issued once the supervisor has restarted it;
// renderer failures are not retried.
func (o *Orchestrator) runGroup(ctx context.Context, pool *supervisor.Pool, name string, job ipc.ExportJobConfig, timeout time.Duration) ([]ipc.ChunkResult, error) {
	w, err := pool.GetOrCreate(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", name, err)
	}

	o.mu.Lock()
	tracker := o.tracker
	o.mu.Unlock()
	detach := tracker.Attach(w)
	defer detach()

	for {
		if o.cancelRequested.Load() {
			return nil, ErrCancelled
		}

		var res ipc.ExportResult
		err := w.Request(ctx, ipc.MethodExport, job, timeout, &res)
		if errors.Is(err, supervisor.ErrWorkerCrashed) && !o.cancelRequested.Load() {
			logging.Warn("Export %s: worker %s crashed, waiting for restart to re-issue %d chunk(s)", o.id, name, len(job.Chunks))
			if werr := w.WaitReady(ctx); werr != nil {
				return nil, fmt.Errorf("worker %s: %w", name, err)
			}
			continue
		}
		if err != nil {
			if o.cancelRequested.Load() {
				return nil, ErrCancelled
			}
			return nil, fmt.Errorf("worker %s: %w", name, err)
		}

		for _, cr := range res.ChunkResults {
			status := "success"
			if !cr.Success {
				status = "failed"
			}
			metrics.ChunksRenderedTotal.WithLabelValues(status).Inc()
		}

		switch {
		case res.Cancelled:
			return nil, ErrCancelled
		case !res.Success:
			msg := res.Error
			if msg == "" {
				msg = "unknown worker error"
			}
			return nil, fmt.Errorf("worker %s: %s", name, msg)
		case len(res.ChunkResults) == 0:
			return nil, fmt.Errorf("worker %s: %w", name, ErrNoChunksRendered)
		}
		return res.ChunkResults, nil
	}
}

// Cancel requests cancellation. Workers are asked to stop cooperatively;
// any that have not finished when the grace period expires are killed.
// Calling Cancel more than once or after the export finished is a no-op.
func (o *Orchestrator) Cancel() {
	if o.State().Terminal() || !o.cancelRequested.CompareAndSwap(false, true) {
		return
	}

	logging.Info("Export %s: cancellation requested", o.id)

	// The timer is armed first so a worker that stopped reading its
	// input cannot hold up the kill.
	timer := time.AfterFunc(o.cfg.CancelGrace, o.forceCancel)
	o.mu.Lock()
	o.cancelTimer = timer
	pool := o.pool
	o.mu.Unlock()

	if pool != nil {
		pool.Notify(ipc.MethodCancel, nil)
	}
}

func (o *Orchestrator) forceCancel() {
	if o.cancelSettled.Load() {
		return
	}

	o.mu.Lock()
	pool := o.pool
	stop := o.stopRun
	o.mu.Unlock()

	logging.Warn("Export %s: workers did not acknowledge cancel within %s, killing", o.id, o.cfg.CancelGrace)
	if stop != nil {
		stop()
	}
	if pool != nil {
		pool.DestroyAll()
	}
}

func (o *Orchestrator) stopTimer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelTimer != nil {
		o.cancelTimer.Stop()
	}
}

func (o *Orchestrator) onWorkerEvent(e supervisor.Event) {
	switch e.Type {
	case supervisor.EventCrashed:
		logging.Warn("Export %s: worker %s crashed: %v", o.id, e.Worker, e.Err)
	case supervisor.EventRestarted:
		logging.Info("Export %s: worker %s restarted (%d)", o.id, e.Worker, e.RestartCount)
	case supervisor.EventFatal:
		logging.Error("Export %s: worker %s is permanently unavailable", o.id, e.Worker)
	default:
		logging.Debug("Export %s: worker %s %s", o.id, e.Worker, e.Type)
	}
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	if !CanTransition(from, to) {
		o.mu.Unlock()
		logging.Warn("Export %s: ignoring illegal transition %s -> %s", o.id, from, to)
		return
	}
	o.state = to
	o.mu.Unlock()

	logging.Debug("Export %s: %s -> %s", o.id, from, to)
	metrics.ExportStageTransitions.WithLabelValues(string(to)).Inc()
}

// finish moves to a terminal state, records the export and builds the
// caller-visible result.
func (o *Orchestrator) finish(req Request, state State, err error, result Result) Result {
	o.cancelSettled.Store(true)
	o.stopTimer()
	o.transition(state)

	switch state {
	case StateDone:
		result.Success = true
		o.mu.Lock()
		tracker := o.tracker
		o.mu.Unlock()
		tracker.SetStage(ipc.StageComplete, progress.Complete, "")
		logging.Info("Export %s: done, %d bytes in %s", o.id, result.FileSize, time.Since(o.started).Round(time.Millisecond))
	case StateCancelled:
		result = Result{Success: false, Cancelled: true, Error: ErrCancelled.Error()}
		logging.Info("Export %s: cancelled", o.id)
	default:
		result = Result{Success: false, Error: err.Error()}
		logging.Error("Export %s: failed: %v", o.id, err)
	}

	status := map[State]string{StateDone: "success", StateFailed: "failed", StateCancelled: "cancelled"}[state]
	metrics.ExportsTotal.WithLabelValues(status).Inc()

	o.mu.Lock()
	o.result = &result
	plan := o.plan
	started := o.started
	o.mu.Unlock()

	summary := Summary{
		ID:            o.id,
		CompositionID: req.Composition.ID,
		State:         state,
		OutputPath:    result.FilePath,
		FileSize:      result.FileSize,
		Error:         result.Error,
		StartedAt:     started,
		FinishedAt:    time.Now(),
	}
	if plan != nil {
		summary.Mode = plan.Mode()
		summary.TotalFrames = plan.TotalFrames
		summary.ChunkCount = len(plan.Chunks)
		summary.WorkerCount = plan.Allocation.WorkerCount
		summary.Concurrency = plan.Allocation.Concurrency
		metrics.ExportDuration.WithLabelValues(summary.Mode).Observe(summary.Duration().Seconds())
	}

	if o.cfg.Recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.cfg.Recorder.Record(ctx, summary); err != nil {
			logging.Warn("Export %s: failed to record history: %v", o.id, err)
		}
	}

	return result
}

func (o *Orchestrator) buildResult(req Request, outputPath string) (Result, error) {
	info, err := filesystem.StatWithRetry(outputPath, filesystem.DefaultRetryConfig())
	if err != nil {
		return Result{}, fmt.Errorf("combined output missing: %w", err)
	}

	result := Result{FileSize: info.Size()}
	if req.OutputPath != "" {
		result.FilePath = outputPath
	}
	if req.ReturnBase64 {
		data, err := filesystem.ReadFileWithRetry(outputPath, filesystem.DefaultRetryConfig())
		if err != nil {
			return Result{}, fmt.Errorf("failed to read output: %w", err)
		}
		result.Base64Data = base64.StdEncoding.EncodeToString(data)
	}
	return result, nil
}

// orderedChunkPaths sorts results by index and checks that every planned
// chunk was rendered successfully.
func orderedChunkPaths(plan []planner.ChunkPlanEntry, results []ipc.ChunkResult) ([]string, error) {
	if len(results) == 0 {
		return nil, ErrNoChunksRendered
	}

	sorted := make([]ipc.ChunkResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	byIndex := make(map[int]ipc.ChunkResult, len(sorted))
	for _, r := range sorted {
		if !r.Success {
			return nil, fmt.Errorf("chunk %d failed: %s", r.Index, r.Error)
		}
		if _, dup := byIndex[r.Index]; dup {
			return nil, fmt.Errorf("chunk %d reported twice", r.Index)
		}
		byIndex[r.Index] = r
	}

	paths := make([]string, 0, len(plan))
	for _, entry := range plan {
		r, ok := byIndex[entry.Index]
		if !ok {
			return nil, fmt.Errorf("chunk %d is missing from worker results", entry.Index)
		}
		paths = append(paths, r.Path)
	}
	return paths, nil
}

func assignments(group []planner.ChunkPlanEntry, workDir string) []ipc.ChunkAssignment {
	out := make([]ipc.ChunkAssignment, len(group))
	for i, e := range group {
		out[i] = ipc.ChunkAssignment{
			Index:      e.Index,
			StartFrame: e.StartFrame,
			EndFrame:   e.EndFrame,
			OutputPath: filepath.Join(workDir, fmt.Sprintf("chunk-%05d.mp4", e.Index)),
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
