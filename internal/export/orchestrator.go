package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/qcut/export-agent/internal/handles"
	"github.com/qcut/export-agent/internal/logging"
	"github.com/qcut/export-agent/internal/metrics"
	"github.com/qcut/export-agent/internal/proc"
)

const (
	// handleTag is the tag the orchestrator acquires handles with.
	handleTag = "export"

	defaultStallTimeout     = 60 * time.Second
	defaultNormalizeWorkers = 2
	progressBuffer          = 16

	// concatWeight is the share of a Normalize export's progress given to
	// the final concatenation.
	concatWeight = 0.05

	// waitDelay bounds how long Wait waits for output pipes after a kill.
	waitDelay = 5 * time.Second
)

// Options configures an Orchestrator.
type Options struct {
	Handles      *handles.Manager
	Capabilities Capabilities
	// TempDir is where per-export work dirs are created. Empty uses the OS
	// temp dir.
	TempDir string
	// StallTimeout cancels a transcoder that reports no progress for this
	// long.
	StallTimeout time.Duration
	// NormalizeWorkers bounds concurrent conform passes.
	NormalizeWorkers int
	Logger           *slog.Logger
}

// Orchestrator runs plans through the external transcoder.
type Orchestrator struct {
	handles *handles.Manager
	caps    Capabilities
	tempDir string
	stall   time.Duration
	workers int
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator bound to one handle manager and
// one transcoder.
func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		handles: opts.Handles,
		caps:    opts.Capabilities,
		tempDir: opts.TempDir,
		stall:   opts.StallTimeout,
		workers: opts.NormalizeWorkers,
		logger:  logging.WithComponent(logging.OrDiscard(opts.Logger), "orchestrator"),
	}
	if o.stall <= 0 {
		o.stall = defaultStallTimeout
	}
	if o.workers <= 0 {
		o.workers = defaultNormalizeWorkers
	}
	return o
}

// Capabilities returns the transcoder capabilities the orchestrator was
// built with.
func (o *Orchestrator) Capabilities() Capabilities {
	return o.caps
}

// Result describes a finished export.
type Result struct {
	ID         string        `json:"id"`
	Mode       Mode          `json:"mode"`
	OutputPath string        `json:"output_path"`
	Size       int64         `json:"size"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Run is one export in progress. Progress updates arrive on Progress until
// the run finishes, when the channel is closed.
type Run struct {
	id       string
	mode     Mode
	output   string
	progress chan Progress
	done     chan struct{}
	cancel   context.CancelFunc

	cancelled atomic.Bool

	mu     sync.Mutex
	result Result
	err    error
}

// ID identifies the run in logs and the job table.
func (r *Run) ID() string { return r.id }

// Mode returns the plan's mode.
func (r *Run) Mode() Mode { return r.mode }

// Output returns the requested output path.
func (r *Run) Output() string { return r.output }

// Progress returns the update stream. Slow readers miss intermediate
// updates but always see the latest one.
func (r *Run) Progress() <-chan Progress { return r.progress }

// Done is closed when the run has finished and cleaned up.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes. Cancelled runs return ErrCancelled.
func (r *Run) Wait() (Result, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Cancel stops the run and returns once the transcoder has exited, the
// export lock is released and partial files are removed. Cancelling a
// finished run does nothing.
func (r *Run) Cancel() {
	select {
	case <-r.done:
		return
	default:
	}
	r.cancelled.Store(true)
	r.cancel()
	<-r.done
}

// emit publishes p, replacing an unread update when the buffer is full.
func (r *Run) emit(p Progress) {
	if r.cancelled.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case r.progress <- p:
		return
	default:
	}
	select {
	case <-r.progress:
	default:
	}
	select {
	case r.progress <- p:
	default:
	}
}

// Start begins exporting plan to output and returns immediately. All
// failures, including ones detected before the transcoder is spawned, are
// reported through Wait.
func (o *Orchestrator) Start(ctx context.Context, plan *Plan, output string) *Run {
	ctx, cancel := context.WithCancel(ctx)
	run := &Run{
		id:       uuid.NewString(),
		mode:     plan.Mode(),
		output:   output,
		progress: make(chan Progress, progressBuffer),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go o.execute(ctx, run, plan, output)
	return run
}

// Export runs plan to completion, forwarding progress to onProgress. It is
// the blocking form of Start.
func (o *Orchestrator) Export(ctx context.Context, plan *Plan, output string, onProgress func(Progress)) (Result, error) {
	run := o.Start(ctx, plan, output)
	for p := range run.Progress() {
		if onProgress != nil {
			onProgress(p)
		}
	}
	return run.Wait()
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, plan *Plan, output string) {
	logger := logging.WithJobID(o.logger, run.id)
	start := time.Now()
	mode := plan.Mode().String()

	metrics.ExportsInFlight.Inc()
	result, err := o.export(ctx, run, plan, output, logger)
	metrics.ExportsInFlight.Dec()

	if err != nil && run.cancelled.Load() {
		err = ErrCancelled
	}
	elapsed := time.Since(start)
	result.ID = run.id
	result.Mode = plan.Mode()
	result.Elapsed = elapsed

	metrics.ExportsTotal.WithLabelValues(mode, outcome(err)).Inc()
	metrics.ExportDuration.WithLabelValues(mode).Observe(elapsed.Seconds())

	switch {
	case err == nil:
		logger.Info("export complete", "mode", mode, "output", logging.SanitizePath(output), "elapsed_ms", elapsed.Milliseconds())
	case errors.Is(err, ErrCancelled):
		logger.Info("export cancelled", "mode", mode, "elapsed_ms", elapsed.Milliseconds())
	default:
		logger.Warn("export failed", "mode", mode, "error", err, "elapsed_ms", elapsed.Milliseconds())
	}

	run.mu.Lock()
	run.result = result
	run.err = err
	run.mu.Unlock()

	run.cancel()
	close(run.progress)
	close(run.done)
}

// export does the work of one run. Every resource it takes is released by a
// defer, so all exit paths leave the lock count and the disk as they were.
func (o *Orchestrator) export(ctx context.Context, run *Run, plan *Plan, output string, logger *slog.Logger) (Result, error) {
	if !o.caps.NativeTranscoder || o.caps.FFmpegPath == "" {
		if o.caps.NotExecutable {
			return Result{}, &BinaryNotExecutableError{Binary: o.caps.FFmpegPath, Err: errors.New(o.caps.Error)}
		}
		return Result{}, &BinaryMissingError{Binary: o.caps.FFmpegPath, Err: errors.New(o.caps.Error)}
	}
	if err := ValidateOutputPath(output); err != nil {
		return Result{}, fmt.Errorf("invalid output: %w", err)
	}
	if id, ok := plan.unresolved(); ok {
		return Result{}, fmt.Errorf("media %s has no source", id)
	}

	sources := plan.mediaSources()
	tokens := make([]handles.Token, 0, len(sources))
	defer func() {
		for _, tok := range tokens {
			o.handles.Release(tok, handleTag)
		}
	}()
	for _, src := range sources {
		tokens = append(tokens, o.handles.Acquire(src, handleTag))
	}

	unlock := o.handles.ExportLock()
	defer unlock()

	paths := make(map[handles.Source]string, len(sources))
	for i, src := range sources {
		p, err := o.handles.Path(tokens[i])
		if err != nil {
			return Result{}, fmt.Errorf("media unavailable: %w", err)
		}
		paths[src] = p
	}

	if o.tempDir != "" {
		if err := os.MkdirAll(o.tempDir, 0o755); err != nil {
			return Result{}, fmt.Errorf("create temp dir: %w", err)
		}
	}
	workDir, err := os.MkdirTemp(o.tempDir, "export-")
	if err != nil {
		return Result{}, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("failed to remove work dir", "error", err)
		}
	}()

	partial := partialPath(output, run.id)
	defer func() {
		if err := os.Remove(partial); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to remove partial output", "error", err)
		}
	}()

	logger.Info("export starting",
		"mode", plan.Mode().String(),
		"clips", len(plan.sources),
		"duration_s", plan.duration,
		"lock_count", o.handles.LockCount(),
	)

	switch plan.Mode() {
	case DirectCopy:
		err = o.runDirectCopy(ctx, run, plan, paths, workDir, partial, logger)
	case Normalize:
		err = o.runNormalize(ctx, run, plan, paths, workDir, partial, logger)
	case FilteredRender:
		err = o.runFilteredRender(ctx, run, plan, paths, partial, logger)
	default:
		err = fmt.Errorf("unsupported export mode %s", plan.Mode())
	}
	if err != nil {
		return Result{}, err
	}

	if err := os.Rename(partial, output); err != nil {
		return Result{}, fmt.Errorf("finalize output: %w", err)
	}
	run.emit(Progress{Percent: 100, Stage: "done"})

	res := Result{OutputPath: output}
	if info, err := os.Stat(output); err == nil {
		res.Size = info.Size()
	}
	return res, nil
}

func (o *Orchestrator) runDirectCopy(ctx context.Context, run *Run, plan *Plan, paths map[handles.Source]string, workDir, partial string, logger *slog.Logger) error {
	inputs := make([]string, len(plan.sources))
	for i, s := range plan.sources {
		inputs[i] = paths[s.Source]
	}
	list, err := writeConcatList(workDir, "copy.txt", directCopyEntries(plan.sources, inputs))
	if err != nil {
		return err
	}

	tracker := newStageTracker([]float64{1}, []float64{plan.duration})
	var mu sync.Mutex
	return o.runProcess(ctx, ConcatCopyArgs(list, partial), logger, func(u progressUpdate) {
		mu.Lock()
		pct := tracker.update(0, time.Duration(u.outTimeUs)*time.Microsecond)
		mu.Unlock()
		run.emit(Progress{Percent: pct, Stage: "copy", OutTime: time.Duration(u.outTimeUs) * time.Microsecond, Speed: u.speed})
	})
}

func (o *Orchestrator) runNormalize(ctx context.Context, run *Run, plan *Plan, paths map[handles.Source]string, workDir, partial string, logger *slog.Logger) error {
	n := len(plan.sources)
	weights := make([]float64, n+1)
	durations := make([]float64, n+1)
	for i, s := range plan.sources {
		weights[i] = (1 - concatWeight) * s.Duration / plan.duration
		durations[i] = s.Duration
	}
	weights[n] = concatWeight
	durations[n] = plan.duration

	var mu sync.Mutex
	tracker := newStageTracker(weights, durations)
	report := func(stage string, i int, u progressUpdate) {
		out := time.Duration(u.outTimeUs) * time.Microsecond
		mu.Lock()
		pct := tracker.update(i, out)
		mu.Unlock()
		run.emit(Progress{Percent: pct, Stage: stage, OutTime: out, Speed: u.speed})
	}

	pieces := make([]ConcatEntry, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, s := range plan.sources {
		piece := filepath.Join(workDir, fmt.Sprintf("part-%03d.mp4", i))
		pieces[i] = ConcatEntry{Path: piece}
		g.Go(func() error {
			args := NormalizeArgs(s, paths[s.Source], plan.output, piece)
			if err := o.runProcess(gctx, args, logger, func(u progressUpdate) { report("normalize", i, u) }); err != nil {
				return fmt.Errorf("normalize clip %s: %w", s.ElementID, err)
			}
			mu.Lock()
			tracker.complete(i)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	list, err := writeConcatList(workDir, "normalized.txt", pieces)
	if err != nil {
		return err
	}
	return o.runProcess(ctx, ConcatCopyArgs(list, partial), logger, func(u progressUpdate) { report("concat", n, u) })
}

func (o *Orchestrator) runFilteredRender(ctx context.Context, run *Run, plan *Plan, paths map[handles.Source]string, partial string, logger *slog.Logger) error {
	inputs := make([]string, 0, len(plan.sources)+len(plan.audio)+len(plan.stickers))
	for _, s := range plan.sources {
		inputs = append(inputs, paths[s.Source])
	}
	for _, a := range plan.audio {
		inputs = append(inputs, paths[a.Source])
	}
	for _, s := range plan.stickers {
		inputs = append(inputs, paths[s.Source])
	}
	args, err := FilteredRenderArgs(plan, inputs, partial)
	if err != nil {
		return err
	}

	tracker := newStageTracker([]float64{1}, []float64{plan.duration})
	var mu sync.Mutex
	return o.runProcess(ctx, args, logger, func(u progressUpdate) {
		out := time.Duration(u.outTimeUs) * time.Microsecond
		mu.Lock()
		pct := tracker.update(0, out)
		mu.Unlock()
		run.emit(Progress{Percent: pct, Stage: "render", OutTime: out, Speed: u.speed})
	})
}

func writeConcatList(dir, name string, entries []ConcatEntry) (string, error) {
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(ConcatList(entries)), 0o600); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}
	return p, nil
}

// runProcess runs one transcoder invocation. It returns ErrCancelled when
// ctx is cancelled, *TimeoutError when the stall watchdog fires, and
// *ProcessCrashError on a non-zero exit.
func (o *Orchestrator) runProcess(ctx context.Context, args []string, logger *slog.Logger, onProgress func(progressUpdate)) error {
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}

	pctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	cmd := exec.CommandContext(pctx, o.caps.FFmpegPath, args...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	pr, pw := io.Pipe()
	stderr := proc.NewTailWriter(proc.MaxStderrBytes)
	cmd.Stdout = pw
	cmd.Stderr = stderr

	logger.Debug("executing transcoder", "args", args)
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return startError(o.caps.FFmpegPath, err)
	}

	watchdog := time.AfterFunc(o.stall, func() {
		cancel(&TimeoutError{Window: o.stall})
	})
	defer watchdog.Stop()

	parsed := make(chan struct{})
	go func() {
		defer close(parsed)
		err := parseProgress(pr, func(u progressUpdate) {
			watchdog.Reset(o.stall)
			if pctx.Err() == nil {
				onProgress(u)
			}
		})
		if err != nil {
			logger.Debug("progress reader stopped", "error", err)
		}
		// Keep draining so the copy goroutine in exec never blocks.
		io.Copy(io.Discard, pr)
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-parsed
	pr.Close()

	if waitErr == nil {
		return nil
	}
	if pctx.Err() != nil {
		var timeout *TimeoutError
		if errors.As(context.Cause(pctx), &timeout) {
			logger.Warn("transcoder stalled", "window", o.stall.String())
			return timeout
		}
		return ErrCancelled
	}

	tail := stderr.String()
	crash := &ProcessCrashError{
		ExitCode:   proc.ExitCode(waitErr),
		Message:    classifyStderr(tail),
		StderrTail: tail,
	}
	logger.Warn("transcoder failed",
		"exit_code", crash.ExitCode,
		"message", crash.Message,
		"stderr_tail", proc.Truncate(tail, 512),
	)
	return crash
}

func startError(binary string, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return &BinaryMissingError{Binary: binary, Err: err}
	}
	return &BinaryNotExecutableError{Binary: binary, Err: err}
}
