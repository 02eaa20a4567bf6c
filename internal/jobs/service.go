package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/qcut/export-agent/internal/export"
	"github.com/qcut/export-agent/internal/logging"
	"github.com/qcut/export-agent/internal/timeline"
)

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("job not found")

// ErrNotActive is returned when cancelling a job that already finished.
var ErrNotActive = errors.New("job is not running")

// Request is one export request.
type Request struct {
	Timeline *timeline.Timeline
	// Output is the requested target; nil derives it from the timeline.
	Output     *timeline.OutputSpec
	OutputPath string
}

// Planner selects the export mode. *export.Analyzer satisfies it.
type Planner interface {
	PlanExport(tl *timeline.Timeline, spec *timeline.OutputSpec) (*export.Plan, error)
}

// Execution is one running export. *export.Run satisfies it.
type Execution interface {
	ID() string
	Progress() <-chan export.Progress
	Done() <-chan struct{}
	Wait() (export.Result, error)
	Cancel()
}

// Runner starts executions.
type Runner interface {
	Start(ctx context.Context, plan *export.Plan, output string) Execution
}

type orchestratorRunner struct {
	orch *export.Orchestrator
}

func (r orchestratorRunner) Start(ctx context.Context, plan *export.Plan, output string) Execution {
	return r.orch.Start(ctx, plan, output)
}

// Orchestrated adapts an orchestrator to Runner.
func Orchestrated(o *export.Orchestrator) Runner {
	return orchestratorRunner{orch: o}
}

// Active is a snapshot of a running export.
type Active struct {
	ID      string    `json:"id"`
	Mode    string    `json:"mode"`
	Output  string    `json:"output_path"`
	Percent float64   `json:"percent"`
	Stage   string    `json:"stage"`
	Started time.Time `json:"started_at"`
}

// ExportService is the job surface used by the API and the tray.
type ExportService interface {
	Plan(req Request) (*export.Plan, error)
	Start(ctx context.Context, req Request) (*Job, error)
	Cancel(ctx context.Context, id string) (*Job, error)
	CancelAll()
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, limit int) ([]*Job, error)
	Active() []Active
}

type tracked struct {
	exec     Execution
	job      Job
	started  time.Time
	mu       sync.Mutex
	last     export.Progress
	finished chan struct{}
}

// Service runs exports and records them.
type Service struct {
	repo    Repository
	planner Planner
	runner  Runner
	logger  *slog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*tracked
	wg     sync.WaitGroup
}

func NewService(repo Repository, planner Planner, runner Runner, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:    repo,
		planner: planner,
		runner:  runner,
		logger:  logging.WithComponent(logging.OrDiscard(logger), "jobs"),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]*tracked),
	}
}

// Plan analyzes req without running it.
func (s *Service) Plan(req Request) (*export.Plan, error) {
	if req.Timeline == nil {
		return nil, &export.ConfigurationError{Reason: "timeline is required"}
	}
	tl := timeline.Timeline{
		Video:    append([]timeline.VideoElement(nil), req.Timeline.Video...),
		Audio:    append([]timeline.AudioElement(nil), req.Timeline.Audio...),
		Text:     append([]timeline.TextElement(nil), req.Timeline.Text...),
		Stickers: append([]timeline.StickerElement(nil), req.Timeline.Stickers...),
	}
	tl.Sort()
	return s.planner.PlanExport(&tl, req.Output)
}

// Start plans req, records a running job and starts the export in the
// background. The export outlives ctx; use Cancel to stop it.
func (s *Service) Start(ctx context.Context, req Request) (*Job, error) {
	if err := export.ValidateOutputPath(req.OutputPath); err != nil {
		return nil, &export.ConfigurationError{Reason: err.Error()}
	}
	plan, err := s.Plan(req)
	if err != nil {
		return nil, err
	}

	exec := s.runner.Start(s.ctx, plan, req.OutputPath)
	now := s.now()
	job := Job{
		ID:         exec.ID(),
		Mode:       plan.Mode().String(),
		Status:     StatusRunning,
		OutputPath: req.OutputPath,
		Reason:     plan.Reason(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.CreateJob(ctx, &job); err != nil {
		exec.Cancel()
		return nil, fmt.Errorf("record job: %w", err)
	}

	t := &tracked{exec: exec, job: job, started: now, finished: make(chan struct{})}
	s.mu.Lock()
	s.active[job.ID] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watch(t)

	logging.WithJobID(s.logger, job.ID).Info("export job started", "mode", job.Mode, "output", logging.SanitizePath(job.OutputPath))
	out := job
	return &out, nil
}

// watch persists progress once per whole percent and records the outcome.
func (s *Service) watch(t *tracked) {
	defer s.wg.Done()
	defer close(t.finished)
	logger := logging.WithJobID(s.logger, t.job.ID)
	ctx := context.Background()

	persisted := 0
	for p := range t.exec.Progress() {
		t.mu.Lock()
		t.last = p
		t.mu.Unlock()

		pct := int(p.Percent)
		if pct <= persisted {
			continue
		}
		persisted = pct
		if err := s.repo.UpdateJobProgress(ctx, t.job.ID, pct); err != nil {
			logger.Warn("failed to persist progress", "error", err)
		}
	}

	res, err := t.exec.Wait()
	job := t.job
	job.UpdatedAt = s.now()
	job.Progress = persisted
	switch {
	case err == nil:
		job.Status = StatusCompleted
		job.Progress = 100
		job.SizeBytes = res.Size
	case errors.Is(err, export.ErrCancelled):
		job.Status = StatusCancelled
		job.ErrorCode = export.Code(err)
		job.Error = export.UserMessage(err)
	default:
		job.Status = StatusFailed
		job.ErrorCode = export.Code(err)
		job.Error = export.UserMessage(err)
	}
	if err := s.repo.FinishJob(ctx, &job); err != nil {
		logger.Error("failed to record job outcome", "error", err)
	}

	s.mu.Lock()
	delete(s.active, t.job.ID)
	s.mu.Unlock()
	logger.Info("export job finished", "status", job.Status, "code", job.ErrorCode)
}

// Cancel stops a running job and returns its final record.
func (s *Service) Cancel(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	t, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return job, ErrNotActive
	}

	t.exec.Cancel()
	<-t.finished
	return s.Get(ctx, id)
}

// CancelAll stops every running job and waits for each to be recorded.
func (s *Service) CancelAll() {
	s.mu.Lock()
	running := make([]*tracked, 0, len(s.active))
	for _, t := range s.active {
		running = append(running, t)
	}
	s.mu.Unlock()

	for _, t := range running {
		t.exec.Cancel()
		<-t.finished
	}
}

// Get returns the job with id, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	if t := s.lookup(id); t != nil {
		t.mu.Lock()
		if pct := int(t.last.Percent); pct > job.Progress {
			job.Progress = pct
		}
		t.mu.Unlock()
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, limit int) ([]*Job, error) {
	return s.repo.ListJobs(ctx, limit)
}

// Active returns the running exports, oldest first.
func (s *Service) Active() []Active {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Active, 0, len(s.active))
	for _, t := range s.active {
		t.mu.Lock()
		out = append(out, Active{
			ID:      t.job.ID,
			Mode:    t.job.Mode,
			Output:  t.job.OutputPath,
			Percent: t.last.Percent,
			Stage:   t.last.Stage,
			Started: t.started,
		})
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (s *Service) lookup(id string) *tracked {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

// Shutdown cancels running exports and waits for their records.
func (s *Service) Shutdown() {
	s.CancelAll()
	s.cancel()
	s.wg.Wait()
}
