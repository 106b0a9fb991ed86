// Package control binds configured projects to their compiled definitions
// and to the engine. It is the one entry point the API, webhooks and CLI
// use to plan, start and steer pipeline runs.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/mattjoyce/conduit/internal/artifact"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/engine"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/pipeline"
	"github.com/mattjoyce/conduit/internal/plan"
	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/trigger"
)

var (
	ErrUnknownProject = errors.New("unknown project")
	// ErrRunNotActive is returned when steering a run that is stored but no
	// longer held by the engine.
	ErrRunNotActive = errors.New("pipeline run is not active")
)

// Store is the slice of the run database the control plane needs.
// *runstore.Store implements it.
type Store interface {
	CreateRun(ctx context.Context, req runstore.NewRun) (*runstore.Run, error)
	SetRunStatus(ctx context.Context, runID string, status runstore.PipelineStatus, errMsg string) error
	GetRun(ctx context.Context, id string) (*runstore.Run, error)
	ListRuns(ctx context.Context, f runstore.RunFilter) ([]runstore.Run, error)
	ListJobs(ctx context.Context, runID string) ([]runstore.JobRun, error)
	ListAttempts(ctx context.Context, runID, job string) ([]runstore.Attempt, error)
	ListReports(ctx context.Context, runID string) ([]runstore.StoredReport, error)
}

var _ Store = (*runstore.Store)(nil)

// ProjectInfo summarizes a project for listings.
type ProjectInfo struct {
	Name          string `json:"name"`
	Definition    string `json:"definition"`
	DefaultBranch string `json:"default_branch"`
	Pipeline      string `json:"pipeline,omitempty"`
	Fingerprint   string `json:"fingerprint,omitempty"`
	Jobs          int    `json:"jobs"`
	// LoadError is the last failed reload, if any. The previous definition
	// stays in use.
	LoadError string `json:"load_error,omitempty"`
}

type project struct {
	name     string
	cfg      config.ProjectConfig
	pipeline *pipeline.Pipeline
	digest   string
	loadErr  error
}

// Options wires a Controller.
type Options struct {
	Projects  map[string]config.ProjectConfig
	Engine    *engine.Engine
	Store     Store
	Artifacts *artifact.Store
	Events    events.Publisher
	// JobOutput, when set, receives the live output of every job attempt.
	JobOutput func(runID, job string) io.Writer
	Logger    *slog.Logger
}

// Controller is safe for concurrent use.
type Controller struct {
	engine    *engine.Engine
	store     Store
	artifacts *artifact.Store
	events    events.Publisher
	output    func(runID, job string) io.Writer
	logger    *slog.Logger

	// triggerMu serializes run creation so that supersession sees every
	// older run on the same ref.
	triggerMu sync.Mutex

	mu       sync.RWMutex
	projects map[string]*project
}

// New compiles every project definition. A definition that fails to load
// fails construction.
func New(opts Options) (*Controller, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Controller{
		engine:    opts.Engine,
		store:     opts.Store,
		artifacts: opts.Artifacts,
		events:    opts.Events,
		output:    opts.JobOutput,
		logger:    opts.Logger.With("component", "control"),
		projects:  make(map[string]*project, len(opts.Projects)),
	}
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(opts.Projects)) {
		pc := opts.Projects[name]
		p, err := pipeline.LoadFile(pc.Definition)
		if err != nil {
			errs = append(errs, fmt.Errorf("project %q: %w", name, err))
			continue
		}
		digest, err := config.FileDigest(pc.Definition)
		if err != nil {
			errs = append(errs, fmt.Errorf("project %q: %w", name, err))
			continue
		}
		c.projects[name] = &project{name: name, cfg: pc, pipeline: p, digest: digest}
		c.logger.Info("definition loaded", "project", name, "pipeline", p.Name, "jobs", len(p.Jobs), "fingerprint", p.Fingerprint)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Projects lists the configured projects sorted by name.
func (c *Controller) Projects() []ProjectInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ProjectInfo, 0, len(c.projects))
	for _, name := range slices.Sorted(maps.Keys(c.projects)) {
		p := c.projects[name]
		info := ProjectInfo{
			Name:          name,
			Definition:    p.cfg.Definition,
			DefaultBranch: p.cfg.DefaultBranch,
			Pipeline:      p.pipeline.Name,
			Fingerprint:   p.pipeline.Fingerprint,
			Jobs:          len(p.pipeline.Jobs),
		}
		if p.loadErr != nil {
			info.LoadError = p.loadErr.Error()
		}
		out = append(out, info)
	}
	return out
}

// Pipeline returns the compiled definition currently in use for project.
func (c *Controller) Pipeline(name string) (*pipeline.Pipeline, error) {
	p, err := c.project(name)
	if err != nil {
		return nil, err
	}
	return p.pipeline, nil
}

func (c *Controller) project(name string) (project, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.projects[name]
	if !ok {
		return project{}, fmt.Errorf("%w: %q", ErrUnknownProject, name)
	}
	return *p, nil
}

// Plan evaluates the project's definition against tc without running it.
func (c *Controller) Plan(ctx context.Context, name string, tc trigger.Context, opts plan.Options) (*plan.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := c.project(name)
	if err != nil {
		return nil, err
	}
	return plan.Build(p.pipeline, completeContext(p, tc), opts)
}

// completeContext fills the project-level parts of a trigger context.
// Trigger variables override project variables.
func completeContext(p project, tc trigger.Context) trigger.Context {
	tc.ProjectName = p.name
	if tc.ProjectDir == "" {
		tc.ProjectDir = p.cfg.Dir
	}
	if tc.DefaultBranch == "" {
		tc.DefaultBranch = p.cfg.DefaultBranch
	}
	if tc.Source == "" {
		tc.Source = trigger.SourceAPI
	}
	if tc.Branch == "" && tc.Tag == "" && tc.MergeRequest == nil {
		tc.Branch = tc.DefaultBranch
	}
	if len(p.cfg.Variables) > 0 {
		vars := maps.Clone(p.cfg.Variables)
		maps.Copy(vars, tc.Variables)
		tc.Variables = vars
	}
	return tc
}

// Trigger plans and starts a run. Older active runs of the project on the
// same ref are superseded when the project allows it. A trigger filtered
// by workflow rules returns an error wrapping plan.ErrPipelineFiltered and
// stores nothing.
func (c *Controller) Trigger(ctx context.Context, name string, tc trigger.Context) (*runstore.Run, error) {
	p, err := c.project(name)
	if err != nil {
		return nil, err
	}
	tc = completeContext(p, tc)
	pl, err := plan.Build(p.pipeline, tc, plan.Options{})
	if err != nil {
		return nil, err
	}

	c.triggerMu.Lock()
	defer c.triggerMu.Unlock()

	rec, err := c.store.CreateRun(ctx, newRunRecord(name, pl))
	if err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	logger := c.logger.With("pipeline_id", rec.ID, "project", name, "ref", rec.Ref)

	if p.cfg.Supersedes() {
		c.supersedeOlder(ctx, name, rec.Ref, rec.ID, logger)
	}

	start := engine.StartOptions{RunID: rec.ID, Project: name}
	if c.output != nil {
		start.Output = func(job string) io.Writer { return c.output(rec.ID, job) }
	}
	if _, err := c.engine.Start(ctx, pl, start); err != nil {
		if serr := c.store.SetRunStatus(context.WithoutCancel(ctx), rec.ID, runstore.PipelineFailed, err.Error()); serr != nil {
			logger.Error("failed to record start failure", "error", serr)
		}
		return nil, fmt.Errorf("start run: %w", err)
	}
	logger.Info("pipeline triggered", "source", tc.Source, "jobs", len(pl.Jobs), "skipped", len(pl.Skipped))
	return rec, nil
}

func (c *Controller) supersedeOlder(ctx context.Context, name, ref, newer string, logger *slog.Logger) {
	for _, r := range c.engine.Active() {
		if r.Project != name || r.Ref != ref || r.ID == newer {
			continue
		}
		switch err := r.Supersede(ctx, newer); {
		case err == nil:
			logger.Info("superseded older pipeline", "older", r.ID)
		case errors.Is(err, engine.ErrNotInterruptible):
			logger.Info("older pipeline is past an uninterruptible job, keeping it", "older", r.ID)
		case errors.Is(err, engine.ErrRunFinished):
		default:
			logger.Warn("failed to supersede older pipeline", "older", r.ID, "error", err)
		}
	}
}

// newRunRecord maps a plan onto the rows created for a new run. Jobs
// excluded at plan time are stored as skipped with their reason.
func newRunRecord(name string, pl *plan.Plan) runstore.NewRun {
	jobs := make([]runstore.NewJob, 0, len(pl.Jobs)+len(pl.Skipped))
	for _, j := range pl.Jobs {
		jobs = append(jobs, runstore.NewJob{
			Name:         j.Name,
			Stage:        j.Stage,
			StageIndex:   pl.Pipeline.StageIndex(j.Stage),
			Status:       runstore.JobCreated,
			When:         string(j.When),
			AllowFailure: j.AllowFailure.Enabled,
		})
	}
	for _, s := range pl.Skipped {
		jobs = append(jobs, runstore.NewJob{
			Name:       s.Name,
			Stage:      s.Stage,
			StageIndex: pl.Pipeline.StageIndex(s.Stage),
			Status:     runstore.JobSkipped,
			SkipReason: s.Reason,
		})
	}
	return runstore.NewRun{
		Project:      name,
		PipelineName: pl.Pipeline.Name,
		Fingerprint:  pl.Pipeline.Fingerprint,
		Ref:          pl.Trigger.Ref(),
		Source:       string(pl.Trigger.Source),
		CommitSHA:    pl.Trigger.CommitSHA,
		Trigger:      pl.Trigger,
		Plan:         pl,
		Jobs:         jobs,
	}
}

// Play starts a manual job of an active run.
func (c *Controller) Play(ctx context.Context, runID, job string) error {
	r, err := c.activeRun(ctx, runID)
	if err != nil {
		return err
	}
	return r.Play(ctx, job)
}

// Cancel cancels an active run.
func (c *Controller) Cancel(ctx context.Context, runID string) error {
	r, err := c.activeRun(ctx, runID)
	if err != nil {
		return err
	}
	return r.Cancel(ctx)
}

func (c *Controller) activeRun(ctx context.Context, runID string) (*engine.Run, error) {
	if r, ok := c.engine.Run(runID); ok {
		return r, nil
	}
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return nil, ErrRunNotActive
}

// ActiveRun returns the live run with id, if the engine still holds it.
func (c *Controller) ActiveRun(id string) (*engine.Run, bool) {
	return c.engine.Run(id)
}

// Run returns a stored run.
func (c *Controller) Run(ctx context.Context, id string) (*runstore.Run, error) {
	return c.store.GetRun(ctx, id)
}

// Runs lists stored runs.
func (c *Controller) Runs(ctx context.Context, f runstore.RunFilter) ([]runstore.Run, error) {
	return c.store.ListRuns(ctx, f)
}

// Jobs returns the jobs of a stored run.
func (c *Controller) Jobs(ctx context.Context, runID string) ([]runstore.JobRun, error) {
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return c.store.ListJobs(ctx, runID)
}

// Attempts returns every attempt of job in a stored run.
func (c *Controller) Attempts(ctx context.Context, runID, job string) ([]runstore.Attempt, error) {
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return c.store.ListAttempts(ctx, runID, job)
}

// Reports returns the parsed test and coverage reports of a run.
func (c *Controller) Reports(ctx context.Context, runID string) ([]runstore.StoredReport, error) {
	return c.store.ListReports(ctx, runID)
}

// Artifacts lists the artifact archives a run published.
func (c *Controller) Artifacts(ctx context.Context, runID string) ([]artifact.Manifest, error) {
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if c.artifacts == nil {
		return nil, nil
	}
	return c.artifacts.List(runID)
}
