// Package engine executes planned pipelines: it walks the job graph,
// dispatches eligible jobs to agents, retries failures, moves artifacts and
// caches between workspaces, and records every transition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/conduit/internal/artifact"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/metrics"
	"github.com/mattjoyce/conduit/internal/plan"
	"github.com/mattjoyce/conduit/internal/runner"
	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/workspace"
)

// DefaultJobTimeout applies when neither the job nor its agent sets one.
const DefaultJobTimeout = time.Hour

var (
	ErrJobNotPlayable = errors.New("job is not waiting to be played")
	ErrRunFinished    = errors.New("pipeline run already finished")
	ErrUnknownJob     = errors.New("job is not part of this pipeline run")
	ErrEngineClosed   = errors.New("engine is closed")
)

// Agent is a pool of execution slots with a tag set. A job runs on the
// first agent whose tags include all of the job's tags.
type Agent struct {
	Name        string
	Tags        []string
	Executor    runner.Executor
	Concurrency int
	// Timeout is the default job timeout on this agent.
	Timeout time.Duration

	slots chan struct{}
}

// Accepts reports whether the agent carries every tag in tags.
func (a *Agent) Accepts(tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(a.Tags, t) {
			return false
		}
	}
	return true
}

// Recorder persists state transitions. *runstore.Store implements it.
type Recorder interface {
	SetRunStatus(ctx context.Context, runID string, status runstore.PipelineStatus, errMsg string) error
	UpdateJob(ctx context.Context, runID, job string, u runstore.JobUpdate) error
	StartAttempt(ctx context.Context, a runstore.AttemptStart) (string, error)
	FinishAttempt(ctx context.Context, id string, r runstore.AttemptResult) error
	SaveReport(ctx context.Context, runID, job, kind string, data any, expireAt *time.Time) error
}

var _ Recorder = (*runstore.Store)(nil)

// NopRecorder records nothing.
type NopRecorder struct{}

func (NopRecorder) SetRunStatus(context.Context, string, runstore.PipelineStatus, string) error {
	return nil
}
func (NopRecorder) UpdateJob(context.Context, string, string, runstore.JobUpdate) error { return nil }
func (NopRecorder) StartAttempt(context.Context, runstore.AttemptStart) (string, error) {
	return "", nil
}
func (NopRecorder) FinishAttempt(context.Context, string, runstore.AttemptResult) error { return nil }
func (NopRecorder) SaveReport(context.Context, string, string, string, any, *time.Time) error {
	return nil
}

// Config wires an Engine.
type Config struct {
	Agents     []*Agent
	Workspaces workspace.Manager
	Artifacts  *artifact.Store
	// Caches is optional. Without it cache declarations are ignored.
	Caches   *artifact.CacheStore
	Recorder Recorder
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	// KeepWorkspaces leaves attempt workspaces on disk for debugging.
	KeepWorkspaces bool
	Logger         *slog.Logger
}

// Engine runs pipelines. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*Run
	closed bool
	wg     sync.WaitGroup
}

// New validates cfg and returns an engine.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("at least one agent is required")
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a == nil || a.Name == "" {
			return nil, fmt.Errorf("agent name is empty")
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate agent %q", a.Name)
		}
		seen[a.Name] = true
		if a.Executor == nil {
			return nil, fmt.Errorf("agent %q has no executor", a.Name)
		}
		if a.Concurrency <= 0 {
			a.Concurrency = 1
		}
		a.slots = make(chan struct{}, a.Concurrency)
	}
	if cfg.Workspaces == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NopRecorder{}
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/mattjoyce/conduit/internal/engine")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithComponent("engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*Run),
	}, nil
}

// StartOptions describe one run.
type StartOptions struct {
	// RunID is the stored run's ID. Required.
	RunID   string
	Project string
	// Output, when set, returns a writer receiving a job's live output.
	Output func(job string) io.Writer
}

// Start launches p in the background. The run lives until it finishes or
// the engine closes, independent of ctx.
func (e *Engine) Start(ctx context.Context, p *plan.Plan, opts StartOptions) (*Run, error) {
	if p == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	if opts.RunID == "" {
		return nil, fmt.Errorf("run id is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if _, dup := e.runs[opts.RunID]; dup {
		return nil, fmt.Errorf("run %q is already active", opts.RunID)
	}

	r := newRun(e, p, opts)
	e.runs[r.ID] = r
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.coordinate(e.ctx)
		e.mu.Lock()
		delete(e.runs, r.ID)
		e.mu.Unlock()
	}()
	return r, nil
}

// Run returns an active run.
func (e *Engine) Run(id string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

// Active returns the runs that have not finished yet.
func (e *Engine) Active() []*Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Run) int { return a.created.Compare(b.created) })
	return out
}

// Close aborts every active run and waits for them to wind down, or for
// ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// selectAgent returns the first agent able to run a job with tags.
func (e *Engine) selectAgent(tags []string) *Agent {
	for _, a := range e.cfg.Agents {
		if a.Accepts(tags) {
			return a
		}
	}
	return nil
}
