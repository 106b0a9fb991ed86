package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mattjoyce/conduit/internal/artifact"
	"github.com/mattjoyce/conduit/internal/pipeline"
	"github.com/mattjoyce/conduit/internal/plan"
	"github.com/mattjoyce/conduit/internal/report"
	"github.com/mattjoyce/conduit/internal/runner"
	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/trigger"
)

// upstream is a dependency whose artifacts an attempt downloads.
type upstream struct {
	name string
	// expected is true when the dependency should have uploaded an
	// archive, so a missing one is an integrity failure.
	expected bool
}

type attemptSpec struct {
	job     *plan.PlannedJob
	index   int
	attempt int
	deps    []upstream
}

type attemptOutcome struct {
	exitCode int
	reason   pipeline.FailureReason
	coverage *float64
}

// attemptControl lets the coordinator cancel an attempt that may still be
// queued for a slot or already running.
type attemptControl struct {
	queue context.Context
	stop  context.CancelFunc

	logger *slog.Logger

	mu       sync.Mutex
	canceled bool
	metaDir  string
}

func newAttemptControl(parent context.Context, logger *slog.Logger) *attemptControl {
	ctx, cancel := context.WithCancel(parent)
	return &attemptControl{queue: ctx, stop: cancel, logger: logger}
}

func (c *attemptControl) cancel() {
	c.mu.Lock()
	c.canceled = true
	dir := c.metaDir
	c.mu.Unlock()

	c.stop()
	if dir != "" {
		if err := runner.RequestCancel(dir); err != nil {
			c.logger.Warn("failed to write cancel marker", "dir", dir, "error", err)
		}
	}
}

// attach records the workspace of the running attempt and reports whether
// cancellation was already requested.
func (c *attemptControl) attach(metaDir string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metaDir = metaDir
	return c.canceled
}

func (c *attemptControl) isCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

func (c *attemptControl) release() { c.stop() }

func canceledOutcome() attemptOutcome {
	return attemptOutcome{exitCode: -1, reason: pipeline.FailureCanceled}
}

// runAttempt waits for a slot on agent and executes one attempt.
func (r *Run) runAttempt(ctx context.Context, spec attemptSpec, agent *Agent, ctl *attemptControl) attemptOutcome {
	select {
	case agent.slots <- struct{}{}:
	case <-ctl.queue.Done():
		return canceledOutcome()
	}
	defer func() { <-agent.slots }()
	if ctl.isCanceled() {
		return canceledOutcome()
	}

	r.msgs <- workerMsg{job: spec.job.Name, attempt: spec.attempt, agent: agent.Name, started: true}
	r.engine.cfg.Metrics.JobStarted(agent.Name)
	defer r.engine.cfg.Metrics.JobFinished(agent.Name)

	return r.execute(ctx, spec, agent, ctl)
}

func (r *Run) execute(ctx context.Context, spec attemptSpec, agent *Agent, ctl *attemptControl) attemptOutcome {
	cfg := r.engine.cfg
	job := spec.job.Job
	name := spec.job.Name
	logger := r.logger.With("job", name, "attempt", spec.attempt, "agent", agent.Name)
	recCtx := context.WithoutCancel(ctx)
	started := time.Now()

	ctx, span := cfg.Tracer.Start(ctx, "job.attempt")
	span.SetAttributes(
		attribute.String("pipeline.id", r.ID),
		attribute.String("job.name", name),
		attribute.String("job.stage", spec.job.Stage),
		attribute.Int("job.attempt", spec.attempt),
		attribute.String("agent.name", agent.Name),
	)
	defer span.End()

	attemptID, err := cfg.Recorder.StartAttempt(recCtx, runstore.AttemptStart{
		RunID: r.ID, Job: name, Attempt: spec.attempt, Agent: agent.Name,
	})
	if err != nil {
		logger.Error("failed to record attempt start", "error", err)
	}

	var notes bytes.Buffer
	finish := func(o attemptOutcome, output []byte, truncated bool) attemptOutcome {
		status := runstore.JobSuccess
		switch o.reason {
		case "":
		case pipeline.FailureCanceled:
			status = runstore.JobCanceled
		default:
			status = runstore.JobFailed
			span.SetStatus(codes.Error, string(o.reason))
		}
		span.SetAttributes(attribute.String("job.status", string(status)), attribute.Int("job.exit_code", o.exitCode))

		all := append(notes.Bytes(), output...)
		if len(all) > runstore.MaxOutputBytes {
			all, truncated = all[:runstore.MaxOutputBytes], true
		}
		res := runstore.AttemptResult{
			Status:        status,
			FailureReason: string(o.reason),
			Output:        string(all),
			Truncated:     truncated,
		}
		if o.exitCode >= 0 {
			code := o.exitCode
			res.ExitCode = &code
		}
		if attemptID != "" {
			if err := cfg.Recorder.FinishAttempt(recCtx, attemptID, res); err != nil {
				logger.Error("failed to record attempt result", "error", err)
			}
		}
		cfg.Metrics.ObserveAttempt(r.Project, agent.Name, string(status), string(o.reason), time.Since(started))
		logger.Info("attempt finished", "status", status, "reason", o.reason, "exit_code", o.exitCode, "duration", time.Since(started))
		return o
	}
	systemFailure := func(format string, args ...any) attemptOutcome {
		msg := fmt.Sprintf(format, args...)
		logger.Error(msg)
		fmt.Fprintf(&notes, "conduit: %s\n", msg)
		return finish(attemptOutcome{exitCode: -1, reason: pipeline.FailureRunnerSystem}, nil, false)
	}

	wsID := fmt.Sprintf("%s-%03d-%d", r.ID, spec.index, spec.attempt)
	ws, err := cfg.Workspaces.Create(ctx, wsID, r.plan.Trigger.ProjectDir)
	if err != nil {
		if ctl.isCanceled() || ctx.Err() != nil {
			return finish(canceledOutcome(), nil, false)
		}
		return systemFailure("prepare workspace: %v", err)
	}
	if !cfg.KeepWorkspaces {
		defer func() {
			if err := cfg.Workspaces.Remove(recCtx, wsID); err != nil {
				logger.Warn("failed to remove workspace", "workspace", wsID, "error", err)
			}
		}()
	}
	if ctl.attach(ws.MetaDir) {
		return finish(canceledOutcome(), nil, false)
	}

	vars := spec.job.Environment(map[string]string{
		"CI_PROJECT_DIR": ws.BuildDir,
		"CI_PIPELINE_ID": r.ID,
		"CI_JOB_ATTEMPT": fmt.Sprint(spec.attempt),
	})

	r.pullCaches(ctx, job, vars, ws.BuildDir, &notes, logger)

	if err := r.restoreArtifacts(ctx, spec.deps, ws.BuildDir, &notes); err != nil {
		logger.Error("artifact download failed", "error", err)
		fmt.Fprintf(&notes, "conduit: %v\n", err)
		return finish(attemptOutcome{exitCode: -1, reason: pipeline.FailureDataIntegrity}, nil, false)
	}

	var live io.Writer
	if r.opts.Output != nil {
		live = r.opts.Output(name)
	}
	if live != nil && notes.Len() > 0 {
		_, _ = live.Write(notes.Bytes())
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = agent.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}

	logger.Info("attempt started", "timeout", timeout)
	res := agent.Executor.Run(ctx, runner.Request{
		PipelineID:   r.ID,
		Job:          name,
		Attempt:      spec.attempt,
		BuildDir:     ws.BuildDir,
		MetaDir:      ws.MetaDir,
		Image:        job.Image,
		Entrypoint:   job.Entrypoint,
		BeforeScript: job.BeforeScript,
		Script:       job.Script,
		AfterScript:  job.AfterScript,
		Env:          vars.Environ(),
		Timeout:      timeout,
		Output:       live,
		Coverage:     job.CoverageRegexp(),
	})
	if c, ok := live.(io.Closer); ok {
		_ = c.Close()
	}
	if res.Err != nil {
		logger.Warn("executor error", "error", res.Err)
	}

	succeeded := res.Succeeded()
	o := attemptOutcome{exitCode: res.ExitCode, reason: res.Reason}
	if !succeeded && o.reason == "" {
		o.reason = pipeline.FailureUnknown
	}
	if o.reason == pipeline.FailureCanceled || ctx.Err() != nil {
		o.reason = pipeline.FailureCanceled
		return finish(o, res.Output, res.Truncated)
	}

	o.coverage = res.Coverage
	if o.coverage == nil {
		if pct, ok := runner.ParseCoverage(job.CoverageRegexp(), res.Output); ok {
			o.coverage = &pct
		}
	}

	if a := job.Artifacts; a.Publishes() && a.When.Matches(succeeded) {
		if err := r.uploadArtifacts(ctx, name, a, ws.BuildDir, &o, logger); err != nil && succeeded {
			fmt.Fprintf(&notes, "conduit: %v\n", err)
			o.reason = pipeline.FailureRunnerSystem
			o.exitCode = -1
			succeeded = false
		}
	}

	r.pushCaches(ctx, job, vars, ws.BuildDir, succeeded, logger)
	return finish(o, res.Output, res.Truncated)
}

func (r *Run) restoreArtifacts(ctx context.Context, deps []upstream, buildDir string, out io.Writer) error {
	for _, d := range deps {
		m, err := r.engine.cfg.Artifacts.Restore(ctx, artifact.Ref{RunID: r.ID, Job: d.name}, buildDir)
		switch {
		case err == nil:
			fmt.Fprintf(out, "conduit: restored %d artifact files from %s\n", len(m.Files), d.name)
		case errors.Is(err, artifact.ErrNotFound) && !d.expected:
		default:
			return fmt.Errorf("artifacts of %s: %w", d.name, err)
		}
	}
	return nil
}

// uploadArtifacts archives the job's artifacts and parses its reports.
func (r *Run) uploadArtifacts(ctx context.Context, job string, a *pipeline.Artifacts, buildDir string, o *attemptOutcome, logger *slog.Logger) error {
	cfg := r.engine.cfg
	m, err := cfg.Artifacts.Save(ctx, artifact.Ref{RunID: r.ID, Job: job}, buildDir, a)
	if err != nil {
		logger.Error("artifact upload failed", "error", err)
		return fmt.Errorf("upload artifacts: %w", err)
	}
	cfg.Metrics.ObserveArtifact(r.Project, m.Size)
	logger.Debug("artifacts uploaded", "files", len(m.Files), "bytes", m.Size)

	rep, err := report.Collect(buildDir, a.Reports)
	if err != nil {
		logger.Warn("report parsing incomplete", "error", err)
	}
	recCtx := context.WithoutCancel(ctx)
	if rep.Tests != nil {
		if err := cfg.Recorder.SaveReport(recCtx, r.ID, job, string(report.KindJUnit), rep.Tests, m.ExpireAt); err != nil {
			logger.Error("failed to store test report", "error", err)
		}
	}
	if rep.Coverage != nil {
		if err := cfg.Recorder.SaveReport(recCtx, r.ID, job, string(report.KindCobertura), rep.Coverage, m.ExpireAt); err != nil {
			logger.Error("failed to store coverage report", "error", err)
		}
		if o.coverage == nil {
			pct := rep.Coverage.Percent
			o.coverage = &pct
		}
	}
	return nil
}

func (r *Run) cacheNamespace() string {
	if r.Project != "" {
		return r.Project
	}
	if r.plan.Pipeline != nil && r.plan.Pipeline.Name != "" {
		return r.plan.Pipeline.Name
	}
	return "default"
}

// pullCaches is best effort. Failures are logged and the job runs cold.
func (r *Run) pullCaches(ctx context.Context, job *pipeline.Job, vars trigger.Variables, buildDir string, out io.Writer, logger *slog.Logger) {
	store := r.engine.cfg.Caches
	if store == nil {
		return
	}
	for _, c := range job.Caches {
		if !c.Policy.Pulls() {
			continue
		}
		key, err := store.ResolveKey(c, vars, buildDir)
		if err != nil {
			logger.Warn("cache key", "error", err)
			r.engine.cfg.Metrics.ObserveCache(r.Project, "error")
			continue
		}
		keys := []string{key}
		for _, fb := range c.FallbackKeys {
			if k := strings.TrimSpace(vars.Expand(fb)); k != "" {
				keys = append(keys, k)
			}
		}
		hit, err := store.Pull(ctx, r.cacheNamespace(), keys, buildDir)
		switch {
		case err == nil && hit == key:
			fmt.Fprintf(out, "conduit: cache %s restored\n", key)
			r.engine.cfg.Metrics.ObserveCache(r.Project, "hit")
		case err == nil:
			fmt.Fprintf(out, "conduit: cache %s restored from fallback %s\n", key, hit)
			r.engine.cfg.Metrics.ObserveCache(r.Project, "fallback")
		case errors.Is(err, artifact.ErrNotFound):
			fmt.Fprintf(out, "conduit: cache %s not found\n", key)
			r.engine.cfg.Metrics.ObserveCache(r.Project, "miss")
		default:
			logger.Warn("cache pull failed", "key", key, "error", err)
			r.engine.cfg.Metrics.ObserveCache(r.Project, "error")
		}
	}
}

func (r *Run) pushCaches(ctx context.Context, job *pipeline.Job, vars trigger.Variables, buildDir string, succeeded bool, logger *slog.Logger) {
	store := r.engine.cfg.Caches
	if store == nil {
		return
	}
	for _, c := range job.Caches {
		if !c.Policy.Pushes() || !c.When.Matches(succeeded) {
			continue
		}
		key, err := store.ResolveKey(c, vars, buildDir)
		if err != nil {
			logger.Warn("cache key", "error", err)
			continue
		}
		if _, err := store.Push(ctx, r.cacheNamespace(), key, buildDir, c.Paths); err != nil {
			logger.Warn("cache push failed", "key", key, "error", err)
		}
	}
}
