package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/pipeline"
	"github.com/mattjoyce/conduit/internal/plan"
	"github.com/mattjoyce/conduit/internal/rules"
	"github.com/mattjoyce/conduit/internal/runstore"
)

// ErrNotInterruptible is returned by Supersede when a started job is not
// interruptible.
var ErrNotInterruptible = errors.New("a started job is not interruptible")

// skipCause records why a job was skipped. Only causeFailure makes
// downstream on_failure jobs run.
type skipCause int

const (
	causeNone skipCause = iota
	causeFailure
	causeUpstream
	causeCondition
	causeManual
)

type jobState struct {
	pj       *plan.PlannedJob
	index    int
	status   runstore.JobStatus
	attempt  int
	started  bool
	played   bool
	reason   pipeline.FailureReason
	exitCode int
	allowed  bool
	coverage *float64
	cause    skipCause
	skipNote string
	agent    string
	ctl      *attemptControl
}

type workerMsg struct {
	job     string
	attempt int
	agent   string
	started bool
	outcome attemptOutcome
}

type controlKind int

const (
	controlPlay controlKind = iota
	controlCancel
	controlSupersede
)

type controlReq struct {
	kind  controlKind
	job   string
	newer string
	reply chan error
}

// JobSnapshot is a point-in-time view of one job.
type JobSnapshot struct {
	Name           string             `json:"name"`
	Stage          string             `json:"stage"`
	Status         runstore.JobStatus `json:"status"`
	When           rules.When         `json:"when"`
	Manual         bool               `json:"manual,omitempty"`
	Blocking       bool               `json:"blocking,omitempty"`
	Interruptible  bool               `json:"interruptible,omitempty"`
	Attempt        int                `json:"attempt"`
	Agent          string             `json:"agent,omitempty"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	AllowedFailure bool               `json:"allowed_failure,omitempty"`
	Coverage       *float64           `json:"coverage,omitempty"`
	SkipReason     string             `json:"skip_reason,omitempty"`
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	ID           string                  `json:"id"`
	Project      string                  `json:"project"`
	Ref          string                  `json:"ref"`
	Status       runstore.PipelineStatus `json:"status"`
	SupersededBy string                  `json:"superseded_by,omitempty"`
	Jobs         []JobSnapshot           `json:"jobs"`
}

// Run is one executing pipeline. The coordinator goroutine owns the job
// states. Other goroutines talk to it through channels and read the
// published view under mu.
type Run struct {
	ID      string
	Project string
	Ref     string

	engine  *Engine
	plan    *plan.Plan
	opts    StartOptions
	created time.Time
	logger  *slog.Logger

	jobs  map[string]*jobState
	order []*jobState

	msgs    chan workerMsg
	control chan controlReq
	done    chan struct{}

	// coordinator-only
	inflight     int
	canceling    bool
	finished     bool
	supersededBy string
	startedAt    time.Time
	group        errgroup.Group

	mu      sync.Mutex
	status  runstore.PipelineStatus
	changed chan struct{}
	view    []JobSnapshot
	newer   string
}

func newRun(e *Engine, p *plan.Plan, opts StartOptions) *Run {
	r := &Run{
		ID:      opts.RunID,
		Project: opts.Project,
		Ref:     p.Trigger.Ref(),
		engine:  e,
		plan:    p,
		opts:    opts,
		created: time.Now(),
		logger:  e.logger.With("pipeline_id", opts.RunID),
		jobs:    make(map[string]*jobState, len(p.Jobs)),
		msgs:    make(chan workerMsg, 2*len(p.Jobs)+1),
		control: make(chan controlReq),
		done:    make(chan struct{}),
		status:  runstore.PipelineCreated,
		changed: make(chan struct{}),
		view:    make([]JobSnapshot, len(p.Jobs)),
	}
	for i, pj := range p.Jobs {
		js := &jobState{pj: pj, index: i, status: runstore.JobCreated, exitCode: -1}
		r.jobs[pj.Name] = js
		r.order = append(r.order, js)
		r.view[i] = js.snapshot()
	}
	return r
}

func (js *jobState) snapshot() JobSnapshot {
	s := JobSnapshot{
		Name:           js.pj.Name,
		Stage:          js.pj.Stage,
		Status:         js.status,
		When:           js.pj.When,
		Manual:         js.pj.Manual,
		Blocking:       js.pj.Blocking(),
		Interruptible:  js.pj.Job.Interruptible,
		Attempt:        js.attempt,
		Agent:          js.agent,
		FailureReason:  string(js.reason),
		AllowedFailure: js.allowed,
		SkipReason:     js.skipNote,
	}
	if js.coverage != nil {
		v := *js.coverage
		s.Coverage = &v
	}
	return s
}

// Snapshot returns the current state of the run.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:           r.ID,
		Project:      r.Project,
		Ref:          r.Ref,
		Status:       r.status,
		SupersededBy: r.newer,
		Jobs:         append([]JobSnapshot(nil), r.view...),
	}
}

// Status returns the current pipeline status.
func (r *Run) Status() runstore.PipelineStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Done is closed once the run finished and all of its workers returned.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run settles: it finished, or it is blocked on a
// manual job.
func (r *Run) Wait(ctx context.Context) (runstore.PipelineStatus, error) {
	for {
		r.mu.Lock()
		st, ch := r.status, r.changed
		r.mu.Unlock()
		if st.Terminal() {
			select {
			case <-r.done:
				return st, nil
			case <-ctx.Done():
				return st, ctx.Err()
			}
		}
		if st == runstore.PipelineBlocked {
			return st, nil
		}
		select {
		case <-ch:
		case <-r.done:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Play starts a manual job that is waiting to be played.
func (r *Run) Play(ctx context.Context, job string) error {
	return r.send(ctx, controlReq{kind: controlPlay, job: job})
}

// Cancel stops the run. Jobs that have not started are canceled, running
// jobs stop at their next command boundary.
func (r *Run) Cancel(ctx context.Context) error {
	return r.send(ctx, controlReq{kind: controlCancel})
}

// Supersede cancels the run in favor of newer, but only when every job
// started so far is interruptible.
func (r *Run) Supersede(ctx context.Context, newer string) error {
	return r.send(ctx, controlReq{kind: controlSupersede, newer: newer})
}

func (r *Run) send(ctx context.Context, req controlReq) error {
	req.reply = make(chan error, 1)
	select {
	case r.control <- req:
	case <-r.done:
		return ErrRunFinished
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-r.done:
		return ErrRunFinished
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) coordinate(ctx context.Context) {
	defer close(r.done)

	ctx, span := r.engine.cfg.Tracer.Start(ctx, "pipeline.run")
	span.SetAttributes(
		attribute.String("pipeline.id", r.ID),
		attribute.String("pipeline.project", r.Project),
		attribute.String("pipeline.ref", r.Ref),
		attribute.Int("pipeline.jobs", len(r.order)),
	)
	defer span.End()

	r.startedAt = time.Now()
	r.logger.Info("pipeline started", "project", r.Project, "ref", r.Ref, "jobs", len(r.order))
	r.engine.cfg.Events.Publish(events.PipelineCreated, events.PipelineData{
		RunID: r.ID, Project: r.Project, Ref: r.Ref, Status: string(runstore.PipelineRunning), Jobs: len(r.order),
	})
	r.setRunStatus(ctx, runstore.PipelineRunning, "")
	r.advance(ctx)

	ctxDone := ctx.Done()
	for !r.finished {
		select {
		case m := <-r.msgs:
			r.handleWorker(ctx, m)
		case req := <-r.control:
			req.reply <- r.handleControl(ctx, req)
		case <-ctxDone:
			ctxDone = nil
			r.logger.Warn("engine shutting down, aborting run")
			r.cancelAll(ctx)
			if r.inflight == 0 && r.Status() == runstore.PipelineBlocked {
				// Nothing to wait for. Leave the run blocked for recovery.
				r.finished = true
				continue
			}
		}
		r.advance(ctx)
	}

	_ = r.group.Wait()
	st := r.Status()
	if st == runstore.PipelineFailed {
		span.SetStatus(codes.Error, "pipeline failed")
	}
	span.SetAttributes(attribute.String("pipeline.status", string(st)))
}

func (r *Run) handleWorker(ctx context.Context, m workerMsg) {
	js := r.jobs[m.job]
	if m.started {
		js.started = true
		js.agent = m.agent
		r.setJob(ctx, js, runstore.JobRunning)
		return
	}

	r.inflight--
	if js.ctl != nil {
		js.ctl.release()
		js.ctl = nil
	}
	o := m.outcome
	js.exitCode = o.exitCode
	if o.coverage != nil {
		js.coverage = o.coverage
	}

	switch {
	case o.reason == "":
		js.reason = ""
		r.setJob(ctx, js, runstore.JobSuccess)
	case o.reason == pipeline.FailureCanceled:
		js.reason = o.reason
		r.setJob(ctx, js, runstore.JobCanceled)
	case !r.canceling && js.pj.Job.Retry.ShouldRetry(o.reason, js.attempt):
		js.reason = o.reason
		r.logger.Info("retrying job", "job", js.pj.Name, "attempt", js.attempt, "reason", o.reason)
		r.engine.cfg.Events.Publish(events.JobRetried, events.JobData{
			RunID: r.ID, Job: js.pj.Name, Stage: js.pj.Stage, Status: string(runstore.JobPending),
			Attempt: js.attempt, FailureReason: string(o.reason),
		})
		r.engine.cfg.Metrics.ObserveRetry(r.Project, string(o.reason))
		r.dispatch(ctx, js)
	default:
		js.reason = o.reason
		js.allowed = js.pj.AllowFailure.Allows(o.exitCode)
		r.setJob(ctx, js, runstore.JobFailed)
		if !js.allowed {
			r.logger.Warn("job failed", "job", js.pj.Name, "reason", o.reason, "exit_code", o.exitCode)
		}
	}
}

func (r *Run) handleControl(ctx context.Context, req controlReq) error {
	switch req.kind {
	case controlPlay:
		js, ok := r.jobs[req.job]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownJob, req.job)
		}
		if js.status != runstore.JobManual || r.canceling {
			return fmt.Errorf("%w: %s is %s", ErrJobNotPlayable, req.job, js.status)
		}
		js.played = true
		r.logger.Info("manual job played", "job", js.pj.Name)
		if r.Status() == runstore.PipelineBlocked {
			r.setRunStatus(ctx, runstore.PipelineRunning, "")
		}
		r.dispatch(ctx, js)
		return nil

	case controlSupersede:
		if r.canceling {
			return nil
		}
		for _, js := range r.order {
			if js.started && !js.pj.Job.Interruptible {
				return fmt.Errorf("%w: %s", ErrNotInterruptible, js.pj.Name)
			}
		}
		r.supersededBy = req.newer
		r.mu.Lock()
		r.newer = req.newer
		r.mu.Unlock()
		r.logger.Info("pipeline superseded", "newer", req.newer)
		r.engine.cfg.Events.Publish(events.PipelineSuperseded, events.PipelineData{
			RunID: r.ID, Project: r.Project, Ref: r.Ref, Status: string(runstore.PipelineCanceled), Newer: req.newer,
		})
		r.cancelAll(ctx)
		return nil

	case controlCancel:
		r.logger.Info("pipeline cancel requested")
		r.cancelAll(ctx)
		return nil
	}
	return fmt.Errorf("unknown control request %d", req.kind)
}

// cancelAll stops everything. Running attempts get the cancel marker, so
// they stop at the next command boundary.
func (r *Run) cancelAll(ctx context.Context) {
	r.canceling = true
	for _, js := range r.order {
		switch js.status {
		case runstore.JobCreated, runstore.JobManual:
			js.skipNote = "pipeline canceled"
			r.setJob(ctx, js, runstore.JobCanceled)
		case runstore.JobPending, runstore.JobRunning:
			if js.ctl != nil {
				js.ctl.cancel()
			}
		}
	}
}

// advance moves every job whose dependencies resolved, until nothing
// changes, then settles the pipeline when no attempt is in flight.
func (r *Run) advance(ctx context.Context) {
	if r.finished {
		return
	}
	for changed := true; changed; {
		changed = false
		for _, js := range r.order {
			if js.status != runstore.JobCreated {
				continue
			}
			if r.canceling {
				js.skipNote = "pipeline canceled"
				r.setJob(ctx, js, runstore.JobCanceled)
				changed = true
				continue
			}
			ready, failureSeen, blocked := r.dependencyState(js)
			if !ready {
				continue
			}
			changed = true

			switch js.pj.When {
			case rules.WhenAlways:
				r.dispatch(ctx, js)
			case rules.WhenOnFailure:
				if failureSeen {
					r.dispatch(ctx, js)
				} else {
					r.skip(ctx, js, causeCondition, "no upstream job failed")
				}
			default:
				switch {
				case failureSeen:
					r.skip(ctx, js, causeFailure, "an upstream job failed")
				case blocked:
					r.skip(ctx, js, causeUpstream, "a needed job did not succeed")
				case js.pj.Manual && !js.played:
					r.setJob(ctx, js, runstore.JobManual)
				default:
					r.dispatch(ctx, js)
				}
			}
		}
	}
	if r.inflight == 0 {
		r.settle(ctx)
	}
}

// dependencyState reports whether every in-edge resolved, whether a
// required upstream failure is visible, and whether an upstream job that
// this one needs did not complete.
func (r *Run) dependencyState(js *jobState) (ready, failureSeen, blocked bool) {
	for _, d := range js.pj.Dependencies {
		dj := r.jobs[d.Job]
		switch {
		case dj.status.Terminal():
		case d.Implicit && dj.status == runstore.JobManual && !dj.pj.Blocking():
			// An unplayed optional manual job does not hold its stage.
			continue
		default:
			return false, false, false
		}
		switch dj.status {
		case runstore.JobFailed:
			if !dj.allowed {
				failureSeen = true
				blocked = true
			}
		case runstore.JobCanceled:
			blocked = true
		case runstore.JobSkipped:
			if dj.cause == causeFailure {
				failureSeen = true
			}
			if !d.Implicit {
				blocked = true
			}
		}
	}
	return true, failureSeen, blocked
}

func (r *Run) skip(ctx context.Context, js *jobState, cause skipCause, note string) {
	js.cause = cause
	js.skipNote = note
	r.setJob(ctx, js, runstore.JobSkipped)
}

// dispatch queues the next attempt of js on a matching agent.
func (r *Run) dispatch(ctx context.Context, js *jobState) {
	js.attempt++
	agent := r.engine.selectAgent(js.pj.Job.Tags)
	if agent == nil {
		js.reason = pipeline.FailureRunnerUnsupported
		js.allowed = js.pj.AllowFailure.Allows(-1)
		js.skipNote = fmt.Sprintf("no agent accepts tags %v", js.pj.Job.Tags)
		r.logger.Error("no agent for job", "job", js.pj.Name, "tags", js.pj.Job.Tags)
		r.setJob(ctx, js, runstore.JobFailed)
		return
	}

	spec := attemptSpec{job: js.pj, index: js.index, attempt: js.attempt}
	for _, d := range js.pj.Dependencies {
		if !d.Artifacts {
			continue
		}
		dj := r.jobs[d.Job]
		a := dj.pj.Job.Artifacts
		if !a.Publishes() {
			continue
		}
		spec.deps = append(spec.deps, upstream{
			name:     d.Job,
			expected: dj.status == runstore.JobSuccess && a.When.Matches(true),
		})
	}

	js.ctl = newAttemptControl(ctx, r.logger.With("job", js.pj.Name))
	ctl := js.ctl
	r.inflight++
	r.setJob(ctx, js, runstore.JobPending)
	r.group.Go(func() error {
		out := r.runAttempt(ctx, spec, agent, ctl)
		r.msgs <- workerMsg{job: spec.job.Name, attempt: spec.attempt, agent: agent.Name, outcome: out}
		return nil
	})
}

// settle decides the pipeline status once nothing is in flight.
func (r *Run) settle(ctx context.Context) {
	if r.canceling {
		r.finish(ctx, runstore.PipelineCanceled, "")
		return
	}

	var requiredFailure, waitingBlocking, anyStarted bool
	for _, js := range r.order {
		switch {
		case js.status == runstore.JobFailed && !js.allowed:
			requiredFailure = true
		case js.status == runstore.JobManual && js.pj.Blocking():
			waitingBlocking = true
		}
		if js.started || js.status == runstore.JobFailed {
			anyStarted = true
		}
	}

	switch {
	case requiredFailure:
		r.finish(ctx, runstore.PipelineFailed, "")
	case waitingBlocking:
		if r.Status() != runstore.PipelineBlocked {
			r.logger.Info("pipeline blocked on manual job")
			r.setRunStatus(ctx, runstore.PipelineBlocked, "")
		}
	case !anyStarted:
		r.finish(ctx, runstore.PipelineSkipped, "")
	default:
		r.finish(ctx, runstore.PipelineSuccess, "")
	}
}

func (r *Run) finish(ctx context.Context, status runstore.PipelineStatus, errMsg string) {
	for _, js := range r.order {
		if js.status == runstore.JobCreated {
			r.skip(ctx, js, causeManual, "waits on a manual job that was not played")
		}
	}
	if r.supersededBy != "" && errMsg == "" {
		errMsg = "superseded by " + r.supersededBy
	}
	r.finished = true
	r.setRunStatus(ctx, status, errMsg)

	elapsed := time.Since(r.startedAt)
	r.engine.cfg.Metrics.ObservePipeline(r.Project, string(status), elapsed)
	r.engine.cfg.Events.Publish(events.PipelineFinished, events.PipelineData{
		RunID: r.ID, Project: r.Project, Ref: r.Ref, Status: string(status),
		Newer: r.supersededBy, Error: errMsg, Duration: elapsed.Round(time.Millisecond).String(),
	})
	r.logger.Info("pipeline finished", "status", status, "duration", elapsed)
}

func (r *Run) setRunStatus(ctx context.Context, status runstore.PipelineStatus, errMsg string) {
	r.mu.Lock()
	r.status = status
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()

	if err := r.engine.cfg.Recorder.SetRunStatus(context.WithoutCancel(ctx), r.ID, status, errMsg); err != nil {
		r.logger.Error("failed to record pipeline status", "status", status, "error", err)
	}
}

func (r *Run) setJob(ctx context.Context, js *jobState, status runstore.JobStatus) {
	js.status = status
	snap := js.snapshot()
	r.mu.Lock()
	r.view[js.index] = snap
	r.mu.Unlock()

	u := runstore.JobUpdate{
		Status:         status,
		FailureReason:  string(js.reason),
		AllowedFailure: js.allowed,
		Attempts:       js.attempt,
		Coverage:       js.coverage,
	}
	if status == runstore.JobSuccess || status == runstore.JobSkipped {
		u.FailureReason = ""
	}
	if err := r.engine.cfg.Recorder.UpdateJob(context.WithoutCancel(ctx), r.ID, js.pj.Name, u); err != nil {
		r.logger.Error("failed to record job status", "job", js.pj.Name, "status", status, "error", err)
	}

	data := events.JobData{
		RunID:          r.ID,
		Job:            js.pj.Name,
		Stage:          js.pj.Stage,
		Status:         string(status),
		Attempt:        js.attempt,
		Agent:          js.agent,
		FailureReason:  u.FailureReason,
		AllowedFailure: js.allowed,
	}
	if js.coverage != nil {
		data.Coverage = *js.coverage
	}
	r.engine.cfg.Events.Publish(events.JobStatus, data)
}
