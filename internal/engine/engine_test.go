package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/mattjoyce/conduit/internal/artifact"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/metrics"
	"github.com/mattjoyce/conduit/internal/pipeline"
	"github.com/mattjoyce/conduit/internal/plan"
	"github.com/mattjoyce/conduit/internal/runner"
	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/trigger"
	"github.com/mattjoyce/conduit/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	engine    *Engine
	hub       *events.Hub
	artifacts *artifact.Store
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	ws, err := workspace.NewFSManager(filepath.Join(dir, "workspaces"))
	require.NoError(t, err)
	arts, err := artifact.NewStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	caches, err := artifact.NewCacheStore(filepath.Join(dir, "caches"))
	require.NoError(t, err)

	h := &harness{hub: events.NewHub(4096), artifacts: arts, metrics: metrics.New()}
	cfg := Config{
		Agents: []*Agent{{
			Name:        "local",
			Tags:        []string{"linux", "shell"},
			Executor:    runner.NewShellExecutor(""),
			Concurrency: 4,
			Timeout:     time.Minute,
		}},
		Workspaces: ws,
		Artifacts:  arts,
		Caches:     caches,
		Events:     h.hub,
		Metrics:    h.metrics,
		Logger:     log.Discard(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.engine, err = New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		require.NoError(t, h.engine.Close(ctx))
	})
	return h
}

func buildPlan(t *testing.T, src string, vars map[string]string) *plan.Plan {
	t.Helper()
	spec, err := pipeline.ParseYAML([]byte(src))
	require.NoError(t, err)
	pl, err := pipeline.Compile("inline", spec)
	require.NoError(t, err)
	p, err := plan.Build(pl, trigger.Context{
		Source:        trigger.SourcePush,
		Branch:        "main",
		DefaultBranch: "main",
		CommitSHA:     "0123456789abcdef0123456789abcdef01234567",
		ProjectName:   "demo",
		Variables:     vars,
	}, plan.Options{})
	require.NoError(t, err)
	return p
}

func (h *harness) start(t *testing.T, p *plan.Plan) *Run {
	t.Helper()
	r, err := h.engine.Start(context.Background(), p, StartOptions{RunID: uuid.NewString(), Project: "demo"})
	require.NoError(t, err)
	return r
}

func wait(t *testing.T, r *Run) runstore.PipelineStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := r.Wait(ctx)
	require.NoError(t, err)
	return st
}

func jobsByName(r *Run) map[string]JobSnapshot {
	out := make(map[string]JobSnapshot)
	for _, j := range r.Snapshot().Jobs {
		out[j.Name] = j
	}
	return out
}

func statuses(r *Run) map[string]runstore.JobStatus {
	out := make(map[string]runstore.JobStatus)
	for name, j := range jobsByName(r) {
		out[name] = j.Status
	}
	return out
}

func waitRunning(t *testing.T, r *Run, job string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return jobsByName(r)[job].Status == runstore.JobRunning
	}, 10*time.Second, 10*time.Millisecond)
}

func eventTypes(h *harness) []events.Type {
	var out []events.Type
	for _, ev := range h.hub.SnapshotSince(0) {
		out = append(out, ev.Type)
	}
	return out
}

func TestPipelineSuccessPassesArtifacts(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, buildPlan(t, `
stages: [build, test]
build:
  stage: build
  script:
    - echo built > out.txt
    - echo "TOTAL   10   2   80%"
  artifacts:
    paths: [out.txt]
unit:
  stage: test
  tags: [linux]
  script:
    - grep built out.txt
`, nil))

	assert.Equal(t, runstore.PipelineSuccess, wait(t, r))
	jobs := jobsByName(r)
	assert.Equal(t, runstore.JobSuccess, jobs["build"].Status)
	assert.Equal(t, runstore.JobSuccess, jobs["unit"].Status)
	assert.Equal(t, "local", jobs["unit"].Agent)
	require.NotNil(t, jobs["build"].Coverage)
	assert.InDelta(t, 80.0, *jobs["build"].Coverage, 0.001)

	m, err := h.artifacts.Stat(artifact.Ref{RunID: r.ID, Job: "build"})
	require.NoError(t, err)
	assert.Equal(t, []string{"out.txt"}, m.Files)

	types := eventTypes(h)
	assert.Contains(t, types, events.PipelineCreated)
	assert.Equal(t, events.PipelineFinished, types[len(types)-1])

	_, active := h.engine.Run(r.ID)
	assert.False(t, active)
}

func TestNeedsWithoutArtifacts(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, buildPlan(t, `
stages: [build, test]
build:
  stage: build
  script: echo built > out.txt
  artifacts:
    paths: [out.txt]
check:
  stage: test
  needs:
    - job: build
      artifacts: false
  script: test ! -f out.txt
`, nil))
	assert.Equal(t, runstore.PipelineSuccess, wait(t, r))
}

func TestNeedsWithoutArtifactsStillSkipsOnFailure(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, buildPlan(t, `
stages: [version, release, publish]
get_next_version:
  stage: version
  script: exit 1
release:
  stage: release
  needs:
    - job: get_next_version
      artifacts: false
  script: "true"
announce:
  stage: publish
  needs: [release]
  script: "true"
`, nil))

	assert.Equal(t, runstore.PipelineFailed, wait(t, r))
	jobs := jobsByName(r)
	assert.Equal(t, runstore.JobFailed, jobs["get_next_version"].Status)
	assert.Equal(t, runstore.JobSkipped, jobs["release"].Status)
	assert.Equal(t, runstore.JobSkipped, jobs["announce"].Status, "skips follow needs transitively")
}

func TestJobVariablesExpandAgainstWorkspace(t *testing.T) {
	h := newHarness(t)
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "setup.py"), []byte("# demo\n"), 0o644))

	spec, err := pipeline.ParseYAML([]byte(`
unit:
  variables:
    PIP_CACHE_DIR: "$CI_PROJECT_DIR/.cache/pip"
  script:
    - test -f setup.py
    - test "$PIP_CACHE_DIR" = "$CI_PROJECT_DIR/.cache/pip"
    - test "$SECRET" = 'pa$$word'
    - mkdir -p "$PIP_CACHE_DIR"
    - touch "$PIP_CACHE_DIR/wheel"
`))
	require.NoError(t, err)
	pl, err := pipeline.Compile("inline", spec)
	require.NoError(t, err)
	p, err := plan.Build(pl, trigger.Context{
		Source:     trigger.SourcePush,
		Branch:     "main",
		ProjectDir: project,
		Variables:  map[string]string{"SECRET": "pa$$word"},
	}, plan.Options{})
	require.NoError(t, err)

	r := h.start(t, p)
	require.Equal(t, runstore.PipelineSuccess, wait(t, r))

	_, err = os.Stat(filepath.Join(project, ".cache"))
	assert.True(t, os.IsNotExist(err), "jobs must not write into the project checkout")
}

func TestFailurePropagation(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, buildPlan(t, `
stages: [build, test, cleanup]
build:
  stage: build
  script: exit 3
unit:
  stage: test
  script: "true"
notify:
  stage: cleanup
  when: on_failure
  script: echo notified
teardown:
  stage: cleanup
  when: always
  script: "true"
`, nil))

	assert.Equal(t, runstore.PipelineFailed, wait(t, r))
	jobs := jobsByName(r)
	assert.Equal(t, runstore.JobFailed, jobs["build"].Status)
	assert.Equal(t, string(pipeline.FailureScript), jobs["build"].FailureReason)
	assert.Equal(t, runstore.JobSkipped, jobs["unit"].Status)
	assert.Equal(t, runstore.JobSuccess, jobs["notify"].Status)
	assert.Equal(t, runstore.JobSuccess, jobs["teardown"].Status)
}

func TestOnFailureSkippedWhenNothingFails(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, buildPlan(t, `
stages: [build, cleanup]
build:
  stage: build
  script: "true"
notify:
  stage: cleanup
  when: on_failure
  script: echo notified
`, nil))

	assert.Equal(t, runstore.PipelineSuccess, wait(t, r))
	assert.Equal(t, runstore.JobSkipped, statuses(r)["notify"])
}

func TestAllowFailure(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, buildPlan(t, `
stages: [test, deploy]
lint:
  stage: test
  script: exit 1
  allow_failure: true
strict:
  stage: test
  script: exit 4
  allow_failure:
    exit_codes: [3]
deploy:
  stage: deploy
  script: "true"
`, nil))

	assert.Equal(t, runstore.PipelineFailed, wait(t, r))
	jobs := jobsByName(r)
	assert.True(t, jobs["lint"].AllowedFailure)
	assert.Equal(t, runstore.JobFailed, jobs["strict"].Status)
	assert.False(t, jobs["strict"].AllowedFailure)
	assert.Equal(t, runstore.JobSkipped, jobs["deploy"].Status)

	h2 := newHarness(t)
	r2 := h2.start(t, buildPlan(t, `
stages: [test, deploy]
lint:
  stage: test
  script: exit 1
  allow_failure: true
deploy:
  stage: deploy
  script: "true"
`, nil))
	assert.Equal(t, runstore.PipelineSuccess, wait(t, r2))
	assert.Equal(t, runstore.JobSuccess, statuses(r2)["deploy"])
}

func TestRetry(t *testing.T) {
	h := newHarness(t)
	counter := filepath.Join(t.TempDir(), "attempts")
	r := h.start(t, buildPlan(t, `
flaky:
  retry:
    max: 2
    when: [script_failure]
  script:
    - echo x >> "$COUNTER"
    - test $(wc -l < "$COUNTER") -ge 2
`, map[string]string{"COUNTER": counter}))

	assert.Equal(t, runstore.PipelineSuccess, wait(t, r))
	assert.Equal(t, 2, jobsByName(r)["flaky"].Attempt)

	retried := 0
	for _, ev := range h.hub.SnapshotSince(0) {
		if ev.Type == events.JobRetried {
			retried++
			var data events.JobData
			require.NoError(t, ev.Decode(&data))
			assert.Equal(t, string(pipeline.FailureScript), data.FailureReason)
		}
	}
	assert.Equal(t, 1, retried)
}

func TestRetryExhausted(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, buildPlan(t, `
flaky:
  retry: 2
  script: exit 1
`, nil))

	assert.Equal(t, runstore.PipelineFailed, wait(t, r))
	assert.Equal(t, 3, jobsByName(r)["flaky"].Attempt)
}

func TestRetryIgnoresOtherFailureClasses(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, buildPlan(t, `
flaky:
  retry:
    max: 2
    when: [runner_system_failure]
  script: exit 1
`, nil))

	assert.Equal(t, runstore.PipelineFailed, wait(t, r))
	j := jobsByName(r)["flaky"]
	assert.Equal(t, 1, j.Attempt)
	assert.Equal(t, string(pipeline.FailureScript), j.FailureReason)
	assert.NotContains(t, eventTypes(h), events.JobRetried)
}

func TestNoAgentForTags(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, buildPlan(t, `
train:
  tags: [gpu]
  retry: 2
  script: "true"
`, nil))

	assert.Equal(t, runstore.PipelineFailed, wait(t, r))
	j := jobsByName(r)["train"]
	assert.Equal(t, runstore.JobFailed, j.Status)
	assert.Equal(t, string(pipeline.FailureRunnerUnsupported), j.FailureReason)
	assert.Equal(t, 1, j.Attempt)
}

func TestBlockingManualJob(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, buildPlan(t, `
stages: [build, deploy, verify]
build:
  stage: build
  script: "true"
deploy:
  stage: deploy
  when: manual
  allow_failure: false
  script: echo deployed
verify:
  stage: verify
  script: "true"
`, nil))

	assert.Equal(t, runstore.PipelineBlocked, wait(t, r))
	assert.Equal(t, map[string]runstore.JobStatus{
		"build":  runstore.JobSuccess,
		"deploy": runstore.JobManual,
		"verify": runstore.JobCreated,
	}, statuses(r))

	ctx := context.Background()
	assert.ErrorIs(t, r.Play(ctx, "nope"), ErrUnknownJob)
	assert.ErrorIs(t, r.Play(ctx, "build"), ErrJobNotPlayable)
	require.NoError(t, r.Play(ctx, "deploy"))

	assert.Equal(t, runstore.PipelineSuccess, wait(t, r))
	assert.Equal(t, runstore.JobSuccess, statuses(r)["verify"])
	assert.ErrorIs(t, r.Play(ctx, "deploy"), ErrRunFinished)
}

func TestOptionalManualJob(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, buildPlan(t, `
stages: [build, deploy, verify]
build:
  stage: build
  script: "true"
deploy:
  stage: deploy
  when: manual
  script: echo deployed
verify:
  stage: verify
  script: "true"
announce:
  stage: verify
  needs: [deploy]
  script: "true"
`, nil))

	assert.Equal(t, runstore.PipelineSuccess, wait(t, r))
	assert.Equal(t, map[string]runstore.JobStatus{
		"build":    runstore.JobSuccess,
		"deploy":   runstore.JobManual,
		"verify":   runstore.JobSuccess,
		"announce": runstore.JobSkipped,
	}, statuses(r))
}

const longJob = `
stages: [test, deploy]
long:
  stage: test
  interruptible: %s
  script:
    - sleep 0.3
    - sleep 0.3
    - sleep 0.3
    - sleep 0.3
    - sleep 0.3
    - sleep 0.3
    - sleep 0.3
    - sleep 0.3
deploy:
  stage: deploy
  script: "true"
`

func longPipeline(interruptible string) string {
	return fmt.Sprintf(longJob, interruptible)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, buildPlan(t, longPipeline("false"), nil))
	waitRunning(t, r, "long")

	require.NoError(t, r.Cancel(context.Background()))
	assert.Equal(t, runstore.PipelineCanceled, wait(t, r))
	assert.Equal(t, map[string]runstore.JobStatus{
		"long":   runstore.JobCanceled,
		"deploy": runstore.JobCanceled,
	}, statuses(r))
}

func TestSupersede(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sticky := h.start(t, buildPlan(t, longPipeline("false"), nil))
	waitRunning(t, sticky, "long")
	assert.ErrorIs(t, sticky.Supersede(ctx, "newer"), ErrNotInterruptible)
	require.NoError(t, sticky.Cancel(ctx))
	wait(t, sticky)

	r := h.start(t, buildPlan(t, longPipeline("true"), nil))
	waitRunning(t, r, "long")
	require.NoError(t, r.Supersede(ctx, "newer"))
	assert.Equal(t, runstore.PipelineCanceled, wait(t, r))
	assert.Equal(t, "newer", r.Snapshot().SupersededBy)
	assert.Contains(t, eventTypes(h), events.PipelineSuperseded)
}

func TestCloseAbortsRuns(t *testing.T) {
	h := newHarness(t)
	r := h.start(t, buildPlan(t, longPipeline("false"), nil))
	waitRunning(t, r, "long")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Close(ctx))
	assert.Equal(t, runstore.PipelineCanceled, r.Status())

	_, err := h.engine.Start(ctx, buildPlan(t, longPipeline("false"), nil), StartOptions{RunID: "x"})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestRecordsToRunStore(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "conduit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := runstore.New(db)

	h := newHarness(t, func(c *Config) { c.Recorder = store })

	project := t.TempDir()
	junit := `<testsuite name="unit" tests="2" failures="0"><testcase name="a"/><testcase name="b"/></testsuite>`
	require.NoError(t, os.WriteFile(filepath.Join(project, "report.xml"), []byte(junit), 0o644))

	p := buildPlan(t, `
unit:
  script:
    - echo "TOTAL   10   1   90%"
  artifacts:
    reports:
      junit: report.xml
`, nil)
	p.Trigger.ProjectDir = project

	ctx := context.Background()
	newJobs := make([]runstore.NewJob, 0, len(p.Jobs))
	for i, j := range p.Jobs {
		newJobs = append(newJobs, runstore.NewJob{Name: j.Name, Stage: j.Stage, StageIndex: i, When: string(j.When)})
	}
	stored, err := store.CreateRun(ctx, runstore.NewRun{Project: "demo", PipelineName: "inline", Ref: "main", Source: "push", Jobs: newJobs})
	require.NoError(t, err)

	r, err := h.engine.Start(ctx, p, StartOptions{RunID: stored.ID, Project: "demo"})
	require.NoError(t, err)
	assert.Equal(t, runstore.PipelineSuccess, wait(t, r))

	got, err := store.GetRun(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, runstore.PipelineSuccess, got.Status)
	assert.NotNil(t, got.FinishedAt)

	jobs, err := store.ListJobs(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, runstore.JobSuccess, jobs[0].Status)
	require.NotNil(t, jobs[0].Coverage)
	assert.InDelta(t, 90.0, *jobs[0].Coverage, 0.001)

	attempts, err := store.ListAttempts(ctx, stored.ID, "unit")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "local", attempts[0].Agent)
	assert.Contains(t, attempts[0].Output, "90%")

	reports, err := store.ListReports(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "junit", reports[0].Kind)
}

func TestNewValidatesConfig(t *testing.T) {
	ws, err := workspace.NewFSManager(t.TempDir())
	require.NoError(t, err)
	arts, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	sh := runner.NewShellExecutor("")

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no agents", Config{Workspaces: ws, Artifacts: arts}, "at least one agent"},
		{"nameless agent", Config{Agents: []*Agent{{Executor: sh}}, Workspaces: ws, Artifacts: arts}, "name is empty"},
		{"duplicate", Config{Agents: []*Agent{{Name: "a", Executor: sh}, {Name: "a", Executor: sh}}, Workspaces: ws, Artifacts: arts}, "duplicate agent"},
		{"no executor", Config{Agents: []*Agent{{Name: "a"}}, Workspaces: ws, Artifacts: arts}, "no executor"},
		{"no workspaces", Config{Agents: []*Agent{{Name: "a", Executor: sh}}, Artifacts: arts}, "workspace manager"},
		{"no artifacts", Config{Agents: []*Agent{{Name: "a", Executor: sh}}, Workspaces: ws}, "artifact store"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAgentAccepts(t *testing.T) {
	a := &Agent{Tags: []string{"linux", "docker"}}
	assert.True(t, a.Accepts(nil))
	assert.True(t, a.Accepts([]string{"docker"}))
	assert.False(t, a.Accepts([]string{"docker", "gpu"}))
}

// lockedBuffer is written by the engine goroutines and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunsLogThroughConfiguredLogger(t *testing.T) {
	var out lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := newHarness(t, func(c *Config) { c.Logger = logger })

	r := h.start(t, buildPlan(t, "unit:\n  script: \"true\"\n", nil))
	require.Equal(t, runstore.PipelineSuccess, wait(t, r))

	logs := out.String()
	assert.Contains(t, logs, `"msg":"pipeline started"`)
	assert.Contains(t, logs, `"msg":"attempt finished"`)
	assert.Contains(t, logs, `"pipeline_id":"`+r.ID+`"`)
	assert.Contains(t, logs, `"job":"unit"`)
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracesRunsAndAttempts(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	h := newHarness(t, func(c *Config) { c.Tracer = tp.Tracer("engine-test") })

	r := h.start(t, buildPlan(t, `
good:
  script: "true"
bad:
  script: exit 4
`, nil))
	require.Equal(t, runstore.PipelineFailed, wait(t, r))

	var runSpans int
	attempts := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range rec.Ended() {
		switch s.Name() {
		case "pipeline.run":
			runSpans++
			assert.Equal(t, codes.Error, s.Status().Code)
			v, ok := spanAttr(s, "pipeline.status")
			require.True(t, ok)
			assert.Equal(t, string(runstore.PipelineFailed), v.AsString())
			v, ok = spanAttr(s, "pipeline.id")
			require.True(t, ok)
			assert.Equal(t, r.ID, v.AsString())
		case "job.attempt":
			v, ok := spanAttr(s, "job.name")
			require.True(t, ok)
			attempts[v.AsString()] = s
		}
	}
	assert.Equal(t, 1, runSpans)
	require.Len(t, attempts, 2)

	assert.Equal(t, codes.Error, attempts["bad"].Status().Code)
	assert.Equal(t, string(pipeline.FailureScript), attempts["bad"].Status().Description)
	code, ok := spanAttr(attempts["bad"], "job.exit_code")
	require.True(t, ok)
	assert.Equal(t, int64(4), code.AsInt64())

	assert.NotEqual(t, codes.Error, attempts["good"].Status().Code)
	st, ok := spanAttr(attempts["good"], "job.status")
	require.True(t, ok)
	assert.Equal(t, string(runstore.JobSuccess), st.AsString())
}
