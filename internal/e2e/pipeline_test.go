package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/artifact"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/control"
	"github.com/mattjoyce/conduit/internal/engine"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/inspect"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/metrics"
	"github.com/mattjoyce/conduit/internal/runner"
	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/webhook"
	"github.com/mattjoyce/conduit/internal/workspace"
)

const (
	apiKey        = "e2e-key"
	webhookSecret = "e2e-secret"
)

const definition = `
stages: [build, test, deploy]

build:
  stage: build
  script:
    - echo "built $CI_COMMIT_SHORT_SHA" > build.txt
  artifacts:
    paths: [build.txt]
    expire_in: 1 week

unit:
  stage: test
  script:
    - grep built build.txt
    - echo '<testsuite name="unit" tests="3" failures="0"><testcase name="a"/><testcase name="b"/><testcase name="c"/></testsuite>' > report.xml
  artifacts:
    reports:
      junit: report.xml

deploy:
  stage: deploy
  allow_failure: false
  rules:
    - if: $CI_PIPELINE_SOURCE == "api"
      when: manual
  script:
    - echo deploying
`

type harness struct {
	store   *runstore.Store
	api     *httptest.Server
	webhook *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	tmpDir := t.TempDir()
	projectDir := filepath.Join(tmpDir, "project")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("failed to create project dir: %v", err)
	}
	defPath := filepath.Join(projectDir, ".conduit.yml")
	if err := os.WriteFile(defPath, []byte(definition), 0o644); err != nil {
		t.Fatalf("failed to write definition: %v", err)
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(tmpDir, "conduit.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := runstore.New(db)

	ws, err := workspace.NewFSManager(filepath.Join(tmpDir, "workspaces"))
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}
	arts, err := artifact.NewStore(filepath.Join(tmpDir, "artifacts"))
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	caches, err := artifact.NewCacheStore(filepath.Join(tmpDir, "caches"))
	if err != nil {
		t.Fatalf("cache store: %v", err)
	}
	hub := events.NewHub(1024)
	m := metrics.New()

	eng, err := engine.New(engine.Config{
		Agents: []*engine.Agent{{
			Name:        "local",
			Executor:    runner.NewShellExecutor(""),
			Concurrency: 2,
			Timeout:     time.Minute,
		}},
		Workspaces: ws,
		Artifacts:  arts,
		Caches:     caches,
		Recorder:   store,
		Events:     hub,
		Metrics:    m,
		Logger:     log.Discard(),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})

	ctl, err := control.New(control.Options{
		Projects: map[string]config.ProjectConfig{
			"demo": {Definition: defPath, Dir: projectDir, DefaultBranch: "main"},
		},
		Engine:    eng,
		Store:     store,
		Artifacts: arts,
		Events:    hub,
		Logger:    log.Discard(),
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}

	apiServer := httptest.NewServer(api.New(api.Config{APIKey: apiKey}, ctl, hub, m.Handler(), log.Discard()).Handler())
	t.Cleanup(apiServer.Close)

	wh := webhook.New(webhook.Config{Endpoints: []webhook.EndpointConfig{{
		Path:     "/hooks/github",
		Project:  "demo",
		Provider: webhook.ProviderGitHub,
		Secret:   webhookSecret,
	}}}, ctl, m, log.Discard())
	whServer := httptest.NewServer(wh.Handler())
	t.Cleanup(whServer.Close)

	return &harness{store: store, api: apiServer, webhook: whServer}
}

func (h *harness) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.api.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type pipelineView struct {
	ID     string                  `json:"id"`
	Status runstore.PipelineStatus `json:"status"`
	Jobs   []runstore.JobRun       `json:"jobs"`
}

func (h *harness) waitFor(t *testing.T, id string, want runstore.PipelineStatus) pipelineView {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	var p pipelineView
	for time.Now().Before(deadline) {
		if code := h.do(t, http.MethodGet, "/pipelines/"+id, nil, &p); code != http.StatusOK {
			t.Fatalf("GET /pipelines/%s: status %d", id, code)
		}
		if p.Status == want {
			return p
		}
		if p.Status.Terminal() {
			t.Fatalf("pipeline %s finished as %s, want %s", id, p.Status, want)
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("pipeline %s stuck at %s, want %s", id, p.Status, want)
	return p
}

func jobStatus(p pipelineView, name string) runstore.JobStatus {
	for _, j := range p.Jobs {
		if j.Name == name {
			return j.Status
		}
	}
	return ""
}

func TestPushWebhookRunsPipeline(t *testing.T) {
	h := newHarness(t)

	payload := []byte(`{
  "ref": "refs/heads/main",
  "after": "0123456789abcdef0123456789abcdef01234567",
  "head_commit": {"id": "0123456789abcdef0123456789abcdef01234567", "message": "ship it", "author": {"name": "dev"}},
  "commits": [{"id": "0123456789abcdef0123456789abcdef01234567", "modified": ["main.go"]}],
  "repository": {"default_branch": "main"}
}`)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(payload)

	req, err := http.NewRequest(http.MethodPost, h.webhook.URL+"/hooks/github", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook delivery: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook status = %d, want 202", resp.StatusCode)
	}
	var accepted webhook.TriggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode webhook response: %v", err)
	}
	if accepted.PipelineID == "" || accepted.Ref != "main" {
		t.Fatalf("unexpected webhook response: %+v", accepted)
	}

	p := h.waitFor(t, accepted.PipelineID, runstore.PipelineSuccess)
	if got := jobStatus(p, "deploy"); got != runstore.JobSkipped {
		t.Fatalf("deploy = %s, want skipped on push", got)
	}
	for _, name := range []string{"build", "unit"} {
		if got := jobStatus(p, name); got != runstore.JobSuccess {
			t.Fatalf("job %s = %s, want success", name, got)
		}
	}

	var arts struct {
		Artifacts []artifact.Manifest `json:"artifacts"`
	}
	if code := h.do(t, http.MethodGet, "/pipelines/"+p.ID+"/artifacts", nil, &arts); code != http.StatusOK {
		t.Fatalf("artifacts status %d", code)
	}
	var build *artifact.Manifest
	for i := range arts.Artifacts {
		if arts.Artifacts[i].Job == "build" {
			build = &arts.Artifacts[i]
		}
	}
	if build == nil || build.ExpireAt == nil || len(build.Files) != 1 || build.Files[0] != "build.txt" {
		t.Fatalf("unexpected artifacts: %+v", arts.Artifacts)
	}

	var reps struct {
		Reports []runstore.StoredReport `json:"reports"`
	}
	if code := h.do(t, http.MethodGet, "/pipelines/"+p.ID+"/reports", nil, &reps); code != http.StatusOK {
		t.Fatalf("reports status %d", code)
	}
	if len(reps.Reports) != 1 || reps.Reports[0].Kind != "junit" || reps.Reports[0].Job != "unit" {
		t.Fatalf("unexpected reports: %+v", reps.Reports)
	}

	report, err := inspect.BuildReport(context.Background(), h.store, p.ID)
	if err != nil {
		t.Fatalf("build report: %v", err)
	}
	if !strings.Contains(report, "3 passed, 0 failed") {
		t.Fatalf("report missing test summary:\n%s", report)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodPost, h.webhook.URL+"/hooks/github", strings.NewReader(`{"ref":"refs/heads/main"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=00")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook delivery: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	runs, err := h.store.ListRuns(context.Background(), runstore.RunFilter{Project: "demo"})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("rejected delivery created %d runs", len(runs))
	}
}

func TestAPITriggerBlocksUntilPlayed(t *testing.T) {
	h := newHarness(t)

	var created api.TriggerResponse
	code := h.do(t, http.MethodPost, "/projects/demo/pipelines", api.TriggerRequest{Branch: "main"}, &created)
	if code != http.StatusCreated {
		t.Fatalf("trigger status = %d, want 201", code)
	}

	p := h.waitFor(t, created.PipelineID, runstore.PipelineBlocked)
	if got := jobStatus(p, "deploy"); got != runstore.JobManual {
		t.Fatalf("deploy = %s, want manual", got)
	}

	if code := h.do(t, http.MethodPost, "/pipelines/"+p.ID+"/jobs/unit/play", nil, nil); code != http.StatusConflict {
		t.Fatalf("playing a finished job: status %d, want 409", code)
	}
	if code := h.do(t, http.MethodPost, "/pipelines/"+p.ID+"/jobs/deploy/play", nil, nil); code != http.StatusAccepted {
		t.Fatalf("play status = %d, want 202", code)
	}

	p = h.waitFor(t, p.ID, runstore.PipelineSuccess)
	if got := jobStatus(p, "deploy"); got != runstore.JobSuccess {
		t.Fatalf("deploy = %s, want success", got)
	}
}
