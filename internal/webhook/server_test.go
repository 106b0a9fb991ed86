package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/mattjoyce/conduit/internal/plan"
	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/trigger"
)

// mockTriggerer is a mock implementation of Triggerer for testing.
type mockTriggerer struct {
	triggerFn func(ctx context.Context, project string, tc trigger.Context) (*runstore.Run, error)
	calls     int
}

func (m *mockTriggerer) Trigger(ctx context.Context, project string, tc trigger.Context) (*runstore.Run, error) {
	m.calls++
	if m.triggerFn != nil {
		return m.triggerFn(ctx, project, tc)
	}
	return &runstore.Run{ID: "run-1", Project: project, Ref: tc.Ref()}, nil
}

type recordedMetric struct{ endpoint, code string }

type fakeRecorder struct{ seen []recordedMetric }

func (f *fakeRecorder) ObserveWebhook(endpoint, code string) {
	f.seen = append(f.seen, recordedMetric{endpoint, code})
}

const (
	testSecret = "test-secret"
	githubPath = "/webhook/github"
	gitlabPath = "/webhook/gitlab"
)

const githubPushBody = `{
  "ref": "refs/heads/main",
  "after": "0123456789abcdef0123456789abcdef01234567",
  "repository": {"default_branch": "main"},
  "head_commit": {"id": "0123456789abcdef0123456789abcdef01234567", "message": "fix: tidy", "author": {"name": "Dana"}},
  "commits": [
    {"id": "a", "added": ["docs/new.md"], "modified": ["src/app.go"], "removed": []},
    {"id": "b", "added": [], "modified": ["src/app.go", "go.mod"], "removed": ["old.txt"]}
  ]
}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testServer(trig Triggerer, rec Recorder, maxBody int64) *Server {
	return New(Config{
		Listen: "127.0.0.1:0",
		Endpoints: []EndpointConfig{
			{Path: githubPath, Project: "api", Provider: ProviderGitHub, Secret: testSecret, MaxBodySize: maxBody},
			{Path: gitlabPath, Project: "web", Provider: ProviderGitLab, Secret: testSecret},
		},
	}, trig, rec, testLogger())
}

func githubRequest(event, body, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, githubPath, strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", formatGitHubSignature(computeExpectedSignature([]byte(body), secret)))
	return req
}

func TestHandleWebhook_GitHubPush(t *testing.T) {
	var got trigger.Context
	mt := &mockTriggerer{triggerFn: func(_ context.Context, project string, tc trigger.Context) (*runstore.Run, error) {
		if project != "api" {
			t.Errorf("project = %q, want api", project)
		}
		got = tc
		return &runstore.Run{ID: "run-42", Project: project, Ref: tc.Ref()}, nil
	}}
	metrics := &fakeRecorder{}
	server := testServer(mt, metrics, 0)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, githubRequest("push", githubPushBody, testSecret))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var resp TriggerResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.PipelineID != "run-42" || resp.Ref != "main" {
		t.Errorf("response = %+v", resp)
	}

	if got.Source != trigger.SourcePush || got.Branch != "main" || got.Tag != "" {
		t.Errorf("context ref = %+v", got)
	}
	if got.CommitMessage != "fix: tidy" || got.CommitAuthor != "Dana" || got.DefaultBranch != "main" {
		t.Errorf("context commit = %+v", got)
	}
	wantFiles := []string{"docs/new.md", "go.mod", "old.txt", "src/app.go"}
	if strings.Join(got.ChangedFiles, ",") != strings.Join(wantFiles, ",") {
		t.Errorf("ChangedFiles = %v, want %v", got.ChangedFiles, wantFiles)
	}

	if len(metrics.seen) != 1 || metrics.seen[0] != (recordedMetric{githubPath, "202"}) {
		t.Errorf("metrics = %+v", metrics.seen)
	}
}

func TestHandleWebhook_GitHubTagAndPullRequest(t *testing.T) {
	var got []trigger.Context
	mt := &mockTriggerer{triggerFn: func(_ context.Context, project string, tc trigger.Context) (*runstore.Run, error) {
		got = append(got, tc)
		return &runstore.Run{ID: "run-1", Project: project, Ref: tc.Ref()}, nil
	}}
	server := testServer(mt, nil, 0)

	tag := `{"ref":"refs/tags/v1.2.0","after":"0123456789abcdef0123456789abcdef01234567","commits":[]}`
	pr := `{"action":"synchronize","number":7,"pull_request":{"title":"Add cache","head":{"ref":"feature/cache","sha":"cafe"},"base":{"ref":"main"},"labels":[{"name":"ci"}],"user":{"login":"sam"}}}`

	for _, req := range []*http.Request{githubRequest("push", tag, testSecret), githubRequest("pull_request", pr, testSecret)} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
		}
	}

	if len(got) != 2 {
		t.Fatalf("got %d triggers, want 2", len(got))
	}
	if got[0].Tag != "v1.2.0" || got[0].Branch != "" {
		t.Errorf("tag push = %+v", got[0])
	}
	mr := got[1].MergeRequest
	if got[1].Source != trigger.SourceMergeRequest || mr == nil {
		t.Fatalf("pull request = %+v", got[1])
	}
	if mr.IID != 7 || mr.SourceBranch != "feature/cache" || mr.TargetBranch != "main" || len(mr.Labels) != 1 {
		t.Errorf("merge request = %+v", mr)
	}
	if got[1].CommitSHA != "cafe" || got[1].Ref() != "feature/cache" {
		t.Errorf("pull request commit = %+v", got[1])
	}
}

func TestHandleWebhook_GitLabPush(t *testing.T) {
	var got trigger.Context
	mt := &mockTriggerer{triggerFn: func(_ context.Context, project string, tc trigger.Context) (*runstore.Run, error) {
		if project != "web" {
			t.Errorf("project = %q, want web", project)
		}
		got = tc
		return &runstore.Run{ID: "run-9", Project: project, Ref: tc.Ref()}, nil
	}}
	server := testServer(mt, nil, 0)

	body := `{"ref":"refs/heads/develop","checkout_sha":"beef","user_name":"Alex","project":{"default_branch":"main"},
	  "commits":[{"id":"beef","message":"feat: x","author":{"name":"Alex"},"added":["a.go"],"modified":[],"removed":[]}]}`

	req := httptest.NewRequest(http.MethodPost, gitlabPath, strings.NewReader(body))
	req.Header.Set("X-Gitlab-Event", "Push Hook")
	req.Header.Set("X-Gitlab-Token", testSecret)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if got.Branch != "develop" || got.CommitSHA != "beef" || got.CommitMessage != "feat: x" {
		t.Errorf("context = %+v", got)
	}
	if len(got.ChangedFiles) != 1 || got.ChangedFiles[0] != "a.go" {
		t.Errorf("ChangedFiles = %v", got.ChangedFiles)
	}

	req = httptest.NewRequest(http.MethodPost, gitlabPath, strings.NewReader(body))
	req.Header.Set("X-Gitlab-Event", "Push Hook")
	req.Header.Set("X-Gitlab-Token", "wrong")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong token status = %d, want 403", rec.Code)
	}
}

func TestHandleWebhook_GitLabMergeRequest(t *testing.T) {
	var got trigger.Context
	mt := &mockTriggerer{triggerFn: func(_ context.Context, project string, tc trigger.Context) (*runstore.Run, error) {
		got = tc
		return &runstore.Run{ID: "run-3", Project: project, Ref: tc.Ref()}, nil
	}}
	server := testServer(mt, nil, 0)

	body := `{"user":{"name":"Kim"},"object_attributes":{"iid":12,"title":"Draft: docs","state":"opened",
	  "source_branch":"docs","target_branch":"main","last_commit":{"id":"f00d","message":"docs"}},"labels":[{"title":"docs"}]}`
	req := httptest.NewRequest(http.MethodPost, gitlabPath, strings.NewReader(body))
	req.Header.Set("X-Gitlab-Event", "Merge Request Hook")
	req.Header.Set("X-Gitlab-Token", testSecret)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if got.MergeRequest == nil || got.MergeRequest.IID != 12 || got.MergeRequest.Labels[0] != "docs" {
		t.Errorf("merge request = %+v", got.MergeRequest)
	}
}

func TestHandleWebhook_NoPipeline(t *testing.T) {
	tests := []struct {
		name       string
		event      string
		body       string
		triggerErr error
		wantCalls  int
	}{
		{name: "ping", event: "ping", body: `{"zen":"hi"}`},
		{name: "branch deleted", event: "push", body: `{"ref":"refs/heads/old","after":"` + zeroSHA + `","deleted":true}`},
		{name: "closed pull request", event: "pull_request", body: `{"action":"closed","number":1}`},
		{name: "filtered by workflow", event: "push", body: githubPushBody, triggerErr: plan.ErrPipelineFiltered, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := &mockTriggerer{triggerFn: func(context.Context, string, trigger.Context) (*runstore.Run, error) {
				return nil, tt.triggerErr
			}}
			server := testServer(mt, nil, 0)
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, githubRequest(tt.event, tt.body, testSecret))

			if rec.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204: %s", rec.Code, rec.Body.String())
			}
			if mt.calls != tt.wantCalls {
				t.Errorf("Trigger calls = %d, want %d", mt.calls, tt.wantCalls)
			}
		})
	}
}

func TestHandleWebhook_Rejections(t *testing.T) {
	wrongSig := githubRequest("push", githubPushBody, "other-secret")

	missingSig := httptest.NewRequest(http.MethodPost, githubPath, strings.NewReader(githubPushBody))
	missingSig.Header.Set("X-GitHub-Event", "push")

	large := bytes.Repeat([]byte("x"), 200)
	tooLarge := httptest.NewRequest(http.MethodPost, githubPath, bytes.NewReader(large))
	tooLarge.Header.Set("X-Hub-Signature-256", formatGitHubSignature(computeExpectedSignature(large, testSecret)))

	badRef := githubRequest("push", `{"ref":"refs/notes/x","after":"abc"}`, testSecret)

	tests := []struct {
		name    string
		req     *http.Request
		maxBody int64
		want    int
		wantErr string
	}{
		{name: "wrong signature", req: wrongSig, want: http.StatusForbidden, wantErr: "forbidden"},
		{name: "missing signature", req: missingSig, want: http.StatusForbidden, wantErr: "forbidden"},
		{name: "too large", req: tooLarge, maxBody: 100, want: http.StatusRequestEntityTooLarge, wantErr: "payload too large"},
		{name: "unsupported ref", req: badRef, want: http.StatusBadRequest, wantErr: "unsupported ref"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := &mockTriggerer{}
			server := testServer(mt, nil, tt.maxBody)
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, tt.req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if !strings.Contains(resp.Error, tt.wantErr) {
				t.Errorf("Error = %q, want it to contain %q", resp.Error, tt.wantErr)
			}
			if mt.calls != 0 {
				t.Errorf("Trigger should not be called, got %d calls", mt.calls)
			}
		})
	}
}

func TestHandleWebhook_TriggerFailure(t *testing.T) {
	mt := &mockTriggerer{triggerFn: func(context.Context, string, trigger.Context) (*runstore.Run, error) {
		return nil, errors.New("database locked")
	}}
	server := testServer(mt, nil, 0)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, githubRequest("push", githubPushBody, testSecret))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "database") {
		t.Errorf("internal error leaked: %s", rec.Body.String())
	}
}

func TestServer_UnknownPath(t *testing.T) {
	server := testServer(&mockTriggerer{}, nil, 0)
	req := httptest.NewRequest(http.MethodPost, "/webhook/unknown", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	server := testServer(&mockTriggerer{}, nil, 0)

	gh := server.endpoints[githubPath]
	if gh.MaxBodySize != DefaultMaxBodySize {
		t.Errorf("MaxBodySize = %d, want %d", gh.MaxBodySize, DefaultMaxBodySize)
	}
	if gh.SignatureHeader != "X-Hub-Signature-256" {
		t.Errorf("github SignatureHeader = %q", gh.SignatureHeader)
	}
	if gl := server.endpoints[gitlabPath]; gl.SignatureHeader != gitlabTokenHeader {
		t.Errorf("gitlab SignatureHeader = %q", gl.SignatureHeader)
	}
}
