package inspect

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/conduit/internal/report"
	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/storage"
)

func seedRun(t *testing.T) (*runstore.Store, string) {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	store := runstore.New(db)
	run, err := store.CreateRun(ctx, runstore.NewRun{
		Project:      "api",
		PipelineName: "ci",
		Fingerprint:  "abc",
		Ref:          "main",
		Source:       "push",
		CommitSHA:    "deadbeef",
		Trigger:      map[string]string{"branch": "main"},
		Status:       runstore.PipelineCreated,
		Jobs: []runstore.NewJob{
			{Name: "unit", Stage: "test", StageIndex: 2, Status: runstore.JobCreated, When: "on_success"},
			{Name: "compile", Stage: "build", StageIndex: 1, Status: runstore.JobCreated, When: "on_success"},
			{Name: "lint", Stage: "test", StageIndex: 2, Status: runstore.JobCreated, When: "on_success", AllowFailure: true},
			{Name: "deploy", Stage: "deploy", StageIndex: 3, Status: runstore.JobSkipped, SkipReason: "no rule matched"},
		},
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	cov := 81.5
	updates := map[string]runstore.JobUpdate{
		"compile": {Status: runstore.JobSuccess, Attempts: 1},
		"unit":    {Status: runstore.JobSuccess, Attempts: 2, Coverage: &cov},
		"lint":    {Status: runstore.JobFailed, Attempts: 1, FailureReason: "script_failure", AllowedFailure: true},
	}
	for job, u := range updates {
		if err := store.UpdateJob(ctx, run.ID, job, u); err != nil {
			t.Fatalf("UpdateJob(%s): %v", job, err)
		}
	}
	if err := store.SaveReport(ctx, run.ID, "unit", string(report.KindJUnit), report.TestSummary{
		Tests: 10, Failures: 1, Skipped: 2, Failed: []string{"TestFlaky"},
	}, nil); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	if err := store.SetRunStatus(ctx, run.ID, runstore.PipelineSuccess, ""); err != nil {
		t.Fatalf("SetRunStatus: %v", err)
	}
	return store, run.ID
}

func TestBuildReportRendersStagesAndTests(t *testing.T) {
	t.Parallel()
	store, id := seedRun(t)

	out, err := BuildReport(context.Background(), store, id)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, want := range []string{
		"Pipeline ID : " + id,
		"Project     : api (ci)",
		"Commit      : deadbeef",
		"Status      : success",
		"Tests       : 7 passed, 1 failed, 0 errors, 2 skipped (10 total)",
		"[build]",
		"coverage=81.50%",
		"failed (allowed)",
		"reason : script_failure",
		"skipped: no rule matched",
		"- TestFlaky",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}

	build := strings.Index(out, "[build]")
	test := strings.Index(out, "[test]")
	deploy := strings.Index(out, "[deploy]")
	if build >= test || test >= deploy {
		t.Errorf("stages out of order:\n%s", out)
	}
	if strings.Index(out, "lint") > strings.Index(out, "unit ") {
		t.Errorf("jobs within a stage should be sorted by name:\n%s", out)
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()
	store, id := seedRun(t)

	out, err := BuildJSONReport(context.Background(), store, id)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var rep Report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.PipelineID != id || len(rep.Stages) != 3 {
		t.Fatalf("report = %+v", rep)
	}
	if got := rep.Stages[1].Jobs; len(got) != 2 || got[1].Tests == nil || got[1].Tests.Tests != 10 {
		t.Errorf("test stage jobs = %+v", got)
	}
}

func TestBuildReportUnknownRun(t *testing.T) {
	t.Parallel()
	store, _ := seedRun(t)

	if _, err := BuildReport(context.Background(), store, "missing"); err == nil {
		t.Fatal("expected error for unknown run")
	}
	if _, err := BuildReport(context.Background(), store, " "); err == nil {
		t.Fatal("expected error for empty id")
	}
}
