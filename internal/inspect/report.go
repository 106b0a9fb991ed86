// Package inspect renders stored pipeline runs for the terminal.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/conduit/internal/report"
	"github.com/mattjoyce/conduit/internal/runstore"
)

// Source reads stored runs. *runstore.Store implements it.
type Source interface {
	GetRun(ctx context.Context, id string) (*runstore.Run, error)
	ListJobs(ctx context.Context, runID string) ([]runstore.JobRun, error)
	ListReports(ctx context.Context, runID string) ([]runstore.StoredReport, error)
}

var _ Source = (*runstore.Store)(nil)

// Report is the structured JSON representation of a run report.
type Report struct {
	PipelineID string                  `json:"pipeline_id"`
	Project    string                  `json:"project"`
	Pipeline   string                  `json:"pipeline"`
	Ref        string                  `json:"ref"`
	Source     string                  `json:"source"`
	CommitSHA  string                  `json:"commit_sha,omitempty"`
	Status     runstore.PipelineStatus `json:"status"`
	CreatedAt  time.Time               `json:"created_at"`
	Duration   string                  `json:"duration,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Stages     []Stage                 `json:"stages"`
	Tests      *report.TestSummary     `json:"tests,omitempty"`
}

// Stage groups the jobs of one stage in pipeline order.
type Stage struct {
	Name string `json:"name"`
	Jobs []Job  `json:"jobs"`
}

// Job is one row of the job table.
type Job struct {
	Name           string              `json:"name"`
	Status         runstore.JobStatus  `json:"status"`
	Attempts       int                 `json:"attempts"`
	AllowedFailure bool                `json:"allowed_failure,omitempty"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	SkipReason     string              `json:"skip_reason,omitempty"`
	Coverage       *float64            `json:"coverage,omitempty"`
	Duration       string              `json:"duration,omitempty"`
	Tests          *report.TestSummary `json:"tests,omitempty"`
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, src Source, runID string) (string, error) {
	rep, err := gatherReportData(ctx, src, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Pipeline Report\n")
	fmt.Fprintf(&out, "Pipeline ID : %s\n", rep.PipelineID)
	fmt.Fprintf(&out, "Project     : %s (%s)\n", rep.Project, rep.Pipeline)
	fmt.Fprintf(&out, "Ref         : %s\n", rep.Ref)
	fmt.Fprintf(&out, "Source      : %s\n", rep.Source)
	fmt.Fprintf(&out, "Commit      : %s\n", renderUnset(rep.CommitSHA, "<none>"))
	fmt.Fprintf(&out, "Status      : %s\n", rep.Status)
	fmt.Fprintf(&out, "Created     : %s\n", rep.CreatedAt.Format(time.RFC3339))
	if rep.Duration != "" {
		fmt.Fprintf(&out, "Duration    : %s\n", rep.Duration)
	}
	if rep.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", rep.Error)
	}
	if rep.Tests != nil {
		fmt.Fprintf(&out, "Tests       : %s\n", testLine(rep.Tests))
	}
	fmt.Fprintf(&out, "\n")

	for _, stage := range rep.Stages {
		fmt.Fprintf(&out, "[%s]\n", stage.Name)
		for _, j := range stage.Jobs {
			status := string(j.Status)
			if j.AllowedFailure {
				status += " (allowed)"
			}
			fmt.Fprintf(&out, "  %-24s %-18s attempts=%d", j.Name, status, j.Attempts)
			if j.Duration != "" {
				fmt.Fprintf(&out, " time=%s", j.Duration)
			}
			if j.Coverage != nil {
				fmt.Fprintf(&out, " coverage=%.2f%%", *j.Coverage)
			}
			fmt.Fprintf(&out, "\n")
			if j.FailureReason != "" {
				fmt.Fprintf(&out, "    reason : %s\n", j.FailureReason)
			}
			if j.SkipReason != "" {
				fmt.Fprintf(&out, "    skipped: %s\n", j.SkipReason)
			}
			if j.Tests != nil {
				fmt.Fprintf(&out, "    tests  : %s\n", testLine(j.Tests))
				for _, name := range j.Tests.Failed {
					fmt.Fprintf(&out, "      - %s\n", name)
				}
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, src Source, runID string) (string, error) {
	rep, err := gatherReportData(ctx, src, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("pipeline id is required")
	}

	run, err := src.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline %q: %w", runID, err)
	}
	jobs, err := src.ListJobs(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	stored, err := src.ListReports(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}

	rep := &Report{
		PipelineID: run.ID,
		Project:    run.Project,
		Pipeline:   run.PipelineName,
		Ref:        run.Ref,
		Source:     run.Source,
		CommitSHA:  run.CommitSHA,
		Status:     run.Status,
		CreatedAt:  run.CreatedAt,
		Duration:   duration(run.StartedAt, run.FinishedAt),
		Stages:     make([]Stage, 0),
	}
	if run.Error != nil {
		rep.Error = *run.Error
	}

	tests := make(map[string]*report.TestSummary)
	for _, sr := range stored {
		if sr.Kind != string(report.KindJUnit) {
			continue
		}
		var ts report.TestSummary
		if err := json.Unmarshal(sr.Data, &ts); err != nil {
			continue
		}
		tests[sr.Job] = &ts
		rep.Tests = addTests(rep.Tests, &ts)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].StageIndex != jobs[j].StageIndex {
			return jobs[i].StageIndex < jobs[j].StageIndex
		}
		return jobs[i].Name < jobs[j].Name
	})
	for _, j := range jobs {
		if len(rep.Stages) == 0 || rep.Stages[len(rep.Stages)-1].Name != j.Stage {
			rep.Stages = append(rep.Stages, Stage{Name: j.Stage})
		}
		stage := &rep.Stages[len(rep.Stages)-1]
		stage.Jobs = append(stage.Jobs, Job{
			Name:           j.Name,
			Status:         j.Status,
			Attempts:       j.Attempts,
			AllowedFailure: j.AllowedFailure,
			FailureReason:  j.FailureReason,
			SkipReason:     j.SkipReason,
			Coverage:       j.Coverage,
			Duration:       duration(j.StartedAt, j.FinishedAt),
			Tests:          tests[j.Name],
		})
	}

	return rep, nil
}

func addTests(total, ts *report.TestSummary) *report.TestSummary {
	if total == nil {
		total = &report.TestSummary{}
	}
	total.Tests += ts.Tests
	total.Failures += ts.Failures
	total.Errors += ts.Errors
	total.Skipped += ts.Skipped
	total.Time += ts.Time
	return total
}

func testLine(ts *report.TestSummary) string {
	passed := ts.Tests - ts.Failures - ts.Errors - ts.Skipped
	return fmt.Sprintf("%d passed, %d failed, %d errors, %d skipped (%d total)",
		passed, ts.Failures, ts.Errors, ts.Skipped, ts.Tests)
}

func duration(start, end *time.Time) string {
	if start == nil || end == nil {
		return ""
	}
	return end.Sub(*start).Round(time.Millisecond).String()
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
