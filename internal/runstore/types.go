package runstore

import (
	"encoding/json"
	"errors"
	"time"
)

// PipelineStatus is the state of one pipeline run.
type PipelineStatus string

const (
	PipelineCreated  PipelineStatus = "created"
	PipelineRunning  PipelineStatus = "running"
	PipelineSuccess  PipelineStatus = "success"
	PipelineFailed   PipelineStatus = "failed"
	PipelineCanceled PipelineStatus = "canceled"
	// PipelineBlocked waits on a blocking manual job.
	PipelineBlocked PipelineStatus = "blocked"
	// PipelineSkipped means no job ran.
	PipelineSkipped PipelineStatus = "skipped"
)

// Terminal reports whether the run can no longer change without a play.
func (s PipelineStatus) Terminal() bool {
	switch s {
	case PipelineSuccess, PipelineFailed, PipelineCanceled, PipelineSkipped:
		return true
	}
	return false
}

// JobStatus is the state of one job in a run.
type JobStatus string

const (
	JobCreated  JobStatus = "created"
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobSuccess  JobStatus = "success"
	JobFailed   JobStatus = "failed"
	JobSkipped  JobStatus = "skipped"
	JobManual   JobStatus = "manual"
	JobCanceled JobStatus = "canceled"
)

// Terminal reports whether the job reached a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobSkipped, JobCanceled:
		return true
	}
	return false
}

var (
	ErrRunNotFound = errors.New("pipeline run not found")
	ErrJobNotFound = errors.New("job not found")
)

// Run is a stored pipeline run.
type Run struct {
	ID           string          `json:"id"`
	Project      string          `json:"project"`
	PipelineName string          `json:"pipeline_name"`
	Fingerprint  string          `json:"fingerprint"`
	Ref          string          `json:"ref"`
	Source       string          `json:"source"`
	CommitSHA    string          `json:"commit_sha,omitempty"`
	Status       PipelineStatus  `json:"status"`
	Trigger      json.RawMessage `json:"trigger"`
	Plan         json.RawMessage `json:"plan,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Error        *string         `json:"error,omitempty"`
}

// JobRun is the latest state of one job in a run.
type JobRun struct {
	RunID          string     `json:"run_id"`
	Name           string     `json:"name"`
	Stage          string     `json:"stage"`
	StageIndex     int        `json:"stage_index"`
	Status         JobStatus  `json:"status"`
	When           string     `json:"when"`
	AllowFailure   bool       `json:"allow_failure"`
	AllowedFailure bool       `json:"allowed_failure"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	Attempts       int        `json:"attempts"`
	Coverage       *float64   `json:"coverage,omitempty"`
	SkipReason     string     `json:"skip_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Attempt is one execution of a job.
type Attempt struct {
	ID            string     `json:"id"`
	RunID         string     `json:"run_id"`
	Job           string     `json:"job"`
	Attempt       int        `json:"attempt"`
	Agent         string     `json:"agent"`
	Status        JobStatus  `json:"status"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Output        string     `json:"output,omitempty"`
	Truncated     bool       `json:"truncated,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// StoredReport is a parsed job report.
type StoredReport struct {
	RunID     string          `json:"run_id"`
	Job       string          `json:"job"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	ExpireAt  *time.Time      `json:"expire_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewRun describes a run to create together with its jobs.
type NewRun struct {
	Project      string
	PipelineName string
	Fingerprint  string
	Ref          string
	Source       string
	CommitSHA    string
	Trigger      any
	Plan         any
	Status       PipelineStatus
	Jobs         []NewJob
}

// NewJob is the initial row of one planned or skipped job.
type NewJob struct {
	Name         string
	Stage        string
	StageIndex   int
	Status       JobStatus
	When         string
	AllowFailure bool
	SkipReason   string
}

// JobUpdate is a job state transition.
type JobUpdate struct {
	Status         JobStatus
	FailureReason  string
	AllowedFailure bool
	Attempts       int
	Coverage       *float64
}

// AttemptStart opens an attempt row.
type AttemptStart struct {
	RunID   string
	Job     string
	Attempt int
	Agent   string
}

// AttemptResult closes an attempt row.
type AttemptResult struct {
	Status        JobStatus
	ExitCode      *int
	FailureReason string
	Output        string
	Truncated     bool
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Project string
	Ref     string
	Status  []PipelineStatus
	Limit   int
}
