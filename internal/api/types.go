package api

import (
	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/trigger"
)

// TriggerRequest is the JSON body of POST /projects/{project}/pipelines and
// POST /projects/{project}/plan. Omitted refs default to the project's
// default branch.
type TriggerRequest struct {
	Source        trigger.Source        `json:"source,omitempty"`
	Branch        string                `json:"branch,omitempty"`
	Tag           string                `json:"tag,omitempty"`
	CommitSHA     string                `json:"commit_sha,omitempty"`
	CommitMessage string                `json:"commit_message,omitempty"`
	CommitAuthor  string                `json:"commit_author,omitempty"`
	MergeRequest  *trigger.MergeRequest `json:"merge_request,omitempty"`
	ChangedFiles  []string              `json:"changed_files,omitempty"`
	Variables     map[string]string     `json:"variables,omitempty"`

	// IgnoreWorkflow is honored by the plan endpoint only.
	IgnoreWorkflow bool `json:"ignore_workflow,omitempty"`
}

func (r TriggerRequest) context() trigger.Context {
	return trigger.Context{
		Source:        r.Source,
		Branch:        r.Branch,
		Tag:           r.Tag,
		CommitSHA:     r.CommitSHA,
		CommitMessage: r.CommitMessage,
		CommitAuthor:  r.CommitAuthor,
		MergeRequest:  r.MergeRequest,
		ChangedFiles:  r.ChangedFiles,
		Variables:     r.Variables,
	}
}

// TriggerResponse is returned when a pipeline was created, or filtered
// by workflow rules.
type TriggerResponse struct {
	PipelineID string                  `json:"pipeline_id,omitempty"`
	Status     runstore.PipelineStatus `json:"status"`
	Project    string                  `json:"project"`
	Ref        string                  `json:"ref,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
}

// PipelineResponse is returned by GET /pipelines/{id}.
type PipelineResponse struct {
	*runstore.Run
	Jobs []runstore.JobRun `json:"jobs"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Projects      int    `json:"projects"`
}

// statusFiltered marks a trigger that created no pipeline.
const statusFiltered runstore.PipelineStatus = "filtered"
