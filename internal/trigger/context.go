// Package trigger describes the event that starts a pipeline and the
// variables it exposes to rules and jobs.
package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Source is the kind of event that created a pipeline.
type Source string

const (
	SourcePush         Source = "push"
	SourceMergeRequest Source = "merge_request_event"
	SourceSchedule     Source = "schedule"
	SourceWeb          Source = "web"
	SourceAPI          Source = "api"
	SourceTrigger      Source = "trigger"
)

// Valid reports whether s is a known pipeline source.
func (s Source) Valid() bool {
	switch s {
	case SourcePush, SourceMergeRequest, SourceSchedule, SourceWeb, SourceAPI, SourceTrigger:
		return true
	}
	return false
}

// MergeRequest holds merge request metadata for merge_request_event pipelines.
type MergeRequest struct {
	IID          int      `json:"iid" yaml:"iid"`
	SourceBranch string   `json:"source_branch" yaml:"source_branch"`
	TargetBranch string   `json:"target_branch" yaml:"target_branch"`
	Title        string   `json:"title,omitempty" yaml:"title,omitempty"`
	Labels       []string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Context is the read-only description of one triggering event. It is built
// once per pipeline and never mutated by evaluation.
type Context struct {
	PipelineID    string            `json:"pipeline_id,omitempty"`
	Source        Source            `json:"source"`
	Branch        string            `json:"branch,omitempty"`
	Tag           string            `json:"tag,omitempty"`
	DefaultBranch string            `json:"default_branch,omitempty"`
	CommitSHA     string            `json:"commit_sha,omitempty"`
	CommitMessage string            `json:"commit_message,omitempty"`
	CommitAuthor  string            `json:"commit_author,omitempty"`
	ProjectName   string            `json:"project,omitempty"`
	ProjectDir    string            `json:"project_dir,omitempty"`
	MergeRequest  *MergeRequest     `json:"merge_request,omitempty"`
	ChangedFiles  []string          `json:"changed_files,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
}

var (
	ErrRefConflict = errors.New("branch and tag are mutually exclusive")
	ErrRefMissing  = errors.New("one of branch, tag or merge request is required")
)

// Validate checks the structural constraints of the context.
func (c Context) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	if !c.Source.Valid() {
		return fmt.Errorf("unknown pipeline source %q", c.Source)
	}
	if c.Branch != "" && c.Tag != "" {
		return ErrRefConflict
	}
	if c.Branch == "" && c.Tag == "" && c.MergeRequest == nil {
		return ErrRefMissing
	}
	if c.Source == SourceMergeRequest && c.MergeRequest == nil {
		return fmt.Errorf("merge_request_event pipelines need merge request metadata")
	}
	return nil
}

// Ref is the branch or tag the pipeline runs for.
func (c Context) Ref() string {
	switch {
	case c.Tag != "":
		return c.Tag
	case c.Branch != "":
		return c.Branch
	case c.MergeRequest != nil:
		return c.MergeRequest.SourceBranch
	}
	return ""
}

// Predefined returns the CI_* variables derived from the context. Unset
// values are omitted so that `$CI_COMMIT_TAG == null` holds on branches.
func (c Context) Predefined() Variables {
	v := Variables{
		"CI":                 "true",
		"CI_PIPELINE_SOURCE": string(c.Source),
	}
	set := func(k, val string) {
		if val != "" {
			v[k] = val
		}
	}
	set("CI_PIPELINE_ID", c.PipelineID)
	set("CI_DEFAULT_BRANCH", c.DefaultBranch)
	set("CI_COMMIT_SHA", c.CommitSHA)
	if len(c.CommitSHA) >= 8 {
		v["CI_COMMIT_SHORT_SHA"] = c.CommitSHA[:8]
	} else {
		set("CI_COMMIT_SHORT_SHA", c.CommitSHA)
	}
	set("CI_COMMIT_MESSAGE", c.CommitMessage)
	if c.CommitMessage != "" {
		title, _, _ := strings.Cut(c.CommitMessage, "\n")
		v["CI_COMMIT_TITLE"] = title
	}
	set("CI_COMMIT_AUTHOR", c.CommitAuthor)
	set("CI_PROJECT_NAME", c.ProjectName)
	set("CI_PROJECT_DIR", c.ProjectDir)

	// Merge request pipelines run detached from the branch, so
	// CI_COMMIT_BRANCH stays unset there.
	if c.Source != SourceMergeRequest {
		set("CI_COMMIT_BRANCH", c.Branch)
	}
	set("CI_COMMIT_TAG", c.Tag)
	if ref := c.Ref(); ref != "" {
		v["CI_COMMIT_REF_NAME"] = ref
		v["CI_COMMIT_REF_SLUG"] = RefSlug(ref)
	}

	if mr := c.MergeRequest; mr != nil {
		if mr.IID > 0 {
			v["CI_MERGE_REQUEST_IID"] = strconv.Itoa(mr.IID)
		}
		set("CI_MERGE_REQUEST_SOURCE_BRANCH_NAME", mr.SourceBranch)
		set("CI_MERGE_REQUEST_TARGET_BRANCH_NAME", mr.TargetBranch)
		set("CI_MERGE_REQUEST_TITLE", mr.Title)
		if len(mr.Labels) > 0 {
			v["CI_MERGE_REQUEST_LABELS"] = strings.Join(mr.Labels, ",")
		}
	}
	return v
}

// RefSlug lowercases ref, replaces everything outside [a-z0-9] with '-',
// trims leading and trailing dashes and caps the result at 63 bytes.
func RefSlug(ref string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ref) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	slug := b.String()
	if len(slug) > 63 {
		slug = slug[:63]
	}
	return strings.Trim(slug, "-")
}
