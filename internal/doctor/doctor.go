// Package doctor lints configuration and pipeline definitions beyond the
// hard validation done at load time.
package doctor

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/pipeline"
	"github.com/mattjoyce/conduit/internal/rules"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a loaded configuration and the definitions it names.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate loads every project definition and runs all checks.
func (d *Doctor) Validate() *Result {
	r := &Result{}

	d.warnDeprecatedSyntax(r)

	names := make([]string, 0, len(d.cfg.Projects))
	for name := range d.cfg.Projects {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := d.cfg.Projects[name]
		field := fmt.Sprintf("projects.%s", name)
		spec, err := pipeline.ReadSpec(pc.Definition)
		if err != nil {
			addError(r, "definition", field, err.Error())
			continue
		}
		p, err := pipeline.Compile(name, spec)
		if err != nil {
			addError(r, "definition", field, err.Error())
			continue
		}
		for _, issue := range Lint(spec, p) {
			issue.Field = joinField(field, issue.Field)
			r.Warnings = append(r.Warnings, issue)
		}
		d.warnUnroutableJobs(r, field, p)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func joinField(prefix, field string) string {
	if field == "" {
		return prefix
	}
	return prefix + "." + field
}

func addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// warnUnroutableJobs flags jobs whose tags no configured agent carries.
// Such jobs fail with runner_unsupported every time they are reached.
func (d *Doctor) warnUnroutableJobs(r *Result, field string, p *pipeline.Pipeline) {
	agents := d.cfg.Agents
	if len(agents) == 0 {
		agents = []config.AgentConfig{config.DefaultAgent()}
	}
	for _, job := range p.Jobs {
		if len(job.Tags) == 0 {
			continue
		}
		routable := slices.ContainsFunc(agents, func(a config.AgentConfig) bool {
			for _, t := range job.Tags {
				if !slices.Contains(a.Tags, t) {
					return false
				}
			}
			return true
		})
		if !routable {
			addWarning(r, "agents", joinField(field, "jobs."+job.Name+".tags"),
				fmt.Sprintf("no agent carries every tag of %v", job.Tags))
		}
	}
}

// Lint returns warnings for a parsed definition and its compiled form. The
// raw spec is needed where compilation fills in defaults.
func Lint(spec *pipeline.FileSpec, p *pipeline.Pipeline) []Issue {
	var out []Issue
	warn := func(category, field, format string, args ...any) {
		out = append(out, Issue{Category: category, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	used := make(map[string]bool)
	for _, job := range p.Jobs {
		used[job.Stage] = true
	}
	if len(spec.Stages) > 0 {
		for _, stage := range p.Stages {
			if stage == ".pre" || stage == ".post" || used[stage] {
				continue
			}
			warn("stages", "stages", "stage %q has no jobs", stage)
		}
	}

	defaultExpire := spec.Default != nil && spec.Default.Artifacts != nil && spec.Default.Artifacts.ExpireIn != ""

	for _, job := range p.Jobs {
		field := "jobs." + job.Name
		js := spec.Jobs[job.Name]

		if blocksPipeline(job) {
			warn("manual", field, "manual job blocks the pipeline until played; set allow_failure: true to make it optional")
		}

		if job.Artifacts.Publishes() && !defaultExpire && (js == nil || js.Artifacts == nil || js.Artifacts.ExpireIn == "") {
			warn("artifacts", field+".artifacts", "artifacts have no expire_in; they are kept for %s", pipeline.DefaultExpireIn)
		}

		for _, need := range job.Needs {
			if !need.Artifacts {
				continue
			}
			target, ok := p.Job(need.Job)
			if !ok || target.Artifacts.Publishes() {
				continue
			}
			warn("needs", field+".needs", "needs artifacts from %q, which publishes none", need.Job)
		}

		for i, c := range job.Caches {
			if c.Key == "" && len(c.KeyFiles) == 0 {
				warn("cache", fmt.Sprintf("%s.cache[%d]", field, i), "cache has no key; every job and ref shares the default key")
			}
		}

		if msg := retryProblem(job.Retry); msg != "" {
			warn("retry", field+".retry", "%s", msg)
		}
	}
	return out
}

// blocksPipeline reports whether any path to running job as manual leaves
// the pipeline blocked until someone plays it.
func blocksPipeline(job *pipeline.Job) bool {
	if len(job.RuleList) == 0 {
		return job.When == rules.WhenManual && job.AllowFailure.Explicit && !job.AllowFailure.Enabled
	}
	for _, rule := range job.RuleList {
		when := rule.When
		if when == "" {
			when = job.When
		}
		if when != rules.WhenManual {
			continue
		}
		if rule.AllowFailure != nil {
			if !*rule.AllowFailure {
				return true
			}
			continue
		}
		if !job.AllowFailure.Enabled {
			return true
		}
	}
	return false
}

// unretried lists failure reasons that never lead to a retry: the executor
// never reports the first two and a missing agent does not come back.
var unretried = []pipeline.FailureReason{
	pipeline.FailureStuckOrTimeout,
	pipeline.FailureUnmetPrerequisites,
	pipeline.FailureRunnerUnsupported,
}

func retryProblem(r pipeline.RetryPolicy) string {
	if len(r.When) == 0 {
		return ""
	}
	if r.Max == 0 {
		return "retry.when is set but retry.max is 0"
	}
	for _, w := range r.When {
		if !slices.Contains(unretried, w) {
			return ""
		}
	}
	return fmt.Sprintf("retry.when %v can never match a retryable failure", r.When)
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
