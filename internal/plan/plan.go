// Package plan turns a compiled pipeline and a trigger context into the set
// of jobs that will actually run, with resolved dependencies and variables.
package plan

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/mattjoyce/conduit/internal/pipeline"
	"github.com/mattjoyce/conduit/internal/rules"
	"github.com/mattjoyce/conduit/internal/trigger"
)

// ErrPipelineFiltered is returned when workflow rules decide that no
// pipeline should be created for the trigger.
var ErrPipelineFiltered = errors.New("pipeline filtered by workflow rules")

// Options tune plan creation.
type Options struct {
	// IgnoreWorkflow plans the jobs even when workflow rules would filter
	// the pipeline. Used by dry runs that want to show every job.
	IgnoreWorkflow bool
}

// Dependency is one resolved in-edge of a planned job.
type Dependency struct {
	Job       string `json:"job"`
	Artifacts bool   `json:"artifacts"`
	// Implicit edges come from stage ordering rather than `needs`.
	Implicit bool `json:"implicit,omitempty"`
}

// PlannedJob is a job selected to take part in the pipeline.
type PlannedJob struct {
	Job          *pipeline.Job         `json:"-"`
	Name         string                `json:"name"`
	Stage        string                `json:"stage"`
	When         rules.When            `json:"when"`
	Manual       bool                  `json:"manual,omitempty"`
	AllowFailure pipeline.AllowFailure `json:"allow_failure"`
	Dependencies []Dependency          `json:"dependencies"`
	// Variables is the job's set as seen at plan time, with CI_PROJECT_DIR
	// pointing at the project checkout. Attempts use Environment.
	Variables trigger.Variables `json:"-"`
	// RuleIndex is the matching rule, -1 when the job has no rules.
	RuleIndex int `json:"rule_index"`

	predefined trigger.Variables
	layers     []map[string]string
	literal    map[string]string
}

// Environment builds the job's variables for one attempt. runtime values
// (workspace paths, attempt number) join the predefined layer, so
// definition values such as "$CI_PROJECT_DIR/.cache" expand against the
// attempt's own workspace. Trigger variables are applied last, verbatim.
func (j *PlannedJob) Environment(runtime map[string]string) trigger.Variables {
	if j.predefined == nil {
		return j.Variables.Merge(runtime)
	}
	layers := append([]map[string]string{j.predefined.Merge(runtime)}, j.layers...)
	return trigger.Layer(layers...).Merge(j.literal)
}

// Blocking reports whether an unplayed manual job holds the pipeline.
func (j *PlannedJob) Blocking() bool {
	return j.Manual && !j.AllowFailure.Enabled
}

// SkippedJob records a job excluded at plan time.
type SkippedJob struct {
	Name   string `json:"name"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// Plan is the job graph for one trigger.
type Plan struct {
	Pipeline  *pipeline.Pipeline `json:"-"`
	Trigger   trigger.Context    `json:"trigger"`
	Workflow  string             `json:"workflow,omitempty"`
	Variables trigger.Variables  `json:"-"`
	Jobs      []*PlannedJob      `json:"jobs"`
	Skipped   []SkippedJob       `json:"skipped,omitempty"`

	byName map[string]*PlannedJob
}

// Job returns the named planned job.
func (p *Plan) Job(name string) (*PlannedJob, bool) {
	j, ok := p.byName[name]
	return j, ok
}

// Dependents returns the jobs that have name as a direct dependency.
func (p *Plan) Dependents(name string) []*PlannedJob {
	var out []*PlannedJob
	for _, j := range p.Jobs {
		for _, d := range j.Dependencies {
			if d.Job == name {
				out = append(out, j)
				break
			}
		}
	}
	return out
}

// Build evaluates workflow rules, then each job's rules, and resolves the
// dependency graph of the included jobs.
func Build(p *pipeline.Pipeline, tc trigger.Context, opts Options) (*Plan, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is nil")
	}
	if err := tc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trigger context: %w", err)
	}

	predefined := tc.Predefined()

	out := &Plan{
		Pipeline: p,
		Trigger:  tc,
		Workflow: p.WorkflowName,
		byName:   make(map[string]*PlannedJob, len(p.Jobs)),
	}

	var workflowVars map[string]string
	if wf := p.Workflow(); wf != nil {
		env := rules.Env{
			Vars:         trigger.Layer(predefined, p.Variables).Merge(tc.Variables),
			ChangedFiles: tc.ChangedFiles,
			ProjectDir:   tc.ProjectDir,
		}
		d := wf.Evaluate(env)
		switch {
		case !d.Matched && !opts.IgnoreWorkflow:
			return nil, fmt.Errorf("%w: no workflow rule matched", ErrPipelineFiltered)
		case d.Matched && d.When == rules.WhenNever && !opts.IgnoreWorkflow:
			return nil, fmt.Errorf("%w: workflow rules[%d] is never", ErrPipelineFiltered, d.Index)
		}
		workflowVars = d.Variables
		if out.Workflow != "" {
			out.Workflow = trigger.Layer(predefined, p.Variables, workflowVars).Expand(out.Workflow)
		}
	}
	out.Variables = trigger.Layer(predefined, p.Variables, workflowVars).Merge(tc.Variables)

	for _, job := range p.Jobs {
		pj, reason := planJob(job, tc, predefined, p.Variables, workflowVars)
		if pj == nil {
			out.Skipped = append(out.Skipped, SkippedJob{Name: job.Name, Stage: job.Stage, Reason: reason})
			continue
		}
		out.Jobs = append(out.Jobs, pj)
		out.byName[pj.Name] = pj
	}

	if err := out.resolveDependencies(); err != nil {
		return nil, err
	}
	return out, nil
}

func planJob(job *pipeline.Job, tc trigger.Context, predefined trigger.Variables, global, workflowVars map[string]string) (*PlannedJob, string) {
	jobPredefined := predefined.Merge(map[string]string{
		"CI_JOB_NAME":  job.Name,
		"CI_JOB_STAGE": job.Stage,
	})

	when := job.When
	if when == "" {
		when = rules.WhenOnSuccess
	}
	pj := &PlannedJob{
		Job:          job,
		Name:         job.Name,
		Stage:        job.Stage,
		When:         when,
		AllowFailure: job.AllowFailure,
		RuleIndex:    -1,
	}

	var ruleVars map[string]string
	if set := job.Rules(); set != nil {
		env := rules.Env{
			Vars:         trigger.Layer(jobPredefined, global, workflowVars, job.Variables).Merge(tc.Variables),
			ChangedFiles: tc.ChangedFiles,
			ProjectDir:   tc.ProjectDir,
		}
		d := set.Evaluate(env)
		switch d.Action(when) {
		case rules.ActionSkip:
			if !d.Matched {
				return nil, "no rule matched"
			}
			return nil, "rules[" + strconv.Itoa(d.Index) + "] is never"
		case rules.ActionManual:
			// Unlike job-level manual, a rule-level manual job blocks unless
			// allow_failure says otherwise.
			pj.When = rules.WhenManual
		default:
			if d.When != "" {
				pj.When = d.When
			}
		}
		if d.AllowFailure != nil {
			pj.AllowFailure.Enabled = *d.AllowFailure
			pj.AllowFailure.Explicit = true
		}
		pj.RuleIndex = d.Index
		ruleVars = d.Variables
	} else if when == rules.WhenManual && !job.AllowFailure.Explicit {
		pj.AllowFailure.Enabled = true
	}

	if pj.When == rules.WhenManual {
		pj.Manual = true
	}
	pj.predefined = jobPredefined
	pj.layers = []map[string]string{global, workflowVars, job.Variables, ruleVars}
	pj.literal = tc.Variables
	pj.Variables = pj.Environment(nil)
	return pj, ""
}

// resolveDependencies turns needs into edges between planned jobs and adds
// the stage barrier for jobs that declared none.
func (p *Plan) resolveDependencies() error {
	pl := p.Pipeline
	for _, j := range p.Jobs {
		j.Dependencies = []Dependency{}
		if j.Job.NeedsDeclared {
			for _, n := range j.Job.Needs {
				if _, ok := p.byName[n.Job]; ok {
					j.Dependencies = append(j.Dependencies, Dependency{Job: n.Job, Artifacts: n.Artifacts})
					continue
				}
				if n.Optional {
					continue
				}
				return fmt.Errorf("job %q needs %q, which is not in this pipeline", j.Name, n.Job)
			}
			continue
		}
		own := pl.StageIndex(j.Stage)
		for _, other := range p.Jobs {
			if pl.StageIndex(other.Stage) < own {
				j.Dependencies = append(j.Dependencies, Dependency{Job: other.Name, Artifacts: true, Implicit: true})
			}
		}
	}
	return nil
}

// Waves groups the jobs into dispatch levels: every job sits one level
// after its deepest dependency. Jobs inside a wave keep definition order.
func (p *Plan) Waves() [][]string {
	level := make(map[string]int, len(p.Jobs))
	var depth func(name string) int
	depth = func(name string) int {
		if l, ok := level[name]; ok {
			return l
		}
		level[name] = 0
		j := p.byName[name]
		deepest := 0
		for _, d := range j.Dependencies {
			if l := depth(d.Job) + 1; l > deepest {
				deepest = l
			}
		}
		level[name] = deepest
		return deepest
	}

	var waves [][]string
	for _, j := range p.Jobs {
		l := depth(j.Name)
		for len(waves) <= l {
			waves = append(waves, nil)
		}
		waves[l] = append(waves[l], j.Name)
	}
	return waves
}
