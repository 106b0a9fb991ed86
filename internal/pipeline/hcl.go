package pipeline

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/mattjoyce/conduit/internal/rules"
)

// hclFile is the HCL schema of a definition:
//
//	stages    = ["build", "test"]
//	variables = { IMAGE = "app" }
//	job "unit" {
//	  stage  = "test"
//	  script = ["make test"]
//	  need { job = "build" }
//	}
type hclFile struct {
	Stages    []string          `hcl:"stages,optional"`
	Variables map[string]string `hcl:"variables,optional"`
	Workflow  *hclWorkflow      `hcl:"workflow,block"`
	Default   *hclDefault       `hcl:"default,block"`
	Jobs      []hclJob          `hcl:"job,block"`
}

type hclWorkflow struct {
	Name  string    `hcl:"name,optional"`
	Rules []hclRule `hcl:"rule,block"`
}

type hclRule struct {
	If           string            `hcl:"if,optional"`
	When         string            `hcl:"when,optional"`
	Changes      []string          `hcl:"changes,optional"`
	Exists       []string          `hcl:"exists,optional"`
	AllowFailure *bool             `hcl:"allow_failure,optional"`
	Variables    map[string]string `hcl:"variables,optional"`
}

type hclRetry struct {
	Max  int      `hcl:"max"`
	When []string `hcl:"when,optional"`
}

type hclNeed struct {
	Job       string `hcl:"job"`
	Artifacts *bool  `hcl:"artifacts,optional"`
	Optional  bool   `hcl:"optional,optional"`
}

type hclReports struct {
	JUnit          []string `hcl:"junit,optional"`
	CoverageFormat string   `hcl:"coverage_format,optional"`
	CoveragePath   string   `hcl:"coverage_path,optional"`
}

type hclArtifacts struct {
	Name     string      `hcl:"name,optional"`
	Paths    []string    `hcl:"paths,optional"`
	Exclude  []string    `hcl:"exclude,optional"`
	ExpireIn string      `hcl:"expire_in,optional"`
	When     string      `hcl:"when,optional"`
	Reports  *hclReports `hcl:"reports,block"`
}

type hclCache struct {
	Key          string   `hcl:"key,optional"`
	KeyFiles     []string `hcl:"key_files,optional"`
	KeyPrefix    string   `hcl:"key_prefix,optional"`
	Paths        []string `hcl:"paths"`
	Policy       string   `hcl:"policy,optional"`
	When         string   `hcl:"when,optional"`
	FallbackKeys []string `hcl:"fallback_keys,optional"`
}

type hclDefault struct {
	Image         string        `hcl:"image,optional"`
	Tags          []string      `hcl:"tags,optional"`
	BeforeScript  []string      `hcl:"before_script,optional"`
	AfterScript   []string      `hcl:"after_script,optional"`
	Interruptible *bool         `hcl:"interruptible,optional"`
	Timeout       string        `hcl:"timeout,optional"`
	Retry         *hclRetry     `hcl:"retry,block"`
	Artifacts     *hclArtifacts `hcl:"artifacts,block"`
	Caches        []hclCache    `hcl:"cache,block"`
}

type hclJob struct {
	Name                  string            `hcl:"name,label"`
	Stage                 string            `hcl:"stage,optional"`
	Image                 string            `hcl:"image,optional"`
	Tags                  []string          `hcl:"tags,optional"`
	BeforeScript          []string          `hcl:"before_script,optional"`
	Script                []string          `hcl:"script"`
	AfterScript           []string          `hcl:"after_script,optional"`
	Variables             map[string]string `hcl:"variables,optional"`
	When                  string            `hcl:"when,optional"`
	AllowFailure          *bool             `hcl:"allow_failure,optional"`
	AllowFailureExitCodes []int             `hcl:"allow_failure_exit_codes,optional"`
	Coverage              string            `hcl:"coverage,optional"`
	Interruptible         *bool             `hcl:"interruptible,optional"`
	Timeout               string            `hcl:"timeout,optional"`
	// Needs distinguishes `needs = []` (no dependencies) from absence.
	Needs     *[]string     `hcl:"needs,optional"`
	NeedList  []hclNeed     `hcl:"need,block"`
	Rules     []hclRule     `hcl:"rule,block"`
	Retry     *hclRetry     `hcl:"retry,block"`
	Artifacts *hclArtifacts `hcl:"artifacts,block"`
	Caches    []hclCache    `hcl:"cache,block"`
}

// ParseHCL decodes an HCL definition. environ (KEY=VALUE pairs) is exposed
// to expressions as `env.KEY`.
func ParseHCL(filename string, src []byte, environ []string) (*FileSpec, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %s", filename, diags.Error())
	}

	var raw hclFile
	diags = gohcl.DecodeBody(file.Body, hclEvalContext(environ), &raw)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %s", filename, diags.Error())
	}
	return raw.toFileSpec()
}

func hclEvalContext(environ []string) *hcl.EvalContext {
	env := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
	}
}

func (f hclFile) toFileSpec() (*FileSpec, error) {
	spec := &FileSpec{
		Stages:    f.Stages,
		Variables: f.Variables,
		Jobs:      make(map[string]*JobSpec, len(f.Jobs)),
	}
	if f.Workflow != nil {
		spec.Workflow = &WorkflowSpec{Name: f.Workflow.Name, Rules: convertHCLRules(f.Workflow.Rules)}
	}
	if d := f.Default; d != nil {
		spec.Default = &DefaultSpec{
			Tags:          d.Tags,
			BeforeScript:  d.BeforeScript,
			AfterScript:   d.AfterScript,
			Interruptible: d.Interruptible,
			Timeout:       d.Timeout,
			Retry:         convertHCLRetry(d.Retry),
			Artifacts:     convertHCLArtifacts(d.Artifacts),
			Cache:         convertHCLCaches(d.Caches),
		}
		if d.Image != "" {
			spec.Default.Image = &ImageSpec{Name: d.Image}
		}
	}

	for _, j := range f.Jobs {
		if _, dup := spec.Jobs[j.Name]; dup {
			return nil, fmt.Errorf("duplicate job %q", j.Name)
		}
		if strings.HasPrefix(j.Name, ".") {
			continue
		}
		job := &JobSpec{
			Stage:         j.Stage,
			Tags:          j.Tags,
			BeforeScript:  j.BeforeScript,
			Script:        j.Script,
			AfterScript:   j.AfterScript,
			Variables:     j.Variables,
			Rules:         convertHCLRules(j.Rules),
			When:          rules.When(j.When),
			Coverage:      j.Coverage,
			Interruptible: j.Interruptible,
			Timeout:       j.Timeout,
			Retry:         convertHCLRetry(j.Retry),
			Artifacts:     convertHCLArtifacts(j.Artifacts),
			Cache:         convertHCLCaches(j.Caches),
		}
		if j.Image != "" {
			job.Image = &ImageSpec{Name: j.Image}
		}
		switch {
		case len(j.AllowFailureExitCodes) > 0:
			job.AllowFailure = &AllowFailureSpec{Enabled: true, ExitCodes: j.AllowFailureExitCodes}
		case j.AllowFailure != nil:
			job.AllowFailure = &AllowFailureSpec{Enabled: *j.AllowFailure}
		}
		if j.Needs != nil || len(j.NeedList) > 0 {
			needs := []NeedSpec{}
			if j.Needs != nil {
				for _, n := range *j.Needs {
					needs = append(needs, NeedSpec{Job: n})
				}
			}
			for _, n := range j.NeedList {
				needs = append(needs, NeedSpec{Job: n.Job, Artifacts: n.Artifacts, Optional: n.Optional})
			}
			job.Needs = &needs
		}
		spec.Jobs[j.Name] = job
		spec.JobOrder = append(spec.JobOrder, j.Name)
	}
	return spec, nil
}

func convertHCLRules(in []hclRule) []rules.Rule {
	if len(in) == 0 {
		return nil
	}
	out := make([]rules.Rule, 0, len(in))
	for _, r := range in {
		out = append(out, rules.Rule{
			If:           r.If,
			When:         rules.When(r.When),
			Changes:      r.Changes,
			Exists:       r.Exists,
			AllowFailure: r.AllowFailure,
			Variables:    r.Variables,
		})
	}
	return out
}

func convertHCLRetry(r *hclRetry) *RetrySpec {
	if r == nil {
		return nil
	}
	return &RetrySpec{Max: r.Max, When: r.When}
}

func convertHCLArtifacts(a *hclArtifacts) *ArtifactsSpec {
	if a == nil {
		return nil
	}
	out := &ArtifactsSpec{
		Name:     a.Name,
		Paths:    a.Paths,
		Exclude:  a.Exclude,
		ExpireIn: a.ExpireIn,
		When:     a.When,
	}
	if r := a.Reports; r != nil {
		out.Reports = &ReportsSpec{JUnit: r.JUnit}
		if r.CoveragePath != "" {
			out.Reports.CoverageReport = &CoverageReportSpec{CoverageFormat: r.CoverageFormat, Path: r.CoveragePath}
		}
	}
	return out
}

func convertHCLCaches(in []hclCache) CacheList {
	if len(in) == 0 {
		return nil
	}
	out := make(CacheList, 0, len(in))
	for _, c := range in {
		out = append(out, CacheSpec{
			Key:          CacheKeySpec{Value: c.Key, Files: c.KeyFiles, Prefix: c.KeyPrefix},
			Paths:        c.Paths,
			Policy:       c.Policy,
			When:         c.When,
			FallbackKeys: c.FallbackKeys,
		})
	}
	return out
}
