package pipeline

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/conduit/internal/rules"
)

// Compile validates spec and produces an immutable Pipeline.
func Compile(name string, spec *FileSpec) (*Pipeline, error) {
	if spec == nil {
		return nil, &ValidationError{Msg: "definition is empty"}
	}
	if len(spec.JobOrder) == 0 {
		return nil, &ValidationError{Msg: "definition declares no jobs"}
	}

	stages, err := normalizeStages(spec.Stages)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		Name:      name,
		Stages:    stages,
		Variables: copyMap(spec.Variables),
		byName:    make(map[string]*Job, len(spec.JobOrder)),
		stageIdx:  make(map[string]int, len(stages)),
	}
	for i, s := range stages {
		p.stageIdx[s] = i
	}

	if spec.Workflow != nil {
		p.WorkflowName = spec.Workflow.Name
		p.WorkflowRules = spec.Workflow.Rules
		for i, r := range spec.Workflow.Rules {
			switch r.When {
			case "", rules.WhenAlways, rules.WhenNever:
			default:
				return nil, &ValidationError{Field: fmt.Sprintf("workflow.rules[%d].when", i), Msg: fmt.Sprintf("must be always or never, got %q", r.When)}
			}
		}
		wf, err := rules.Compile(spec.Workflow.Rules)
		if err != nil {
			return nil, &ValidationError{Field: "workflow", Msg: err.Error()}
		}
		if wf.Len() > 0 {
			p.workflow = wf
		}
	}

	defaults := spec.Default
	if defaults == nil {
		defaults = &DefaultSpec{}
	}

	b := compileBuilder{pipeline: p, defaults: defaults}
	for _, jobName := range spec.JobOrder {
		job, err := b.compileJob(jobName, spec.Jobs[jobName])
		if err != nil {
			return nil, err
		}
		p.Jobs = append(p.Jobs, job)
		p.byName[jobName] = job
	}

	if err := validateNeeds(p); err != nil {
		return nil, err
	}
	if err := validateNeedsDAG(p); err != nil {
		return nil, err
	}

	fingerprint, err := fingerprintPipeline(p)
	if err != nil {
		return nil, err
	}
	p.Fingerprint = fingerprint
	return p, nil
}

func normalizeStages(in []string) ([]string, error) {
	if len(in) == 0 {
		return append([]string(nil), DefaultStages...), nil
	}
	seen := make(map[string]struct{}, len(in)+2)
	out := []string{".pre"}
	seen[".pre"] = struct{}{}
	seen[".post"] = struct{}{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, &ValidationError{Field: "stages", Msg: "stage name is empty"}
		}
		if s == ".pre" || s == ".post" {
			continue
		}
		if _, dup := seen[s]; dup {
			return nil, &ValidationError{Field: "stages", Msg: fmt.Sprintf("duplicate stage %q", s)}
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return append(out, ".post"), nil
}

type compileBuilder struct {
	pipeline *Pipeline
	defaults *DefaultSpec
}

func (b *compileBuilder) compileJob(name string, spec *JobSpec) (*Job, error) {
	verr := func(field, format string, args ...any) error {
		return &ValidationError{Job: name, Field: field, Msg: fmt.Sprintf(format, args...)}
	}
	if spec == nil {
		return nil, verr("", "job body is empty")
	}
	if strings.TrimSpace(name) == "" {
		return nil, verr("", "job name is empty")
	}
	switch {
	case spec.Extends != nil:
		return nil, verr("extends", "not supported; use YAML anchors")
	case spec.Trigger != nil:
		return nil, verr("trigger", "child pipelines are not supported")
	case spec.Parallel != nil:
		return nil, verr("parallel", "not supported")
	}

	d := b.defaults
	job := &Job{
		Name:          name,
		Stage:         spec.Stage,
		Tags:          pickList(spec.Tags, d.Tags),
		BeforeScript:  pickList(spec.BeforeScript, d.BeforeScript),
		Script:        spec.Script,
		AfterScript:   pickList(spec.AfterScript, d.AfterScript),
		Variables:     copyMap(spec.Variables),
		RuleList:      spec.Rules,
		When:          spec.When,
		Interruptible: derefBool(spec.Interruptible, derefBool(d.Interruptible, false)),
	}
	if job.Stage == "" {
		job.Stage = DefaultStage
	}
	if b.pipeline.StageIndex(job.Stage) < 0 {
		return nil, verr("stage", "unknown stage %q", job.Stage)
	}
	if len(job.Script) == 0 {
		return nil, verr("script", "must be non-empty")
	}

	if img := pickImage(spec.Image, d.Image); img != nil {
		job.Image = img.Name
		job.Entrypoint = img.Entrypoint
	}

	if !job.When.Valid() || job.When == rules.WhenNever {
		return nil, verr("when", "invalid value %q", job.When)
	}
	set, err := rules.Compile(spec.Rules)
	if err != nil {
		return nil, verr("rules", "%v", err)
	}
	if set.Len() > 0 {
		job.rules = set
	}

	if af := spec.AllowFailure; af != nil {
		job.AllowFailure = AllowFailure{Enabled: af.Enabled, Explicit: true, ExitCodes: af.ExitCodes}
	}

	retry := spec.Retry
	if retry == nil {
		retry = d.Retry
	}
	if retry != nil {
		policy, err := compileRetry(retry)
		if err != nil {
			return nil, verr("retry", "%v", err)
		}
		job.Retry = policy
	}

	if spec.Needs != nil {
		job.NeedsDeclared = true
		seen := make(map[string]struct{}, len(*spec.Needs))
		for i, n := range *spec.Needs {
			target := strings.TrimSpace(n.Job)
			if target == "" {
				return nil, verr(fmt.Sprintf("needs[%d]", i), "job is required")
			}
			if target == name {
				return nil, verr(fmt.Sprintf("needs[%d]", i), "a job cannot need itself")
			}
			if _, dup := seen[target]; dup {
				return nil, verr(fmt.Sprintf("needs[%d]", i), "duplicate need %q", target)
			}
			seen[target] = struct{}{}
			job.Needs = append(job.Needs, Need{Job: target, Artifacts: derefBool(n.Artifacts, true), Optional: n.Optional})
		}
	}

	timeout := spec.Timeout
	if timeout == "" {
		timeout = d.Timeout
	}
	if timeout != "" {
		job.Timeout, err = ParseHumanDuration(timeout)
		if err != nil {
			return nil, verr("timeout", "%v", err)
		}
	}

	arts := spec.Artifacts
	if arts == nil {
		arts = d.Artifacts
	}
	if arts != nil {
		job.Artifacts, err = compileArtifacts(arts)
		if err != nil {
			return nil, verr("artifacts", "%v", err)
		}
	}

	caches := spec.Cache
	if caches == nil {
		caches = d.Cache
	}
	for i, c := range caches {
		cache, err := compileCache(c)
		if err != nil {
			return nil, verr(fmt.Sprintf("cache[%d]", i), "%v", err)
		}
		job.Caches = append(job.Caches, cache)
	}

	if spec.Coverage != "" {
		re, err := compileCoverage(spec.Coverage)
		if err != nil {
			return nil, verr("coverage", "%v", err)
		}
		job.Coverage = spec.Coverage
		job.coverage = re
	}
	return job, nil
}

func compileRetry(spec *RetrySpec) (RetryPolicy, error) {
	if spec.Max < 0 || spec.Max > MaxRetries {
		return RetryPolicy{}, fmt.Errorf("max must be between 0 and %d, got %d", MaxRetries, spec.Max)
	}
	policy := RetryPolicy{Max: spec.Max}
	for _, w := range spec.When {
		reason := FailureReason(strings.TrimSpace(w))
		valid := false
		for _, known := range retryWhenValues {
			if reason == known {
				valid = true
				break
			}
		}
		if !valid {
			return RetryPolicy{}, fmt.Errorf("unknown when %q", w)
		}
		policy.When = append(policy.When, reason)
	}
	return policy, nil
}

func compileArtifacts(spec *ArtifactsSpec) (*Artifacts, error) {
	a := &Artifacts{
		Name:     spec.Name,
		Paths:    spec.Paths,
		Exclude:  spec.Exclude,
		ExpireIn: DefaultExpireIn,
		When:     ArtifactsWhen(spec.When),
	}
	if a.When == "" {
		a.When = UploadOnSuccess
	}
	switch a.When {
	case UploadOnSuccess, UploadOnFailure, UploadAlways:
	default:
		return nil, fmt.Errorf("unknown when %q", spec.When)
	}
	if spec.ExpireIn != "" {
		d, never, err := ParseExpireIn(spec.ExpireIn)
		if err != nil {
			return nil, fmt.Errorf("expire_in: %w", err)
		}
		a.ExpireIn, a.Never = d, never
	}
	for _, p := range append(append([]string(nil), a.Paths...), a.Exclude...) {
		if err := validateRelativePath(p); err != nil {
			return nil, err
		}
	}
	if r := spec.Reports; r != nil {
		a.Reports.JUnit = r.JUnit
		for _, p := range r.JUnit {
			if err := validateRelativePath(p); err != nil {
				return nil, fmt.Errorf("reports.junit: %w", err)
			}
		}
		if cr := r.CoverageReport; cr != nil {
			format := strings.ToLower(strings.TrimSpace(cr.CoverageFormat))
			if format != "cobertura" {
				return nil, fmt.Errorf("reports.coverage_report: unsupported coverage_format %q", cr.CoverageFormat)
			}
			if err := validateRelativePath(cr.Path); err != nil {
				return nil, fmt.Errorf("reports.coverage_report: %w", err)
			}
			a.Reports.CoverageReport = &CoverageReport{Format: format, Path: cr.Path}
		}
	}
	return a, nil
}

func compileCache(spec CacheSpec) (Cache, error) {
	c := Cache{
		Key:          spec.Key.Value,
		KeyFiles:     spec.Key.Files,
		KeyPrefix:    spec.Key.Prefix,
		Paths:        spec.Paths,
		Policy:       CachePolicy(spec.Policy),
		When:         ArtifactsWhen(spec.When),
		FallbackKeys: spec.FallbackKeys,
	}
	if c.Policy == "" {
		c.Policy = CachePullPush
	}
	switch c.Policy {
	case CachePullPush, CachePull, CachePush:
	default:
		return Cache{}, fmt.Errorf("unknown policy %q", spec.Policy)
	}
	if c.When == "" {
		c.When = UploadOnSuccess
	}
	switch c.When {
	case UploadOnSuccess, UploadOnFailure, UploadAlways:
	default:
		return Cache{}, fmt.Errorf("unknown when %q", spec.When)
	}
	if len(c.Paths) == 0 {
		return Cache{}, fmt.Errorf("paths must be non-empty")
	}
	if len(c.KeyFiles) > 2 {
		return Cache{}, fmt.Errorf("key.files accepts at most two files")
	}
	for _, p := range c.Paths {
		if err := validateRelativePath(p); err != nil {
			return Cache{}, err
		}
	}
	return c, nil
}

func validateRelativePath(p string) error {
	clean := strings.TrimSpace(p)
	if clean == "" {
		return fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(clean, "/") {
		return fmt.Errorf("path %q must be relative to the project directory", p)
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return fmt.Errorf("path %q escapes the project directory", p)
		}
	}
	return nil
}

// compileCoverage accepts `/re/` (the usual form) or a bare pattern.
func compileCoverage(s string) (*regexp.Regexp, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		s = s[1 : len(s)-1]
	}
	return regexp.Compile(s)
}

// validateNeeds checks that each need names a known job in the same or an
// earlier stage.
func validateNeeds(p *Pipeline) error {
	for _, job := range p.Jobs {
		own := p.StageIndex(job.Stage)
		for _, n := range job.Needs {
			target, ok := p.byName[n.Job]
			if !ok {
				if n.Optional {
					continue
				}
				return &ValidationError{Job: job.Name, Field: "needs", Msg: fmt.Sprintf("unknown job %q", n.Job)}
			}
			if p.StageIndex(target.Stage) > own {
				return &ValidationError{Job: job.Name, Field: "needs", Msg: fmt.Sprintf("%q is in later stage %q", n.Job, target.Stage)}
			}
		}
	}
	return nil
}

// validateNeedsDAG rejects cycles among needs edges with Kahn's algorithm.
func validateNeedsDAG(p *Pipeline) error {
	inDegree := make(map[string]int, len(p.Jobs))
	adj := make(map[string][]string, len(p.Jobs))
	for _, job := range p.Jobs {
		inDegree[job.Name] += 0
		for _, n := range job.Needs {
			if _, ok := p.byName[n.Job]; !ok {
				continue
			}
			adj[n.Job] = append(adj[n.Job], job.Name)
			inDegree[job.Name]++
		}
	}

	queue := make([]string, 0, len(p.Jobs))
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(p.Jobs) {
		var stuck []string
		for name, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return &ValidationError{Field: "needs", Msg: fmt.Sprintf("dependency cycle between %s", strings.Join(stuck, ", "))}
	}
	return nil
}

func fingerprintPipeline(p *Pipeline) (string, error) {
	type fingerprintShape struct {
		Stages        []string          `json:"stages"`
		Variables     map[string]string `json:"variables"`
		WorkflowRules []rules.Rule      `json:"workflow_rules"`
		Jobs          []*Job            `json:"jobs"`
	}
	body, err := json.Marshal(fingerprintShape{
		Stages:        p.Stages,
		Variables:     p.Variables,
		WorkflowRules: p.WorkflowRules,
		Jobs:          p.Jobs,
	})
	if err != nil {
		return "", fmt.Errorf("marshal pipeline fingerprint input: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}

func pickList(own, fallback []string) []string {
	if own != nil {
		return own
	}
	return fallback
}

func pickImage(own, fallback *ImageSpec) *ImageSpec {
	if own != nil {
		return own
	}
	return fallback
}

func derefBool(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}

func copyMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
