package pipeline

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/mattjoyce/conduit/internal/rules"
)

// FailureReason classifies why an attempt failed. It drives retry:when.
type FailureReason string

const (
	FailureUnknown             FailureReason = "unknown_failure"
	FailureScript              FailureReason = "script_failure"
	FailureRunnerSystem        FailureReason = "runner_system_failure"
	FailureStuckOrTimeout      FailureReason = "stuck_or_timeout_failure"
	FailureJobExecutionTimeout FailureReason = "job_execution_timeout"
	FailureUnmetPrerequisites  FailureReason = "unmet_prerequisites"
	FailureDataIntegrity       FailureReason = "data_integrity_failure"
	FailureRunnerUnsupported   FailureReason = "runner_unsupported"
	FailureCanceled            FailureReason = "canceled"

	// RetryAlways is only valid inside retry:when.
	RetryAlways FailureReason = "always"
)

var retryWhenValues = []FailureReason{
	RetryAlways, FailureUnknown, FailureScript, FailureRunnerSystem, FailureStuckOrTimeout,
	FailureJobExecutionTimeout, FailureUnmetPrerequisites, FailureDataIntegrity, FailureRunnerUnsupported,
}

// MaxRetries is the largest accepted retry:max.
const MaxRetries = 2

// DefaultStages applies when a definition omits `stages`.
var DefaultStages = []string{".pre", "build", "test", "deploy", ".post"}

// DefaultStage is the stage of a job that does not name one.
const DefaultStage = "test"

// DefaultCoveragePattern extracts a total from common coverage tool output.
const DefaultCoveragePattern = `TOTAL.*\s+(\d+%)`

// DefaultExpireIn is the artifact retention when a job sets none.
const DefaultExpireIn = 30 * 24 * time.Hour

// Pipeline is a compiled, validated definition. It is immutable and may be
// shared between concurrent plans.
type Pipeline struct {
	Name          string            `json:"name"`
	Source        string            `json:"source,omitempty"`
	Stages        []string          `json:"stages"`
	Variables     map[string]string `json:"variables,omitempty"`
	WorkflowName  string            `json:"workflow_name,omitempty"`
	WorkflowRules []rules.Rule      `json:"workflow_rules,omitempty"`
	Jobs          []*Job            `json:"jobs"`
	Fingerprint   string            `json:"fingerprint"`

	workflow *rules.Set
	byName   map[string]*Job
	stageIdx map[string]int
}

// Job returns the named job.
func (p *Pipeline) Job(name string) (*Job, bool) {
	j, ok := p.byName[name]
	return j, ok
}

// StageIndex returns the position of stage, or -1.
func (p *Pipeline) StageIndex(stage string) int {
	if i, ok := p.stageIdx[stage]; ok {
		return i
	}
	return -1
}

// Workflow returns the compiled workflow rules. Nil when none are declared.
func (p *Pipeline) Workflow() *rules.Set { return p.workflow }

// Job is one compiled job.
type Job struct {
	Name          string            `json:"name"`
	Stage         string            `json:"stage"`
	Image         string            `json:"image,omitempty"`
	Entrypoint    []string          `json:"entrypoint,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	BeforeScript  []string          `json:"before_script,omitempty"`
	Script        []string          `json:"script"`
	AfterScript   []string          `json:"after_script,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	RuleList      []rules.Rule      `json:"rules,omitempty"`
	When          rules.When        `json:"when,omitempty"`
	AllowFailure  AllowFailure      `json:"allow_failure"`
	Retry         RetryPolicy       `json:"retry"`
	Needs         []Need            `json:"needs,omitempty"`
	NeedsDeclared bool              `json:"needs_declared"`
	Artifacts     *Artifacts        `json:"artifacts,omitempty"`
	Caches        []Cache           `json:"cache,omitempty"`
	Coverage      string            `json:"coverage,omitempty"`
	Interruptible bool              `json:"interruptible"`
	Timeout       time.Duration     `json:"timeout,omitempty"`

	rules    *rules.Set
	coverage *regexp.Regexp
}

// Rules returns the compiled rule set, or nil when the job has no rules.
func (j *Job) Rules() *rules.Set { return j.rules }

// CoverageRegexp returns the job's coverage regex or the default one.
func (j *Job) CoverageRegexp() *regexp.Regexp {
	if j.coverage != nil {
		return j.coverage
	}
	return defaultCoverageRE
}

var defaultCoverageRE = regexp.MustCompile(DefaultCoveragePattern)

// AllowFailure masks a job's failure from its dependents and the pipeline.
type AllowFailure struct {
	Enabled bool `json:"enabled"`
	// Explicit is true when the definition set allow_failure itself. Manual
	// jobs use it to decide their default.
	Explicit  bool  `json:"explicit,omitempty"`
	ExitCodes []int `json:"exit_codes,omitempty"`
}

// Allows reports whether a failure with exitCode is tolerated. With exit
// codes listed, only those codes are tolerated. A negative exitCode means
// the process never produced one.
func (a AllowFailure) Allows(exitCode int) bool {
	if !a.Enabled {
		return false
	}
	if len(a.ExitCodes) == 0 {
		return true
	}
	return exitCode >= 0 && slices.Contains(a.ExitCodes, exitCode)
}

// RetryPolicy bounds re-dispatch of a failed job.
type RetryPolicy struct {
	Max  int             `json:"max"`
	When []FailureReason `json:"when,omitempty"`
}

// ShouldRetry reports whether an attempt that failed with reason may be
// followed by another one. attempt is 1-based.
func (r RetryPolicy) ShouldRetry(reason FailureReason, attempt int) bool {
	if r.Max <= 0 || attempt > r.Max {
		return false
	}
	if reason == FailureCanceled {
		return false
	}
	if len(r.When) == 0 {
		return true
	}
	for _, w := range r.When {
		if w == RetryAlways || w == reason {
			return true
		}
	}
	return false
}

// Need is one dependency edge.
type Need struct {
	Job       string `json:"job"`
	Artifacts bool   `json:"artifacts"`
	Optional  bool   `json:"optional,omitempty"`
}

// ArtifactsWhen selects which outcomes upload artifacts or caches.
type ArtifactsWhen string

const (
	UploadOnSuccess ArtifactsWhen = "on_success"
	UploadOnFailure ArtifactsWhen = "on_failure"
	UploadAlways    ArtifactsWhen = "always"
)

// Matches reports whether an outcome should upload.
func (w ArtifactsWhen) Matches(succeeded bool) bool {
	switch w {
	case UploadAlways:
		return true
	case UploadOnFailure:
		return !succeeded
	default:
		return succeeded
	}
}

// Artifacts declares a job's published files.
type Artifacts struct {
	Name     string        `json:"name,omitempty"`
	Paths    []string      `json:"paths,omitempty"`
	Exclude  []string      `json:"exclude,omitempty"`
	ExpireIn time.Duration `json:"expire_in,omitempty"`
	Never    bool          `json:"never_expire,omitempty"`
	When     ArtifactsWhen `json:"when"`
	Reports  Reports       `json:"reports,omitempty"`
}

// Publishes reports whether the job produces any files for dependents.
func (a *Artifacts) Publishes() bool {
	return a != nil && (len(a.Paths) > 0 || len(a.Reports.JUnit) > 0 || a.Reports.CoverageReport != nil)
}

// Reports are parsed after upload.
type Reports struct {
	JUnit          []string        `json:"junit,omitempty"`
	CoverageReport *CoverageReport `json:"coverage_report,omitempty"`
}

// CoverageReport names a coverage file and its format.
type CoverageReport struct {
	Format string `json:"coverage_format"`
	Path   string `json:"path"`
}

// CachePolicy controls download and upload of a cache.
type CachePolicy string

const (
	CachePullPush CachePolicy = "pull-push"
	CachePull     CachePolicy = "pull"
	CachePush     CachePolicy = "push"
)

// Pulls reports whether the policy downloads before the script.
func (p CachePolicy) Pulls() bool { return p == CachePull || p == CachePullPush || p == "" }

// Pushes reports whether the policy uploads after the script.
func (p CachePolicy) Pushes() bool { return p == CachePush || p == CachePullPush || p == "" }

// Cache is a best-effort, keyed directory snapshot shared across runs.
type Cache struct {
	Key          string        `json:"key,omitempty"`
	KeyFiles     []string      `json:"key_files,omitempty"`
	KeyPrefix    string        `json:"key_prefix,omitempty"`
	Paths        []string      `json:"paths"`
	Policy       CachePolicy   `json:"policy"`
	When         ArtifactsWhen `json:"when"`
	FallbackKeys []string      `json:"fallback_keys,omitempty"`
}

// ValidationError reports a definition problem tied to a job and field.
type ValidationError struct {
	Job   string
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Job != "" && e.Field != "":
		return fmt.Sprintf("job %q: %s: %s", e.Job, e.Field, e.Msg)
	case e.Job != "":
		return fmt.Sprintf("job %q: %s", e.Job, e.Msg)
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	return e.Msg
}
