package pipeline

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/conduit/internal/rules"
)

// FileSpec is the raw, uncompiled form of a pipeline definition.
type FileSpec struct {
	Stages    []string            `yaml:"stages,omitempty"`
	Variables VariablesSpec       `yaml:"variables,omitempty"`
	Default   *DefaultSpec        `yaml:"default,omitempty"`
	Workflow  *WorkflowSpec       `yaml:"workflow,omitempty"`
	Jobs      map[string]*JobSpec `yaml:"-"`
	// JobOrder keeps jobs in document order.
	JobOrder []string `yaml:"-"`
}

// WorkflowSpec controls whether a pipeline is created at all.
type WorkflowSpec struct {
	Name  string       `yaml:"name,omitempty"`
	Rules []rules.Rule `yaml:"rules,omitempty"`
}

// DefaultSpec holds keywords inherited by every job that does not set them.
type DefaultSpec struct {
	Image         *ImageSpec     `yaml:"image,omitempty"`
	Tags          StringList     `yaml:"tags,omitempty"`
	BeforeScript  StringList     `yaml:"before_script,omitempty"`
	AfterScript   StringList     `yaml:"after_script,omitempty"`
	Retry         *RetrySpec     `yaml:"retry,omitempty"`
	Interruptible *bool          `yaml:"interruptible,omitempty"`
	Timeout       string         `yaml:"timeout,omitempty"`
	Cache         CacheList      `yaml:"cache,omitempty"`
	Artifacts     *ArtifactsSpec `yaml:"artifacts,omitempty"`
}

// JobSpec is one job as written in the definition.
type JobSpec struct {
	Stage         string            `yaml:"stage,omitempty"`
	Image         *ImageSpec        `yaml:"image,omitempty"`
	Tags          StringList        `yaml:"tags,omitempty"`
	BeforeScript  StringList        `yaml:"before_script,omitempty"`
	Script        StringList        `yaml:"script,omitempty"`
	AfterScript   StringList        `yaml:"after_script,omitempty"`
	Variables     VariablesSpec     `yaml:"variables,omitempty"`
	Rules         []rules.Rule      `yaml:"rules,omitempty"`
	When          rules.When        `yaml:"when,omitempty"`
	AllowFailure  *AllowFailureSpec `yaml:"allow_failure,omitempty"`
	Retry         *RetrySpec        `yaml:"retry,omitempty"`
	Needs         *[]NeedSpec       `yaml:"needs,omitempty"`
	Artifacts     *ArtifactsSpec    `yaml:"artifacts,omitempty"`
	Cache         CacheList         `yaml:"cache,omitempty"`
	Coverage      string            `yaml:"coverage,omitempty"`
	Interruptible *bool             `yaml:"interruptible,omitempty"`
	Timeout       string            `yaml:"timeout,omitempty"`

	// Keywords recognised only to reject them with a clear message.
	Extends  any `yaml:"extends,omitempty"`
	Trigger  any `yaml:"trigger,omitempty"`
	Parallel any `yaml:"parallel,omitempty"`
}

// ArtifactsSpec declares the files a job publishes.
type ArtifactsSpec struct {
	Name     string       `yaml:"name,omitempty"`
	Paths    StringList   `yaml:"paths,omitempty"`
	Exclude  StringList   `yaml:"exclude,omitempty"`
	ExpireIn string       `yaml:"expire_in,omitempty"`
	When     string       `yaml:"when,omitempty"`
	Reports  *ReportsSpec `yaml:"reports,omitempty"`
}

// ReportsSpec declares machine-readable reports inside artifacts.
type ReportsSpec struct {
	JUnit          StringList          `yaml:"junit,omitempty"`
	CoverageReport *CoverageReportSpec `yaml:"coverage_report,omitempty"`
}

// CoverageReportSpec points at a coverage file.
type CoverageReportSpec struct {
	CoverageFormat string `yaml:"coverage_format"`
	Path           string `yaml:"path"`
}

// CacheSpec is one cache entry.
type CacheSpec struct {
	Key          CacheKeySpec `yaml:"key,omitempty"`
	Paths        StringList   `yaml:"paths,omitempty"`
	Policy       string       `yaml:"policy,omitempty"`
	When         string       `yaml:"when,omitempty"`
	FallbackKeys StringList   `yaml:"fallback_keys,omitempty"`
}

// CacheKeySpec is either a literal key or a files-derived key.
type CacheKeySpec struct {
	Value  string
	Files  []string
	Prefix string
}

func (k *CacheKeySpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		k.Value = node.Value
		return nil
	}
	var raw struct {
		Files  StringList `yaml:"files"`
		Prefix string     `yaml:"prefix"`
	}
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("cache key: %w", err)
	}
	k.Files = raw.Files
	k.Prefix = raw.Prefix
	return nil
}

// CacheList accepts a single cache mapping or a list of them.
type CacheList []CacheSpec

func (c *CacheList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var list []CacheSpec
		if err := node.Decode(&list); err != nil {
			return err
		}
		*c = list
		return nil
	}
	var one CacheSpec
	if err := node.Decode(&one); err != nil {
		return err
	}
	*c = CacheList{one}
	return nil
}

// StringList accepts a scalar or a (possibly nested) sequence of scalars.
// Nesting comes from YAML anchors such as `script: [*setup, make]`.
type StringList []string

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	out, err := flattenScalars(node)
	if err != nil {
		return err
	}
	*s = out
	return nil
}

func flattenScalars(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
		return []string{node.Value}, nil
	case yaml.AliasNode:
		return flattenScalars(node.Alias)
	case yaml.SequenceNode:
		var out []string
		for _, item := range node.Content {
			vals, err := flattenScalars(item)
			if err != nil {
				return nil, err
			}
			out = append(out, vals...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("line %d: expected string or list of strings", node.Line)
}

// VariablesSpec accepts `NAME: value` and `NAME: {value: x, description: y}`.
type VariablesSpec map[string]string

func (v *VariablesSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: variables must be a mapping", node.Line)
	}
	out := make(VariablesSpec, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		val := node.Content[i+1]
		if val.Kind == yaml.AliasNode {
			val = val.Alias
		}
		switch val.Kind {
		case yaml.ScalarNode:
			out[name] = val.Value
		case yaml.MappingNode:
			var full struct {
				Value string `yaml:"value"`
			}
			if err := val.Decode(&full); err != nil {
				return fmt.Errorf("variable %s: %w", name, err)
			}
			out[name] = full.Value
		default:
			return fmt.Errorf("line %d: variable %s must be a string", val.Line, name)
		}
	}
	*v = out
	return nil
}

// ImageSpec accepts `image: name` and `image: {name: x, entrypoint: [...]}`.
type ImageSpec struct {
	Name       string
	Entrypoint []string
}

func (i *ImageSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		i.Name = node.Value
		return nil
	}
	var raw struct {
		Name       string     `yaml:"name"`
		Entrypoint StringList `yaml:"entrypoint"`
	}
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("image: %w", err)
	}
	i.Name = raw.Name
	i.Entrypoint = raw.Entrypoint
	return nil
}

// AllowFailureSpec accepts a bool or `{exit_codes: N | [N...]}`.
type AllowFailureSpec struct {
	Enabled   bool
	ExitCodes []int
}

func (a *AllowFailureSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&a.Enabled)
	}
	var raw struct {
		ExitCodes yaml.Node `yaml:"exit_codes"`
	}
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("allow_failure: %w", err)
	}
	switch raw.ExitCodes.Kind {
	case yaml.ScalarNode:
		var code int
		if err := raw.ExitCodes.Decode(&code); err != nil {
			return fmt.Errorf("allow_failure.exit_codes: %w", err)
		}
		a.ExitCodes = []int{code}
	case yaml.SequenceNode:
		if err := raw.ExitCodes.Decode(&a.ExitCodes); err != nil {
			return fmt.Errorf("allow_failure.exit_codes: %w", err)
		}
	default:
		return fmt.Errorf("line %d: allow_failure must be a bool or {exit_codes: ...}", node.Line)
	}
	a.Enabled = true
	return nil
}

// RetrySpec accepts `retry: N` and `retry: {max: N, when: ...}`.
type RetrySpec struct {
	Max  int
	When []string
}

func (r *RetrySpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&r.Max)
	}
	var raw struct {
		Max  int        `yaml:"max"`
		When StringList `yaml:"when"`
	}
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	r.Max = raw.Max
	r.When = raw.When
	return nil
}

// NeedSpec accepts `- job` and `- {job: x, artifacts: false, optional: true}`.
type NeedSpec struct {
	Job       string
	Artifacts *bool
	Optional  bool
}

func (n *NeedSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		n.Job = node.Value
		return nil
	}
	var raw struct {
		Job       string `yaml:"job"`
		Artifacts *bool  `yaml:"artifacts"`
		Optional  bool   `yaml:"optional"`
		Pipeline  string `yaml:"pipeline"`
		Project   string `yaml:"project"`
	}
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("needs: %w", err)
	}
	if raw.Pipeline != "" || raw.Project != "" {
		return fmt.Errorf("line %d: cross-pipeline needs are not supported", node.Line)
	}
	n.Job = raw.Job
	n.Artifacts = raw.Artifacts
	n.Optional = raw.Optional
	return nil
}

// UnmarshalYAML decodes the known top-level keywords and treats every other
// key as a job, keeping document order. Hidden keys (leading dot) are only
// anchor carriers.
func (f *FileSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("pipeline definition must be a mapping")
	}
	f.Jobs = make(map[string]*JobSpec)

	var legacy DefaultSpec
	hasLegacy := false
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]

		switch key {
		case "stages":
			var stages StringList
			if err := val.Decode(&stages); err != nil {
				return fmt.Errorf("stages: %w", err)
			}
			f.Stages = stages
			continue
		case "variables":
			if err := val.Decode(&f.Variables); err != nil {
				return err
			}
			continue
		case "default":
			f.Default = &DefaultSpec{}
			if err := val.Decode(f.Default); err != nil {
				return fmt.Errorf("default: %w", err)
			}
			continue
		case "workflow":
			f.Workflow = &WorkflowSpec{}
			if err := val.Decode(f.Workflow); err != nil {
				return fmt.Errorf("workflow: %w", err)
			}
			continue
		case "include":
			return fmt.Errorf("line %d: include is not supported; inline the included jobs", node.Content[i].Line)
		case "services":
			return fmt.Errorf("line %d: services are not supported", node.Content[i].Line)
		case "image", "before_script", "after_script", "cache":
			hasLegacy = true
			if err := decodeLegacyDefault(&legacy, key, val); err != nil {
				return err
			}
			continue
		}

		if strings.HasPrefix(key, ".") {
			continue
		}
		if _, dup := f.Jobs[key]; dup {
			return fmt.Errorf("line %d: duplicate job %q", node.Content[i].Line, key)
		}
		job := &JobSpec{}
		if err := val.Decode(job); err != nil {
			return fmt.Errorf("job %q: %w", key, err)
		}
		f.Jobs[key] = job
		f.JobOrder = append(f.JobOrder, key)
	}

	if hasLegacy {
		if f.Default == nil {
			f.Default = &DefaultSpec{}
		}
		mergeLegacyDefault(f.Default, &legacy)
	}
	return nil
}

func decodeLegacyDefault(d *DefaultSpec, key string, val *yaml.Node) error {
	var err error
	switch key {
	case "image":
		d.Image = &ImageSpec{}
		err = val.Decode(d.Image)
	case "before_script":
		err = val.Decode(&d.BeforeScript)
	case "after_script":
		err = val.Decode(&d.AfterScript)
	case "cache":
		err = val.Decode(&d.Cache)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// mergeLegacyDefault fills unset default: keys from top-level globals.
func mergeLegacyDefault(dst, legacy *DefaultSpec) {
	if dst.Image == nil {
		dst.Image = legacy.Image
	}
	if dst.BeforeScript == nil {
		dst.BeforeScript = legacy.BeforeScript
	}
	if dst.AfterScript == nil {
		dst.AfterScript = legacy.AfterScript
	}
	if dst.Cache == nil {
		dst.Cache = legacy.Cache
	}
}

// ParseYAML decodes a YAML definition.
func ParseYAML(data []byte) (*FileSpec, error) {
	var spec FileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse pipeline yaml: %w", err)
	}
	if spec.Jobs == nil {
		return nil, fmt.Errorf("parse pipeline yaml: document is empty")
	}
	return &spec, nil
}
