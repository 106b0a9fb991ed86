// Package rules evaluates ordered `rules:` lists against pipeline variables.
package rules

import (
	"fmt"
	"io/fs"
	"os"
)

// When is the scheduling outcome a rule or job asks for.
type When string

const (
	WhenOnSuccess When = "on_success"
	WhenOnFailure When = "on_failure"
	WhenAlways    When = "always"
	WhenManual    When = "manual"
	WhenNever     When = "never"
)

// Valid reports whether w is a known value. The empty value is valid and
// means "inherit".
func (w When) Valid() bool {
	switch w {
	case "", WhenOnSuccess, WhenOnFailure, WhenAlways, WhenManual, WhenNever:
		return true
	}
	return false
}

// Action is the coarse outcome of a rule evaluation.
type Action string

const (
	ActionRun    Action = "run"
	ActionSkip   Action = "skip"
	ActionManual Action = "manual"
)

// Rule is one entry of a `rules:` list as written in a definition.
type Rule struct {
	If           string            `yaml:"if,omitempty" json:"if,omitempty"`
	Changes      []string          `yaml:"changes,omitempty" json:"changes,omitempty"`
	Exists       []string          `yaml:"exists,omitempty" json:"exists,omitempty"`
	When         When              `yaml:"when,omitempty" json:"when,omitempty"`
	AllowFailure *bool             `yaml:"allow_failure,omitempty" json:"allow_failure,omitempty"`
	Variables    map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// Env is everything a rule may look at besides variables.
type Env struct {
	Vars Lookup
	// ChangedFiles is nil when the change set is unknown. In that case
	// `changes:` clauses match, so branch pipelines without diff
	// information still run the job.
	ChangedFiles []string
	// ProjectDir is the root for `exists:` globs. Empty means no file
	// can exist.
	ProjectDir string
}

// Decision is the result of evaluating a rule list.
type Decision struct {
	// Matched is false when no rule matched. The job is then skipped.
	Matched bool
	// Index of the matching rule, -1 when none matched.
	Index int
	// When is the rule's own `when`. Empty means the caller applies its
	// default (job-level `when`, then on_success).
	When         When
	AllowFailure *bool
	Variables    map[string]string
}

// Action maps the decision onto run, skip or manual. fallback is used when
// the matching rule had no `when`.
func (d Decision) Action(fallback When) Action {
	if !d.Matched {
		return ActionSkip
	}
	w := d.When
	if w == "" {
		w = fallback
	}
	switch w {
	case WhenNever:
		return ActionSkip
	case WhenManual:
		return ActionManual
	}
	return ActionRun
}

// Set is a compiled, ordered rule list.
type Set struct {
	rules []compiledRule
}

type compiledRule struct {
	Rule
	expr *Expr
}

// Compile validates and compiles rules. Errors name the offending index.
func Compile(rules []Rule) (*Set, error) {
	s := &Set{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if !r.When.Valid() {
			return nil, fmt.Errorf("rules[%d]: unknown when %q", i, r.When)
		}
		expr, err := CompileExpr(r.If)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		for _, g := range append(append([]string(nil), r.Changes...), r.Exists...) {
			if err := validGlob(g); err != nil {
				return nil, fmt.Errorf("rules[%d]: bad glob %q: %w", i, g, err)
			}
		}
		s.rules = append(s.rules, compiledRule{Rule: r, expr: expr})
	}
	return s, nil
}

// Len is the number of rules in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Rules returns the source rules.
func (s *Set) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule
	}
	return out
}

// Evaluate walks the rules in order and returns the first match. An empty
// set never matches; callers decide what "no rules" means.
func (s *Set) Evaluate(env Env) Decision {
	if s == nil {
		return Decision{Index: -1}
	}
	for i, r := range s.rules {
		if !r.matches(env) {
			continue
		}
		return Decision{
			Matched:      true,
			Index:        i,
			When:         r.When,
			AllowFailure: r.AllowFailure,
			Variables:    r.Variables,
		}
	}
	return Decision{Index: -1}
}

func (r compiledRule) matches(env Env) bool {
	if !r.expr.Eval(env.Vars) {
		return false
	}
	if len(r.Changes) > 0 && env.ChangedFiles != nil && !anyChanged(r.Changes, env.ChangedFiles) {
		return false
	}
	if len(r.Exists) > 0 && !anyExists(r.Exists, env.ProjectDir) {
		return false
	}
	return true
}

func anyChanged(globs, files []string) bool {
	for _, f := range files {
		for _, g := range globs {
			if MatchGlob(g, f) {
				return true
			}
		}
	}
	return false
}

// maxExistsScan bounds how many files an `exists:` clause inspects.
const maxExistsScan = 10000

func anyExists(globs []string, root string) bool {
	if root == "" {
		return false
	}
	found := false
	scanned := 0
	_ = fs.WalkDir(os.DirFS(root), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}
		scanned++
		if scanned > maxExistsScan {
			return fs.SkipAll
		}
		for _, g := range globs {
			if MatchGlob(g, p) {
				found = true
				return fs.SkipAll
			}
		}
		return nil
	})
	return found
}
