package pipeline

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T) *Pipeline {
	t.Helper()
	p, err := LoadFile(filepath.Join("testdata", "python-project.yml"))
	require.NoError(t, err)
	return p
}

func TestLoadFixture(t *testing.T) {
	p := loadFixture(t)

	assert.Equal(t, "python-project", p.Name)
	assert.Equal(t, []string{".pre", "test", "build", "evaluate", "release", ".post"}, p.Stages)
	assert.True(t, strings.HasPrefix(p.Fingerprint, "blake3:"), p.Fingerprint)
	require.NotNil(t, p.Workflow())
	assert.Equal(t, 2, p.Workflow().Len())

	var names []string
	for _, j := range p.Jobs {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"unit_tests", "lint", "sonar_scan", "get_next_version", "build_image", "evaluate_retriever", "release"}, names)

	unit, ok := p.Job("unit_tests")
	require.True(t, ok)
	assert.Equal(t, "python:3.12-slim", unit.Image)
	assert.Len(t, unit.Script, 2)
	assert.True(t, unit.Interruptible)
	assert.Equal(t, 2, unit.Retry.Max)
	assert.Equal(t, []FailureReason{FailureRunnerSystem, FailureStuckOrTimeout}, unit.Retry.When)
	require.NotNil(t, unit.Artifacts)
	assert.Equal(t, UploadAlways, unit.Artifacts.When)
	assert.Equal(t, 30*24*time.Hour, unit.Artifacts.ExpireIn)
	assert.Equal(t, []string{"report.xml"}, unit.Artifacts.Reports.JUnit)
	require.NotNil(t, unit.Artifacts.Reports.CoverageReport)
	assert.Equal(t, "coverage.xml", unit.Artifacts.Reports.CoverageReport.Path)
	m := unit.CoverageRegexp().FindStringSubmatch("TOTAL      120     12    90%")
	require.Len(t, m, 2)
	assert.Equal(t, "90%", m[1])
	require.Len(t, unit.Caches, 1)
	assert.Equal(t, "$CI_COMMIT_REF_SLUG", unit.Caches[0].Key)
	assert.Equal(t, CachePullPush, unit.Caches[0].Policy)
	assert.False(t, unit.NeedsDeclared)

	lint, _ := p.Job("lint")
	assert.True(t, lint.AllowFailure.Enabled)
	assert.True(t, lint.AllowFailure.Explicit)

	gnv, _ := p.Job("get_next_version")
	assert.True(t, gnv.NeedsDeclared)
	assert.Empty(t, gnv.Needs)
	require.NotNil(t, gnv.Rules())
	assert.Equal(t, 2, gnv.Rules().Len(), "rules come from the YAML anchor")

	release, _ := p.Job("release")
	assert.False(t, release.Interruptible)
	assert.Equal(t, []Need{
		{Job: "get_next_version", Artifacts: false},
		{Job: "build_image", Artifacts: true},
	}, release.Needs)
}

func TestFingerprintStable(t *testing.T) {
	a := loadFixture(t)
	b := loadFixture(t)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)

	spec, err := ParseYAML([]byte("a:\n  script: echo a\n"))
	require.NoError(t, err)
	c, err := Compile("x", spec)
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestDefaultStages(t *testing.T) {
	spec, err := ParseYAML([]byte(`
compile:
  stage: build
  script: make
unit:
  script: make test
`))
	require.NoError(t, err)
	p, err := Compile("defaults", spec)
	require.NoError(t, err)
	assert.Equal(t, DefaultStages, p.Stages)
	unit, _ := p.Job("unit")
	assert.Equal(t, "test", unit.Stage)
	assert.Greater(t, p.StageIndex("test"), p.StageIndex("build"))
	assert.Equal(t, -1, p.StageIndex("nope"))
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantJob string
		wantMsg string
	}{
		{
			name:    "missing script",
			yaml:    "a:\n  stage: test\n",
			wantJob: "a",
			wantMsg: "script",
		},
		{
			name:    "unknown stage",
			yaml:    "a:\n  stage: nowhere\n  script: x\n",
			wantJob: "a",
			wantMsg: "unknown stage",
		},
		{
			name:    "need in later stage",
			yaml:    "a:\n  stage: build\n  needs: [b]\n  script: x\nb:\n  stage: deploy\n  script: x\n",
			wantJob: "a",
			wantMsg: "later stage",
		},
		{
			name:    "unknown need",
			yaml:    "a:\n  needs: [ghost]\n  script: x\n",
			wantJob: "a",
			wantMsg: "unknown job",
		},
		{
			name:    "self need",
			yaml:    "a:\n  needs: [a]\n  script: x\n",
			wantJob: "a",
			wantMsg: "itself",
		},
		{
			name:    "retry too high",
			yaml:    "a:\n  retry: 3\n  script: x\n",
			wantJob: "a",
			wantMsg: "between 0 and 2",
		},
		{
			name:    "unknown retry class",
			yaml:    "a:\n  retry:\n    max: 1\n    when: [cosmic_rays]\n  script: x\n",
			wantJob: "a",
			wantMsg: "cosmic_rays",
		},
		{
			name:    "bad rule",
			yaml:    "a:\n  rules:\n    - if: $X ==\n  script: x\n",
			wantJob: "a",
			wantMsg: "rules",
		},
		{
			name:    "job level never",
			yaml:    "a:\n  when: never\n  script: x\n",
			wantJob: "a",
			wantMsg: "when",
		},
		{
			name:    "extends",
			yaml:    ".base:\n  script: x\na:\n  extends: .base\n  script: x\n",
			wantJob: "a",
			wantMsg: "extends",
		},
		{
			name:    "bad expire_in",
			yaml:    "a:\n  script: x\n  artifacts:\n    paths: [out]\n    expire_in: soon\n",
			wantJob: "a",
			wantMsg: "expire_in",
		},
		{
			name:    "escaping artifact path",
			yaml:    "a:\n  script: x\n  artifacts:\n    paths: [../secrets]\n",
			wantJob: "a",
			wantMsg: "escapes",
		},
		{
			name:    "cache without paths",
			yaml:    "a:\n  script: x\n  cache:\n    key: k\n",
			wantJob: "a",
			wantMsg: "paths",
		},
		{
			name:    "cycle",
			yaml:    "a:\n  needs: [b]\n  script: x\nb:\n  needs: [a]\n  script: x\n",
			wantMsg: "cycle between a, b",
		},
		{
			name:    "workflow manual",
			yaml:    "workflow:\n  rules:\n    - when: manual\na:\n  script: x\n",
			wantMsg: "must be always or never",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseYAML([]byte(tt.yaml))
			require.NoError(t, err)
			_, err = Compile("t", spec)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "want *ValidationError, got %T", err)
			assert.Equal(t, tt.wantJob, verr.Job)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for name, src := range map[string]string{
		"include":        "include: other.yml\na:\n  script: x\n",
		"services":       "services: [postgres]\na:\n  script: x\n",
		"duplicate":      "a:\n  script: x\na:\n  script: y\n",
		"not a mapping":  "- a\n- b\n",
		"empty":          "",
		"cross pipeline": "a:\n  needs:\n    - pipeline: other\n      job: b\n  script: x\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseYAML([]byte(src))
			assert.Error(t, err)
		})
	}
}

func TestOptionalNeedToMissingJob(t *testing.T) {
	spec, err := ParseYAML([]byte("a:\n  needs:\n    - job: maybe\n      optional: true\n  script: x\n"))
	require.NoError(t, err)
	p, err := Compile("t", spec)
	require.NoError(t, err)
	a, _ := p.Job("a")
	assert.Equal(t, []Need{{Job: "maybe", Artifacts: true, Optional: true}}, a.Needs)
}

func TestFlexibleKeywords(t *testing.T) {
	spec, err := ParseYAML([]byte(`
variables:
  DEPLOY:
    value: staging
    description: target
.setup: &setup
  - echo setup
a:
  image:
    name: alpine:3.20
    entrypoint: [""]
  before_script:
    - *setup
    - echo more
  script: run
  allow_failure:
    exit_codes: [137, 255]
  retry: 1
  timeout: 1h 30m
  cache:
    - key:
        files: [go.sum]
        prefix: deps
      paths: [vendor/]
      policy: pull
    - key: other
      paths: [.cache]
      fallback_keys: [main]
`))
	require.NoError(t, err)
	p, err := Compile("t", spec)
	require.NoError(t, err)

	assert.Equal(t, "staging", p.Variables["DEPLOY"])
	a, _ := p.Job("a")
	assert.Equal(t, "alpine:3.20", a.Image)
	assert.Equal(t, []string{"echo setup", "echo more"}, a.BeforeScript)
	assert.Equal(t, AllowFailure{Enabled: true, Explicit: true, ExitCodes: []int{137, 255}}, a.AllowFailure)
	assert.Equal(t, RetryPolicy{Max: 1}, a.Retry)
	assert.Equal(t, 90*time.Minute, a.Timeout)
	require.Len(t, a.Caches, 2)
	assert.Equal(t, []string{"go.sum"}, a.Caches[0].KeyFiles)
	assert.Equal(t, "deps", a.Caches[0].KeyPrefix)
	assert.Equal(t, CachePull, a.Caches[0].Policy)
	assert.Equal(t, []string{"main"}, a.Caches[1].FallbackKeys)
}

func TestAllowFailure(t *testing.T) {
	assert.False(t, AllowFailure{}.Allows(1))
	assert.True(t, AllowFailure{Enabled: true}.Allows(1))
	assert.True(t, AllowFailure{Enabled: true}.Allows(-1))
	codes := AllowFailure{Enabled: true, ExitCodes: []int{3}}
	assert.True(t, codes.Allows(3))
	assert.False(t, codes.Allows(1))
	assert.False(t, codes.Allows(-1))
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{Max: 2, When: []FailureReason{FailureRunnerSystem}}
	assert.True(t, p.ShouldRetry(FailureRunnerSystem, 1))
	assert.True(t, p.ShouldRetry(FailureRunnerSystem, 2))
	assert.False(t, p.ShouldRetry(FailureRunnerSystem, 3), "never more than max extra attempts")
	assert.False(t, p.ShouldRetry(FailureScript, 1))

	always := RetryPolicy{Max: 1}
	assert.True(t, always.ShouldRetry(FailureScript, 1))
	assert.False(t, always.ShouldRetry(FailureCanceled, 1))
	assert.False(t, RetryPolicy{}.ShouldRetry(FailureScript, 1))
}

func TestParseHumanDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"90m":              90 * time.Minute,
		"1h 30m":           90 * time.Minute,
		"30 minutes":       30 * time.Minute,
		"2 weeks":          14 * 24 * time.Hour,
		"1 day and 2 hrs":  26 * time.Hour,
		"1.5 hours":        90 * time.Minute,
		"45":               45 * time.Second,
		"3 days, 4 hours":  76 * time.Hour,
		"1 month":          30 * 24 * time.Hour,
	}
	for in, want := range tests {
		got, err := ParseHumanDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "soon", "5 parsecs", "h"} {
		_, err := ParseHumanDuration(bad)
		assert.Error(t, err, bad)
	}

	_, never, err := ParseExpireIn("never")
	require.NoError(t, err)
	assert.True(t, never)
}
