package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/runstore"
)

func TestMain(m *testing.M) {
	log.SetupWriter(io.Discard, "error", "text")
	os.Exit(m.Run())
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion, origCommit, origBuildDate := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built
	t.Cleanup(func() {
		version, gitCommit, buildDate = origVersion, origCommit, origBuildDate
	})
}

// writeDefinition writes a definition into a fresh project directory.
func writeDefinition(t *testing.T, body string) (file, dir string) {
	t.Helper()
	dir = t.TempDir()
	file = filepath.Join(dir, "pipeline.yml")
	require.NoError(t, os.WriteFile(file, []byte(body), 0o644))
	return file, dir
}

const buildAndTest = `
stages: [build, test, deploy]
build:
  stage: build
  script:
    - echo hello from build
    - echo built > out.txt
  artifacts:
    paths: [out.txt]
    expire_in: 1 day
unit:
  stage: test
  script: grep built out.txt
docs:
  stage: test
  script: "true"
  rules:
    - if: $CI_COMMIT_BRANCH == "docs"
`

func TestVersion(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc123", "2026-01-02T03:04:05Z")

	code, stdout, _ := runCLI(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "conduit 1.2.3")
	assert.Contains(t, stdout, "commit: abc123")

	code, stdout, _ = runCLI(t, "version", "--json")
	require.Equal(t, exitOK, code)
	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, versionInfo{Version: "1.2.3", Commit: "abc123", BuildTime: "2026-01-02T03:04:05Z"}, info)
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t, "frobnicate")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr, "unknown command")
}

func TestPlanFile(t *testing.T) {
	file, dir := writeDefinition(t, buildAndTest)

	code, stdout, stderr := runCLI(t, "plan", "--file", file, "--dir", dir)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Ref      : main (api)")
	assert.Contains(t, stdout, "[build]")
	assert.Contains(t, stdout, "docs")
	assert.Contains(t, stdout, "skipped: no rule matched")
	assert.Contains(t, stdout, "1. build")
	assert.Contains(t, stdout, "2. unit")

	code, stdout, _ = runCLI(t, "plan", "--file", file, "--dir", dir, "--branch", "docs", "--json")
	require.Equal(t, exitOK, code)
	var pl struct {
		Jobs []struct {
			Name string `json:"name"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &pl))
	assert.Len(t, pl.Jobs, 3)
}

func TestPlanFiltered(t *testing.T) {
	file, dir := writeDefinition(t, `
workflow:
  rules:
    - if: $CI_COMMIT_TAG
build:
  script: "true"
`)
	code, stdout, _ := runCLI(t, "plan", "--file", file, "--dir", dir)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "No pipeline")

	code, stdout, _ = runCLI(t, "plan", "--file", file, "--dir", dir, "--all")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "build")
}

func TestPlanBadFlags(t *testing.T) {
	file, dir := writeDefinition(t, buildAndTest)

	code, _, stderr := runCLI(t, "plan", "--file", file, "--dir", dir, "--source", "carrier_pigeon")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr, "unknown source")

	code, _, stderr = runCLI(t, "plan", "--file", file, "--dir", dir, "--var", "NOEQUALS")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr, "KEY=VALUE")
}

func TestValidateFile(t *testing.T) {
	file, _ := writeDefinition(t, buildAndTest)
	code, stdout, _ := runCLI(t, "validate", "--file", file)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "Configuration valid")

	broken, _ := writeDefinition(t, "a:\n  stage: nowhere\n  script: x\n")
	code, stdout, _ = runCLI(t, "validate", "--file", broken)
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stdout, "Configuration invalid")
}

var startedRE = regexp.MustCompile(`Pipeline (\S+) started`)

func TestRunFileSuccessAndInspect(t *testing.T) {
	file, dir := writeDefinition(t, buildAndTest)

	code, stdout, stderr := runCLI(t, "run", "--file", file, "--dir", dir)
	require.Equal(t, exitOK, code, "stdout:\n%s\nstderr:\n%s", stdout, stderr)
	assert.Contains(t, stdout, "[build] hello from build")
	assert.Contains(t, stdout, "==> unit")
	assert.Contains(t, stdout, "Pipeline Report")
	assert.Contains(t, stdout, "Status      : success")

	m := startedRE.FindStringSubmatch(stdout)
	require.Len(t, m, 2)

	state := filepath.Join(dir, ".conduit", "conduit.db")
	code, stdout, stderr = runCLI(t, "inspect", m[1], "--state", state, "--json")
	require.Equal(t, exitOK, code, stderr)
	var rep struct {
		Status runstore.PipelineStatus `json:"status"`
		Stages []struct {
			Name string `json:"name"`
		} `json:"stages"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, runstore.PipelineSuccess, rep.Status)
	require.Len(t, rep.Stages, 2)
	assert.Equal(t, "build", rep.Stages[0].Name)

	code, _, stderr = runCLI(t, "inspect", "no-such-run", "--state", state)
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr, "not found")
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name string
		def  string
		args []string
		want int
	}{
		{
			name: "failure",
			def:  "boom:\n  script: exit 3\n",
			want: exitFailed,
		},
		{
			name: "allowed failure",
			def:  "boom:\n  script: exit 3\n  allow_failure: true\n",
			want: exitOK,
		},
		{
			name: "blocked on manual job",
			def:  "stages: [build, deploy]\nbuild:\n  stage: build\n  script: \"true\"\ndeploy:\n  stage: deploy\n  when: manual\n  allow_failure: false\n  script: \"true\"\n",
			want: exitBlocked,
		},
		{
			name: "manual job played",
			def:  "stages: [build, deploy]\nbuild:\n  stage: build\n  script: \"true\"\ndeploy:\n  stage: deploy\n  when: manual\n  allow_failure: false\n  script: \"true\"\n",
			args: []string{"--play", "deploy"},
			want: exitOK,
		},
		{
			name: "filtered",
			def:  "workflow:\n  rules:\n    - when: never\nbuild:\n  script: \"true\"\n",
			want: exitOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, dir := writeDefinition(t, tt.def)
			args := append([]string{"run", "--file", file, "--dir", dir}, tt.args...)
			code, stdout, stderr := runCLI(t, args...)
			assert.Equal(t, tt.want, code, "stdout:\n%s\nstderr:\n%s", stdout, stderr)
		})
	}
}

func TestRunRequiresProjectWithSeveralConfigured(t *testing.T) {
	file, dir := writeDefinition(t, buildAndTest)
	cfg := filepath.Join(dir, "conduit.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
state:
  path: ./state/conduit.db
projects:
  api:
    definition: pipeline.yml
  web:
    definition: `+file+`
`), 0o644))

	code, _, stderr := runCLI(t, "plan", "--config", cfg)
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr, "--project is required")
	assert.Contains(t, stderr, "api, web")

	code, stdout, stderr := runCLI(t, "plan", "--config", cfg, "--project", "web")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "[test]")
}

func TestStatusExit(t *testing.T) {
	assert.NoError(t, statusExit(runstore.PipelineSuccess))
	assert.Equal(t, exitCode(exitBlocked), statusExit(runstore.PipelineBlocked))
	assert.Equal(t, exitCode(exitFailed), statusExit(runstore.PipelineFailed))
	assert.Equal(t, exitCode(exitFailed), statusExit(runstore.PipelineCanceled))
}

func TestParseVars(t *testing.T) {
	got, err := parseVars([]string{"A=1", "B=x=y", "C="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y", "C": ""}, got)

	_, err = parseVars([]string{"=1"})
	assert.Error(t, err)

	got, err = parseVars(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJobOutputPrefixesLines(t *testing.T) {
	var buf bytes.Buffer
	out := newJobOutput(&buf)

	a := out.For("run", "a")
	b := out.For("run", "b")
	_, _ = io.WriteString(a, "one\ntw")
	_, _ = io.WriteString(b, "x\n")
	_, _ = io.WriteString(a, "o\nthree")
	require.NoError(t, a.(io.Closer).Close())

	assert.Equal(t, "[a] one\n[b] x\n[a] two\n[a] three\n", buf.String())
}
