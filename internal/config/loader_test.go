package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
projects:
  retriever:
    definition: ci/pipeline.yml
    dir: ./src
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.TickInterval != 5*time.Minute {
					t.Errorf("TickInterval = %v, want 5m", cfg.Service.TickInterval)
				}
				if len(cfg.Agents) != 1 || cfg.Agents[0].Name != "local" || cfg.Agents[0].Executor != ExecutorShell {
					t.Errorf("Agents = %+v, want default local shell agent", cfg.Agents)
				}
				p := cfg.Projects["retriever"]
				if !filepath.IsAbs(p.Definition) || !strings.HasSuffix(p.Definition, filepath.Join("ci", "pipeline.yml")) {
					t.Errorf("Definition = %q, want absolute path", p.Definition)
				}
				if p.DefaultBranch != "main" {
					t.Errorf("DefaultBranch = %q, want main", p.DefaultBranch)
				}
				if !p.Supersedes() {
					t.Error("Supersedes() = false, want true by default")
				}
				if !filepath.IsAbs(cfg.State.Path) {
					t.Errorf("State.Path = %q, want absolute", cfg.State.Path)
				}
			},
		},
		{
			name: "agents and durations",
			yaml: `
service:
  tick_interval: 30s
  output_retention: 72h
agents:
  - name: docker
    executor: docker
    tags: [linux, docker]
    default_image: alpine:3
    concurrency: 4
    timeout: 20m
  - name: shell
projects:
  p:
    definition: p.yml
    auto_cancel: false
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.TickInterval != 30*time.Second {
					t.Errorf("TickInterval = %v", cfg.Service.TickInterval)
				}
				if cfg.Service.OutputRetention != 72*time.Hour {
					t.Errorf("OutputRetention = %v", cfg.Service.OutputRetention)
				}
				if len(cfg.Agents) != 2 {
					t.Fatalf("len(Agents) = %d, want 2", len(cfg.Agents))
				}
				if cfg.Agents[0].Timeout != 20*time.Minute || cfg.Agents[0].Concurrency != 4 {
					t.Errorf("docker agent = %+v", cfg.Agents[0])
				}
				if cfg.Agents[1].Executor != ExecutorShell || cfg.Agents[1].Concurrency != 1 {
					t.Errorf("shell agent defaults = %+v", cfg.Agents[1])
				}
				if cfg.Projects["p"].Supersedes() {
					t.Error("Supersedes() = true, want false")
				}
			},
		},
		{
			name: "env interpolation",
			yaml: `
api:
  enabled: true
  auth:
    api_key: ${CONDUIT_TEST_KEY}
projects:
  p:
    definition: p.yml
webhooks:
  listen: 127.0.0.1:8081
  endpoints:
    - path: /hooks/github
      project: p
      provider: github
      secret: ${CONDUIT_TEST_SECRET}
      max_body_size: 2MB
`,
			env: map[string]string{"CONDUIT_TEST_KEY": "k3y", "CONDUIT_TEST_SECRET": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.API.Auth.APIKey != "k3y" {
					t.Errorf("APIKey = %q", cfg.API.Auth.APIKey)
				}
				ep := cfg.Webhooks.Endpoints[0]
				if ep.Secret != "s3cret" {
					t.Errorf("Secret = %q", ep.Secret)
				}
				if ep.SignatureHeader != "X-Hub-Signature-256" {
					t.Errorf("SignatureHeader = %q", ep.SignatureHeader)
				}
			},
		},
		{
			name: "unset secret is rejected",
			yaml: `
projects:
  p:
    definition: p.yml
webhooks:
  listen: :8081
  endpoints:
    - path: /hooks/gitlab
      project: p
      provider: gitlab
      secret: ${CONDUIT_TEST_UNSET}
`,
			wantErr: "secret is required",
		},
		{
			name: "webhook for unknown project",
			yaml: `
webhooks:
  listen: :8081
  endpoints:
    - path: /hooks/github
      project: nope
      provider: github
      secret: x
`,
			wantErr: `project "nope" does not exist`,
		},
		{
			name: "api without auth",
			yaml: `
api:
  enabled: true
`,
			wantErr: "api.auth requires api_key or tokens",
		},
		{
			name: "unknown scope",
			yaml: `
api:
  enabled: true
  auth:
    tokens:
      - token: t
        scopes: [plugins:rw]
`,
			wantErr: `unknown scope "plugins:rw"`,
		},
		{
			name: "bad agent",
			yaml: `
agents:
  - name: a
    executor: kubernetes
  - name: a
`,
			wantErr: `duplicate agent "a"`,
		},
		{
			name: "project without definition",
			yaml: `
projects:
  p:
    dir: .
`,
			wantErr: "definition is required",
		},
		{
			name:    "invalid yaml",
			yaml:    "service: [",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), FileName)
			writeTestFile(t, path, tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() error = nil, want %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectoryAndIncludes(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, FileName), `
include:
  - teams/ml.yaml
projects:
  web:
    definition: web.yml
api:
  enabled: true
  auth:
    api_key: admin
`)
	writeTestFile(t, filepath.Join(dir, "teams", "ml.yaml"), `
projects:
  retriever:
    definition: retriever.yml
agents:
  - name: gpu
    tags: [gpu]
api:
  auth:
    tokens:
      - token: ro
        scopes: [pipelines:ro]
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.SourcePath != filepath.Join(dir, FileName) {
		t.Errorf("SourcePath = %q", cfg.SourcePath)
	}
	if got := cfg.Projects["retriever"].Definition; got != filepath.Join(dir, "teams", "retriever.yml") {
		t.Errorf("included definition = %q, want relative to include file", got)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Name != "gpu" {
		t.Errorf("Agents = %+v", cfg.Agents)
	}
	if len(cfg.API.Auth.Tokens) != 1 {
		t.Errorf("Tokens = %+v", cfg.API.Auth.Tokens)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, FileName), "include: [a.yaml]\n")
	writeTestFile(t, filepath.Join(dir, "a.yaml"), "include: [conduit.yaml]\n")

	_, err := Load(filepath.Join(dir, FileName))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Load() error = %v, want cycle", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	t.Setenv("CONDUIT_A", "alpha")
	tests := []struct {
		in, want string
	}{
		{"${CONDUIT_A}", "alpha"},
		{"x-${CONDUIT_A}-y", "x-alpha-y"},
		{"${CONDUIT_UNSET_VAR}", "${CONDUIT_UNSET_VAR}"},
		{"$CONDUIT_A", "$CONDUIT_A"},
	}
	for _, tt := range tests {
		if got := interpolateEnv(tt.in); got != tt.want {
			t.Errorf("interpolateEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1MB", 1 << 20, false},
		{"512kb", 512 << 10, false},
		{"2GB", 2 << 30, false},
		{"2048", 2048, false},
		{"10B", 10, false},
		{"0", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseByteSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDiscover(t *testing.T) {
	if got, err := Discover("/explicit/conduit.yaml"); err != nil || got != "/explicit/conduit.yaml" {
		t.Fatalf("Discover(explicit) = %q, %v", got, err)
	}

	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, FileName), "service: {}\n")
	t.Setenv(EnvConfig, dir)
	got, err := Discover("")
	if err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}
	if got != filepath.Join(dir, FileName) {
		t.Errorf("Discover() = %q", got)
	}
}

func TestFileDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.yml")
	writeTestFile(t, path, "a: 1\n")
	d1, err := FileDigest(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(d1) != 64 {
		t.Errorf("len(digest) = %d, want 64", len(d1))
	}
	writeTestFile(t, path, "a: 2\n")
	d2, _ := FileDigest(path)
	if d1 == d2 {
		t.Error("digest did not change with content")
	}
}
