package config

import "time"

// Config represents the complete conduit configuration.
type Config struct {
	// Include lists further files merged into this one (projects, agents,
	// tokens and webhook endpoints are additive).
	Include   []string                 `yaml:"include,omitempty"`
	Service   ServiceConfig            `yaml:"service"`
	State     StateConfig              `yaml:"state"`
	Artifacts ArtifactsConfig          `yaml:"artifacts"`
	Agents    []AgentConfig            `yaml:"agents"`
	Projects  map[string]ProjectConfig `yaml:"projects"`
	API       APIConfig                `yaml:"api,omitempty"`
	Webhooks  *WebhooksConfig          `yaml:"webhooks,omitempty"`

	// SourcePath is the absolute path of the loaded root file.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	TickInterval time.Duration `yaml:"tick_interval"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	// OutputRetention is how long attempt output stays in the run database.
	OutputRetention time.Duration `yaml:"output_retention"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// ArtifactsConfig places artifact archives, caches and attempt workspaces.
type ArtifactsConfig struct {
	Dir             string        `yaml:"dir"`
	CacheDir        string        `yaml:"cache_dir"`
	WorkspacesDir   string        `yaml:"workspaces_dir"`
	CacheMaxAge     time.Duration `yaml:"cache_max_age"`
	WorkspaceMaxAge time.Duration `yaml:"workspace_max_age"`
	KeepWorkspaces  bool          `yaml:"keep_workspaces,omitempty"`
}

// AgentConfig defines one pool of execution slots.
type AgentConfig struct {
	Name        string        `yaml:"name"`
	Executor    string        `yaml:"executor"`
	Tags        []string      `yaml:"tags,omitempty"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`

	// Shell is the interpreter of the shell executor.
	Shell string `yaml:"shell,omitempty"`

	// Docker executor settings.
	DefaultImage string `yaml:"default_image,omitempty"`
	Network      string `yaml:"network,omitempty"`
	PullPolicy   string `yaml:"pull_policy,omitempty"`
}

// ProjectConfig binds a name to a pipeline definition and checkout.
type ProjectConfig struct {
	Definition    string            `yaml:"definition"`
	Dir           string            `yaml:"dir"`
	DefaultBranch string            `yaml:"default_branch"`
	Variables     map[string]string `yaml:"variables,omitempty"`
	// AutoCancel supersedes older interruptible runs on the same ref.
	AutoCancel *bool `yaml:"auto_cancel,omitempty"`
}

// Supersedes reports whether new runs cancel older ones on the same ref.
func (p ProjectConfig) Supersedes() bool {
	return p.AutoCancel == nil || *p.AutoCancel
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines webhook listener settings.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Path     string `yaml:"path"`
	Project  string `yaml:"project"`
	Provider string `yaml:"provider"`
	Secret   string `yaml:"secret"`
	// SignatureHeader defaults per provider: X-Hub-Signature-256 for
	// github, X-Gitlab-Token for gitlab.
	SignatureHeader string `yaml:"signature_header,omitempty"`
	MaxBodySize     string `yaml:"max_body_size,omitempty"`
}

const (
	ExecutorShell  = "shell"
	ExecutorDocker = "docker"

	ProviderGitHub = "github"
	ProviderGitLab = "gitlab"
)

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "conduit",
			TickInterval:    5 * time.Minute,
			LogLevel:        "info",
			LogFormat:       "json",
			OutputRetention: 30 * 24 * time.Hour,
			ShutdownTimeout: 30 * time.Second,
		},
		State: StateConfig{
			Path: "./data/conduit.db",
		},
		Artifacts: ArtifactsConfig{
			Dir:             "./data/artifacts",
			CacheDir:        "./data/caches",
			WorkspacesDir:   "./data/workspaces",
			CacheMaxAge:     14 * 24 * time.Hour,
			WorkspaceMaxAge: 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Projects: make(map[string]ProjectConfig),
	}
}

// DefaultAgent is used when a configuration declares no agents.
func DefaultAgent() AgentConfig {
	return AgentConfig{
		Name:        "local",
		Executor:    ExecutorShell,
		Concurrency: 2,
	}
}
