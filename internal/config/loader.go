package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, merges, defaults and validates the configuration at
// configPath. A directory is accepted when it holds conduit.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, FileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", FileName, absPath)
		}
	}

	cfg := Defaults()
	if err := loadConfigFile(absPath, cfg); err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	applyConfigDefaults(cfg)
	resolvePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadConfigFile decodes path on top of dst. Fields absent from the file
// keep their current value.
func loadConfigFile(path string, dst *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), dst); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return nil
}

// loadIncludes merges included files. Projects, agents, API tokens and
// webhook endpoints are additive. Scalar sections are ignored in includes.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(includePath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: cycle through %s", i, absPath)
		}
		visited[absPath] = true

		var inc Config
		if err := loadConfigFile(absPath, &inc); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, absPath, err)
		}
		incDir := filepath.Dir(absPath)
		for name, p := range inc.Projects {
			if _, dup := cfg.Projects[name]; dup {
				return fmt.Errorf("include[%d] (%s): project %q already defined", i, absPath, name)
			}
			cfg.Projects[name] = resolveProject(p, incDir)
		}
		cfg.Agents = append(cfg.Agents, inc.Agents...)
		cfg.API.Auth.Tokens = append(cfg.API.Auth.Tokens, inc.API.Auth.Tokens...)
		if inc.Webhooks != nil {
			if cfg.Webhooks == nil {
				cfg.Webhooks = &WebhooksConfig{}
			}
			if cfg.Webhooks.Listen == "" {
				cfg.Webhooks.Listen = inc.Webhooks.Listen
			}
			cfg.Webhooks.Endpoints = append(cfg.Webhooks.Endpoints, inc.Webhooks.Endpoints...)
		}
		if len(inc.Include) > 0 {
			if err := loadIncludes(cfg, inc.Include, incDir, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyConfigDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.TickInterval <= 0 {
		cfg.Service.TickInterval = def.Service.TickInterval
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = def.Service.LogFormat
	}
	if cfg.Service.ShutdownTimeout <= 0 {
		cfg.Service.ShutdownTimeout = def.Service.ShutdownTimeout
	}
	if cfg.State.Path == "" {
		cfg.State.Path = def.State.Path
	}
	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = def.Artifacts.Dir
	}
	if cfg.Artifacts.CacheDir == "" {
		cfg.Artifacts.CacheDir = def.Artifacts.CacheDir
	}
	if cfg.Artifacts.WorkspacesDir == "" {
		cfg.Artifacts.WorkspacesDir = def.Artifacts.WorkspacesDir
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}

	if len(cfg.Agents) == 0 {
		cfg.Agents = []AgentConfig{DefaultAgent()}
	}
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.Executor == "" {
			a.Executor = ExecutorShell
		}
		if a.Concurrency == 0 {
			a.Concurrency = 1
		}
	}

	if cfg.Projects == nil {
		cfg.Projects = make(map[string]ProjectConfig)
	}
	for name, p := range cfg.Projects {
		if p.DefaultBranch == "" {
			p.DefaultBranch = "main"
		}
		cfg.Projects[name] = p
	}

	if cfg.Webhooks != nil {
		for i := range cfg.Webhooks.Endpoints {
			ep := &cfg.Webhooks.Endpoints[i]
			if ep.SignatureHeader != "" {
				continue
			}
			switch ep.Provider {
			case ProviderGitHub:
				ep.SignatureHeader = "X-Hub-Signature-256"
			case ProviderGitLab:
				ep.SignatureHeader = "X-Gitlab-Token"
			}
		}
	}
}

// resolvePaths makes relative paths relative to the config file.
func resolvePaths(cfg *Config, baseDir string) {
	abs := func(p string) string {
		if p == "" || p == ":memory:" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.State.Path = abs(cfg.State.Path)
	cfg.Artifacts.Dir = abs(cfg.Artifacts.Dir)
	cfg.Artifacts.CacheDir = abs(cfg.Artifacts.CacheDir)
	cfg.Artifacts.WorkspacesDir = abs(cfg.Artifacts.WorkspacesDir)
	for name, p := range cfg.Projects {
		cfg.Projects[name] = resolveProject(p, baseDir)
	}
}

func resolveProject(p ProjectConfig, baseDir string) ProjectConfig {
	if p.Definition != "" && !filepath.IsAbs(p.Definition) {
		p.Definition = filepath.Join(baseDir, p.Definition)
	}
	if p.Dir != "" && !filepath.IsAbs(p.Dir) {
		p.Dir = filepath.Join(baseDir, p.Dir)
	}
	return p
}

// interpolateEnv replaces ${VAR} with the environment value. Unset
// variables are left as-is so validation can point at them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// ParseByteSize parses "1MB", "512KB", "2GB" or a plain byte count.
func ParseByteSize(size string) (int64, error) {
	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}, {"B", 1}} {
		if strings.HasSuffix(upper, u.suffix) {
			multiplier = u.mult
			upper = strings.TrimSuffix(upper, u.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q: %w", size, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
