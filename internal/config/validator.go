package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/conduit/internal/auth"
)

// validate checks a defaulted configuration. All problems are reported
// together.
func validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(cfg.Service.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("service.log_level %q is not one of debug, info, warn, error", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		add("service.log_format %q is not json or text", cfg.Service.LogFormat)
	}
	if cfg.Service.OutputRetention < 0 {
		add("service.output_retention must not be negative")
	}

	seen := make(map[string]bool, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if a.Name == "" {
			add("agents[%d]: name is required", i)
			continue
		}
		if seen[a.Name] {
			add("agents[%d]: duplicate agent %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.Executor != ExecutorShell && a.Executor != ExecutorDocker {
			add("agent %q: executor %q is not shell or docker", a.Name, a.Executor)
		}
		if a.Concurrency < 0 {
			add("agent %q: concurrency must be positive", a.Name)
		}
		if a.Timeout < 0 {
			add("agent %q: timeout must not be negative", a.Name)
		}
	}

	for name, p := range cfg.Projects {
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			add("project %q: name must not contain path separators", name)
		}
		if p.Definition == "" {
			add("project %q: definition is required", name)
		}
		if err := checkUnresolvedEnvVars(p.Variables); err != nil {
			add("project %q: %w", name, err)
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			add("api.listen is required when the API is enabled")
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			add("api.auth requires api_key or tokens when the API is enabled")
		}
		for i, t := range cfg.API.Auth.Tokens {
			if t.Token == "" {
				add("api.auth.tokens[%d]: token is empty", i)
			}
			for _, s := range t.Scopes {
				if !auth.KnownScope(s) {
					add("api.auth.tokens[%d]: unknown scope %q", i, s)
				}
			}
		}
	}

	if cfg.Webhooks != nil {
		paths := make(map[string]bool)
		for i, ep := range cfg.Webhooks.Endpoints {
			if !strings.HasPrefix(ep.Path, "/") {
				add("webhook[%d]: path %q must start with /", i, ep.Path)
			}
			if paths[ep.Path] {
				add("webhook[%d]: duplicate path %q", i, ep.Path)
			}
			paths[ep.Path] = true
			if _, ok := cfg.Projects[ep.Project]; !ok {
				add("webhook[%d] (%s): project %q does not exist", i, ep.Path, ep.Project)
			}
			if ep.Provider != ProviderGitHub && ep.Provider != ProviderGitLab {
				add("webhook[%d] (%s): provider %q is not github or gitlab", i, ep.Path, ep.Provider)
			}
			if ep.Secret == "" || envVarPattern.MatchString(ep.Secret) {
				add("webhook[%d] (%s): secret is required", i, ep.Path)
			}
			if ep.MaxBodySize != "" {
				if _, err := ParseByteSize(ep.MaxBodySize); err != nil {
					add("webhook[%d] (%s): max_body_size: %w", i, ep.Path, err)
				}
			}
		}
		if len(cfg.Webhooks.Endpoints) > 0 && cfg.Webhooks.Listen == "" {
			add("webhooks.listen is required when endpoints are configured")
		}
	}

	return errors.Join(errs...)
}

// checkUnresolvedEnvVars reports ${VAR} references whose variable was not
// set at load time.
func checkUnresolvedEnvVars(vars map[string]string) error {
	for k, v := range vars {
		if m := envVarPattern.FindStringSubmatch(v); m != nil {
			return fmt.Errorf("variable %s references unset environment variable %s", k, m[1])
		}
	}
	return nil
}
