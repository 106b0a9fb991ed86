package webhook

import (
	"context"

	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/trigger"
)

// Triggerer creates pipelines for verified deliveries.
type Triggerer interface {
	Trigger(ctx context.Context, project string, tc trigger.Context) (*runstore.Run, error)
}

// Recorder counts deliveries per endpoint and response code.
type Recorder interface {
	ObserveWebhook(endpoint, code string)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string           `yaml:"listen"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/webhook/github")
	Path string `yaml:"path"`

	// Project is the configured project pipelines are created for.
	Project string `yaml:"project"`

	// Provider selects the payload format: "github" or "gitlab".
	Provider string `yaml:"provider"`

	// Secret is the HMAC secret for signature verification. For GitLab's
	// X-Gitlab-Token header it is compared as a shared token.
	Secret string `yaml:"secret,omitempty"`

	// SignatureHeader is the HTTP header containing the signature
	// Examples: "X-Hub-Signature-256" (GitHub), "X-Gitlab-Token" (GitLab)
	SignatureHeader string `yaml:"signature_header"`

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB)
	MaxBodySize int64 `yaml:"max_body_size,omitempty"`
}

// TriggerResponse is the JSON response for accepted deliveries.
type TriggerResponse struct {
	PipelineID string `json:"pipeline_id"`
	Project    string `json:"project"`
	Ref        string `json:"ref"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize = 1048576 // 1 MB

	ProviderGitHub = "github"
	ProviderGitLab = "gitlab"

	gitlabTokenHeader = "X-Gitlab-Token"
)
