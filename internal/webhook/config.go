package webhook

import (
	"fmt"

	"github.com/mattjoyce/conduit/internal/config"
)

// FromGlobalConfig converts config.WebhooksConfig to webhook.Config and
// parses max body sizes.
func FromGlobalConfig(wc *config.WebhooksConfig) (Config, error) {
	if wc == nil {
		return Config{}, fmt.Errorf("webhooks config is nil")
	}

	cfg := Config{
		Listen:    wc.Listen,
		Endpoints: make([]EndpointConfig, len(wc.Endpoints)),
	}

	for i, ep := range wc.Endpoints {
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("webhook endpoint %q: no secret configured", ep.Path)
		}

		maxBodySize := int64(DefaultMaxBodySize)
		if ep.MaxBodySize != "" {
			n, err := config.ParseByteSize(ep.MaxBodySize)
			if err != nil {
				return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
			}
			maxBodySize = n
		}

		cfg.Endpoints[i] = EndpointConfig{
			Path:            ep.Path,
			Project:         ep.Project,
			Provider:        ep.Provider,
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
			MaxBodySize:     maxBodySize,
		}
	}

	return cfg, nil
}
