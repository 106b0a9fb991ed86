package webhook

import (
	"strings"
	"testing"

	"github.com/mattjoyce/conduit/internal/config"
)

func TestFromGlobalConfig(t *testing.T) {
	cfg, err := FromGlobalConfig(&config.WebhooksConfig{
		Listen: "127.0.0.1:8081",
		Endpoints: []config.WebhookEndpoint{
			{Path: "/gh", Project: "api", Provider: "github", Secret: "s", MaxBodySize: "2MB"},
			{Path: "/gl", Project: "web", Provider: "gitlab", Secret: "t", SignatureHeader: "X-Gitlab-Token"},
		},
	})
	if err != nil {
		t.Fatalf("FromGlobalConfig: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8081" || len(cfg.Endpoints) != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got := cfg.Endpoints[0].MaxBodySize; got != 2<<20 {
		t.Errorf("MaxBodySize = %d, want %d", got, 2<<20)
	}
	if got := cfg.Endpoints[1].MaxBodySize; got != DefaultMaxBodySize {
		t.Errorf("default MaxBodySize = %d", got)
	}
	if cfg.Endpoints[1].Project != "web" || cfg.Endpoints[1].Provider != ProviderGitLab {
		t.Errorf("endpoint = %+v", cfg.Endpoints[1])
	}
}

func TestFromGlobalConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		wc   *config.WebhooksConfig
		want string
	}{
		{name: "nil", want: "nil"},
		{name: "no secret", wc: &config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{Path: "/x"}}}, want: "no secret"},
		{name: "bad size", wc: &config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{Path: "/x", Secret: "s", MaxBodySize: "lots"}}}, want: "max_body_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromGlobalConfig(tt.wc)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}
