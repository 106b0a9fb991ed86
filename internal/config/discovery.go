package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the configuration file looked for in every location.
const FileName = "conduit.yaml"

// EnvConfig names the environment variable holding a config path.
const EnvConfig = "CONDUIT_CONFIG"

// Discover finds the configuration file. Priority order: explicit (the
// --config flag), $CONDUIT_CONFIG, ~/.config/conduit/conduit.yaml,
// /etc/conduit/conduit.yaml, ./conduit.yaml.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	for _, candidate := range candidates() {
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/conduit/%s, /etc/conduit/%s, ./%s)",
		EnvConfig, FileName, FileName, FileName)
}

func candidates() []string {
	var out []string
	if p := os.Getenv(EnvConfig); p != "" {
		if dirExists(p) {
			p = filepath.Join(p, FileName)
		}
		out = append(out, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".config", "conduit", FileName))
	}
	out = append(out, filepath.Join("/etc/conduit", FileName), FileName)
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
