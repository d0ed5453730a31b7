package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PluginFile is the on-disk provider configuration. Providers are
// statically linked; the file selects which ones to activate, their
// credentials, and the per-channel default/fallback bindings.
type PluginFile struct {
	// Defaults maps channel → default/fallback provider IDs.
	Defaults map[string]ChannelDefaults `yaml:"defaults"`
	Plugins  []PluginEntry              `yaml:"plugins"`
}

type ChannelDefaults struct {
	Default  string `yaml:"default"`
	Fallback string `yaml:"fallback,omitempty"`
}

// PluginEntry activates one provider instance. Package names the
// statically-linked implementation; ID must be unique across the file.
type PluginEntry struct {
	Package     string            `yaml:"package"`
	ID          string            `yaml:"id"`
	Credentials map[string]string `yaml:"credentials"`
	Options     PluginOptions     `yaml:"options"`
}

type PluginOptions struct {
	Priority  int             `yaml:"priority"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig is a channel token bucket: capacity and sustained
// refill in tokens per second.
type RateLimitConfig struct {
	MaxTokens  float64 `yaml:"maxTokens"`
	RefillRate float64 `yaml:"refillRate"`
}

// LoadPlugins reads and parses the plugin file, expanding ${ENV_VAR}
// references inside credential values. Unset variables expand to "".
func LoadPlugins(path string) (*PluginFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin config: %w", err)
	}

	var pf PluginFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse plugin config: %w", err)
	}

	seen := make(map[string]bool, len(pf.Plugins))
	for i := range pf.Plugins {
		p := &pf.Plugins[i]
		if p.ID == "" || p.Package == "" {
			return nil, fmt.Errorf("plugin entry %d: package and id are required", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("plugin id %q configured twice", p.ID)
		}
		seen[p.ID] = true
		for k, v := range p.Credentials {
			p.Credentials[k] = os.Expand(v, os.Getenv)
		}
	}
	return &pf, nil
}
