// Package config provides configuration management for the Pollux
// credential-pool scheduler. It handles loading and parsing YAML
// configuration files and provides structured access to server settings:
// listen address, database location, auth key, and per-provider options.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultOAuthTPS is the default token-bucket rate for a provider's refresh
// pipeline when oauth-tps is unset (spec.md §6.4).
const DefaultOAuthTPS = 5

// DefaultRetryMaxTimes is the default upstream call retry cap when
// retry-max-times is unset.
const DefaultRetryMaxTimes = 2

// ProviderConfig holds the options recognized per provider (spec.md §6.4).
type ProviderConfig struct {
	// APIURL is the upstream base URL for this provider.
	APIURL string `yaml:"api-url" json:"api-url"`

	// Proxy is an optional outbound proxy URL for upstream calls.
	Proxy string `yaml:"proxy,omitempty" json:"proxy,omitempty"`

	// OAuthTPS bounds the refresh pipeline's token-bucket rate; burst is
	// 2x this value. Defaults to DefaultOAuthTPS when <= 0.
	OAuthTPS int `yaml:"oauth-tps,omitempty" json:"oauth-tps,omitempty"`

	// ModelList restricts the models this provider's credentials may
	// serve; empty means no restriction beyond the global registry.
	ModelList []string `yaml:"model-list,omitempty" json:"model-list,omitempty"`

	// EnableMultiplexing allows HTTP/2 connection reuse across leases.
	// Default false forces HTTP/1 + Connection: close per credential.
	EnableMultiplexing bool `yaml:"enable-multiplexing,omitempty" json:"enable-multiplexing,omitempty"`

	// RetryMaxTimes caps upstream call retries. Defaults to
	// DefaultRetryMaxTimes when <= 0.
	RetryMaxTimes int `yaml:"retry-max-times,omitempty" json:"retry-max-times,omitempty"`
}

// EffectiveOAuthTPS returns OAuthTPS, substituting DefaultOAuthTPS when unset.
func (p ProviderConfig) EffectiveOAuthTPS() int {
	if p.OAuthTPS <= 0 {
		return DefaultOAuthTPS
	}
	return p.OAuthTPS
}

// EffectiveRetryMaxTimes returns RetryMaxTimes, substituting
// DefaultRetryMaxTimes when unset.
func (p ProviderConfig) EffectiveRetryMaxTimes() int {
	if p.RetryMaxTimes <= 0 {
		return DefaultRetryMaxTimes
	}
	return p.RetryMaxTimes
}

// Config is the top-level application configuration, loaded from a YAML
// file.
type Config struct {
	// Listen is the host:port the proxy's (out-of-scope) HTTP boundary
	// binds to.
	Listen string `yaml:"listen" json:"listen"`

	// DatabaseURL is the SQLite DSN the Persistence Actor opens (spec.md
	// §4.6).
	DatabaseURL string `yaml:"database-url" json:"database-url"`

	// AuthKey authenticates inbound client requests; compared
	// constant-time at the (out-of-scope) HTTP boundary.
	AuthKey string `yaml:"auth-key" json:"auth-key"`

	GeminiCLI   ProviderConfig `yaml:"gemini-cli" json:"gemini-cli"`
	Codex       ProviderConfig `yaml:"codex" json:"codex"`
	Antigravity ProviderConfig `yaml:"antigravity" json:"antigravity"`

	// RequestLog enables detailed request logging, matching the
	// teacher's verbose-logging toggle.
	RequestLog bool `yaml:"request-log,omitempty" json:"request-log,omitempty"`
}

// ShutdownGrace bounds how long Run() waits for in-flight actor mailboxes
// to drain during a graceful stop.
const ShutdownGrace = 10 * time.Second

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigOptional(path, false)
}

// LoadConfigOptional reads and parses the YAML file at path. If optional is
// true and the file does not exist, it returns a zero-value Config instead
// of an error.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg to path as YAML.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
