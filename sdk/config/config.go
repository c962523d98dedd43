// Package config provides the public SDK configuration API. It re-exports
// the server configuration types and helpers so external callers can embed
// Pollux without importing internal packages.
package config

import internalconfig "github.com/pollux-proxy/pollux/internal/config"

type Config = internalconfig.Config

type ProviderConfig = internalconfig.ProviderConfig

const (
	DefaultOAuthTPS      = internalconfig.DefaultOAuthTPS
	DefaultRetryMaxTimes = internalconfig.DefaultRetryMaxTimes
	ShutdownGrace        = internalconfig.ShutdownGrace
)

func LoadConfig(path string) (*Config, error) { return internalconfig.LoadConfig(path) }

func LoadConfigOptional(path string, optional bool) (*Config, error) {
	return internalconfig.LoadConfigOptional(path, optional)
}

func SaveConfig(path string, cfg *Config) error { return internalconfig.SaveConfig(path, cfg) }
