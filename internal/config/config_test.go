package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
listen: "127.0.0.1:8080"
database-url: "file:pollux.db"
auth-key: "secret"
gemini-cli:
  api-url: "https://cloudcode-pa.googleapis.com"
  oauth-tps: 10
  model-list:
    - "gemini-2.5-pro"
codex:
  api-url: "https://chatgpt.com/backend-api/codex/responses"
  enable-multiplexing: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Listen != "127.0.0.1:8080" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
	if cfg.GeminiCLI.OAuthTPS != 10 {
		t.Fatalf("GeminiCLI.OAuthTPS = %d, want 10", cfg.GeminiCLI.OAuthTPS)
	}
	if len(cfg.GeminiCLI.ModelList) != 1 || cfg.GeminiCLI.ModelList[0] != "gemini-2.5-pro" {
		t.Fatalf("GeminiCLI.ModelList = %v", cfg.GeminiCLI.ModelList)
	}
	if !cfg.Codex.EnableMultiplexing {
		t.Fatal("Codex.EnableMultiplexing = false, want true")
	}
}

func TestProviderConfig_EffectiveDefaults(t *testing.T) {
	var p ProviderConfig
	if got := p.EffectiveOAuthTPS(); got != DefaultOAuthTPS {
		t.Fatalf("EffectiveOAuthTPS() = %d, want %d", got, DefaultOAuthTPS)
	}
	if got := p.EffectiveRetryMaxTimes(); got != DefaultRetryMaxTimes {
		t.Fatalf("EffectiveRetryMaxTimes() = %d, want %d", got, DefaultRetryMaxTimes)
	}

	p.OAuthTPS = 20
	p.RetryMaxTimes = 5
	if got := p.EffectiveOAuthTPS(); got != 20 {
		t.Fatalf("EffectiveOAuthTPS() = %d, want 20", got)
	}
	if got := p.EffectiveRetryMaxTimes(); got != 5 {
		t.Fatalf("EffectiveRetryMaxTimes() = %d, want 5", got)
	}
}

func TestLoadConfigOptional_MissingFileReturnsZeroValue(t *testing.T) {
	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "missing.yaml"), true)
	if err != nil {
		t.Fatalf("LoadConfigOptional() error = %v", err)
	}
	if cfg.Listen != "" {
		t.Fatalf("Listen = %q, want empty zero value", cfg.Listen)
	}
}

func TestLoadConfig_MissingFileErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("LoadConfig() error = nil, want error for missing required file")
	}
}
