// Package config loads drover's runtime configuration from
// .drover/config.json with environment variable overrides. A missing file
// is not an error; the environment alone can fully configure a run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"drover/internal/agent"
	"drover/internal/gateway"
)

// DefaultPath is the config file location relative to the working
// directory.
const DefaultPath = ".drover/config.json"

// Config holds all drover configuration.
type Config struct {
	Model     ModelConfig     `json:"model"`
	Execution ExecutionConfig `json:"execution"`
	Providers []ToolProvider  `json:"tool_providers"`

	// PolicyPath points at an optional YAML permission policy overlay.
	PolicyPath string `json:"policy_path,omitempty"`
}

// ModelConfig configures the upstream model backend.
type ModelConfig struct {
	Provider string `json:"provider"` // anthropic, openai
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// ExecutionConfig tunes the conversation loop.
type ExecutionConfig struct {
	Mode          string `json:"mode,omitempty"` // plan, ask, auto, yolo
	MaxIterations int    `json:"max_iterations,omitempty"`
	ToolTimeout   string `json:"tool_timeout,omitempty"`
	SystemPrompt  string `json:"system_prompt,omitempty"`

	// ListenAddr, when set, accepts inbound websocket tool providers.
	ListenAddr string `json:"listen_addr,omitempty"`
}

// ToolProvider describes one tool provider to connect at startup.
type ToolProvider struct {
	Name      string `json:"name"`
	Transport string `json:"transport"` // stdio, ws
	Endpoint  string `json:"endpoint"`  // command line or ws:// URL
	Enabled   bool   `json:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Execution: ExecutionConfig{
			Mode:          "ask",
			MaxIterations: agent.DefaultMaxIterations,
			ToolTimeout:   "30s",
		},
	}
}

// Load reads the config file at path (DefaultPath when empty) and applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Environment-only configuration.
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration back to path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variables over file values. A
// present provider key both supplies the credential and selects the
// provider.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Model.APIKey = key
		c.Model.Provider = "anthropic"
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Model.Provider != "anthropic" {
		c.Model.APIKey = key
		c.Model.Provider = "openai"
	}
	if model := os.Getenv("DROVER_MODEL"); model != "" {
		c.Model.Model = model
	}
	if url := os.Getenv("DROVER_BASE_URL"); url != "" {
		c.Model.BaseURL = url
	}
	if mode := os.Getenv("DROVER_MODE"); mode != "" {
		c.Execution.Mode = mode
	}
}

// Validate checks that a runnable configuration is present.
func (c *Config) Validate() error {
	if c.Model.APIKey == "" {
		return &agent.AuthError{
			Provider: c.Model.Provider,
			Reason:   "no API key configured (set ANTHROPIC_API_KEY or OPENAI_API_KEY)",
		}
	}
	switch gateway.Provider(c.Model.Provider) {
	case gateway.ProviderAnthropic, gateway.ProviderOpenAI:
	default:
		return fmt.Errorf("invalid model provider %q (valid: anthropic, openai)", c.Model.Provider)
	}
	return nil
}

// GatewayConfig converts the model section into gateway settings.
func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		Provider: gateway.Provider(c.Model.Provider),
		APIKey:   c.Model.APIKey,
		BaseURL:  c.Model.BaseURL,
		Model:    c.Model.Model,
		Timeout:  c.ModelTimeout(),
	}
}

// ModelTimeout returns the model request timeout.
func (c *Config) ModelTimeout() time.Duration {
	d, err := time.ParseDuration(c.Model.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// ToolTimeout returns the per-tool-call timeout.
func (c *Config) ToolTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.ToolTimeout)
	if err != nil || d <= 0 {
		return agent.DefaultToolTimeout
	}
	return d
}
