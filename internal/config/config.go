// Package config loads the storyline configuration file and supplies
// defaults for everything the control programs need: storage locations,
// the agent backend, retry bounds, gate settings, and artifact paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config filename searched for in the working directory.
const DefaultPath = ".storyline.yaml"

// Config is the full storyline configuration loaded from YAML.
type Config struct {
	// Locations lists the directories searched for project documents.
	Locations LocationsConfig `yaml:"locations"`

	// Agent configures the reasoning-agent backend.
	Agent AgentConfig `yaml:"agent"`

	// Review configures the adversarial review and fix loop.
	Review ReviewConfig `yaml:"review"`

	// Gate configures acceptance-scenario validation.
	Gate GateConfig `yaml:"gate"`

	// Ledger configures the execution ledger database.
	Ledger LedgerConfig `yaml:"ledger"`

	// Editor selects the structured-document editing strategy:
	// "incremental" (preferred) or "rewrite" (whole-file fallback).
	Editor string `yaml:"editor"`
}

// LocationsConfig lists candidate directories, checked in order.
type LocationsConfig struct {
	// Stories are searched by work-item discovery.
	Stories []string `yaml:"stories"`

	// Units hold per-unit definition documents ({unit}.md).
	Units []string `yaml:"units"`

	// Acceptance hold acceptance-test documents (uat-{unit}.md).
	Acceptance []string `yaml:"acceptance"`

	// Artifacts is the root directory for generated artifacts
	// (metrics, fix contexts, human actions, handoffs, reports).
	Artifacts string `yaml:"artifacts"`
}

// AgentConfig configures how the reasoning agent is invoked.
type AgentConfig struct {
	// Backend is "cli" (spawn a local agent command) or "api"
	// (call the Anthropic API directly).
	Backend string `yaml:"backend"`

	// Command is the agent CLI executable (cli backend).
	Command string `yaml:"command"`

	// Args are passed before the prompt argument (cli backend).
	Args []string `yaml:"args"`

	// Model for the api backend. The STORYLINE_MODEL environment
	// variable overrides it.
	Model string `yaml:"model"`

	// RequestsPerMinute rate-limits agent invocations. 0 disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// MaxOutputLines caps captured agent output. Output beyond the cap is
	// dropped with an explicit truncation notice.
	MaxOutputLines int `yaml:"max_output_lines"`
}

// ReviewConfig bounds the review↔fix cycle.
type ReviewConfig struct {
	// MaxRetries bounds review↔fix iterations per work item.
	MaxRetries int `yaml:"max_retries"`
}

// GateConfig configures scenario validation and self-healing.
type GateConfig struct {
	// Mode is quick, full, or skip.
	Mode string `yaml:"mode"`

	// TimeoutSeconds bounds each scenario subprocess.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxRetries bounds self-healing iterations.
	MaxRetries int `yaml:"max_retries"`
}

// LedgerConfig locates the execution ledger.
type LedgerConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Locations: LocationsConfig{
			Stories:    []string{"stories", "docs/stories", "backlog"},
			Units:      []string{"units", "docs/units"},
			Acceptance: []string{"uat", "docs/uat"},
			Artifacts:  "artifacts",
		},
		Agent: AgentConfig{
			Backend:        "cli",
			Command:        "claude",
			Args:           []string{"--dangerously-skip-permissions", "--print"},
			Model:          "claude-sonnet-4-5-20250929",
			MaxOutputLines: 10000,
		},
		Review: ReviewConfig{
			MaxRetries: 3,
		},
		Gate: GateConfig{
			Mode:           "quick",
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Ledger: LedgerConfig{
			Path: filepath.Join(".storyline", "storyline.db"),
		},
		Editor: "incremental",
	}
}

// Load reads the config file at path, layering it over the defaults.
// A missing file is not an error: the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the loaded configuration for values the control programs
// cannot work with.
func (c *Config) Validate() error {
	if len(c.Locations.Stories) == 0 {
		return fmt.Errorf("locations.stories cannot be empty")
	}
	if c.Agent.Backend != "cli" && c.Agent.Backend != "api" {
		return fmt.Errorf("unknown agent backend: %q", c.Agent.Backend)
	}
	if c.Agent.Backend == "cli" && c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required for the cli backend")
	}
	if c.Agent.RequestsPerMinute < 0 {
		return fmt.Errorf("agent.requests_per_minute cannot be negative")
	}
	if c.Review.MaxRetries < 1 {
		return fmt.Errorf("review.max_retries must be at least 1 (got %d)", c.Review.MaxRetries)
	}
	if c.Gate.Mode != "" && c.Gate.Mode != "quick" && c.Gate.Mode != "full" && c.Gate.Mode != "skip" {
		return fmt.Errorf("unknown gate mode: %q", c.Gate.Mode)
	}
	if c.Gate.TimeoutSeconds < 1 {
		return fmt.Errorf("gate.timeout_seconds must be at least 1 (got %d)", c.Gate.TimeoutSeconds)
	}
	if c.Gate.MaxRetries < 1 {
		return fmt.Errorf("gate.max_retries must be at least 1 (got %d)", c.Gate.MaxRetries)
	}
	if c.Editor != "" && c.Editor != "incremental" && c.Editor != "rewrite" {
		return fmt.Errorf("unknown editor strategy: %q", c.Editor)
	}
	return nil
}

// SaveDefault writes a starter configuration file. Used by `storyline init`.
func SaveDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
