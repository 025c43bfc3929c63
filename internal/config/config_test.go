package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".storyline.yaml")
	body := `
agent:
  backend: cli
  command: amp
  requests_per_minute: 6
review:
  max_retries: 5
gate:
  mode: full
  timeout_seconds: 45
  max_retries: 3
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "amp", cfg.Agent.Command)
	assert.Equal(t, 6, cfg.Agent.RequestsPerMinute)
	assert.Equal(t, 5, cfg.Review.MaxRetries)
	assert.Equal(t, "full", cfg.Gate.Mode)
	assert.Equal(t, 45, cfg.Gate.TimeoutSeconds)
	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultConfig().Locations.Stories, cfg.Locations.Stories)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad backend", "agent:\n  backend: carrier-pigeon\n"},
		{"bad gate mode", "gate:\n  mode: fast\n"},
		{"zero retries", "review:\n  max_retries: 0\n"},
		{"bad editor", "editor: yolo\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ".storyline.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveDefaultRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".storyline.yaml")
	require.NoError(t, SaveDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Error(t, SaveDefault(path))
}
