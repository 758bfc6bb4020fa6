package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, 3, cfg.Contract.MaxAttempts)
	assert.Equal(t, 15, cfg.Session.MaxCoderSteps)
	assert.Equal(t, 3, cfg.Workflow.MaxRepairs)
	assert.Equal(t, 2, cfg.Workflow.MaxSpecRepairs)
	assert.Equal(t, 50_000, cfg.Sandbox.MaxFileReadBytes)
	assert.Equal(t, 30*time.Second, cfg.Sandbox.ShellTimeout)
	assert.Contains(t, cfg.Sandbox.AllowedCommands, "python3")
	assert.Contains(t, cfg.Sandbox.DenyPatterns, `sudo`)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "forge.yaml")
	content := "llm:\n  model: other-model\nworkflow:\n  max_repairs: 7\n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "other-model", cfg.LLM.Model)
	assert.Equal(t, 7, cfg.Workflow.MaxRepairs)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.Contract.MaxAttempts)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("FORGE_API_KEY", "env-key")
	t.Setenv("FORGE_MODEL", "env-model")
	t.Setenv("FORGE_SESSION_MAX_CODER_STEPS", "4")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.LLM.APIKey)
	assert.Equal(t, "env-model", cfg.LLM.Model)
	assert.Equal(t, 4, cfg.Session.MaxCoderSteps)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
