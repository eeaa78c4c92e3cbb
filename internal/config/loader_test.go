package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/orchestrator.yaml"
	require.NoError(t, os.WriteFile(path, []byte("model: gpt-test\nqa:\n  enabled: false\n"), 0644))

	t.Setenv("DEEPAGENTS_QA", "true")
	t.Setenv("DEEPAGENTS_SELF_HEAL_MAX_ROUNDS", "5")

	l, err := NewLoader(LoaderOptions{Type: SourceFile, Path: path})
	require.NoError(t, err)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "gpt-test", cfg.Model)
	assert.True(t, cfg.QA.Enabled, "env var must override YAML value")
	assert.Equal(t, 5, cfg.SelfHeal.MaxRounds)
	assert.Equal(t, 600*time.Second, cfg.QA.TimeoutS, "default applied when unset")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	l, err := NewLoader(LoaderOptions{Type: SourceFile, Path: "/nonexistent/orchestrator.yaml"})
	require.NoError(t, err)

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.GitSync.Branch)
	assert.Equal(t, 3, cfg.SelfHeal.MaxRounds)
}

func TestConfigDefaultsExcludes(t *testing.T) {
	c := &Config{}
	c.SetDefaults()
	assert.Contains(t, c.GitSync.Excludes, "node_modules/")
	assert.Contains(t, c.GitSync.Excludes, ".env")
}
