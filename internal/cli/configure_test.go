package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/taskpilot/internal/config"
)

func TestConfigure_WritesProfile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "taskpilot.json")

	root := GetRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs([]string{"configure", "--config", configPath, "--api-key", "test-key", "--provider", "openai", "--model", "gpt-4o"})
	require.NoError(t, root.Execute())

	cfg, err := config.NewLoader(configPath).Load()
	require.NoError(t, err)

	require.Len(t, cfg.AI.Profiles, 1)
	assert.Equal(t, "openai", cfg.AI.Profiles[0].Provider)
	assert.Equal(t, "test-key", cfg.AI.Profiles[0].APIKey)
	assert.Equal(t, "gpt-4o", cfg.AI.Model)
	assert.Contains(t, out.String(), "Configuration saved")
}

func TestConfigure_RequiresAPIKey(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "taskpilot.json")

	root := GetRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"configure", "--config", configPath, "--api-key", ""})
	assert.Error(t, root.Execute())
}
