package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetVersion(t *testing.T) {
	assert.Equal(t, "0.1.0", GetVersion())
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := GetRootCmd()
	require.NotNil(t, root)
	assert.Equal(t, "taskpilot", root.Use)

	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}

	for _, want := range []string{"serve", "status", "stop", "configure"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}
