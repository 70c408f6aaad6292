package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "pulse", cmd.Use)
	assert.Contains(t, cmd.Long, "collector")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"send"},
		{"flush"},
		{"queue"},
		{"queue", "status"},
		{"queue", "purge"},
	}

	for _, path := range commands {
		t.Run(filepath.Join(path...), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))

	metricsFlag := cmd.PersistentFlags().Lookup("metrics")
	require.NotNil(t, metricsFlag)
	assert.Equal(t, "false", metricsFlag.DefValue)
}

func TestSendCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	sendCmd, _, err := cmd.Find([]string{"send"})
	require.NoError(t, err)

	fileFlag := sendCmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag)
	assert.Equal(t, "f", fileFlag.Shorthand)

	timeoutFlag := sendCmd.Flags().Lookup("timeout")
	require.NotNil(t, timeoutFlag)
	assert.Equal(t, DefaultDrainTimeout.String(), timeoutFlag.DefValue)

	require.NotNil(t, sendCmd.Flags().Lookup("endpoint"))
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"--format", "xml", "queue", "status", "--db", filepath.Join(t.TempDir(), "q.db")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
