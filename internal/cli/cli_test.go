package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"serve"}, {"config"}, {"config", "check"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	cfg := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "c", cfg.Shorthand)
	assert.Equal(t, defaultConfigPath, cfg.DefValue)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestConfigCheckText(t *testing.T) {
	path := writeConfig(t, "codemarshal.yaml", "cache:\n  max_size: 64MiB\nconsumers:\n  workers: 3\n")
	out, err := runCLI(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "config ok")
	assert.Contains(t, out, "64 MiB")
	assert.Contains(t, out, "consumers:   3")
	assert.Contains(t, out, "storage:     disabled")
}

func TestConfigCheckJSONReportsEveryError(t *testing.T) {
	path := writeConfig(t, "codemarshal.json", `{"consumers":{"workers":-1},"scheduler":{"run_all_pause":"soon"}}`)
	out, err := runCLI(t, "config", "check", "--format", "json", "-c", path)
	require.Error(t, err)

	var res CheckResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 2)
}

func TestInvalidFormatRejected(t *testing.T) {
	_, err := runCLI(t, "config", "check", "--format", "xml")
	assert.Error(t, err)
}
