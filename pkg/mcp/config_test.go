package mcp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deskwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
command: agent-server
args: ["--stdio"]
container: desktop-1
container_user: operator
env:
  DISPLAY: ":0"
request_timeout: 45s
reconnect_delay: 500ms
max_reconnect_attempts: 8
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "agent-server", cfg.Command)
	assert.Equal(t, []string{"--stdio"}, cfg.Args)
	assert.Equal(t, "desktop-1", cfg.ContainerName)
	assert.Equal(t, "operator", cfg.ContainerUser)
	assert.Equal(t, ":0", cfg.Env["DISPLAY"])
	assert.Equal(t, 45*time.Second, cfg.RequestTimeout.value())
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectDelay.value())
	assert.Equal(t, 8, cfg.MaxReconnectAttempts)

	// Unset fields take defaults.
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout.value())
	assert.Equal(t, DefaultHealthInterval, cfg.HealthInterval.value())
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "command: agent-server\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout.value())
	assert.Equal(t, DefaultReconnectDelay, cfg.ReconnectDelay.value())
	assert.Equal(t, DefaultMaxReconnectAttempts, cfg.MaxReconnectAttempts)
	assert.Equal(t, DefaultContainerUser, cfg.ContainerUser)
	assert.Equal(t, "deskwire", cfg.ClientName)
}

func TestLoadConfigRejectsMissingCommand(t *testing.T) {
	path := writeConfig(t, "args: [\"--stdio\"]\n")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command is required")
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "command: x\nrequest_timeout: soon\n")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
