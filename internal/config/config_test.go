// ABOUTME: Tests for configuration loading and validation
// ABOUTME: Covers defaults, YAML overrides, env expansion, and validation errors

package config

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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
agent:
  mode: remote
  endpoint: "http://localhost:9000/invoke"
auth:
  token_secret: "test-secret"
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8100, cfg.Sandbox.PortBase)
	assert.Equal(t, 100, cfg.Sandbox.PortCount)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 120*time.Second, cfg.Sandbox.ReadyTimeout.Std())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Agent.Headless)
	assert.Empty(t, cfg.Agent.RecordingRoot)
	assert.Empty(t, cfg.Sandbox.DatasetPath)
}

func TestLoad_SandboxDatasetAndAgentExtras(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
sandbox:
  dataset_path: "data/benchmark.sql"
agent:
  mode: remote
  endpoint: "http://localhost:9000/invoke"
  headless: false
  recording_root: "/var/recordings"
  access_note: "Log in first. "
auth:
  token_secret: "test-secret"
`))
	require.NoError(t, err)

	assert.Equal(t, "data/benchmark.sql", cfg.Sandbox.DatasetPath)
	assert.False(t, cfg.Agent.Headless)
	assert.Equal(t, "/var/recordings", cfg.Agent.RecordingRoot)
	assert.Equal(t, "Log in first. ", cfg.Agent.AccessNote)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: 9999
sandbox:
  port_base: 20000
  port_count: 50
  ready_timeout: "45s"
engine:
  workers: 8
  queue_size: 16
agent:
  mode: local
  command: "/usr/local/bin/agent"
  args: ["--headless"]
  timeout: "5m"
auth:
  token_secret: "test-secret"
`))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 20000, cfg.Sandbox.PortBase)
	assert.Equal(t, 45*time.Second, cfg.Sandbox.ReadyTimeout.Std())
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, "local", cfg.Agent.Mode)
	assert.Equal(t, []string{"--headless"}, cfg.Agent.Args)
	assert.Equal(t, 5*time.Minute, cfg.Agent.Timeout.Std())
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("ARENA_TEST_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, `
agent:
  mode: remote
  endpoint: "http://localhost:9000/invoke"
auth:
  token_secret: "${ARENA_TEST_SECRET}"
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.TokenSecret)
}

func TestLoad_MissingSecretRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
agent:
  mode: remote
  endpoint: "http://localhost:9000/invoke"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_secret")
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
sandbox:
  ready_timeout: "two minutes"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidate_AgentMode(t *testing.T) {
	cfg := Default()
	cfg.Auth.TokenSecret = "s"

	cfg.Agent.Mode = "remote"
	cfg.Agent.Endpoint = ""
	assert.Error(t, cfg.Validate())

	cfg.Agent.Mode = "local"
	cfg.Agent.Command = ""
	assert.Error(t, cfg.Validate())

	cfg.Agent.Command = "agent"
	assert.NoError(t, cfg.Validate())

	cfg.Agent.Mode = "telepathy"
	assert.Error(t, cfg.Validate())
}

func TestValidate_WorkersVsPorts(t *testing.T) {
	cfg := Default()
	cfg.Auth.TokenSecret = "s"
	cfg.Agent.Endpoint = "http://localhost:9000/invoke"

	cfg.Engine.Workers = 10
	cfg.Sandbox.PortCount = 5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starve")
}

func TestLoad_FileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestExample_IsLoadable(t *testing.T) {
	t.Setenv("ARENA_TOKEN_SECRET", "example-secret")
	t.Setenv("ARENA_DB_PASSWORD", "example-password")

	cfg, err := Load(writeConfig(t, Example()))
	require.NoError(t, err)
	assert.Equal(t, "example-secret", cfg.Auth.TokenSecret)
	assert.Equal(t, "example-password", cfg.Sandbox.DataStorePassword)
}
