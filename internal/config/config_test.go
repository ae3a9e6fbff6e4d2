package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultSocketPath, cfg.SocketPath)
	assert.Equal(t, os.FileMode(0o660), cfg.SocketMode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.UpstreamURL)
	assert.Empty(t, cfg.Token)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	content := "upstream_url: \"ws://ha.local:8123\"\ntoken: \"abc123\"\nsocket_path: \"/tmp/custom.sock\"\nlog_level: \"debug\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://ha.local:8123", cfg.UpstreamURL)
	assert.Equal(t, "abc123", cfg.Token)
	assert.Equal(t, "/tmp/custom.sock", cfg.SocketPath)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEnvVarOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	content := "upstream_url: \"ws://from-file:8123\"\ntoken: \"file-token\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("GOOFYDECK_UPSTREAM_URL", "ws://from-env:8123")
	t.Setenv("GOOFYDECK_TOKEN", "env-token")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://from-env:8123", cfg.UpstreamURL)
	assert.Equal(t, "env-token", cfg.Token)
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("token: \"first\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "first", cfg.Token)

	require.NoError(t, os.WriteFile(path, []byte("token: \"second\"\n"), 0o600))
	fresh, err := cfg.Reload()
	require.NoError(t, err)
	assert.Equal(t, "second", fresh.Token)
}
