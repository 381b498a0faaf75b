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
	path := filepath.Join(t.TempDir(), "dockhand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.Host)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Parallel)
	assert.False(t, cfg.FailFast)
	assert.True(t, cfg.Wait)
	assert.Equal(t, 30*time.Second, cfg.WaitTimeout)
	assert.Nil(t, cfg.Defaults)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
host: ssh://deploy@prod.internal
log_level: debug
base_dir: /srv/stacks
parallel: 8
wait_timeout: 2m
defaults:
  allow_prune: true
  directories:
    data: /mnt/fast
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ssh://deploy@prod.internal", cfg.Host)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/srv/stacks", cfg.BaseDir)
	assert.Equal(t, 8, cfg.Parallel)
	assert.Equal(t, 2*time.Minute, cfg.WaitTimeout)
	assert.Equal(t, true, cfg.Defaults["allow_prune"])
	dirs, ok := cfg.Defaults["directories"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/mnt/fast", dirs["data"])
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DOCKHAND_HOST", "tcp://10.0.0.5:2376")
	t.Setenv("DOCKHAND_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "tcp://10.0.0.5:2376", cfg.Host)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := writeConfig(t, "host: tcp://file.example:2375\n")
	t.Setenv("DOCKHAND_HOST", "tcp://env.example:2375")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://env.example:2375", cfg.Host)
}

func TestLoadRejectsBadParallel(t *testing.T) {
	path := writeConfig(t, "parallel: 0\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parallel")
}

func TestLoadRejectsBadWaitTimeout(t *testing.T) {
	path := writeConfig(t, "wait_timeout: -5s\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wait_timeout")
}
