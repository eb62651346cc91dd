package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mount_point: /mnt/swarm
daemon:
  base_url: http://localhost:3030
  username: admin
streams:
  max_streams: 10
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/mnt/swarm", cfg.MountPoint)
	assert.Equal(t, "http://localhost:3030", cfg.Daemon.BaseURL)
	assert.Equal(t, "admin", cfg.Daemon.Username)
	assert.Equal(t, 10, cfg.Streams.MaxStreams)
	// Untouched fields keep their defaults.
	assert.Equal(t, uint32(5), cfg.Daemon.FailureThreshold)
}

func TestValidateRequiresMountPointAndBaseURL(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())

	cfg.MountPoint = "/mnt/swarm"
	assert.Error(t, cfg.Validate())

	cfg.Daemon.BaseURL = "http://localhost:3030"
	assert.NoError(t, cfg.Validate())
}
