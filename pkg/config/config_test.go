package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Jobs.RingSize)
	assert.Equal(t, 5*time.Second, cfg.HA.RetryInterval)
	assert.Equal(t, 21064, cfg.DLM.Port)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "middlewared.yaml")
	data := `
node_id: node-b
state_dir: /tmp/state
jobs:
  ring_size: 16
  abort_timeout: 2s
ha:
  enabled: true
  node: B
  peer_url: ws://169.254.10.1:6000/websocket
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-b", cfg.NodeID)
	assert.Equal(t, 16, cfg.Jobs.RingSize)
	assert.Equal(t, 2*time.Second, cfg.Jobs.AbortTimeout)
	assert.Equal(t, "B", cfg.HA.Node)
	assert.Equal(t, "/tmp/state/ha-journal", cfg.JournalPath())
	assert.Equal(t, "/tmp/state/cache.db", cfg.PersistentCachePath())
}

func TestValidateReportsAllFailures(t *testing.T) {
	cfg := Default()
	cfg.Jobs.RingSize = 0
	cfg.HA.Node = "C"
	cfg.HA.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RingSize")
	assert.Contains(t, err.Error(), "Node")
	assert.Contains(t, err.Error(), "PeerURL")
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs: [1, 2"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.NodeID = "node-x"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-x", loaded.NodeID)
}
