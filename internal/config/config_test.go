package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.MgmtPort.T1)
	assert.Equal(t, 3, cfg.Peer.BusyRetries)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "A", cfg.Platform.Side)
	assert.True(t, cfg.Platform.PortPersist)
	assert.Equal(t, 8, cfg.Platform.PortLimits["sas_be"])
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modmgmt.yaml")
	body := []byte(`
mgmt_port:
  t1: 2s
platform:
  side: B
  conversion:
    IO_MODULE:2: IO_MODULE:4
storage:
  backend: etcd
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("MODMGMT_PEER_BUSY_RETRIES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.MgmtPort.T1)
	assert.Equal(t, "B", cfg.Platform.Side)
	assert.Equal(t, "etcd", cfg.Storage.Backend)
	assert.Equal(t, 7, cfg.Peer.BusyRetries)
	assert.Len(t, cfg.Platform.Conversion, 1)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: floppy\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.backend")
}
