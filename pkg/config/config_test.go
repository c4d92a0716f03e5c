package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "", cfg.ConfigPath())
}

func TestValidateRejectsNonPositiveThreadCount(t *testing.T) {
	cfg := Default()
	cfg.ThreadCount = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNetworkMisconfiguration(t *testing.T) {
	cfg := Default()
	cfg.Network.Enabled = true
	cfg.Network.MulticastGroup = ""
	assert.Error(t, cfg.Validate())

	cfg.Network.MulticastGroup = "239.226.152.162"
	cfg.Network.Port = 0
	assert.Error(t, cfg.Validate())

	cfg.Network.Port = 7447
	cfg.Network.MTU = 0
	assert.Error(t, cfg.Validate())

	cfg.Network.MTU = 1500
	cfg.Network.AnnounceInterval = 0
	assert.Error(t, cfg.Validate())

	cfg.Network.AnnounceInterval = 1
	assert.NoError(t, cfg.Validate())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nucleus.json")

	cfg := Default()
	cfg.ThreadCount = 9
	cfg.Network.Name = "peer-x"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.ThreadCount)
	assert.Equal(t, "peer-x", loaded.Network.Name)
	assert.Equal(t, path, loaded.ConfigPath())
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"thread_count": 3}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ThreadCount)
	assert.Equal(t, Default().Diagnostics.Addr, cfg.Diagnostics.Addr)
}
