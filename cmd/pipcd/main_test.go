package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("", "/dev/shm/test_")
	require.NoError(t, err)
	assert.Equal(t, "/dev/shm/test_", cfg.Prefix)

	path := filepath.Join(t.TempDir(), "pipc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"prefix": "/tmp/a_", "endpoints": 8, "daemon": {"maxProviders": 4}}`), 0o600))
	cfg, err = loadConfig(path, "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a_", cfg.Prefix)
	assert.Equal(t, 8, cfg.Endpoints)
	assert.Equal(t, 4, cfg.Daemon.MaxProviders)

	cfg, err = loadConfig(path, "/tmp/b_")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/b_", cfg.Prefix, "flag overrides the file")

	require.NoError(t, os.WriteFile(path, []byte(`{"endpoints": 0}`), 0o600))
	_, err = loadConfig(path, "")
	assert.Error(t, err)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.json"), "")
	assert.Error(t, err)
}
