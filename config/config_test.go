package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/linchenxuan/pipc/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cfg.Perm, cfg.Socket.Perm)
	assert.Equal(t, "/dev/shm/pipc_sd_sockets3", cfg.Paths().SdSocket(3))
}

func TestDecodeOverlaysDefaults(t *testing.T) {
	cfg, err := Decode(map[string]any{
		"prefix":      "/tmp/x_",
		"perm":        "0640",
		"processName": "radar",
		"socket":      map[string]any{"queueLength": 16, "protected": true},
		"dispatcher":  map[string]any{"recvRateLimit": 100, "tokenBurst": 10},
		"log":         map[string]any{"level": "debug"},
		"daemon": map[string]any{
			"maxProviders": 4,
			"grants":       map[string]any{"radar": []any{1, 2}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x_", cfg.Prefix)
	assert.Equal(t, os.FileMode(0o640), cfg.Perm)
	assert.Equal(t, os.FileMode(0o640), cfg.Socket.Perm)
	assert.Equal(t, uint32(16), cfg.Socket.QueueLength)
	assert.Equal(t, uint32(256), cfg.Socket.MaxPayload)
	assert.True(t, cfg.Socket.Protected)
	assert.Equal(t, 100, cfg.Dispatcher.RecvRateLimit)
	assert.Equal(t, 8, cfg.Dispatcher.StaticPorts)
	assert.Equal(t, log.DebugLevel, cfg.Log.LogLevel)
	assert.Equal(t, 4, cfg.Daemon.MaxProviders)
	assert.Equal(t, []uint64{1, 2}, cfg.Daemon.Grants["radar"])
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]map[string]any{
		"bad perm":        {"perm": "rw"},
		"empty prefix":    {"prefix": ""},
		"too many eps":    {"endpoints": 300},
		"bad socket":      {"socket": map[string]any{"queueLength": 0}},
		"bad dispatcher":  {"dispatcher": map[string]any{"staticPorts": 0}},
		"wrong type":      {"endpoints": []int{1}},
		"no log appender": {"log": map[string]any{"consoleAppender": false}},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(m)
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "pipc.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"processName":"cam","endpoints":8}`), 0o600))
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "cam", cfg.ProcessName)
	assert.Equal(t, 8, cfg.Endpoints)

	require.NoError(t, os.WriteFile(p, []byte(`{`), 0o600))
	_, err = Load(p)
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestSocketPerm(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, os.FileMode(0o600), cfg.Socket.Perm)

	cfg, err := Decode(map[string]any{"perm": "0660"})
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), cfg.Socket.Perm, "root perm reaches the socket section")

	cfg, err = Decode(map[string]any{"perm": "0660", "socket": map[string]any{"perm": 0o640}})
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), cfg.Socket.Perm, "socket perm wins over the root")
}
