package socket

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.QueueLength = 4
	cfg.MaxPayload = 32
	return cfg
}

func pair(t *testing.T, cfg Config) (*Socket, *Socket) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proc_sockets1")
	a, err := Create(path, 2, cfg, Straight)
	require.NoError(t, err)
	b, err := Connect(path, 1, Crossover)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, b.Close())
		assert.NoError(t, a.Close())
	})
	return a, b
}

func TestSocketStraightCrossover(t *testing.T) {
	a, b := pair(t, testConfig())
	assert.Equal(t, NodeID(2), a.Peer())
	assert.Equal(t, Crossover, b.Mode())

	require.NoError(t, a.Send([]byte("ping")))
	require.NoError(t, b.Wait())
	msg, err := b.TryPeek()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg))
	require.NoError(t, b.Discard())

	_, err = a.TryPeek()
	assert.ErrorIs(t, err, retcode.QueueEmpty)

	require.NoError(t, b.SendEmplace(func(buf []byte) int {
		return copy(buf, "pong")
	}))
	require.NoError(t, a.Wait())
	dst := make([]byte, a.MaxPayload())
	n, err := a.TryPop(dst)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(dst[:n]))
}

func TestSocketLoopback(t *testing.T) {
	cfg := testConfig()
	s, err := Create(filepath.Join(t.TempDir(), "loop"), 0, cfg, Loopback)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Send([]byte("self")))
	assert.Equal(t, 1, s.Pending())
	require.NoError(t, s.Wait())
	msg, err := s.TryPeek()
	require.NoError(t, err)
	assert.Equal(t, "self", string(msg))
}

func TestSocketQueueFull(t *testing.T) {
	a, _ := pair(t, testConfig())
	for i := 0; i < 4; i++ {
		require.NoError(t, a.Send([]byte{byte(i)}))
	}
	assert.ErrorIs(t, a.Send([]byte{9}), retcode.QueueFull)
	assert.ErrorIs(t, a.Send(make([]byte, 33)), retcode.GeneralError)
}

func TestSocketNotifyUnblocksWait(t *testing.T) {
	_, b := pair(t, testConfig())
	done := make(chan error, 1)
	go func() { done <- b.Wait() }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Notify())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait not released by notify")
	}
	_, err := b.TryPeek()
	assert.ErrorIs(t, err, retcode.QueueEmpty)
}

func TestSocketProtected(t *testing.T) {
	cfg := testConfig()
	cfg.Protected = true
	a, b := pair(t, cfg)
	assert.True(t, a.Protected())
	assert.True(t, b.Protected())

	require.NoError(t, a.Send([]byte("guarded")))
	dst := make([]byte, b.MaxPayload())
	n, err := b.TryPop(dst)
	require.NoError(t, err)
	assert.Equal(t, "guarded", string(dst[:n]))
}

func TestSocketCreateConnectErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s")

	_, err := Connect(path, 0, Straight)
	assert.ErrorIs(t, err, retcode.GeneralError)

	_, err = Create(path, 0, Config{}, Straight)
	assert.ErrorIs(t, err, retcode.GeneralError)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, os.WriteFile(path, make([]byte, 128), 0o600))
	_, err = Connect(path, 0, Straight)
	assert.ErrorIs(t, err, retcode.GeneralError)
	_, err = Create(path, 0, testConfig(), Straight)
	assert.ErrorIs(t, err, retcode.GeneralError)
}

func TestSocketCloseUnlinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s")
	s, err := Create(path, 0, testConfig(), Straight)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	assert.ErrorIs(t, s.Send([]byte("x")), retcode.NotConnected)

	cfg := testConfig()
	cfg.UnlinkOnClose = false
	s, err = Create(path, 0, cfg, Straight)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, statErr = os.Stat(path)
	assert.NoError(t, statErr)
}
