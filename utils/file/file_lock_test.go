package file

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExclusiveLock(t *testing.T) {
	p := filepath.Join(t.TempDir(), "pipcd.lock")
	assert.False(t, IsLock(p))

	first := NewFileLock(p)
	require.NoError(t, first.Lock())
	assert.True(t, IsLock(p))

	// flock locks belong to the open file, so a second open conflicts even in-process
	second := NewFileLock(p)
	assert.ErrorIs(t, second.Lock(), ErrLocked)
	assert.ErrorIs(t, second.RLock(), ErrLocked)

	require.NoError(t, first.Unlock())
	require.NoError(t, first.Unlock())
	assert.False(t, IsLock(p))
	require.NoError(t, second.Lock())
	require.NoError(t, second.Unlock())
}

func TestSharedLock(t *testing.T) {
	p := filepath.Join(t.TempDir(), "missing")
	assert.ErrorIs(t, NewFileLock(p).RLock(), ErrFileNotExist)

	w := NewFileLock(p)
	require.NoError(t, w.Lock())
	require.NoError(t, w.Unlock())

	a, b := NewFileLock(p), NewFileLock(p)
	require.NoError(t, a.RLock())
	require.NoError(t, b.RLock())
	assert.True(t, IsLock(p))
	require.NoError(t, a.RUnlock())
	require.NoError(t, b.RUnlock())
}
