package shm

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentCreateOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")

	seg, err := Create(path, 4096, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, seg.Size())
	seg.Bytes()[10] = 0x5a

	_, err = Create(path, 4096, 0)
	assert.ErrorIs(t, err, retcode.GeneralError)

	peer, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5a), peer.Bytes()[10])
	peer.Bytes()[11] = 0xa5
	assert.Equal(t, byte(0xa5), seg.Bytes()[11])

	require.NoError(t, peer.Close())
	require.NoError(t, peer.Close())
	require.NoError(t, seg.Unlink())
	require.NoError(t, seg.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, retcode.GeneralError)
}

func TestSegmentCreateInvalid(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(filepath.Join(dir, "zero"), 0, 0)
	assert.ErrorIs(t, err, retcode.GeneralError)

	_, err = Create(filepath.Join(dir, "missing", "seg"), 64, 0)
	assert.ErrorIs(t, err, retcode.GeneralError)
}

func newTestSemaphore(t *testing.T) *Semaphore {
	t.Helper()
	buf := make([]uint64, 1)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), SemaphoreSize)
	s, err := NewSemaphore(b)
	require.NoError(t, err)
	return s
}

func TestSemaphoreTryWait(t *testing.T) {
	s := newTestSemaphore(t)
	assert.False(t, s.TryWait())
	require.NoError(t, s.Post())
	require.NoError(t, s.Post())
	assert.Equal(t, uint32(2), s.Value())
	assert.True(t, s.TryWait())
	assert.True(t, s.TryWait())
	assert.False(t, s.TryWait())
}

func TestSemaphoreWaitWakes(t *testing.T) {
	s := newTestSemaphore(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Wait())
	}()

	select {
	case <-done:
		t.Fatal("wait returned before post")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, s.Post())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after post")
	}
	assert.Equal(t, uint32(0), s.Value())
}

func TestSemaphoreAcrossMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sem")
	seg, err := Create(path, 64, 0)
	require.NoError(t, err)
	defer seg.Close()
	peer, err := Open(path)
	require.NoError(t, err)
	defer peer.Close()

	a, err := NewSemaphore(seg.Bytes())
	require.NoError(t, err)
	b, err := NewSemaphore(peer.Bytes())
	require.NoError(t, err)

	const n = 100
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			assert.NoError(t, b.Wait())
		}
	}()
	for i := 0; i < n; i++ {
		require.NoError(t, a.Post())
	}
	wg.Wait()
	assert.Equal(t, uint32(0), a.Value())
}
