package queue

import (
	"encoding/binary"
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegion(cfg Config) []byte {
	words := make([]uint64, (RegionSize(cfg)+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}

func newQueue(t *testing.T, cfg Config) (*Queue, []byte) {
	t.Helper()
	region := newRegion(cfg)
	q, err := Init(region, cfg)
	require.NoError(t, err)
	return q, region
}

func TestQueueFIFO(t *testing.T) {
	q, _ := newQueue(t, Config{Capacity: 4, MaxPayload: 16})
	dst := make([]byte, q.MaxPayload())

	_, err := q.TryPop(dst)
	assert.ErrorIs(t, err, retcode.QueueEmpty)

	for i := byte(0); i < 4; i++ {
		require.NoError(t, q.TryPush([]byte{i, i + 1}))
	}
	assert.Equal(t, 4, q.Len())
	assert.ErrorIs(t, q.TryPush([]byte{9}), retcode.QueueFull)
	assert.Equal(t, 4, q.Len())

	for i := byte(0); i < 4; i++ {
		n, err := q.TryPop(dst)
		require.NoError(t, err)
		assert.Equal(t, []byte{i, i + 1}, dst[:n])
	}
	_, err = q.TryPop(dst)
	assert.ErrorIs(t, err, retcode.QueueEmpty)

	// wrap around several times
	for i := 0; i < 10; i++ {
		require.NoError(t, q.TryPush([]byte{byte(i)}))
		n, err := q.TryPop(dst)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, dst[:n])
	}
}

func TestQueuePushTooLarge(t *testing.T) {
	q, _ := newQueue(t, Config{Capacity: 2, MaxPayload: 4})
	assert.ErrorIs(t, q.TryPush(make([]byte, 5)), retcode.GeneralError)
}

func TestQueueEmplaceClamps(t *testing.T) {
	q, _ := newQueue(t, Config{Capacity: 2, MaxPayload: 4})
	require.NoError(t, q.TryEmplace(func(buf []byte) int {
		assert.Len(t, buf, 4)
		copy(buf, "abcd")
		return 100
	}))
	msg, err := q.TryPeek()
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(msg))
}

func TestQueuePeekDiscard(t *testing.T) {
	q, _ := newQueue(t, Config{Capacity: 2, MaxPayload: 8})
	_, err := q.TryPeek()
	assert.ErrorIs(t, err, retcode.QueueEmpty)
	assert.ErrorIs(t, q.Discard(), retcode.QueueEmpty)

	require.NoError(t, q.TryPush([]byte("one")))
	require.NoError(t, q.TryPush([]byte("two")))

	msg, err := q.TryPeek()
	require.NoError(t, err)
	assert.Equal(t, "one", string(msg))
	again, err := q.TryPeek()
	require.NoError(t, err)
	assert.Equal(t, "one", string(again))

	require.NoError(t, q.Discard())
	msg, err = q.TryPeek()
	require.NoError(t, err)
	assert.Equal(t, "two", string(msg))
	require.NoError(t, q.Discard())
	assert.Equal(t, 0, q.Len())
}

func TestQueueAttach(t *testing.T) {
	cfg := Config{Capacity: 3, MaxPayload: 10, Protected: true}
	q, region := newQueue(t, cfg)
	require.NoError(t, q.TryPush([]byte("hello")))

	peer, err := Attach(region)
	require.NoError(t, err)
	assert.Equal(t, 3, peer.Capacity())
	assert.Equal(t, 10, peer.MaxPayload())
	assert.True(t, peer.Protected())

	dst := make([]byte, peer.MaxPayload())
	n, err := peer.TryPop(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(dst[:n]))

	_, err = Attach(region[:RegionSize(cfg)-1])
	assert.Error(t, err)

	blank := newRegion(cfg)
	_, err = Attach(blank)
	assert.Error(t, err)
}

func TestQueueInitInvalid(t *testing.T) {
	_, err := Init(newRegion(Config{Capacity: 1, MaxPayload: 1}), Config{})
	assert.Error(t, err)
	cfg := Config{Capacity: 4, MaxPayload: 8}
	_, err = Init(newRegion(Config{Capacity: 1, MaxPayload: 8}), cfg)
	assert.Error(t, err)
}

func TestQueueChecksum(t *testing.T) {
	cfg := Config{Capacity: 2, MaxPayload: 16, Protected: true}
	q, region := newQueue(t, cfg)
	require.NoError(t, q.TryPush([]byte("payload")))
	require.NoError(t, q.TryPush([]byte("second")))

	// flip a payload byte of slot 0
	region[_offSlots+_slotHdrSize] ^= 0xff

	dst := make([]byte, q.MaxPayload())
	n, err := q.TryPop(dst)
	assert.ErrorIs(t, err, retcode.ChecksumError)
	assert.Equal(t, 0, n)

	n, err = q.TryPop(dst)
	require.NoError(t, err)
	assert.Equal(t, "second", string(dst[:n]))

	// corrupt the inverse word only
	require.NoError(t, q.TryPush([]byte("third")))
	slot := _offSlots + 0*int(slotStride(cfg.MaxPayload))
	region[slot+_slotOffInvSum] ^= 0x01
	_, err = q.TryPop(dst)
	assert.ErrorIs(t, err, retcode.ChecksumError)
	assert.Equal(t, 0, q.Len())
}

func TestQueueConcurrentProducers(t *testing.T) {
	const producers, perProducer = 4, 500
	q, _ := newQueue(t, Config{Capacity: 64, MaxPayload: 8, Protected: true})

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			var buf [8]byte
			for i := 0; i < perProducer; {
				binary.LittleEndian.PutUint64(buf[:], uint64(p*perProducer+i))
				if err := q.TryPush(buf[:]); err == nil {
					i++
				}
			}
		}(p)
	}

	got := make([]int, 0, producers*perProducer)
	dst := make([]byte, 8)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for len(got) < producers*perProducer {
		n, err := q.TryPop(dst)
		if err != nil {
			require.ErrorIs(t, err, retcode.QueueEmpty)
			continue
		}
		require.Equal(t, 8, n)
		got = append(got, int(binary.LittleEndian.Uint64(dst)))
	}
	<-done

	sort.Ints(got)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}
