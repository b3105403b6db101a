package endpoint

import (
	"sync"
	"testing"

	"github.com/linchenxuan/pipc/network/message"
	"github.com/linchenxuan/pipc/network/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPtmpAllocateUntilFull(t *testing.T) {
	p := NewPtmp(3)
	assert.Equal(t, 3, p.Cap())
	for i := 0; i < 3; i++ {
		assert.Equal(t, i, p.Allocate())
	}
	assert.Equal(t, -1, p.Allocate())
	assert.Equal(t, 3, p.Len())

	p.Deallocate(1)
	assert.Equal(t, 1, p.Allocate())
	p.Deallocate(-1)
	p.Deallocate(7)
}

func TestPtmpInstallAndGet(t *testing.T) {
	p := NewPtmp(2)
	ep, err := NewPtp([protocol.NumLayers]protocol.Layer{}, message.Bytes(8), Options{})
	require.NoError(t, err)

	idx := p.Allocate()
	assert.Nil(t, p.Get(idx))
	p.Install(idx, ep)
	assert.Same(t, ep, p.Get(idx))
	assert.Equal(t, idx, ep.Index())
	assert.Equal(t, idx, p.Find(ep, protocol.App))

	p.Deallocate(idx)
	assert.Nil(t, p.Get(idx))
	assert.Equal(t, -1, p.Find(ep, protocol.App))
	assert.Nil(t, p.Get(5))
}

func TestPtmpRange(t *testing.T) {
	p := NewPtmp(4)
	for i := 0; i < 3; i++ {
		ep, err := NewPtp([protocol.NumLayers]protocol.Layer{}, message.Bytes(8), Options{})
		require.NoError(t, err)
		p.Install(p.Allocate(), ep)
	}
	var seen []int
	p.Range(func(idx int, _ *PtpEndpoint) bool {
		seen = append(seen, idx)
		return idx < 1
	})
	assert.Equal(t, []int{0, 1}, seen)
}

func TestPtmpConcurrentAllocate(t *testing.T) {
	const capacity = 16
	p := NewPtmp(capacity)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		got  = map[int]int{}
		full int
	)
	for i := 0; i < capacity*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx := p.Allocate()
			mu.Lock()
			defer mu.Unlock()
			if idx < 0 {
				full++
				return
			}
			got[idx]++
		}()
	}
	wg.Wait()
	assert.Len(t, got, capacity)
	for idx, n := range got {
		assert.Equal(t, 1, n, "slot %d", idx)
	}
	assert.Equal(t, capacity, full)
}
