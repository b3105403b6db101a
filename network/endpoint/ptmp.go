package endpoint

import (
	"sync/atomic"
)

type slot struct {
	valid atomic.Bool
	ep    atomic.Pointer[PtpEndpoint]
}

// PtmpEndpoint is a fixed array of endpoint slots claimed without locks. A slot
// index is the session id of the connection it holds.
type PtmpEndpoint struct {
	slots []slot
}

// NewPtmp creates a table of n empty slots.
func NewPtmp(n int) *PtmpEndpoint {
	return &PtmpEndpoint{slots: make([]slot, n)}
}

// Cap returns the number of slots.
func (p *PtmpEndpoint) Cap() int { return len(p.slots) }

// Allocate claims the first free slot and returns its index, or -1 when every slot
// is taken. The slot holds no endpoint until Install.
func (p *PtmpEndpoint) Allocate() int {
	for i := range p.slots {
		s := &p.slots[i]
		if !s.valid.Load() && s.valid.CompareAndSwap(false, true) {
			s.ep.Store(nil)
			return i
		}
	}
	return -1
}

// Install publishes ep in a slot claimed by Allocate.
func (p *PtmpEndpoint) Install(idx int, ep *PtpEndpoint) {
	ep.index = idx
	p.slots[idx].ep.Store(ep)
}

// Deallocate releases a slot. The endpoint stays in place until the slot is reused.
func (p *PtmpEndpoint) Deallocate(idx int) {
	if idx < 0 || idx >= len(p.slots) {
		return
	}
	p.slots[idx].valid.Store(false)
}

// Get returns the endpoint in slot idx if the slot is in use.
func (p *PtmpEndpoint) Get(idx int) *PtpEndpoint {
	if idx < 0 || idx >= len(p.slots) {
		return nil
	}
	s := &p.slots[idx]
	if !s.valid.Load() {
		return nil
	}
	return s.ep.Load()
}

// Find returns the index of an installed endpoint matching candidate up to depth,
// or -1.
func (p *PtmpEndpoint) Find(candidate *PtpEndpoint, depth int) int {
	idx := -1
	p.Range(func(i int, ep *PtpEndpoint) bool {
		if ep.Matches(candidate, depth) {
			idx = i
			return false
		}
		return true
	})
	return idx
}

// Range calls fn for every installed endpoint until fn returns false.
func (p *PtmpEndpoint) Range(fn func(idx int, ep *PtpEndpoint) bool) {
	for i := range p.slots {
		if ep := p.Get(i); ep != nil {
			if !fn(i, ep) {
				return
			}
		}
	}
}

// Len counts the slots in use.
func (p *PtmpEndpoint) Len() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].valid.Load() {
			n++
		}
	}
	return n
}
