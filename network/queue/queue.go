// Package queue implements the bounded multi-producer FIFO that carries PIPC messages
// through shared memory. The whole queue, control words included, lives in a caller
// supplied byte region so that two processes mapping the same memory share it.
package queue

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/linchenxuan/pipc/network/retcode"
)

const (
	_magic   uint64 = 0x5049504351554555 // "PIPCQUEU"
	_version uint32 = 1

	// Align is the minimum alignment of slots and payloads.
	Align = 8

	_cacheLine     = 64
	_offMagic      = 0
	_offVersion    = 8
	_offCapacity   = 12
	_offPayload    = 16
	_offFlags      = 20
	_offEnqueue    = _cacheLine
	_offDequeue    = 2 * _cacheLine
	_offSlots      = 3 * _cacheLine
	_slotHdrSize   = 32
	_slotOffSeq    = 0
	_slotOffLen    = 8
	_slotOffSum    = 16
	_slotOffInvSum = 24

	_flagProtected uint32 = 1
)

// Config fixes the shape of a queue at creation.
type Config struct {
	Capacity   uint32
	MaxPayload uint32
	Protected  bool
}

func (c Config) validate() error {
	if c.Capacity == 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.MaxPayload == 0 {
		return fmt.Errorf("queue max payload must be positive")
	}
	return nil
}

func alignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

func slotStride(maxPayload uint32) uintptr {
	return _slotHdrSize + alignUp(uintptr(maxPayload), Align)
}

// RegionSize returns the number of bytes a queue with cfg occupies.
func RegionSize(cfg Config) int {
	return int(_offSlots + uintptr(cfg.Capacity)*slotStride(cfg.MaxPayload))
}

// Queue is a view over a formatted region. Any number of producers may enqueue
// concurrently. TryPop is safe for several consumers, while TryPeek and Discard
// assume one consumer.
type Queue struct {
	region    []byte
	base      unsafe.Pointer
	capacity  uint64
	payload   int
	stride    uintptr
	protected bool
}

// Init formats region as an empty queue and returns a view of it.
func Init(region []byte, cfg Config) (*Queue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(region) < RegionSize(cfg) {
		return nil, fmt.Errorf("queue region too small: %d < %d", len(region), RegionSize(cfg))
	}
	if uintptr(unsafe.Pointer(&region[0]))%Align != 0 {
		return nil, fmt.Errorf("queue region is not %d-byte aligned", Align)
	}

	q := newView(region, cfg)
	*q.u32(_offVersion) = _version
	*q.u32(_offCapacity) = cfg.Capacity
	*q.u32(_offPayload) = cfg.MaxPayload
	var flags uint32
	if cfg.Protected {
		flags |= _flagProtected
	}
	*q.u32(_offFlags) = flags
	atomic.StoreUint64(q.u64(_offEnqueue), 0)
	atomic.StoreUint64(q.u64(_offDequeue), 0)
	for i := uint64(0); i < q.capacity; i++ {
		atomic.StoreUint64(q.slotSeq(i), i)
	}
	atomic.StoreUint64(q.u64(_offMagic), _magic)
	return q, nil
}

// Attach returns a view of a region previously formatted by Init, validating its
// control line against the region size.
func Attach(region []byte) (*Queue, error) {
	if len(region) < _offSlots {
		return nil, fmt.Errorf("queue region too small: %d", len(region))
	}
	if uintptr(unsafe.Pointer(&region[0]))%Align != 0 {
		return nil, fmt.Errorf("queue region is not %d-byte aligned", Align)
	}
	hdr := unsafe.Pointer(&region[0])
	if m := atomic.LoadUint64((*uint64)(hdr)); m != _magic {
		return nil, fmt.Errorf("queue magic mismatch: %#x", m)
	}
	ver := *(*uint32)(unsafe.Add(hdr, _offVersion))
	if ver != _version {
		return nil, fmt.Errorf("queue version %d unsupported", ver)
	}
	cfg := Config{
		Capacity:   *(*uint32)(unsafe.Add(hdr, _offCapacity)),
		MaxPayload: *(*uint32)(unsafe.Add(hdr, _offPayload)),
		Protected:  *(*uint32)(unsafe.Add(hdr, _offFlags))&_flagProtected != 0,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(region) < RegionSize(cfg) {
		return nil, fmt.Errorf("queue region %d shorter than layout %d", len(region), RegionSize(cfg))
	}
	return newView(region, cfg), nil
}

func newView(region []byte, cfg Config) *Queue {
	return &Queue{
		region:    region,
		base:      unsafe.Pointer(&region[0]),
		capacity:  uint64(cfg.Capacity),
		payload:   int(cfg.MaxPayload),
		stride:    slotStride(cfg.MaxPayload),
		protected: cfg.Protected,
	}
}

func (q *Queue) u32(off uintptr) *uint32 { return (*uint32)(unsafe.Add(q.base, off)) }
func (q *Queue) u64(off uintptr) *uint64 { return (*uint64)(unsafe.Add(q.base, off)) }

func (q *Queue) slot(i uint64) unsafe.Pointer {
	return unsafe.Add(q.base, _offSlots+uintptr(i)*q.stride)
}

func (q *Queue) slotSeq(i uint64) *uint64 { return (*uint64)(unsafe.Add(q.slot(i), _slotOffSeq)) }

func (q *Queue) slotData(p unsafe.Pointer) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(p, _slotHdrSize)), q.payload)
}

// Capacity returns the number of slots.
func (q *Queue) Capacity() int { return int(q.capacity) }

// MaxPayload returns the largest message a slot holds.
func (q *Queue) MaxPayload() int { return q.payload }

// Protected reports whether slots carry a checksum.
func (q *Queue) Protected() bool { return q.protected }

// Len returns a snapshot of the number of queued messages.
func (q *Queue) Len() int {
	enq := atomic.LoadUint64(q.u64(_offEnqueue))
	deq := atomic.LoadUint64(q.u64(_offDequeue))
	if enq <= deq {
		return 0
	}
	if n := enq - deq; n < q.capacity {
		return int(n)
	}
	return int(q.capacity)
}

// TryEmplace claims the tail slot and lets fill write the message in place. fill
// returns the number of bytes written, which is clamped to the payload size.
func (q *Queue) TryEmplace(fill func(buf []byte) int) error {
	enq := q.u64(_offEnqueue)
	pos := atomic.LoadUint64(enq)
	for {
		p := q.slot(pos % q.capacity)
		seq := atomic.LoadUint64((*uint64)(p))
		switch dif := int64(seq - pos); {
		case dif == 0:
			if !atomic.CompareAndSwapUint64(enq, pos, pos+1) {
				pos = atomic.LoadUint64(enq)
				continue
			}
			data := q.slotData(p)
			n := fill(data)
			if n < 0 {
				n = 0
			} else if n > q.payload {
				n = q.payload
			}
			*(*uint32)(unsafe.Add(p, _slotOffLen)) = uint32(n)
			if q.protected {
				sum := xxhash.Sum64(data[:n])
				*(*uint64)(unsafe.Add(p, _slotOffSum)) = sum
				*(*uint64)(unsafe.Add(p, _slotOffInvSum)) = ^sum
			}
			atomic.StoreUint64((*uint64)(p), pos+1)
			return nil
		case dif < 0:
			return retcode.QueueFull
		default:
			pos = atomic.LoadUint64(enq)
		}
	}
}

// TryPush copies msg into the tail slot.
func (q *Queue) TryPush(msg []byte) error {
	if len(msg) > q.payload {
		return fmt.Errorf("message of %d bytes exceeds payload %d: %w", len(msg), q.payload, retcode.GeneralError)
	}
	return q.TryEmplace(func(buf []byte) int {
		return copy(buf, msg)
	})
}

// TryPeek returns the head message in place without consuming it. The view is valid
// until Discard.
func (q *Queue) TryPeek() ([]byte, error) {
	pos := atomic.LoadUint64(q.u64(_offDequeue))
	p := q.slot(pos % q.capacity)
	if atomic.LoadUint64((*uint64)(p)) != pos+1 {
		return nil, retcode.QueueEmpty
	}
	n := *(*uint32)(unsafe.Add(p, _slotOffLen))
	return q.slotData(p)[:n], nil
}

// Discard releases the head slot returned by TryPeek.
func (q *Queue) Discard() error {
	deq := q.u64(_offDequeue)
	pos := atomic.LoadUint64(deq)
	p := q.slot(pos % q.capacity)
	if atomic.LoadUint64((*uint64)(p)) != pos+1 {
		return retcode.QueueEmpty
	}
	if !atomic.CompareAndSwapUint64(deq, pos, pos+1) {
		return retcode.QueueEmpty
	}
	atomic.StoreUint64((*uint64)(p), pos+q.capacity)
	return nil
}

// TryPop copies the head message into dst and releases the slot. dst must hold
// MaxPayload bytes. In protected mode a message whose checksum does not match is
// consumed and reported as ChecksumError.
func (q *Queue) TryPop(dst []byte) (int, error) {
	deq := q.u64(_offDequeue)
	pos := atomic.LoadUint64(deq)
	for {
		p := q.slot(pos % q.capacity)
		seq := atomic.LoadUint64((*uint64)(p))
		switch dif := int64(seq - (pos + 1)); {
		case dif == 0:
			if !atomic.CompareAndSwapUint64(deq, pos, pos+1) {
				pos = atomic.LoadUint64(deq)
				continue
			}
			n := int(*(*uint32)(unsafe.Add(p, _slotOffLen)))
			if n > q.payload {
				n = q.payload
			}
			data := q.slotData(p)[:n]
			var err error
			if q.protected {
				sum := *(*uint64)(unsafe.Add(p, _slotOffSum))
				inv := *(*uint64)(unsafe.Add(p, _slotOffInvSum))
				if sum != ^inv || xxhash.Sum64(data) != sum {
					err = retcode.ChecksumError
				}
			}
			if err == nil {
				n = copy(dst, data)
			} else {
				n = 0
			}
			atomic.StoreUint64((*uint64)(p), pos+q.capacity)
			return n, err
		case dif < 0:
			return 0, retcode.QueueEmpty
		default:
			pos = atomic.LoadUint64(deq)
		}
	}
}
