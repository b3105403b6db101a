package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// SemaphoreSize is the number of bytes a Semaphore occupies in shared memory.
const SemaphoreSize = 8

// Semaphore is a counting semaphore over two words of shared memory: the count and
// the number of sleepers. The zero bytes are a semaphore with count 0.
type Semaphore struct {
	count   *uint32
	waiters *uint32
}

// NewSemaphore overlays a semaphore on b, which must be at least SemaphoreSize long
// and 4-byte aligned.
func NewSemaphore(b []byte) (*Semaphore, error) {
	if len(b) < SemaphoreSize {
		return nil, fmt.Errorf("semaphore needs %d bytes, got %d", SemaphoreSize, len(b))
	}
	if uintptr(unsafe.Pointer(&b[0]))%4 != 0 {
		return nil, fmt.Errorf("semaphore memory is not 4-byte aligned")
	}
	return &Semaphore{
		count:   (*uint32)(unsafe.Pointer(&b[0])),
		waiters: (*uint32)(unsafe.Pointer(&b[4])),
	}, nil
}

// Post increments the count and wakes one sleeper, if any.
func (s *Semaphore) Post() error {
	atomic.AddUint32(s.count, 1)
	if atomic.LoadUint32(s.waiters) == 0 {
		return nil
	}
	return futexWake(s.count, 1)
}

// Wait blocks until the count is positive and decrements it.
func (s *Semaphore) Wait() error {
	for {
		if s.TryWait() {
			return nil
		}
		atomic.AddUint32(s.waiters, 1)
		err := futexWait(s.count, 0)
		atomic.AddUint32(s.waiters, ^uint32(0))
		if err != nil {
			return err
		}
	}
}

// TryWait decrements a positive count and reports whether it did.
func (s *Semaphore) TryWait() bool {
	for {
		v := atomic.LoadUint32(s.count)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.count, v, v-1) {
			return true
		}
	}
}

// Value returns the current count.
func (s *Semaphore) Value() uint32 {
	return atomic.LoadUint32(s.count)
}
