// Package pool wraps sync.Pool with a typed API and a metric counting allocations.
package pool

import (
	"sync"

	"github.com/linchenxuan/pipc/metrics"
)

// Pool is a typed sync.Pool. Every object it has to allocate because the pool was
// empty is counted under its name.
type Pool[T any] struct {
	Name string
	pool sync.Pool
}

// New creates a pool named name whose empty-pool allocations use newFunc.
func New[T any](name string, newFunc func() T) *Pool[T] {
	p := &Pool[T]{Name: name}
	p.pool.New = func() any {
		metrics.IncrCounterWithDimGroup(metrics.NamePoolCreateTotal, metrics.GroupPIPC, 1, metrics.Dimension{
			metrics.DimPoolName: name,
		})
		return newFunc()
	}
	return p
}

// Get returns a pooled object or a new one.
func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns x to the pool.
func (p *Pool[T]) Put(x T) {
	p.pool.Put(x)
}

// NewBuffers returns a pool of byte buffers of a fixed size.
func NewBuffers(name string, size int) *Pool[*[]byte] {
	return New(name, func() *[]byte {
		b := make([]byte, size)
		return &b
	})
}
