// Package pool provides a wrapper around sync.Pool that counts allocations.
package pool

import (
	"sync"

	"github.com/linchenxuan/vigil/metrics"
)

// Pool is a typed sync.Pool that records a supportability count every time it allocates.
type Pool[T any] struct {
	Name  string // Name scopes the allocation metric.
	pool  sync.Pool
	reset func(T)
}

// NewPool creates a new instrumented pool.
// newFunc is called when the pool is empty; reset, if non-nil, runs on every Put.
func NewPool[T any](name string, newFunc func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{
		Name:  name,
		reset: reset,
	}
	p.pool.New = func() any {
		metrics.IncrCounterWithScope(metrics.NamePoolCreateTotal, name, 1)
		return newFunc()
	}
	return p
}

// Put resets x and adds it back to the pool for reuse.
func (p *Pool[T]) Put(x T) {
	if p.reset != nil {
		p.reset(x)
	}
	p.pool.Put(x)
}

// Get retrieves an item from the pool, allocating one if the pool is empty.
func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}
