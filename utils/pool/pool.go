// Package pool wraps sync.Pool with a typed API and reports every allocation
// the pool could not satisfy from its free list.
package pool

import (
	"sync"

	"github.com/linchenxuan/conduit/metrics"
)

// Pool is a typed, instrumented sync.Pool.
type Pool[T any] struct {
	name string
	pool sync.Pool
}

// NewPool creates a pool named name. newFunc runs whenever the pool is empty.
func NewPool[T any](name string, newFunc func() T) *Pool[T] {
	p := &Pool[T]{name: name}
	p.pool.New = func() any {
		metrics.IncrCounterWithDimGroup(metrics.NamePoolCreateTotal, metrics.GroupConduit, 1, metrics.Dimension{
			metrics.DimPoolName: name,
		})
		return newFunc()
	}
	return p
}

func (p *Pool[T]) Name() string { return p.name }

func (p *Pool[T]) Get() T { return p.pool.Get().(T) }

func (p *Pool[T]) Put(x T) { p.pool.Put(x) }

// Chunk is a fixed-capacity read buffer.
type Chunk struct {
	B []byte
}

// ChunkPool hands out read buffers of one size.
type ChunkPool struct {
	size int
	p    *Pool[*Chunk]
}

// NewChunkPool creates a pool of size-byte chunks.
func NewChunkPool(name string, size int) *ChunkPool {
	return &ChunkPool{
		size: size,
		p: NewPool(name, func() *Chunk {
			return &Chunk{B: make([]byte, size)}
		}),
	}
}

// Get returns a chunk whose B has the pool's full size.
func (c *ChunkPool) Get() *Chunk {
	ch := c.p.Get()
	ch.B = ch.B[:c.size]
	return ch
}

// Put recycles ch. Chunks from another pool are dropped.
func (c *ChunkPool) Put(ch *Chunk) {
	if ch == nil || cap(ch.B) != c.size {
		return
	}
	c.p.Put(ch)
}
