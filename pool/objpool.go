// File: pool/objpool.go
// Author: momentics <momentics@gmail.com>
//
// Generic object pool and the byte buffer pool the wire engine uses for
// outbound frames.

package pool

import "sync"

// ObjectPool is a generic object pool.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool wraps sync.Pool for generic usage.
type SyncPool[T any] struct {
	pool *sync.Pool
}

// NewSyncPool creates a new SyncPool with a creator function.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	return &SyncPool[T]{
		pool: &sync.Pool{New: func() any { return creator() }},
	}
}

func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

func (sp *SyncPool[T]) Put(obj T) {
	sp.pool.Put(obj)
}

// BytePool recycles byte slices of a typical size. Slices that grew past
// maxRetain are left to the GC so one large frame does not pin memory.
type BytePool struct {
	p         *SyncPool[*[]byte]
	maxRetain int
}

// NewBytePool creates a pool handing out zero-length slices with capacity
// at least size.
func NewBytePool(size, maxRetain int) *BytePool {
	return &BytePool{
		p: NewSyncPool(func() *[]byte {
			b := make([]byte, 0, size)
			return &b
		}),
		maxRetain: maxRetain,
	}
}

// Get returns an empty slice from the pool.
func (b *BytePool) Get() []byte {
	return (*b.p.Get())[:0]
}

// Put returns buf to the pool.
func (b *BytePool) Put(buf []byte) {
	if buf == nil || (b.maxRetain > 0 && cap(buf) > b.maxRetain) {
		return
	}
	buf = buf[:0]
	b.p.Put(&buf)
}
