// Package buf provides typed sync.Pool wrappers for transfer buffers.
package buf

import (
	"sync"
)

// MaxBufferSize is the largest buffer a pool takes back.
const MaxBufferSize = 64 * 1024

type Pool[T any] struct {
	pool   sync.Pool
	accept func(T) bool
}

// NewPool returns a pool that allocates with newFn and only retains buffers
// for which accept reports true. A nil accept retains everything.
func NewPool[T any](newFn func() T, accept func(T) bool) *Pool[T] {
	return &Pool[T]{
		accept: accept,
		pool:   sync.Pool{New: func() any { return newFn() }},
	}
}

func (p *Pool[T]) Get() T { return p.pool.Get().(T) }

func (p *Pool[T]) Put(b T) {
	if p.accept != nil && !p.accept(b) {
		return
	}
	p.pool.Put(b)
}

// NewBytes returns a pool of fixed size byte slices.
func NewBytes(size int) *Pool[*[]byte] {
	return NewPool(
		func() *[]byte { b := make([]byte, size); return &b },
		func(b *[]byte) bool { return cap(*b) <= MaxBufferSize },
	)
}
