// ============================================================================
// Mandelsplit Lock-free Arena - handle based node storage
// ============================================================================
//
// Package: internal/lockfree
// File: arena.go
// Purpose: Stable node storage addressed by small integer handles
//
// Layout:
//   ┌──────────────┐
//   │ chunks[0]    │──→ [node 1 .. node 1024]
//   │ chunks[1]    │──→ [node 1025 .. node 2048]
//   │ ...          │
//   │ chunks[4095] │
//   └──────────────┘
//
//   A Handle is index+1, so the zero Handle is the nil link. Chunks are
//   allocated once and never moved or freed while the arena is live, which
//   lets any goroutine dereference a handle it has observed without locking.
//
// Allocation:
//   1. Pop a handle from the arena's own free Stack (lock-free fast path)
//   2. On empty, take the coarse mutex and pop again (another goroutine may
//      have refilled in the meantime)
//   3. Still empty: allocate one chunk, link its nodes into a chain and
//      splice the chain onto the free Stack with a single PushList
//
// Exhaustion of the chunk directory is a configuration far beyond the
// intended scale and panics.
//
// ============================================================================

package lockfree

import (
	"sync"
	"sync/atomic"
)

const (
	chunkBits = 10
	// ChunkSize is the number of nodes added to an arena per refill.
	ChunkSize = 1 << chunkBits
	chunkMask = ChunkSize - 1
	maxChunks = 1 << 12
)

// Handle addresses one node of an Arena. The zero value is the nil handle.
type Handle uint32

// Nil is the handle that refers to no node.
const Nil Handle = 0

type node[T any] struct {
	next  atomic.Uint32
	value T
}

type chunk[T any] [ChunkSize]node[T]

// Arena owns nodes carrying a T payload and recycles them through a
// lock-free free list.
type Arena[T any] struct {
	free Stack[T]

	mu     sync.Mutex
	nchunk atomic.Int32
	chunks [maxChunks]atomic.Pointer[chunk[T]]

	onGrow func(fresh []*T)
}

// NewArena creates an empty arena. onGrow, if not nil, is called with the
// payloads of every freshly allocated chunk before any of them is handed
// out; it runs under the refill mutex.
func NewArena[T any](onGrow func(fresh []*T)) *Arena[T] {
	a := &Arena[T]{onGrow: onGrow}
	a.free.arena = a
	return a
}

func (a *Arena[T]) node(h Handle) *node[T] {
	i := uint32(h) - 1
	return &a.chunks[i>>chunkBits].Load()[i&chunkMask]
}

// Get returns the payload of h. The pointer stays valid for the lifetime of
// the arena; whoever owns h owns the payload.
func (a *Arena[T]) Get(h Handle) *T {
	return &a.node(h).value
}

// Next returns the link stored in h.
func (a *Arena[T]) Next(h Handle) Handle {
	return Handle(a.node(h).next.Load())
}

// SetNext links h to next. Only the owner of h may call it.
func (a *Arena[T]) SetNext(h, next Handle) {
	a.node(h).next.Store(uint32(next))
}

// Alloc returns an unused handle, refilling the free list in bulk when it
// runs dry.
func (a *Arena[T]) Alloc() Handle {
	if h, ok := a.free.Pop(); ok {
		return h
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// maybe some other goroutine has refilled in the meantime
	if h, ok := a.free.Pop(); ok {
		return h
	}
	return a.grow()
}

// Free returns h to the arena. The caller must not touch h afterwards.
func (a *Arena[T]) Free(h Handle) {
	a.free.Push(h)
}

// Chunks reports how many chunks have been allocated so far.
func (a *Arena[T]) Chunks() int {
	return int(a.nchunk.Load())
}

// ResetNonThreadSafe drops every chunk and the free list. All outstanding
// handles become invalid, so no other goroutine may hold or use one.
func (a *Arena[T]) ResetNonThreadSafe() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.free.ClearNonThreadSafe()
	n := int(a.nchunk.Load())
	for i := 0; i < n; i++ {
		a.chunks[i].Store(nil)
	}
	a.nchunk.Store(0)
}

// grow must be called with a.mu held.
func (a *Arena[T]) grow() Handle {
	idx := int(a.nchunk.Load())
	if idx == maxChunks {
		panic("lockfree: arena exhausted")
	}

	c := new(chunk[T])
	base := uint32(idx) << chunkBits
	for i := 1; i < ChunkSize-1; i++ {
		c[i].next.Store(base + uint32(i) + 2)
	}

	if a.onGrow != nil {
		fresh := make([]*T, ChunkSize)
		for i := range c {
			fresh[i] = &c[i].value
		}
		a.onGrow(fresh)
	}

	// publish the chunk before any of its handles becomes reachable
	a.chunks[idx].Store(c)
	a.nchunk.Store(int32(idx + 1))

	// node 0 goes to the caller, nodes 1..ChunkSize-1 to the free list
	a.free.PushList(Handle(base+2), Handle(base+ChunkSize))
	return Handle(base + 1)
}
