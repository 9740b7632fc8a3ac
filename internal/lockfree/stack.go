package lockfree

import "sync/atomic"

// Stack is a LIFO of arena handles that is safe for concurrent Push and Pop
// without locks.
//
// The head word packs a modification counter into the upper 32 bits and the
// top handle into the lower 32 bits. Every successful thread-safe update
// bumps the counter, so a compare-and-swap against a stale head fails even
// when the same handle has been popped and pushed back in between (the ABA
// case). The counter may wrap; a wrap only matters if exactly 2^32 updates
// happen between one goroutine's load and its CAS.
//
// Methods with the NonThreadSafe suffix require that no other goroutine
// touches the stack for their duration.
type Stack[T any] struct {
	head  atomic.Uint64
	_     [56]byte
	arena *Arena[T]
}

// NewStack creates an empty stack over handles of a.
func NewStack[T any](a *Arena[T]) *Stack[T] {
	return &Stack[T]{arena: a}
}

func pack(counter uint32, h Handle) uint64 {
	return uint64(counter)<<32 | uint64(h)
}

func unpack(w uint64) (uint32, Handle) {
	return uint32(w >> 32), Handle(uint32(w))
}

// Push puts h on top. The caller must own h and h must not already be on a
// stack.
func (s *Stack[T]) Push(h Handle) {
	s.PushList(h, h)
}

// PushList splices a pre-linked chain first..last on top in one atomic
// step. The chain must be linked with Arena.SetNext; last's link is
// overwritten.
func (s *Stack[T]) PushList(first, last Handle) {
	tail := s.arena.node(last)
	for {
		old := s.head.Load()
		counter, top := unpack(old)
		tail.next.Store(uint32(top))
		if s.head.CompareAndSwap(old, pack(counter+1, first)) {
			return
		}
	}
}

// Pop removes and returns the top handle, or Nil and false when the stack
// is empty.
func (s *Stack[T]) Pop() (Handle, bool) {
	for {
		old := s.head.Load()
		counter, top := unpack(old)
		if top == Nil {
			return Nil, false
		}
		// top may be popped by someone else right now; reading its link is
		// still safe because nodes are never unmapped, and the CAS fails if
		// the head moved.
		next := Handle(s.arena.node(top).next.Load())
		if s.head.CompareAndSwap(old, pack(counter+1, next)) {
			return top, true
		}
	}
}

// Empty reports whether the stack had no elements at the time of the call.
func (s *Stack[T]) Empty() bool {
	_, top := unpack(s.head.Load())
	return top == Nil
}

// Top returns the current top handle without removing it.
func (s *Stack[T]) Top() Handle {
	_, top := unpack(s.head.Load())
	return top
}

// PushNonThreadSafe is Push for quiescent callers.
func (s *Stack[T]) PushNonThreadSafe(h Handle) {
	counter, top := unpack(s.head.Load())
	s.arena.node(h).next.Store(uint32(top))
	s.head.Store(pack(counter, h))
}

// PopNonThreadSafe is Pop for quiescent callers.
func (s *Stack[T]) PopNonThreadSafe() (Handle, bool) {
	counter, top := unpack(s.head.Load())
	if top == Nil {
		return Nil, false
	}
	s.head.Store(pack(counter, Handle(s.arena.node(top).next.Load())))
	return top, true
}

// ClearNonThreadSafe forgets every element. The handles themselves are not
// freed.
func (s *Stack[T]) ClearNonThreadSafe() {
	counter, _ := unpack(s.head.Load())
	s.head.Store(pack(counter, Nil))
}

// LenNonThreadSafe walks the stack and counts its elements.
func (s *Stack[T]) LenNonThreadSafe() int {
	n := 0
	for h := s.Top(); h != Nil; h = s.arena.Next(h) {
		n++
	}
	return n
}

// SortNonThreadSafe reorders the elements so that, walking from the top,
// no element is less than its predecessor. The sort is stable.
func (s *Stack[T]) SortNonThreadSafe(less func(a, b *T) bool) {
	counter, top := unpack(s.head.Load())
	s.head.Store(pack(counter, s.mergeSort(top, less)))
}

func (s *Stack[T]) mergeSort(h Handle, less func(a, b *T) bool) Handle {
	a := s.arena
	if h == Nil || a.Next(h) == Nil {
		return h
	}

	slow, fast := h, a.Next(h)
	for fast != Nil && a.Next(fast) != Nil {
		slow = a.Next(slow)
		fast = a.Next(a.Next(fast))
	}
	second := a.Next(slow)
	a.SetNext(slow, Nil)

	return s.merge(s.mergeSort(h, less), s.mergeSort(second, less), less)
}

func (s *Stack[T]) merge(x, y Handle, less func(a, b *T) bool) Handle {
	a := s.arena
	var head, tail Handle
	appendTo := func(h Handle) {
		if head == Nil {
			head = h
		} else {
			a.SetNext(tail, h)
		}
		tail = h
	}

	for x != Nil && y != Nil {
		// ties keep x first
		if less(a.Get(y), a.Get(x)) {
			appendTo(y)
			y = a.Next(y)
		} else {
			appendTo(x)
			x = a.Next(x)
		}
	}
	rest := x
	if rest == Nil {
		rest = y
	}
	if head == Nil {
		return rest
	}
	a.SetNext(tail, rest)
	return head
}

// TransferNonThreadSafe moves every element of s onto dst, keeping their
// order, with a single thread-safe PushList. s must not be shared; dst may
// be.
func (s *Stack[T]) TransferNonThreadSafe(dst *Stack[T]) {
	first := s.Top()
	if first == Nil {
		return
	}
	last := first
	for next := s.arena.Next(last); next != Nil; next = s.arena.Next(last) {
		last = next
	}
	s.ClearNonThreadSafe()
	dst.PushList(first, last)
}
