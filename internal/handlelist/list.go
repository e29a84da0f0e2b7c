// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handlelist provides a doubly linked list whose elements live in an
// arena of slots and are addressed by generation-checked handles.
//
// Removing an element through its handle is O(1) and safe while iterating,
// as long as the next handle is fetched before the current one is removed.
// A handle whose slot was freed (and possibly reused) is reported as stale
// instead of silently aliasing the new occupant.
package handlelist

const nilIndex = -1

// Handle addresses an element of a List. The zero Handle is never valid.
type Handle struct {
	idx int32
	gen uint32
}

type slot[T any] struct {
	val  T
	prev int32
	next int32
	gen  uint32
	used bool
}

// List is not safe for concurrent use.
type List[T any] struct {
	slots []slot[T]
	head  int32
	tail  int32
	free  int32
	size  int
}

// New returns an empty list with room for capacity elements before growing.
func New[T any](capacity int) *List[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &List[T]{
		slots: make([]slot[T], 0, capacity),
		head:  nilIndex,
		tail:  nilIndex,
		free:  nilIndex,
	}
}

// Len returns the number of elements in the list.
func (l *List[T]) Len() int {
	return l.size
}

// PushBack appends v and returns its handle.
func (l *List[T]) PushBack(v T) Handle {
	idx := l.alloc()
	s := &l.slots[idx]
	s.val = v
	s.used = true
	s.next = nilIndex
	s.prev = l.tail
	if l.tail != nilIndex {
		l.slots[l.tail].next = idx
	} else {
		l.head = idx
	}
	l.tail = idx
	l.size++
	return Handle{idx: idx, gen: s.gen}
}

// Remove unlinks the element addressed by h. It returns false if h is stale.
func (l *List[T]) Remove(h Handle) bool {
	s, ok := l.slot(h)
	if !ok {
		return false
	}
	if s.prev != nilIndex {
		l.slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nilIndex {
		l.slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}

	var zero T
	s.val = zero
	s.used = false
	s.gen++
	s.prev = nilIndex
	s.next = l.free
	l.free = h.idx
	l.size--
	return true
}

// Get returns the element addressed by h.
func (l *List[T]) Get(h Handle) (T, bool) {
	s, ok := l.slot(h)
	if !ok {
		var zero T
		return zero, false
	}
	return s.val, true
}

// Front returns the handle of the first element.
func (l *List[T]) Front() (Handle, bool) {
	return l.handle(l.head)
}

// Next returns the handle following h. It returns false at the end of the list
// or when h is stale.
func (l *List[T]) Next(h Handle) (Handle, bool) {
	s, ok := l.slot(h)
	if !ok {
		return Handle{}, false
	}
	return l.handle(s.next)
}

// Clear removes every element and invalidates all outstanding handles.
func (l *List[T]) Clear() {
	for h, ok := l.Front(); ok; h, ok = l.Front() {
		l.Remove(h)
	}
}

func (l *List[T]) handle(idx int32) (Handle, bool) {
	if idx == nilIndex {
		return Handle{}, false
	}
	return Handle{idx: idx, gen: l.slots[idx].gen}, true
}

func (l *List[T]) slot(h Handle) (*slot[T], bool) {
	if h.idx < 0 || int(h.idx) >= len(l.slots) {
		return nil, false
	}
	s := &l.slots[h.idx]
	if !s.used || s.gen != h.gen {
		return nil, false
	}
	return s, true
}

func (l *List[T]) alloc() int32 {
	if l.free != nilIndex {
		idx := l.free
		l.free = l.slots[idx].next
		return idx
	}
	// Generation starts at 1 so the zero Handle never matches a live slot.
	l.slots = append(l.slots, slot[T]{gen: 1, prev: nilIndex, next: nilIndex})
	return int32(len(l.slots) - 1)
}
