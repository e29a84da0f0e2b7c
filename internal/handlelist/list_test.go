// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handlelist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T any](l *List[T]) []T {
	var out []T
	for h, ok := l.Front(); ok; h, ok = l.Next(h) {
		v, _ := l.Get(h)
		out = append(out, v)
	}
	return out
}

func TestPushBackKeepsInsertionOrder(t *testing.T) {
	l := New[string](2)
	l.PushBack("a")
	l.PushBack("b")
	l.PushBack("c")

	assert.Equal(t, 3, l.Len())
	assert.Equal(t, []string{"a", "b", "c"}, collect(l))
}

func TestRemove(t *testing.T) {
	tests := []struct {
		name   string
		remove []int
		want   []int
	}{
		{"head", []int{0}, []int{1, 2, 3}},
		{"tail", []int{3}, []int{0, 1, 2}},
		{"middle", []int{1, 2}, []int{0, 3}},
		{"all", []int{2, 0, 3, 1}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New[int](0)
			handles := make([]Handle, 4)
			for i := range handles {
				handles[i] = l.PushBack(i)
			}
			for _, i := range tt.remove {
				require.True(t, l.Remove(handles[i]))
			}
			assert.Equal(t, tt.want, collect(l))
			assert.Equal(t, len(tt.want), l.Len())
		})
	}
}

func TestStaleHandle(t *testing.T) {
	l := New[int](0)
	h := l.PushBack(1)
	require.True(t, l.Remove(h))

	assert.False(t, l.Remove(h), "double remove must fail")
	_, ok := l.Get(h)
	assert.False(t, ok)

	// The freed slot is reused, the old handle must not alias the new element.
	h2 := l.PushBack(2)
	assert.Equal(t, h.idx, h2.idx)
	_, ok = l.Get(h)
	assert.False(t, ok)
	v, ok := l.Get(h2)
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestZeroHandleIsInvalid(t *testing.T) {
	l := New[int](0)
	l.PushBack(7)

	_, ok := l.Get(Handle{})
	assert.False(t, ok)
	assert.False(t, l.Remove(Handle{}))
}

func TestRemoveWhileIterating(t *testing.T) {
	l := New[int](0)
	for i := 0; i < 6; i++ {
		l.PushBack(i)
	}

	for h, ok := l.Front(); ok; {
		next, hasNext := l.Next(h)
		v, _ := l.Get(h)
		if v%2 == 0 {
			l.Remove(h)
		}
		h, ok = next, hasNext
	}

	assert.Equal(t, []int{1, 3, 5}, collect(l))
}

func TestClear(t *testing.T) {
	l := New[int](0)
	h := l.PushBack(1)
	l.PushBack(2)
	l.Clear()

	assert.Zero(t, l.Len())
	_, ok := l.Front()
	assert.False(t, ok)
	_, ok = l.Get(h)
	assert.False(t, ok)

	l.PushBack(3)
	assert.Equal(t, []int{3}, collect(l))
}
