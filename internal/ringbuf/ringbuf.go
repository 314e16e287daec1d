// Package ringbuf provides a fixed-capacity circular buffer that overwrites
// its oldest element once full.
package ringbuf

import "encoding/json"

// Buffer is not safe for concurrent use; callers guard it with their own lock.
type Buffer[T any] struct {
	items []T
	start int
	size  int
}

func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v. When the buffer is full the oldest element is overwritten
// and returned with evicted=true.
func (b *Buffer[T]) Push(v T) (old T, evicted bool) {
	capacity := len(b.items)
	if b.size < capacity {
		b.items[(b.start+b.size)%capacity] = v
		b.size++
		return old, false
	}
	old = b.items[b.start]
	b.items[b.start] = v
	b.start = (b.start + 1) % capacity
	return old, true
}

func (b *Buffer[T]) Len() int {
	return b.size
}

func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Items returns a copy ordered oldest to newest.
func (b *Buffer[T]) Items() []T {
	out := make([]T, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[(b.start+i)%len(b.items)])
	}
	return out
}

// Newest returns up to n elements ordered newest first.
func (b *Buffer[T]) Newest(n int) []T {
	if n <= 0 || b.size == 0 {
		return []T{}
	}
	if n > b.size {
		n = b.size
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		idx := (b.start + b.size - 1 - i) % len(b.items)
		out = append(out, b.items[idx])
	}
	return out
}

// Remove deletes the first element, oldest first, for which match returns
// true. Later elements keep their relative order.
func (b *Buffer[T]) Remove(match func(T) bool) (T, bool) {
	var zero T
	items := b.Items()
	for i, v := range items {
		if !match(v) {
			continue
		}
		b.Reset()
		for j, keep := range items {
			if j != i {
				b.Push(keep)
			}
		}
		return v, true
	}
	return zero, false
}

func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.start = 0
	b.size = 0
}

// MarshalJSON encodes the buffer as a plain array, oldest first.
func (b *Buffer[T]) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(b.Items())
}

// UnmarshalJSON keeps the current capacity and replays the decoded elements,
// so an oversized array keeps only its newest entries.
func (b *Buffer[T]) UnmarshalJSON(data []byte) error {
	var decoded []T
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if len(b.items) == 0 {
		capacity := len(decoded)
		if capacity == 0 {
			capacity = 1
		}
		b.items = make([]T, capacity)
	}
	b.Reset()
	for _, v := range decoded {
		b.Push(v)
	}
	return nil
}
