// Package ring provides a fixed-capacity FIFO buffer used for the bounded
// log stores (console entries, call log, extension errors).
package ring

import "sync"

// Buffer is a generic fixed-capacity circular buffer. Once full, each append
// evicts the oldest entry. All methods are safe for concurrent use.
type Buffer[T any] struct {
	mu         sync.RWMutex
	entries    []T
	capacity   int
	head       int   // index of the next write when full
	totalAdded int64 // monotonic count of entries ever appended
}

// New creates a buffer holding at most capacity entries. Capacity must be
// positive.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Append adds one entry, evicting the oldest if the buffer is full.
func (b *Buffer[T]) Append(entry T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, entry)
	} else {
		b.entries[b.head] = entry
	}
	b.head = (b.head + 1) % b.capacity
	b.totalAdded++
}

// All returns every buffered entry, oldest first.
func (b *Buffer[T]) All() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.orderedLocked()
}

// Last returns up to n entries ending at the newest, oldest first.
func (b *Buffer[T]) Last(n int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || len(b.entries) == 0 {
		return nil
	}
	ordered := b.orderedLocked()
	if n >= len(ordered) {
		return ordered
	}
	return ordered[len(ordered)-n:]
}

// LastFunc returns up to n entries matching keep, newest first.
func (b *Buffer[T]) LastFunc(n int, keep func(T) bool) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || len(b.entries) == 0 {
		return nil
	}
	ordered := b.orderedLocked()
	result := make([]T, 0, n)
	for i := len(ordered) - 1; i >= 0 && len(result) < n; i-- {
		if keep(ordered[i]) {
			result = append(result, ordered[i])
		}
	}
	return result
}

// Len returns the number of buffered entries.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Cap returns the configured capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// TotalAdded returns the count of entries ever appended, including evicted
// ones.
func (b *Buffer[T]) TotalAdded() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalAdded
}

// Clear drops all buffered entries. TotalAdded is preserved.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
	b.head = 0
}

// orderedLocked copies the entries oldest first. Callers hold at least the
// read lock.
func (b *Buffer[T]) orderedLocked() []T {
	if len(b.entries) == 0 {
		return nil
	}
	result := make([]T, len(b.entries))
	if len(b.entries) < b.capacity {
		copy(result, b.entries)
	} else {
		n := copy(result, b.entries[b.head:])
		copy(result[n:], b.entries[:b.head])
	}
	return result
}
