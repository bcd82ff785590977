// Package queue provides the ordered command queue used by bus connections.
package queue

// Deque is a double-ended FIFO backed by a ring buffer.
//
// PushBack appends new work, PushFront re-inserts work that must run before
// anything already waiting. It is not safe for concurrent use; the owner
// serializes access.
type Deque[T any] struct {
	items []T
	head  int
	size  int
}

// New creates a Deque with room for prealloc items before growing.
func New[T any](prealloc int) *Deque[T] {
	if prealloc < 1 {
		prealloc = 1
	}

	return &Deque[T]{items: make([]T, prealloc)}
}

// PushBack adds an item to the tail.
func (q *Deque[T]) PushBack(item T) {
	q.grow()
	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
}

// PushFront adds an item to the head.
func (q *Deque[T]) PushFront(item T) {
	q.grow()
	q.head = (q.head - 1 + len(q.items)) % len(q.items)
	q.items[q.head] = item
	q.size++
}

// PopFront removes and returns the head item. ok is false when empty.
func (q *Deque[T]) PopFront() (item T, ok bool) {
	if q.size == 0 {
		return item, false
	}

	var zero T
	item = q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--

	return item, true
}

// Front returns the head item without removing it.
func (q *Deque[T]) Front() (item T, ok bool) {
	if q.size == 0 {
		return item, false
	}

	return q.items[q.head], true
}

// At returns the i-th item counted from the head.
func (q *Deque[T]) At(i int) T {
	if i < 0 || i >= q.size {
		panic("queue: index out of range")
	}

	return q.items[(q.head+i)%len(q.items)]
}

// RemoveFunc removes every item for which match returns true, keeping the
// order of the rest, and returns the removed items.
func (q *Deque[T]) RemoveFunc(match func(T) bool) []T {
	var removed []T
	kept := make([]T, 0, len(q.items))
	for i := 0; i < q.size; i++ {
		item := q.At(i)
		if match(item) {
			removed = append(removed, item)
			continue
		}
		kept = append(kept, item)
	}

	if len(removed) == 0 {
		return nil
	}

	capacity := len(q.items)
	q.items = kept[:capacity]
	q.head = 0
	q.size = len(kept)

	return removed
}

// Drain removes and returns all items in order.
func (q *Deque[T]) Drain() []T {
	out := make([]T, 0, q.size)
	for {
		item, ok := q.PopFront()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

// Len returns the number of queued items.
func (q *Deque[T]) Len() int {
	return q.size
}

// IsEmpty reports whether the queue has no items.
func (q *Deque[T]) IsEmpty() bool {
	return q.size == 0
}

func (q *Deque[T]) grow() {
	if q.size < len(q.items) {
		return
	}

	items := make([]T, len(q.items)*2)
	for i := 0; i < q.size; i++ {
		items[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = items
	q.head = 0
}
