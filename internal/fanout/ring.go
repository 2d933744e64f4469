package fanout

// ring is a fixed-capacity FIFO that overwrites its oldest item when full.
// It is not safe for concurrent use; Subscription guards it.
type ring[T any] struct {
	buf   []T
	head  int // read position
	tail  int // write position
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

// push appends item, evicting the oldest item when the ring is full.
// Reports whether an item was evicted.
func (r *ring[T]) push(item T) (evicted bool) {
	if r.count == len(r.buf) {
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		evicted = true
	}

	r.buf[r.tail] = item
	r.tail = (r.tail + 1) % len(r.buf)
	r.count++
	return evicted
}

// pop removes and returns the oldest item.
func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}

	item := r.buf[r.head]
	r.buf[r.head] = zero // Clear reference for GC
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return item, true
}

// reset drops every buffered item.
func (r *ring[T]) reset() {
	clear(r.buf)
	r.head, r.tail, r.count = 0, 0, 0
}

func (r *ring[T]) len() int { return r.count }
func (r *ring[T]) cap() int { return len(r.buf) }
