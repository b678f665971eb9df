package distributor

import "github.com/coachpo/marketrelay/internal/domain/schema"

// ring is a drop-oldest FIFO of resolved events. It is guarded by the
// distributor's buffer lock.
type ring struct {
	items []schema.ResolvedEvent
	head  int
	size  int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{items: make([]schema.ResolvedEvent, capacity)}
}

// push appends evt and reports whether the oldest entry was evicted.
func (r *ring) push(evt schema.ResolvedEvent) bool {
	capacity := len(r.items)
	if r.size < capacity {
		r.items[(r.head+r.size)%capacity] = evt
		r.size++
		return false
	}
	r.items[r.head] = evt
	r.head = (r.head + 1) % capacity
	return true
}

func (r *ring) len() int { return r.size }

// snapshot copies entries oldest first.
func (r *ring) snapshot() []schema.ResolvedEvent {
	out := make([]schema.ResolvedEvent, r.size)
	capacity := len(r.items)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%capacity]
	}
	return out
}

func (r *ring) reset() {
	clear(r.items)
	r.head = 0
	r.size = 0
}
