package buffer

import (
	"time"

	"homewatch/models"
)

// entry is a reading waiting to be forwarded
type entry struct {
	reading    models.Reading
	bufferedAt time.Time
}

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
// It is not safe for concurrent use; Endpoint serializes access.
type ring struct {
	items []entry
	head  int
	size  int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ring{items: make([]entry, capacity)}
}

// push appends e and reports whether the oldest entry was evicted to make room
func (r *ring) push(e entry) bool {
	capacity := len(r.items)
	if r.size == capacity {
		r.items[r.head] = e
		r.head = (r.head + 1) % capacity
		return true
	}
	r.items[(r.head+r.size)%capacity] = e
	r.size++
	return false
}

func (r *ring) len() int { return r.size }

func (r *ring) capacity() int { return len(r.items) }

// at returns the i-th oldest entry
func (r *ring) at(i int) entry {
	return r.items[(r.head+i)%len(r.items)]
}

func (r *ring) oldest() (entry, bool) {
	if r.size == 0 {
		return entry{}, false
	}
	return r.at(0), true
}

func (r *ring) newest() (entry, bool) {
	if r.size == 0 {
		return entry{}, false
	}
	return r.at(r.size - 1), true
}

// popOldest removes and returns the oldest entry
func (r *ring) popOldest() (entry, bool) {
	if r.size == 0 {
		return entry{}, false
	}
	e := r.items[r.head]
	r.items[r.head] = entry{}
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return e, true
}

// popNewest removes and returns the newest entry
func (r *ring) popNewest() (entry, bool) {
	if r.size == 0 {
		return entry{}, false
	}
	idx := (r.head + r.size - 1) % len(r.items)
	e := r.items[idx]
	r.items[idx] = entry{}
	r.size--
	return e, true
}

// drainAll empties the ring and returns its entries oldest first
func (r *ring) drainAll() []entry {
	out := make([]entry, 0, r.size)
	for r.size > 0 {
		e, _ := r.popOldest()
		out = append(out, e)
	}
	return out
}

// clear drops every entry and returns how many were dropped
func (r *ring) clear() int {
	n := r.size
	for i := range r.items {
		r.items[i] = entry{}
	}
	r.head = 0
	r.size = 0
	return n
}
