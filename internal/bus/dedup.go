package bus

import "sync"

// Deduper remembers recently seen envelope ids so subscribers can discard
// duplicate deliveries. It keeps a bounded window of ids, evicting the
// oldest once the capacity is reached.
type Deduper struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string
	next     int
}

// NewDeduper creates a Deduper remembering up to capacity ids.
func NewDeduper(capacity int) *Deduper {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Deduper{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, capacity),
	}
}

// Seen records id and reports whether it had been seen before. Empty ids
// are never deduplicated.
func (d *Deduper) Seen(id string) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	if old := d.order[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.order[d.next] = id
	d.next = (d.next + 1) % d.capacity
	d.seen[id] = struct{}{}
	return false
}
