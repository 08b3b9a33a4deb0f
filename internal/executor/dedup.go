package executor

import (
	"sync"
	"time"
)

// Dedup remembers fill IDs so an increment observed twice, say by a repeat
// poll and a reconcile after a timeout, is reported once. Safe for
// concurrent use.
type Dedup struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	first map[string]time.Time
	order []string // insertion order; expiry is FIFO
}

// NewDedup returns a Dedup that forgets an ID ttl after first seeing it.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{ttl: ttl, now: time.Now, first: make(map[string]time.Time)}
}

// Seen reports whether id was already recorded inside the window, and
// records it when it was not.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.first[id]; ok {
		if now.Sub(at) < d.ttl {
			return true
		}
		d.forget(id)
	}
	d.first[id] = now
	d.order = append(d.order, id)
	return false
}

// Cleanup drops expired IDs and returns how many went.
func (d *Dedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	n := 0
	for len(d.order) > 0 {
		id := d.order[0]
		if now.Sub(d.first[id]) < d.ttl {
			break
		}
		d.order = d.order[1:]
		delete(d.first, id)
		n++
	}
	return n
}

// Len is the number of remembered IDs.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.first)
}

func (d *Dedup) forget(id string) {
	delete(d.first, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}
