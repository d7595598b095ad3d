package bus

import "sync"

// Dedup remembers the most recent ids so consumers can drop redelivered
// events. Old ids fall out once capacity is reached.
type Dedup struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	ring  []string
	next  int
	count int
}

func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Dedup{
		seen: make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Seen records id and reports whether it had already been recorded.
// Empty ids are never considered duplicates.
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.add(id)
	return false
}

// Contains reports whether id was recorded without recording it.
func (d *Dedup) Contains(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

// Add records id for consumers that only mark an event once it succeeded.
func (d *Dedup) Add(id string) {
	if id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; !ok {
		d.add(id)
	}
}

func (d *Dedup) add(id string) {
	if d.count == len(d.ring) {
		delete(d.seen, d.ring[d.next])
	} else {
		d.count++
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.seen[id] = struct{}{}
}
