// Package framepool provides a bounded pool of live frames with FIFO
// eviction. The pool is the single owner of every frame handed to it: a
// frame is released exactly once, either explicitly, by eviction when the
// pool overflows, or by ReleaseAll on shutdown. Callers hold only an opaque
// handle, never the frame itself.
package framepool

import (
	"sync"

	"github.com/google/uuid"

	"capture-worker/pkg/frame"
)

// ReleaseFunc is invoked exactly once per pooled frame when the pool lets
// go of it.
type ReleaseFunc func(f *frame.Frame)

type entry struct {
	handle  string
	frame   *frame.Frame
	size    int64
	created int64
}

type Pool struct {
	mu       sync.Mutex
	capacity int
	release  ReleaseFunc
	entries  map[string]*entry
	order    []string // insertion order, oldest first
	evicted  uint64
}

func NewPool(capacity int, release ReleaseFunc) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		capacity: capacity,
		release:  release,
		entries:  make(map[string]*entry, capacity),
	}
}

// AddBuffer takes ownership of f and returns its handle. If the pool is at
// capacity the single oldest entry is evicted and released first.
func (p *Pool) AddBuffer(f *frame.Frame) string {
	p.mu.Lock()

	var evict *entry
	if len(p.entries) >= p.capacity {
		evict = p.popOldestLocked()
		p.evicted++
	}

	e := &entry{
		handle:  uuid.NewString(),
		frame:   f,
		size:    f.EstimatedSize(),
		created: f.Timestamp.UnixNano(),
	}
	p.entries[e.handle] = e
	p.order = append(p.order, e.handle)
	p.mu.Unlock()

	if evict != nil {
		p.releaseEntry(evict)
	}
	return e.handle
}

// ReleaseBuffer releases the frame behind handle. It is idempotent: a handle
// already evicted or released is a no-op.
func (p *Pool) ReleaseBuffer(handle string) {
	p.mu.Lock()
	e, ok := p.entries[handle]
	if ok {
		delete(p.entries, handle)
		p.removeFromOrderLocked(handle)
	}
	p.mu.Unlock()

	if ok {
		p.releaseEntry(e)
	}
}

// removeFromOrderLocked drops handle from the order list so released
// handles never accumulate while the pool sits below capacity.
func (p *Pool) removeFromOrderLocked(handle string) {
	for i, h := range p.order {
		if h == handle {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// ReleaseAll drains the pool, releasing every retained frame exactly once.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	drained := make([]*entry, 0, len(p.entries))
	for _, h := range p.order {
		if e, ok := p.entries[h]; ok {
			drained = append(drained, e)
		}
	}
	p.entries = make(map[string]*entry, p.capacity)
	p.order = p.order[:0]
	p.mu.Unlock()

	for _, e := range drained {
		p.releaseEntry(e)
	}
}

// Size returns the number of live entries.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// EstimatedMemoryUsage sums the estimated byte size of all live entries.
func (p *Pool) EstimatedMemoryUsage() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, e := range p.entries {
		total += e.size
	}
	return total
}

// Evicted returns the number of entries dropped by FIFO eviction.
func (p *Pool) Evicted() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evicted
}

// popOldestLocked removes and returns the oldest live entry.
func (p *Pool) popOldestLocked() *entry {
	for len(p.order) > 0 {
		h := p.order[0]
		p.order = p.order[1:]
		if e, ok := p.entries[h]; ok {
			delete(p.entries, h)
			return e
		}
	}
	return nil
}

func (p *Pool) releaseEntry(e *entry) {
	if e == nil {
		return
	}
	if p.release != nil {
		p.release(e.frame)
	}
}
