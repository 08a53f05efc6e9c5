package lease

import (
	"container/list"
	"sync"
)

// entry is the in-process lease state for one database identity. The sem
// channel has capacity one and is filled while a token holds the lease, which
// serializes requesters inside this process regardless of the platform's lock
// semantics.
type entry struct {
	id        Identity
	sem       chan struct{}
	exclusive sync.Mutex
	refs      int
	waiting   int
	held      bool
	releasing bool
	elem      *list.Element
}

func (e *entry) state() State {
	switch {
	case e.releasing:
		return StateReleasing
	case e.held:
		return StateHeld
	case e.waiting > 0:
		return StateAcquiring
	default:
		return StateIdle
	}
}

// registry tracks entries by identity. Entries are reference counted while
// requests or tokens use them; idle entries are kept on an LRU list and
// evicted beyond max.
type registry struct {
	max     int
	mu      sync.Mutex
	entries map[Identity]*entry
	lru     *list.List
}

func newRegistry(max int) *registry {
	if max < 0 {
		max = 0
	}
	return &registry{
		max:     max,
		entries: make(map[Identity]*entry),
		lru:     list.New(),
	}
}

func (r *registry) acquire(id Identity) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil {
		e = &entry{id: id, sem: make(chan struct{}, 1)}
		r.entries[id] = e
	}
	e.refs++
	if e.elem != nil {
		r.lru.Remove(e.elem)
		e.elem = nil
	}
	return e
}

func (r *registry) release(e *entry) {
	if e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.refs > 0 {
		e.refs--
	}
	if e.refs == 0 && e.elem == nil {
		e.elem = r.lru.PushFront(e)
	}
	r.evictLocked()
}

func (r *registry) update(e *entry, fn func(*entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(e)
}

func (r *registry) state(id Identity) (State, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil {
		return StateIdle, 0
	}
	return e.state(), e.waiting
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *registry) evictLocked() {
	for r.lru.Len() > r.max {
		back := r.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		r.lru.Remove(back)
		e.elem = nil
		delete(r.entries, e.id)
	}
}
