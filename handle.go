package mqttasync

import (
	"sync"
	"sync/atomic"
)

// Handle is the opaque context value handed to the engine with every
// request. The engine passes it back on the matching callback. It carries no
// meaning outside the client that issued it.
type Handle uint64

// handleTable maps handles to the objects they stand for. Each entry holds a
// reference count: leak and retain add a reference, reclaim drops one and
// forgets the entry at zero.
type handleTable struct {
	mu      sync.Mutex
	entries map[Handle]*handleEntry
	next    atomic.Uint64
}

type handleEntry struct {
	value any
	refs  int
}

func newHandleTable() *handleTable {
	return &handleTable{entries: make(map[Handle]*handleEntry)}
}

// leak registers value and returns a fresh handle with one reference.
func (t *handleTable) leak(value any) Handle {
	h := Handle(t.next.Add(1))

	t.mu.Lock()
	t.entries[h] = &handleEntry{value: value, refs: 1}
	t.mu.Unlock()

	return h
}

// retain adds a reference to an existing handle.
func (t *handleTable) retain(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		return false
	}
	e.refs++
	return true
}

// borrow looks up a handle without changing its reference count.
func (t *handleTable) borrow(h Handle) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// reclaim drops one reference and returns the value. The second result is
// false if the handle is unknown or was already fully reclaimed.
func (t *handleTable) reclaim(h Handle) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		return nil, false
	}
	e.refs--
	if e.refs <= 0 {
		delete(t.entries, h)
	}
	return e.value, true
}

// len returns the number of live handles.
func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
