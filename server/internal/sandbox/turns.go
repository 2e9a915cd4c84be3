package sandbox

import (
	"context"
	"sync"
)

// keyedMutex serializes work per key. Entries are dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// turnRegistry tracks the cancel funcs of in-flight agent turns per sandbox.
type turnRegistry struct {
	mu    sync.Mutex
	next  uint64
	turns map[string]map[uint64]context.CancelFunc
}

// begin derives a cancellable context for a turn on sandboxID. The returned
// func must be called when the turn ends.
func (r *turnRegistry) begin(ctx context.Context, sandboxID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if r.turns == nil {
		r.turns = make(map[string]map[uint64]context.CancelFunc)
	}
	if r.turns[sandboxID] == nil {
		r.turns[sandboxID] = make(map[uint64]context.CancelFunc)
	}
	r.next++
	id := r.next
	r.turns[sandboxID][id] = cancel
	r.mu.Unlock()

	return ctx, func() {
		cancel()
		r.mu.Lock()
		delete(r.turns[sandboxID], id)
		if len(r.turns[sandboxID]) == 0 {
			delete(r.turns, sandboxID)
		}
		r.mu.Unlock()
	}
}

// cancel stops every in-flight turn on sandboxID and reports how many there were.
func (r *turnRegistry) cancel(sandboxID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	turns := r.turns[sandboxID]
	for _, cancel := range turns {
		cancel()
	}
	return len(turns)
}

// active reports the number of in-flight turns on sandboxID.
func (r *turnRegistry) active(sandboxID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns[sandboxID])
}
