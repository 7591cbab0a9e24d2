package replica

import "sync"

// keyedMutex hands out one mutex per key. Entries are reference counted
// and dropped once nobody holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedEntry{}}
}

// Lock locks key and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// withLock runs fn under the shared compaction gate and the lock of key.
// Both are released even when fn panics.
func (r *Replica) withLock(key string, fn func() error) error {
	r.gate.RLock()
	defer r.gate.RUnlock()
	unlock := r.locks.Lock(key)
	defer unlock()
	return fn()
}

func memoryKey(id string) string       { return "m:" + id }
func relationshipKey(id string) string { return "r:" + id }
