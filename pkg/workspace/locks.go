package workspace

import (
	"sync"

	"github.com/adaptiv/gh-broker/pkg/logger"
)

var locksLog = logger.New("workspace:locks")

// keyedMutex serializes work per key with reference-counted entries, so the
// map does not grow with every (repo, ref) pair ever seen. Workspace
// mutations on the same key must never run concurrently: two git processes
// sharing a .git directory corrupt each other's lock files.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns the unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	locksLog.Printf("Acquired workspace lock: %s", key)

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
		locksLog.Printf("Released workspace lock: %s", key)
	}
}
