package store

import "sync"

// KeyMutex serializes read-modify-write sequences per key. Checkpoint
// updates and settings writes for the same key must never interleave, even
// though each crawl is single-threaded, because API-triggered updates can
// race with an in-flight crawl's writes.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyMutex creates an empty KeyMutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
// Entries are kept for the process lifetime; the key space is bounded by
// the number of users, not by crawl volume.
func (k *KeyMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
