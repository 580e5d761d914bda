package reconcile

import (
	"sort"
	"sync"
)

type keyMutex struct {
	mu   sync.Mutex
	refs int
}

// KeyLock serializes work per key. Locking several keys at once always
// acquires them in sorted order so two callers cannot deadlock.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyMutex
}

func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyMutex)}
}

// Lock blocks until every key is held and returns the function releasing
// them. Empty and repeated keys are ignored.
func (k *KeyLock) Lock(keys ...string) func() {
	ordered := normalize(keys)

	held := make([]*keyMutex, 0, len(ordered))
	for _, key := range ordered {
		km := k.acquire(key)
		km.mu.Lock()
		held = append(held, km)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			k.release(ordered[i])
		}
	}
}

func (k *KeyLock) acquire(key string) *keyMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	km, ok := k.locks[key]
	if !ok {
		km = &keyMutex{}
		k.locks[key] = km
	}
	km.refs++
	return km
}

func (k *KeyLock) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	km := k.locks[key]
	km.refs--
	if km.refs == 0 {
		delete(k.locks, key)
	}
}

// size is the number of keys currently locked or waited on
func (k *KeyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
