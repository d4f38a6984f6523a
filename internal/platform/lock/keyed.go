// Package lock provides in-process keyed mutexes used to serialize writes
// that touch the same bed or admission.
package lock

import (
	"sort"
	"sync"
)

// Keyed hands out one mutex per key. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyed creates an empty keyed lock set.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock acquires every key in sorted order and returns a function releasing
// them. Duplicate keys are acquired once. Callers that need several Lock
// calls must always acquire keys that sort lower first.
func (k *Keyed) Lock(keys ...string) (unlock func()) {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		uniq = append(uniq, key)
	}
	sort.Strings(uniq)

	held := make([]*entry, 0, len(uniq))
	for _, key := range uniq {
		e := k.acquire(key)
		e.mu.Lock()
		held = append(held, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				k.release(uniq[i])
			}
		})
	}
}

// Held reports how many keys currently have holders or waiters.
func (k *Keyed) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *Keyed) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}
