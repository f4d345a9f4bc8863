package util

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// MaxKeyLen is the longest storage key passed through verbatim.
const MaxKeyLen = 200

// StorageKey joins prefix and key. Keys longer than MaxKeyLen are replaced by
// their xxhash so providers with key limits (bigcache, redis cluster slots)
// see a bounded, deterministic key.
func StorageKey(prefix, key string) string {
	if len(prefix)+1+len(key) <= MaxKeyLen {
		return prefix + ":" + key
	}
	return prefix + ":h" + strconv.FormatUint(xxhash.Sum64String(key), 16)
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int // guarded by the map's per-key compute
}

// KeyedMutex hands out one mutex per key. Entries exist only while some
// caller holds or waits for them, so the table does not grow with the keyspace.
type KeyedMutex struct {
	m *xsync.MapOf[string, *keyedEntry]
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{m: xsync.NewMapOf[string, *keyedEntry]()}
}

// Lock blocks until key is free and returns its unlock func.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	e, _ := k.m.Compute(key, func(old *keyedEntry, loaded bool) (*keyedEntry, bool) {
		if !loaded {
			old = &keyedEntry{}
		}
		old.refs++
		return old, false
	})
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.m.Compute(key, func(old *keyedEntry, loaded bool) (*keyedEntry, bool) {
			old.refs--
			return old, old.refs == 0
		})
	}
}

// Len reports how many keys are currently locked or awaited.
func (k *KeyedMutex) Len() int { return k.m.Size() }
