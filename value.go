package statecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	c "github.com/unkn0wn-root/statecache/codec"
	"github.com/unkn0wn-root/statecache/internal/util"
)

// ValueOptions configure a Value. Key, Store, Codec and Fetch are required.
type ValueOptions[V any] struct {
	Key   string
	Store KeyedStore
	Codec c.Codec[V]
	Fetch func(ctx context.Context) (V, error)

	Expiration        time.Duration // absolute; 0 => 10m
	SlidingExpiration time.Duration // 0 => disabled
	Dependencies      []string      // extra dependency keys, see AddDependency

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used
}

// Value memoizes the result of one fetch function under one cache key.
// Concurrent misses in a process collapse into a single fetch.
type Value[V any] struct {
	key        string
	storageKey string
	dummyDep   string
	store      KeyedStore
	codec      c.Codec[V]
	fetch      func(ctx context.Context) (V, error)
	exp        Expiration
	log        Logger
	hooks      Hooks

	locks *util.KeyedMutex // used when the store has no key locks

	depMu sync.RWMutex
	deps  []string
}

func NewValue[V any](opts ValueOptions[V]) (*Value[V], error) {
	if opts.Key == "" {
		return nil, fmt.Errorf("statecache: key is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("statecache: store is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("statecache: codec is required")
	}
	if opts.Fetch == nil {
		return nil, fmt.Errorf("statecache: fetch func is required")
	}
	return newValue(opts), nil
}

func newValue[V any](opts ValueOptions[V]) *Value[V] {
	sk := util.StorageKey("val", opts.Key)
	v := &Value[V]{
		key:        opts.Key,
		storageKey: sk,
		dummyDep:   depKey(sk),
		store:      opts.Store,
		codec:      opts.Codec,
		fetch:      opts.Fetch,
		exp: Expiration{
			Absolute: coalesce[time.Duration](opts.Expiration, defaultExpiration),
			Sliding:  opts.SlidingExpiration,
		},
		log:   withFields(coalesce[Logger](opts.Logger, NopLogger{}), Fields{"cache": opts.Key}),
		hooks: coalesce[Hooks](opts.Hooks, NopHooks{}),
		locks: util.NewKeyedMutex(),
	}
	v.deps = append(v.deps, v.dummyDep)
	v.deps = append(v.deps, opts.Dependencies...)
	return v
}

// Get returns the cached value, fetching and storing it on a miss.
// A fetch error is returned as *FetchError and nothing is cached.
func (v *Value[V]) Get(ctx context.Context) (V, error) {
	if val, ok := loadEntry(ctx, v.store, v.codec, v.storageKey, v.log, v.hooks); ok {
		return val, nil
	}

	defer lockKey(v.store, v.locks, v.storageKey)()

	// another caller may have filled it while we waited
	if val, ok := loadEntry(ctx, v.store, v.codec, v.storageKey, v.log, v.hooks); ok {
		return val, nil
	}

	// observe generations before fetching so a touch during the fetch wins
	observed, err := v.store.Snapshot(ctx, v.dependencies())
	if err != nil {
		v.log.Warn("dependency snapshot failed; value will not be cached", Fields{"err": err})
		observed = nil
	}

	val, err := v.fetch(ctx)
	if err != nil {
		v.hooks.FetchFailed(v.key, err)
		var zero V
		return zero, &FetchError{Key: v.key, Err: err}
	}
	v.log.Debug("fetched value", nil)

	if observed != nil {
		saveEntry(ctx, v.store, v.codec, v.storageKey, val, observed, v.exp, v.log)
	}
	return val, nil
}

// Invalidate evicts the stored value in every process sharing the store.
// The value is recomputed lazily on the next Get.
func (v *Value[V]) Invalidate(ctx context.Context) error {
	return invalidateEntry(ctx, v.store, v.storageKey, v.dummyDep)
}

// AddDependency makes a touch of dep evict this value. A value already
// stored without dep is removed so the next Get stores it again with the
// full dependency set. Adding a known key is a no-op.
func (v *Value[V]) AddDependency(ctx context.Context, dep string) error {
	// no fill may store the old dependency set once this returns
	defer lockKey(v.store, v.locks, v.storageKey)()

	v.depMu.Lock()
	for _, d := range v.deps {
		if d == dep {
			v.depMu.Unlock()
			return nil
		}
	}
	v.deps = append(v.deps, dep)
	v.depMu.Unlock()

	return v.store.Remove(ctx, v.storageKey)
}

func (v *Value[V]) dependencies() []string {
	v.depMu.RLock()
	defer v.depMu.RUnlock()
	return append([]string(nil), v.deps...)
}
