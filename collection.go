package statecache

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	c "github.com/unkn0wn-root/statecache/codec"
	"github.com/unkn0wn-root/statecache/internal/util"
)

// CollectionOptions configure a Collection. Namespace, Store, Codec and Fetch
// are required.
type CollectionOptions[K comparable, V any] struct {
	Namespace string
	Store     KeyedStore
	Codec     c.Codec[V]
	Fetch     func(ctx context.Context, key K) (V, error)
	KeyFunc   func(K) string // storage key suffix for K; nil => fmt.Sprint

	Expiration        time.Duration // absolute; 0 => 10m
	SlidingExpiration time.Duration

	Logger Logger
	Hooks  Hooks
}

// Collection caches one Value per key. Keys are cached and invalidated
// independently; InvalidateAll evicts all of them at once, including entries
// other processes stored that this process never built a wrapper for.
type Collection[K comparable, V any] struct {
	ns       string
	allDep   string
	opts     CollectionOptions[K, V]
	wrappers *xsync.MapOf[K, *Value[V]]
}

func NewCollection[K comparable, V any](opts CollectionOptions[K, V]) (*Collection[K, V], error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("statecache: namespace is required")
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
	if opts.KeyFunc == nil {
		opts.KeyFunc = func(k K) string { return fmt.Sprint(k) }
	}
	return &Collection[K, V]{
		ns:       opts.Namespace,
		allDep:   "dep:all:" + opts.Namespace,
		opts:     opts,
		wrappers: xsync.NewMapOf[K, *Value[V]](),
	}, nil
}

// GetItem returns the value for key, fetching it on a miss.
func (cl *Collection[K, V]) GetItem(ctx context.Context, key K) (V, error) {
	return cl.wrapper(key).Get(ctx)
}

// InvalidateItem evicts key only.
func (cl *Collection[K, V]) InvalidateItem(ctx context.Context, key K) error {
	sk := util.StorageKey("val", cl.valueKey(key))
	return invalidateEntry(ctx, cl.opts.Store, sk, depKey(sk))
}

// InvalidateAll evicts every key and drops the local wrappers.
func (cl *Collection[K, V]) InvalidateAll(ctx context.Context) error {
	err := cl.opts.Store.Touch(ctx, cl.allDep)
	cl.wrappers.Clear()
	if err != nil {
		return &InvalidateError{Key: cl.allDep, TouchErr: err}
	}
	return nil
}

// Len reports how many wrappers this process has built since the last
// InvalidateAll.
func (cl *Collection[K, V]) Len() int { return cl.wrappers.Size() }

func (cl *Collection[K, V]) valueKey(key K) string {
	return cl.ns + ":" + cl.opts.KeyFunc(key)
}

func (cl *Collection[K, V]) wrapper(key K) *Value[V] {
	if w, ok := cl.wrappers.Load(key); ok {
		return w
	}
	w, _ := cl.wrappers.LoadOrCompute(key, func() *Value[V] {
		fetch := cl.opts.Fetch
		return newValue(ValueOptions[V]{
			Key:   cl.valueKey(key),
			Store: cl.opts.Store,
			Codec: cl.opts.Codec,
			Fetch: func(ctx context.Context) (V, error) {
				return fetch(ctx, key)
			},
			Expiration:        cl.opts.Expiration,
			SlidingExpiration: cl.opts.SlidingExpiration,
			Dependencies:      []string{cl.allDep},
			Logger:            cl.opts.Logger,
			Hooks:             cl.opts.Hooks,
		})
	})
	return w
}
