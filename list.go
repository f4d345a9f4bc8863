package statecache

import (
	"context"
	"fmt"
	"time"

	c "github.com/unkn0wn-root/statecache/codec"
	"github.com/unkn0wn-root/statecache/internal/util"
)

// ListEntry is one cached list query result. LastChange is the greatest
// ChangeTime in Items, or the zero time when Items is empty.
type ListEntry[T any] struct {
	Items      []T       `json:"items" cbor:"items"`
	LastChange time.Time `json:"lastChange" cbor:"lastChange"`
}

// ListOptions configure a List. Namespace, Store, Codec and Fetch are required.
type ListOptions[T Item, P Param] struct {
	Namespace string
	Store     KeyedStore
	Codec     c.Codec[ListEntry[T]]
	Fetch     func(ctx context.Context, param P) ([]T, error)

	MaxDelay time.Duration // entry lifetime; 0 => 1m

	Logger Logger
	Hooks  Hooks
}

// List caches the result of a parametrized list query per P.CacheKey().
//
// Empty results are cached like any other: within MaxDelay a repeated query
// that found nothing returns ok=false without fetching again. Fetch errors
// are never cached.
type List[T Item, P Param] struct {
	prefix   string
	allDep   string
	store    KeyedStore
	codec    c.Codec[ListEntry[T]]
	fetch    func(ctx context.Context, param P) ([]T, error)
	maxDelay time.Duration
	locks    *util.KeyedMutex // used when the store has no key locks
	log      Logger
	hooks    Hooks
}

func NewList[T Item, P Param](opts ListOptions[T, P]) (*List[T, P], error) {
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
	log := coalesce[Logger](opts.Logger, NopLogger{})
	return &List[T, P]{
		prefix:   "list:" + opts.Namespace,
		allDep:   "dep:all:list:" + opts.Namespace,
		store:    opts.Store,
		codec:    opts.Codec,
		fetch:    opts.Fetch,
		maxDelay: coalesce[time.Duration](opts.MaxDelay, defaultMaxDelay),
		locks:    util.NewKeyedMutex(),
		log:      withFields(log, Fields{"list": opts.Namespace}),
		hooks:    coalesce[Hooks](opts.Hooks, NopHooks{}),
	}, nil
}

// GetData returns the cached result for param, fetching it on a miss.
// filter, if not nil, is applied to the returned items only; the stored entry
// is shared by every filter over the same param. ok is false when the
// (filtered) result is empty. LastChange always describes the unfiltered
// query so it can seed the next "changed since" call.
func (l *List[T, P]) GetData(ctx context.Context, param P, filter func(T) bool) (ListEntry[T], bool, error) {
	key := util.StorageKey(l.prefix, param.CacheKey())

	entry, hit := loadEntry(ctx, l.store, l.codec, key, l.log, l.hooks)
	if !hit {
		var err error
		entry, err = l.fill(ctx, key, param)
		if err != nil {
			return ListEntry[T]{}, false, err
		}
	}

	if filter != nil {
		kept := make([]T, 0, len(entry.Items))
		for _, it := range entry.Items {
			if filter(it) {
				kept = append(kept, it)
			}
		}
		entry = ListEntry[T]{Items: kept, LastChange: entry.LastChange}
	}
	if len(entry.Items) == 0 {
		return ListEntry[T]{}, false, nil
	}
	return entry, true, nil
}

// Invalidate evicts the entry of param in every process.
func (l *List[T, P]) Invalidate(ctx context.Context, param P) error {
	key := util.StorageKey(l.prefix, param.CacheKey())
	return invalidateEntry(ctx, l.store, key, depKey(key))
}

// InvalidateAll evicts every entry of this list in every process.
func (l *List[T, P]) InvalidateAll(ctx context.Context) error {
	if err := l.store.Touch(ctx, l.allDep); err != nil {
		return &InvalidateError{Key: l.allDep, TouchErr: err}
	}
	return nil
}

func (l *List[T, P]) fill(ctx context.Context, key string, param P) (ListEntry[T], error) {
	defer lockKey(l.store, l.locks, key)()

	if entry, hit := loadEntry(ctx, l.store, l.codec, key, l.log, l.hooks); hit {
		return entry, nil
	}

	observed, err := l.store.Snapshot(ctx, []string{depKey(key), l.allDep})
	if err != nil {
		l.log.Warn("dependency snapshot failed; entry will not be cached", Fields{"key": key, "err": err})
		observed = nil
	}

	items, err := l.fetch(ctx, param)
	if err != nil {
		l.hooks.FetchFailed(key, err)
		return ListEntry[T]{}, &FetchError{Key: key, Err: err}
	}
	entry := ListEntry[T]{Items: items, LastChange: latest(time.Time{}, items)}
	l.log.Debug("fetched list", Fields{"key": key, "items": len(items)})

	if observed != nil {
		saveEntry(ctx, l.store, l.codec, key, entry, observed, Expiration{Absolute: l.maxDelay}, l.log)
	}
	return entry, nil
}
