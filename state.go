package statecache

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// StateOptions configure a State. Key, FetchAll, FetchChanged and one of
// Beacon or Store are required.
type StateOptions[K comparable, T StateItem[K]] struct {
	Key string

	// FetchAll loads the complete data set.
	FetchAll func(ctx context.Context) ([]T, error)
	// FetchChanged loads items with ChangeTime strictly after since.
	FetchChanged func(ctx context.Context, since time.Time) ([]T, error)

	MaxDelay time.Duration // 0 => 1m

	Beacon Beacon          // nil => NewBeacon over Store
	Store  KeyedStore      // used only to build the default Beacon
	Clock  clockwork.Clock // default Beacon's clock

	Logger Logger
	Hooks  Hooks
}

// snapshot is never mutated once published.
type snapshot[K comparable, T StateItem[K]] struct {
	items      map[K]T
	lastChange time.Time
	loaded     bool
}

// merge returns a new snapshot with items applied: Modify upserts, Remove
// deletes. lastChange only moves forward.
func (s *snapshot[K, T]) merge(items []T) *snapshot[K, T] {
	next := &snapshot[K, T]{
		items:      maps.Clone(s.items),
		lastChange: latest(s.lastChange, items),
		loaded:     s.loaded || len(items) > 0,
	}
	if next.items == nil {
		next.items = make(map[K]T, len(items))
	}
	for _, it := range items {
		switch it.ChangeKind() {
		case Remove:
			delete(next.items, it.PrimaryKey())
		default:
			next.items[it.PrimaryKey()] = it
		}
	}
	return next
}

// State reconstructs the current value of every primary key from one full
// load followed by delta loads, refreshed when its Beacon goes stale.
//
// Maps returned by State are immutable snapshots: a later merge builds a new
// map, so callers may range over them without locking and must not modify them.
type State[K comparable, T StateItem[K]] struct {
	key          string
	fetchAll     func(ctx context.Context) ([]T, error)
	fetchChanged func(ctx context.Context, since time.Time) ([]T, error)
	beacon       Beacon
	log          Logger
	hooks        Hooks

	mu   sync.Mutex // serializes reloads
	snap atomic.Pointer[snapshot[K, T]]
}

func NewState[K comparable, T StateItem[K]](opts StateOptions[K, T]) (*State[K, T], error) {
	if opts.Key == "" {
		return nil, fmt.Errorf("statecache: key is required")
	}
	if opts.FetchAll == nil || opts.FetchChanged == nil {
		return nil, fmt.Errorf("statecache: FetchAll and FetchChanged are required")
	}
	log := coalesce[Logger](opts.Logger, NopLogger{})
	beacon := opts.Beacon
	if beacon == nil {
		if opts.Store == nil {
			return nil, fmt.Errorf("statecache: beacon or store is required")
		}
		var err error
		beacon, err = NewBeacon(BeaconOptions{
			Key:      opts.Key,
			Store:    opts.Store,
			MaxDelay: opts.MaxDelay,
			Clock:    opts.Clock,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
	}

	s := &State[K, T]{
		key:          opts.Key,
		fetchAll:     opts.FetchAll,
		fetchChanged: opts.FetchChanged,
		beacon:       beacon,
		log:          withFields(log, Fields{"state": opts.Key}),
		hooks:        coalesce[Hooks](opts.Hooks, NopHooks{}),
	}
	s.snap.Store(&snapshot[K, T]{items: map[K]T{}})
	return s, nil
}

// CurrentState refreshes the reconstruction if it is outdated and returns it.
func (s *State[K, T]) CurrentState(ctx context.Context) (map[K]T, error) {
	snap, err := s.updateIfOutdated(ctx)
	if err != nil {
		return nil, err
	}
	return snap.items, nil
}

// CurrentStateWithLastChange is CurrentState plus the greatest ChangeTime
// merged so far. ok is false while nothing was ever loaded, which tells
// "no data yet" apart from "loaded, and empty now".
func (s *State[K, T]) CurrentStateWithLastChange(ctx context.Context) (items map[K]T, lastChange time.Time, ok bool, err error) {
	snap, err := s.updateIfOutdated(ctx)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if !snap.loaded {
		return nil, time.Time{}, false, nil
	}
	return snap.items, snap.lastChange, true, nil
}

// ForceTryGetItem looks key up and, on a miss, refreshes once and retries.
// An item created after the last delta load is found without waiting for
// maxDelay. There is no second retry.
func (s *State[K, T]) ForceTryGetItem(ctx context.Context, key K) (T, bool, error) {
	items, err := s.CurrentState(ctx)
	if err != nil {
		var zero T
		return zero, false, err
	}
	if it, ok := items[key]; ok {
		return it, true, nil
	}
	s.InvalidateLocally()
	return s.lookup(ctx, key)
}

// UpdateAndTryGetItem refreshes first, then looks key up. Use it right after
// a write this process knows about.
func (s *State[K, T]) UpdateAndTryGetItem(ctx context.Context, key K) (T, bool, error) {
	s.InvalidateLocally()
	return s.lookup(ctx, key)
}

// InvalidateLocally forces a refresh on the next access in this process.
func (s *State[K, T]) InvalidateLocally() { s.beacon.InvalidateLocally() }

// Invalidate forces a refresh on the next access in every process.
func (s *State[K, T]) Invalidate(ctx context.Context) error {
	return s.beacon.Invalidate(ctx)
}

// LastChange returns the current high-water mark without refreshing.
func (s *State[K, T]) LastChange() (time.Time, bool) {
	snap := s.snap.Load()
	return snap.lastChange, snap.loaded
}

func (s *State[K, T]) lookup(ctx context.Context, key K) (T, bool, error) {
	items, err := s.CurrentState(ctx)
	if err != nil {
		var zero T
		return zero, false, err
	}
	it, ok := items[key]
	return it, ok, nil
}

func (s *State[K, T]) updateIfOutdated(ctx context.Context) (*snapshot[K, T], error) {
	cur := s.snap.Load()
	if cur.loaded && s.beacon.IsValid(ctx) {
		return cur, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur = s.snap.Load()
	if !cur.loaded {
		return s.fullLoad(ctx, cur)
	}
	if s.beacon.IsValid(ctx) {
		return cur, nil
	}
	return s.deltaLoad(ctx, cur)
}

// fullLoad must be called with s.mu held.
func (s *State[K, T]) fullLoad(ctx context.Context, cur *snapshot[K, T]) (*snapshot[K, T], error) {
	commit := s.beacon.Renew(ctx)
	items, err := s.fetchAll(ctx)
	if err != nil {
		s.hooks.FetchFailed(s.key, err)
		return nil, &FetchError{Key: s.key, Err: err}
	}
	next := (&snapshot[K, T]{}).merge(items)
	if next.loaded {
		s.snap.Store(next)
		commit()
	} else {
		next = cur
	}
	s.hooks.StateReloaded(s.key, "full", len(items))
	s.log.Info("full load", Fields{"items": len(items), "size": len(next.items), "lastChange": next.lastChange})
	return next, nil
}

// deltaLoad must be called with s.mu held.
func (s *State[K, T]) deltaLoad(ctx context.Context, cur *snapshot[K, T]) (*snapshot[K, T], error) {
	commit := s.beacon.Renew(ctx)
	items, err := s.fetchChanged(ctx, cur.lastChange)
	if err != nil {
		s.hooks.FetchFailed(s.key, err)
		return nil, &FetchError{Key: s.key, Err: err}
	}
	next := cur
	if len(items) > 0 {
		next = cur.merge(items)
		s.snap.Store(next)
	}
	commit()
	s.hooks.StateReloaded(s.key, "delta", len(items))
	s.log.Debug("delta merged", Fields{"items": len(items), "size": len(next.items), "lastChange": next.lastChange})
	return next, nil
}
