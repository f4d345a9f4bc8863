package statecache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	c "github.com/unkn0wn-root/statecache/codec"
)

// IncrementalOptions configure an Incremental. Namespace, Store, ListCodec,
// FetchAll and FetchChanged are required.
type IncrementalOptions[K comparable, T StateItem[K]] struct {
	Namespace string
	Store     KeyedStore
	ListCodec c.Codec[ListEntry[T]]

	FetchAll     func(ctx context.Context) ([]T, error)
	FetchChanged func(ctx context.Context, since time.Time) ([]T, error)

	MaxDelay time.Duration   // 0 => 1m; list entry lifetime and state staleness bound
	Beacon   Beacon          // nil => NewBeacon over Store
	Clock    clockwork.Clock // default Beacon's clock

	Logger Logger
	Hooks  Hooks
}

// since keys a list query by the raw ordinal of a timestamp.
type since time.Time

func (s since) CacheKey() string {
	t := time.Time(s)
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

// Incremental serves "everything changed since T" queries and a reconciled
// current state from one pair of fetch functions.
type Incremental[K comparable, T StateItem[K]] struct {
	list  *List[T, since]
	state *State[K, T]
}

func NewIncremental[K comparable, T StateItem[K]](opts IncrementalOptions[K, T]) (*Incremental[K, T], error) {
	if opts.FetchChanged == nil {
		return nil, fmt.Errorf("statecache: FetchChanged is required")
	}
	fetchChanged := opts.FetchChanged
	list, err := NewList(ListOptions[T, since]{
		Namespace: opts.Namespace,
		Store:     opts.Store,
		Codec:     opts.ListCodec,
		Fetch: func(ctx context.Context, p since) ([]T, error) {
			return fetchChanged(ctx, time.Time(p))
		},
		MaxDelay: opts.MaxDelay,
		Logger:   opts.Logger,
		Hooks:    opts.Hooks,
	})
	if err != nil {
		return nil, err
	}
	state, err := NewState(StateOptions[K, T]{
		Key:          opts.Namespace,
		FetchAll:     opts.FetchAll,
		FetchChanged: fetchChanged,
		MaxDelay:     opts.MaxDelay,
		Beacon:       opts.Beacon,
		Store:        opts.Store,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		Hooks:        opts.Hooks,
	})
	if err != nil {
		return nil, err
	}
	return &Incremental[K, T]{list: list, state: state}, nil
}

// GetLatestData returns the items changed after changedSince, cached per
// timestamp for MaxDelay. ok is false when nothing changed.
func (in *Incremental[K, T]) GetLatestData(ctx context.Context, changedSince time.Time) (ListEntry[T], bool, error) {
	return in.list.GetData(ctx, since(changedSince), nil)
}

func (in *Incremental[K, T]) CurrentState(ctx context.Context) (map[K]T, error) {
	return in.state.CurrentState(ctx)
}

func (in *Incremental[K, T]) CurrentStateWithLastChange(ctx context.Context) (map[K]T, time.Time, bool, error) {
	return in.state.CurrentStateWithLastChange(ctx)
}

func (in *Incremental[K, T]) ForceGetItem(ctx context.Context, key K) (T, bool, error) {
	return in.state.ForceTryGetItem(ctx, key)
}

func (in *Incremental[K, T]) UpdateAndTryGetItem(ctx context.Context, key K) (T, bool, error) {
	return in.state.UpdateAndTryGetItem(ctx, key)
}

// InvalidateCurrentState forces a state refresh in every process.
func (in *Incremental[K, T]) InvalidateCurrentState(ctx context.Context) error {
	return in.state.Invalidate(ctx)
}

// InvalidateCurrentStateLocally forces a state refresh in this process only.
func (in *Incremental[K, T]) InvalidateCurrentStateLocally() {
	in.state.InvalidateLocally()
}
