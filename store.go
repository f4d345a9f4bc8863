package statecache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	c "github.com/unkn0wn-root/statecache/codec"
	gen "github.com/unkn0wn-root/statecache/genstore"
	"github.com/unkn0wn-root/statecache/internal/util"
	"github.com/unkn0wn-root/statecache/internal/wire"
	pr "github.com/unkn0wn-root/statecache/provider"
)

const (
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

// Expiration controls how long a stored entry is served.
// Absolute <= 0 means no deadline; Sliding <= 0 disables sliding refresh.
// When both are set the entry lives at most Absolute, and is dropped
// earlier if it is not read for Sliding.
type Expiration struct {
	Absolute time.Duration
	Sliding  time.Duration
}

// Deps maps a dependency key to the generation observed before a value was
// computed. Obtain it with KeyedStore.Snapshot.
type Deps map[string]uint64

// KeyedStore is the process-wide key->bytes store the wrappers cache into.
// Values are evicted lazily when any dependency they were stored with is touched.
type KeyedStore interface {
	// TryGet returns (payload, true, nil) on a valid hit; (nil, false, nil) on
	// miss, expiry or a moved dependency.
	TryGet(ctx context.Context, key string) ([]byte, bool, error)
	// Snapshot returns the current generation of every dependency key.
	Snapshot(ctx context.Context, deps []string) (Deps, error)
	// Add stores payload iff none of deps moved since they were observed.
	Add(ctx context.Context, key string, payload []byte, deps Deps, exp Expiration) error
	// Touch invalidates every entry that declared dep.
	Touch(ctx context.Context, dep string) error
	// Remove deletes key (best-effort).
	Remove(ctx context.Context, key string) error
}

type SetCostFunc func(key string, raw []byte) int64

// StoreOptions configure a Store. Only Provider is required.
type StoreOptions struct {
	Provider pr.Provider
	GenStore gen.GenStore // nil => LocalGenStore (in-process)

	Logger          Logger          // if nil, NopLogger is used
	Hooks           Hooks           // if nil, NopHooks is used
	Clock           clockwork.Clock // nil => real clock
	CleanupInterval time.Duration   // LocalGenStore sweep; 0 => 1h
	GenRetention    time.Duration   // 0 => 30d
	ComputeSetCost  SetCostFunc     // default 1
}

// Store is the default KeyedStore: bytes live in a Provider, dependency
// generations in a GenStore. Sharing both (e.g. Redis) across processes makes
// Touch farm-wide.
type Store struct {
	provider       pr.Provider
	gens           gen.GenStore
	ownsGens       bool
	log            Logger
	hooks          Hooks
	clock          clockwork.Clock
	computeSetCost SetCostFunc
	locks          *util.KeyedMutex
}

var _ KeyedStore = (*Store)(nil)

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("statecache: provider is required")
	}

	s := &Store{provider: opts.Provider, locks: util.NewKeyedMutex()}
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.clock = coalesce[clockwork.Clock](opts.Clock, clockwork.NewRealClock())

	if opts.ComputeSetCost != nil {
		s.computeSetCost = opts.ComputeSetCost
	} else {
		s.computeSetCost = func(string, []byte) int64 { return 1 }
	}

	if opts.GenStore != nil {
		s.gens = opts.GenStore
	} else {
		sweep := coalesce[time.Duration](opts.CleanupInterval, defaultSweep)
		retention := coalesce[time.Duration](opts.GenRetention, defaultGenRetention)
		s.gens = gen.NewLocalGenStore(sweep, retention)
		s.ownsGens = true
	}
	return s, nil
}

// Close stops an owned LocalGenStore and closes the provider.
// A caller-supplied GenStore is left open since it may be shared.
func (s *Store) Close(ctx context.Context) error {
	if s.ownsGens {
		_ = s.gens.Close(ctx)
	}
	return s.provider.Close(ctx)
}

func (s *Store) TryGet(ctx context.Context, key string) ([]byte, bool, error) {
	raw, ok, err := s.provider.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	e, err := wire.Decode(raw)
	if err != nil {
		s.selfHeal(ctx, key, "corrupt")
		return nil, false, nil
	}

	now := s.clock.Now()
	// providers with a global TTL (bigcache) may outlive the entry's own deadline
	if e.Deadline != 0 && now.UnixNano() >= e.Deadline {
		_ = s.provider.Del(ctx, key)
		return nil, false, nil
	}

	if len(e.Deps) > 0 {
		keys := make([]string, len(e.Deps))
		for i, d := range e.Deps {
			keys[i] = d.Key
		}
		cur, err := s.gens.SnapshotMany(ctx, keys)
		if err != nil {
			s.hooks.DepSnapshotError(len(keys), err)
			s.log.Warn("dependency snapshot error", Fields{"key": key, "err": err})
			return nil, false, err
		}
		for _, d := range e.Deps {
			if cur[d.Key] != d.Gen {
				s.selfHeal(ctx, key, "dep_mismatch")
				return nil, false, nil
			}
		}
	}

	if e.Sliding > 0 {
		ttl := time.Duration(e.Sliding)
		if e.Deadline != 0 {
			ttl = min(ttl, time.Duration(e.Deadline-now.UnixNano()))
		}
		if ok, err := s.provider.Set(ctx, key, raw, s.computeSetCost(key, raw), ttl); err != nil || !ok {
			s.log.Debug("sliding refresh not stored", Fields{"key": key, "err": err})
		}
	}
	return e.Payload, true, nil
}

func (s *Store) Snapshot(ctx context.Context, deps []string) (Deps, error) {
	if len(deps) == 0 {
		return Deps{}, nil
	}
	m, err := s.gens.SnapshotMany(ctx, deps)
	if err != nil {
		s.hooks.DepSnapshotError(len(deps), err)
		return nil, err
	}
	return Deps(m), nil
}

func (s *Store) Add(ctx context.Context, key string, payload []byte, deps Deps, exp Expiration) error {
	keys := make([]string, 0, len(deps))
	for k := range deps {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) > 0 {
		cur, err := s.gens.SnapshotMany(ctx, keys)
		if err != nil {
			s.hooks.DepSnapshotError(len(keys), err)
			return err
		}
		for _, k := range keys {
			if cur[k] != deps[k] {
				// a dependency was touched while the value was computed; skip stale write
				s.log.Debug("Add skipped (dependency moved)", Fields{"key": key, "dep": k})
				return nil
			}
		}
	}

	now := s.clock.Now()
	e := wire.Entry{Sliding: int64(exp.Sliding), Payload: payload}
	ttl := exp.Absolute
	if exp.Absolute > 0 {
		e.Deadline = now.Add(exp.Absolute).UnixNano()
	}
	if exp.Sliding > 0 && (ttl <= 0 || exp.Sliding < ttl) {
		ttl = exp.Sliding
	}
	e.Deps = make([]wire.Dep, len(keys))
	for i, k := range keys {
		e.Deps[i] = wire.Dep{Key: k, Gen: deps[k]}
	}

	raw, err := wire.Encode(e)
	if err != nil {
		return err
	}
	ok, err := s.provider.Set(ctx, key, raw, s.computeSetCost(key, raw), ttl)
	if err != nil {
		return err
	}
	if !ok {
		s.hooks.StoreSetRejected(key)
		s.log.Debug("Add rejected by provider (pressure)", Fields{"key": key})
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, dep string) error {
	g, err := s.gens.Bump(ctx, dep)
	if err != nil {
		s.hooks.DepTouchError(dep, err)
		s.log.Error("dependency touch error", Fields{"dep": dep, "err": err})
		return err
	}
	s.log.Debug("touched dependency", Fields{"dep": dep, "newGen": g})
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.provider.Del(ctx, key)
}

// LockKey serializes misses on one storage key across every wrapper built
// on this store, so two wrappers for the same key never fetch at once.
func (s *Store) LockKey(key string) (unlock func()) { return s.locks.Lock(key) }

func (s *Store) selfHeal(ctx context.Context, key, reason string) {
	_ = s.provider.Del(ctx, key)
	s.hooks.SelfHeal(key, reason)
}

// keyLocker is implemented by stores that serialize misses per storage key.
type keyLocker interface {
	LockKey(key string) (unlock func())
}

// lockKey takes the store's lock for key, or fallback's when the store has
// none. Independent keys never contend.
func lockKey(store KeyedStore, fallback *util.KeyedMutex, key string) (unlock func()) {
	if kl, ok := store.(keyLocker); ok {
		return kl.LockKey(key)
	}
	return fallback.Lock(key)
}

// depKey names the private dependency of a stored entry.
func depKey(storageKey string) string { return "dep:" + storageKey }

// loadEntry reads and decodes key. Store errors and undecodable payloads are
// reported as a miss so callers fall back to their fetch function.
func loadEntry[V any](ctx context.Context, store KeyedStore, codec c.Codec[V], key string, log Logger, hooks Hooks) (V, bool) {
	var zero V
	raw, ok, err := store.TryGet(ctx, key)
	if err != nil {
		log.Warn("store read failed; treating as miss", Fields{"key": key, "err": err})
		return zero, false
	}
	if !ok {
		return zero, false
	}
	v, err := codec.Decode(raw)
	if err != nil {
		_ = store.Remove(ctx, key)
		hooks.SelfHeal(key, "value_decode")
		return zero, false
	}
	return v, true
}

// saveEntry encodes and stores v. Failures are logged, never returned: the
// caller already holds a fresh value.
func saveEntry[V any](ctx context.Context, store KeyedStore, codec c.Codec[V], key string, v V, deps Deps, exp Expiration, log Logger) {
	payload, err := codec.Encode(v)
	if err != nil {
		log.Warn("encode failed; value not cached", Fields{"key": key, "err": err})
		return
	}
	if err := store.Add(ctx, key, payload, deps, exp); err != nil {
		log.Warn("store write failed; value not cached", Fields{"key": key, "err": err})
	}
}

// invalidateEntry touches dep and best-effort removes key. Only a failed
// touch is an error: a leftover entry is rejected on read anyway.
func invalidateEntry(ctx context.Context, store KeyedStore, key, dep string) error {
	touchErr := store.Touch(ctx, dep)
	delErr := store.Remove(ctx, key)
	if touchErr != nil {
		return &InvalidateError{Key: key, TouchErr: touchErr, DelErr: delErr}
	}
	return nil
}
