package statecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Beacon bounds how long reconstructed data may be served before a refresh.
type Beacon interface {
	// IsValid reports whether data renewed earlier is still inside maxDelay
	// and nobody invalidated it since.
	IsValid(ctx context.Context) bool
	// Renew snapshots the invalidation state before a reload. Calling the
	// returned func after a successful reload marks the beacon valid for
	// maxDelay; invalidations that raced the reload keep it invalid.
	Renew(ctx context.Context) func()
	// InvalidateLocally forces a refresh in this process only.
	InvalidateLocally()
	// Invalidate forces a refresh in every process sharing the store.
	Invalidate(ctx context.Context) error
}

type BeaconOptions struct {
	Key      string     // required
	Store    KeyedStore // required; Touch on it reaches every process sharing it
	MaxDelay time.Duration
	Clock    clockwork.Clock // nil => real clock
	Logger   Logger
}

// storeBeacon tracks one dependency key in a KeyedStore plus a local epoch.
type storeBeacon struct {
	dep      string
	store    KeyedStore
	maxDelay time.Duration
	clock    clockwork.Clock
	log      Logger

	mu         sync.Mutex
	armed      bool
	validUntil time.Time
	gen        uint64
	epoch      uint64 // bumped by InvalidateLocally
	validEpoch uint64
}

// NewBeacon builds a Beacon on a KeyedStore dependency key. IsValid costs one
// generation snapshot once the beacon is armed.
func NewBeacon(opts BeaconOptions) (Beacon, error) {
	if opts.Key == "" {
		return nil, fmt.Errorf("statecache: beacon key is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("statecache: beacon store is required")
	}
	return &storeBeacon{
		dep:      "dep:beacon:" + opts.Key,
		store:    opts.Store,
		maxDelay: coalesce[time.Duration](opts.MaxDelay, defaultMaxDelay),
		clock:    coalesce[clockwork.Clock](opts.Clock, clockwork.NewRealClock()),
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
	}, nil
}

func (b *storeBeacon) IsValid(ctx context.Context) bool {
	b.mu.Lock()
	if !b.armed || b.epoch != b.validEpoch || !b.clock.Now().Before(b.validUntil) {
		b.mu.Unlock()
		return false
	}
	gen := b.gen
	b.mu.Unlock()

	cur, err := b.store.Snapshot(ctx, []string{b.dep})
	if err != nil {
		// shared store unreachable: keep serving within maxDelay
		b.log.Warn("beacon snapshot failed", Fields{"dep": b.dep, "err": err})
		return true
	}
	return cur[b.dep] == gen
}

func (b *storeBeacon) Renew(ctx context.Context) func() {
	start := b.clock.Now()
	b.mu.Lock()
	epoch := b.epoch
	gen := b.gen
	b.mu.Unlock()

	if cur, err := b.store.Snapshot(ctx, []string{b.dep}); err == nil {
		gen = cur[b.dep]
	} else {
		b.log.Warn("beacon snapshot failed on renew", Fields{"dep": b.dep, "err": err})
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.armed = true
		b.gen = gen
		b.validEpoch = epoch
		b.validUntil = start.Add(b.maxDelay)
	}
}

func (b *storeBeacon) InvalidateLocally() {
	b.mu.Lock()
	b.epoch++
	b.mu.Unlock()
}

func (b *storeBeacon) Invalidate(ctx context.Context) error {
	b.InvalidateLocally()
	return b.store.Touch(ctx, b.dep)
}
