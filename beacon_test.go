package statecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestBeacon(t *testing.T, store KeyedStore, clock clockwork.Clock) Beacon {
	t.Helper()
	b, err := NewBeacon(BeaconOptions{Key: "messages", Store: store, MaxDelay: time.Minute, Clock: clock})
	if err != nil {
		t.Fatalf("NewBeacon: %v", err)
	}
	return b
}

func TestBeaconInvalidUntilRenewed(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, nil)
	b := newTestBeacon(t, n.store, nil)

	if b.IsValid(ctx) {
		t.Fatalf("fresh beacon must be invalid")
	}
	b.Renew(ctx)()
	if !b.IsValid(ctx) {
		t.Fatalf("renewed beacon must be valid")
	}
}

func TestBeaconExpiresAfterMaxDelay(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	n := newNode(t, clock, nil)
	b := newTestBeacon(t, n.store, clock)

	b.Renew(ctx)()
	clock.Advance(59 * time.Second)
	if !b.IsValid(ctx) {
		t.Fatalf("expected valid inside maxDelay")
	}
	clock.Advance(time.Second)
	if b.IsValid(ctx) {
		t.Fatalf("expected invalid at maxDelay")
	}
}

func TestBeaconLocalInvalidationDuringReload(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, nil)
	b := newTestBeacon(t, n.store, nil)

	commit := b.Renew(ctx)
	b.InvalidateLocally() // raced the reload
	commit()
	if b.IsValid(ctx) {
		t.Fatalf("an invalidation during reload must survive the commit")
	}
}

func TestBeaconFarmInvalidationDuringReload(t *testing.T) {
	ctx := context.Background()
	farm := newFarm(t, nil, 2)
	a := newTestBeacon(t, farm[0].store, nil)
	b := newTestBeacon(t, farm[1].store, nil)

	a.Renew(ctx)()
	commit := b.Renew(ctx)
	if err := a.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	commit()

	if a.IsValid(ctx) {
		t.Fatalf("invalidating beacon must be invalid itself")
	}
	if b.IsValid(ctx) {
		t.Fatalf("remote invalidation during reload must survive the commit")
	}
}

func TestBeaconSnapshotFailureKeepsServing(t *testing.T) {
	ctx := context.Background()
	gens := &failingGenStore{}
	n := newNode(t, nil, gens)
	b := newTestBeacon(t, n.store, nil)

	b.Renew(ctx)()
	gens.snapErr = errors.New("gens down")
	if !b.IsValid(ctx) {
		t.Fatalf("unreachable generations should not force reloads inside maxDelay")
	}
}

func TestNewBeaconValidates(t *testing.T) {
	if _, err := NewBeacon(BeaconOptions{Key: "k"}); err == nil {
		t.Fatalf("expected error without store")
	}
	n := newNode(t, nil, nil)
	if _, err := NewBeacon(BeaconOptions{Store: n.store}); err == nil {
		t.Fatalf("expected error without key")
	}
}
