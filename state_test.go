package statecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

func newTestState(t *testing.T, store KeyedStore, clock clockwork.Clock, db *fakeDB) *State[int, message] {
	t.Helper()
	s, err := NewState(StateOptions[int, message]{
		Key:          "messages",
		FetchAll:     db.fetchAll,
		FetchChanged: db.fetchChanged,
		MaxDelay:     time.Minute,
		Store:        store,
		Clock:        clock,
	})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	return s
}

func TestStateFullLoadThenRemove(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, nil)
	db := &fakeDB{}
	db.add(message{ID: 1, Text: "hi", Changed: at(10)})
	s := newTestState(t, n.store, nil, db)

	items, last, ok, err := s.CurrentStateWithLastChange(ctx)
	if err != nil || !ok {
		t.Fatalf("CurrentStateWithLastChange: ok=%v err=%v", ok, err)
	}
	want := map[int]message{1: {ID: 1, Text: "hi", Changed: at(10)}}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
	if !last.Equal(at(10)) {
		t.Fatalf("lastChange=%v want %v", last, at(10))
	}

	db.add(message{ID: 1, Changed: at(15), Deleted: true})
	s.InvalidateLocally()

	items, last, ok, err = s.CurrentStateWithLastChange(ctx)
	if err != nil || !ok {
		t.Fatalf("CurrentStateWithLastChange: ok=%v err=%v", ok, err)
	}
	if len(items) != 0 {
		t.Fatalf("state after remove=%v want empty", items)
	}
	if !last.Equal(at(15)) {
		t.Fatalf("lastChange=%v want %v", last, at(15))
	}
	if db.fullCalls.Load() != 1 || db.deltaCalls.Load() != 1 {
		t.Fatalf("full=%d delta=%d want 1/1", db.fullCalls.Load(), db.deltaCalls.Load())
	}
}

func TestSnapshotMergeIdempotentAndMonotonic(t *testing.T) {
	base := (&snapshot[int, message]{}).merge([]message{
		{ID: 1, Text: "a", Changed: at(10)},
		{ID: 2, Text: "b", Changed: at(20)},
	})
	again := base.merge([]message{{ID: 1, Text: "a", Changed: at(10)}})
	if diff := cmp.Diff(base.items, again.items); diff != "" {
		t.Fatalf("re-merging a seen item changed state:\n%s", diff)
	}
	if !again.lastChange.Equal(at(20)) {
		t.Fatalf("lastChange moved backwards: %v", again.lastChange)
	}
	if len(base.items) != 2 {
		t.Fatalf("merge mutated its receiver")
	}

	gone := again.merge([]message{{ID: 3, Changed: at(25), Deleted: true}})
	if len(gone.items) != 2 || !gone.lastChange.Equal(at(25)) {
		t.Fatalf("removing an absent key: items=%v last=%v", gone.items, gone.lastChange)
	}
}

func TestStateConcurrentColdLoadFetchesOnce(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, nil)
	db := &fakeDB{wait: 20 * time.Millisecond}
	db.add(message{ID: 1, Changed: at(1)})
	s := newTestState(t, n.store, nil, db)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			items, err := s.CurrentState(ctx)
			if err == nil && len(items) != 1 {
				return errors.New("partial state observed")
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	if db.fullCalls.Load() != 1 || db.deltaCalls.Load() != 0 {
		t.Fatalf("full=%d delta=%d want 1/0", db.fullCalls.Load(), db.deltaCalls.Load())
	}
}

func TestStateBoundedStaleness(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	n := newNode(t, clock, nil)
	db := &fakeDB{}
	db.add(message{ID: 1, Changed: at(1)})
	s := newTestState(t, n.store, clock, db)

	if _, err := s.CurrentState(ctx); err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	db.add(message{ID: 2, Changed: at(2)})

	clock.Advance(30 * time.Second)
	items, _ := s.CurrentState(ctx)
	if len(items) != 1 || db.deltaCalls.Load() != 0 {
		t.Fatalf("inside maxDelay: items=%d delta=%d", len(items), db.deltaCalls.Load())
	}

	clock.Advance(31 * time.Second)
	items, _ = s.CurrentState(ctx)
	if len(items) != 2 || db.deltaCalls.Load() != 1 {
		t.Fatalf("after maxDelay: items=%d delta=%d", len(items), db.deltaCalls.Load())
	}
}

func TestStateInvalidateReachesOtherNodes(t *testing.T) {
	ctx := context.Background()
	farm := newFarm(t, nil, 2)
	db := &fakeDB{}
	db.add(message{ID: 1, Changed: at(1)})
	a := newTestState(t, farm[0].store, nil, db)
	b := newTestState(t, farm[1].store, nil, db)

	_, _ = a.CurrentState(ctx)
	_, _ = b.CurrentState(ctx)

	db.add(message{ID: 2, Changed: at(2)})
	if err := b.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	items, err := a.CurrentState(ctx)
	if err != nil || len(items) != 2 {
		t.Fatalf("node a after farm invalidation: items=%d err=%v", len(items), err)
	}
}

func TestStateForceTryGetItem(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, nil)
	db := &fakeDB{}
	db.add(message{ID: 1, Changed: at(1)})
	s := newTestState(t, n.store, nil, db)
	_, _ = s.CurrentState(ctx)

	db.add(message{ID: 2, Text: "new", Changed: at(2)})
	it, ok, err := s.ForceTryGetItem(ctx, 2)
	if err != nil || !ok || it.Text != "new" {
		t.Fatalf("ForceTryGetItem(2): %+v ok=%v err=%v", it, ok, err)
	}

	// hit: no refresh
	_, ok, _ = s.ForceTryGetItem(ctx, 1)
	if !ok || db.deltaCalls.Load() != 1 {
		t.Fatalf("hit should not refresh: ok=%v delta=%d", ok, db.deltaCalls.Load())
	}

	// miss: exactly one refresh
	_, ok, _ = s.ForceTryGetItem(ctx, 99)
	if ok || db.deltaCalls.Load() != 2 {
		t.Fatalf("miss: ok=%v delta=%d want false/2", ok, db.deltaCalls.Load())
	}
}

func TestStateUpdateAndTryGetItemAlwaysRefreshes(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, nil)
	db := &fakeDB{}
	db.add(message{ID: 1, Changed: at(1)})
	s := newTestState(t, n.store, nil, db)
	_, _ = s.CurrentState(ctx)

	db.add(message{ID: 1, Text: "edited", Changed: at(2)})
	it, ok, err := s.UpdateAndTryGetItem(ctx, 1)
	if err != nil || !ok || it.Text != "edited" {
		t.Fatalf("UpdateAndTryGetItem: %+v ok=%v err=%v", it, ok, err)
	}
	if db.deltaCalls.Load() != 1 {
		t.Fatalf("delta=%d want 1", db.deltaCalls.Load())
	}
}

func TestStateEmptyFullLoadStaysUnloaded(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, nil)
	db := &fakeDB{}
	s := newTestState(t, n.store, nil, db)

	for i := 0; i < 2; i++ {
		items, _, ok, err := s.CurrentStateWithLastChange(ctx)
		if err != nil || ok || items != nil {
			t.Fatalf("empty source: items=%v ok=%v err=%v", items, ok, err)
		}
	}
	if db.fullCalls.Load() != 2 {
		t.Fatalf("full=%d want 2 (nothing loaded, nothing to delta from)", db.fullCalls.Load())
	}
	if _, loaded := s.LastChange(); loaded {
		t.Fatalf("LastChange reports loaded on empty source")
	}

	db.add(message{ID: 1, Changed: at(5)})
	if items, _ := s.CurrentState(ctx); len(items) != 1 {
		t.Fatalf("state=%v want one item", items)
	}
}

func TestStateFailedDeltaKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, nil)
	db := &fakeDB{}
	db.add(message{ID: 1, Changed: at(1)})
	s := newTestState(t, n.store, nil, db)
	_, _ = s.CurrentState(ctx)

	db.fail(errDB)
	s.InvalidateLocally()
	_, err := s.CurrentState(ctx)
	var fe *FetchError
	if !errors.As(err, &fe) || !errors.Is(err, errDB) {
		t.Fatalf("err=%v want FetchError wrapping errDB", err)
	}
	if last, loaded := s.LastChange(); !loaded || !last.Equal(at(1)) {
		t.Fatalf("snapshot changed by a failed delta: last=%v loaded=%v", last, loaded)
	}

	db.fail(nil)
	if items, err := s.CurrentState(ctx); err != nil || len(items) != 1 {
		t.Fatalf("retry after failure: items=%v err=%v", items, err)
	}
	if db.deltaCalls.Load() != 2 {
		t.Fatalf("delta=%d want 2 (failure not cached)", db.deltaCalls.Load())
	}
}

func TestNewStateValidates(t *testing.T) {
	db := &fakeDB{}
	if _, err := NewState(StateOptions[int, message]{Key: "m", FetchAll: db.fetchAll, FetchChanged: db.fetchChanged}); err == nil {
		t.Fatalf("expected error without beacon or store")
	}
	if _, err := NewState(StateOptions[int, message]{Key: "m", FetchAll: db.fetchAll}); err == nil {
		t.Fatalf("expected error without FetchChanged")
	}
}
