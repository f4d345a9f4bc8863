package statecache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	c "github.com/unkn0wn-root/statecache/codec"
)

type room struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

type roomDB struct {
	mu    sync.Mutex
	rev   int
	calls map[int]int
}

func newRoomDB() *roomDB { return &roomDB{calls: map[int]int{}} }

func (db *roomDB) fetch(_ context.Context, id int) (room, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.calls[id]++
	return room{ID: id, Title: fmt.Sprintf("room-%d-r%d", id, db.rev)}, nil
}

func (db *roomDB) bump() {
	db.mu.Lock()
	db.rev++
	db.mu.Unlock()
}

func (db *roomDB) callsFor(id int) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.calls[id]
}

func newTestCollection(t *testing.T, store KeyedStore, db *roomDB) *Collection[int, room] {
	t.Helper()
	cl, err := NewCollection(CollectionOptions[int, room]{
		Namespace: "rooms",
		Store:     store,
		Codec:     c.JSON[room]{},
		Fetch:     db.fetch,
	})
	if err != nil {
		t.Fatalf("NewCollection: %v", err)
	}
	return cl
}

func TestCollectionCachesPerKey(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, nil)
	db := newRoomDB()
	cl := newTestCollection(t, n.store, db)

	for i := 0; i < 2; i++ {
		for id := 1; id <= 3; id++ {
			r, err := cl.GetItem(ctx, id)
			if err != nil || r.ID != id {
				t.Fatalf("GetItem(%d): %+v err=%v", id, r, err)
			}
		}
	}
	for id := 1; id <= 3; id++ {
		if db.callsFor(id) != 1 {
			t.Fatalf("key %d fetched %d times, want 1", id, db.callsFor(id))
		}
	}
	if cl.Len() != 3 {
		t.Fatalf("Len=%d want 3", cl.Len())
	}
}

func TestCollectionInvalidateItemOnlyThatKey(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, nil)
	db := newRoomDB()
	cl := newTestCollection(t, n.store, db)

	_, _ = cl.GetItem(ctx, 1)
	_, _ = cl.GetItem(ctx, 2)
	db.bump()
	if err := cl.InvalidateItem(ctx, 1); err != nil {
		t.Fatalf("InvalidateItem: %v", err)
	}

	r1, _ := cl.GetItem(ctx, 1)
	r2, _ := cl.GetItem(ctx, 2)
	if r1.Title != "room-1-r1" {
		t.Fatalf("key 1 not refreshed: %+v", r1)
	}
	if r2.Title != "room-2-r0" {
		t.Fatalf("key 2 should still be cached: %+v", r2)
	}
}

func TestCollectionInvalidateAll(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, nil)
	db := newRoomDB()
	cl := newTestCollection(t, n.store, db)

	for id := 1; id <= 3; id++ {
		_, _ = cl.GetItem(ctx, id)
	}
	if err := cl.InvalidateAll(ctx); err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if cl.Len() != 0 {
		t.Fatalf("Len after InvalidateAll=%d want 0", cl.Len())
	}
	for id := 1; id <= 3; id++ {
		_, _ = cl.GetItem(ctx, id)
		if db.callsFor(id) != 2 {
			t.Fatalf("key %d fetched %d times, want 2", id, db.callsFor(id))
		}
	}
}

func TestCollectionInvalidateAllFromAnotherNode(t *testing.T) {
	ctx := context.Background()
	farm := newFarm(t, nil, 2)
	db := newRoomDB()
	a := newTestCollection(t, farm[0].store, db)
	b := newTestCollection(t, farm[1].store, db)

	_, _ = a.GetItem(ctx, 1)
	db.bump()
	// b never built a wrapper for key 1
	if err := b.InvalidateAll(ctx); err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if r, _ := a.GetItem(ctx, 1); r.Title != "room-1-r1" {
		t.Fatalf("node a served %+v after farm-wide InvalidateAll", r)
	}
}

func TestCollectionConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, nil)
	db := newRoomDB()
	cl := newTestCollection(t, n.store, db)

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			_, err := cl.GetItem(ctx, 9)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if db.callsFor(9) != 1 {
		t.Fatalf("key 9 fetched %d times, want 1", db.callsFor(9))
	}
}

func TestCollectionKeyFunc(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, nil, nil)
	cl, err := NewCollection(CollectionOptions[int, room]{
		Namespace: "rooms",
		Store:     n.store,
		Codec:     c.JSON[room]{},
		Fetch:     newRoomDB().fetch,
		KeyFunc:   func(id int) string { return fmt.Sprintf("r%04d", id) },
	})
	if err != nil {
		t.Fatalf("NewCollection: %v", err)
	}
	_, _ = cl.GetItem(ctx, 7)
	if !n.prov.has("val:rooms:r0007") {
		t.Fatalf("expected storage key val:rooms:r0007")
	}
}
