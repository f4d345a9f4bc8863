package asynchook

import (
	"errors"
	"sync"
	"testing"

	"github.com/unkn0wn-root/statecache"
)

type recorder struct {
	statecache.NopHooks
	mu     sync.Mutex
	events []string
	block  chan struct{}
}

func (r *recorder) FetchFailed(key string, _ error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.events = append(r.events, "fetch_failed:"+key)
	r.mu.Unlock()
}

func (r *recorder) StateReloaded(key, kind string, _ int) {
	r.mu.Lock()
	r.events = append(r.events, "reloaded:"+key+":"+kind)
	r.mu.Unlock()
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	rec := &recorder{}
	h := New(rec, 1, 8)
	h.FetchFailed("rooms", errors.New("db down"))
	h.StateReloaded("messages", "delta", 3)
	h.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 2 {
		t.Fatalf("events=%v", rec.events)
	}
}

func TestFullQueueDrops(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	h := New(rec, 1, 1)

	h.FetchFailed("a", nil) // picked up by the worker, which then blocks
	for i := 0; i < 10; i++ {
		h.FetchFailed("b", nil)
	}
	if h.Dropped() == 0 {
		t.Fatalf("expected drops with a blocked worker and qlen=1")
	}
	close(rec.block)
	h.Close()
}

func TestAfterCloseIsDroppedNotPanic(t *testing.T) {
	h := New(&recorder{}, 1, 1)
	h.Close()
	h.SelfHeal("val:x", "corrupt")
	if h.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", h.Dropped())
	}
}
