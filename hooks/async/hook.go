// Package asynchook moves statecache hook calls off the caller's goroutine.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	store, _ := statecache.NewStore(statecache.StoreOptions{Provider: p, Hooks: hooks})
//
// Events are dropped, not queued without bound, when the workers fall behind.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/statecache"
)

type Hooks struct {
	inner   statecache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards q against send-after-close
	closed  bool
	dropped atomic.Uint64
}

var _ statecache.Hooks = (*Hooks)(nil)

func New(inner statecache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the queue was full
// or the hooks were closed.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(k, r string)                { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) StoreSetRejected(k string)           { h.try(func() { h.inner.StoreSetRejected(k) }) }
func (h *Hooks) DepSnapshotError(n int, err error)   { h.try(func() { h.inner.DepSnapshotError(n, err) }) }
func (h *Hooks) DepTouchError(k string, err error)   { h.try(func() { h.inner.DepTouchError(k, err) }) }
func (h *Hooks) FetchFailed(k string, err error)     { h.try(func() { h.inner.FetchFailed(k, err) }) }
func (h *Hooks) StateReloaded(k, kind string, n int) { h.try(func() { h.inner.StateReloaded(k, kind, n) }) }
