package statecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	gen "github.com/unkn0wn-root/statecache/genstore"
	pr "github.com/unkn0wn-root/statecache/provider"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

// memProvider is a map-backed Provider whose TTLs follow clock.
type memProvider struct {
	mu        sync.Mutex
	m         map[string]memEntry
	clock     clockwork.Clock
	ignoreTTL bool
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider(clock clockwork.Clock) *memProvider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &memProvider{m: make(map[string]memEntry), clock: clock}
}

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && !p.clock.Now().Before(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var exp time.Time
	if ttl > 0 && !p.ignoreTTL {
		exp = p.clock.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: append([]byte(nil), value...), exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memProvider) Close(context.Context) error { return nil }

func (p *memProvider) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[key]
	return ok
}

func (p *memProvider) put(key string, raw []byte) {
	p.mu.Lock()
	p.m[key] = memEntry{v: raw}
	p.mu.Unlock()
}

// failingGenStore fails snapshots and/or bumps on demand.
type failingGenStore struct {
	snapErr error
	bumpErr error
}

func (s *failingGenStore) SnapshotMany(_ context.Context, ks []string) (map[string]uint64, error) {
	if s.snapErr != nil {
		return nil, s.snapErr
	}
	return make(map[string]uint64, len(ks)), nil
}
func (s *failingGenStore) Bump(context.Context, string) (uint64, error) { return 1, s.bumpErr }
func (s *failingGenStore) Cleanup(time.Duration)                        {}
func (s *failingGenStore) Close(context.Context) error                  { return nil }

// recHooks counts hook events by name.
type recHooks struct {
	NopHooks
	mu     sync.Mutex
	counts map[string]int
}

func newRecHooks() *recHooks { return &recHooks{counts: map[string]int{}} }

func (h *recHooks) inc(name string) {
	h.mu.Lock()
	h.counts[name]++
	h.mu.Unlock()
}

func (h *recHooks) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[name]
}

func (h *recHooks) SelfHeal(_, reason string)           { h.inc("self_heal:" + reason) }
func (h *recHooks) StoreSetRejected(string)             { h.inc("set_rejected") }
func (h *recHooks) DepSnapshotError(int, error)         { h.inc("snapshot_error") }
func (h *recHooks) DepTouchError(string, error)         { h.inc("touch_error") }
func (h *recHooks) FetchFailed(string, error)           { h.inc("fetch_failed") }
func (h *recHooks) StateReloaded(_, kind string, _ int) { h.inc("reloaded:" + kind) }

// node is one process of a simulated web farm: its own provider, and
// optionally generations shared with the other nodes.
type node struct {
	prov  *memProvider
	store *Store
	hooks *recHooks
}

func newNode(t *testing.T, clock clockwork.Clock, gens gen.GenStore) *node {
	t.Helper()
	n := &node{prov: newMemProvider(clock), hooks: newRecHooks()}
	st, err := NewStore(StoreOptions{
		Provider: n.prov,
		GenStore: gens,
		Hooks:    n.hooks,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	n.store = st
	return n
}

// newFarm returns n nodes sharing one generation store.
func newFarm(t *testing.T, clock clockwork.Clock, n int) []*node {
	t.Helper()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	gens := gen.NewLocalGenStoreWithClock(clock, time.Hour, 24*time.Hour)
	t.Cleanup(func() { _ = gens.Close(context.Background()) })
	out := make([]*node, n)
	for i := range out {
		out[i] = newNode(t, clock, gens)
	}
	return out
}

type message struct {
	ID      int       `json:"id"`
	Room    string    `json:"room"`
	Text    string    `json:"text"`
	Changed time.Time `json:"changed"`
	Deleted bool      `json:"deleted,omitempty"`
}

func (m message) ChangeTime() time.Time { return m.Changed }
func (m message) PrimaryKey() int       { return m.ID }
func (m message) ChangeKind() ChangeKind {
	if m.Deleted {
		return Remove
	}
	return Modify
}

func at(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// fakeDB is the backing "database" of the state and list tests.
type fakeDB struct {
	mu   sync.Mutex
	rows []message
	err  error
	wait time.Duration

	fullCalls  atomic.Int32
	deltaCalls atomic.Int32
}

var errDB = errors.New("db unavailable")

func (db *fakeDB) add(ms ...message) {
	db.mu.Lock()
	db.rows = append(db.rows, ms...)
	db.mu.Unlock()
}

func (db *fakeDB) fail(err error) {
	db.mu.Lock()
	db.err = err
	db.mu.Unlock()
}

func (db *fakeDB) fetchAll(context.Context) ([]message, error) {
	db.fullCalls.Add(1)
	return db.query(func(message) bool { return true })
}

func (db *fakeDB) fetchChanged(_ context.Context, since time.Time) ([]message, error) {
	db.deltaCalls.Add(1)
	return db.query(func(m message) bool { return m.Changed.After(since) })
}

func (db *fakeDB) query(keep func(message) bool) ([]message, error) {
	db.mu.Lock()
	wait, err := db.wait, db.err
	var out []message
	for _, m := range db.rows {
		if keep(m) {
			out = append(out, m)
		}
	}
	db.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
