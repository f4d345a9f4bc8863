package statecache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The caches call them on hot paths.
type Hooks interface {
	// A stored entry was deleted on read.
	// reason ∈ {"corrupt", "dep_mismatch", "value_decode"}
	SelfHeal(storageKey, reason string)

	// Provider returned ok=false on Set (backpressure/eviction).
	StoreSetRejected(storageKey string)

	// GenStore errors while snapshotting dependency generations.
	// count is the number of dependency keys involved.
	DepSnapshotError(count int, err error)

	// Touching a dependency key failed; other processes were not invalidated.
	DepTouchError(depKey string, err error)

	// A fetch function returned an error.
	FetchFailed(key string, err error)

	// A current-state snapshot was reloaded.
	// kind ∈ {"full", "delta"}; items is the number of items fetched.
	StateReloaded(key, kind string, items int)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)           {}
func (NopHooks) StoreSetRejected(string)           {}
func (NopHooks) DepSnapshotError(int, error)       {}
func (NopHooks) DepTouchError(string, error)       {}
func (NopHooks) FetchFailed(string, error)         {}
func (NopHooks) StateReloaded(string, string, int) {}
