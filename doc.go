// Package statecache keeps a web farm's view of slowly changing data
// consistent with bounded staleness. Every wrapper caches through a
// KeyedStore and is evicted by touching dependency keys.
//
// Wrappers:
//   - Value: one fetch function memoized under one key.
//   - Collection: a Value per key with a shared "all" dependency.
//   - List: parametrized list queries, one entry per Param.CacheKey().
//   - State: the current value of every primary key, rebuilt from a full
//     load plus "changed since" delta loads, refreshed by a Beacon.
//   - Incremental: a List over "changed since" queries next to a State.
//
// Collaborators:
//   - Provider: byte store with TTL (Ristretto, BigCache, Redis).
//   - Codec[V]: (de)serializes V <-> []byte.
//   - GenStore: dependency-key generations. Local (in-process) by default;
//     Redis makes Touch and Beacon.Invalidate reach every node.
//
// Keys:
//
//	val:<key>              - Value entries
//	val:<ns>:<item>        - Collection entries
//	list:<ns>:<param>      - List entries
//	dep:<storage key>      - private dependency of one entry
//	dep:all:<ns>           - Collection-wide dependency
//	dep:all:list:<ns>      - List-wide dependency
//	dep:beacon:<key>       - State beacon
//
// Dependency pattern:
//
//	obs, _ := store.Snapshot(ctx, deps) // before the DB read
//	v      := readFromDB()
//	_       = store.Add(ctx, key, enc(v), obs, exp) // skipped if a dep moved
package statecache
