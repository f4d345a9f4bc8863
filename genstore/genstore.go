// Package genstore holds dependency-key generations. Touching a dependency
// bumps its generation; entries stored with an older generation are rejected
// on read. Where the generations live decides the invalidation scope:
// LocalGenStore is per process, RedisGenStore spans a web farm.
package genstore

import (
	"context"
	"time"
)

type GenStore interface {
	// SnapshotMany returns gens for many keys; missing => 0.
	SnapshotMany(ctx context.Context, depKeys []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, depKey string) (uint64, error)
	// Cleanup prunes old metadata if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
