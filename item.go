package statecache

import (
	"fmt"
	"time"
)

// Item is anything that can be cached incrementally.
// ChangeTime must not decrease for one item across successive loads.
type Item interface {
	ChangeTime() time.Time
}

// ChangeKind tells a current-state cache what to do with an item.
type ChangeKind uint8

const (
	// Modify inserts or replaces the item under its primary key.
	Modify ChangeKind = iota
	// Remove evicts the item's primary key.
	Remove
)

func (k ChangeKind) String() string {
	switch k {
	case Modify:
		return "modify"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("ChangeKind(%d)", uint8(k))
	}
}

// StateItem is an Item that can be merged into a current-state map.
type StateItem[K comparable] interface {
	Item
	PrimaryKey() K
	ChangeKind() ChangeKind
}

// Param derives the cache key of one parametrized list query.
// Equal parameters must return equal keys.
type Param interface {
	CacheKey() string
}

// latest returns the greatest of since and every item's ChangeTime.
func latest[T Item](since time.Time, items []T) time.Time {
	out := since
	for _, it := range items {
		if ct := it.ChangeTime(); ct.After(out) {
			out = ct
		}
	}
	return out
}
