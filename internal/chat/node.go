package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/statecache"
	"github.com/unkn0wn-root/statecache/codec"
	pr "github.com/unkn0wn-root/statecache/provider"
	"github.com/unkn0wn-root/statecache/provider/bigcache"
	"github.com/unkn0wn-root/statecache/provider/redis"
	"github.com/unkn0wn-root/statecache/provider/ristretto"
)

// Node is one web server of the farm with its own caches.
type Node struct {
	Name     string
	store    *statecache.Store
	Rooms    *statecache.Collection[int, Room]
	Messages *statecache.Incremental[int, Message]
	Online   *statecache.Value[[]string]
}

func (f *Farm) newProvider(ctx context.Context) (pr.Provider, error) {
	switch f.cfg.Provider {
	case "bigcache":
		return bigcache.New(ctx, bigcache.Config{
			LifeWindow:         10 * time.Minute,
			CleanWindow:        time.Minute,
			Shards:             64,
			MaxEntriesInWindow: 4096,
			MaxEntrySize:       512,
		})
	case "redis":
		return redis.New(redis.Config{Client: f.rdb, Prefix: f.cfg.Redis.Prefix + "data:"})
	default:
		return ristretto.New(ristretto.Config{NumCounters: 100_000, MaxCost: 10_000})
	}
}

func (f *Farm) newNode(ctx context.Context, name string) (*Node, error) {
	p, err := f.newProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: provider: %w", name, err)
	}
	log := f.logger(name)
	store, err := statecache.NewStore(statecache.StoreOptions{
		Provider: p,
		GenStore: f.gens,
		Logger:   log,
		Hooks:    f.hooks,
	})
	if err != nil {
		return nil, err
	}
	n := &Node{Name: name, store: store}

	roomCodec, err := codec.ByName[Room](f.cfg.Codec, 0)
	if err != nil {
		return nil, err
	}
	n.Rooms, err = statecache.NewCollection(statecache.CollectionOptions[int, Room]{
		Namespace: "rooms",
		Store:     store,
		Codec:     roomCodec,
		Fetch:     f.db.Room,
		Logger:    log,
		Hooks:     f.hooks,
	})
	if err != nil {
		return nil, err
	}

	listCodec, err := codec.ByName[statecache.ListEntry[Message]](f.cfg.Codec, 0)
	if err != nil {
		return nil, err
	}
	n.Messages, err = statecache.NewIncremental(statecache.IncrementalOptions[int, Message]{
		Namespace:    "messages",
		Store:        store,
		ListCodec:    listCodec,
		FetchAll:     f.db.AllMessages,
		FetchChanged: f.db.MessagesChangedSince,
		MaxDelay:     f.cfg.MaxDelay,
		Logger:       log,
		Hooks:        f.hooks,
	})
	if err != nil {
		return nil, err
	}

	onlineCodec, err := codec.ByName[[]string](f.cfg.Codec, 0)
	if err != nil {
		return nil, err
	}
	n.Online, err = statecache.NewValue(statecache.ValueOptions[[]string]{
		Key:               "online",
		Store:             store,
		Codec:             onlineCodec,
		Fetch:             f.db.Online,
		SlidingExpiration: f.cfg.MaxDelay,
		Logger:            log,
		Hooks:             f.hooks,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) Close(ctx context.Context) error { return n.store.Close(ctx) }
