package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/statecache"
	"github.com/unkn0wn-root/statecache/genstore"
	asynchook "github.com/unkn0wn-root/statecache/hooks/async"
	zapadapter "github.com/unkn0wn-root/statecache/log/zap"
	"github.com/unkn0wn-root/statecache/sloghooks"
)

// Farm runs N nodes over one DB and one GenStore.
type Farm struct {
	cfg   Config
	db    *DB
	log   *zap.Logger
	rdb   goredis.UniversalClient
	gens  genstore.GenStore
	hooks statecache.Hooks
	async *asynchook.Hooks
	nodes []*Node
}

// Report summarizes a run.
type Report struct {
	Rounds     int
	Reads      int
	Mismatches int
	DBReads    map[string]int
}

func New(ctx context.Context, cfg Config, db *DB, log *zap.Logger) (*Farm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	f := &Farm{cfg: cfg, db: db, log: log, hooks: statecache.NopHooks{}}

	if cfg.needsRedis() {
		f.rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := f.rdb.Ping(ctx).Err(); err != nil {
			_ = f.rdb.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	if cfg.GenStore == "redis" {
		gs, err := genstore.NewRedisGenStore(genstore.RedisConfig{
			Client:    f.rdb,
			Namespace: cfg.Redis.Prefix + "gen",
			TTL:       24 * time.Hour,
		})
		if err != nil {
			_ = f.Close(ctx)
			return nil, err
		}
		f.gens = gs
	} else {
		// one process hosts every node, so a single in-memory store is farm-wide
		f.gens = genstore.NewLocalGenStore(time.Hour, 24*time.Hour)
	}

	if cfg.Hooks {
		f.async = asynchook.New(sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10, ReloadEvery: 10}), 1, 1024)
		f.hooks = f.async
	}

	for i := 0; i < cfg.Nodes; i++ {
		n, err := f.newNode(ctx, fmt.Sprintf("node-%d", i))
		if err != nil {
			_ = f.Close(ctx)
			return nil, err
		}
		f.nodes = append(f.nodes, n)
	}
	return f, nil
}

func (f *Farm) logger(node string) statecache.Logger {
	return zapadapter.ZapLogger{L: f.log.With(zap.String("node", node))}
}

func (f *Farm) Nodes() []*Node { return f.nodes }

// Close releases nodes first, then the shared generations and client.
func (f *Farm) Close(ctx context.Context) error {
	var errs []error
	for _, n := range f.nodes {
		errs = append(errs, n.Close(ctx))
	}
	if f.gens != nil {
		errs = append(errs, f.gens.Close(ctx))
	}
	if f.async != nil {
		f.async.Close()
	}
	if f.rdb != nil {
		errs = append(errs, f.rdb.Close())
	}
	return errors.Join(errs...)
}

// Run seeds the rooms, then performs cfg.Rounds rounds. In each round one
// node writes and invalidates, and every node checks its view against the DB.
func (f *Farm) Run(ctx context.Context) (Report, error) {
	for id := 1; id <= f.cfg.Rooms; id++ {
		f.db.PutRoom(Room{ID: id, Title: fmt.Sprintf("room %d", id)})
	}

	rep := Report{Rounds: f.cfg.Rounds}
	for r := 0; r < f.cfg.Rounds; r++ {
		writer := f.nodes[r%len(f.nodes)]
		if err := f.write(ctx, writer, r); err != nil {
			return rep, fmt.Errorf("round %d: %w", r, err)
		}
		reads, mismatches, err := f.check(ctx)
		if err != nil {
			return rep, fmt.Errorf("round %d: %w", r, err)
		}
		rep.Reads += reads
		rep.Mismatches += mismatches
	}
	rep.DBReads = f.db.Reads()
	f.log.Info("run finished",
		zap.Int("rounds", rep.Rounds),
		zap.Int("reads", rep.Reads),
		zap.Int("mismatches", rep.Mismatches),
		zap.Any("db_reads", rep.DBReads))
	return rep, nil
}

func (f *Farm) write(ctx context.Context, n *Node, round int) error {
	roomID := round%f.cfg.Rooms + 1
	user := fmt.Sprintf("user-%d", round%5)

	f.db.Post(roomID, user, fmt.Sprintf("message %d", round))
	if round%3 == 2 {
		f.db.Delete(round - 1)
	}
	if err := n.Messages.InvalidateCurrentState(ctx); err != nil {
		return err
	}

	if round%4 == 0 {
		f.db.PutRoom(Room{ID: roomID, Title: fmt.Sprintf("room %d (round %d)", roomID, round)})
		if err := n.Rooms.InvalidateItem(ctx, roomID); err != nil {
			return err
		}
	}

	f.db.SetOnline(user, round%2 == 0)
	return n.Online.Invalidate(ctx)
}

// check reads through every node concurrently. A view that disagrees with
// the DB right after a farm-wide invalidation is a mismatch.
func (f *Farm) check(ctx context.Context) (reads, mismatches int, err error) {
	wantOnline := f.db.OnlineNow()
	wantLive := f.db.LiveCount()

	bad := make([]int, len(f.nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range f.nodes {
		i, n := i, n
		g.Go(func() error {
			msgs, last, _, err := n.Messages.CurrentStateWithLastChange(gctx)
			if err != nil {
				return err
			}
			if len(msgs) != wantLive {
				bad[i]++
				f.log.Warn("message view differs", zap.String("node", n.Name), zap.Int("got", len(msgs)), zap.Int("want", wantLive))
			}
			// the state merged everything up to last; nothing newer may exist
			if newer, ok, err := n.Messages.GetLatestData(gctx, last); err != nil {
				return err
			} else if ok {
				bad[i]++
				f.log.Warn("changes past lastChange", zap.String("node", n.Name), zap.Int("items", len(newer.Items)))
			}
			online, err := n.Online.Get(gctx)
			if err != nil {
				return err
			}
			if !slices.Equal(online, wantOnline) {
				bad[i]++
				f.log.Warn("presence view differs", zap.String("node", n.Name), zap.Strings("got", online))
			}
			for id := 1; id <= f.cfg.Rooms; id++ {
				r, err := n.Rooms.GetItem(gctx, id)
				if err != nil {
					return err
				}
				if want := f.db.RoomNow(id); r != want {
					bad[i]++
					f.log.Warn("room view differs", zap.String("node", n.Name), zap.Int("room", id), zap.String("got", r.Title))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	for _, b := range bad {
		mismatches += b
	}
	return len(f.nodes) * (3 + f.cfg.Rooms), mismatches, nil
}
