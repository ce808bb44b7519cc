package presets

import (
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-ward/v1/cache"
	"github.com/mirkobrombin/go-ward/v1/lockstore"
	"github.com/mirkobrombin/go-ward/v1/notify"
	"github.com/mirkobrombin/go-ward/v1/redlock"
	"github.com/mirkobrombin/go-ward/v1/swr"
)

// RedisClusterOptions configures a Redis-backed deployment. Addrs lists the
// independent Redis nodes used as lock stores; the first node also carries
// the cache entries and the refresh event bus.
type RedisClusterOptions struct {
	Addrs    []string
	Password string
	DB       int

	Cache swr.Options
	Lock  redlock.ClusterConfig
}

// NewRedisCluster wires the full stack onto a set of independent Redis
// nodes: one lock store per node, quorum locking across them, Redis-backed
// cache entries and a Redis pub/sub bus for refresh events.
func NewRedisCluster[T any](opts RedisClusterOptions) (*swr.Cache[T], error) {
	clients := make([]*redis.Client, len(opts.Addrs))
	stores := make([]lockstore.Store, len(opts.Addrs))
	for i, addr := range opts.Addrs {
		clients[i] = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		stores[i] = lockstore.NewRedis(clients[i])
	}

	cfg := opts.Lock
	cfg.Stores = stores
	coord, err := redlock.New(cfg)
	if err != nil {
		return nil, err
	}

	bus := notify.NewRedisBus(clients[0])
	sched := swr.NewScheduler(coord, swr.WithBus(bus))
	store := cache.NewRedisStore[T](clients[0], cache.JSONCodec{})
	return swr.New[T](store, sched, opts.Cache), nil
}

// NewStandalone wires the full stack in-process with no external
// dependencies. Useful for local development and tests; locking still goes
// through the coordinator, so refresh semantics match production.
func NewStandalone[T any](opts swr.Options) (*swr.Cache[T], error) {
	coord, err := redlock.New(redlock.ClusterConfig{
		Stores: []lockstore.Store{lockstore.NewInMemory()},
	})
	if err != nil {
		return nil, err
	}
	sched := swr.NewScheduler(coord, swr.WithBus(notify.NewInMemoryBus()))
	return swr.New[T](cache.NewInMemory[T](), sched, opts), nil
}
