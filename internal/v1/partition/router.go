package partition

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courier-im/courier/internal/v1/logging"
)

const (
	probeInterval = 5 * time.Second
	sentinelTTL   = 15 * time.Second
)

// Router maps every operation to exactly one partition via consistent
// hashing and executes it with replica failover inside that partition.
//
// Offline state is partitioned by gid; callers never know which replica is
// authoritative today. The liveness probe runs from here, not a separate
// agent, so the same connection pool observes replica health.
type Router struct {
	shards []*partitionShard
	ring   *ring
	cancel context.CancelFunc
	done   chan struct{}
}

// New connects a router to the configured partitions. Each inner slice is
// the ordered replica list of one partition.
func New(partitions [][]string, password string) (*Router, error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("at least one partition is required")
	}
	r := &Router{
		ring: newRing(len(partitions)),
		done: make(chan struct{}),
	}
	for i, addrs := range partitions {
		if len(addrs) == 0 {
			return nil, fmt.Errorf("partition %d has no replicas", i)
		}
		r.shards = append(r.shards, newShard(i, addrs, password))
	}
	return r, nil
}

// StartProbe launches the background liveness probe for every partition.
func (r *Router) StartProbe(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()
		logging.Info(ctx, "partition liveness probe started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range r.shards {
					s.probe(ctx, sentinelTTL)
				}
			}
		}
	}()
}

// Close stops the probe and releases every replica connection pool.
func (r *Router) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	for _, s := range r.shards {
		s.close()
	}
	return nil
}

// PartitionCount reports how many partitions the router spans.
func (r *Router) PartitionCount() int {
	return len(r.shards)
}

// PartitionFor exposes the consistent-hash decision for a route.
func (r *Router) PartitionFor(route Route) int {
	return r.ring.pick(route.key)
}

func (r *Router) shardFor(route Route) *partitionShard {
	return r.shards[r.ring.pick(route.key)]
}

// --- Routed primitive operations ---

func (r *Router) Get(ctx context.Context, route Route, key string) (string, error) {
	var out string
	err := r.shardFor(route).do(ctx, func(c *redis.Client) error {
		v, err := c.Get(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (r *Router) Set(ctx context.Context, route Route, key, value string, ttl time.Duration) error {
	return r.shardFor(route).do(ctx, func(c *redis.Client) error {
		return c.Set(ctx, key, value, ttl).Err()
	})
}

// SetNX performs the atomic acquire used by the offline lease.
func (r *Router) SetNX(ctx context.Context, route Route, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.shardFor(route).do(ctx, func(c *redis.Client) error {
		v, err := c.SetNX(ctx, key, value, ttl).Result()
		ok = v
		return err
	})
	return ok, err
}

func (r *Router) Del(ctx context.Context, route Route, keys ...string) error {
	return r.shardFor(route).do(ctx, func(c *redis.Client) error {
		return c.Del(ctx, keys...).Err()
	})
}

func (r *Router) Incr(ctx context.Context, route Route, key string) (int64, error) {
	var out int64
	err := r.shardFor(route).do(ctx, func(c *redis.Client) error {
		v, err := c.Incr(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (r *Router) Expire(ctx context.Context, route Route, key string, ttl time.Duration) error {
	return r.shardFor(route).do(ctx, func(c *redis.Client) error {
		return c.Expire(ctx, key, ttl).Err()
	})
}

func (r *Router) TTL(ctx context.Context, route Route, key string) (time.Duration, error) {
	var out time.Duration
	err := r.shardFor(route).do(ctx, func(c *redis.Client) error {
		v, err := c.TTL(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (r *Router) HSet(ctx context.Context, route Route, key, field, value string) error {
	return r.shardFor(route).do(ctx, func(c *redis.Client) error {
		return c.HSet(ctx, key, field, value).Err()
	})
}

func (r *Router) HGet(ctx context.Context, route Route, key, field string) (string, error) {
	var out string
	err := r.shardFor(route).do(ctx, func(c *redis.Client) error {
		v, err := c.HGet(ctx, key, field).Result()
		out = v
		return err
	})
	return out, err
}

func (r *Router) HMSet(ctx context.Context, route Route, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return r.shardFor(route).do(ctx, func(c *redis.Client) error {
		args := make(map[string]interface{}, len(fields))
		for f, v := range fields {
			args[f] = v
		}
		return c.HSet(ctx, key, args).Err()
	})
}

func (r *Router) HMGet(ctx context.Context, route Route, key string, fields ...string) ([]interface{}, error) {
	var out []interface{}
	err := r.shardFor(route).do(ctx, func(c *redis.Client) error {
		v, err := c.HMGet(ctx, key, fields...).Result()
		out = v
		return err
	})
	return out, err
}

func (r *Router) HDel(ctx context.Context, route Route, key string, fields ...string) error {
	return r.shardFor(route).do(ctx, func(c *redis.Client) error {
		return c.HDel(ctx, key, fields...).Err()
	})
}

func (r *Router) HLen(ctx context.Context, route Route, key string) (int64, error) {
	var out int64
	err := r.shardFor(route).do(ctx, func(c *redis.Client) error {
		v, err := c.HLen(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (r *Router) ZAdd(ctx context.Context, route Route, key string, score float64, member string) error {
	return r.shardFor(route).do(ctx, func(c *redis.Client) error {
		return c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

func (r *Router) ZRem(ctx context.Context, route Route, key string, members ...string) error {
	return r.shardFor(route).do(ctx, func(c *redis.Client) error {
		args := make([]interface{}, len(members))
		for i, m := range members {
			args[i] = m
		}
		return c.ZRem(ctx, key, args...).Err()
	})
}

func (r *Router) SAdd(ctx context.Context, route Route, key string, members ...string) error {
	return r.shardFor(route).do(ctx, func(c *redis.Client) error {
		args := make([]interface{}, len(members))
		for i, m := range members {
			args[i] = m
		}
		return c.SAdd(ctx, key, args...).Err()
	})
}

func (r *Router) SMembers(ctx context.Context, route Route, key string) ([]string, error) {
	var out []string
	err := r.shardFor(route).do(ctx, func(c *redis.Client) error {
		v, err := c.SMembers(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (r *Router) Publish(ctx context.Context, route Route, channel, payload string) error {
	return r.shardFor(route).do(ctx, func(c *redis.Client) error {
		return c.Publish(ctx, channel, payload).Err()
	})
}

// Eval runs a Lua script with failover, used for check-value lease release
// and renewal.
func (r *Router) Eval(ctx context.Context, route Route, script string, keys []string, args ...interface{}) (interface{}, error) {
	var out interface{}
	err := r.shardFor(route).do(ctx, func(c *redis.Client) error {
		v, err := c.Eval(ctx, script, keys, args...).Result()
		out = v
		return err
	})
	return out, err
}

// --- Partition-scoped operations ---
//
// The offline orchestrator iterates queues and user hashes per partition:
// historical user records may live on a partition the current hash no longer
// selects, so scans deliberately visit every partition.

func (r *Router) ZRangeByScoreOn(ctx context.Context, p int, key, min, max string, offset, count int64) ([]string, error) {
	var out []string
	err := r.shards[p].do(ctx, func(c *redis.Client) error {
		v, err := c.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: min, Max: max, Offset: offset, Count: count,
		}).Result()
		out = v
		return err
	})
	return out, err
}

func (r *Router) ZRemOn(ctx context.Context, p int, key string, members ...string) error {
	return r.shards[p].do(ctx, func(c *redis.Client) error {
		args := make([]interface{}, len(members))
		for i, m := range members {
			args[i] = m
		}
		return c.ZRem(ctx, key, args...).Err()
	})
}

func (r *Router) HScanOn(ctx context.Context, p int, key string, cursor uint64, count int64) ([]string, uint64, error) {
	var (
		out  []string
		next uint64
	)
	err := r.shards[p].do(ctx, func(c *redis.Client) error {
		v, cur, err := c.HScan(ctx, key, cursor, "", count).Result()
		out, next = v, cur
		return err
	})
	return out, next, err
}

func (r *Router) HMGetOn(ctx context.Context, p int, key string, fields ...string) ([]interface{}, error) {
	var out []interface{}
	err := r.shards[p].do(ctx, func(c *redis.Client) error {
		v, err := c.HMGet(ctx, key, fields...).Result()
		out = v
		return err
	})
	return out, err
}

// Ping verifies at least one replica of every partition answers.
func (r *Router) Ping(ctx context.Context) error {
	for _, s := range r.shards {
		if err := s.do(ctx, func(c *redis.Client) error {
			return c.Ping(ctx).Err()
		}); err != nil {
			return err
		}
	}
	return nil
}
