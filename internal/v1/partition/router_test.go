package partition

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-im/courier/internal/v1/types"
)

func newTestRouter(t *testing.T, layout [][]string) *Router {
	t.Helper()
	r, err := New(layout, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func runMini(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

func TestNew_RequiresPartitions(t *testing.T) {
	_, err := New(nil, "")
	assert.Error(t, err)

	_, err = New([][]string{{}}, "")
	assert.Error(t, err)
}

func TestRing_Deterministic(t *testing.T) {
	r1 := newRing(4)
	r2 := newRing(4)

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%d", i)
		assert.Equal(t, r1.pick(key), r2.pick(key))
	}
}

func TestRing_RemovingPartitionRemapsOnlyItsKeys(t *testing.T) {
	// Partitions 0..2 keep identical virtual nodes when partition 3 is
	// removed, so only keys owned by partition 3 may move.
	big := newRing(4)
	small := newRing(3)

	moved := 0
	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("gid-%d", i)
		was := big.pick(key)
		now := small.pick(key)
		if was != 3 {
			assert.Equal(t, was, now, "key %q moved off a surviving partition", key)
		} else {
			moved++
		}
	}
	// Roughly 1/4 of keys lived on the removed partition.
	assert.Greater(t, moved, 200)
	assert.Less(t, moved, 900)
}

func TestRouter_BasicOps(t *testing.T) {
	mr := runMini(t)
	r := newTestRouter(t, [][]string{{mr.Addr()}})
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, ByKey("k"), "k", "v", 0))
	v, err := r.Get(ctx, ByKey("k"), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	n, err := r.Incr(ctx, ByKey("ctr"), "ctr")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = r.Incr(ctx, ByKey("ctr"), "ctr")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, r.HSet(ctx, ByGid(7), "h", "f1", "v1"))
	require.NoError(t, r.HMSet(ctx, ByGid(7), "h", map[string]string{"f2": "v2", "f3": "v3"}))
	hv, err := r.HGet(ctx, ByGid(7), "h", "f2")
	require.NoError(t, err)
	assert.Equal(t, "v2", hv)

	l, err := r.HLen(ctx, ByGid(7), "h")
	require.NoError(t, err)
	assert.Equal(t, int64(3), l)

	require.NoError(t, r.HDel(ctx, ByGid(7), "h", "f3"))
	l, err = r.HLen(ctx, ByGid(7), "h")
	require.NoError(t, err)
	assert.Equal(t, int64(2), l)

	require.NoError(t, r.ZAdd(ctx, ByGid(7), "z", 10, "m1"))
	require.NoError(t, r.ZAdd(ctx, ByGid(7), "z", 20, "m2"))
	members, err := r.ZRangeByScoreOn(ctx, 0, "z", "-inf", "15", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, members)

	require.NoError(t, r.SAdd(ctx, ByKey("s"), "s", "a", "b"))
	sm, err := r.SMembers(ctx, ByKey("s"), "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, sm)
}

func TestRouter_GetMissIsNotFailover(t *testing.T) {
	mr := runMini(t)
	r := newTestRouter(t, [][]string{{mr.Addr()}})

	_, err := r.Get(context.Background(), ByKey("absent"), "absent")
	assert.Error(t, err)

	// The miss must not have advanced the active replica.
	cur, _ := r.shards[0].active()
	assert.Equal(t, 0, cur)
}

func TestRouter_ReplicaFailover(t *testing.T) {
	mr0 := runMini(t)
	mr1 := runMini(t)
	r := newTestRouter(t, [][]string{{mr0.Addr(), mr1.Addr()}})
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, ByKey("k"), "k", "v0", 0))

	// Kill replica 0: the next operation retries against replica 1 inside
	// the same call.
	mr0.Close()

	require.NoError(t, r.Set(ctx, ByKey("k"), "k", "v1", 0))
	cur, _ := r.shards[0].active()
	assert.Equal(t, 1, cur)

	v, err := r.Get(ctx, ByKey("k"), "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}

func TestRouter_AllReplicasDown(t *testing.T) {
	mr0 := runMini(t)
	mr1 := runMini(t)
	r := newTestRouter(t, [][]string{{mr0.Addr(), mr1.Addr()}})

	mr0.Close()
	mr1.Close()

	err := r.Set(context.Background(), ByKey("k"), "k", "v", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 replicas failed")
}

func TestShard_ProbeRestoresPrimary(t *testing.T) {
	mr0 := runMini(t)
	mr1 := runMini(t)
	r := newTestRouter(t, [][]string{{mr0.Addr(), mr1.Addr()}})

	s := r.shards[0]
	s.advance(0)
	cur, _ := s.active()
	require.Equal(t, 1, cur)

	s.probe(context.Background(), sentinelTTL)

	cur, _ = s.active()
	assert.Equal(t, 0, cur)
	assert.True(t, mr0.Exists(types.KeyGroupMsgActive))

	ttl, err := r.TTL(context.Background(), ByKey(types.KeyGroupMsgActive), types.KeyGroupMsgActive)
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestShard_ProbeKeepsSurvivorWhenPrimaryDown(t *testing.T) {
	mr0 := runMini(t)
	mr1 := runMini(t)
	r := newTestRouter(t, [][]string{{mr0.Addr(), mr1.Addr()}})

	mr0.Close()
	require.NoError(t, r.Set(context.Background(), ByKey("k"), "k", "v", 0))

	s := r.shards[0]
	s.probe(context.Background(), sentinelTTL)

	cur, _ := s.active()
	assert.Equal(t, 1, cur)
}

func TestRouter_PartitionForIsStable(t *testing.T) {
	mr0 := runMini(t)
	mr1 := runMini(t)
	r := newTestRouter(t, [][]string{{mr0.Addr()}, {mr1.Addr()}})

	for gid := types.Gid(0); gid < 100; gid++ {
		p := r.PartitionFor(ByGid(gid))
		assert.Equal(t, p, r.PartitionFor(ByGid(gid)))
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 2)
	}
}

func TestRouter_EvalCheckAndDelete(t *testing.T) {
	mr := runMini(t)
	r := newTestRouter(t, [][]string{{mr.Addr()}})
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, ByKey("lock"), "lock", "holder-1", 0))

	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	res, err := r.Eval(ctx, ByKey("lock"), script, []string{"lock"}, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res)

	res, err = r.Eval(ctx, ByKey("lock"), script, []string{"lock"}, "holder-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res)
}
