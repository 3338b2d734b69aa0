// Package offline implements the single-leader orchestrator that turns
// unacknowledged group messages into push notifications.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/v1/logging"
	"github.com/courier-im/courier/internal/v1/metrics"
	"github.com/courier-im/courier/internal/v1/partition"
	"github.com/courier-im/courier/internal/v1/types"
)

const hashScanCount = 100

// Config tunes the scan loop.
type Config struct {
	NodeID string

	// Delay is the visibility window: triples younger than this are left
	// for real-time delivery.
	Delay time.Duration
	// Expire drops triples nobody consumed.
	Expire time.Duration
	// ScanBatch bounds triples fetched per partition per round.
	ScanBatch int64

	LeaseTTL      time.Duration
	RenewInterval time.Duration
	ScanInterval  time.Duration
}

// Orchestrator owns the lease and the round loop.
type Orchestrator struct {
	router    *partition.Router
	submitter types.PushSubmitter
	lease     *Lease
	cfg       Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(router *partition.Router, submitter types.PushSubmitter, cfg Config) *Orchestrator {
	return &Orchestrator{
		router:    router,
		submitter: submitter,
		lease:     NewLease(router, cfg.NodeID, cfg.LeaseTTL),
		cfg:       cfg,
	}
}

// Start launches the lease/scan loop.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.run(ctx)
}

// Stop halts the loop and releases the lease if held.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	acquireRetry := o.cfg.LeaseTTL / 3
	if acquireRetry <= 0 {
		acquireRetry = 10 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}

		held, err := o.lease.TryAcquire(ctx)
		if err != nil {
			logging.Warn(ctx, "offline lease acquire error", zap.Error(err))
		}
		if !held {
			select {
			case <-ctx.Done():
				return
			case <-time.After(acquireRetry):
				continue
			}
		}

		logging.Info(ctx, "offline lease acquired", zap.String("holder", o.cfg.NodeID))
		o.lead(ctx)

		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.lease.Release(releaseCtx); err != nil && !errors.Is(err, ErrLeaseNotHeld) {
			logging.Warn(ctx, "offline lease release failed", zap.Error(err))
		}
		cancel()

		if ctx.Err() != nil {
			return
		}
	}
}

// lead runs scan rounds while the lease renews. It returns when the lease is
// lost or the context ends.
func (o *Orchestrator) lead(ctx context.Context) {
	scan := time.NewTicker(o.cfg.ScanInterval)
	defer scan.Stop()
	renew := time.NewTicker(o.cfg.RenewInterval)
	defer renew.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-renew.C:
			if err := o.lease.Renew(ctx); err != nil {
				logging.Warn(ctx, "offline lease lost, halting scan", zap.Error(err))
				return
			}
		case <-scan.C:
			if _, err := o.ScanRound(ctx); err != nil {
				metrics.OfflineRounds.WithLabelValues("error").Inc()
				logging.Error(ctx, "offline scan round failed", zap.Error(err))
			} else {
				metrics.OfflineRounds.WithLabelValues("ok").Inc()
			}
		}
	}
}

// candidate is one potential notification discovered during a round.
type candidate struct {
	uid  string
	gid  types.Gid
	mid  types.Mid
	info types.GroupUserMessageIdInfo
}

// tripleWork tracks which uids a triple still owes, so the triple is removed
// only once its winners have been submitted.
type tripleWork struct {
	partition int
	member    string
	mid       types.Mid
	uids      []string
}

// ScanRound walks every partition once and submits at most one notification
// per uid, preferring the highest mid. Exported so tests and the internal
// push handoff endpoint can drive a round directly.
func (o *Orchestrator) ScanRound(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	best := make(map[string]candidate)
	var triples []tripleWork
	var firstErr error

	for p := 0; p < o.router.PartitionCount(); p++ {
		// Cooperative cancellation between partitions.
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := o.scanPartition(ctx, p, now, best, &triples); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logging.Warn(ctx, "offline partition scan failed", zap.Int("partition", p), zap.Error(err))
		}
	}

	submitted := make(map[string]bool, len(best))
	count := 0
	for uid, c := range best {
		n := &types.Notification{
			ID:    uuid.NewString(),
			UID:   types.Uid(uid),
			Gid:   c.gid,
			Mid:   c.mid,
			Class: types.ClassNormal,
			Info:  c.info,
		}
		if err := o.submitter.Submit(ctx, n); err != nil {
			logging.Warn(ctx, "push submission failed",
				zap.String("uid", uid), zap.Int64("mid", int64(c.mid)), zap.Error(err))
			continue
		}
		submitted[uid] = true
		count++
	}

	for _, t := range triples {
		if !o.tripleSettled(t, best, submitted) {
			continue
		}
		if err := o.router.ZRemOn(ctx, t.partition, types.KeyGroupMsgList, t.member); err != nil {
			logging.Warn(ctx, "failed to remove settled triple", zap.String("triple", t.member), zap.Error(err))
		}
	}
	return count, firstErr
}

// tripleSettled reports whether every uid the triple targeted either had its
// winning notification submitted or was superseded by a higher mid.
func (o *Orchestrator) tripleSettled(t tripleWork, best map[string]candidate, submitted map[string]bool) bool {
	for _, uid := range t.uids {
		winner, ok := best[uid]
		if !ok {
			continue
		}
		if winner.mid == t.mid && !submitted[uid] {
			return false
		}
	}
	return true
}

func (o *Orchestrator) scanPartition(ctx context.Context, p int, now int64, best map[string]candidate, triples *[]tripleWork) error {
	// Drop everything past the retention horizon first.
	expired, err := o.router.ZRangeByScoreOn(ctx, p, types.KeyGroupMsgList,
		"-inf", fmt.Sprintf("(%d", now-int64(o.cfg.Expire.Seconds())), 0, o.cfg.ScanBatch)
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		if err := o.router.ZRemOn(ctx, p, types.KeyGroupMsgList, expired...); err != nil {
			return err
		}
		logging.Info(ctx, "dropped expired offline triples", zap.Int("partition", p), zap.Int("count", len(expired)))
	}

	rows, err := o.router.ZRangeByScoreOn(ctx, p, types.KeyGroupMsgList,
		"-inf", fmt.Sprintf("(%d", now-int64(o.cfg.Delay.Seconds())), 0, o.cfg.ScanBatch)
	if err != nil {
		return err
	}

	for _, member := range rows {
		gid, mid, ppt, err := types.ParseTriple(member)
		if err != nil {
			logging.Warn(ctx, "removing malformed offline triple", zap.String("member", member))
			_ = o.router.ZRemOn(ctx, p, types.KeyGroupMsgList, member)
			continue
		}

		infos, err := o.collectUserRecords(ctx, gid)
		if err != nil {
			return err
		}

		var targets *types.DesignatedTargets
		if ppt == types.PushToDesignatedPerson {
			targets, err = o.designatedTargets(ctx, gid, member)
			if err != nil {
				return err
			}
		}

		work := tripleWork{partition: p, member: member, mid: mid}
		for uid, info := range infos {
			if !eligible(uid, mid, info, targets) {
				continue
			}
			work.uids = append(work.uids, uid)
			if prev, ok := best[uid]; !ok || mid > prev.mid {
				best[uid] = candidate{uid: uid, gid: gid, mid: mid, info: info}
			}
		}
		*triples = append(*triples, work)
	}
	return nil
}

// collectUserRecords merges the group's user hash from EVERY partition,
// preferring the record with the highest lastMid. Historical records can
// live on partitions the current hash no longer selects.
func (o *Orchestrator) collectUserRecords(ctx context.Context, gid types.Gid) (map[string]types.GroupUserMessageIdInfo, error) {
	key := types.KeyGroupUserMsg(gid)
	merged := make(map[string]types.GroupUserMessageIdInfo)

	for p := 0; p < o.router.PartitionCount(); p++ {
		cursor := uint64(0)
		for {
			pairs, next, err := o.router.HScanOn(ctx, p, key, cursor, hashScanCount)
			if err != nil {
				return nil, err
			}
			for i := 0; i+1 < len(pairs); i += 2 {
				uid, raw := pairs[i], pairs[i+1]
				var info types.GroupUserMessageIdInfo
				if err := json.Unmarshal([]byte(raw), &info); err != nil {
					logging.Warn(ctx, "skipping corrupt group user record",
						zap.Int64("gid", int64(gid)), zap.String("uid", uid))
					continue
				}
				if prev, ok := merged[uid]; !ok || info.LastMid > prev.LastMid {
					merged[uid] = info
				}
			}
			if next == 0 {
				break
			}
			cursor = next
		}
	}
	return merged, nil
}

func (o *Orchestrator) designatedTargets(ctx context.Context, gid types.Gid, member string) (*types.DesignatedTargets, error) {
	raw, err := o.router.HGet(ctx, partition.ByGid(gid), types.KeyGroupMultiMsgList, member)
	if errors.Is(err, redis.Nil) {
		// Missing target set means nobody to push.
		return &types.DesignatedTargets{}, nil
	}
	if err != nil {
		return nil, err
	}
	var targets types.DesignatedTargets
	if err := json.Unmarshal([]byte(raw), &targets); err != nil {
		return nil, fmt.Errorf("corrupt designated target set for %q: %w", member, err)
	}
	return &targets, nil
}

func eligible(uid string, mid types.Mid, info types.GroupUserMessageIdInfo, targets *types.DesignatedTargets) bool {
	if info.LastMid >= mid {
		return false
	}
	if info.Flag != types.CfgFlagNormal {
		return false
	}
	if !info.PushCapable() {
		return false
	}
	if targets != nil {
		if uid == targets.FromUid {
			return false
		}
		found := false
		for _, t := range targets.Members {
			if t == uid {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
