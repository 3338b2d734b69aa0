package partition

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courier-im/courier/internal/v1/logging"
	"github.com/courier-im/courier/internal/v1/metrics"
	"github.com/courier-im/courier/internal/v1/types"
	"go.uber.org/zap"
)

// dialTimeout bounds connection establishment to any replica.
const dialTimeout = 1500 * time.Millisecond

// Route selects the partition an operation targets: either a numeric group
// id or an opaque hash key.
type Route struct {
	key string
}

// ByGid routes by group id.
func ByGid(gid types.Gid) Route {
	return Route{key: strconv.FormatInt(int64(gid), 10)}
}

// ByKey routes by hash key.
func ByKey(key string) Route {
	return Route{key: key}
}

// partitionShard is one consistent-hash partition: an ordered replica list
// with an active index that advances on I/O failure.
type partitionShard struct {
	index    int
	addrs    []string
	replicas []*redis.Client

	mu      sync.RWMutex
	current int
}

func newShard(index int, addrs []string, password string) *partitionShard {
	s := &partitionShard{index: index, addrs: addrs}
	for _, addr := range addrs {
		s.replicas = append(s.replicas, redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DialTimeout:  dialTimeout,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     10,
			MinIdleConns: 2,
		}))
	}
	return s
}

func (s *partitionShard) active() (int, *redis.Client) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.replicas[s.current]
}

// advance moves past a failed replica. The caller passes the index it
// observed so concurrent failures advance only once.
func (s *partitionShard) advance(from int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != from {
		return
	}
	s.current = (s.current + 1) % len(s.replicas)
	metrics.PartitionFailovers.WithLabelValues(strconv.Itoa(s.index)).Inc()
	logging.Warn(context.Background(), "redis replica failover",
		zap.Int("partition", s.index),
		zap.String("failed", s.addrs[from]),
		zap.String("now", s.addrs[s.current]))
}

func (s *partitionShard) resetToPrimary() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != 0 {
		logging.Info(context.Background(), "redis primary replica restored",
			zap.Int("partition", s.index), zap.String("addr", s.addrs[0]))
	}
	s.current = 0
}

// do runs fn against the active replica, failing over through the ordered
// replica list until one succeeds or all have been tried.
func (s *partitionShard) do(ctx context.Context, fn func(*redis.Client) error) error {
	var lastErr error
	for attempt := 0; attempt < len(s.replicas); attempt++ {
		idx, client := s.active()
		err := fn(client)
		if err == nil || !isFailoverError(err) {
			return err
		}
		lastErr = err
		s.advance(idx)
	}
	return fmt.Errorf("partition %d: all %d replicas failed: %w", s.index, len(s.replicas), lastErr)
}

// probe checks replica 0 with the short-TTL sentinel. On success the active
// replica resets to 0 so the partition converges back onto its primary.
func (s *partitionShard) probe(ctx context.Context, sentinelTTL time.Duration) {
	probeCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	err := s.replicas[0].Set(probeCtx, types.KeyGroupMsgActive, "1", sentinelTTL).Err()
	if err == nil {
		s.resetToPrimary()
	}
}

func (s *partitionShard) close() {
	for _, c := range s.replicas {
		_ = c.Close()
	}
}

// isFailoverError reports whether an error warrants trying the next replica.
// A key miss is a valid reply, not a failure.
func isFailoverError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	// Redis protocol-level errors (WRONGTYPE etc.) mean the replica answered.
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return false
	}
	return true
}
