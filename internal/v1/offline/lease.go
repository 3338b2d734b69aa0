package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courier-im/courier/internal/v1/metrics"
	"github.com/courier-im/courier/internal/v1/partition"
	"github.com/courier-im/courier/internal/v1/types"
)

var (
	ErrLeaseNotAcquired = errors.New("offline lease not acquired")
	ErrLeaseNotHeld     = errors.New("offline lease not held")
)

// Lua scripts guard renew and release with a holder check, so an expired
// lease taken over by another node is never touched.
const (
	renewScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	releaseScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

// Lease is the cluster-wide mutex that elects the single offline scanner.
// It lives on whichever partition the lease key hashes to.
type Lease struct {
	router *partition.Router
	holder string
	ttl    time.Duration
}

// NewLease builds a lease agent identified by holder, usually the node id.
func NewLease(router *partition.Router, holder string, ttl time.Duration) *Lease {
	return &Lease{router: router, holder: holder, ttl: ttl}
}

func (l *Lease) route() partition.Route {
	return partition.ByKey(types.KeyOfflineLease)
}

// TryAcquire attempts the atomic SETNX acquire. Returns false without error
// when another node holds the lease.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.router.SetNX(ctx, l.route(), types.KeyOfflineLease, l.holder, l.ttl)
	if err != nil {
		return false, fmt.Errorf("lease acquire failed: %w", err)
	}
	if ok {
		metrics.OfflineLeaseHeld.Set(1)
	}
	return ok, nil
}

// Renew extends the TTL iff this node still holds the lease.
func (l *Lease) Renew(ctx context.Context) error {
	res, err := l.router.Eval(ctx, l.route(), renewScript,
		[]string{types.KeyOfflineLease}, l.holder, l.ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("lease renew failed: %w", err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		metrics.OfflineLeaseHeld.Set(0)
		return ErrLeaseNotHeld
	}
	return nil
}

// Release drops the lease iff this node holds it.
func (l *Lease) Release(ctx context.Context) error {
	res, err := l.router.Eval(ctx, l.route(), releaseScript,
		[]string{types.KeyOfflineLease}, l.holder)
	metrics.OfflineLeaseHeld.Set(0)
	if err != nil {
		return fmt.Errorf("lease release failed: %w", err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}
