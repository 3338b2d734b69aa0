package bus

import (
	"context"
	"sync"

	"github.com/courier-im/courier/internal/v1/logging"
	"github.com/courier-im/courier/internal/v1/metrics"
	"github.com/courier-im/courier/internal/v1/types"
	"go.uber.org/zap"
)

// Dispatcher is the process-local pub/sub that multiplexes real-time
// messages onto live sessions, keyed by (uid, device-id). When no local
// session holds an address the payload is forwarded over the cross-node
// Redis channel named by the address.
type Dispatcher struct {
	mu     sync.Mutex
	subs   map[types.Address]map[uint64]types.Session
	nextID uint64

	remote *Service // nil in single-instance mode
}

// NewDispatcher builds a dispatcher. remote may be nil.
func NewDispatcher(remote *Service) *Dispatcher {
	return &Dispatcher{
		subs:   make(map[types.Address]map[uint64]types.Session),
		remote: remote,
	}
}

// HandleRemote delivers a payload published by a peer node to local
// sessions only; it never republishes, so messages cannot loop.
func (d *Dispatcher) HandleRemote(addr types.Address, payload []byte) {
	for _, s := range d.localSessions(addr) {
		s.SendRaw(payload)
	}
}

// Subscribe registers a session under an address and returns the channel id
// used to revoke it. The first subscriber for an address also opens the
// cross-node subscription.
func (d *Dispatcher) Subscribe(addr types.Address, s types.Session) uint64 {
	d.mu.Lock()
	chans, ok := d.subs[addr]
	if !ok {
		chans = make(map[uint64]types.Session)
		d.subs[addr] = chans
	}
	d.nextID++
	id := d.nextID
	chans[id] = s
	first := len(chans) == 1
	d.mu.Unlock()

	if first && d.remote != nil {
		d.remote.SubscribeAddress(addr)
	}
	return id
}

// Unsubscribe removes one channel. The last subscriber for an address also
// cancels the cross-node subscription.
func (d *Dispatcher) Unsubscribe(addr types.Address, channelID uint64) {
	d.mu.Lock()
	chans, ok := d.subs[addr]
	if ok {
		delete(chans, channelID)
		if len(chans) == 0 {
			delete(d.subs, addr)
		}
	}
	last := ok && len(chans) == 0
	d.mu.Unlock()

	if last && d.remote != nil {
		d.remote.UnsubscribeAddress(addr)
	}
}

// Publish delivers the payload to every local session for the address, in
// publish order per session. It returns true iff at least one local session
// accepted; otherwise the payload is handed to the cross-node channel.
func (d *Dispatcher) Publish(ctx context.Context, addr types.Address, payload []byte) bool {
	sessions := d.localSessions(addr)
	if len(sessions) > 0 {
		for _, s := range sessions {
			s.SendRaw(payload)
		}
		metrics.DispatchDeliveries.WithLabelValues("local").Inc()
		return true
	}

	if d.remote != nil {
		if err := d.remote.PublishAddress(ctx, addr, payload); err != nil {
			metrics.DispatchDeliveries.WithLabelValues("dropped").Inc()
			return false
		}
		metrics.DispatchDeliveries.WithLabelValues("remote").Inc()
	} else {
		metrics.DispatchDeliveries.WithLabelValues("dropped").Inc()
	}
	return false
}

// Kick forces a disconnect of every session bound to the address.
func (d *Dispatcher) Kick(addr types.Address) {
	sessions := d.localSessions(addr)
	for _, s := range sessions {
		s.Disconnect()
	}
	if len(sessions) > 0 {
		logging.Info(context.Background(), "kicked sessions", zap.String("address", addr.String()), zap.Int("count", len(sessions)))
	}
}

// LocalCount reports how many sessions hold the address, used by tests and
// the readiness surface.
func (d *Dispatcher) LocalCount(addr types.Address) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[addr])
}

func (d *Dispatcher) localSessions(addr types.Address) []types.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	chans := d.subs[addr]
	if len(chans) == 0 {
		return nil
	}
	out := make([]types.Session, 0, len(chans))
	for _, s := range chans {
		out = append(out, s)
	}
	return out
}
