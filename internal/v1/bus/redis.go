package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/courier-im/courier/internal/v1/logging"
	"github.com/courier-im/courier/internal/v1/metrics"
	"github.com/courier-im/courier/internal/v1/types"
	"go.uber.org/zap"
)

// channelPrefix namespaces the per-address pub/sub channels.
const channelPrefix = "courier:addr:"

// reconnectBackoff paces pub/sub loop restarts after a connection loss.
const reconnectBackoff = 3 * time.Second

// PubSubPayload is the envelope moving dispatch messages between nodes. The
// payload is opaque bytes, base64-coded by encoding/json, so binary frames
// survive the trip.
type PubSubPayload struct {
	Address    string `json:"address"`
	Payload    []byte `json:"payload"`
	SenderNode string `json:"senderNode"`
}

// Handler receives messages published by peer nodes for a subscribed address.
type Handler func(addr types.Address, payload []byte)

// Service handles cross-node dispatch over a pub/sub Redis. Publishing is
// wrapped in a circuit breaker; the subscription side is one dedicated loop
// that re-subscribes everything after a reconnect.
type Service struct {
	client  *redis.Client
	cb      *gobreaker.CircuitBreaker
	nodeID  string
	handler Handler

	mu       sync.Mutex
	channels map[string]struct{}
	pubsub   *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the cross-node pub/sub connection and starts its
// receive loop. The handler is invoked for every message addressed to a
// channel this node is subscribed to.
func NewService(addr, password, nodeID string, handler Handler) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to pub/sub Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}

	ctx, cancelLoop := context.WithCancel(context.Background())
	s := &Service{
		client:   rdb,
		cb:       gobreaker.NewCircuitBreaker(st),
		nodeID:   nodeID,
		handler:  handler,
		channels: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancelLoop,
	}

	s.wg.Add(1)
	go s.receiveLoop()

	logging.Info(context.Background(), "connected to dispatch pub/sub Redis", zap.String("addr", addr))
	return s, nil
}

func channelFor(addr types.Address) string {
	return channelPrefix + addr.String()
}

// SubscribeAddress registers interest in an address channel. Called by the
// dispatcher when the first local session for the address appears.
func (s *Service) SubscribeAddress(addr types.Address) {
	if s == nil {
		return
	}
	ch := channelFor(addr)
	s.mu.Lock()
	s.channels[ch] = struct{}{}
	pubsub := s.pubsub
	s.mu.Unlock()

	if pubsub != nil {
		if err := pubsub.Subscribe(s.ctx, ch); err != nil {
			logging.Warn(s.ctx, "subscribe failed, will retry after reconnect", zap.String("channel", ch), zap.Error(err))
		}
	}
}

// UnsubscribeAddress drops the channel once the last local session leaves.
func (s *Service) UnsubscribeAddress(addr types.Address) {
	if s == nil {
		return
	}
	ch := channelFor(addr)
	s.mu.Lock()
	delete(s.channels, ch)
	pubsub := s.pubsub
	s.mu.Unlock()

	if pubsub != nil {
		if err := pubsub.Unsubscribe(s.ctx, ch); err != nil {
			logging.Warn(s.ctx, "unsubscribe failed", zap.String("channel", ch), zap.Error(err))
		}
	}
}

// PublishAddress hands a payload to whichever peer node holds a session for
// the address.
func (s *Service) PublishAddress(ctx context.Context, addr types.Address, payload []byte) error {
	if s == nil {
		return nil // single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		msg := PubSubPayload{
			Address:    addr.String(),
			Payload:    payload,
			SenderNode: s.nodeID,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channelFor(addr), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			logging.Warn(ctx, "dispatch circuit breaker open, dropping publish", zap.String("address", addr.String()))
			return nil // graceful degradation: offline path will pick it up
		}
		logging.Error(ctx, "dispatch publish failed", zap.String("address", addr.String()), zap.Error(err))
		return err
	}
	return nil
}

// receiveLoop owns the pub/sub connection. On any failure it tears the
// subscription down and rebuilds it after a fixed backoff, re-subscribing
// every tracked channel.
func (s *Service) receiveLoop() {
	defer s.wg.Done()
	for {
		if s.ctx.Err() != nil {
			return
		}

		pubsub := s.client.Subscribe(s.ctx)

		s.mu.Lock()
		chans := make([]string, 0, len(s.channels))
		for ch := range s.channels {
			chans = append(chans, ch)
		}
		s.pubsub = pubsub
		s.mu.Unlock()

		if len(chans) > 0 {
			if err := pubsub.Subscribe(s.ctx, chans...); err != nil {
				logging.Warn(s.ctx, "resubscribe failed", zap.Error(err))
			}
		}

		s.drain(pubsub)

		s.mu.Lock()
		s.pubsub = nil
		s.mu.Unlock()
		_ = pubsub.Close()

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(reconnectBackoff):
			logging.Info(s.ctx, "reconnecting dispatch pub/sub")
		}
	}
}

func (s *Service) drain(pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				logging.Warn(s.ctx, "dispatch pub/sub channel closed")
				return
			}
			var payload PubSubPayload
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				logging.Error(s.ctx, "failed to unmarshal pub/sub message", zap.Error(err))
				continue
			}
			addr, err := types.ParseAddress(payload.Address)
			if err != nil {
				logging.Error(s.ctx, "pub/sub message with malformed address", zap.Error(err))
				continue
			}
			if s.handler != nil {
				s.handler(addr, payload.Payload)
			}
		}
	}
}

// Ping checks pub/sub Redis connectivity, used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
	}
	return err
}

// Close stops the receive loop and releases the connection.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.cancel()
	s.mu.Lock()
	if s.pubsub != nil {
		_ = s.pubsub.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.client.Close()
}
