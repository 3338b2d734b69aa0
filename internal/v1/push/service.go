// Package push delivers notifications through APNs, FCM and Umeng with
// bounded retry and a per-provider-agnostic worker pool.
package push

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/v1/logging"
	"github.com/courier-im/courier/internal/v1/metrics"
	"github.com/courier-im/courier/internal/v1/types"
)

// provider is one delivery backend. Concrete providers live in this package;
// tests substitute fakes.
type provider interface {
	name() string
	send(ctx context.Context, n *types.Notification) error
}

// Config tunes the delivery pool.
type Config struct {
	Concurrency     int
	QueueSize       int
	VoipMaxResend   int
	VoipResendDelay time.Duration
}

// ErrQueueFull is returned by Submit when the delivery queue has no room.
var ErrQueueFull = errors.New("push queue full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("push service stopped")

// Service implements types.PushSubmitter. Submit enqueues; a fixed worker
// pool selects a provider per notification and delivers with backoff.
type Service struct {
	cfg    Config
	policy RetryPolicy

	apns  provider
	fcm   provider
	umeng provider

	queue   chan *types.Notification
	done    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	voipMu sync.Mutex
	voip   map[string]chan struct{}
}

// NewService wires the configured providers. Any provider may be nil when
// its credentials are absent; notifications needing it are dropped.
func NewService(cfg Config, apns *ApnsProvider, fcm *FcmProvider, umeng *UmengProvider) *Service {
	s := newService(cfg)
	if apns != nil {
		s.apns = apns
	}
	if fcm != nil {
		s.fcm = fcm
	}
	if umeng != nil {
		s.umeng = umeng
	}
	return s
}

func newService(cfg Config) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	return &Service{
		cfg:    cfg,
		policy: DefaultRetryPolicy(),
		queue:  make(chan *types.Notification, cfg.QueueSize),
		done:   make(chan struct{}),
		voip:   make(map[string]chan struct{}),
	}
}

// Start launches the worker pool.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

// Stop drains no further work and waits for in-flight deliveries.
func (s *Service) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.done)
	}
	s.wg.Wait()
}

// Submit queues a notification for asynchronous delivery. Success means
// accepted, not delivered.
func (s *Service) Submit(_ context.Context, n *types.Notification) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	select {
	case s.queue <- n:
		return nil
	default:
		metrics.PushAttempts.WithLabelValues("queue", "rejected").Inc()
		return ErrQueueFull
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case n := <-s.queue:
			s.deliver(ctx, n)
		}
	}
}

// selectProvider maps a notification onto the first usable backend: APNs for
// Apple registrations (VoIP token preferred for call signals), then Umeng,
// then FCM. No registration means the notification is dropped.
func (s *Service) selectProvider(n *types.Notification) provider {
	if s.apns != nil && (n.Info.ApnID != "" || (n.Class == types.ClassCalling && n.Info.VoipApnID != "")) {
		return s.apns
	}
	if s.umeng != nil && n.Info.UmengID != "" {
		return s.umeng
	}
	if s.fcm != nil && n.Info.GcmID != "" {
		return s.fcm
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, n *types.Notification) {
	p := s.selectProvider(n)
	if p == nil {
		metrics.PushAttempts.WithLabelValues("none", "dropped").Inc()
		return
	}

	attempts := 0
	err := s.policy.Run(ctx, &s.stopped, func() error {
		attempts++
		return p.send(ctx, n)
	})
	if attempts > 1 {
		metrics.PushRetries.WithLabelValues(p.name()).Add(float64(attempts - 1))
	}
	if err != nil {
		metrics.PushAttempts.WithLabelValues(p.name(), "error").Inc()
		logging.Warn(ctx, "push delivery failed",
			zap.String("provider", p.name()),
			zap.String("uid", string(n.UID)),
			zap.String("noteId", n.ID),
			zap.Error(err))
		return
	}
	metrics.PushAttempts.WithLabelValues(p.name(), "ok").Inc()

	if n.Class == types.ClassCalling && s.cfg.VoipMaxResend > 0 {
		s.scheduleVoipResend(ctx, p, n)
	}
}

// scheduleVoipResend re-sends a call signal at a fixed interval until the
// callee acknowledges (CancelVoip) or the resend budget runs out.
func (s *Service) scheduleVoipResend(ctx context.Context, p provider, n *types.Notification) {
	cancel := make(chan struct{})
	s.voipMu.Lock()
	if prev, ok := s.voip[n.ID]; ok {
		close(prev)
	}
	s.voip[n.ID] = cancel
	s.voipMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.voipMu.Lock()
			if s.voip[n.ID] == cancel {
				delete(s.voip, n.ID)
			}
			s.voipMu.Unlock()
		}()

		for i := 0; i < s.cfg.VoipMaxResend; i++ {
			select {
			case <-cancel:
				return
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.VoipResendDelay):
			}
			if err := p.send(ctx, n); err != nil {
				logging.Warn(ctx, "voip resend failed", zap.String("noteId", n.ID), zap.Error(err))
				return
			}
			metrics.PushAttempts.WithLabelValues(p.name(), "resend").Inc()
		}
	}()
}

// CancelVoip stops the resend loop for one notification id. Called when the
// callee's app acknowledges the incoming call.
func (s *Service) CancelVoip(id string) {
	s.voipMu.Lock()
	defer s.voipMu.Unlock()
	if c, ok := s.voip[id]; ok {
		close(c)
		delete(s.voip, id)
	}
}
