package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/courier-im/courier/internal/v1/logging"
	"go.uber.org/zap"
)

const defaultQueueSize = 8192

// Config controls the collector.
type Config struct {
	ClientID string // exactly 5 characters, encoded into file names
	Version  string
	Dir      string

	ReportIntervalInMs    int
	MaxFileBytes          int64
	MaxFileCount          int
	WriteThresholdInBytes int64

	// QueueSize and QuotaInterval exist for tests; zero selects defaults.
	QueueSize     int
	QuotaInterval time.Duration
}

type snapshot struct {
	ts   int64
	stat *Statistic
}

// Client is the process-local metrics collector: producers enqueue without
// blocking, a single consumer aggregates, a rotator snapshots each interval
// and an output goroutine serializes snapshots to a rolling CSV file under a
// disk-bandwidth quota.
type Client struct {
	cfg   Config
	queue chan Report

	mu      sync.Mutex
	current *Statistic

	snapshots chan snapshot
	sink      *fileSink
	quota     *writeQuota

	lastDropLog atomic.Int64

	stopIngest chan struct{}
	stopRotate chan struct{}
	ingestWg   sync.WaitGroup
	rotateWg   sync.WaitGroup
	outputWg   sync.WaitGroup
}

// New builds a collector; Start launches its goroutines.
func New(cfg Config) (*Client, error) {
	if len(cfg.ClientID) != 5 {
		return nil, fmt.Errorf("client id must be exactly 5 characters, got %q", cfg.ClientID)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.QuotaInterval <= 0 {
		cfg.QuotaInterval = time.Minute
	}
	sink, err := newFileSink(cfg.Dir, cfg.ClientID, cfg.MaxFileBytes, cfg.MaxFileCount)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		queue:      make(chan Report, cfg.QueueSize),
		current:    newStatistic(),
		snapshots:  make(chan snapshot, 16),
		sink:       sink,
		quota:      newWriteQuota(cfg.WriteThresholdInBytes, cfg.QuotaInterval),
		stopIngest: make(chan struct{}),
		stopRotate: make(chan struct{}),
	}, nil
}

// Start launches the consumer, rotator, output and quota goroutines.
func (c *Client) Start() {
	c.quota.start()
	c.ingestWg.Add(1)
	go c.consumeLoop()
	c.rotateWg.Add(1)
	go c.rotateLoop()
	c.outputWg.Add(1)
	go c.outputLoop()
}

// TryReportMix records one service call observation. Never blocks; returns
// false when the queue is full and the report was dropped.
func (c *Client) TryReportMix(service, topic string, durationMicros int64, retCode int) bool {
	return c.tryEnqueue(Report{
		Kind:           KindMix,
		Service:        service,
		Topic:          topic,
		RetCode:        retCode,
		DurationMicros: durationMicros,
	})
}

// TryReportCounter adds value to a named counter.
func (c *Client) TryReportCounter(name string, value float64) bool {
	return c.tryEnqueue(Report{Kind: KindCounter, Name: name, Value: value})
}

// TryReportDirect records a gauge-style value written through as-is.
func (c *Client) TryReportDirect(name string, value float64) bool {
	return c.tryEnqueue(Report{Kind: KindDirect, Name: name, Value: value})
}

func (c *Client) tryEnqueue(r Report) bool {
	select {
	case c.queue <- r:
		return true
	default:
		// Log the drop at most once per second so a hot producer cannot
		// flood the log.
		now := time.Now().Unix()
		last := c.lastDropLog.Load()
		if now != last && c.lastDropLog.CompareAndSwap(last, now) {
			logging.Warn(context.Background(), "telemetry queue full, dropping reports")
		}
		return false
	}
}

func (c *Client) consumeLoop() {
	defer c.ingestWg.Done()
	for {
		select {
		case r := <-c.queue:
			c.mu.Lock()
			c.current.apply(r)
			c.mu.Unlock()
		case <-c.stopIngest:
			// Drain whatever producers managed to enqueue before stop.
			for {
				select {
				case r := <-c.queue:
					c.mu.Lock()
					c.current.apply(r)
					c.mu.Unlock()
				default:
					return
				}
			}
		}
	}
}

func (c *Client) rotateLoop() {
	defer c.rotateWg.Done()
	defer close(c.snapshots)
	ticker := time.NewTicker(time.Duration(c.cfg.ReportIntervalInMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.rotate()
		case <-c.stopRotate:
			c.rotate()
			return
		}
	}
}

// rotate swaps the live statistic for a fresh one and hands the snapshot to
// the output goroutine.
func (c *Client) rotate() {
	c.mu.Lock()
	if c.current.empty() {
		c.mu.Unlock()
		return
	}
	snap := c.current
	c.current = newStatistic()
	c.mu.Unlock()

	c.snapshots <- snapshot{ts: time.Now().Unix(), stat: snap}
}

func (c *Client) outputLoop() {
	defer c.outputWg.Done()
	for snap := range c.snapshots {
		data := serialize(snap.ts, c.cfg.Version, snap.stat)
		if len(data) == 0 {
			continue
		}
		c.quota.CheckWriteQuota(int64(len(data)))
		if err := c.sink.Write(data); err != nil {
			logging.Error(context.Background(), "telemetry write failed", zap.Error(err))
		}
	}
}

func serialize(ts int64, version string, s *Statistic) []byte {
	var b strings.Builder
	for k, e := range s.mix {
		avg := int64(0)
		if e.count > 0 {
			avg = e.totalMicros / e.count
		}
		fmt.Fprintf(&b, "mix,%d,%s,%s,%s,%d,%d,%d\n", ts, k.service, k.topic, version, e.count, k.retCode, avg)
	}
	for name, v := range s.counter {
		fmt.Fprintf(&b, "%s,%d,%g\n", name, ts, v)
	}
	for name, v := range s.direct {
		fmt.Fprintf(&b, "%s,%d,%g\n", name, ts, v)
	}
	return []byte(b.String())
}

// Close flushes pending reports and stops all goroutines. Safe to call once.
func (c *Client) Close() {
	close(c.stopIngest)
	c.ingestWg.Wait()
	close(c.stopRotate)
	c.rotateWg.Wait()
	c.outputWg.Wait()
	c.quota.Close()
	_ = c.sink.Close()
}
