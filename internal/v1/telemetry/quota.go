package telemetry

import (
	"sync"
	"time"
)

// writeQuota is a token bucket that caps disk bandwidth independent of the
// event rate. The bucket refills to the full threshold on every tick; the
// output goroutine blocks in CheckWriteQuota until tokens are available.
type writeQuota struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tokens int64

	threshold int64
	interval  time.Duration
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

func newWriteQuota(threshold int64, interval time.Duration) *writeQuota {
	q := &writeQuota{
		tokens:    threshold,
		threshold: threshold,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// start launches the refill goroutine. Kept out of the constructor so a
// collector that is built but never started leaks nothing.
func (q *writeQuota) start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	go q.refillLoop()
}

func (q *writeQuota) refillLoop() {
	defer close(q.done)
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.mu.Lock()
			q.tokens = q.threshold
			q.cond.Broadcast()
			q.mu.Unlock()
		}
	}
}

// CheckWriteQuota blocks until n bytes of quota are available, then consumes
// them. Requests larger than the threshold are clamped so they cannot block
// forever.
func (q *writeQuota) CheckWriteQuota(n int64) {
	if n > q.threshold {
		n = q.threshold
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.tokens < n {
		q.cond.Wait()
	}
	q.tokens -= n
}

func (q *writeQuota) Close() {
	close(q.stop)
	// Wake any blocked writer so shutdown does not hang.
	q.mu.Lock()
	started := q.started
	q.tokens = q.threshold
	q.cond.Broadcast()
	q.mu.Unlock()
	if started {
		<-q.done
	}
}
