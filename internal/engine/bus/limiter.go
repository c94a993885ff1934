// Package bus bounds concurrent work fanned out by the runtime, such as
// parallel action execution. The Limiter hands out a fixed number of
// permits and rejects or times out callers past its queue bounds.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors
var (
	ErrLimitExceeded  = errors.New("concurrency limit exceeded")
	ErrAcquireTimeout = errors.New("acquire timeout")
	ErrLimiterClosed  = errors.New("limiter is closed")
)

// LimiterConfig holds configuration for a limiter.
type LimiterConfig struct {
	// MaxConcurrent is the maximum number of concurrent operations.
	// 0 means unlimited.
	MaxConcurrent int

	// AcquireTimeout is the maximum time to wait for a permit.
	// 0 means no timeout (wait indefinitely).
	AcquireTimeout time.Duration

	// QueueSize is the maximum number of waiting operations.
	// 0 means unlimited queue.
	QueueSize int
}

// DefaultLimiterConfig returns the configuration used for parallel actions.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MaxConcurrent:  4,
		AcquireTimeout: 30 * time.Second,
	}
}

// Limiter enforces a concurrency limit.
type Limiter struct {
	mu      sync.Mutex
	config  LimiterConfig
	permits chan struct{}
	done    chan struct{}
	waiting int32
	active  int32
	closed  bool

	totalAcquired int64
	totalRejected int64
	totalTimeouts int64
}

// NewLimiter creates a new limiter.
func NewLimiter(config LimiterConfig) *Limiter {
	l := &Limiter{
		config: config,
		done:   make(chan struct{}),
	}
	if config.MaxConcurrent > 0 {
		l.permits = make(chan struct{}, config.MaxConcurrent)
		for i := 0; i < config.MaxConcurrent; i++ {
			l.permits <- struct{}{}
		}
	}
	return l
}

// Acquire blocks until a permit is available, the context ends, the
// acquire timeout passes or the limiter is closed.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLimiterClosed
	}
	if l.config.MaxConcurrent <= 0 {
		l.mu.Unlock()
		l.acquired()
		return nil
	}
	if l.config.QueueSize > 0 && int(atomic.LoadInt32(&l.waiting)) >= l.config.QueueSize {
		l.mu.Unlock()
		atomic.AddInt64(&l.totalRejected, 1)
		return ErrLimitExceeded
	}
	atomic.AddInt32(&l.waiting, 1)
	l.mu.Unlock()

	defer atomic.AddInt32(&l.waiting, -1)

	var timeoutCh <-chan time.Time
	if l.config.AcquireTimeout > 0 {
		timer := time.NewTimer(l.config.AcquireTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-l.permits:
		l.acquired()
		return nil
	case <-l.done:
		return ErrLimiterClosed
	case <-ctx.Done():
		atomic.AddInt64(&l.totalTimeouts, 1)
		return ctx.Err()
	case <-timeoutCh:
		atomic.AddInt64(&l.totalTimeouts, 1)
		return ErrAcquireTimeout
	}
}

func (l *Limiter) acquired() {
	atomic.AddInt32(&l.active, 1)
	atomic.AddInt64(&l.totalAcquired, 1)
}

// TryAcquire acquires a permit without blocking.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return false
	}
	if l.config.MaxConcurrent <= 0 {
		l.acquired()
		return true
	}
	select {
	case <-l.permits:
		l.acquired()
		return true
	default:
		atomic.AddInt64(&l.totalRejected, 1)
		return false
	}
}

// Release returns a permit.
func (l *Limiter) Release() {
	atomic.AddInt32(&l.active, -1)
	if l.permits == nil {
		return
	}
	select {
	case l.permits <- struct{}{}:
	default:
	}
}

// Run executes fn while holding a permit.
func (l *Limiter) Run(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}

// Close rejects new acquisitions and wakes every waiter.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}

// Stats is a snapshot of limiter counters.
type Stats struct {
	MaxConcurrent int   `json:"max_concurrent"`
	Active        int   `json:"active"`
	Waiting       int   `json:"waiting"`
	TotalAcquired int64 `json:"total_acquired"`
	TotalRejected int64 `json:"total_rejected"`
	TotalTimeouts int64 `json:"total_timeouts"`
}

// Stats returns current statistics.
func (l *Limiter) Stats() Stats {
	return Stats{
		MaxConcurrent: l.config.MaxConcurrent,
		Active:        l.Active(),
		Waiting:       int(atomic.LoadInt32(&l.waiting)),
		TotalAcquired: atomic.LoadInt64(&l.totalAcquired),
		TotalRejected: atomic.LoadInt64(&l.totalRejected),
		TotalTimeouts: atomic.LoadInt64(&l.totalTimeouts),
	}
}

// Active returns the number of held permits.
func (l *Limiter) Active() int {
	return int(atomic.LoadInt32(&l.active))
}

// Available returns the number of free permits, or -1 when unlimited.
func (l *Limiter) Available() int {
	if l.config.MaxConcurrent <= 0 {
		return -1
	}
	return l.config.MaxConcurrent - l.Active()
}
