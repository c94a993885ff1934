package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Retry
// =============================================================================

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the backoff between attempts.
	BackoffMultiplier float64
	// Jitter randomizes each backoff by up to this fraction (0.0 to 1.0).
	Jitter float64
	// RetryableStatusCodes are retried; any other status is returned as is.
	RetryableStatusCodes []int
}

// DefaultRetryConfig returns the retry policy used for PostgREST calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

func (c RetryConfig) backoff(attempt int) time.Duration {
	mult := c.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(c.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if c.MaxBackoff > 0 && d > float64(c.MaxBackoff) {
		d = float64(c.MaxBackoff)
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

func (c RetryConfig) retryableStatus(code int) bool {
	for _, s := range c.RetryableStatusCodes {
		if s == code {
			return true
		}
	}
	return false
}

// =============================================================================
// Circuit breaker
// =============================================================================

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold successes in half-open close it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// OnStateChange observes transitions. It runs on its own goroutine.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the breaker policy used for PostgREST
// calls.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// ErrCircuitOpen is returned while the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling a failing backend for a while.
type CircuitBreaker struct {
	mu        sync.Mutex
	config    CircuitBreakerConfig
	state     CircuitState
	failures  int
	successes int
	lastError error
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{config: config}
}

// Allow returns ErrCircuitOpen while the circuit is open. Once the timeout
// has passed the circuit goes half-open and lets requests probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return nil
	}
	if time.Since(cb.openedAt) > cb.config.Timeout {
		cb.setState(CircuitHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(CircuitClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastError = err
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.setState(CircuitOpen)
	}
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.failures, cb.successes = 0, 0
	if to == CircuitOpen {
		cb.openedAt = time.Now()
	}
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LastError returns the last recorded failure.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastError
}

// =============================================================================
// Resilient transport
// =============================================================================

// ResilientClientConfig configures a ResilientClient.
type ResilientClientConfig struct {
	BaseClient           *http.Client
	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig
}

// ResilientClient retries transient failures and trips a circuit breaker
// when the backend keeps failing. It implements http.RoundTripper so it can
// sit under a regular http.Client.
type ResilientClient struct {
	client  *http.Client
	retry   RetryConfig
	breaker *CircuitBreaker

	total   int64
	success int64
	failed  int64
	retried int64
}

var _ http.RoundTripper = (*ResilientClient)(nil)

// NewResilientClient creates a resilient client.
func NewResilientClient(config ResilientClientConfig) *ResilientClient {
	base := config.BaseClient
	if base == nil {
		base = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		}
	}
	return &ResilientClient{
		client:  base,
		retry:   config.RetryConfig,
		breaker: NewCircuitBreaker(config.CircuitBreakerConfig),
	}
}

// RoundTrip implements http.RoundTripper.
func (rc *ResilientClient) RoundTrip(req *http.Request) (*http.Response, error) {
	return rc.Do(req)
}

// Do sends req, retrying network timeouts and retryable statuses with
// exponential backoff. The response of the last attempt is returned even
// when its status was retryable.
func (rc *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	atomic.AddInt64(&rc.total, 1)
	if err := rc.breaker.Allow(); err != nil {
		atomic.AddInt64(&rc.failed, 1)
		return nil, err
	}

	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&rc.retried, 1)
			timer := time.NewTimer(rc.retry.backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				atomic.AddInt64(&rc.failed, 1)
				return nil, ctx.Err()
			case <-timer.C:
			}
			next, err := rewind(req)
			if err != nil {
				atomic.AddInt64(&rc.failed, 1)
				return nil, err
			}
			req = next
		}

		last := attempt >= rc.retry.MaxRetries
		resp, err := rc.client.Do(req)
		if err != nil {
			if !last && retryableError(err) {
				continue
			}
			rc.breaker.RecordFailure(err)
			atomic.AddInt64(&rc.failed, 1)
			return nil, err
		}

		if rc.retry.retryableStatus(resp.StatusCode) {
			if !last {
				resp.Body.Close()
				continue
			}
			rc.breaker.RecordFailure(&HTTPError{StatusCode: resp.StatusCode})
			atomic.AddInt64(&rc.failed, 1)
			return resp, nil
		}

		rc.breaker.RecordSuccess()
		atomic.AddInt64(&rc.success, 1)
		return resp, nil
	}
}

// rewind clones req with a fresh body for another attempt.
func rewind(req *http.Request) (*http.Request, error) {
	next := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return next, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	next.Body = body
	return next, nil
}

func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// HTTPError records a retryable status that exhausted its retries.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return http.StatusText(e.StatusCode)
}

// ResilienceStats is a snapshot of transport counters.
type ResilienceStats struct {
	Total   int64        `json:"total_requests"`
	Success int64        `json:"success_requests"`
	Failed  int64        `json:"failed_requests"`
	Retried int64        `json:"retried_requests"`
	Circuit CircuitState `json:"circuit_state"`
}

// Stats returns the transport counters.
func (rc *ResilientClient) Stats() ResilienceStats {
	return ResilienceStats{
		Total:   atomic.LoadInt64(&rc.total),
		Success: atomic.LoadInt64(&rc.success),
		Failed:  atomic.LoadInt64(&rc.failed),
		Retried: atomic.LoadInt64(&rc.retried),
		Circuit: rc.breaker.State(),
	}
}

// CircuitState returns the breaker state.
func (rc *ResilientClient) CircuitState() CircuitState {
	return rc.breaker.State()
}
