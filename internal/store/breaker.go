package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常放行
	BreakerOpen                         // 熔断，直接拒绝
	BreakerHalfOpen                     // 半开，放行少量试探请求
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen 熔断器打开，拒绝访问存储
	ErrCircuitOpen = errors.New("store: circuit breaker is open")
	// ErrTooManyProbes 半开状态试探请求过多
	ErrTooManyProbes = errors.New("store: too many requests in half-open state")
)

// CircuitBreaker 存储熔断器：连续失败达到阈值后在 timeout 内快速失败
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	inFlight     int
	lastFailTime time.Time
	lastChange   time.Time
	trips        int64

	threshold   int
	timeout     time.Duration
	halfOpenMax int
	now         func() time.Time

	onStateChange func(from, to BreakerState)
}

// NewCircuitBreaker threshold<=0 取 5，timeout<=0 取 30s
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold:   threshold,
		timeout:     timeout,
		halfOpenMax: 5,
		now:         time.Now,
		lastChange:  time.Now(),
	}
}

// OnStateChange 设置状态变化回调（同步调用，不得阻塞）
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Call 受保护地执行 fn；isFailure 为 nil 时任何错误都计为失败
func (cb *CircuitBreaker) Call(fn func() error, isFailure func(error) bool) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	failed := err != nil
	if failed && isFailure != nil {
		failed = isFailure(err)
	}
	cb.after(failed)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailTime) <= cb.timeout {
			return ErrCircuitOpen
		}
		cb.transition(BreakerHalfOpen)
		cb.failures, cb.successes = 0, 0
	case BreakerHalfOpen:
		if cb.inFlight+cb.successes >= cb.halfOpenMax {
			return ErrTooManyProbes
		}
	}
	cb.inFlight++
	return nil
}

func (cb *CircuitBreaker) after(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.inFlight--

	if failed {
		cb.failures++
		cb.lastFailTime = cb.now()
		switch cb.state {
		case BreakerClosed:
			if cb.failures >= cb.threshold {
				cb.trip()
			}
		case BreakerHalfOpen:
			cb.trip()
		}
		return
	}

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= (cb.halfOpenMax+1)/2 {
			cb.transition(BreakerClosed)
			cb.failures, cb.successes = 0, 0
		}
	}
}

func (cb *CircuitBreaker) trip() {
	cb.transition(BreakerOpen)
	cb.trips++
}

func (cb *CircuitBreaker) transition(to BreakerState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.lastChange = cb.now()
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStats 熔断器统计
type BreakerStats struct {
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Trips           int64     `json:"trips"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Stats 统计快照
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:           cb.state.String(),
		Failures:        cb.failures,
		Trips:           cb.trips,
		LastStateChange: cb.lastChange,
	}
}

// BreakerStore 为底层存储加熔断保护；ErrNotFound、键校验失败与调用方取消不计为故障
type BreakerStore struct {
	next Store
	cb   *CircuitBreaker
}

// NewBreakerStore 包装存储
func NewBreakerStore(next Store, cb *CircuitBreaker) *BreakerStore {
	return &BreakerStore{next: next, cb: cb}
}

// Breaker 熔断器
func (s *BreakerStore) Breaker() *CircuitBreaker { return s.cb }

func (s *BreakerStore) Store(ctx context.Context, m *Marker) error {
	return s.cb.Call(func() error { return s.next.Store(ctx, m) }, isBackendFailure)
}

func (s *BreakerStore) Lookup(ctx context.Context, key string) (*Marker, error) {
	var out *Marker
	err := s.cb.Call(func() error {
		var err error
		out, err = s.next.Lookup(ctx, key)
		return err
	}, isBackendFailure)
	return out, err
}

func (s *BreakerStore) Close() error { return s.next.Close() }

func isBackendFailure(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidKey), errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
