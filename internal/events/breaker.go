package events

import (
	"errors"
	"sync"
	"time"
)

// BreakerState 上行发布熔断状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常发布
	BreakerOpen                         // 冷却期内直接丢弃
	BreakerHalfOpen                     // 冷却结束，放行一次试发
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrCircuitOpen 熔断中，本次发布未执行
var ErrCircuitOpen = errors.New("uplink breaker open")

// CircuitBreaker 总线连续发布失败 maxFailures 次后熔断，冷却 cooldown 后
// 放行一次试发：成功恢复，失败继续熔断。熔断期间上行消息不等待总线超时。
type CircuitBreaker struct {
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int // 连续失败次数
	trial    bool
	openedAt time.Time
	changed  time.Time
	trips    int64

	onTransition func(from, to BreakerState)
}

// NewCircuitBreaker maxFailures 默认 5，cooldown 默认 30s
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
		changed:     time.Now(),
	}
}

// OnTransition 状态变化回调，在锁外同步调用
func (cb *CircuitBreaker) OnTransition(fn func(from, to BreakerState)) {
	cb.mu.Lock()
	cb.onTransition = fn
	cb.mu.Unlock()
}

// Call 熔断允许时执行 publish 并记录结果
func (cb *CircuitBreaker) Call(publish func() error) error {
	if err := cb.enter(); err != nil {
		return err
	}
	err := publish()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) enter() error {
	cb.mu.Lock()
	switch cb.state {
	case BreakerClosed:
		cb.mu.Unlock()
		return nil
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.trial = true
		fire := cb.moveLocked(BreakerHalfOpen)
		cb.mu.Unlock()
		fire()
		return nil
	default:
		// 半开期间只放行一次试发
		if cb.trial {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.trial = true
		cb.mu.Unlock()
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	fire := func() {}
	if err == nil {
		cb.failures = 0
		if cb.state == BreakerHalfOpen {
			cb.trial = false
			fire = cb.moveLocked(BreakerClosed)
		}
	} else {
		cb.failures++
		if cb.state == BreakerHalfOpen || (cb.state == BreakerClosed && cb.failures >= cb.maxFailures) {
			cb.trial = false
			cb.openedAt = cb.now()
			cb.trips++
			fire = cb.moveLocked(BreakerOpen)
		}
	}
	cb.mu.Unlock()
	fire()
}

// moveLocked 切换状态，返回需在解锁后执行的回调
func (cb *CircuitBreaker) moveLocked(to BreakerState) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	cb.changed = cb.now()
	fn := cb.onTransition
	if fn == nil {
		return func() {}
	}
	return func() { fn(from, to) }
}

// State 当前状态
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerSnapshot 健康检查展示用
type BreakerSnapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Trips               int64     `json:"trips"`
	Since               time.Time `json:"since"`
}

func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failures,
		Trips:               cb.trips,
		Since:               cb.changed,
	}
}
