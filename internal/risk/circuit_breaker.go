package risk

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrTradingHalted 断路器已打开，禁止继续下单。
var ErrTradingHalted = errors.New("trading halted by circuit breaker")

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveFailures 连续失败订单上限（拒单 / 提交失败 / 结果不确定）。
	MaxConsecutiveFailures int64
}

// State 断路器快照
type State struct {
	Halted              bool      `json:"halted"`
	Reason              string    `json:"reason,omitempty"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	MaxFailures         int64     `json:"max_consecutive_failures"`
	HaltedAt            time.Time `json:"halted_at,omitempty"`
}

// CircuitBreaker 快路径只用原子变量。
//
// 熔断后只能人工 Resume：真实资金账户连续拒单通常意味着配置或权限问题，自动恢复只会继续失败。
type CircuitBreaker struct {
	halted   atomic.Bool
	reason   atomic.Value // string
	haltedAt atomic.Int64 // unix nano

	consecutiveFailures atomic.Int64
	maxFailures         atomic.Int64
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxFailures.Store(cfg.MaxConsecutiveFailures)
}

// Halt 手动熔断（如人工介入或检测到严重异常）。
func (cb *CircuitBreaker) Halt(reason string) {
	if cb == nil {
		return
	}
	cb.trip(reason)
}

func (cb *CircuitBreaker) trip(reason string) {
	if cb.halted.CompareAndSwap(false, true) {
		cb.reason.Store(reason)
		cb.haltedAt.Store(time.Now().UnixNano())
	}
}

// Resume 手动恢复（会同时清空连续失败计数）。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.consecutiveFailures.Store(0)
	cb.reason.Store("")
	cb.haltedAt.Store(0)
	cb.halted.Store(false)
}

// AllowTrading 快路径检查是否允许下单。
func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}
	if cb.halted.Load() {
		return ErrTradingHalted
	}
	return nil
}

// OnSuccess 订单得到正常结论后调用，清空连续失败计数。
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveFailures.Store(0)
}

// OnFailure 订单失败后调用；达到上限时熔断，返回是否因此熔断。
func (cb *CircuitBreaker) OnFailure() bool {
	if cb == nil {
		return false
	}
	n := cb.consecutiveFailures.Add(1)
	limit := cb.maxFailures.Load()
	if limit > 0 && n >= limit && !cb.halted.Load() {
		cb.trip("consecutive order failures")
		return true
	}
	return false
}

// State 当前状态
func (cb *CircuitBreaker) State() State {
	if cb == nil {
		return State{}
	}
	st := State{
		Halted:              cb.halted.Load(),
		ConsecutiveFailures: cb.consecutiveFailures.Load(),
		MaxFailures:         cb.maxFailures.Load(),
	}
	if r, ok := cb.reason.Load().(string); ok {
		st.Reason = r
	}
	if ns := cb.haltedAt.Load(); ns != 0 {
		st.HaltedAt = time.Unix(0, ns)
	}
	return st
}
