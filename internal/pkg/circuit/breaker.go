// Package circuit 提供行情源使用的简易熔断器。
package circuit

import (
	"sync"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Breaker 在连续失败达到阈值后短路调用方，冷却期过后放行一次试探请求。
type Breaker struct {
	name     string
	limit    int
	cooldown time.Duration
	now      func() time.Time
	mu       sync.Mutex
	state    State
	streak   int
	openedAt time.Time
}

func New(name string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{name: name, limit: max(threshold, 1), cooldown: cooldown, now: time.Now}
}

// WithClock 替换时钟，测试用。
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	if now != nil {
		b.now = now
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow 报告本次调用能否放行；open 状态冷却结束后转为 half-open 并放行。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return true
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return false
	}
	b.moveTo(StateHalfOpen)
	return true
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak = 0
	if b.state != StateClosed {
		b.moveTo(StateClosed)
	}
}

// RecordFailure 累计失败；half-open 下的一次失败直接重新打开。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak++
	trip := b.state == StateHalfOpen || (b.state == StateClosed && b.streak >= b.limit)
	if b.state == StateOpen || trip {
		b.openedAt = b.now()
	}
	if trip {
		b.moveTo(StateOpen)
	}
}

func (b *Breaker) moveTo(next State) {
	logger.Warnf("circuit %s %s→%s streak=%d limit=%d cooldown=%s",
		b.name, b.state, next, b.streak, b.limit, b.cooldown)
	b.state = next
}
