package scheduler

import (
	"errors"
	"sync"
	"time"
)

var ErrAlarmClosed = errors.New("alarm closed")

// Alarm 每个 key 至多一个待触发的唤醒；重复 Arm 覆盖旧的。
type Alarm interface {
	Arm(key string, at time.Time, fire func()) error
	Cancel(key string)
}

// TimerAlarm 基于 time.AfterFunc 的进程内实现。
type TimerAlarm struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	nowFn  func() time.Time
}

func NewTimerAlarm() *TimerAlarm {
	return &TimerAlarm{timers: make(map[string]*time.Timer), nowFn: time.Now}
}

func (a *TimerAlarm) Arm(key string, at time.Time, fire func()) error {
	if fire == nil {
		return errors.New("alarm: fire func is nil")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAlarmClosed
	}
	if old, ok := a.timers[key]; ok {
		old.Stop()
	}
	delay := at.Sub(a.nowFn())
	if delay < 0 {
		delay = 0
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		a.mu.Lock()
		if a.timers[key] == t {
			delete(a.timers, key)
		}
		a.mu.Unlock()
		fire()
	})
	a.timers[key] = t
	return nil
}

func (a *TimerAlarm) Cancel(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[key]; ok {
		t.Stop()
		delete(a.timers, key)
	}
}

// Pending 报告 key 是否有尚未触发的唤醒。
func (a *TimerAlarm) Pending(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[key]
	return ok
}

// Close 停止全部计时器，之后的 Arm 返回 ErrAlarmClosed。
func (a *TimerAlarm) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, t := range a.timers {
		t.Stop()
		delete(a.timers, key)
	}
	a.closed = true
}
