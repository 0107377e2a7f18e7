package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"
)

type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
)

var (
	// ErrConflict 已有一次决策在进行中。
	ErrConflict = errors.New("decision already in flight")
	// ErrNotRunnable 调度记录不存在，无法手动触发。
	ErrNotRunnable = errors.New("loop has no schedule record")
)

// HaltError 由 tick 体返回，要求循环转入 stopped/paused。
type HaltError struct {
	Status Status
	Reason string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("halt to %s: %s", e.Status, e.Reason)
}

func Halt(status Status, reason string) error {
	return &HaltError{Status: status, Reason: reason}
}

// Run 描述一次 tick。
type Run struct {
	Key       store.Key
	Forced    bool
	StartedAt time.Time
}

type TickFunc func(ctx context.Context, run Run) error

type Options struct {
	FirstTickDelay time.Duration
	HealAfter      time.Duration
	HealDelay      time.Duration
	// StaleTickAfter 之后仍 deciding 的记录视为崩溃残留。
	StaleTickAfter time.Duration
	FinishTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.FirstTickDelay <= 0 {
		o.FirstTickDelay = 5 * time.Second
	}
	if o.HealAfter <= 0 {
		o.HealAfter = 10 * time.Second
	}
	if o.HealDelay <= 0 {
		o.HealDelay = 3 * time.Second
	}
	if o.StaleTickAfter <= 0 {
		o.StaleTickAfter = 15 * time.Minute
	}
	if o.FinishTimeout <= 0 {
		o.FinishTimeout = 10 * time.Second
	}
	return o
}

// Loop 单个 agent/manager 的调度状态机：stopped → running ⇄ paused，
// running 期间 deciding 标记保证同一时刻最多一个 tick。
type Loop struct {
	ctx       context.Context
	key       store.Key
	schedules store.ScheduleRepository
	alarm     Alarm
	tick      TickFunc
	opts      Options
	interval  atomic.Int64
	nowFn     func() time.Time
	wg        sync.WaitGroup
}

func NewLoop(ctx context.Context, key store.Key, schedules store.ScheduleRepository, alarm Alarm, interval time.Duration, tick TickFunc, opts Options) *Loop {
	if ctx == nil {
		ctx = context.Background()
	}
	l := &Loop{
		ctx:       ctx,
		key:       key,
		schedules: schedules,
		alarm:     alarm,
		tick:      tick,
		opts:      opts.withDefaults(),
		nowFn:     time.Now,
	}
	l.SetInterval(interval)
	return l
}

// WithClock 替换时间源（测试用）。
func (l *Loop) WithClock(now func() time.Time) *Loop {
	if now != nil {
		l.nowFn = now
	}
	return l
}

func (l *Loop) Key() store.Key { return l.key }

func (l *Loop) Interval() time.Duration { return time.Duration(l.interval.Load()) }

func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 {
		d = time.Hour
	}
	l.interval.Store(int64(d))
}

// Wait 等待所有进行中的 tick 结束。
func (l *Loop) Wait() { l.wg.Wait() }

// Ensure 为尚无调度记录的对象写入 stopped 记录。
func (l *Loop) Ensure(ctx context.Context) error {
	_, err := l.schedules.GetSchedule(ctx, l.key)
	if errors.Is(err, store.ErrNotFound) {
		return l.schedules.SetStatus(ctx, l.key, string(StatusStopped), "", nil)
	}
	return err
}

// Start 首次唤醒在 min(FirstTickDelay, interval) 之后。
func (l *Loop) Start(ctx context.Context) error {
	delay := l.opts.FirstTickDelay
	if iv := l.Interval(); iv < delay {
		delay = iv
	}
	next := l.nowFn().Add(delay)
	if err := l.schedules.SetStatus(ctx, l.key, string(StatusRunning), "", &next); err != nil {
		return fmt.Errorf("start %s: %w", l.key, err)
	}
	if err := l.alarm.Arm(l.key.String(), next, l.onAlarm); err != nil {
		return fmt.Errorf("arm %s: %w", l.key, err)
	}
	logger.Infof("loop %s started, first wake at %s", l.key, next.UTC().Format(time.RFC3339))
	return nil
}

func (l *Loop) Pause(ctx context.Context, reason string) error {
	return l.halt(ctx, StatusPaused, reason)
}

func (l *Loop) Stop(ctx context.Context, reason string) error {
	return l.halt(ctx, StatusStopped, reason)
}

// halt 只取消下一次唤醒，进行中的 tick 会跑完并在收尾时看到新状态。
func (l *Loop) halt(ctx context.Context, status Status, reason string) error {
	if err := l.schedules.SetStatus(ctx, l.key, string(status), reason, nil); err != nil {
		return fmt.Errorf("%s %s: %w", status, l.key, err)
	}
	l.alarm.Cancel(l.key.String())
	logger.Infof("loop %s -> %s (%s)", l.key, status, reason)
	return nil
}

// Trigger 手动执行一次 tick，不要求 running；deciding 时返回 ErrConflict。
// 抢占 deciding 同步完成，tick 体在后台执行。
func (l *Loop) Trigger(ctx context.Context) error {
	rec, err := l.schedules.GetSchedule(ctx, l.key)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotRunnable
	}
	if err != nil {
		return err
	}
	if rec.Deciding {
		return ErrConflict
	}
	started := l.nowFn()
	claimed, err := l.schedules.BeginTick(ctx, l.key, started)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrConflict
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.execute(true, started)
	}()
	return nil
}

// Exclusive 占用 deciding 后执行 fn，期间不会有 tick 运行；已有 tick 时返回 ErrConflict。
// 释放时不安排唤醒，调用方负责之后的状态。
func (l *Loop) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	started := l.nowFn()
	claimed, err := l.schedules.BeginTick(ctx, l.key, started)
	if err != nil {
		return err
	}
	if !claimed {
		if _, err := l.schedules.GetSchedule(ctx, l.key); errors.Is(err, store.ErrNotFound) {
			return ErrNotRunnable
		}
		return ErrConflict
	}
	defer func() {
		now := l.nowFn()
		release := context.WithoutCancel(ctx)
		if _, err := l.schedules.FinishTick(release, l.key, now, now.Sub(started)); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Errorf("loop %s: release after exclusive op: %v", l.key, err)
		}
	}()
	return fn(ctx)
}

// Forget 取消待触发的唤醒；记录删除后调用。
func (l *Loop) Forget() {
	l.alarm.Cancel(l.key.String())
}

// Status 读取调度记录；running 且 nextWakeAt 过期超过 HealAfter 时重新布置唤醒。
func (l *Loop) Status(ctx context.Context) (*model.Schedule, error) {
	rec, err := l.schedules.GetSchedule(ctx, l.key)
	if err != nil {
		return nil, err
	}
	now := l.nowFn()
	if rec.Status != string(StatusRunning) {
		return rec, nil
	}
	if rec.Deciding {
		if rec.TickStartedAt != nil && now.Sub(*rec.TickStartedAt) > l.opts.StaleTickAfter {
			logger.Warnf("loop %s: tick started at %s never finished, clearing", l.key, rec.TickStartedAt.UTC().Format(time.RFC3339))
			if rec, err = l.schedules.FinishTick(ctx, l.key, now, now.Sub(*rec.TickStartedAt)); err != nil {
				return nil, err
			}
		} else {
			return rec, nil
		}
	}
	if rec.NextWakeAt != nil && !rec.NextWakeAt.Before(now.Add(-l.opts.HealAfter)) {
		return rec, nil
	}
	next := now.Add(l.opts.HealDelay)
	logger.Warnf("loop %s: wake lost (next_wake_at=%v), re-arming at %s", l.key, rec.NextWakeAt, next.UTC().Format(time.RFC3339))
	if err := l.arm(ctx, next); err != nil {
		logger.Criticalf("loop %s: auto-heal failed to re-arm: %v", l.key, err)
		return rec, nil
	}
	rec.NextWakeAt = &next
	return rec, nil
}

// Restore 进程启动时恢复 running 循环，并清理崩溃留下的 deciding。
func (l *Loop) Restore(ctx context.Context) error {
	rec, err := l.schedules.GetSchedule(ctx, l.key)
	if err != nil {
		return err
	}
	if rec.Status != string(StatusRunning) {
		return nil
	}
	now := l.nowFn()
	if rec.Deciding {
		logger.Warnf("loop %s: clearing deciding left by previous process", l.key)
		if _, err := l.schedules.FinishTick(ctx, l.key, now, 0); err != nil {
			return err
		}
	}
	next := now.Add(l.opts.HealDelay)
	if rec.NextWakeAt != nil && rec.NextWakeAt.After(next) {
		next = *rec.NextWakeAt
	}
	return l.arm(ctx, next)
}

func (l *Loop) arm(ctx context.Context, next time.Time) error {
	if err := l.schedules.SetNextWake(ctx, l.key, next); err != nil {
		return err
	}
	return l.alarm.Arm(l.key.String(), next, l.onAlarm)
}

// onAlarm 定时唤醒入口；非 running 的过期唤醒直接静默。
func (l *Loop) onAlarm() {
	ctx := l.ctx
	if ctx.Err() != nil {
		return
	}
	rec, err := l.schedules.GetSchedule(ctx, l.key)
	if err != nil {
		logger.Errorf("loop %s: load schedule on wake: %v", l.key, err)
		return
	}
	if rec.Status != string(StatusRunning) {
		logger.Debugf("loop %s: stale wake while %s, ignored", l.key, rec.Status)
		return
	}
	started := l.nowFn()
	claimed, err := l.schedules.BeginTick(ctx, l.key, started)
	if err != nil {
		logger.Errorf("loop %s: begin tick: %v", l.key, err)
		return
	}
	if !claimed {
		logger.Warnf("loop %s: wake while deciding, skipped", l.key)
		return
	}
	l.wg.Add(1)
	defer l.wg.Done()
	l.execute(false, started)
}

// execute 两阶段：tick 体可以任意失败或 panic，complete 总会执行。
func (l *Loop) execute(forced bool, started time.Time) {
	defer l.complete(started)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("loop %s: tick panic: %v\n%s", l.key, r, debug.Stack())
		}
	}()
	err := l.tick(l.ctx, Run{Key: l.key, Forced: forced, StartedAt: started})
	if err == nil {
		return
	}
	var halt *HaltError
	if errors.As(err, &halt) {
		if herr := l.halt(context.WithoutCancel(l.ctx), halt.Status, halt.Reason); herr != nil {
			logger.Errorf("loop %s: %v", l.key, herr)
		}
		return
	}
	logger.Errorf("loop %s: tick failed: %v", l.key, err)
}

// complete 清除 deciding；仅当当前状态仍为 running 时安排下一次唤醒。
func (l *Loop) complete(started time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(l.ctx), l.opts.FinishTimeout)
	defer cancel()
	now := l.nowFn()
	rec, err := l.schedules.FinishTick(ctx, l.key, now, now.Sub(started))
	if err != nil {
		logger.Criticalf("loop %s: finish tick failed, loop will not reschedule: %v", l.key, err)
		return
	}
	if rec.Status != string(StatusRunning) {
		logger.Debugf("loop %s: finished while %s, not rescheduling", l.key, rec.Status)
		return
	}
	if l.ctx.Err() != nil {
		return
	}
	next := now.Add(l.Interval())
	if err := l.arm(ctx, next); err != nil {
		logger.Criticalf("loop %s: reschedule failed, loop is dormant until healed: %v", l.key, err)
	}
}
