package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAlarm struct {
	mu      sync.Mutex
	armed   map[string]time.Time
	fires   map[string]func()
	armErr  error
	armHits int
}

func newFakeAlarm() *fakeAlarm {
	return &fakeAlarm{armed: map[string]time.Time{}, fires: map[string]func(){}}
}

func (a *fakeAlarm) Arm(key string, at time.Time, fire func()) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armHits++
	if a.armErr != nil {
		return a.armErr
	}
	a.armed[key] = at
	a.fires[key] = fire
	return nil
}

func (a *fakeAlarm) Cancel(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.armed, key)
	delete(a.fires, key)
}

func (a *fakeAlarm) wake(key string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	at, ok := a.armed[key]
	return at, ok
}

// fire 模拟到期：与真实计时器一样先移除再回调。
func (a *fakeAlarm) fire(t *testing.T, key string) {
	t.Helper()
	a.mu.Lock()
	fn, ok := a.fires[key]
	delete(a.armed, key)
	delete(a.fires, key)
	a.mu.Unlock()
	require.True(t, ok, "no wake armed for %s", key)
	fn()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	loop  *Loop
	store *memstore.Store
	alarm *fakeAlarm
	clock *testClock
	key   store.Key
	ticks []Run
	mu    sync.Mutex
	body  func(ctx context.Context, run Run) error
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()
	h := &harness{
		store: memstore.New(),
		alarm: newFakeAlarm(),
		clock: &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		key:   store.AgentKey("a1"),
	}
	h.store.WithClock(h.clock.Now)
	tick := func(ctx context.Context, run Run) error {
		h.mu.Lock()
		h.ticks = append(h.ticks, run)
		body := h.body
		h.mu.Unlock()
		if body != nil {
			return body(ctx, run)
		}
		return nil
	}
	h.loop = NewLoop(context.Background(), h.key, h.store, h.alarm, interval, tick, Options{}).WithClock(h.clock.Now)
	require.NoError(t, h.loop.Ensure(context.Background()))
	return h
}

func (h *harness) tickCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ticks)
}

func TestStartFirstWakeIsFast(t *testing.T) {
	cases := []struct {
		name     string
		interval time.Duration
		want     time.Duration
	}{
		{name: "hourly", interval: time.Hour, want: 5 * time.Second},
		{name: "shorter than delay", interval: 2 * time.Second, want: 2 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.interval)
			require.NoError(t, h.loop.Start(context.Background()))
			at, ok := h.alarm.wake(h.key.String())
			require.True(t, ok)
			assert.Equal(t, h.clock.Now().Add(tc.want), at)

			rec, err := h.store.GetSchedule(context.Background(), h.key)
			require.NoError(t, err)
			assert.Equal(t, "running", rec.Status)
			require.NotNil(t, rec.NextWakeAt)
			assert.Equal(t, at, *rec.NextWakeAt)
		})
	}
}

func TestTickReschedulesAtInterval(t *testing.T) {
	h := newHarness(t, 15*time.Minute)
	require.NoError(t, h.loop.Start(context.Background()))
	h.clock.Advance(5 * time.Second)

	h.alarm.fire(t, h.key.String())

	assert.Equal(t, 1, h.tickCount())
	at, ok := h.alarm.wake(h.key.String())
	require.True(t, ok)
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), at)
	rec, err := h.store.GetSchedule(context.Background(), h.key)
	require.NoError(t, err)
	assert.False(t, rec.Deciding)
	require.NotNil(t, rec.LastTickAt)
}

func TestStaleWakeSelfSilences(t *testing.T) {
	h := newHarness(t, time.Minute)
	require.NoError(t, h.loop.Start(context.Background()))
	h.alarm.mu.Lock()
	fire := h.alarm.fires[h.key.String()]
	h.alarm.mu.Unlock()
	require.NoError(t, h.loop.Pause(context.Background(), "user"))

	hitsBefore := h.alarm.armHits
	fire()

	assert.Zero(t, h.tickCount())
	assert.Equal(t, hitsBefore, h.alarm.armHits)
	_, armed := h.alarm.wake(h.key.String())
	assert.False(t, armed)
}

func TestTriggerWhileDecidingConflicts(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, h.loop.Start(ctx))
	ok, err := h.store.BeginTick(ctx, h.key, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	err = h.loop.Trigger(ctx)
	assert.ErrorIs(t, err, ErrConflict)
	h.loop.Wait()
	assert.Zero(t, h.tickCount())
}

func TestTriggerWithoutRecord(t *testing.T) {
	h := newHarness(t, time.Minute)
	other := NewLoop(context.Background(), store.AgentKey("ghost"), h.store, h.alarm, time.Minute, func(context.Context, Run) error { return nil }, Options{})
	assert.ErrorIs(t, other.Trigger(context.Background()), ErrNotRunnable)
}

func TestForcedTriggerOnPausedLoopDoesNotReschedule(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, h.loop.Pause(ctx, "user"))

	require.NoError(t, h.loop.Trigger(ctx))
	h.loop.Wait()

	require.Equal(t, 1, h.tickCount())
	assert.True(t, h.ticks[0].Forced)
	_, armed := h.alarm.wake(h.key.String())
	assert.False(t, armed)
	rec, err := h.store.GetSchedule(ctx, h.key)
	require.NoError(t, err)
	assert.False(t, rec.Deciding)
	assert.Equal(t, "paused", rec.Status)
}

func TestPanicStillReschedules(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.body = func(context.Context, Run) error { panic("boom") }
	require.NoError(t, h.loop.Start(context.Background()))

	h.alarm.fire(t, h.key.String())

	at, ok := h.alarm.wake(h.key.String())
	require.True(t, ok)
	assert.Equal(t, h.clock.Now().Add(time.Minute), at)
	rec, err := h.store.GetSchedule(context.Background(), h.key)
	require.NoError(t, err)
	assert.False(t, rec.Deciding)
}

func TestErrorStillReschedules(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.body = func(context.Context, Run) error { return errors.New("oracle down") }
	require.NoError(t, h.loop.Start(context.Background()))

	h.alarm.fire(t, h.key.String())

	_, ok := h.alarm.wake(h.key.String())
	assert.True(t, ok)
}

func TestStopMidTickPreventsNextWake(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.body = func(ctx context.Context, _ Run) error {
		return h.loop.Stop(ctx, "user")
	}
	require.NoError(t, h.loop.Start(context.Background()))

	h.alarm.fire(t, h.key.String())

	assert.Equal(t, 1, h.tickCount())
	_, armed := h.alarm.wake(h.key.String())
	assert.False(t, armed)
	rec, err := h.store.GetSchedule(context.Background(), h.key)
	require.NoError(t, err)
	assert.Equal(t, "stopped", rec.Status)
	assert.False(t, rec.Deciding)
}

func TestHaltPausesLoop(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.body = func(context.Context, Run) error { return Halt(StatusPaused, "daily_loss") }
	require.NoError(t, h.loop.Start(context.Background()))

	h.alarm.fire(t, h.key.String())

	rec, err := h.store.GetSchedule(context.Background(), h.key)
	require.NoError(t, err)
	assert.Equal(t, "paused", rec.Status)
	assert.Equal(t, "daily_loss", rec.StopReason)
	_, armed := h.alarm.wake(h.key.String())
	assert.False(t, armed)
}

func TestStatusAutoHealsLostWake(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	past := h.clock.Now().Add(-11 * time.Second)
	require.NoError(t, h.store.SetStatus(ctx, h.key, "running", "", &past))

	rec, err := h.loop.Status(ctx)
	require.NoError(t, err)

	want := h.clock.Now().Add(3 * time.Second)
	require.NotNil(t, rec.NextWakeAt)
	assert.Equal(t, want, *rec.NextWakeAt)
	at, ok := h.alarm.wake(h.key.String())
	require.True(t, ok)
	assert.Equal(t, want, at)
}

func TestStatusLeavesRecentWakeAlone(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	recent := h.clock.Now().Add(-5 * time.Second)
	require.NoError(t, h.store.SetStatus(ctx, h.key, "running", "", &recent))

	_, err := h.loop.Status(ctx)
	require.NoError(t, err)
	_, armed := h.alarm.wake(h.key.String())
	assert.False(t, armed)
}

func TestStatusDoesNotHealWhileDeciding(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	past := h.clock.Now().Add(-time.Minute)
	require.NoError(t, h.store.SetStatus(ctx, h.key, "running", "", &past))
	_, err := h.store.BeginTick(ctx, h.key, h.clock.Now())
	require.NoError(t, err)

	_, err = h.loop.Status(ctx)
	require.NoError(t, err)
	_, armed := h.alarm.wake(h.key.String())
	assert.False(t, armed)
}

func TestRescheduleFailureIsCritical(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(os.Stdout)

	h := newHarness(t, time.Minute)
	require.NoError(t, h.loop.Start(context.Background()))
	h.alarm.mu.Lock()
	h.alarm.armErr = ErrAlarmClosed
	h.alarm.mu.Unlock()

	h.alarm.fire(t, h.key.String())

	assert.Contains(t, buf.String(), "level=CRITICAL")
	assert.Contains(t, buf.String(), "reschedule failed")
}

func TestRestoreClearsDecidingAndArms(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	future := h.clock.Now().Add(10 * time.Minute)
	require.NoError(t, h.store.SetStatus(ctx, h.key, "running", "", &future))
	_, err := h.store.BeginTick(ctx, h.key, h.clock.Now())
	require.NoError(t, err)

	require.NoError(t, h.loop.Restore(ctx))

	rec, err := h.store.GetSchedule(ctx, h.key)
	require.NoError(t, err)
	assert.False(t, rec.Deciding)
	at, ok := h.alarm.wake(h.key.String())
	require.True(t, ok)
	assert.Equal(t, future, at)
}

func TestParseIntervalDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"30s":   30 * time.Second,
		"15m":   15 * time.Minute,
		"1h":    time.Hour,
		"4H":    4 * time.Hour,
		"1d":    24 * time.Hour,
		"2w":    14 * 24 * time.Hour,
		"1h30m": 90 * time.Minute,
	}
	for in, want := range cases {
		got, ok := ParseIntervalDuration(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "h", "0m", "-1h", "5x", "-5m30s"} {
		_, ok := ParseIntervalDuration(bad)
		assert.False(t, ok, bad)
	}
	assert.Equal(t, time.Hour, IntervalOrDefault("junk", time.Hour))
}

func TestTimerAlarmFiresOnceAndCancels(t *testing.T) {
	a := NewTimerAlarm()
	defer a.Close()
	fired := make(chan struct{}, 2)
	require.NoError(t, a.Arm("k", time.Now(), func() { fired <- struct{}{} }))
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
	}

	require.NoError(t, a.Arm("k", time.Now().Add(time.Hour), func() { fired <- struct{}{} }))
	assert.True(t, a.Pending("k"))
	a.Cancel("k")
	assert.False(t, a.Pending("k"))

	a.Close()
	assert.ErrorIs(t, a.Arm("k", time.Now(), func() {}), ErrAlarmClosed)
}

func TestExclusiveHoldsDecidingAndReleases(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, h.loop.Start(ctx))
	require.NoError(t, h.loop.Stop(ctx, "maintenance"))

	ran := false
	err := h.loop.Exclusive(ctx, func(ctx context.Context) error {
		ran = true
		rec, err := h.store.GetSchedule(ctx, h.key)
		require.NoError(t, err)
		assert.True(t, rec.Deciding)
		assert.ErrorIs(t, h.loop.Trigger(ctx), ErrConflict)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	rec, err := h.store.GetSchedule(ctx, h.key)
	require.NoError(t, err)
	assert.False(t, rec.Deciding)
	assert.Equal(t, "stopped", rec.Status)
	_, armed := h.alarm.wake(h.key.String())
	assert.False(t, armed)
	assert.Zero(t, h.tickCount())
}

func TestExclusiveConflictsWithTickInFlight(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	ok, err := h.store.BeginTick(ctx, h.key, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	err = h.loop.Exclusive(ctx, func(context.Context) error {
		t.Fatal("must not run while a tick holds the record")
		return nil
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestExclusiveWithoutRecord(t *testing.T) {
	h := newHarness(t, time.Minute)
	other := NewLoop(context.Background(), store.AgentKey("ghost"), h.store, h.alarm, time.Minute, func(context.Context, Run) error { return nil }, Options{})
	err := other.Exclusive(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNotRunnable)
}

func TestExclusiveReturnsFnErrorAndStillReleases(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	boom := errors.New("boom")
	assert.ErrorIs(t, h.loop.Exclusive(ctx, func(context.Context) error { return boom }), boom)
	rec, err := h.store.GetSchedule(ctx, h.key)
	require.NoError(t, err)
	assert.False(t, rec.Deciding)
}
