package agent

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/decision"
	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/market"
	"github.com/jan-miksik/heppy-market-sub000/internal/oracle"
	"github.com/jan-miksik/heppy-market-sub000/internal/paper"
	"github.com/jan-miksik/heppy-market-sub000/internal/scheduler"
	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/memstore"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Search(ctx context.Context, pair string) (*market.Snapshot, error) {
	args := m.Called(pair)
	snap, _ := args.Get(0).(*market.Snapshot)
	return snap, args.Error(1)
}

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) RequestDecision(ctx context.Context, req oracle.Request) (decision.Decision, oracle.Reply, error) {
	args := m.Called(req.Model)
	return args.Get(0).(decision.Decision), args.Get(1).(oracle.Reply), args.Error(2)
}

func (m *mockOracle) RequestFreeformText(ctx context.Context, req oracle.Request) (oracle.Reply, error) {
	args := m.Called(req.Model)
	return args.Get(0).(oracle.Reply), args.Error(1)
}

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	texts []string
}

func (n *recordingNotifier) SendText(_ context.Context, text string) error {
	n.texts = append(n.texts, text)
	return nil
}

func testConfig() Config {
	return Config{
		Pairs:                  []string{"WETH/USDC"},
		Model:                  "test/model",
		AnalysisInterval:       "1h",
		InitialBalance:         10000,
		MaxPositionSizePct:     25,
		DefaultPositionSizePct: 10,
		MaxOpenPositions:       3,
		StopLossPct:            5,
		TakeProfitPct:          7,
		MaxDailyLossPct:        10,
		CooldownMinutes:        30,
		RecentDecisions:        5,
	}
}

type runnerHarness struct {
	store  *memstore.Store
	market *mockProvider
	oracle *mockOracle
	runner *Runner
	cfg    Config
	now    time.Time
}

func newRunnerHarness(t *testing.T, status scheduler.Status) *runnerHarness {
	t.Helper()
	h := &runnerHarness{
		market: &mockProvider{},
		oracle: &mockOracle{},
		cfg:    testConfig(),
		now:    testNow,
	}
	clock := func() time.Time { return h.now }
	h.store = memstore.New().WithClock(clock)
	raw, err := h.cfg.Encode()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, h.store.CreateAgent(ctx, &model.Agent{ID: "a1", Name: "alpha", Status: string(status), Config: raw, CreatedAt: h.now}))
	require.NoError(t, h.store.SetStatus(ctx, store.AgentKey("a1"), string(status), "", nil))
	h.runner = NewRunner("a1", Deps{
		Store:    h.store,
		Market:   h.market,
		Oracle:   h.oracle,
		Defaults: h.cfg,
		NowFn:    clock,
	})
	return h
}

func (h *runnerHarness) saveLedger(t *testing.T, l *paper.Ledger) {
	t.Helper()
	data, err := l.Serialize()
	require.NoError(t, err)
	require.NoError(t, h.store.SaveLedger(context.Background(), "a1", data))
}

func (h *runnerHarness) ledger(t *testing.T) *paper.Ledger {
	t.Helper()
	data, err := h.store.LoadLedger(context.Background(), "a1")
	require.NoError(t, err)
	l, err := paper.Deserialize(data)
	require.NoError(t, err)
	return l
}

func (h *runnerHarness) decisions(t *testing.T) []model.Decision {
	t.Helper()
	out, err := h.store.RecentDecisions(context.Background(), "a1", 10)
	require.NoError(t, err)
	return out
}

func snapshot(pair string, price float64) *market.Snapshot {
	return &market.Snapshot{Pair: pair, PriceUSD: price, Source: "mock", FetchedAt: testNow}
}

func TestTickBuyOpensTrade(t *testing.T) {
	h := newRunnerHarness(t, scheduler.StatusRunning)
	h.market.On("Search", "WETH/USDC").Return(snapshot("WETH/USDC", 2000), nil)
	h.oracle.On("RequestDecision", "test/model").Return(decision.Decision{
		Action:     decision.ActionBuy,
		Confidence: 0.8,
		Reasoning:  "ema cross",
		TargetPair: "WETH/USDC",
	}, oracle.Reply{Text: `{"action":"buy"}`, Model: "test/model"}, nil)

	require.NoError(t, h.runner.Tick(context.Background(), scheduler.Run{}))

	l := h.ledger(t)
	require.Equal(t, 1, l.OpenCount())
	assert.InDelta(t, 9000, l.Balance(), 1e-6)

	trades, err := h.store.RecentTrades(context.Background(), "a1", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "open", trades[0].Status)

	ds := h.decisions(t)
	require.Len(t, ds, 1)
	assert.Equal(t, "buy", ds[0].Action)
	assert.NotEmpty(t, ds[0].Outcome)

	perf, err := h.store.LatestPerformance(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, perf.OpenPositions)
}

func TestTickSkipsWhenNotRunning(t *testing.T) {
	h := newRunnerHarness(t, scheduler.StatusPaused)
	require.NoError(t, h.runner.Tick(context.Background(), scheduler.Run{}))
	h.market.AssertNotCalled(t, "Search", mock.Anything)
	assert.Empty(t, h.decisions(t))
}

func TestForcedTickRunsWhilePaused(t *testing.T) {
	h := newRunnerHarness(t, scheduler.StatusPaused)
	h.market.On("Search", "WETH/USDC").Return(snapshot("WETH/USDC", 2000), nil)
	h.oracle.On("RequestDecision", "test/model").Return(decision.Hold("flat"), oracle.Reply{Text: "{}", Model: "test/model"}, nil)

	require.NoError(t, h.runner.Tick(context.Background(), scheduler.Run{Forced: true}))
	ds := h.decisions(t)
	require.Len(t, ds, 1)
	assert.Equal(t, "hold", ds[0].Action)
}

func TestTickMissingAgentStopsLoop(t *testing.T) {
	h := newRunnerHarness(t, scheduler.StatusRunning)
	r := NewRunner("ghost", h.runner.deps)
	err := r.Tick(context.Background(), scheduler.Run{})
	var halt *scheduler.HaltError
	require.ErrorAs(t, err, &halt)
	assert.Equal(t, scheduler.StatusStopped, halt.Status)
}

func TestStopLossSetsCooldownAndNextTickSkips(t *testing.T) {
	h := newRunnerHarness(t, scheduler.StatusRunning)
	l := paper.NewLedger("a1", 10000, 0).WithClock(func() time.Time { return h.now })
	_, err := l.Open(paper.OpenRequest{Pair: "WETH/USDC", Side: paper.SideLong, Price: 2000, AmountUSD: 1000})
	require.NoError(t, err)
	h.saveLedger(t, l)
	notes := &recordingNotifier{}
	h.runner.deps.Notifier = notes

	h.market.On("Search", "WETH/USDC").Return(snapshot("WETH/USDC", 1880), nil).Once()
	h.oracle.On("RequestDecision", "test/model").Return(decision.Hold("wait"), oracle.Reply{Text: "{}", Model: "test/model"}, nil).Once()

	require.NoError(t, h.runner.Tick(context.Background(), scheduler.Run{}))

	after := h.ledger(t)
	assert.Equal(t, 0, after.OpenCount())
	closed := after.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, "stop loss", closed[0].Exit.Reason)
	require.Len(t, notes.texts, 1)
	assert.Contains(t, notes.texts[0], "stop loss")
	assert.Contains(t, notes.texts[0], "WETH/USDC long")

	sched, err := h.store.GetSchedule(context.Background(), store.AgentKey("a1"))
	require.NoError(t, err)
	require.NotNil(t, sched.CooldownUntil)
	assert.Equal(t, h.now.Add(30*time.Minute), sched.CooldownUntil.UTC())

	h.now = h.now.Add(10 * time.Minute)
	require.NoError(t, h.runner.Tick(context.Background(), scheduler.Run{}))
	h.market.AssertNumberOfCalls(t, "Search", 1)
	h.oracle.AssertNumberOfCalls(t, "RequestDecision", 1)
}

func TestTakeProfitClosesPosition(t *testing.T) {
	h := newRunnerHarness(t, scheduler.StatusRunning)
	l := paper.NewLedger("a1", 10000, 0).WithClock(func() time.Time { return h.now })
	_, err := l.Open(paper.OpenRequest{Pair: "WETH/USDC", Side: paper.SideLong, Price: 2000, AmountUSD: 1000})
	require.NoError(t, err)
	h.saveLedger(t, l)

	h.market.On("Search", "WETH/USDC").Return(snapshot("WETH/USDC", 2200), nil)
	h.oracle.On("RequestDecision", "test/model").Return(decision.Hold("wait"), oracle.Reply{Text: "{}", Model: "test/model"}, nil)

	require.NoError(t, h.runner.Tick(context.Background(), scheduler.Run{}))
	after := h.ledger(t)
	assert.Equal(t, 0, after.OpenCount())
	assert.InDelta(t, 10100, after.Balance(), 1e-6)

	sched, err := h.store.GetSchedule(context.Background(), store.AgentKey("a1"))
	require.NoError(t, err)
	assert.Nil(t, sched.CooldownUntil)
}

func TestDailyLossPausesAgent(t *testing.T) {
	h := newRunnerHarness(t, scheduler.StatusRunning)
	l, err := paper.FromSnapshot(paper.Snapshot{
		AgentID:            "a1",
		Balance:            8900,
		InitialBalance:     10000,
		DailyStartBalance:  10000,
		LastDailyResetDate: h.now.Format("2006-01-02"),
	})
	require.NoError(t, err)
	h.saveLedger(t, l)
	notes := &recordingNotifier{}
	h.runner.deps.Notifier = notes

	err = h.runner.Tick(context.Background(), scheduler.Run{})
	var halt *scheduler.HaltError
	require.ErrorAs(t, err, &halt)
	assert.Equal(t, scheduler.StatusPaused, halt.Status)

	a, err := h.store.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, string(scheduler.StatusPaused), a.Status)

	ds := h.decisions(t)
	require.Len(t, ds, 1)
	assert.Contains(t, ds[0].Reasoning, "daily loss limit")
	require.Len(t, notes.texts, 1)
	assert.Contains(t, notes.texts[0], "agent a1")
	h.market.AssertNotCalled(t, "Search", mock.Anything)
}

func TestNoMarketDataRecordsHold(t *testing.T) {
	h := newRunnerHarness(t, scheduler.StatusRunning)
	h.market.On("Search", "WETH/USDC").Return(nil, market.ErrNoMatch)

	require.NoError(t, h.runner.Tick(context.Background(), scheduler.Run{}))
	ds := h.decisions(t)
	require.Len(t, ds, 1)
	assert.Equal(t, "no market data available for WETH/USDC", ds[0].Reasoning)
	h.oracle.AssertNotCalled(t, "RequestDecision", mock.Anything)

	_, err := h.store.LoadLedger(context.Background(), "a1")
	assert.NoError(t, err)
}

func TestOracleFailureRecordsHold(t *testing.T) {
	tests := []struct {
		name   string
		reply  oracle.Reply
		prefix string
	}{
		{name: "unavailable", reply: oracle.Reply{}, prefix: "oracle unavailable: "},
		{name: "unusable", reply: oracle.Reply{Text: "I think buy", Model: "test/model"}, prefix: "model output unusable: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRunnerHarness(t, scheduler.StatusRunning)
			h.market.On("Search", "WETH/USDC").Return(snapshot("WETH/USDC", 2000), nil)
			h.oracle.On("RequestDecision", "test/model").Return(decision.Decision{}, tt.reply, errors.New("boom"))

			require.NoError(t, h.runner.Tick(context.Background(), scheduler.Run{}))
			ds := h.decisions(t)
			require.Len(t, ds, 1)
			assert.Equal(t, "hold", ds[0].Action)
			assert.Equal(t, tt.prefix+"boom", ds[0].Reasoning)
			assert.Equal(t, 0, h.ledger(t).OpenCount())
		})
	}
}

func TestUnionPairsAddsOpenPositionPairs(t *testing.T) {
	open := []paper.Position{{Pair: "cbBTC/USDC"}, {Pair: "weth/usdc"}, {Pair: "AERO/USDC"}}
	assert.Equal(t, []string{"WETH/USDC", "AERO/USDC", "cbBTC/USDC"}, unionPairs([]string{"WETH/USDC"}, open))
}

type panickingNotifier struct{}

func (panickingNotifier) SendText(context.Context, string) error { panic("notifier exploded") }

func TestStopOutPersistsWhenCyclePanics(t *testing.T) {
	h := newRunnerHarness(t, scheduler.StatusRunning)
	l := paper.NewLedger("a1", 10000, 0).WithClock(func() time.Time { return h.now })
	_, err := l.Open(paper.OpenRequest{Pair: "WETH/USDC", Side: paper.SideLong, Price: 2000, AmountUSD: 1000})
	require.NoError(t, err)
	h.saveLedger(t, l)
	h.runner.deps.Notifier = panickingNotifier{}
	h.market.On("Search", "WETH/USDC").Return(snapshot("WETH/USDC", 1880), nil)

	assert.Panics(t, func() {
		_ = h.runner.Tick(context.Background(), scheduler.Run{})
	})

	after := h.ledger(t)
	assert.Equal(t, 0, after.OpenCount())
	require.Len(t, after.ClosedPositions(), 1)
	assert.Equal(t, paper.StatusStoppedOut, after.ClosedPositions()[0].Status)
	h.oracle.AssertNotCalled(t, "RequestDecision", mock.Anything)
}

type brokenSchedules struct {
	*memstore.Store
}

func (brokenSchedules) GetSchedule(context.Context, store.Key) (*model.Schedule, error) {
	return nil, errors.New("schedules table locked")
}

func TestCooldownLookupFailureIsLogged(t *testing.T) {
	h := newRunnerHarness(t, scheduler.StatusRunning)
	h.runner.deps.Store = brokenSchedules{Store: h.store}
	h.market.On("Search", "WETH/USDC").Return(snapshot("WETH/USDC", 2000), nil)
	h.oracle.On("RequestDecision", "test/model").Return(decision.Hold("flat"), oracle.Reply{Text: "{}", Model: "test/model"}, nil)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(os.Stdout)

	require.NoError(t, h.runner.Tick(context.Background(), scheduler.Run{}))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "agent a1 load schedule for cooldown check: schedules table locked")
	h.oracle.AssertNumberOfCalls(t, "RequestDecision", 1)
}
