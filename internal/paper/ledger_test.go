package paper

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestLedger(balance, slippage float64) (*Ledger, *testClock) {
	clock := &testClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	l := NewLedger("agent-1", balance, slippage).WithClock(clock.Now)
	seq := 0
	l.newID = func() string {
		seq++
		return fmt.Sprintf("pos-%d", seq)
	}
	return l, clock
}

func openReq(side Side, price, amount float64) OpenRequest {
	return OpenRequest{Pair: "WETH/USDC", Side: side, Price: price, AmountUSD: amount, MaxPositionPct: 100, Confidence: 0.8}
}

func TestSlippageDirection(t *testing.T) {
	cases := []struct {
		name     string
		side     Side
		slippage float64
	}{
		{"long with slippage", SideLong, 0.003},
		{"short with slippage", SideShort, 0.003},
		{"long zero slippage", SideLong, 0},
		{"short zero slippage", SideShort, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, _ := newTestLedger(10000, tc.slippage)
			pos, err := l.Open(openReq(tc.side, 100, 500))
			require.NoError(t, err)
			closed, err := l.Close(pos.ID, 120, CloseOptions{})
			require.NoError(t, err)
			require.NotNil(t, closed.Exit)

			switch {
			case tc.slippage == 0:
				assert.Equal(t, 100.0, pos.EffectiveEntryPrice)
				assert.Equal(t, 120.0, closed.Exit.EffectivePrice)
			case tc.side == SideLong:
				assert.Greater(t, pos.EffectiveEntryPrice, 100.0)
				assert.Less(t, closed.Exit.EffectivePrice, 120.0)
			default:
				assert.Less(t, pos.EffectiveEntryPrice, 100.0)
				assert.Greater(t, closed.Exit.EffectivePrice, 120.0)
			}
		})
	}
}

func TestOpenRejectsNonPositiveAmount(t *testing.T) {
	for _, amount := range []float64{0, -1, -250.5} {
		l, _ := newTestLedger(10000, DefaultSlippage)
		_, err := l.Open(openReq(SideLong, 100, amount))
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.Equal(t, 10000.0, l.Balance())
		assert.Zero(t, l.OpenCount())
	}
}

func TestOpenSizeCapBoundaryInclusive(t *testing.T) {
	cases := []struct {
		balance float64
		pct     float64
	}{
		{10000, 5},
		{1234.56, 7.5},
		{999.99, 33.3},
		{50, 100},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%v@%v%%", tc.balance, tc.pct), func(t *testing.T) {
			limit := tc.balance * tc.pct / 100

			l, _ := newTestLedger(tc.balance, DefaultSlippage)
			req := openReq(SideLong, 10, limit+0.01)
			req.MaxPositionPct = tc.pct
			_, err := l.Open(req)
			require.Error(t, err)
			assert.Equal(t, tc.balance, l.Balance())

			req.AmountUSD = limit
			pos, err := l.Open(req)
			require.NoError(t, err)
			assert.Equal(t, limit, pos.AmountUSD)
		})
	}
}

func TestOpenCapUsesCurrentBalance(t *testing.T) {
	l, _ := newTestLedger(10000, 0)
	first := openReq(SideLong, 100, 5000)
	first.MaxPositionPct = 50
	_, err := l.Open(first)
	require.NoError(t, err)

	// 50% of the remaining 5000 is 2500
	second := openReq(SideLong, 100, 3000)
	second.MaxPositionPct = 50
	_, err = l.Open(second)
	assert.ErrorIs(t, err, ErrPositionSizeCap)
}

func TestOpenRejectsInsufficientBalance(t *testing.T) {
	l, _ := newTestLedger(100, DefaultSlippage)
	_, err := l.Open(openReq(SideShort, 100, 100.5))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, 100.0, l.Balance())
}

func TestCloseLongMath(t *testing.T) {
	l, _ := newTestLedger(10000, 0.003)
	pos, err := l.Open(openReq(SideLong, 100, 1000))
	require.NoError(t, err)
	assert.InDelta(t, 100.3, pos.EffectiveEntryPrice, 1e-9)
	assert.InDelta(t, 1000/100.3, pos.Quantity, 1e-9)
	assert.Equal(t, 9000.0, l.Balance())

	closed, err := l.Close(pos.ID, 110, CloseOptions{Reason: "take profit"})
	require.NoError(t, err)
	effExit := 110 * 0.997
	proceeds := pos.Quantity * effExit
	assert.Equal(t, StatusClosed, closed.Status)
	assert.InDelta(t, effExit, closed.Exit.EffectivePrice, 1e-9)
	assert.InDelta(t, (effExit-100.3)/100.3*100, closed.Exit.PnlPct, 1e-9)
	assert.InDelta(t, proceeds-1000, closed.Exit.PnlUSD, 1e-9)
	assert.InDelta(t, 9000+proceeds, l.Balance(), 1e-6)
	assert.Equal(t, "take profit", closed.Exit.Reason)
}

func TestCloseShortMath(t *testing.T) {
	l, _ := newTestLedger(10000, 0.003)
	pos, err := l.Open(openReq(SideShort, 100, 1000))
	require.NoError(t, err)
	assert.InDelta(t, 99.7, pos.EffectiveEntryPrice, 1e-9)

	conf := 0.7
	closed, err := l.Close(pos.ID, 90, CloseOptions{Confidence: &conf})
	require.NoError(t, err)
	effExit := 90 * 1.003
	proceeds := 2*1000 - pos.Quantity*effExit
	assert.InDelta(t, (99.7-effExit)/99.7*100, closed.Exit.PnlPct, 1e-9)
	assert.InDelta(t, proceeds-1000, closed.Exit.PnlUSD, 1e-9)
	assert.Greater(t, closed.Exit.PnlUSD, 0.0)
	require.NotNil(t, closed.Exit.Confidence)
	assert.Equal(t, 0.7, *closed.Exit.Confidence)
}

func TestCloseUsesRecordedSlippage(t *testing.T) {
	l, _ := newTestLedger(10000, DefaultSlippage)
	override := 0.01
	req := openReq(SideLong, 100, 1000)
	req.Slippage = &override
	pos, err := l.Open(req)
	require.NoError(t, err)
	assert.InDelta(t, 101.0, pos.EffectiveEntryPrice, 1e-9)

	closed, err := l.Close(pos.ID, 100, CloseOptions{})
	require.NoError(t, err)
	assert.InDelta(t, 99.0, closed.Exit.EffectivePrice, 1e-9)
}

func TestDoubleCloseIsNotFound(t *testing.T) {
	l, _ := newTestLedger(10000, DefaultSlippage)
	pos, err := l.Open(openReq(SideLong, 100, 500))
	require.NoError(t, err)
	_, err = l.Close(pos.ID, 101, CloseOptions{})
	require.NoError(t, err)
	balance := l.Balance()

	_, err = l.Close(pos.ID, 101, CloseOptions{})
	assert.ErrorIs(t, err, ErrPositionNotFound)
	_, err = l.StopOut(pos.ID, 90)
	assert.ErrorIs(t, err, ErrPositionNotFound)
	assert.Equal(t, balance, l.Balance())
	assert.Len(t, l.ClosedPositions(), 1)
}

func TestStopOutUpdatesSingleClosedRecord(t *testing.T) {
	l, _ := newTestLedger(10000, DefaultSlippage)
	pos, err := l.Open(openReq(SideLong, 100, 1000))
	require.NoError(t, err)

	out, err := l.StopOut(pos.ID, 94)
	require.NoError(t, err)
	assert.Equal(t, StatusStoppedOut, out.Status)

	closed := l.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, StatusStoppedOut, closed[0].Status)
	assert.Equal(t, pos.ID, closed[0].ID)
	require.NotNil(t, closed[0].Exit)
	assert.Equal(t, 94.0, closed[0].Exit.Price)
	assert.Zero(t, l.OpenCount())
}

func TestDailyPnlResetsOncePerUTCDay(t *testing.T) {
	l, clock := newTestLedger(10000, 0)
	pos, err := l.Open(openReq(SideLong, 100, 1000))
	require.NoError(t, err)
	_, err = l.Close(pos.ID, 80, CloseOptions{})
	require.NoError(t, err)

	assert.InDelta(t, -2.0, l.DailyPnlPct(), 1e-9)
	assert.InDelta(t, -2.0, l.TotalPnlPct(), 1e-9)

	clock.now = clock.now.Add(20 * time.Hour)
	assert.Equal(t, 0.0, l.DailyPnlPct())
	snap := l.Snapshot()
	assert.Equal(t, "2025-05-02", snap.LastDailyResetDate)
	assert.Equal(t, 9800.0, snap.DailyStartBalance)
	assert.InDelta(t, -2.0, l.TotalPnlPct(), 1e-9)
}

func TestSerializeRoundTrip(t *testing.T) {
	l, clock := newTestLedger(10000, DefaultSlippage)
	first, err := l.Open(openReq(SideLong, 100, 1000))
	require.NoError(t, err)
	clock.now = clock.now.Add(time.Minute)
	_, err = l.Open(openReq(SideShort, 50, 700))
	require.NoError(t, err)
	clock.now = clock.now.Add(time.Hour)
	conf := 0.9
	_, err = l.Close(first.ID, 105, CloseOptions{Confidence: &conf, Reason: "target"})
	require.NoError(t, err)

	data, err := l.Serialize()
	require.NoError(t, err)
	restored, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, l.Snapshot(), restored.Snapshot())
	assert.Equal(t, l.Balance(), restored.Balance())
	assert.Equal(t, l.InitialBalance(), restored.InitialBalance())
	assert.Equal(t, l.Slippage(), restored.Slippage())
	require.Len(t, restored.ClosedPositions(), 1)
	assert.Equal(t, 105.0, restored.ClosedPositions()[0].Exit.Price)
	assert.Equal(t, 1, restored.OpenCount())
}

func TestDeserializeRejectsBrokenSnapshot(t *testing.T) {
	_, err := Deserialize([]byte(`{"initial_balance":1,"open_positions":[{"id":""}]}`))
	assert.Error(t, err)
	_, err = Deserialize([]byte(`not json`))
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	l, _ := newTestLedger(10000, 0)
	win, _ := l.Open(openReq(SideLong, 100, 1000))
	loss, _ := l.Open(openReq(SideLong, 100, 1000))
	_, _ = l.Open(openReq(SideShort, 100, 1000))
	_, err := l.Close(win.ID, 110, CloseOptions{})
	require.NoError(t, err)
	_, err = l.Close(loss.ID, 95, CloseOptions{})
	require.NoError(t, err)

	st := l.Stats()
	assert.Equal(t, 2, st.TotalTrades)
	assert.Equal(t, 1, st.WinningTrades)
	assert.Equal(t, 50.0, st.WinRate)
	assert.Equal(t, 1, st.OpenPositions)
	assert.InDelta(t, 50.0, st.RealizedPnlUSD, 1e-9)
}
