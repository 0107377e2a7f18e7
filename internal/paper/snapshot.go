package paper

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Snapshot 账本的完整持久化形态，Serialize/Deserialize 之间无损。
type Snapshot struct {
	AgentID            string     `json:"agent_id"`
	Balance            float64    `json:"balance"`
	InitialBalance     float64    `json:"initial_balance"`
	DailyStartBalance  float64    `json:"daily_start_balance"`
	LastDailyResetDate string     `json:"last_daily_reset_date"`
	Slippage           float64    `json:"slippage"`
	OpenPositions      []Position `json:"open_positions"`
	ClosedPositions    []Position `json:"closed_positions"`
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	closed := make([]Position, 0, len(l.closed))
	for _, p := range l.closed {
		closed = append(closed, p.clone())
	}
	return Snapshot{
		AgentID:            l.agentID,
		Balance:            l.balance,
		InitialBalance:     l.initialBalance,
		DailyStartBalance:  l.dailyStartBalance,
		LastDailyResetDate: l.lastDailyResetDate,
		Slippage:           l.slippage,
		OpenPositions:      sortedOpen(l.open),
		ClosedPositions:    closed,
	}
}

func (l *Ledger) Serialize() ([]byte, error) {
	return json.Marshal(l.Snapshot())
}

func Deserialize(data []byte) (*Ledger, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode ledger snapshot: %w", err)
	}
	return FromSnapshot(snap)
}

func FromSnapshot(snap Snapshot) (*Ledger, error) {
	if snap.InitialBalance < 0 {
		return nil, fmt.Errorf("ledger snapshot has negative initial balance %v", snap.InitialBalance)
	}
	l := &Ledger{
		agentID:            snap.AgentID,
		balance:            snap.Balance,
		initialBalance:     snap.InitialBalance,
		dailyStartBalance:  snap.DailyStartBalance,
		lastDailyResetDate: snap.LastDailyResetDate,
		slippage:           snap.Slippage,
		open:               make(map[string]*Position, len(snap.OpenPositions)),
		closed:             make([]*Position, 0, len(snap.ClosedPositions)),
		nowFn:              time.Now,
		newID:              uuid.NewString,
	}
	for _, p := range snap.OpenPositions {
		if p.ID == "" {
			return nil, fmt.Errorf("ledger snapshot contains open position without id")
		}
		if _, dup := l.open[p.ID]; dup {
			return nil, fmt.Errorf("ledger snapshot contains duplicate open position %s", p.ID)
		}
		cp := p.clone()
		l.open[p.ID] = &cp
	}
	for _, p := range snap.ClosedPositions {
		cp := p.clone()
		l.closed = append(l.closed, &cp)
	}
	return l, nil
}

// Stats 账本汇总，供绩效快照与 manager 评估使用。不触发日切。
type Stats struct {
	Balance        float64 `json:"balance"`
	InitialBalance float64 `json:"initial_balance"`
	TotalPnlPct    float64 `json:"total_pnl_pct"`
	RealizedPnlUSD float64 `json:"realized_pnl_usd"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	WinRate        float64 `json:"win_rate"`
	OpenPositions  int     `json:"open_positions"`
}

func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Stats{
		Balance:        l.balance,
		InitialBalance: l.initialBalance,
		TotalPnlPct:    pct(l.balance, l.initialBalance),
		TotalTrades:    len(l.closed),
		OpenPositions:  len(l.open),
	}
	for _, p := range l.closed {
		if p.Exit == nil {
			continue
		}
		st.RealizedPnlUSD += p.Exit.PnlUSD
		if p.Exit.PnlUSD > 0 {
			st.WinningTrades++
		}
	}
	if st.TotalTrades > 0 {
		st.WinRate = float64(st.WinningTrades) / float64(st.TotalTrades) * 100
	}
	return st
}
