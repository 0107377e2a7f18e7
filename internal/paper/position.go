package paper

import (
	"strings"
	"time"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide 接受 long/short 以及 buy/sell 两种写法。
func ParseSide(raw string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return SideLong, true
	case "short", "sell":
		return SideShort, true
	default:
		return "", false
	}
}

type Status string

const (
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusStoppedOut Status = "stopped_out"
)

// Position 一笔模拟仓位。Exit 仅在离开 open 状态时写入，之后不再变化。
type Position struct {
	ID                  string    `json:"id"`
	AgentID             string    `json:"agent_id"`
	Pair                string    `json:"pair"`
	Venue               string    `json:"venue,omitempty"`
	Side                Side      `json:"side"`
	EntryPrice          float64   `json:"entry_price"`
	EffectiveEntryPrice float64   `json:"effective_entry_price"`
	AmountUSD           float64   `json:"amount_usd"`
	Quantity            float64   `json:"quantity"`
	Confidence          float64   `json:"confidence"`
	Reasoning           string    `json:"reasoning,omitempty"`
	Strategy            string    `json:"strategy,omitempty"`
	Slippage            float64   `json:"slippage"`
	Status              Status    `json:"status"`
	OpenedAt            time.Time `json:"opened_at"`
	Exit                *Exit     `json:"exit,omitempty"`
}

type Exit struct {
	Price          float64   `json:"price"`
	EffectivePrice float64   `json:"effective_price"`
	PnlPct         float64   `json:"pnl_pct"`
	PnlUSD         float64   `json:"pnl_usd"`
	Confidence     *float64  `json:"confidence,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ClosedAt       time.Time `json:"closed_at"`
}

// IsOpen reports whether the position still counts against the balance.
func (p Position) IsOpen() bool { return p.Status == StatusOpen }

// MovePct 以有效入场价为基准的浮动盈亏百分比，方向已按多空调整。
func (p Position) MovePct(price float64) float64 {
	if p.EffectiveEntryPrice <= 0 {
		return 0
	}
	move := (price - p.EffectiveEntryPrice) / p.EffectiveEntryPrice * 100
	if p.Side == SideShort {
		return -move
	}
	return move
}

func (p Position) clone() Position {
	out := p
	if p.Exit != nil {
		exit := *p.Exit
		if p.Exit.Confidence != nil {
			c := *p.Exit.Confidence
			exit.Confidence = &c
		}
		out.Exit = &exit
	}
	return out
}

// entryFill 多头买得更贵，空头卖得更便宜。
func entryFill(side Side, price, slippage float64) float64 {
	if side == SideShort {
		return price * (1 - slippage)
	}
	return price * (1 + slippage)
}

// exitFill 与入场方向相反，始终对持仓人不利。
func exitFill(side Side, price, slippage float64) float64 {
	if side == SideShort {
		return price * (1 + slippage)
	}
	return price * (1 - slippage)
}
