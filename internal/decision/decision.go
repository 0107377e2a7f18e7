// Package decision 定义 agent 的交易决策、oracle 输出解析以及决策到账本操作的校验执行。
package decision

import (
	"strings"
	"time"
)

type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionHold  Action = "hold"
	ActionClose Action = "close"
)

const (
	// MinConfidence 低于该置信度的 buy/sell 一律按 hold 处理。
	MinConfidence = 0.65
	// DefaultPositionSizePct 决策未给出仓位比例时的默认值。
	DefaultPositionSizePct = 10.0
)

// Decision oracle 给出的单次交易决策。
type Decision struct {
	Action                   Action   `json:"action"`
	Confidence               float64  `json:"confidence"`
	Reasoning                string   `json:"reasoning"`
	TargetPair               string   `json:"target_pair,omitempty"`
	SuggestedPositionSizePct *float64 `json:"suggested_position_size_pct,omitempty"`
}

// Hold 构造一个带诊断原因的 hold 决策。
func Hold(reason string) Decision {
	return Decision{Action: ActionHold, Reasoning: reason}
}

func (d Decision) IsTrade() bool {
	return d.Action == ActionBuy || d.Action == ActionSell
}

// Record 一条已落库的决策，附带来源信息。
type Record struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Decision  Decision  `json:"decision"`
	Model     string    `json:"model,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func normalizeAction(raw string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long", "open_long":
		return ActionBuy, true
	case "sell", "short", "open_short":
		return ActionSell, true
	case "hold", "wait", "none":
		return ActionHold, true
	case "close", "exit", "close_all", "close_position":
		return ActionClose, true
	default:
		return "", false
	}
}
