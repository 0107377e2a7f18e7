package decision

import (
	"fmt"
	"math"
	"strings"

	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/paper"
)

// Ledger 是 Validator 需要的账本能力，*paper.Ledger 实现该接口。
type Ledger interface {
	Balance() float64
	OpenCount() int
	OpenPositions() []paper.Position
	Open(req paper.OpenRequest) (paper.Position, error)
	Close(id string, exitPrice float64, opts paper.CloseOptions) (paper.Position, error)
}

// Bounds 来自 agent 配置的仓位约束。
type Bounds struct {
	MaxOpenPositions       int
	MaxPositionSizePct     float64
	DefaultPositionSizePct float64
}

// PriceBook 本轮行情中各交易对的最新价格，键不区分大小写。
type PriceBook map[string]float64

func (p PriceBook) Set(pair string, price float64) {
	p[pairKey(pair)] = price
}

func (p PriceBook) Get(pair string) (float64, bool) {
	v, ok := p[pairKey(pair)]
	return v, ok && v > 0
}

func pairKey(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

type ResultKind string

const (
	ResultHold     ResultKind = "hold"
	ResultOpened   ResultKind = "opened"
	ResultClosed   ResultKind = "closed"
	ResultNoop     ResultKind = "noop"
	ResultRejected ResultKind = "rejected"
)

// Result 一次决策执行的结果；Failures 记录 best-effort 平仓中单个仓位的失败原因。
type Result struct {
	Kind     ResultKind
	Opened   *paper.Position
	Closed   []paper.Position
	Reason   string
	Failures []string
}

// Summary 用于决策日志的 outcome 字段。
func (r Result) Summary() string {
	switch r.Kind {
	case ResultOpened:
		if r.Opened != nil {
			return fmt.Sprintf("opened %s %s $%.2f @ %.6g", r.Opened.Side, r.Opened.Pair, r.Opened.AmountUSD, r.Opened.EffectiveEntryPrice)
		}
	case ResultClosed:
		s := fmt.Sprintf("closed %d position(s)", len(r.Closed))
		if len(r.Failures) > 0 {
			s += fmt.Sprintf(", %d failed: %s", len(r.Failures), strings.Join(r.Failures, "; "))
		}
		return s
	}
	if r.Reason != "" {
		return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
	}
	return string(r.Kind)
}

// Validator 把决策转换为账本操作，拒绝原因原样透传。
type Validator struct {
	Bounds   Bounds
	Venue    string
	Strategy string
}

// Apply 执行决策。pairs 为 agent 配置的交易对，目标缺省时取第一个有价格的。
func (v Validator) Apply(d Decision, ledger Ledger, prices PriceBook, pairs []string) Result {
	switch d.Action {
	case ActionHold:
		return Result{Kind: ResultHold, Reason: d.Reasoning}
	case ActionClose:
		return v.closeAll(d, ledger, prices)
	case ActionBuy, ActionSell:
		return v.open(d, ledger, prices, pairs)
	default:
		return Result{Kind: ResultRejected, Reason: fmt.Sprintf("unknown action %q", d.Action)}
	}
}

func (v Validator) open(d Decision, ledger Ledger, prices PriceBook, pairs []string) Result {
	if d.Confidence < MinConfidence {
		return Result{Kind: ResultRejected, Reason: fmt.Sprintf("confidence %.2f below minimum %.2f", d.Confidence, MinConfidence)}
	}
	if v.Bounds.MaxOpenPositions > 0 && ledger.OpenCount() >= v.Bounds.MaxOpenPositions {
		return Result{Kind: ResultRejected, Reason: fmt.Sprintf("max open positions reached (%d)", v.Bounds.MaxOpenPositions)}
	}
	pair, price, ok := resolveTarget(d.TargetPair, prices, pairs)
	if !ok {
		target := d.TargetPair
		if target == "" {
			target = strings.Join(pairs, ",")
		}
		return Result{Kind: ResultRejected, Reason: fmt.Sprintf("no market price for %s", target)}
	}
	sizePct := v.PositionSizePct(d.SuggestedPositionSizePct)
	side := paper.SideLong
	if d.Action == ActionSell {
		side = paper.SideShort
	}
	pos, err := ledger.Open(paper.OpenRequest{
		Pair:           pair,
		Venue:          v.Venue,
		Side:           side,
		Price:          price,
		AmountUSD:      ledger.Balance() * sizePct / 100,
		MaxPositionPct: v.Bounds.MaxPositionSizePct,
		Confidence:     d.Confidence,
		Reasoning:      d.Reasoning,
		Strategy:       v.Strategy,
	})
	if err != nil {
		return Result{Kind: ResultRejected, Reason: err.Error()}
	}
	return Result{Kind: ResultOpened, Opened: &pos}
}

// PositionSizePct = min(suggested ?? default, max)。
func (v Validator) PositionSizePct(suggested *float64) float64 {
	size := v.Bounds.DefaultPositionSizePct
	if size <= 0 {
		size = DefaultPositionSizePct
	}
	if suggested != nil && *suggested > 0 {
		size = *suggested
	}
	if v.Bounds.MaxPositionSizePct > 0 {
		size = math.Min(size, v.Bounds.MaxPositionSizePct)
	}
	return size
}

func (v Validator) closeAll(d Decision, ledger Ledger, prices PriceBook) Result {
	open := ledger.OpenPositions()
	if len(open) == 0 {
		return Result{Kind: ResultNoop, Reason: "no open positions"}
	}
	res := Result{Kind: ResultClosed}
	conf := d.Confidence
	for _, pos := range open {
		price, ok := prices.Get(pos.Pair)
		if !ok {
			msg := fmt.Sprintf("%s: no market price for %s", pos.ID, pos.Pair)
			logger.Warnf("close skipped for agent position %s", msg)
			res.Failures = append(res.Failures, msg)
			continue
		}
		closed, err := ledger.Close(pos.ID, price, paper.CloseOptions{Confidence: &conf, Reason: "agent decision: close"})
		if err != nil {
			logger.Warnf("close position %s failed: %v", pos.ID, err)
			res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", pos.ID, err))
			continue
		}
		res.Closed = append(res.Closed, closed)
	}
	if len(res.Closed) == 0 {
		res.Kind = ResultRejected
		res.Reason = "no position could be closed"
	}
	return res
}

func resolveTarget(target string, prices PriceBook, pairs []string) (string, float64, bool) {
	if strings.TrimSpace(target) != "" {
		for _, p := range pairs {
			if pairKey(p) == pairKey(target) {
				target = p
				break
			}
		}
		price, ok := prices.Get(target)
		return strings.TrimSpace(target), price, ok
	}
	for _, p := range pairs {
		if price, ok := prices.Get(p); ok {
			return p, price, true
		}
	}
	return "", 0, false
}
