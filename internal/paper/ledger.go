package paper

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultSlippage 默认滑点比例 (0.3%)。
const DefaultSlippage = 0.003

const dayLayout = "2006-01-02"

var (
	decHundred = decimal.NewFromInt(100)
	moneyScale = int32(8)
)

// Ledger 单个 agent 的虚拟资金账本。只由所属 agent 的调度任务修改。
type Ledger struct {
	mu sync.RWMutex

	agentID            string
	balance            float64
	initialBalance     float64
	dailyStartBalance  float64
	lastDailyResetDate string
	slippage           float64
	open               map[string]*Position
	closed             []*Position

	nowFn func() time.Time
	newID func() string
}

// OpenRequest 描述一次开仓；Slippage 非空时覆盖账本默认滑点。
type OpenRequest struct {
	Pair           string
	Venue          string
	Side           Side
	Price          float64
	AmountUSD      float64
	MaxPositionPct float64
	Confidence     float64
	Reasoning      string
	Strategy       string
	Slippage       *float64
}

// CloseOptions 平仓附带信息，均为可选。
type CloseOptions struct {
	Confidence *float64
	Reason     string
}

func NewLedger(agentID string, initialBalance, slippage float64) *Ledger {
	if slippage < 0 {
		slippage = 0
	}
	l := &Ledger{
		agentID:        agentID,
		balance:        initialBalance,
		initialBalance: initialBalance,
		slippage:       slippage,
		open:           make(map[string]*Position),
		nowFn:          time.Now,
		newID:          uuid.NewString,
	}
	l.dailyStartBalance = initialBalance
	l.lastDailyResetDate = l.now().Format(dayLayout)
	return l
}

// WithClock 替换时钟并按新时钟重置日期基准，测试用。
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now == nil {
		return l
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFn = now
	if len(l.closed) == 0 && len(l.open) == 0 {
		l.lastDailyResetDate = l.now().Format(dayLayout)
	}
	return l
}

func (l *Ledger) now() time.Time {
	return l.nowFn().UTC()
}

func (l *Ledger) AgentID() string { return l.agentID }

func (l *Ledger) Balance() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance
}

func (l *Ledger) InitialBalance() float64 {
	return l.initialBalance
}

func (l *Ledger) Slippage() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slippage
}

func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.open)
}

// OpenPositions 按开仓时间排序返回副本。
func (l *Ledger) OpenPositions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedOpen(l.open)
}

func (l *Ledger) ClosedPositions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.closed))
	for _, p := range l.closed {
		out = append(out, p.clone())
	}
	return out
}

// Open 校验后开仓。任何拒绝都发生在修改余额之前。
func (l *Ledger) Open(req OpenRequest) (Position, error) {
	if req.Side != SideLong && req.Side != SideShort {
		return Position{}, fmt.Errorf("%w: %q", ErrInvalidSide, req.Side)
	}
	if req.Price <= 0 {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidPrice, req.Price)
	}
	amount := decimal.NewFromFloat(req.AmountUSD).Round(moneyScale)
	if !amount.IsPositive() {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidAmount, req.AmountUSD)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := decimal.NewFromFloat(l.balance)
	if amount.GreaterThan(balance.Round(moneyScale)) {
		return Position{}, fmt.Errorf("%w: need %s have %s", ErrInsufficientBalance,
			amount.StringFixed(2), balance.StringFixed(2))
	}
	maxPct := req.MaxPositionPct
	if maxPct <= 0 || maxPct > 100 {
		maxPct = 100
	}
	limit := balance.Mul(decimal.NewFromFloat(maxPct)).Div(decHundred).Round(moneyScale)
	if amount.GreaterThan(limit) {
		return Position{}, fmt.Errorf("%w: %s > %s (%.2f%% of balance)", ErrPositionSizeCap,
			amount.StringFixed(2), limit.StringFixed(2), maxPct)
	}

	slip := l.slippage
	if req.Slippage != nil && *req.Slippage >= 0 {
		slip = *req.Slippage
	}
	effective := entryFill(req.Side, req.Price, slip)
	pos := &Position{
		ID:                  l.newID(),
		AgentID:             l.agentID,
		Pair:                strings.TrimSpace(req.Pair),
		Venue:               strings.TrimSpace(req.Venue),
		Side:                req.Side,
		EntryPrice:          req.Price,
		EffectiveEntryPrice: effective,
		AmountUSD:           req.AmountUSD,
		Quantity:            req.AmountUSD / effective,
		Confidence:          req.Confidence,
		Reasoning:           req.Reasoning,
		Strategy:            req.Strategy,
		Slippage:            slip,
		Status:              StatusOpen,
		OpenedAt:            l.now(),
	}
	l.balance = balance.Sub(decimal.NewFromFloat(req.AmountUSD)).InexactFloat64()
	l.open[pos.ID] = pos
	return pos.clone(), nil
}

// Close 以仓位开仓时记录的滑点计算有效出场价并结算。
func (l *Ledger) Close(id string, exitPrice float64, opts CloseOptions) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, err := l.closeLocked(id, exitPrice, opts)
	if err != nil {
		return Position{}, err
	}
	return pos.clone(), nil
}

// StopOut 与 Close 相同的结算，随后把同一条已平仓记录标记为 stopped_out。
func (l *Ledger) StopOut(id string, exitPrice float64) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, err := l.closeLocked(id, exitPrice, CloseOptions{Reason: "stop loss"})
	if err != nil {
		return Position{}, err
	}
	pos.Status = StatusStoppedOut
	return pos.clone(), nil
}

func (l *Ledger) closeLocked(id string, exitPrice float64, opts CloseOptions) (*Position, error) {
	pos, ok := l.open[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if exitPrice <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, exitPrice)
	}
	effective := exitFill(pos.Side, exitPrice, pos.Slippage)
	var proceeds, pnlPct float64
	switch pos.Side {
	case SideShort:
		proceeds = 2*pos.AmountUSD - pos.Quantity*effective
		pnlPct = (pos.EffectiveEntryPrice - effective) / pos.EffectiveEntryPrice * 100
	default:
		proceeds = pos.Quantity * effective
		pnlPct = (effective - pos.EffectiveEntryPrice) / pos.EffectiveEntryPrice * 100
	}
	exit := &Exit{
		Price:          exitPrice,
		EffectivePrice: effective,
		PnlPct:         pnlPct,
		PnlUSD:         proceeds - pos.AmountUSD,
		Reason:         opts.Reason,
		ClosedAt:       l.now(),
	}
	if opts.Confidence != nil {
		c := *opts.Confidence
		exit.Confidence = &c
	}
	l.balance = decimal.NewFromFloat(l.balance).Add(decimal.NewFromFloat(proceeds)).InexactFloat64()
	pos.Exit = exit
	pos.Status = StatusClosed
	delete(l.open, id)
	l.closed = append(l.closed, pos)
	return pos, nil
}

// DailyPnlPct 跨 UTC 日期时先把日初余额重置为当前余额，再计算当日盈亏。
func (l *Ledger) DailyPnlPct() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	today := l.now().Format(dayLayout)
	if today != l.lastDailyResetDate {
		l.dailyStartBalance = l.balance
		l.lastDailyResetDate = today
	}
	return pct(l.balance, l.dailyStartBalance)
}

func (l *Ledger) TotalPnlPct() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return pct(l.balance, l.initialBalance)
}

func pct(current, base float64) float64 {
	if base == 0 {
		return 0
	}
	return (current - base) / base * 100
}

func sortedOpen(open map[string]*Position) []Position {
	out := make([]Position, 0, len(open))
	for _, p := range open {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}
