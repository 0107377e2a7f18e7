package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/decision"
	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/market"
	"github.com/jan-miksik/heppy-market-sub000/internal/notify"
	"github.com/jan-miksik/heppy-market-sub000/internal/oracle"
	"github.com/jan-miksik/heppy-market-sub000/internal/paper"
	"github.com/jan-miksik/heppy-market-sub000/internal/risk"
	"github.com/jan-miksik/heppy-market-sub000/internal/scheduler"
	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"

	"github.com/google/uuid"
)

const purposeAgentDecision = "agent_decision"

// Deps agent tick 依赖的外部协作者。
type Deps struct {
	Store    store.Store
	Market   market.Provider
	Oracle   oracle.DecisionOracle
	Defaults Config
	Notifier notify.Notifier
	NowFn    func() time.Time
	NewID    func() string
}

func (d Deps) now() time.Time {
	if d.NowFn != nil {
		return d.NowFn()
	}
	return time.Now()
}

func (d Deps) id() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}

// Runner 单个 agent 的 tick 体，是其账本的唯一修改者。
type Runner struct {
	deps    Deps
	agentID string
}

func NewRunner(agentID string, deps Deps) *Runner {
	return &Runner{deps: deps, agentID: agentID}
}

// Tick 风控检查先于新交易；账本与绩效快照在 defer 中落盘，cycle panic 时也不会丢失已平仓位。
func (r *Runner) Tick(ctx context.Context, run scheduler.Run) (err error) {
	agent, loadErr := r.deps.Store.GetAgent(ctx, r.agentID)
	if errors.Is(loadErr, store.ErrNotFound) {
		logger.Warnf("agent %s no longer exists, stopping loop", r.agentID)
		return scheduler.Halt(scheduler.StatusStopped, "not_found")
	}
	if loadErr != nil {
		return fmt.Errorf("load agent %s: %w", r.agentID, loadErr)
	}
	if !run.Forced && agent.Status != string(scheduler.StatusRunning) {
		logger.Infof("agent %s status is %s, skipping cycle", agent.ID, agent.Status)
		return nil
	}
	cfg, err := Decode(agent.Config, r.deps.Defaults)
	if err != nil {
		return err
	}
	ledger, err := loadLedger(ctx, r.deps.Store, agent.ID, cfg)
	if err != nil {
		return err
	}
	ledger.WithClock(r.deps.now)

	defer func() {
		if perr := r.persist(ctx, agent.ID, ledger); perr != nil {
			logger.Errorf("agent %s persist ledger: %v", agent.ID, perr)
			if err == nil {
				err = perr
			}
		}
	}()
	return r.cycle(ctx, agent, cfg, ledger)
}

func (r *Runner) cycle(ctx context.Context, agent *model.Agent, cfg Config, ledger *paper.Ledger) error {
	now := r.deps.now()
	key := store.AgentKey(agent.ID)

	if daily := ledger.DailyPnlPct(); risk.DailyLossBreached(daily, cfg.MaxDailyLossPct) {
		reason := fmt.Sprintf("daily loss limit breached: %.2f%% <= -%.2f%%, agent paused", daily, cfg.MaxDailyLossPct)
		logger.Warnf("agent %s %s", agent.ID, reason)
		if err := r.deps.Store.UpdateAgentStatus(ctx, agent.ID, string(scheduler.StatusPaused)); err != nil {
			logger.Errorf("agent %s pause: %v", agent.ID, err)
		}
		r.recordHold(ctx, agent.ID, "", reason)
		r.notify(ctx, notify.Message{
			Icon:     "⏸",
			Title:    "daily loss limit",
			Sections: []notify.Section{{Title: "agent " + agent.ID, Lines: []string{reason}}},
		})
		return scheduler.Halt(scheduler.StatusPaused, "daily_loss_limit")
	}

	sched, err := r.deps.Store.GetSchedule(ctx, key)
	if err != nil {
		logger.Warnf("agent %s load schedule for cooldown check: %v", agent.ID, err)
	} else if risk.CooldownActive(now, sched.CooldownUntil) {
		logger.Infof("agent %s in cooldown until %s, skipping trading", agent.ID, sched.CooldownUntil.UTC().Format(time.RFC3339))
		return nil
	}

	snapshots := market.Collect(ctx, r.deps.Market, unionPairs(cfg.Pairs, ledger.OpenPositions()))
	prices := make(decision.PriceBook, len(snapshots))
	for _, s := range snapshots {
		prices.Set(s.Pair, s.PriceUSD)
	}

	r.enforceExits(ctx, agent.ID, cfg, ledger, prices)

	var marketCtx []market.Snapshot
	for _, s := range snapshots {
		if containsPair(cfg.Pairs, s.Pair) {
			marketCtx = append(marketCtx, s)
		}
	}
	if len(marketCtx) == 0 {
		r.recordHold(ctx, agent.ID, "", fmt.Sprintf("no market data available for %s", strings.Join(cfg.Pairs, ", ")))
		return nil
	}

	recent, err := r.deps.Store.RecentDecisions(ctx, agent.ID, cfg.RecentDecisions)
	if err != nil {
		logger.Warnf("agent %s recent decisions: %v", agent.ID, err)
	}
	sys, user, err := buildPrompt(cfg, promptData{
		Config:      cfg,
		Stats:       ledger.Stats(),
		DailyPnlPct: ledger.DailyPnlPct(),
		Open:        ledger.OpenPositions(),
		Market:      marketCtx,
		Recent:      recent,
	})
	if err != nil {
		return err
	}
	d, reply, err := r.deps.Oracle.RequestDecision(ctx, oracle.Request{
		Purpose:       purposeAgentDecision,
		Model:         cfg.Model,
		SystemPrompt:  sys,
		UserPrompt:    user,
		AllowFallback: cfg.AllowFallback,
	})
	if err != nil {
		reason := "oracle unavailable: " + err.Error()
		if strings.TrimSpace(reply.Text) != "" {
			reason = "model output unusable: " + err.Error()
		}
		logger.Warnf("agent %s %s", agent.ID, reason)
		r.recordHold(ctx, agent.ID, reply.Model, reason)
		return nil
	}

	rec := &model.Decision{
		ID:               r.deps.id(),
		AgentID:          agent.ID,
		Action:           string(d.Action),
		Confidence:       d.Confidence,
		Reasoning:        d.Reasoning,
		TargetPair:       d.TargetPair,
		SuggestedSizePct: d.SuggestedPositionSizePct,
		Model:            reply.Model,
		CreatedAt:        r.deps.now(),
	}
	if err := r.deps.Store.InsertDecision(ctx, rec); err != nil {
		return fmt.Errorf("persist decision: %w", err)
	}

	validator := decision.Validator{
		Bounds: decision.Bounds{
			MaxOpenPositions:       cfg.MaxOpenPositions,
			MaxPositionSizePct:     cfg.MaxPositionSizePct,
			DefaultPositionSizePct: cfg.DefaultPositionSizePct,
		},
		Venue:    cfg.Venue,
		Strategy: cfg.Strategy,
	}
	result := validator.Apply(d, ledger, prices, cfg.Pairs)
	if result.Opened != nil {
		r.saveTrade(ctx, *result.Opened)
	}
	for _, pos := range result.Closed {
		r.saveTrade(ctx, pos)
	}
	summary := result.Summary()
	logger.Infof("agent %s decision %s (%.2f): %s", agent.ID, d.Action, d.Confidence, summary)
	if err := r.deps.Store.SetDecisionOutcome(ctx, rec.ID, summary); err != nil {
		logger.Warnf("agent %s decision outcome: %v", agent.ID, err)
	}
	return nil
}

// enforceExits 每个仓位先判止损再判止盈；止损同时设置冷却期。
func (r *Runner) enforceExits(ctx context.Context, agentID string, cfg Config, ledger *paper.Ledger, prices decision.PriceBook) {
	for _, pos := range ledger.OpenPositions() {
		price, ok := prices.Get(pos.Pair)
		if !ok {
			logger.Warnf("agent %s: no price for open position %s (%s)", agentID, pos.ID, pos.Pair)
			continue
		}
		if risk.StopLossTriggered(pos, price, cfg.StopLossPct) {
			closed, err := ledger.StopOut(pos.ID, price)
			if err != nil {
				logger.Errorf("agent %s stop out %s: %v", agentID, pos.ID, err)
				continue
			}
			r.saveTrade(ctx, closed)
			until := risk.CooldownUntil(r.deps.now(), cfg.CooldownMinutes)
			if err := r.deps.Store.SetCooldown(ctx, store.AgentKey(agentID), until); err != nil {
				logger.Errorf("agent %s set cooldown: %v", agentID, err)
			}
			logger.Warnf("agent %s stop loss %s %s @ %.6g pnl %.2f%%", agentID, closed.Pair, closed.Side, price, closed.Exit.PnlPct)
			r.notify(ctx, exitMessage("🛑", "stop loss", agentID, closed, price))
			continue
		}
		if risk.TakeProfitTriggered(pos, price, cfg.TakeProfitPct) {
			closed, err := ledger.Close(pos.ID, price, paper.CloseOptions{Reason: "take profit"})
			if err != nil {
				logger.Errorf("agent %s take profit %s: %v", agentID, pos.ID, err)
				continue
			}
			r.saveTrade(ctx, closed)
			logger.Infof("agent %s take profit %s %s @ %.6g pnl %.2f%%", agentID, closed.Pair, closed.Side, price, closed.Exit.PnlPct)
			r.notify(ctx, exitMessage("✅", "take profit", agentID, closed, price))
		}
	}
}

func exitMessage(icon, title, agentID string, pos paper.Position, price float64) notify.Message {
	return notify.Message{
		Icon:  icon,
		Title: title,
		Sections: []notify.Section{{
			Title: "agent " + agentID,
			Lines: []string{
				fmt.Sprintf("%s %s", pos.Pair, pos.Side),
				fmt.Sprintf("exit @ %.6g", price),
				fmt.Sprintf("pnl %.2f%%", pos.Exit.PnlPct),
			},
		}},
	}
}

// notify 推送失败只记日志，不影响 tick。
func (r *Runner) notify(ctx context.Context, msg notify.Message) {
	if r.deps.Notifier == nil {
		return
	}
	msg.Timestamp = r.deps.now()
	if err := r.deps.Notifier.SendText(ctx, msg.Markdown()); err != nil {
		logger.Warnf("agent %s notify %q: %v", r.agentID, msg.Title, err)
	}
}

func (r *Runner) recordHold(ctx context.Context, agentID, modelName, reason string) {
	d := decision.Hold(reason)
	rec := &model.Decision{
		ID:        r.deps.id(),
		AgentID:   agentID,
		Action:    string(d.Action),
		Reasoning: d.Reasoning,
		Model:     modelName,
		Outcome:   string(decision.ResultHold),
		CreatedAt: r.deps.now(),
	}
	if err := r.deps.Store.InsertDecision(ctx, rec); err != nil {
		logger.Errorf("agent %s record hold: %v", agentID, err)
	}
}

func (r *Runner) saveTrade(ctx context.Context, pos paper.Position) {
	if err := r.deps.Store.SaveTrade(ctx, TradeFromPosition(pos)); err != nil {
		logger.Errorf("agent %s save trade %s: %v", pos.AgentID, pos.ID, err)
	}
}

func (r *Runner) persist(ctx context.Context, agentID string, ledger *paper.Ledger) error {
	ctx = context.WithoutCancel(ctx)
	data, err := ledger.Serialize()
	if err != nil {
		return err
	}
	if err := r.deps.Store.SaveLedger(ctx, agentID, data); err != nil {
		return err
	}
	st := ledger.Stats()
	return r.deps.Store.InsertPerformance(ctx, &model.Performance{
		ID:             r.deps.id(),
		AgentID:        agentID,
		Balance:        st.Balance,
		TotalPnlPct:    st.TotalPnlPct,
		DailyPnlPct:    ledger.DailyPnlPct(),
		RealizedPnlUSD: st.RealizedPnlUSD,
		WinRate:        st.WinRate,
		TotalTrades:    st.TotalTrades,
		OpenPositions:  st.OpenPositions,
		CreatedAt:      r.deps.now(),
	})
}

func loadLedger(ctx context.Context, s store.LedgerRepository, agentID string, cfg Config) (*paper.Ledger, error) {
	data, err := s.LoadLedger(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return paper.NewLedger(agentID, cfg.InitialBalance, cfg.Slippage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", agentID, err)
	}
	ledger, err := paper.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w", agentID, err)
	}
	return ledger, nil
}

// TradeFromPosition 仓位到 trades 表行的映射。
func TradeFromPosition(pos paper.Position) *model.Trade {
	t := &model.Trade{
		ID:                  pos.ID,
		AgentID:             pos.AgentID,
		Pair:                pos.Pair,
		Venue:               pos.Venue,
		Side:                string(pos.Side),
		Status:              string(pos.Status),
		EntryPrice:          pos.EntryPrice,
		EffectiveEntryPrice: pos.EffectiveEntryPrice,
		AmountUSD:           pos.AmountUSD,
		Quantity:            pos.Quantity,
		Confidence:          pos.Confidence,
		Reasoning:           pos.Reasoning,
		Slippage:            pos.Slippage,
		OpenedAt:            pos.OpenedAt,
	}
	if pos.Exit != nil {
		exit := *pos.Exit
		t.ExitPrice = &exit.Price
		t.EffectiveExitPrice = &exit.EffectivePrice
		t.PnlPct = &exit.PnlPct
		t.PnlUSD = &exit.PnlUSD
		t.CloseReason = exit.Reason
		t.ClosedAt = &exit.ClosedAt
	}
	return t
}

func unionPairs(pairs []string, open []paper.Position) []string {
	seen := make(map[string]struct{}, len(pairs)+len(open))
	out := make([]string, 0, len(pairs)+len(open))
	add := func(p string) {
		k := strings.ToUpper(strings.TrimSpace(p))
		if k == "" {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, strings.TrimSpace(p))
	}
	for _, p := range pairs {
		add(p)
	}
	extra := make([]string, 0, len(open))
	for _, pos := range open {
		extra = append(extra, pos.Pair)
	}
	sort.Strings(extra)
	for _, p := range extra {
		add(p)
	}
	return out
}

func containsPair(pairs []string, pair string) bool {
	for _, p := range pairs {
		if strings.EqualFold(strings.TrimSpace(p), strings.TrimSpace(pair)) {
			return true
		}
	}
	return false
}
