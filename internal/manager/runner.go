// Package manager 实现 manager 的评估循环：汇总所属 agent 的表现与行情，
// 请求模型给出一组指令，逐条执行并写审计日志。
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/market"
	"github.com/jan-miksik/heppy-market-sub000/internal/oracle"
	"github.com/jan-miksik/heppy-market-sub000/internal/scheduler"
	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const purposeManagerDecision = "manager_decision"

const (
	defaultMaxInstruments = 5
	defaultRecentTrades   = 10
)

type Deps struct {
	Store    store.Store
	Agents   AgentController
	Market   market.Provider
	Oracle   oracle.DecisionOracle
	Defaults Config
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

// Runner 单个 manager 的 tick 体。不直接修改任何 agent 的账本。
type Runner struct {
	deps      Deps
	managerID string
}

func NewRunner(managerID string, deps Deps) *Runner {
	return &Runner{deps: deps, managerID: managerID}
}

func (r *Runner) Tick(ctx context.Context, run scheduler.Run) error {
	mgr, err := r.deps.Store.GetManager(ctx, r.managerID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warnf("manager %s no longer exists, stopping loop", r.managerID)
		return scheduler.Halt(scheduler.StatusStopped, "not_found")
	}
	if err != nil {
		return fmt.Errorf("load manager %s: %w", r.managerID, err)
	}
	if !run.Forced && mgr.Status != string(scheduler.StatusRunning) {
		logger.Infof("manager %s status is %s, skipping cycle", mgr.ID, mgr.Status)
		return nil
	}
	cfg, err := DecodeConfig(mgr.Config, r.deps.Defaults)
	if err != nil {
		return err
	}

	agents, err := r.deps.Store.ListAgentsByManager(ctx, mgr.ID)
	if err != nil {
		return fmt.Errorf("list agents of %s: %w", mgr.ID, err)
	}
	snapshots := r.snapshotAgents(ctx, agents, cfg)
	marketCtx := market.Collect(ctx, r.deps.Market, instruments(snapshots, limitOr(cfg.MaxInstruments, defaultMaxInstruments)))

	raw, err := r.deps.Store.LoadMemory(ctx, mgr.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warnf("manager %s load memory: %v", mgr.ID, err)
	}
	mem, err := ParseMemory(raw)
	if err != nil {
		logger.Warnf("manager %s memory unreadable, starting fresh: %v", mgr.ID, err)
		mem, _ = ParseMemory(nil)
	}

	decisions := r.decide(ctx, cfg, snapshots, marketCtx, mem)
	exec := &executor{
		managerID: mgr.ID,
		agents:    r.deps.Agents,
		memory:    mem,
		nowFn:     r.deps.now,
		maxAgents: cfg.MaxAgents,
		managed:   len(agents),
	}
	for _, d := range decisions {
		out := exec.execute(ctx, d)
		level := logger.Infof
		if !out.Success {
			level = logger.Warnf
		}
		level("manager %s %s %s: %s", mgr.ID, d.Action, d.AgentID, out.Summary)
		r.audit(ctx, mgr.ID, out)
	}

	now := r.deps.now().UTC()
	mem.LastEvaluationAt = &now
	data, err := mem.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}
	if err := r.deps.Store.SaveMemory(context.WithoutCancel(ctx), mgr.ID, data); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// decide 预言机失败或缺少凭据时退化为单条 hold，不让本轮失败。
func (r *Runner) decide(ctx context.Context, cfg Config, agents []AgentSnapshot, snaps []market.Snapshot, mem *Memory) []Decision {
	sys, user, err := buildPrompt(cfg, agents, snaps, mem)
	if err != nil {
		return []Decision{Hold("prompt unavailable: " + err.Error())}
	}
	reply, err := r.deps.Oracle.RequestFreeformText(ctx, oracle.Request{
		Purpose:       purposeManagerDecision,
		Model:         cfg.Model,
		SystemPrompt:  sys,
		UserPrompt:    user,
		AllowFallback: cfg.AllowFallback,
	})
	if errors.Is(err, oracle.ErrMissingCredentials) {
		return []Decision{Hold("oracle credentials missing, holding")}
	}
	if err != nil {
		return []Decision{Hold("oracle unavailable: " + err.Error())}
	}
	return ParseDecisions(reply.Text, cfg.PreviewChars)
}

// snapshotAgents 只读取绩效与成交记录。
func (r *Runner) snapshotAgents(ctx context.Context, agents []model.Agent, cfg Config) []AgentSnapshot {
	limit := limitOr(cfg.RecentTrades, defaultRecentTrades)
	out := make([]AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		snap := AgentSnapshot{
			ID:     a.ID,
			Name:   a.Name,
			Status: a.Status,
			Model:  gjson.GetBytes(a.Config, "model").String(),
		}
		for _, p := range gjson.GetBytes(a.Config, "pairs").Array() {
			if s := strings.TrimSpace(p.String()); s != "" {
				snap.Pairs = append(snap.Pairs, s)
			}
		}
		if perf, err := r.deps.Store.LatestPerformance(ctx, a.ID); err == nil {
			snap.Performance = perf
		} else if !errors.Is(err, store.ErrNotFound) {
			logger.Warnf("manager %s: performance of %s: %v", r.managerID, a.ID, err)
		}
		if trades, err := r.deps.Store.RecentTrades(ctx, a.ID, limit); err == nil {
			snap.Trades = trades
		} else {
			logger.Warnf("manager %s: trades of %s: %v", r.managerID, a.ID, err)
		}
		out = append(out, snap)
	}
	return out
}

func (r *Runner) audit(ctx context.Context, managerID string, out Outcome) {
	entry := &model.AuditLog{
		ID:            r.deps.id(),
		ManagerID:     managerID,
		Action:        string(out.Decision.Action),
		AgentID:       out.Decision.AgentID,
		Reasoning:     out.Decision.Reasoning,
		ResultSummary: out.Summary,
		Success:       out.Success,
		CreatedAt:     r.deps.now(),
	}
	if err := r.deps.Store.InsertAudit(context.WithoutCancel(ctx), entry); err != nil {
		logger.Errorf("manager %s audit: %v", managerID, err)
	}
}

// instruments 所有 agent 交易对的并集，按出现顺序截断到 limit。
func instruments(agents []AgentSnapshot, limit int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range agents {
		for _, p := range a.Pairs {
			k := strings.ToUpper(p)
			if _, ok := seen[k]; ok {
				continue
			}
			if len(out) >= limit {
				return out
			}
			seen[k] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func limitOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
