package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/oracle"
	"github.com/jan-miksik/heppy-market-sub000/internal/paper"
	"github.com/jan-miksik/heppy-market-sub000/internal/scheduler"
	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"
)

// Registry 按 agent id 管理调度循环，是生命周期与配置变更的唯一入口。
type Registry struct {
	ctx    context.Context
	deps   Deps
	alarm  scheduler.Alarm
	opts   scheduler.Options
	policy *oracle.ModelPolicy

	mu    sync.Mutex
	loops map[string]*scheduler.Loop
}

func NewRegistry(ctx context.Context, deps Deps, alarm scheduler.Alarm, opts scheduler.Options, policy *oracle.ModelPolicy) *Registry {
	if policy == nil {
		policy = oracle.NewModelPolicy(deps.Defaults.Model, nil)
	}
	return &Registry{
		ctx:    ctx,
		deps:   deps,
		alarm:  alarm,
		opts:   opts,
		policy: policy,
		loops:  make(map[string]*scheduler.Loop),
	}
}

// View 状态查询结果。
type View struct {
	Agent    *model.Agent    `json:"agent"`
	Config   Config          `json:"config"`
	Schedule *model.Schedule `json:"schedule,omitempty"`
}

// Change 配置变更结果；ModelSubstituted 非空表示请求的模型不在白名单内被替换。
type Change struct {
	Config           Config   `json:"config"`
	Ignored          []string `json:"ignored,omitempty"`
	ModelSubstituted string   `json:"model_substituted,omitempty"`
}

type CreateRequest struct {
	ID        string
	Name      string
	ManagerID string
	Params    map[string]any
	Start     bool
}

func (r *Registry) loop(id string, cfg Config) *scheduler.Loop {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loops[id]
	if !ok {
		runner := NewRunner(id, r.deps)
		l = scheduler.NewLoop(r.ctx, store.AgentKey(id), r.deps.Store, r.alarm, cfg.Interval(), runner.Tick, r.opts)
		if r.deps.NowFn != nil {
			l.WithClock(r.deps.NowFn)
		}
		r.loops[id] = l
		return l
	}
	l.SetInterval(cfg.Interval())
	return l
}

func (r *Registry) load(ctx context.Context, id string) (*model.Agent, Config, error) {
	a, err := r.deps.Store.GetAgent(ctx, id)
	if err != nil {
		return nil, Config{}, err
	}
	cfg, err := Decode(a.Config, r.deps.Defaults)
	if err != nil {
		return nil, Config{}, err
	}
	return a, cfg, nil
}

// constrainModel 把不在白名单内的模型替换为默认模型。
func (r *Registry) constrainModel(cfg *Config) string {
	resolved, substituted := r.policy.Resolve(cfg.Model)
	requested := cfg.Model
	cfg.Model = resolved
	if substituted {
		logger.Warnf("model %q not in allow-list, using %q", requested, resolved)
		return requested
	}
	return ""
}

func (r *Registry) Create(ctx context.Context, req CreateRequest) (*model.Agent, Change, error) {
	cfg, ignored, err := Merge(r.deps.Defaults, req.Params)
	if err != nil {
		return nil, Change{}, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	change := Change{Ignored: ignored, ModelSubstituted: r.constrainModel(&cfg)}
	if err := cfg.Validate(); err != nil {
		return nil, change, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	change.Config = cfg
	raw, err := cfg.Encode()
	if err != nil {
		return nil, change, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = r.deps.id()
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "agent-" + id[:min(8, len(id))]
	}
	a := &model.Agent{
		ID:        id,
		Name:      name,
		ManagerID: req.ManagerID,
		Status:    string(scheduler.StatusStopped),
		Config:    raw,
		CreatedAt: r.deps.now(),
		UpdatedAt: r.deps.now(),
	}
	if err := r.deps.Store.CreateAgent(ctx, a); err != nil {
		return nil, change, fmt.Errorf("create agent: %w", err)
	}
	ledger := paper.NewLedger(id, cfg.InitialBalance, cfg.Slippage)
	if data, err := ledger.Serialize(); err == nil {
		if err := r.deps.Store.SaveLedger(ctx, id, data); err != nil {
			logger.Warnf("agent %s initial ledger: %v", id, err)
		}
	}
	if err := r.loop(id, cfg).Ensure(ctx); err != nil {
		return nil, change, err
	}
	logger.Infof("agent %s created (%s) pairs=%v model=%s manager=%q", id, name, cfg.Pairs, cfg.Model, req.ManagerID)
	if req.Start {
		if err := r.Start(ctx, id); err != nil {
			return a, change, err
		}
		a.Status = string(scheduler.StatusRunning)
	}
	return a, change, nil
}

func (r *Registry) Start(ctx context.Context, id string) error {
	_, cfg, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if err := r.loop(id, cfg).Start(ctx); err != nil {
		return err
	}
	return r.deps.Store.UpdateAgentStatus(ctx, id, string(scheduler.StatusRunning))
}

func (r *Registry) Pause(ctx context.Context, id, reason string) error {
	return r.halt(ctx, id, scheduler.StatusPaused, reason)
}

func (r *Registry) Stop(ctx context.Context, id, reason string) error {
	return r.halt(ctx, id, scheduler.StatusStopped, reason)
}

func (r *Registry) halt(ctx context.Context, id string, status scheduler.Status, reason string) error {
	_, cfg, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	l := r.loop(id, cfg)
	if status == scheduler.StatusPaused {
		err = l.Pause(ctx, reason)
	} else {
		err = l.Stop(ctx, reason)
	}
	if err != nil {
		return err
	}
	return r.deps.Store.UpdateAgentStatus(ctx, id, string(status))
}

// Trigger 手动触发一次决策，不要求 agent 处于 running。
func (r *Registry) Trigger(ctx context.Context, id string) error {
	_, cfg, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	return r.loop(id, cfg).Trigger(ctx)
}

// Status 读取状态，同时触发丢失唤醒的自愈。
func (r *Registry) Status(ctx context.Context, id string) (*View, error) {
	a, cfg, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	sched, err := r.loop(id, cfg).Status(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &View{Agent: a, Config: cfg, Schedule: sched}, nil
}

func (r *Registry) List(ctx context.Context) ([]View, error) {
	agents, err := r.deps.Store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(agents))
	for _, a := range agents {
		view, err := r.Status(ctx, a.ID)
		if err != nil {
			logger.Warnf("agent %s status: %v", a.ID, err)
			continue
		}
		out = append(out, *view)
	}
	return out, nil
}

// UpdateConfig 浅合并 params，模型受白名单约束，新间隔在下一次排期生效。
func (r *Registry) UpdateConfig(ctx context.Context, id string, params map[string]any) (Change, error) {
	_, cfg, err := r.load(ctx, id)
	if err != nil {
		return Change{}, err
	}
	merged, ignored, err := Merge(cfg, params)
	if err != nil {
		return Change{}, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	change := Change{Ignored: ignored}
	if merged.Model != cfg.Model {
		change.ModelSubstituted = r.constrainModel(&merged)
	}
	if err := merged.Validate(); err != nil {
		return change, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	raw, err := merged.Encode()
	if err != nil {
		return change, err
	}
	if err := r.deps.Store.UpdateAgentConfig(ctx, id, raw); err != nil {
		return change, err
	}
	r.loop(id, merged)
	change.Config = merged
	return change, nil
}

// Reset 停止循环并以初始资金重建账本；有决策在进行中时返回 scheduler.ErrConflict。
func (r *Registry) Reset(ctx context.Context, id string) error {
	_, cfg, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	l := r.loop(id, cfg)
	if err := l.Ensure(ctx); err != nil {
		return err
	}
	return l.Exclusive(ctx, func(ctx context.Context) error {
		if err := r.halt(ctx, id, scheduler.StatusStopped, "reset"); err != nil {
			return err
		}
		if err := r.deps.Store.DeleteLedger(ctx, id); err != nil {
			return err
		}
		data, err := paper.NewLedger(id, cfg.InitialBalance, cfg.Slippage).Serialize()
		if err != nil {
			return err
		}
		if err := r.deps.Store.SetCooldown(ctx, store.AgentKey(id), nil); err != nil {
			logger.Warnf("agent %s clear cooldown: %v", id, err)
		}
		if err := r.deps.Store.SaveLedger(ctx, id, data); err != nil {
			return err
		}
		logger.Infof("agent %s reset to %.2f", id, cfg.InitialBalance)
		return nil
	})
}

// Delete 停止并删除 agent 及其账本与调度记录，决策与成交历史保留。
func (r *Registry) Delete(ctx context.Context, id string) error {
	_, cfg, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	l := r.loop(id, cfg)
	if err := l.Ensure(ctx); err != nil {
		return err
	}
	err = l.Exclusive(ctx, func(ctx context.Context) error {
		if err := r.halt(ctx, id, scheduler.StatusStopped, "delete"); err != nil {
			return err
		}
		if err := r.deps.Store.DeleteAgent(ctx, id); err != nil {
			return err
		}
		return r.deps.Store.DeleteSchedule(ctx, store.AgentKey(id))
	})
	if err != nil {
		return err
	}
	l.Forget()
	r.mu.Lock()
	delete(r.loops, id)
	r.mu.Unlock()
	logger.Infof("agent %s deleted", id)
	return nil
}

func (r *Registry) Unlink(ctx context.Context, id string) error {
	return r.deps.Store.SetAgentManager(ctx, id, "")
}

// Restore 进程启动时为每个 agent 建立循环并恢复 running 的唤醒。
func (r *Registry) Restore(ctx context.Context) error {
	agents, err := r.deps.Store.ListAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range agents {
		cfg, err := Decode(a.Config, r.deps.Defaults)
		if err != nil {
			logger.Errorf("agent %s: %v", a.ID, err)
			continue
		}
		l := r.loop(a.ID, cfg)
		if err := l.Ensure(ctx); err != nil {
			logger.Errorf("agent %s ensure schedule: %v", a.ID, err)
			continue
		}
		if err := l.Restore(ctx); err != nil {
			logger.Errorf("agent %s restore: %v", a.ID, err)
		}
	}
	return nil
}

// Heal 读取所有 running 循环的状态，借此触发自愈。
func (r *Registry) Heal(ctx context.Context) {
	scheds, err := r.deps.Store.ListSchedules(ctx, model.OwnerAgent, string(scheduler.StatusRunning))
	if err != nil {
		logger.Warnf("agent heal sweep: %v", err)
		return
	}
	for _, s := range scheds {
		if _, err := r.Status(ctx, s.OwnerID); err != nil {
			logger.Warnf("agent %s heal: %v", s.OwnerID, err)
		}
	}
}

// Wait 等待所有进行中的 tick。
func (r *Registry) Wait() {
	r.mu.Lock()
	loops := make([]*scheduler.Loop, 0, len(r.loops))
	for _, l := range r.loops {
		loops = append(loops, l)
	}
	r.mu.Unlock()
	for _, l := range loops {
		l.Wait()
	}
}

func (r *Registry) Get(ctx context.Context, id string) (*model.Agent, error) {
	return r.deps.Store.GetAgent(ctx, id)
}
