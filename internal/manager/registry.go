package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/oracle"
	"github.com/jan-miksik/heppy-market-sub000/internal/scheduler"
	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"
)

// Registry 按 manager id 管理调度循环。
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

type View struct {
	Manager  *model.Manager  `json:"manager"`
	Config   Config          `json:"config"`
	Agents   []string        `json:"agents"`
	Schedule *model.Schedule `json:"schedule,omitempty"`
}

type CreateRequest struct {
	ID     string
	Name   string
	Params map[string]any
	Start  bool
}

func (r *Registry) loop(id string, cfg Config) *scheduler.Loop {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loops[id]
	if !ok {
		runner := NewRunner(id, r.deps)
		l = scheduler.NewLoop(r.ctx, store.ManagerKey(id), r.deps.Store, r.alarm, cfg.Interval(), runner.Tick, r.opts)
		if r.deps.NowFn != nil {
			l.WithClock(r.deps.NowFn)
		}
		r.loops[id] = l
		return l
	}
	l.SetInterval(cfg.Interval())
	return l
}

func (r *Registry) load(ctx context.Context, id string) (*model.Manager, Config, error) {
	m, err := r.deps.Store.GetManager(ctx, id)
	if err != nil {
		return nil, Config{}, err
	}
	cfg, err := DecodeConfig(m.Config, r.deps.Defaults)
	if err != nil {
		return nil, Config{}, err
	}
	return m, cfg, nil
}

func (r *Registry) Create(ctx context.Context, req CreateRequest) (*model.Manager, error) {
	cfg, err := MergeConfig(r.deps.Defaults, req.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	if resolved, substituted := r.policy.Resolve(cfg.Model); substituted {
		logger.Warnf("manager model %q not in allow-list, using %q", cfg.Model, resolved)
		cfg.Model = resolved
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	raw, err := cfg.Encode()
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = r.deps.id()
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "manager-" + id[:min(8, len(id))]
	}
	m := &model.Manager{
		ID:     id,
		Name:   name,
		Status: string(scheduler.StatusStopped),
		Config: raw,
		Memory: []byte("{}"),
	}
	if err := r.deps.Store.CreateManager(ctx, m); err != nil {
		return nil, fmt.Errorf("create manager: %w", err)
	}
	if err := r.loop(id, cfg).Ensure(ctx); err != nil {
		return nil, err
	}
	logger.Infof("manager %s created (%s) model=%s interval=%s", id, name, cfg.Model, cfg.DecisionInterval)
	if req.Start {
		if err := r.Start(ctx, id); err != nil {
			return m, err
		}
		m.Status = string(scheduler.StatusRunning)
	}
	return m, nil
}

func (r *Registry) Start(ctx context.Context, id string) error {
	_, cfg, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if err := r.loop(id, cfg).Start(ctx); err != nil {
		return err
	}
	return r.deps.Store.UpdateManagerStatus(ctx, id, string(scheduler.StatusRunning))
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
	return r.deps.Store.UpdateManagerStatus(ctx, id, string(status))
}

func (r *Registry) Trigger(ctx context.Context, id string) error {
	_, cfg, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	return r.loop(id, cfg).Trigger(ctx)
}

func (r *Registry) Status(ctx context.Context, id string) (*View, error) {
	m, cfg, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	sched, err := r.loop(id, cfg).Status(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	agents, err := r.deps.Store.ListAgentsByManager(ctx, id)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	return &View{Manager: m, Config: cfg, Agents: ids, Schedule: sched}, nil
}

func (r *Registry) List(ctx context.Context) ([]View, error) {
	managers, err := r.deps.Store.ListManagers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(managers))
	for _, m := range managers {
		view, err := r.Status(ctx, m.ID)
		if err != nil {
			logger.Warnf("manager %s status: %v", m.ID, err)
			continue
		}
		out = append(out, *view)
	}
	return out, nil
}

// Delete 停止 manager 并删除记录；所属 agent 只解除关联，不会被删除或停止。
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
		if err := r.deps.Store.DeleteManager(ctx, id); err != nil {
			return err
		}
		return r.deps.Store.DeleteSchedule(ctx, store.ManagerKey(id))
	})
	if err != nil {
		return err
	}
	l.Forget()
	r.mu.Lock()
	delete(r.loops, id)
	r.mu.Unlock()
	logger.Infof("manager %s deleted, agents unlinked", id)
	return nil
}

// Memory 返回持久化的记忆文档原文。
func (r *Registry) Memory(ctx context.Context, id string) ([]byte, error) {
	return r.deps.Store.LoadMemory(ctx, id)
}

func (r *Registry) Logs(ctx context.Context, id string, limit int) ([]model.AuditLog, error) {
	if _, err := r.deps.Store.GetManager(ctx, id); err != nil {
		return nil, err
	}
	return r.deps.Store.RecentAudit(ctx, id, limit)
}

func (r *Registry) Restore(ctx context.Context) error {
	managers, err := r.deps.Store.ListManagers(ctx)
	if err != nil {
		return err
	}
	for _, m := range managers {
		cfg, err := DecodeConfig(m.Config, r.deps.Defaults)
		if err != nil {
			logger.Errorf("manager %s: %v", m.ID, err)
			continue
		}
		l := r.loop(m.ID, cfg)
		if err := l.Ensure(ctx); err != nil {
			logger.Errorf("manager %s ensure schedule: %v", m.ID, err)
			continue
		}
		if err := l.Restore(ctx); err != nil {
			logger.Errorf("manager %s restore: %v", m.ID, err)
		}
	}
	return nil
}

func (r *Registry) Heal(ctx context.Context) {
	scheds, err := r.deps.Store.ListSchedules(ctx, model.OwnerManager, string(scheduler.StatusRunning))
	if err != nil {
		logger.Warnf("manager heal sweep: %v", err)
		return
	}
	for _, s := range scheds {
		if _, err := r.Status(ctx, s.OwnerID); err != nil {
			logger.Warnf("manager %s heal: %v", s.OwnerID, err)
		}
	}
}

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
