package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/agent"
	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/scheduler"
	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"
)

// AgentController 是 manager 能对 agent 发出的全部指令；*agent.Registry 实现该接口。
type AgentController interface {
	Get(ctx context.Context, id string) (*model.Agent, error)
	Create(ctx context.Context, req agent.CreateRequest) (*model.Agent, agent.Change, error)
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id, reason string) error
	Stop(ctx context.Context, id, reason string) error
	UpdateConfig(ctx context.Context, id string, params map[string]any) (agent.Change, error)
	Unlink(ctx context.Context, id string) error
}

var _ AgentController = (*agent.Registry)(nil)

var errNotManaged = errors.New("agent is not managed by this manager")

// Outcome 单条决策的执行结果，逐条写入审计日志。
type Outcome struct {
	Decision Decision
	Success  bool
	Summary  string
}

type executor struct {
	managerID string
	agents    AgentController
	memory    *Memory
	nowFn     func() time.Time
	// maxAgents <= 0 不限制；managed 为本轮开始时的所属 agent 数，随 create/terminate 更新。
	maxAgents int
	managed   int
}

// execute 每条决策独立执行；失败以 Outcome 返回，不会中断后续决策。
func (e *executor) execute(ctx context.Context, d Decision) (out Outcome) {
	out.Decision = d
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("manager %s: %s panicked: %v", e.managerID, d.Action, r)
			out.Success = false
			out.Summary = fmt.Sprintf("panic: %v", r)
		}
	}()
	summary, err := e.dispatch(ctx, d)
	if err != nil {
		out.Summary = err.Error()
		return out
	}
	out.Success = true
	out.Summary = summary
	return out
}

func (e *executor) dispatch(ctx context.Context, d Decision) (string, error) {
	switch d.Action {
	case ActionHold:
		return "hold", nil
	case ActionStartAgent:
		return e.lifecycle(ctx, d, scheduler.StatusRunning)
	case ActionPauseAgent:
		return e.lifecycle(ctx, d, scheduler.StatusPaused)
	case ActionTerminateAgent:
		return e.lifecycle(ctx, d, scheduler.StatusStopped)
	case ActionModifyAgent:
		return e.modify(ctx, d)
	case ActionCreateAgent:
		return e.create(ctx, d)
	default:
		return "", fmt.Errorf("unknown action %q", d.Action)
	}
}

func (e *executor) target(ctx context.Context, d Decision) (*model.Agent, error) {
	if strings.TrimSpace(d.AgentID) == "" {
		return nil, fmt.Errorf("%s requires agent_id", d.Action)
	}
	a, err := e.agents.Get(ctx, d.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("agent %s not found", d.AgentID)
	}
	if err != nil {
		return nil, err
	}
	if a.ManagerID != e.managerID {
		return nil, fmt.Errorf("agent %s: %w", d.AgentID, errNotManaged)
	}
	return a, nil
}

func (e *executor) lifecycle(ctx context.Context, d Decision, want scheduler.Status) (string, error) {
	a, err := e.target(ctx, d)
	if err != nil {
		return "", err
	}
	reason := "manager: " + string(d.Action)
	already := a.Status == string(want)
	if !already {
		switch want {
		case scheduler.StatusRunning:
			err = e.agents.Start(ctx, a.ID)
		case scheduler.StatusPaused:
			err = e.agents.Pause(ctx, a.ID, reason)
		default:
			err = e.agents.Stop(ctx, a.ID, reason)
		}
		if err != nil {
			return "", fmt.Errorf("%s %s: %w", d.Action, a.ID, err)
		}
	}
	summary := fmt.Sprintf("agent %s -> %s", a.ID, want)
	if already {
		summary = fmt.Sprintf("agent %s already %s", a.ID, want)
	}
	if d.Action == ActionTerminateAgent {
		if err := e.agents.Unlink(ctx, a.ID); err != nil {
			return "", fmt.Errorf("unlink %s: %w", a.ID, err)
		}
		e.managed = max(e.managed-1, 0)
		summary += ", unlinked"
	}
	return summary, nil
}

func (e *executor) modify(ctx context.Context, d Decision) (string, error) {
	a, err := e.target(ctx, d)
	if err != nil {
		return "", err
	}
	if len(d.Params) == 0 {
		return "", fmt.Errorf("modify_agent %s: no params", a.ID)
	}
	change, err := e.agents.UpdateConfig(ctx, a.ID, d.Params)
	if err != nil {
		return "", fmt.Errorf("modify_agent %s: %w", a.ID, err)
	}
	if e.memory != nil {
		e.memory.RecordParameterChange(ParameterChange{
			AgentID:   a.ID,
			Params:    d.Params,
			Reasoning: d.Reasoning,
			At:        e.nowFn().UTC(),
		})
	}
	return fmt.Sprintf("agent %s updated %s", a.ID, describeChange(d.Params, change)), nil
}

func (e *executor) create(ctx context.Context, d Decision) (string, error) {
	if e.maxAgents > 0 && e.managed >= e.maxAgents {
		return "", fmt.Errorf("create_agent: manager already has %d agents (max_agents %d)", e.managed, e.maxAgents)
	}
	params := make(map[string]any, len(d.Params))
	name := ""
	for k, v := range d.Params {
		if k == "name" {
			name, _ = v.(string)
			continue
		}
		params[k] = v
	}
	a, change, err := e.agents.Create(ctx, agent.CreateRequest{
		Name:      name,
		ManagerID: e.managerID,
		Params:    params,
		Start:     true,
	})
	if err != nil {
		return "", fmt.Errorf("create_agent: %w", err)
	}
	e.managed++
	return fmt.Sprintf("created agent %s (%s) model=%s pairs=%s, started%s",
		a.ID, a.Name, change.Config.Model, strings.Join(change.Config.Pairs, ","), substitutionNote(change)), nil
}

func describeChange(params map[string]any, change agent.Change) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := "[" + strings.Join(keys, ",") + "]"
	if len(change.Ignored) > 0 {
		out += " ignored=[" + strings.Join(change.Ignored, ",") + "]"
	}
	return out + substitutionNote(change)
}

func substitutionNote(change agent.Change) string {
	if change.ModelSubstituted == "" {
		return ""
	}
	return fmt.Sprintf("; model %q not allowed, using %q", change.ModelSubstituted, change.Config.Model)
}
