package store

import (
	"context"
	"errors"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Key 标识一条调度记录。
type Key struct {
	Kind string
	ID   string
}

func AgentKey(id string) Key   { return Key{Kind: model.OwnerAgent, ID: id} }
func ManagerKey(id string) Key { return Key{Kind: model.OwnerManager, ID: id} }

func (k Key) String() string { return k.Kind + ":" + k.ID }

// ScheduleRepository 调度记录的部分更新接口，避免并发 tick 与 stop 互相覆盖字段。
type ScheduleRepository interface {
	GetSchedule(ctx context.Context, key Key) (*model.Schedule, error)
	ListSchedules(ctx context.Context, kind, status string) ([]model.Schedule, error)
	// SetStatus upserts the record with the given status and next wake.
	SetStatus(ctx context.Context, key Key, status, reason string, nextWakeAt *time.Time) error
	SetNextWake(ctx context.Context, key Key, at time.Time) error
	// BeginTick atomically flips deciding false -> true; false means a tick is already in flight.
	BeginTick(ctx context.Context, key Key, at time.Time) (bool, error)
	// FinishTick clears deciding and returns the record as it is now.
	FinishTick(ctx context.Context, key Key, finishedAt time.Time, duration time.Duration) (*model.Schedule, error)
	SetCooldown(ctx context.Context, key Key, until *time.Time) error
	DeleteSchedule(ctx context.Context, key Key) error
}

type AgentRepository interface {
	CreateAgent(ctx context.Context, agent *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)
	ListAgentsByManager(ctx context.Context, managerID string) ([]model.Agent, error)
	UpdateAgentConfig(ctx context.Context, id string, config []byte) error
	UpdateAgentStatus(ctx context.Context, id, status string) error
	SetAgentManager(ctx context.Context, id, managerID string) error
	// DeleteAgent removes the agent and its ledger snapshot; history rows are kept.
	DeleteAgent(ctx context.Context, id string) error
}

type ManagerRepository interface {
	CreateManager(ctx context.Context, mgr *model.Manager) error
	GetManager(ctx context.Context, id string) (*model.Manager, error)
	ListManagers(ctx context.Context) ([]model.Manager, error)
	UpdateManagerStatus(ctx context.Context, id, status string) error
	LoadMemory(ctx context.Context, id string) ([]byte, error)
	SaveMemory(ctx context.Context, id string, memory []byte) error
	// DeleteManager unlinks every agent of the manager, then removes the manager.
	DeleteManager(ctx context.Context, id string) error
}

type LedgerRepository interface {
	LoadLedger(ctx context.Context, agentID string) ([]byte, error)
	SaveLedger(ctx context.Context, agentID string, data []byte) error
	DeleteLedger(ctx context.Context, agentID string) error
}

type DecisionRepository interface {
	InsertDecision(ctx context.Context, rec *model.Decision) error
	// SetDecisionOutcome records the execution result of an already persisted decision.
	SetDecisionOutcome(ctx context.Context, id, outcome string) error
	RecentDecisions(ctx context.Context, agentID string, limit int) ([]model.Decision, error)
}

type TradeRepository interface {
	SaveTrade(ctx context.Context, trade *model.Trade) error
	RecentTrades(ctx context.Context, agentID string, limit int) ([]model.Trade, error)
}

type PerformanceRepository interface {
	InsertPerformance(ctx context.Context, perf *model.Performance) error
	LatestPerformance(ctx context.Context, agentID string) (*model.Performance, error)
}

type AuditRepository interface {
	InsertAudit(ctx context.Context, entry *model.AuditLog) error
	RecentAudit(ctx context.Context, managerID string, limit int) ([]model.AuditLog, error)
}

// Store 持久化入口，gorm 与内存两种实现。
type Store interface {
	ScheduleRepository
	AgentRepository
	ManagerRepository
	LedgerRepository
	DecisionRepository
	TradeRepository
	PerformanceRepository
	AuditRepository
	Close() error
}
