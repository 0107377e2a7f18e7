package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	OwnerAgent   = "agent"
	OwnerManager = "manager"
)

// Schedule 单个 agent/manager 的调度记录。
type Schedule struct {
	OwnerKind          string     `gorm:"column:owner_kind;primaryKey;size:16"`
	OwnerID            string     `gorm:"column:owner_id;primaryKey;size:64"`
	Status             string     `gorm:"column:status;index;size:16"`
	StopReason         string     `gorm:"column:stop_reason"`
	NextWakeAt         *time.Time `gorm:"column:next_wake_at"`
	Deciding           bool       `gorm:"column:deciding"`
	TickStartedAt      *time.Time `gorm:"column:tick_started_at"`
	LastTickAt         *time.Time `gorm:"column:last_tick_at"`
	LastTickDurationMs int64      `gorm:"column:last_tick_duration_ms"`
	CooldownUntil      *time.Time `gorm:"column:cooldown_until"`
	UpdatedAt          time.Time  `gorm:"column:updated_at"`
}

func (Schedule) TableName() string { return "schedules" }

// Agent 配置以 JSON 文档保存；ManagerID 为空表示未归属任何 manager。
type Agent struct {
	ID        string         `gorm:"column:id;primaryKey;size:64"`
	Name      string         `gorm:"column:name"`
	ManagerID string         `gorm:"column:manager_id;index;size:64"`
	Status    string         `gorm:"column:status;size:16"`
	Config    datatypes.JSON `gorm:"column:config"`
	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (Agent) TableName() string { return "agents" }

// Manager 的 Memory 是无版本的开放 JSON 文档。
type Manager struct {
	ID        string         `gorm:"column:id;primaryKey;size:64"`
	Name      string         `gorm:"column:name"`
	Status    string         `gorm:"column:status;size:16"`
	Config    datatypes.JSON `gorm:"column:config"`
	Memory    datatypes.JSON `gorm:"column:memory"`
	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (Manager) TableName() string { return "managers" }

type LedgerSnapshot struct {
	AgentID   string         `gorm:"column:agent_id;primaryKey;size:64"`
	Data      datatypes.JSON `gorm:"column:data"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (LedgerSnapshot) TableName() string { return "ledger_snapshots" }

type Decision struct {
	ID               string    `gorm:"column:id;primaryKey;size:64"`
	AgentID          string    `gorm:"column:agent_id;index:idx_decision_agent_time,priority:1;size:64"`
	Action           string    `gorm:"column:action;size:16"`
	Confidence       float64   `gorm:"column:confidence"`
	Reasoning        string    `gorm:"column:reasoning"`
	TargetPair       string    `gorm:"column:target_pair"`
	SuggestedSizePct *float64  `gorm:"column:suggested_size_pct"`
	Model            string    `gorm:"column:model"`
	Outcome          string    `gorm:"column:outcome"`
	CreatedAt        time.Time `gorm:"column:created_at;index:idx_decision_agent_time,priority:2"`
}

func (Decision) TableName() string { return "decisions" }

// Trade 与 paper.Position 一一对应，开仓时插入，平仓时原地更新。
type Trade struct {
	ID                  string     `gorm:"column:id;primaryKey;size:64"`
	AgentID             string     `gorm:"column:agent_id;index;size:64"`
	Pair                string     `gorm:"column:pair"`
	Venue               string     `gorm:"column:venue"`
	Side                string     `gorm:"column:side;size:8"`
	Status              string     `gorm:"column:status;size:16"`
	EntryPrice          float64    `gorm:"column:entry_price"`
	EffectiveEntryPrice float64    `gorm:"column:effective_entry_price"`
	AmountUSD           float64    `gorm:"column:amount_usd"`
	Quantity            float64    `gorm:"column:quantity"`
	Confidence          float64    `gorm:"column:confidence"`
	Reasoning           string     `gorm:"column:reasoning"`
	Slippage            float64    `gorm:"column:slippage"`
	ExitPrice           *float64   `gorm:"column:exit_price"`
	EffectiveExitPrice  *float64   `gorm:"column:effective_exit_price"`
	PnlPct              *float64   `gorm:"column:pnl_pct"`
	PnlUSD              *float64   `gorm:"column:pnl_usd"`
	CloseReason         string     `gorm:"column:close_reason"`
	OpenedAt            time.Time  `gorm:"column:opened_at;index"`
	ClosedAt            *time.Time `gorm:"column:closed_at"`
}

func (Trade) TableName() string { return "trades" }

type Performance struct {
	ID             string    `gorm:"column:id;primaryKey;size:64"`
	AgentID        string    `gorm:"column:agent_id;index:idx_perf_agent_time,priority:1;size:64"`
	Balance        float64   `gorm:"column:balance"`
	TotalPnlPct    float64   `gorm:"column:total_pnl_pct"`
	DailyPnlPct    float64   `gorm:"column:daily_pnl_pct"`
	RealizedPnlUSD float64   `gorm:"column:realized_pnl_usd"`
	WinRate        float64   `gorm:"column:win_rate"`
	TotalTrades    int       `gorm:"column:total_trades"`
	OpenPositions  int       `gorm:"column:open_positions"`
	CreatedAt      time.Time `gorm:"column:created_at;index:idx_perf_agent_time,priority:2"`
}

func (Performance) TableName() string { return "performance_snapshots" }

// AuditLog manager 每条决策的执行结果，只追加。
type AuditLog struct {
	ID            string    `gorm:"column:id;primaryKey;size:64"`
	ManagerID     string    `gorm:"column:manager_id;index:idx_audit_manager_time,priority:1;size:64"`
	Action        string    `gorm:"column:action;size:32"`
	AgentID       string    `gorm:"column:agent_id;size:64"`
	Reasoning     string    `gorm:"column:reasoning"`
	ResultSummary string    `gorm:"column:result_summary"`
	Success       bool      `gorm:"column:success"`
	CreatedAt     time.Time `gorm:"column:created_at;index:idx_audit_manager_time,priority:2"`
}

func (AuditLog) TableName() string { return "manager_audit_logs" }

// All 供 AutoMigrate 使用。
func All() []any {
	return []any{
		&Schedule{}, &Agent{}, &Manager{}, &LedgerSnapshot{},
		&Decision{}, &Trade{}, &Performance{}, &AuditLog{},
	}
}
