package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var errNotInitialized = errors.New("gorm store 未初始化")

// Options 选择驱动；sqlite 使用 Path，postgres 使用 DSN。
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// GormStore 基于 gorm 的 store.Store 实现。
type GormStore struct {
	db    *gorm.DB
	nowFn func() time.Time
}

var _ store.Store = (*GormStore)(nil)

func Open(opts Options) (*GormStore, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "sqlite":
		path := strings.TrimSpace(opts.Path)
		if path == "" {
			return nil, fmt.Errorf("gorm store: sqlite path cannot be empty")
		}
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&cache=shared", path)
		dialector = sqlite.Open(dsn)
	case "postgres":
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, fmt.Errorf("gorm store: postgres dsn cannot be empty")
		}
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("gorm store: unsupported driver %q", opts.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return New(db, opts.Driver)
}

// New 在已有连接上迁移表结构。
func New(db *gorm.DB, driver string) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		return nil, fmt.Errorf("gorm store migrate: %w", err)
	}
	if driver == "" || strings.EqualFold(driver, "sqlite") {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(2)
			sqlDB.SetMaxIdleConns(2)
		}
	}
	return &GormStore{db: db, nowFn: time.Now}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) conn(ctx context.Context) (*gorm.DB, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	return s.db.WithContext(ctx), nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return err
}

func scheduleScope(db *gorm.DB, key store.Key) *gorm.DB {
	return db.Model(&model.Schedule{}).Where("owner_kind = ? AND owner_id = ?", key.Kind, key.ID)
}

func (s *GormStore) GetSchedule(ctx context.Context, key store.Key) (*model.Schedule, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rec model.Schedule
	if err := db.Where("owner_kind = ? AND owner_id = ?", key.Kind, key.ID).First(&rec).Error; err != nil {
		return nil, notFound(err, "schedule "+key.String())
	}
	return &rec, nil
}

func (s *GormStore) ListSchedules(ctx context.Context, kind, status string) ([]model.Schedule, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Where("owner_kind = ?", kind)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []model.Schedule
	err = q.Order("owner_id asc").Find(&out).Error
	return out, err
}

func (s *GormStore) SetStatus(ctx context.Context, key store.Key, status, reason string, nextWakeAt *time.Time) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	rec := model.Schedule{
		OwnerKind:  key.Kind,
		OwnerID:    key.ID,
		Status:     status,
		StopReason: reason,
		NextWakeAt: nextWakeAt,
		UpdatedAt:  s.nowFn(),
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_kind"}, {Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "stop_reason", "next_wake_at", "updated_at"}),
	}).Create(&rec).Error
}

func (s *GormStore) SetNextWake(ctx context.Context, key store.Key, at time.Time) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res := scheduleScope(db, key).Updates(map[string]any{"next_wake_at": at, "updated_at": s.nowFn()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("schedule %s: %w", key, store.ErrNotFound)
	}
	return nil
}

func (s *GormStore) BeginTick(ctx context.Context, key store.Key, at time.Time) (bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	res := scheduleScope(db, key).Where("deciding = ?", false).
		Updates(map[string]any{"deciding": true, "tick_started_at": at, "updated_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) FinishTick(ctx context.Context, key store.Key, finishedAt time.Time, duration time.Duration) (*model.Schedule, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	res := scheduleScope(db, key).Updates(map[string]any{
		"deciding":              false,
		"last_tick_at":          finishedAt,
		"last_tick_duration_ms": duration.Milliseconds(),
		"updated_at":            finishedAt,
	})
	if res.Error != nil {
		return nil, res.Error
	}
	return s.GetSchedule(ctx, key)
}

func (s *GormStore) SetCooldown(ctx context.Context, key store.Key, until *time.Time) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return scheduleScope(db, key).Updates(map[string]any{"cooldown_until": until, "updated_at": s.nowFn()}).Error
}

func (s *GormStore) DeleteSchedule(ctx context.Context, key store.Key) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return scheduleScope(db, key).Delete(&model.Schedule{}).Error
}

func (s *GormStore) CreateAgent(ctx context.Context, agent *model.Agent) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return fmt.Errorf("create agent: %w", store.ErrInvalidInput)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Create(agent).Error
}

func (s *GormStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rec model.Agent
	if err := db.Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, notFound(err, "agent "+id)
	}
	return &rec, nil
}

func (s *GormStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Agent
	err = db.Order("created_at asc").Find(&out).Error
	return out, err
}

func (s *GormStore) ListAgentsByManager(ctx context.Context, managerID string) ([]model.Agent, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Agent
	err = db.Where("manager_id = ?", managerID).Order("created_at asc").Find(&out).Error
	return out, err
}

func (s *GormStore) updateAgent(ctx context.Context, id string, fields map[string]any) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	fields["updated_at"] = s.nowFn()
	res := db.Model(&model.Agent{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *GormStore) UpdateAgentConfig(ctx context.Context, id string, config []byte) error {
	return s.updateAgent(ctx, id, map[string]any{"config": datatypes.JSON(config)})
}

func (s *GormStore) UpdateAgentStatus(ctx context.Context, id, status string) error {
	return s.updateAgent(ctx, id, map[string]any{"status": status})
}

func (s *GormStore) SetAgentManager(ctx context.Context, id, managerID string) error {
	return s.updateAgent(ctx, id, map[string]any{"manager_id": managerID})
}

func (s *GormStore) DeleteAgent(ctx context.Context, id string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&model.Agent{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
		}
		return tx.Where("agent_id = ?", id).Delete(&model.LedgerSnapshot{}).Error
	})
}

func (s *GormStore) CreateManager(ctx context.Context, mgr *model.Manager) error {
	if mgr == nil || strings.TrimSpace(mgr.ID) == "" {
		return fmt.Errorf("create manager: %w", store.ErrInvalidInput)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Create(mgr).Error
}

func (s *GormStore) GetManager(ctx context.Context, id string) (*model.Manager, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rec model.Manager
	if err := db.Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, notFound(err, "manager "+id)
	}
	return &rec, nil
}

func (s *GormStore) ListManagers(ctx context.Context) ([]model.Manager, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Manager
	err = db.Order("created_at asc").Find(&out).Error
	return out, err
}

func (s *GormStore) updateManager(ctx context.Context, id string, fields map[string]any) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	fields["updated_at"] = s.nowFn()
	res := db.Model(&model.Manager{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("manager %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *GormStore) UpdateManagerStatus(ctx context.Context, id, status string) error {
	return s.updateManager(ctx, id, map[string]any{"status": status})
}

func (s *GormStore) LoadMemory(ctx context.Context, id string) ([]byte, error) {
	mgr, err := s.GetManager(ctx, id)
	if err != nil {
		return nil, err
	}
	return []byte(mgr.Memory), nil
}

func (s *GormStore) SaveMemory(ctx context.Context, id string, memory []byte) error {
	return s.updateManager(ctx, id, map[string]any{"memory": datatypes.JSON(memory)})
}

func (s *GormStore) LoadLedger(ctx context.Context, agentID string) ([]byte, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rec model.LedgerSnapshot
	if err := db.Where("agent_id = ?", agentID).First(&rec).Error; err != nil {
		return nil, notFound(err, "ledger "+agentID)
	}
	return []byte(rec.Data), nil
}

func (s *GormStore) SaveLedger(ctx context.Context, agentID string, data []byte) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	rec := model.LedgerSnapshot{AgentID: agentID, Data: datatypes.JSON(data), UpdatedAt: s.nowFn()}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&rec).Error
}

func (s *GormStore) DeleteManager(ctx context.Context, id string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Agent{}).Where("manager_id = ?", id).
			Updates(map[string]any{"manager_id": "", "updated_at": s.nowFn()}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Manager{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("manager %s: %w", id, store.ErrNotFound)
		}
		return nil
	})
}

func (s *GormStore) DeleteLedger(ctx context.Context, agentID string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Where("agent_id = ?", agentID).Delete(&model.LedgerSnapshot{}).Error
}

func (s *GormStore) InsertDecision(ctx context.Context, rec *model.Decision) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("insert decision: %w", store.ErrInvalidInput)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Create(rec).Error
}

func (s *GormStore) SetDecisionOutcome(ctx context.Context, id, outcome string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&model.Decision{}).Where("id = ?", id).Update("outcome", outcome)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("decision %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *GormStore) RecentDecisions(ctx context.Context, agentID string, limit int) ([]model.Decision, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Decision
	err = db.Where("agent_id = ?", agentID).Order("created_at desc").Limit(limitOrDefault(limit)).Find(&out).Error
	return out, err
}

func (s *GormStore) SaveTrade(ctx context.Context, trade *model.Trade) error {
	if trade == nil || trade.ID == "" {
		return fmt.Errorf("save trade: %w", store.ErrInvalidInput)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(trade).Error
}

func (s *GormStore) RecentTrades(ctx context.Context, agentID string, limit int) ([]model.Trade, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Trade
	err = db.Where("agent_id = ?", agentID).Order("opened_at desc").Limit(limitOrDefault(limit)).Find(&out).Error
	return out, err
}

func (s *GormStore) InsertPerformance(ctx context.Context, perf *model.Performance) error {
	if perf == nil || perf.ID == "" {
		return fmt.Errorf("insert performance: %w", store.ErrInvalidInput)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Create(perf).Error
}

func (s *GormStore) LatestPerformance(ctx context.Context, agentID string) (*model.Performance, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rec model.Performance
	if err := db.Where("agent_id = ?", agentID).Order("created_at desc").First(&rec).Error; err != nil {
		return nil, notFound(err, "performance "+agentID)
	}
	return &rec, nil
}

func (s *GormStore) InsertAudit(ctx context.Context, entry *model.AuditLog) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("insert audit: %w", store.ErrInvalidInput)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Create(entry).Error
}

func (s *GormStore) RecentAudit(ctx context.Context, managerID string, limit int) ([]model.AuditLog, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.AuditLog
	err = db.Where("manager_id = ?", managerID).Order("created_at desc").Limit(limitOrDefault(limit)).Find(&out).Error
	return out, err
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
