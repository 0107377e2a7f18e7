// Package memstore 内存版 store.Store，用于 database.driver=memory 和单元测试。
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"
)

type Store struct {
	mu          sync.RWMutex
	nowFn       func() time.Time
	schedules   map[store.Key]model.Schedule
	agents      map[string]model.Agent
	managers    map[string]model.Manager
	ledgers     map[string][]byte
	decisions   []model.Decision
	trades      map[string]model.Trade
	performance []model.Performance
	audits      []model.AuditLog
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		nowFn:     time.Now,
		schedules: make(map[store.Key]model.Schedule),
		agents:    make(map[string]model.Agent),
		managers:  make(map[string]model.Manager),
		ledgers:   make(map[string][]byte),
		trades:    make(map[string]model.Trade),
	}
}

// WithClock 替换时间源。
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.nowFn = now
	}
	return s
}

func (s *Store) Close() error { return nil }

func notFound(what string) error { return fmt.Errorf("%s: %w", what, store.ErrNotFound) }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (s *Store) GetSchedule(_ context.Context, key store.Key) (*model.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.schedules[key]
	if !ok {
		return nil, notFound("schedule " + key.String())
	}
	return &rec, nil
}

func (s *Store) ListSchedules(_ context.Context, kind, status string) ([]model.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Schedule, 0)
	for key, rec := range s.schedules {
		if key.Kind != kind {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

func (s *Store) SetStatus(_ context.Context, key store.Key, status, reason string, nextWakeAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.schedules[key]
	if !ok {
		rec = model.Schedule{OwnerKind: key.Kind, OwnerID: key.ID}
	}
	rec.Status = status
	rec.StopReason = reason
	rec.NextWakeAt = cloneTime(nextWakeAt)
	rec.UpdatedAt = s.nowFn()
	s.schedules[key] = rec
	return nil
}

func (s *Store) SetNextWake(_ context.Context, key store.Key, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.schedules[key]
	if !ok {
		return notFound("schedule " + key.String())
	}
	rec.NextWakeAt = &at
	rec.UpdatedAt = s.nowFn()
	s.schedules[key] = rec
	return nil
}

func (s *Store) BeginTick(_ context.Context, key store.Key, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.schedules[key]
	if !ok || rec.Deciding {
		return false, nil
	}
	rec.Deciding = true
	rec.TickStartedAt = &at
	rec.UpdatedAt = at
	s.schedules[key] = rec
	return true, nil
}

func (s *Store) FinishTick(_ context.Context, key store.Key, finishedAt time.Time, duration time.Duration) (*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.schedules[key]
	if !ok {
		return nil, notFound("schedule " + key.String())
	}
	rec.Deciding = false
	rec.LastTickAt = &finishedAt
	rec.LastTickDurationMs = duration.Milliseconds()
	rec.UpdatedAt = finishedAt
	s.schedules[key] = rec
	return &rec, nil
}

func (s *Store) SetCooldown(_ context.Context, key store.Key, until *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.schedules[key]
	if !ok {
		return notFound("schedule " + key.String())
	}
	rec.CooldownUntil = cloneTime(until)
	rec.UpdatedAt = s.nowFn()
	s.schedules[key] = rec
	return nil
}

func (s *Store) DeleteSchedule(_ context.Context, key store.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, key)
	return nil
}

func (s *Store) CreateAgent(_ context.Context, agent *model.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("create agent: %w", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return fmt.Errorf("agent %s already exists: %w", agent.ID, store.ErrInvalidInput)
	}
	now := s.nowFn()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	rec := *agent
	rec.Config = cloneBytes(agent.Config)
	s.agents[agent.ID] = rec
	return nil
}

func (s *Store) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[id]
	if !ok {
		return nil, notFound("agent " + id)
	}
	rec.Config = cloneBytes(rec.Config)
	return &rec, nil
}

func (s *Store) ListAgents(_ context.Context) ([]model.Agent, error) {
	return s.filterAgents(func(model.Agent) bool { return true }), nil
}

func (s *Store) ListAgentsByManager(_ context.Context, managerID string) ([]model.Agent, error) {
	return s.filterAgents(func(a model.Agent) bool { return a.ManagerID == managerID }), nil
}

func (s *Store) filterAgents(keep func(model.Agent) bool) []model.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Agent, 0, len(s.agents))
	for _, rec := range s.agents {
		if keep(rec) {
			rec.Config = cloneBytes(rec.Config)
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) mutateAgent(id string, fn func(*model.Agent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[id]
	if !ok {
		return notFound("agent " + id)
	}
	fn(&rec)
	rec.UpdatedAt = s.nowFn()
	s.agents[id] = rec
	return nil
}

func (s *Store) UpdateAgentConfig(_ context.Context, id string, config []byte) error {
	return s.mutateAgent(id, func(a *model.Agent) { a.Config = cloneBytes(config) })
}

func (s *Store) UpdateAgentStatus(_ context.Context, id, status string) error {
	return s.mutateAgent(id, func(a *model.Agent) { a.Status = status })
}

func (s *Store) SetAgentManager(_ context.Context, id, managerID string) error {
	return s.mutateAgent(id, func(a *model.Agent) { a.ManagerID = managerID })
}

func (s *Store) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return notFound("agent " + id)
	}
	delete(s.agents, id)
	delete(s.ledgers, id)
	return nil
}

func (s *Store) CreateManager(_ context.Context, mgr *model.Manager) error {
	if mgr == nil || mgr.ID == "" {
		return fmt.Errorf("create manager: %w", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.managers[mgr.ID]; exists {
		return fmt.Errorf("manager %s already exists: %w", mgr.ID, store.ErrInvalidInput)
	}
	now := s.nowFn()
	if mgr.CreatedAt.IsZero() {
		mgr.CreatedAt = now
	}
	mgr.UpdatedAt = now
	rec := *mgr
	rec.Config = cloneBytes(mgr.Config)
	rec.Memory = cloneBytes(mgr.Memory)
	s.managers[mgr.ID] = rec
	return nil
}

func (s *Store) GetManager(_ context.Context, id string) (*model.Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.managers[id]
	if !ok {
		return nil, notFound("manager " + id)
	}
	rec.Config = cloneBytes(rec.Config)
	rec.Memory = cloneBytes(rec.Memory)
	return &rec, nil
}

func (s *Store) ListManagers(_ context.Context) ([]model.Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Manager, 0, len(s.managers))
	for _, rec := range s.managers {
		rec.Config = cloneBytes(rec.Config)
		rec.Memory = cloneBytes(rec.Memory)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) mutateManager(id string, fn func(*model.Manager)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.managers[id]
	if !ok {
		return notFound("manager " + id)
	}
	fn(&rec)
	rec.UpdatedAt = s.nowFn()
	s.managers[id] = rec
	return nil
}

func (s *Store) UpdateManagerStatus(_ context.Context, id, status string) error {
	return s.mutateManager(id, func(m *model.Manager) { m.Status = status })
}

func (s *Store) LoadMemory(ctx context.Context, id string) ([]byte, error) {
	mgr, err := s.GetManager(ctx, id)
	if err != nil {
		return nil, err
	}
	return []byte(mgr.Memory), nil
}

func (s *Store) SaveMemory(_ context.Context, id string, memory []byte) error {
	return s.mutateManager(id, func(m *model.Manager) { m.Memory = cloneBytes(memory) })
}

func (s *Store) LoadLedger(_ context.Context, agentID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.ledgers[agentID]
	if !ok {
		return nil, notFound("ledger " + agentID)
	}
	return cloneBytes(data), nil
}

func (s *Store) SaveLedger(_ context.Context, agentID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[agentID] = cloneBytes(data)
	return nil
}

func (s *Store) DeleteManager(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.managers[id]; !ok {
		return notFound("manager " + id)
	}
	now := s.nowFn()
	for aid, rec := range s.agents {
		if rec.ManagerID == id {
			rec.ManagerID = ""
			rec.UpdatedAt = now
			s.agents[aid] = rec
		}
	}
	delete(s.managers, id)
	return nil
}

func (s *Store) DeleteLedger(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ledgers, agentID)
	return nil
}

func (s *Store) InsertDecision(_ context.Context, rec *model.Decision) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("insert decision: %w", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.nowFn()
	}
	s.decisions = append(s.decisions, *rec)
	return nil
}

func (s *Store) SetDecisionOutcome(_ context.Context, id, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.decisions {
		if s.decisions[i].ID == id {
			s.decisions[i].Outcome = outcome
			return nil
		}
	}
	return notFound("decision " + id)
}

func (s *Store) RecentDecisions(_ context.Context, agentID string, limit int) ([]model.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Decision, 0)
	for i := len(s.decisions) - 1; i >= 0 && len(out) < limitOrDefault(limit); i-- {
		if s.decisions[i].AgentID == agentID {
			out = append(out, s.decisions[i])
		}
	}
	return out, nil
}

func (s *Store) SaveTrade(_ context.Context, trade *model.Trade) error {
	if trade == nil || trade.ID == "" {
		return fmt.Errorf("save trade: %w", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[trade.ID] = *trade
	return nil
}

func (s *Store) RecentTrades(_ context.Context, agentID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Trade, 0)
	for _, t := range s.trades {
		if t.AgentID == agentID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	if n := limitOrDefault(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *Store) InsertPerformance(_ context.Context, perf *model.Performance) error {
	if perf == nil || perf.ID == "" {
		return fmt.Errorf("insert performance: %w", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if perf.CreatedAt.IsZero() {
		perf.CreatedAt = s.nowFn()
	}
	s.performance = append(s.performance, *perf)
	return nil
}

func (s *Store) LatestPerformance(_ context.Context, agentID string) (*model.Performance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.performance) - 1; i >= 0; i-- {
		if s.performance[i].AgentID == agentID {
			rec := s.performance[i]
			return &rec, nil
		}
	}
	return nil, notFound("performance " + agentID)
}

func (s *Store) InsertAudit(_ context.Context, entry *model.AuditLog) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("insert audit: %w", store.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.nowFn()
	}
	s.audits = append(s.audits, *entry)
	return nil
}

func (s *Store) RecentAudit(_ context.Context, managerID string, limit int) ([]model.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AuditLog, 0)
	for i := len(s.audits) - 1; i >= 0 && len(out) < limitOrDefault(limit); i-- {
		if s.audits[i].ManagerID == managerID {
			out = append(out, s.audits[i])
		}
	}
	return out, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
