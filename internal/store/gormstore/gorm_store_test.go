package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := Open(Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "heppy.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "mysql"})
	assert.Error(t, err)
	_, err = Open(Options{Driver: "postgres"})
	assert.Error(t, err)
}

func TestScheduleLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	key := store.AgentKey("a1")
	now := time.Now().UTC().Truncate(time.Second)
	next := now.Add(5 * time.Second)

	require.NoError(t, s.SetStatus(ctx, key, "running", "", &next))
	ok, err := s.BeginTick(ctx, key, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.BeginTick(ctx, key, now)
	require.NoError(t, err)
	assert.False(t, ok, "second begin must lose")

	require.NoError(t, s.SetStatus(ctx, key, "stopped", "user", nil))
	rec, err := s.FinishTick(ctx, key, now.Add(2*time.Second), 2*time.Second)
	require.NoError(t, err)
	assert.False(t, rec.Deciding)
	assert.Equal(t, "stopped", rec.Status)
	assert.Nil(t, rec.NextWakeAt)
	assert.Equal(t, int64(2000), rec.LastTickDurationMs)

	list, err := s.ListSchedules(ctx, model.OwnerAgent, "stopped")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSetNextWakeMissing(t *testing.T) {
	err := openTestStore(t).SetNextWake(context.Background(), store.ManagerKey("nope"), time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAgentAndLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateAgent(ctx, &model.Agent{ID: "a1", Name: "alpha", Status: "stopped", Config: []byte(`{"pairs":["WETH/USDC"]}`)}))
	require.NoError(t, s.UpdateAgentConfig(ctx, "a1", []byte(`{"pairs":["cbBTC/USDC"]}`)))
	require.NoError(t, s.SetAgentManager(ctx, "a1", "m1"))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"pairs":["cbBTC/USDC"]}`, string(got.Config))
	assert.Equal(t, "m1", got.ManagerID)

	_, err = s.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveLedger(ctx, "a1", []byte(`{"balance":1}`)))
	require.NoError(t, s.SaveLedger(ctx, "a1", []byte(`{"balance":2}`)))
	data, err := s.LoadLedger(ctx, "a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":2}`, string(data))
}

func TestTradeUpsert(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	opened := time.Now().UTC()
	trade := &model.Trade{ID: "t1", AgentID: "a1", Pair: "WETH/USDC", Side: "long", Status: "open", EntryPrice: 100, OpenedAt: opened}
	require.NoError(t, s.SaveTrade(ctx, trade))

	exit := 110.0
	trade.Status = "closed"
	trade.ExitPrice = &exit
	require.NoError(t, s.SaveTrade(ctx, trade))

	got, err := s.RecentTrades(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "closed", got[0].Status)
	require.NotNil(t, got[0].ExitPrice)
	assert.InDelta(t, 110.0, *got[0].ExitPrice, 1e-9)
}

func TestManagerMemoryAndAudit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateManager(ctx, &model.Manager{ID: "m1", Name: "boss", Status: "stopped"}))
	require.NoError(t, s.SaveMemory(ctx, "m1", []byte(`{"hypotheses":[]}`)))
	mem, err := s.LoadMemory(ctx, "m1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"hypotheses":[]}`, string(mem))

	base := time.Now().UTC()
	require.NoError(t, s.InsertAudit(ctx, &model.AuditLog{ID: "x1", ManagerID: "m1", Action: "hold", CreatedAt: base}))
	require.NoError(t, s.InsertAudit(ctx, &model.AuditLog{ID: "x2", ManagerID: "m1", Action: "start_agent", CreatedAt: base.Add(time.Second)}))
	logs, err := s.RecentAudit(ctx, "m1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "x2", logs[0].ID)
}

func TestDeleteAgentAndSchedule(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	key := store.AgentKey("a1")
	require.NoError(t, s.CreateAgent(ctx, &model.Agent{ID: "a1", Name: "alpha", Status: "stopped"}))
	require.NoError(t, s.SaveLedger(ctx, "a1", []byte(`{"balance":1}`)))
	require.NoError(t, s.SetStatus(ctx, key, "stopped", "", nil))

	require.NoError(t, s.DeleteAgent(ctx, "a1"))
	require.NoError(t, s.DeleteSchedule(ctx, key))

	_, err := s.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.LoadLedger(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetSchedule(ctx, key)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteAgent(ctx, "a1"), store.ErrNotFound)
}

func TestDeleteManagerUnlinksAgents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateManager(ctx, &model.Manager{ID: "m1", Name: "boss", Status: "running"}))
	require.NoError(t, s.CreateAgent(ctx, &model.Agent{ID: "a1", Name: "alpha", Status: "running", ManagerID: "m1"}))
	require.NoError(t, s.CreateAgent(ctx, &model.Agent{ID: "a2", Name: "beta", Status: "stopped", ManagerID: "m2"}))

	require.NoError(t, s.DeleteManager(ctx, "m1"))

	_, err := s.GetManager(ctx, "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	a1, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, a1.ManagerID)
	assert.Equal(t, "running", a1.Status)
	linked, err := s.ListAgentsByManager(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, linked)
	a2, err := s.GetAgent(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, "m2", a2.ManagerID)

	assert.ErrorIs(t, s.DeleteManager(ctx, "m1"), store.ErrNotFound)
}
