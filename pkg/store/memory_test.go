package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perprisk/pkg/futures"
)

func newPosition(id int64, user string, side futures.Side) *futures.Position {
	return &futures.Position{
		ID:               id,
		UserAddress:      user,
		Symbol:           "BTC-USD",
		Side:             side,
		SizeInUsd:        futures.D("1000"),
		SizeInTokens:     futures.D("10"),
		CollateralAmount: futures.D("100"),
		EntryPrice:       futures.D("100"),
		Leverage:         10,
		Status:           futures.PositionOpen,
	}
}

func TestMemory_OpenKeyUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreatePosition(ctx, newPosition(1, "alice", futures.SideLong)))
	err := m.CreatePosition(ctx, newPosition(2, "alice", futures.SideLong))
	assert.ErrorIs(t, err, futures.ErrPositionExists)

	// 反方向可以同时存在
	require.NoError(t, m.CreatePosition(ctx, newPosition(3, "alice", futures.SideShort)))

	// 平仓后可以重新开同方向
	p, err := m.GetPosition(ctx, 1)
	require.NoError(t, err)
	p.MarkTerminal(futures.PositionClosed, 10)
	require.NoError(t, m.SavePosition(ctx, p, futures.PositionOpen))
	require.NoError(t, m.CreatePosition(ctx, newPosition(4, "alice", futures.SideLong)))

	found, err := m.FindOpenPosition(ctx, "alice", "BTC-USD", futures.SideLong)
	require.NoError(t, err)
	assert.Equal(t, int64(4), found.ID)
}

func TestMemory_SavePositionCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreatePosition(ctx, newPosition(1, "bob", futures.SideLong)))

	first, _ := m.GetPosition(ctx, 1)
	second, _ := m.GetPosition(ctx, 1)

	first.MarkTerminal(futures.PositionLiquidated, 1)
	require.NoError(t, m.SavePosition(ctx, first, futures.PositionOpen))

	second.MarkTerminal(futures.PositionClosed, 2)
	assert.ErrorIs(t, m.SavePosition(ctx, second, futures.PositionOpen), futures.ErrStatusConflict)

	got, _ := m.GetPosition(ctx, 1)
	assert.Equal(t, futures.PositionLiquidated, got.Status)
	assert.Nil(t, got.OpenKey)

	// 终态不能回到 open
	got.Status = futures.PositionOpen
	assert.ErrorIs(t, m.SavePosition(ctx, got, futures.PositionLiquidated), futures.ErrStatusConflict)
}

func TestMemory_ReturnedObjectsAreCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreatePosition(ctx, newPosition(1, "carol", futures.SideShort)))

	p, _ := m.GetPosition(ctx, 1)
	p.CollateralAmount = futures.D("1")

	again, _ := m.GetPosition(ctx, 1)
	assert.True(t, futures.D("100").Equal(again.CollateralAmount))
}

func TestMemory_FundingSettlementIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreatePosition(ctx, newPosition(1, "dave", futures.SideLong)))

	p, _ := m.GetPosition(ctx, 1)
	p.AccumulatedFundingFee = futures.D("1")
	s := &futures.FundingSettlement{ID: 10, PositionID: 1, FundingRateID: 7, UserAddress: "dave", FundingFee: futures.D("1")}
	require.NoError(t, m.ApplyFundingSettlement(ctx, p, s))

	p.AccumulatedFundingFee = futures.D("2")
	dup := &futures.FundingSettlement{ID: 11, PositionID: 1, FundingRateID: 7}
	assert.ErrorIs(t, m.ApplyFundingSettlement(ctx, p, dup), futures.ErrDuplicate)

	got, _ := m.GetPosition(ctx, 1)
	assert.True(t, futures.D("1").Equal(got.AccumulatedFundingFee), "duplicate must not touch the position")

	ok, _ := m.HasFundingSettlement(ctx, 1, 7)
	assert.True(t, ok)
	list, _ := m.ListFundingSettlements(ctx, 1)
	assert.Len(t, list, 1)
}

func TestMemory_SingleCurrentFundingRate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateFundingRate(ctx, &futures.FundingRate{ID: 1, Symbol: "BTC-USD"}))
	assert.ErrorIs(t, m.CreateFundingRate(ctx, &futures.FundingRate{ID: 2, Symbol: "BTC-USD"}), futures.ErrDuplicate)

	cur, err := m.CurrentFundingRate(ctx, "BTC-USD")
	require.NoError(t, err)
	cur.SettledAt = 100
	require.NoError(t, m.RollFundingRate(ctx, cur, &futures.FundingRate{ID: 2, Symbol: "BTC-USD"}))

	// 已结算的行不能再次结算
	assert.ErrorIs(t, m.RollFundingRate(ctx, cur, &futures.FundingRate{ID: 3, Symbol: "BTC-USD"}), futures.ErrStatusConflict)

	cur, _ = m.CurrentFundingRate(ctx, "BTC-USD")
	assert.Equal(t, int64(2), cur.ID)
	hist, _ := m.FundingRateHistory(ctx, "BTC-USD", 10)
	assert.Len(t, hist, 2)
}

func TestMemory_LiquidationAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreatePosition(ctx, newPosition(1, "erin", futures.SideLong)))

	p, _ := m.GetPosition(ctx, 1)
	p.MarkTerminal(futures.PositionLiquidated, 5)
	require.NoError(t, m.ApplyLiquidation(ctx, p, &futures.Liquidation{ID: 100, PositionID: 1, Symbol: "BTC-USD"}))

	// 第二次强平: CAS 失败，不写记录
	again, _ := m.GetPosition(ctx, 1)
	assert.Error(t, m.ApplyLiquidation(ctx, again, &futures.Liquidation{ID: 101, PositionID: 1}))

	list, _ := m.ListLiquidations(ctx, "BTC-USD", 0)
	require.Len(t, list, 1)
	assert.Equal(t, int64(100), list[0].ID)
}

func TestMemory_TriggerOrderTransition(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	o := &futures.TriggerOrder{ID: 1, UserAddress: "u", Symbol: "BTC-USD", Status: futures.TriggerActive}
	require.NoError(t, m.CreateTriggerOrder(ctx, o))

	n, _ := m.CountActiveTriggerOrders(ctx, "u", "BTC-USD")
	assert.Equal(t, 1, n)

	fired := o.Clone()
	fired.Status = futures.TriggerTriggered
	require.NoError(t, m.TransitionTriggerOrder(ctx, fired, futures.TriggerActive))

	cancelled := o.Clone()
	cancelled.Status = futures.TriggerCancelled
	assert.ErrorIs(t, m.TransitionTriggerOrder(ctx, cancelled, futures.TriggerActive), futures.ErrStatusConflict)

	active, _ := m.ListActiveTriggerOrders(ctx, "BTC-USD")
	assert.Empty(t, active)
}

func TestMemory_AuditDedup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertAuditRecord(ctx, &futures.AuditRecord{ID: 1, IdempotencyKey: "k1"}))
	assert.ErrorIs(t, m.InsertAuditRecord(ctx, &futures.AuditRecord{ID: 2, IdempotencyKey: "k1"}), futures.ErrDuplicate)
	require.NoError(t, m.InsertAuditRecord(ctx, &futures.AuditRecord{ID: 3, IdempotencyKey: "k2"}))

	recs, _ := m.ListAuditRecords(ctx, 1, 10)
	require.Len(t, recs, 1)
	assert.Equal(t, "k2", recs[0].IdempotencyKey)
}

func TestMemory_PositionAuditedAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreatePositionAudited(ctx, newPosition(1, "frank", futures.SideLong),
		&futures.AuditRecord{ID: 1, IdempotencyKey: "trade:1"}))

	// 幂等键重复: 持仓不落
	err := m.CreatePositionAudited(ctx, newPosition(2, "frank", futures.SideShort),
		&futures.AuditRecord{ID: 2, IdempotencyKey: "trade:1"})
	assert.ErrorIs(t, err, futures.ErrDuplicate)
	_, err = m.GetPosition(ctx, 2)
	assert.ErrorIs(t, err, futures.ErrNotFound)

	p, err := m.GetPosition(ctx, 1)
	require.NoError(t, err)
	p.SizeInUsd = futures.D("1")
	err = m.SavePositionAudited(ctx, p, futures.PositionOpen, &futures.AuditRecord{ID: 3, IdempotencyKey: "trade:1"})
	assert.ErrorIs(t, err, futures.ErrDuplicate)
	got, err := m.GetPosition(ctx, 1)
	require.NoError(t, err)
	assert.False(t, futures.D("1").Equal(got.SizeInUsd))

	// 持仓 CAS 失败: 审计不落
	stale := got.Clone()
	stale.Status = futures.PositionClosed
	require.NoError(t, m.SavePosition(ctx, stale, futures.PositionOpen))
	err = m.SavePositionAudited(ctx, got, futures.PositionOpen, &futures.AuditRecord{ID: 4, IdempotencyKey: "trade:2"})
	assert.ErrorIs(t, err, futures.ErrStatusConflict)
	has, err := m.HasAuditRecord(ctx, "trade:2")
	require.NoError(t, err)
	assert.False(t, has)

	// rec 为 nil 等同普通写入
	require.NoError(t, m.CreatePositionAudited(ctx, newPosition(5, "gina", futures.SideLong), nil))
	p5, err := m.GetPosition(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, m.SavePositionAudited(ctx, p5, futures.PositionOpen, nil))
}
