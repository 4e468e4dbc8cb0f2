package position

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perprisk/pkg/config"
	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/keylock"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/risk/perp"
	"max.com/perprisk/pkg/settlement"
	"max.com/perprisk/pkg/store"
)

const symbol = "BTC-USD"

func newService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	logger.SetOutput(io.Discard)

	mem := store.NewMemory()
	markets := config.NewMarketStore(config.StaticSource{futures.DefaultMarketConfig(symbol)})
	require.NoError(t, markets.Load(context.Background()))

	svc := NewService(mem, markets, keylock.NewManager(), settlement.NewRecorder(mem, 0), 100*time.Millisecond)
	svc.SetClock(func() int64 { return 1_000 })
	return svc, mem
}

func openLong(t *testing.T, svc *Service) *futures.Position {
	t.Helper()
	pos, err := svc.Increase(context.Background(), IncreaseRequest{
		User:       "alice",
		Symbol:     symbol,
		Side:       futures.SideLong,
		Collateral: futures.D("100"),
		Leverage:   10,
		Price:      futures.D("100"),
	})
	require.NoError(t, err)
	return pos
}

func dec(s string) *decimal.Decimal {
	d := futures.D(s)
	return &d
}

func TestIncrease_OpensPosition(t *testing.T) {
	svc, mem := newService(t)
	pos := openLong(t, svc)

	assert.True(t, futures.D("1000").Equal(pos.SizeInUsd))
	assert.True(t, futures.D("10").Equal(pos.SizeInTokens))
	assert.True(t, futures.D("90.5").Equal(pos.LiquidationPrice), "liq price %s", pos.LiquidationPrice)
	assert.Equal(t, int64(1_000), pos.LastFundedAt)
	require.NotNil(t, pos.OpenKey)

	recs, err := mem.ListAuditRecords(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, futures.AuditPositionChange, recs[0].Kind)
}

func TestIncrease_AddsToExistingWithWeightedEntry(t *testing.T) {
	svc, _ := newService(t)
	first := openLong(t, svc)

	pos, err := svc.Increase(context.Background(), IncreaseRequest{
		User:       "alice",
		Symbol:     symbol,
		Side:       futures.SideLong,
		Collateral: futures.D("100"),
		Leverage:   10,
		Price:      futures.D("200"),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, pos.ID)
	assert.True(t, futures.D("2000").Equal(pos.SizeInUsd))
	assert.True(t, futures.D("15").Equal(pos.SizeInTokens))
	assert.Equal(t, "133.33", pos.EntryPrice.StringFixed(2))
	assert.Equal(t, int32(10), pos.Leverage)
}

func TestIncrease_Validation(t *testing.T) {
	svc, _ := newService(t)
	base := IncreaseRequest{
		User: "bob", Symbol: symbol, Side: futures.SideShort,
		Collateral: futures.D("100"), Leverage: 10, Price: futures.D("100"),
	}

	cases := []struct {
		name   string
		mutate func(r *IncreaseRequest)
		want   error
	}{
		{"leverage above max", func(r *IncreaseRequest) { r.Leverage = 60 }, futures.ErrLeverageTooHigh},
		{"collateral below min", func(r *IncreaseRequest) { r.Collateral = futures.D("5") }, futures.ErrCollateralTooLow},
		{"zero price", func(r *IncreaseRequest) { r.Price = futures.Zero }, futures.ErrInvalidPrice},
		{"bad side", func(r *IncreaseRequest) { r.Side = "up" }, futures.ErrInvalidSide},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := base
			c.mutate(&req)
			_, err := svc.Increase(context.Background(), req)
			assert.ErrorIs(t, err, c.want)
		})
	}
}

func TestIncrease_UnknownMarket(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Increase(context.Background(), IncreaseRequest{
		User: "bob", Symbol: "DOGE-USD", Side: futures.SideLong,
		Collateral: futures.D("100"), Leverage: 10, Price: futures.D("1"),
	})
	var stale *config.StaleConfigError
	assert.ErrorAs(t, err, &stale)
}

func TestDecrease_PartialThenFull(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)
	pos := openLong(t, svc)

	res, err := svc.Decrease(ctx, pos.ID, dec("500"), futures.D("110"))
	require.NoError(t, err)
	assert.False(t, res.FullyClosed)
	assert.True(t, futures.D("50").Equal(res.PnlRealized))
	assert.True(t, futures.D("500").Equal(res.Position.SizeInUsd))
	assert.True(t, futures.D("50").Equal(res.Position.CollateralAmount))
	assert.True(t, futures.D("5").Equal(res.Position.SizeInTokens))

	res, err = svc.Decrease(ctx, pos.ID, nil, futures.D("90"))
	require.NoError(t, err)
	assert.True(t, res.FullyClosed)
	assert.Equal(t, futures.PositionClosed, res.Position.Status)
	assert.True(t, futures.D("0").Equal(res.Position.RealizedPnl))

	_, err = mem.FindOpenPosition(ctx, "alice", symbol, futures.SideLong)
	assert.ErrorIs(t, err, futures.ErrNotFound)

	_, err = svc.Decrease(ctx, pos.ID, nil, futures.D("90"))
	assert.ErrorIs(t, err, futures.ErrPositionNotOpen)
}

func TestDecrease_OversizedClosesFully(t *testing.T) {
	svc, _ := newService(t)
	pos := openLong(t, svc)
	res, err := svc.Decrease(context.Background(), pos.ID, dec("5000"), futures.D("100"))
	require.NoError(t, err)
	assert.True(t, res.FullyClosed)
}

func TestCollateral_AddAndRemove(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	pos := openLong(t, svc)

	got, err := svc.AddCollateral(ctx, pos.ID, futures.D("100"))
	require.NoError(t, err)
	assert.True(t, futures.D("200").Equal(got.CollateralAmount))
	assert.Equal(t, int32(5), got.Leverage)
	assert.True(t, got.LiquidationPrice.LessThan(pos.LiquidationPrice))

	got, err = svc.RemoveCollateral(ctx, pos.ID, futures.D("150"), futures.D("100"))
	require.NoError(t, err)
	assert.True(t, futures.D("50").Equal(got.CollateralAmount))
	assert.Equal(t, int32(20), got.Leverage)

	// 剩 1 美元保证金，有效杠杆 1000x
	_, err = svc.RemoveCollateral(ctx, pos.ID, futures.D("49"), futures.D("100"))
	assert.ErrorIs(t, err, futures.ErrLeverageTooHigh)

	_, err = svc.RemoveCollateral(ctx, pos.ID, futures.D("50"), futures.D("100"))
	assert.ErrorIs(t, err, futures.ErrInvalidAmount)

	_, err = svc.AddCollateral(ctx, pos.ID, futures.D("-1"))
	assert.ErrorIs(t, err, futures.ErrInvalidAmount)
}

func TestCheckLiquidation_AtBoundary(t *testing.T) {
	svc, _ := newService(t)
	pos := openLong(t, svc)

	info, err := svc.CheckLiquidation(context.Background(), pos.ID, futures.D("90.5"))
	require.NoError(t, err)
	assert.True(t, info.Liquidatable)
	assert.True(t, futures.D("0.005").Equal(info.MarginRatio))
	assert.Equal(t, perp.RiskLevelLiquidate, info.Level)

	info, err = svc.CheckLiquidation(context.Background(), pos.ID, futures.D("100"))
	require.NoError(t, err)
	assert.False(t, info.Liquidatable)
	assert.Equal(t, perp.RiskLevelSafe, info.Level)
}

func TestApplyTrade_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)

	ev := &TradeEvent{
		TradeID: 42, User: "carol", Symbol: symbol, Side: futures.SideShort, Action: TradeIncrease,
		Price: futures.D("100"), Collateral: futures.D("100"), Leverage: 5,
	}
	applied, err := svc.ApplyTrade(ctx, ev)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = svc.ApplyTrade(ctx, ev)
	require.NoError(t, err)
	assert.False(t, applied)

	pos, err := mem.FindOpenPosition(ctx, "carol", symbol, futures.SideShort)
	require.NoError(t, err)
	assert.True(t, futures.D("500").Equal(pos.SizeInUsd))

	closeMsg := []byte(`{"trade_id":43,"user":"carol","symbol":"BTC-USD","side":"short","action":"decrease","price":"90"}`)
	require.NoError(t, svc.HandleTradeMessage(ctx, closeMsg))
	got, err := mem.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, futures.PositionClosed, got.Status)
	assert.True(t, futures.D("50").Equal(got.RealizedPnl))

	_, err = DecodeTrade([]byte(`{"user":"x"}`))
	assert.Error(t, err)
}

func TestApplyTrade_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)
	openLong(t, svc)

	inc := &TradeEvent{
		TradeID: 7, User: "alice", Symbol: symbol, Side: futures.SideLong, Action: TradeIncrease,
		Price: futures.D("100"), Collateral: futures.D("100"), Leverage: 10,
	}
	closeAll := &TradeEvent{
		TradeID: 8, User: "alice", Symbol: symbol, Side: futures.SideLong, Action: TradeDecrease,
		Price: futures.D("100"),
	}

	for _, ev := range []*TradeEvent{inc, closeAll} {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := svc.ApplyTrade(ctx, ev)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, applied, "trade %d", ev.TradeID)

		if ev == inc {
			pos, err := mem.FindOpenPosition(ctx, "alice", symbol, futures.SideLong)
			require.NoError(t, err)
			assert.True(t, futures.D("2000").Equal(pos.SizeInUsd), "size %s", pos.SizeInUsd)
		}
	}

	_, err := mem.FindOpenPosition(ctx, "alice", symbol, futures.SideLong)
	assert.ErrorIs(t, err, futures.ErrNotFound)

	recs, err := mem.ListAuditRecords(ctx, 0, 0)
	require.NoError(t, err)
	keys := map[string]int{}
	for _, r := range recs {
		keys[r.IdempotencyKey]++
	}
	assert.Equal(t, 1, keys[settlement.Key("trade", 7)])
	assert.Equal(t, 1, keys[settlement.Key("trade", 8)])
}

func TestApplyTrade_ConcurrentOpenAppliesOnce(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)

	ev := &TradeEvent{
		TradeID: 9, User: "dave", Symbol: symbol, Side: futures.SideShort, Action: TradeIncrease,
		Price: futures.D("100"), Collateral: futures.D("100"), Leverage: 5,
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyTrade(ctx, ev)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	pos, err := mem.FindOpenPosition(ctx, "dave", symbol, futures.SideShort)
	require.NoError(t, err)
	assert.True(t, futures.D("500").Equal(pos.SizeInUsd), "size %s", pos.SizeInUsd)
}
