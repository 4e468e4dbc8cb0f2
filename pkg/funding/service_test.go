package funding

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perprisk/pkg/config"
	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/keylock"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/pricefeed"
	"max.com/perprisk/pkg/settlement"
	"max.com/perprisk/pkg/store"
)

const (
	symbol = "BTC-USD"
	hour   = int64(3600 * 1000)
)

func fundingConfig() futures.MarketConfig {
	mc := futures.DefaultMarketConfig(symbol)
	mc.Funding.FundingFactor = futures.D("0.01")
	mc.Funding.MaxFundingRate = futures.D("0.05")
	mc.Funding.MinFundingRate = futures.D("-0.05")
	mc.Funding.ImpactPoolSize = futures.D("2000")
	return mc
}

type fixture struct {
	svc   *Service
	mem   *store.Memory
	locks *keylock.Manager
}

func newFixture(t *testing.T, mc futures.MarketConfig) *fixture {
	t.Helper()
	logger.SetOutput(io.Discard)

	mem := store.NewMemory()
	markets := config.NewMarketStore(config.StaticSource{mc})
	require.NoError(t, markets.Load(context.Background()))

	feed := pricefeed.NewFeed()
	_, err := feed.Apply(pricefeed.Tick{Symbol: symbol, MarkPrice: futures.D("100"), Timestamp: 1})
	require.NoError(t, err)

	locks := keylock.NewManager()
	svc := NewService(mem, markets, feed, locks, settlement.NewRecorder(mem, 0), 20*time.Millisecond)
	return &fixture{svc: svc, mem: mem, locks: locks}
}

func (f *fixture) open(t *testing.T, id int64, user string, side futures.Side, size string, at int64) {
	t.Helper()
	p := &futures.Position{
		ID:                      id,
		UserAddress:             user,
		Symbol:                  symbol,
		Side:                    side,
		SizeInUsd:               futures.D(size),
		SizeInTokens:            futures.Div(futures.D(size), futures.D("100")),
		CollateralAmount:        futures.Div(futures.D(size), futures.D("10")),
		EntryPrice:              futures.D("100"),
		Leverage:                10,
		BorrowingFactor:         futures.Zero,
		FundingFeeAmountPerSize: futures.Zero,
		AccumulatedFundingFee:   futures.Zero,
		AccumulatedBorrowingFee: futures.Zero,
		Status:                  futures.PositionOpen,
		LastFundedAt:            at,
		CreatedAt:               at,
	}
	require.NoError(t, f.mem.CreatePosition(context.Background(), p))
}

func TestRate(t *testing.T) {
	cfg := fundingConfig().Funding
	cases := []struct {
		name        string
		long, short string
		pool        string
		want        string
	}{
		{"impact pool denominator", "1000", "500", "2000", "0.0025"},
		{"total oi denominator", "3000", "1000", "2000", "0.005"},
		{"shorts heavier", "0", "1000", "0", "-0.01"},
		{"clamped to max", "1000", "0", "0", "0.05"},
		{"no open interest", "0", "0", "0", "0"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := cfg
			cfg.ImpactPoolSize = futures.D(c.pool)
			if c.name == "clamped to max" {
				cfg.FundingFactor = futures.D("0.2")
			}
			got := Rate(OpenInterest{Long: futures.D(c.long), Short: futures.D(c.short)}, cfg)
			assert.True(t, futures.D(c.want).Equal(got), "got %s", got)
		})
	}
}

func TestAccrue(t *testing.T) {
	cfg := fundingConfig().Funding // 8h
	long := &futures.Position{Side: futures.SideLong, SizeInUsd: futures.D("1000"), LastFundedAt: 7 * hour, CreatedAt: 0}
	short := &futures.Position{Side: futures.SideShort, SizeInUsd: futures.D("1000"), LastFundedAt: 7 * hour, CreatedAt: 0}

	acc := Accrue(long, futures.D("0.01"), cfg, 8*hour)
	assert.True(t, futures.D("1.25").Equal(acc.FundingFee), "long fee %s", acc.FundingFee)
	assert.Equal(t, hour, acc.ElapsedMs)

	acc = Accrue(short, futures.D("0.01"), cfg, 8*hour)
	assert.True(t, futures.D("-1.25").Equal(acc.FundingFee), "short fee %s", acc.FundingFee)

	// elapsed 超过一个周期时按一个周期计
	stale := &futures.Position{Side: futures.SideLong, SizeInUsd: futures.D("1000"), LastFundedAt: 0, CreatedAt: 0}
	acc = Accrue(stale, futures.D("0.01"), cfg, 30*hour)
	assert.True(t, futures.D("10").Equal(acc.FundingFee))

	cfg.BorrowingRatePerHour = futures.D("0.001")
	acc = Accrue(long, futures.Zero, cfg, 8*hour)
	assert.True(t, futures.D("1").Equal(acc.BorrowingFee))
	assert.True(t, acc.FundingFee.IsZero())

	// created_at 晚于 last_funded_at
	fresh := &futures.Position{Side: futures.SideLong, SizeInUsd: futures.D("1000"), LastFundedAt: 0, CreatedAt: 8 * hour}
	acc = Accrue(fresh, futures.D("0.01"), cfg, 8*hour)
	assert.Zero(t, acc.ElapsedMs)
	assert.True(t, acc.FundingFee.IsZero())
}

func TestSettle_NotDue(t *testing.T) {
	f := newFixture(t, fundingConfig())
	_, err := f.svc.Settle(context.Background(), symbol, 7*hour)
	assert.ErrorIs(t, err, ErrNoFundingDue)

	cur, err := f.svc.CurrentRate(context.Background(), symbol)
	require.NoError(t, err)
	assert.Equal(t, 8*hour, cur.NextFundingTime)
}

func TestSettle_AppliesAndRolls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fundingConfig())
	f.open(t, 1, "alice", futures.SideLong, "1000", 7*hour)
	f.open(t, 2, "bob", futures.SideShort, "500", 7*hour)

	_, err := f.svc.EnsureCurrent(ctx, symbol, 7*hour)
	require.NoError(t, err)

	res, err := f.svc.Settle(ctx, symbol, 8*hour)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Settled)
	assert.True(t, futures.D("0.0025").Equal(res.Rate))

	long, _ := f.mem.GetPosition(ctx, 1)
	short, _ := f.mem.GetPosition(ctx, 2)
	assert.True(t, futures.D("0.3125").Equal(long.AccumulatedFundingFee), "long %s", long.AccumulatedFundingFee)
	assert.True(t, futures.D("-0.15625").Equal(short.AccumulatedFundingFee), "short %s", short.AccumulatedFundingFee)
	assert.Equal(t, 8*hour, long.LastFundedAt)

	// 累计资金费 = 流水之和
	for _, p := range []*futures.Position{long, short} {
		rows, err := f.svc.PositionSettlements(ctx, p.ID)
		require.NoError(t, err)
		sum := futures.Zero
		for _, r := range rows {
			sum = sum.Add(r.FundingFee)
		}
		assert.True(t, sum.Equal(p.AccumulatedFundingFee))
	}

	cur, err := f.svc.CurrentRate(ctx, symbol)
	require.NoError(t, err)
	assert.NotEqual(t, res.RateID, cur.ID)
	assert.Equal(t, 16*hour, cur.NextFundingTime)

	history, err := f.svc.History(ctx, symbol, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// 同一时间重复投递不会重复计费
	_, err = f.svc.Settle(ctx, symbol, 8*hour)
	assert.ErrorIs(t, err, ErrNoFundingDue)
	long, _ = f.mem.GetPosition(ctx, 1)
	assert.True(t, futures.D("0.3125").Equal(long.AccumulatedFundingFee))

	userRows, err := f.svc.UserSettlements(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, userRows, 1)
}

func TestSettle_DeferredPositionResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fundingConfig())
	f.open(t, 1, "alice", futures.SideLong, "1000", 7*hour)
	f.open(t, 2, "bob", futures.SideLong, "1000", 7*hour)
	_, err := f.svc.EnsureCurrent(ctx, symbol, 7*hour)
	require.NoError(t, err)

	unlock, err := f.locks.Acquire(ctx, keylock.PositionKey(2), time.Second)
	require.NoError(t, err)

	res, err := f.svc.Settle(ctx, symbol, 8*hour)
	assert.ErrorIs(t, err, futures.ErrDeferred)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, 1, res.Deferred)

	cur, err := f.svc.CurrentRate(ctx, symbol)
	require.NoError(t, err)
	assert.Equal(t, res.RateID, cur.ID, "row must stay current until every position settled")
	unlock()

	res2, err := f.svc.Settle(ctx, symbol, 8*hour+1000)
	require.NoError(t, err)
	assert.Equal(t, 1, res2.Settled)
	assert.Equal(t, 1, res2.Skipped)
	assert.True(t, res.Rate.Equal(res2.Rate))

	rows, err := f.svc.PositionSettlements(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSettle_InProgress(t *testing.T) {
	f := newFixture(t, fundingConfig())
	f.svc.settling.Store(symbol, struct{}{})
	_, err := f.svc.Settle(context.Background(), symbol, 8*hour)
	assert.ErrorIs(t, err, ErrFundingInProgress)
}

func TestRefreshRate_FrozenAfterDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fundingConfig())
	f.open(t, 1, "alice", futures.SideLong, "1000", hour)

	r, err := f.svc.RefreshRate(ctx, symbol, 2*hour)
	require.NoError(t, err)
	assert.True(t, futures.D("0.005").Equal(r.FundingRate))
	assert.True(t, futures.D("100").Equal(r.MarkPrice))

	f.open(t, 2, "bob", futures.SideShort, "1000", 3*hour)
	r, err = f.svc.RefreshRate(ctx, symbol, 9*hour)
	require.NoError(t, err)
	assert.True(t, futures.D("0.005").Equal(r.FundingRate), "estimate must not move once due")
}
