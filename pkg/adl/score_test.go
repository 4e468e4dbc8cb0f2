package adl

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perprisk/pkg/futures"
)

func candidate(id int64, pnlPct, lev, size string) *Candidate {
	return &Candidate{
		Position:          &futures.Position{ID: id, SizeInUsd: futures.D(size)},
		PnlPercentage:     futures.D(pnlPct),
		EffectiveLeverage: futures.D(lev),
	}
}

func TestRank_MinMaxNormalization(t *testing.T) {
	cfg := futures.DefaultADLConfig()
	ranked := Rank([]*Candidate{
		candidate(1, "10", "2", "100"),
		candidate(2, "50", "10", "1000"),
		candidate(3, "30", "6", "550"),
	}, cfg, nil)

	require.Len(t, ranked, 3)
	assert.Equal(t, int64(2), ranked[0].Position.ID)
	assert.True(t, futures.One.Equal(ranked[0].Score))
	assert.True(t, futures.D("0.5").Equal(ranked[1].Score), "mid %s", ranked[1].Score)
	assert.True(t, ranked[2].Score.IsZero())
	assert.Equal(t, []int{1, 2, 3}, []int{ranked[0].Rank, ranked[1].Rank, ranked[2].Rank})
}

func TestRank_SingleCandidateScoresOne(t *testing.T) {
	ranked := Rank([]*Candidate{candidate(7, "10", "2", "100")}, futures.DefaultADLConfig(), nil)
	assert.True(t, futures.One.Equal(ranked[0].Score))
	assert.Equal(t, 1, ranked[0].Rank)
}

func TestRank_TieBreak(t *testing.T) {
	cfg := futures.DefaultADLConfig()
	ranked := Rank([]*Candidate{candidate(1, "10", "2", "100"), candidate(2, "10", "2", "100")}, cfg, nil)
	assert.Equal(t, int64(1), ranked[0].Position.ID)

	ranked = Rank([]*Candidate{candidate(1, "10", "2", "100"), candidate(2, "10", "2", "100")}, cfg, map[int64]int{2: 1, 1: 2})
	assert.Equal(t, int64(2), ranked[0].Position.ID)
}

func TestReductionFraction(t *testing.T) {
	cfg := futures.DefaultADLConfig() // 10% .. 100%
	cases := []struct {
		remaining, pnl, want string
	}{
		{"50", "200", "0.25"},
		{"5", "200", "0.1"},
		{"500", "200", "1"},
	}
	for _, c := range cases {
		got := ReductionFraction(futures.D(c.remaining), futures.D(c.pnl), cfg)
		assert.True(t, futures.D(c.want).Equal(got), "%s/%s got %s", c.remaining, c.pnl, got)
	}
}

func TestCollect_OnlyProfitableSide(t *testing.T) {
	positions := []*futures.Position{
		{ID: 1, Side: futures.SideLong, Status: futures.PositionOpen, SizeInUsd: futures.D("1000"), SizeInTokens: futures.D("10"), EntryPrice: futures.D("100"), CollateralAmount: futures.D("100")},
		{ID: 2, Side: futures.SideLong, Status: futures.PositionOpen, SizeInUsd: futures.D("1000"), SizeInTokens: futures.D("10"), EntryPrice: futures.D("120"), CollateralAmount: futures.D("100")},
		{ID: 3, Side: futures.SideShort, Status: futures.PositionOpen, SizeInUsd: futures.D("1000"), SizeInTokens: futures.D("10"), EntryPrice: futures.D("130"), CollateralAmount: futures.D("100")},
		{ID: 4, Side: futures.SideLong, Status: futures.PositionClosed, SizeInUsd: futures.D("1000"), SizeInTokens: futures.D("10"), EntryPrice: futures.D("50"), CollateralAmount: futures.D("100")},
	}
	got := Collect(positions, futures.SideLong, futures.D("110"))
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Position.ID)
	assert.True(t, futures.D("100").Equal(got[0].Pnl))
	assert.True(t, futures.D("100").Equal(got[0].PnlPercentage))
	assert.True(t, futures.D("5").Equal(got[0].EffectiveLeverage))
}

func TestRedisRankingCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping test; redis not available: %v", err)
	}
	defer rdb.Close()
	cache := NewRedisRankingCache(rdb)
	const sym = "TEST-ADL"
	defer rdb.Del(ctx, indexKey(sym, futures.SideLong), detailKey(sym, futures.SideLong))

	rankings := []futures.ADLRanking{
		{PositionID: 11, ADLRank: 1, ADLScore: futures.D("0.9"), Symbol: sym, Side: futures.SideLong},
		{PositionID: 12, ADLRank: 2, ADLScore: futures.D("0.4"), Symbol: sym, Side: futures.SideLong},
	}
	require.NoError(t, cache.Save(ctx, sym, futures.SideLong, rankings))

	got, err := cache.Load(ctx, sym, futures.SideLong, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(11), got[0].PositionID)
	assert.True(t, futures.D("0.9").Equal(got[0].ADLScore))

	ranks, err := cache.TopRanks(ctx, sym, futures.SideLong, 1)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{11: 1}, ranks)

	// 替换后旧成员消失
	require.NoError(t, cache.Save(ctx, sym, futures.SideLong, rankings[1:]))
	ranks, err = cache.TopRanks(ctx, sym, futures.SideLong, 0)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{12: 2}, ranks)
}
