package liquidation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/risk/perp"
)

func position(side futures.Side) *futures.Position {
	return &futures.Position{
		ID:                      1,
		Side:                    side,
		SizeInUsd:               futures.D("1000"),
		SizeInTokens:            futures.D("10"),
		CollateralAmount:        futures.D("100"),
		EntryPrice:              futures.D("100"),
		AccumulatedFundingFee:   futures.Zero,
		AccumulatedBorrowingFee: futures.Zero,
	}
}

func TestAssess_Levels(t *testing.T) {
	mmr := futures.D("0.005")
	cases := []struct {
		mark string
		want perp.RiskLevel
	}{
		{"100", perp.RiskLevelSafe},
		{"90.6", perp.RiskLevelWarning},
		{"90.55", perp.RiskLevelDanger},
		{"90.5", perp.RiskLevelLiquidate},
		{"80", perp.RiskLevelLiquidate},
	}
	for _, c := range cases {
		t.Run(c.mark, func(t *testing.T) {
			a := Assess(position(futures.SideLong), futures.D(c.mark), mmr, 7)
			assert.Equal(t, c.want, a.Level, "ratio %s", a.MarginRatio)
			assert.Equal(t, c.want == perp.RiskLevelLiquidate, a.Liquidatable())
			assert.Equal(t, int64(7), a.UpdatedAt)
		})
	}
}

func TestNearLiquidation(t *testing.T) {
	buf := futures.D("0.05")
	cases := []struct {
		name string
		side futures.Side
		liq  string
		mark string
		want bool
	}{
		{"long far", futures.SideLong, "90", "95", false},
		{"long inside buffer", futures.SideLong, "90", "94.5", true},
		{"long through", futures.SideLong, "90", "80", true},
		{"long zero liq", futures.SideLong, "0", "1", false},
		{"short far", futures.SideShort, "110", "104", false},
		{"short inside buffer", futures.SideShort, "110", "104.5", true},
		{"short zero liq", futures.SideShort, "0", "1", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, NearLiquidation(c.side, futures.D(c.liq), futures.D(c.mark), buf))
		})
	}
}

func TestComputeWaterfall(t *testing.T) {
	cfg := futures.DefaultLiquidationConfig()

	// 权益刚好等于强平费
	w := ComputeWaterfall(position(futures.SideLong), futures.D("90.5"), cfg, false)
	assert.True(t, futures.D("-95").Equal(w.Pnl))
	assert.True(t, futures.D("5").Equal(w.Equity))
	assert.True(t, futures.D("5").Equal(w.LiquidationFee))
	assert.True(t, w.InsuranceFee.IsZero())
	assert.True(t, w.Remaining.IsZero())
	assert.True(t, w.Shortfall.IsZero())
	assert.True(t, w.LiquidatorReward.IsZero())

	// 权益充足，两笔费用都扣满
	w = ComputeWaterfall(position(futures.SideLong), futures.D("95"), cfg, true)
	assert.True(t, futures.D("5").Equal(w.LiquidationFee))
	assert.True(t, futures.D("5").Equal(w.InsuranceFee))
	assert.True(t, futures.D("40").Equal(w.Remaining))
	assert.True(t, futures.D("0.5").Equal(w.LiquidatorReward))

	// 穿仓
	w = ComputeWaterfall(position(futures.SideShort), futures.D("115"), cfg, false)
	assert.True(t, futures.D("-50").Equal(w.Equity))
	assert.True(t, w.LiquidationFee.IsZero())
	assert.True(t, w.InsuranceFee.IsZero())
	assert.True(t, futures.D("50").Equal(w.Shortfall))
}
