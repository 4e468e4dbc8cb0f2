package perp

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func BenchmarkMarginRatio(b *testing.B) {
	tokens, entry, mark := d("0.02"), d("50000"), d("48000")
	collateral, fees, size := d("100"), d("1.25"), d("1000")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		upnl := UnrealizedPnL(true, tokens, entry, mark)
		_ = MarginRatio(collateral, upnl, fees, size)
	}
}

func TestUnrealizedPnL(t *testing.T) {
	assert.True(t, d("20").Equal(UnrealizedPnL(true, d("1"), d("100"), d("120"))))
	assert.True(t, d("-20").Equal(UnrealizedPnL(false, d("1"), d("100"), d("120"))))
	assert.True(t, d("5").Equal(UnrealizedPnL(false, d("0.5"), d("100"), d("90"))))
}

func TestIsLiquidatable_Boundary(t *testing.T) {
	mmr := d("0.005")
	collateral, size := d("100"), d("1000")

	// uPnL = -95 -> ratio = 0.005, 恰好触发
	ratio := MarginRatio(collateral, d("-95"), decimal.Zero, size)
	assert.True(t, ratio.Equal(d("0.005")))
	assert.True(t, IsLiquidatable(ratio, mmr))

	ratio = MarginRatio(collateral, d("-94.99"), decimal.Zero, size)
	assert.False(t, IsLiquidatable(ratio, mmr))

	// 累计费用同样压缩保证金
	ratio = MarginRatio(collateral, d("-90"), d("5"), size)
	assert.True(t, IsLiquidatable(ratio, mmr))
}

func TestCalculateLiquidationPrice(t *testing.T) {
	t.Run("Long Position", func(t *testing.T) {
		// 10 tokens @100, size 1000, collateral 100, mmr 0.005
		// P = 100 + (5 - 100)/10 = 90.5
		p := CalculateLiquidationPrice(true, d("10"), d("1000"), d("100"), d("100"), decimal.Zero, d("0.005"))
		assert.True(t, d("90.5").Equal(p), p.String())

		upnl := UnrealizedPnL(true, d("10"), d("100"), p)
		assert.True(t, IsLiquidatable(MarginRatio(d("100"), upnl, decimal.Zero, d("1000")), d("0.005")))
	})

	t.Run("Short Position", func(t *testing.T) {
		p := CalculateLiquidationPrice(false, d("10"), d("1000"), d("100"), d("100"), decimal.Zero, d("0.005"))
		assert.True(t, d("109.5").Equal(p), p.String())
	})

	t.Run("Fees move liquidation price closer", func(t *testing.T) {
		p := CalculateLiquidationPrice(true, d("10"), d("1000"), d("100"), d("100"), d("10"), d("0.005"))
		assert.True(t, d("91.5").Equal(p), p.String())
	})

	t.Run("Over-collateralized long never liquidates", func(t *testing.T) {
		p := CalculateLiquidationPrice(true, d("10"), d("1000"), d("100"), d("2000"), decimal.Zero, d("0.005"))
		assert.True(t, p.IsZero())
	})
}

func TestLevel(t *testing.T) {
	mmr := d("0.005")
	assert.Equal(t, RiskLevelSafe, Level(d("0.1"), mmr))
	assert.Equal(t, RiskLevelWarning, Level(d("0.007"), mmr))
	assert.Equal(t, RiskLevelDanger, Level(d("0.0052"), mmr))
	assert.Equal(t, RiskLevelLiquidate, Level(d("0.005"), mmr))
}

func TestEffectiveLeverage(t *testing.T) {
	assert.True(t, d("10").Equal(EffectiveLeverage(d("1000"), d("100"))))
	assert.True(t, EffectiveLeverage(d("1000"), d("-1")).IsZero())
}
