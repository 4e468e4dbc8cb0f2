package liquidation

import (
	"errors"

	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/risk/perp"
)

// ErrNotLiquidatable 实时校验后保证金率仍高于维持保证金率
var ErrNotLiquidatable = errors.New("position is not liquidatable at current mark")

// =============================================================================
// 风险评估
// =============================================================================

// Assessment 单个持仓在某个标记价下的风险快照
//
// 使用值类型，扫描结果按分片收集后合并
type Assessment struct {
	PositionID       int64
	UserAddress      string
	Side             futures.Side
	MarginRatio      decimal.Decimal
	LiquidationPrice decimal.Decimal
	Level            perp.RiskLevel
	UpdatedAt        int64
}

// Liquidatable 是否进入强平区
func (a Assessment) Liquidatable() bool {
	return a.Level == perp.RiskLevelLiquidate
}

// Assess 计算风险快照
func Assess(p *futures.Position, mark, maintenanceRate decimal.Decimal, now int64) Assessment {
	ratio := p.MarginRatio(mark)
	return Assessment{
		PositionID:       p.ID,
		UserAddress:      p.UserAddress,
		Side:             p.Side,
		MarginRatio:      ratio,
		LiquidationPrice: p.LiquidationPrice,
		Level:            perp.Level(ratio, maintenanceRate),
		UpdatedAt:        now,
	}
}

// NearLiquidation 快速过滤: 用缓存的强平价 + 缓冲判断是否需要实时校验
//
//	多仓: mark <= liqPrice * (1 + buffer)
//	空仓: mark >= liqPrice * (1 - buffer)
//
// 缓存强平价为 0 的多仓永远不会进入候选
func NearLiquidation(side futures.Side, liqPrice, mark, buffer decimal.Decimal) bool {
	if side == futures.SideLong {
		return mark.LessThanOrEqual(futures.Mul(liqPrice, futures.One.Add(buffer)))
	}
	if liqPrice.Sign() <= 0 {
		return true
	}
	return mark.GreaterThanOrEqual(futures.Mul(liqPrice, futures.One.Sub(buffer)))
}

// =============================================================================
// 强平资金瀑布
// =============================================================================

// Waterfall 强平时从保证金中依次扣除的费用
//
//	equity        = collateral + pnl - fees
//	liquidationFee = min(size * liquidation_fee_rate, max(equity, 0))
//	insuranceFee   = min(size * insurance_fund_fee_rate, max(equity - liquidationFee, 0))
//	remaining      = max(0, equity - liquidationFee - insuranceFee)
//	shortfall      = max(0, -equity)
type Waterfall struct {
	Pnl              decimal.Decimal
	Equity           decimal.Decimal
	LiquidationFee   decimal.Decimal
	InsuranceFee     decimal.Decimal
	LiquidatorReward decimal.Decimal
	Remaining        decimal.Decimal
	Shortfall        decimal.Decimal
}

// ComputeWaterfall 计算强平瀑布，withLiquidator 为 false 时没有清算人奖励
func ComputeWaterfall(p *futures.Position, mark decimal.Decimal, cfg futures.LiquidationConfig, withLiquidator bool) Waterfall {
	pnl := p.UnrealizedPnL(mark)
	equity := p.Equity(mark)
	available := futures.Max(equity, futures.Zero)

	liqFee := futures.Min(futures.Mul(p.SizeInUsd, cfg.LiquidationFeeRate), available)
	insFee := futures.Min(futures.Mul(p.SizeInUsd, cfg.InsuranceFundFeeRate), futures.Max(equity.Sub(liqFee), futures.Zero))

	w := Waterfall{
		Pnl:              pnl,
		Equity:           equity,
		LiquidationFee:   liqFee,
		InsuranceFee:     insFee,
		LiquidatorReward: futures.Zero,
		Remaining:        futures.Max(equity.Sub(liqFee).Sub(insFee), futures.Zero),
		Shortfall:        futures.Max(equity.Neg(), futures.Zero),
	}
	if withLiquidator {
		w.LiquidatorReward = futures.Mul(liqFee, cfg.LiquidatorRewardRate)
	}
	return w
}

// =============================================================================
// 扫描结果
// =============================================================================

// ScanResult 一次扫描的统计
type ScanResult struct {
	Symbol     string
	Full       bool
	Checked    int // 参与实时校验的持仓数
	Candidates int // 实时校验后可强平的数量
	Liquidated []*futures.Liquidation
	Deferred   int // 拿不到锁留给下个 tick
}
