package perp

import "github.com/shopspring/decimal"

const scale int32 = 18

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)
)

func div(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return zero
	}
	return a.DivRound(b, scale)
}

// RiskLevel 风险等级
type RiskLevel int

const (
	RiskLevelSafe      RiskLevel = iota // 绿色：安全 (风险率 < 70%)
	RiskLevelWarning                    // 黄色：预警 (风险率 70% - 90%)
	RiskLevelDanger                     // 红色：危险 (风险率 90% - 100%)
	RiskLevelLiquidate                  // 强平：引擎接管 (风险率 >= 100%)
)

func (l RiskLevel) String() string {
	switch l {
	case RiskLevelSafe:
		return "safe"
	case RiskLevelWarning:
		return "warning"
	case RiskLevelDanger:
		return "danger"
	default:
		return "liquidate"
	}
}

// 风险阈值配置 (风险率 = 维持保证金率 / 保证金率)
var (
	WarningThreshold = decimal.RequireFromString("0.70")
	DangerThreshold  = decimal.RequireFromString("0.90")
)

// UnrealizedPnL 未实现盈亏
//
//	多仓: tokens * (mark - entry)
//	空仓: tokens * (entry - mark)
func UnrealizedPnL(isLong bool, sizeInTokens, entryPrice, markPrice decimal.Decimal) decimal.Decimal {
	diff := markPrice.Sub(entryPrice)
	if !isLong {
		diff = diff.Neg()
	}
	return sizeInTokens.Mul(diff).Round(scale)
}

// Equity 动态权益 = 保证金 + uPnL - 累计费用
func Equity(collateral, uPnL, accumulatedFees decimal.Decimal) decimal.Decimal {
	return collateral.Add(uPnL).Sub(accumulatedFees)
}

// MarginRatio 保证金率
//
//	marginRatio = (collateral + uPnL - fees) / sizeInUsd
//
// sizeInUsd 为 0 时返回 0 (视为已无仓位)
func MarginRatio(collateral, uPnL, accumulatedFees, sizeInUsd decimal.Decimal) decimal.Decimal {
	return div(Equity(collateral, uPnL, accumulatedFees), sizeInUsd)
}

// IsLiquidatable 保证金率 <= 维持保证金率 即可强平
//
// 例: collateral=100, size=1000, mmr=0.005
// uPnL = -95 时 (100-95)/1000 = 0.005，恰好触发
func IsLiquidatable(marginRatio, maintenanceRate decimal.Decimal) bool {
	return marginRatio.LessThanOrEqual(maintenanceRate)
}

// Level 按风险率分级
func Level(marginRatio, maintenanceRate decimal.Decimal) RiskLevel {
	if IsLiquidatable(marginRatio, maintenanceRate) {
		return RiskLevelLiquidate
	}
	riskRate := div(maintenanceRate, marginRatio)
	switch {
	case riskRate.GreaterThanOrEqual(DangerThreshold):
		return RiskLevelDanger
	case riskRate.GreaterThanOrEqual(WarningThreshold):
		return RiskLevelWarning
	default:
		return RiskLevelSafe
	}
}

// CalculateLiquidationPrice 计算强平价格
//
// 【公式推导】
// 强平条件: (collateral + uPnL - fees) / sizeInUsd = mmr
//
//	多仓: collateral + tokens*(P - entry) - fees = mmr*sizeInUsd
//	      P = entry + (mmr*sizeInUsd - collateral + fees) / tokens
//
//	空仓: collateral + tokens*(entry - P) - fees = mmr*sizeInUsd
//	      P = entry - (mmr*sizeInUsd - collateral + fees) / tokens
//
// 结果小于 0 时返回 0 (该方向永远不会被强平)
func CalculateLiquidationPrice(
	isLong bool,
	sizeInTokens, sizeInUsd, entryPrice, collateral, accumulatedFees, maintenanceRate decimal.Decimal,
) decimal.Decimal {
	if sizeInTokens.Sign() <= 0 {
		return zero
	}

	required := maintenanceRate.Mul(sizeInUsd)
	offset := div(required.Sub(collateral).Add(accumulatedFees), sizeInTokens)

	var price decimal.Decimal
	if isLong {
		price = entryPrice.Add(offset)
	} else {
		price = entryPrice.Sub(offset)
	}
	if price.Sign() < 0 {
		return zero
	}
	return price.Round(scale)
}

// EffectiveLeverage 有效杠杆 = sizeInUsd / equity
// 权益 <= 0 时返回 0，调用方需单独处理穿仓仓位
func EffectiveLeverage(sizeInUsd, equity decimal.Decimal) decimal.Decimal {
	if equity.Sign() <= 0 {
		return zero
	}
	return div(sizeInUsd, equity)
}

// DistanceToLiquidation 当前价距强平价的相对距离 |mark - liq| / mark
func DistanceToLiquidation(markPrice, liquidationPrice decimal.Decimal) decimal.Decimal {
	if markPrice.Sign() <= 0 || liquidationPrice.Sign() <= 0 {
		return one
	}
	return div(markPrice.Sub(liquidationPrice).Abs(), markPrice)
}
