// 文件: pkg/funding/calculator.go
// 资金费率 / 资金费计算 (纯函数)
//
// 【核心公式】
// 资金费率 = Clamp((多头OI - 空头OI) / max(总OI, impact_pool_size) × funding_factor, min, max)
// 每小时费率 = 资金费率 / 结算周期小时数
//
// 【资金费公式】
// elapsed    = min(now - max(last_funded_at, created_at), interval)
// fundingFee = size_in_usd × 资金费率 × elapsed / interval
// 多头付 +fee，空头付 -fee (费率 > 0 时多付空收)
//
// borrowingFee = size_in_usd × borrowing_rate_per_hour × elapsed小时数，永远由持仓支付

package funding

import (
	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/futures"
)

const millisPerHour = 3600 * 1000

// OpenInterest 单个市场的多空未平仓量 (sizeInUsd 合计)
type OpenInterest struct {
	Long  decimal.Decimal
	Short decimal.Decimal
}

// Total 总 OI
func (oi OpenInterest) Total() decimal.Decimal {
	return oi.Long.Add(oi.Short)
}

// Collect 汇总 open 持仓
func Collect(positions []*futures.Position) OpenInterest {
	oi := OpenInterest{Long: futures.Zero, Short: futures.Zero}
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		if p.IsLong() {
			oi.Long = oi.Long.Add(p.SizeInUsd)
		} else {
			oi.Short = oi.Short.Add(p.SizeInUsd)
		}
	}
	return oi
}

// Rate 按多空失衡计算资金费率，分母为 0 时返回 0
func Rate(oi OpenInterest, cfg futures.MarketFundingConfig) decimal.Decimal {
	denom := futures.Max(oi.Total(), cfg.ImpactPoolSize)
	if denom.Sign() <= 0 {
		return futures.Zero
	}
	raw := futures.Mul(futures.Div(oi.Long.Sub(oi.Short), denom), cfg.FundingFactor)
	return futures.Clamp(raw, cfg.MinFundingRate, cfg.MaxFundingRate)
}

// RatePerHour 每小时费率
func RatePerHour(rate decimal.Decimal, cfg futures.MarketFundingConfig) decimal.Decimal {
	if cfg.FundingIntervalHours <= 0 {
		return futures.Zero
	}
	return futures.Div(rate, decimal.NewFromInt(int64(cfg.FundingIntervalHours)))
}

// NextBoundary now 之后的第一个结算时间点 (按周期整点对齐)
func NextBoundary(now int64, cfg futures.MarketFundingConfig) int64 {
	interval := cfg.IntervalMillis()
	if interval <= 0 {
		return now
	}
	return (now/interval + 1) * interval
}

// Accrual 单个持仓一次结算的费用
type Accrual struct {
	ElapsedMs     int64
	Fraction      decimal.Decimal // elapsed / interval
	FundingFee    decimal.Decimal // 正数=支付
	FeePerSize    decimal.Decimal // 单位规模资金费，与 FundingFee 同号
	BorrowingFee  decimal.Decimal
	BorrowingRate decimal.Decimal // 本次累加到 borrowing_factor 的值
}

// Accrue 计算持仓从上次结算到 now 的资金费和借贷费
func Accrue(p *futures.Position, rate decimal.Decimal, cfg futures.MarketFundingConfig, now int64) Accrual {
	interval := cfg.IntervalMillis()
	start := p.LastFundedAt
	if p.CreatedAt > start {
		start = p.CreatedAt
	}
	elapsed := now - start
	if elapsed > interval {
		elapsed = interval
	}
	if elapsed <= 0 || interval <= 0 {
		return Accrual{
			Fraction: futures.Zero, FundingFee: futures.Zero, FeePerSize: futures.Zero,
			BorrowingFee: futures.Zero, BorrowingRate: futures.Zero,
		}
	}

	fraction := futures.Div(decimal.NewFromInt(elapsed), decimal.NewFromInt(interval))
	perSize := futures.Mul(rate, fraction)
	if !p.IsLong() {
		perSize = perSize.Neg()
	}

	hours := futures.Div(decimal.NewFromInt(elapsed), decimal.NewFromInt(millisPerHour))
	borrowRate := futures.Mul(cfg.BorrowingRatePerHour, hours)

	return Accrual{
		ElapsedMs:     elapsed,
		Fraction:      fraction,
		FundingFee:    futures.Mul(p.SizeInUsd, perSize),
		FeePerSize:    perSize,
		BorrowingFee:  futures.Mul(p.SizeInUsd, borrowRate),
		BorrowingRate: borrowRate,
	}
}

// Apply 把费用累加到持仓上
func (a Accrual) Apply(p *futures.Position, now int64) {
	p.AccumulatedFundingFee = p.AccumulatedFundingFee.Add(a.FundingFee)
	p.FundingFeeAmountPerSize = p.FundingFeeAmountPerSize.Add(a.FeePerSize)
	p.AccumulatedBorrowingFee = p.AccumulatedBorrowingFee.Add(a.BorrowingFee)
	p.BorrowingFactor = p.BorrowingFactor.Add(a.BorrowingRate)
	p.LastFundedAt = now
	p.UpdatedAt = now
}
