// 文件: pkg/futures/position.go
// 合约持仓数据结构
//
// 【存储策略】
// - 主存储: MySQL (持久化)
// - 状态迁移只允许 open -> closed / open -> liquidated，全部走 CAS
// - 同一 (user, symbol, side) 同时最多一个 open 持仓，由 open_key 唯一索引保证

package futures

import (
	"fmt"

	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/risk/perp"
)

// =============================================================================
// 持仓方向 / 状态
// =============================================================================

type Side string

const (
	SideLong  Side = "long"  // 多头
	SideShort Side = "short" // 空头
)

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Opposite 对手方向
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

// CanTransition 合法状态迁移
func (s PositionStatus) CanTransition(to PositionStatus) bool {
	return s == PositionOpen && (to == PositionClosed || to == PositionLiquidated)
}

// =============================================================================
// Position - 用户持仓
// =============================================================================

// Position 用户在某合约上的持仓
//
// 【关键概念区分】
// - 未实现盈亏 (uPnL): 随价格实时变化，UnrealizedPnL(mark) 计算，DB 中只存最近一次快照
// - 已实现盈亏 (RealizedPnL): 只有平仓/减仓/强平/ADL 时才产生
// - 累计资金费: 正数=已支付，负数=已收取
type Position struct {
	ID          int64  `gorm:"primaryKey;autoIncrement:false"`
	UserAddress string `gorm:"column:user_address;type:varchar(64);index"`
	Symbol      string `gorm:"column:symbol;type:varchar(32);index:idx_symbol_status"`
	Side        Side   `gorm:"column:side;type:varchar(8)"`

	// ===== 仓位 =====
	SizeInUsd        decimal.Decimal `gorm:"column:size_in_usd;type:decimal(36,18)"`
	SizeInTokens     decimal.Decimal `gorm:"column:size_in_tokens;type:decimal(36,18)"`
	CollateralAmount decimal.Decimal `gorm:"column:collateral_amount;type:decimal(36,18)"`
	EntryPrice       decimal.Decimal `gorm:"column:entry_price;type:decimal(36,18)"`
	Leverage         int32           `gorm:"column:leverage"`
	LiquidationPrice decimal.Decimal `gorm:"column:liquidation_price;type:decimal(36,18)"` // 缓存值，只作快速过滤

	// ===== 费用累加器 =====
	BorrowingFactor         decimal.Decimal `gorm:"column:borrowing_factor;type:decimal(36,18)"`
	FundingFeeAmountPerSize decimal.Decimal `gorm:"column:funding_fee_amount_per_size;type:decimal(36,18)"`
	AccumulatedFundingFee   decimal.Decimal `gorm:"column:accumulated_funding_fee;type:decimal(36,18)"`
	AccumulatedBorrowingFee decimal.Decimal `gorm:"column:accumulated_borrowing_fee;type:decimal(36,18)"`

	UnrealizedPnl decimal.Decimal `gorm:"column:unrealized_pnl;type:decimal(36,18)"`
	RealizedPnl   decimal.Decimal `gorm:"column:realized_pnl;type:decimal(36,18)"`

	Status PositionStatus `gorm:"column:status;type:varchar(16);index:idx_symbol_status"`
	// open 时为 user:symbol:side，终态置 NULL；MySQL 唯一索引允许多个 NULL
	OpenKey *string `gorm:"column:open_key;type:varchar(128);uniqueIndex"`

	IncreasedAt  int64 `gorm:"column:increased_at"`
	DecreasedAt  int64 `gorm:"column:decreased_at"`
	LastFundedAt int64 `gorm:"column:last_funded_at"`
	CreatedAt    int64 `gorm:"column:created_at"`
	UpdatedAt    int64 `gorm:"column:updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// OpenKeyFor 开仓唯一键
func OpenKeyFor(user, symbol string, side Side) string {
	return fmt.Sprintf("%s:%s:%s", user, symbol, side)
}

func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen
}

func (p *Position) IsLong() bool {
	return p.Side == SideLong
}

// Clone 深拷贝 (decimal 本身不可变，浅拷贝字段即可)
func (p *Position) Clone() *Position {
	cp := *p
	if p.OpenKey != nil {
		k := *p.OpenKey
		cp.OpenKey = &k
	}
	return &cp
}

// AccumulatedFees 累计资金费 + 借贷费
func (p *Position) AccumulatedFees() decimal.Decimal {
	return p.AccumulatedFundingFee.Add(p.AccumulatedBorrowingFee)
}

// UnrealizedPnL 按标记价计算未实现盈亏
func (p *Position) UnrealizedPnL(markPrice decimal.Decimal) decimal.Decimal {
	return perp.UnrealizedPnL(p.IsLong(), p.SizeInTokens, p.EntryPrice, markPrice)
}

// Equity 动态权益
func (p *Position) Equity(markPrice decimal.Decimal) decimal.Decimal {
	return perp.Equity(p.CollateralAmount, p.UnrealizedPnL(markPrice), p.AccumulatedFees())
}

// MarginRatio 实时保证金率
func (p *Position) MarginRatio(markPrice decimal.Decimal) decimal.Decimal {
	return perp.MarginRatio(p.CollateralAmount, p.UnrealizedPnL(markPrice), p.AccumulatedFees(), p.SizeInUsd)
}

// RecalculateLiquidationPrice 仓位/保证金/费用变化后必须调用
func (p *Position) RecalculateLiquidationPrice(maintenanceRate decimal.Decimal) {
	p.LiquidationPrice = perp.CalculateLiquidationPrice(
		p.IsLong(), p.SizeInTokens, p.SizeInUsd, p.EntryPrice,
		p.CollateralAmount, p.AccumulatedFees(), maintenanceRate,
	)
}

// =============================================================================
// 减仓
// =============================================================================

// ReduceResult 减仓结果
type ReduceResult struct {
	SizeBefore  decimal.Decimal // 减仓前 sizeInUsd
	SizeReduced decimal.Decimal // 减掉的 sizeInUsd
	TokensDelta decimal.Decimal
	PnlBefore   decimal.Decimal // 减仓前 uPnL
	PnlRealized decimal.Decimal
	Collateral  decimal.Decimal // 释放的保证金
	FullyClosed bool
}

// Reduce 按比例减仓并在 price 处实现盈亏
//
// fraction ∈ (0, 1]，1 即全平。全平时只修改数值字段，状态迁移由调用方走 CAS。
// 累计费用不随减仓变化，必须与 FundingSettlement 流水对账。
func (p *Position) Reduce(fraction, price decimal.Decimal, now int64) ReduceResult {
	fraction = Clamp(fraction, Zero, One)
	pnl := p.UnrealizedPnL(price)

	res := ReduceResult{
		SizeBefore: p.SizeInUsd,
		PnlBefore:  pnl,
	}
	if fraction.Equal(One) {
		res.SizeReduced = p.SizeInUsd
		res.TokensDelta = p.SizeInTokens
		res.PnlRealized = pnl
		res.Collateral = p.CollateralAmount
		res.FullyClosed = true

		p.SizeInUsd = Zero
		p.SizeInTokens = Zero
		p.CollateralAmount = Zero
		p.UnrealizedPnl = Zero
	} else {
		res.SizeReduced = Mul(p.SizeInUsd, fraction)
		res.TokensDelta = Mul(p.SizeInTokens, fraction)
		res.PnlRealized = Mul(pnl, fraction)
		res.Collateral = Mul(p.CollateralAmount, fraction)

		p.SizeInUsd = p.SizeInUsd.Sub(res.SizeReduced)
		p.SizeInTokens = p.SizeInTokens.Sub(res.TokensDelta)
		p.CollateralAmount = p.CollateralAmount.Sub(res.Collateral)
		p.UnrealizedPnl = pnl.Sub(res.PnlRealized)
	}

	p.RealizedPnl = p.RealizedPnl.Add(res.PnlRealized)
	p.DecreasedAt = now
	p.UpdatedAt = now
	return res
}

// MarkTerminal 进入终态前调用
func (p *Position) MarkTerminal(status PositionStatus, now int64) {
	p.Status = status
	p.OpenKey = nil
	p.UpdatedAt = now
}
