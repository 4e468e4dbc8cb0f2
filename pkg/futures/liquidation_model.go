// 文件: pkg/futures/liquidation_model.go
// 强平记录与保险基金数据结构

package futures

import "github.com/shopspring/decimal"

// =============================================================================
// 强平记录
// =============================================================================

// Liquidation 每个被强平的持仓恰好一条，不可变
//
// 即使后续 ADL 失败，穿仓金额也记录在这里，审计链不允许丢失任何资金事件
type Liquidation struct {
	ID          int64  `gorm:"primaryKey;autoIncrement:false"`
	PositionID  int64  `gorm:"column:position_id;uniqueIndex"`
	UserAddress string `gorm:"column:user_address;type:varchar(64);index"`
	Symbol      string `gorm:"column:symbol;type:varchar(32);index"`
	Side        Side   `gorm:"column:side;type:varchar(8)"`

	// ===== 持仓快照 =====
	PositionSizeUsd    decimal.Decimal `gorm:"column:position_size_usd;type:decimal(36,18)"`
	PositionSizeTokens decimal.Decimal `gorm:"column:position_size_tokens;type:decimal(36,18)"`
	CollateralAmount   decimal.Decimal `gorm:"column:collateral_amount;type:decimal(36,18)"`
	EntryPrice         decimal.Decimal `gorm:"column:entry_price;type:decimal(36,18)"`
	LiquidationPrice   decimal.Decimal `gorm:"column:liquidation_price;type:decimal(36,18)"`
	MarkPrice          decimal.Decimal `gorm:"column:mark_price;type:decimal(36,18)"`
	MarginRatio        decimal.Decimal `gorm:"column:margin_ratio;type:decimal(36,18)"`

	// ===== 结果 =====
	RemainingCollateral       decimal.Decimal `gorm:"column:remaining_collateral;type:decimal(36,18)"`
	LiquidationFee            decimal.Decimal `gorm:"column:liquidation_fee;type:decimal(36,18)"`
	InsuranceFundContribution decimal.Decimal `gorm:"column:insurance_fund_contribution;type:decimal(36,18)"`
	Pnl                       decimal.Decimal `gorm:"column:pnl;type:decimal(36,18)"`
	Shortfall                 decimal.Decimal `gorm:"column:shortfall;type:decimal(36,18)"`
	InsurancePayout           decimal.Decimal `gorm:"column:insurance_payout;type:decimal(36,18)"`
	UncoveredShortfall        decimal.Decimal `gorm:"column:uncovered_shortfall;type:decimal(36,18)"`

	LiquidatorAddress *string          `gorm:"column:liquidator_address;type:varchar(64)"`
	LiquidatorReward  *decimal.Decimal `gorm:"column:liquidator_reward;type:decimal(36,18)"`

	CreatedAt int64 `gorm:"column:created_at;index"`
}

func (Liquidation) TableName() string {
	return "liquidations"
}

// =============================================================================
// 保险基金
// =============================================================================

// InsuranceFund 每个 symbol 一行
// 不变量: Balance = TotalContributions - TotalPayouts >= 0
type InsuranceFund struct {
	Symbol             string          `gorm:"primaryKey;type:varchar(32)"`
	Balance            decimal.Decimal `gorm:"column:balance;type:decimal(36,18)"`
	TotalContributions decimal.Decimal `gorm:"column:total_contributions;type:decimal(36,18)"`
	TotalPayouts       decimal.Decimal `gorm:"column:total_payouts;type:decimal(36,18)"`
	UpdatedAt          int64           `gorm:"column:updated_at"`
}

func (InsuranceFund) TableName() string {
	return "insurance_funds"
}

// NewInsuranceFund 空基金
func NewInsuranceFund(symbol string) *InsuranceFund {
	return &InsuranceFund{
		Symbol:             symbol,
		Balance:            Zero,
		TotalContributions: Zero,
		TotalPayouts:       Zero,
	}
}

// Consistent 校验不变量
func (f *InsuranceFund) Consistent() bool {
	return f.Balance.Sign() >= 0 &&
		f.Balance.Equal(f.TotalContributions.Sub(f.TotalPayouts))
}

// InsuranceTxType 流水类型
type InsuranceTxType string

const (
	InsuranceTxContribution InsuranceTxType = "contribution" // 强平费注入
	InsuranceTxPayout       InsuranceTxType = "payout"       // 穿仓赔付
	InsuranceTxDeposit      InsuranceTxType = "deposit"      // 运营注资
	InsuranceTxWithdrawal   InsuranceTxType = "withdrawal"   // 运营提取
)

// Inflow 是否为流入
func (t InsuranceTxType) Inflow() bool {
	return t == InsuranceTxContribution || t == InsuranceTxDeposit
}

// InsuranceFundTransaction 余额变动流水，只追加
type InsuranceFundTransaction struct {
	ID            int64           `gorm:"primaryKey;autoIncrement:false"`
	Symbol        string          `gorm:"column:symbol;type:varchar(32);index"`
	Type          InsuranceTxType `gorm:"column:type;type:varchar(16)"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(36,18)"`
	BalanceAfter  decimal.Decimal `gorm:"column:balance_after;type:decimal(36,18)"`
	LiquidationID *int64          `gorm:"column:liquidation_id"`
	PositionID    *int64          `gorm:"column:position_id"`
	CreatedAt     int64           `gorm:"column:created_at"`
}

func (InsuranceFundTransaction) TableName() string {
	return "insurance_fund_transactions"
}

// =============================================================================
// 穿仓事件 (强平 -> ADL 的管道消息)
// =============================================================================

// ShortfallEvent 保险基金兜不住的剩余穿仓
type ShortfallEvent struct {
	Symbol        string          `json:"symbol"`
	LiquidationID int64           `json:"liquidation_id"`
	PositionID    int64           `json:"position_id"`
	Side          Side            `json:"side"` // 被强平仓位的方向
	Amount        decimal.Decimal `json:"amount"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	CreatedAt     int64           `json:"created_at"`
}
