// 文件: pkg/futures/funding_model.go
// 资金费率相关数据结构

package futures

import "github.com/shopspring/decimal"

// =============================================================================
// 资金费率快照
// =============================================================================

// FundingRate 资金费率时间序列
//
// 每个 symbol 同时只有一条 SettledAt == 0 的 "当前" 记录，
// 结算后盖上 SettledAt 并追加下一条。
type FundingRate struct {
	ID                 int64           `gorm:"primaryKey;autoIncrement:false"`
	Symbol             string          `gorm:"column:symbol;type:varchar(32);index:idx_symbol_settled"`
	FundingRate        decimal.Decimal `gorm:"column:funding_rate;type:decimal(36,18)"`
	FundingRatePerHour decimal.Decimal `gorm:"column:funding_rate_per_hour;type:decimal(36,18)"`
	MarkPrice          decimal.Decimal `gorm:"column:mark_price;type:decimal(36,18)"`
	IndexPrice         decimal.Decimal `gorm:"column:index_price;type:decimal(36,18)"`
	LongOpenInterest   decimal.Decimal `gorm:"column:long_open_interest;type:decimal(36,18)"`
	ShortOpenInterest  decimal.Decimal `gorm:"column:short_open_interest;type:decimal(36,18)"`
	NextFundingTime    int64           `gorm:"column:next_funding_time"`
	SettledAt          int64           `gorm:"column:settled_at;index:idx_symbol_settled"` // 0 = 未结算
	CreatedAt          int64           `gorm:"column:created_at"`
	UpdatedAt          int64           `gorm:"column:updated_at"`
}

func (FundingRate) TableName() string {
	return "funding_rates"
}

func (r *FundingRate) IsSettled() bool {
	return r.SettledAt > 0
}

// =============================================================================
// 资金费结算流水
// =============================================================================

// FundingSettlement 每个 (持仓, 费率) 一条，不可变
//
// FundingFee 正数=支付，负数=收取，与 Position.AccumulatedFundingFee 同号
type FundingSettlement struct {
	ID            int64           `gorm:"primaryKey;autoIncrement:false"`
	PositionID    int64           `gorm:"column:position_id;uniqueIndex:idx_position_rate"`
	FundingRateID int64           `gorm:"column:funding_rate_id;uniqueIndex:idx_position_rate"`
	UserAddress   string          `gorm:"column:user_address;type:varchar(64);index"`
	Symbol        string          `gorm:"column:symbol;type:varchar(32)"`
	FundingRate   decimal.Decimal `gorm:"column:funding_rate;type:decimal(36,18)"`
	PositionSize  decimal.Decimal `gorm:"column:position_size;type:decimal(36,18)"`
	FundingFee    decimal.Decimal `gorm:"column:funding_fee;type:decimal(36,18)"`
	BorrowingFee  decimal.Decimal `gorm:"column:borrowing_fee;type:decimal(36,18)"`
	IsLong        bool            `gorm:"column:is_long"`
	SettledAt     int64           `gorm:"column:settled_at;index"`
}

func (FundingSettlement) TableName() string {
	return "funding_settlements"
}
