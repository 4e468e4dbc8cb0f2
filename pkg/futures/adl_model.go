// 文件: pkg/futures/adl_model.go
// 自动减仓 (ADL) 数据结构

package futures

import "github.com/shopspring/decimal"

type ADLStatus string

const (
	ADLPending   ADLStatus = "pending"
	ADLCompleted ADLStatus = "completed"
	ADLFailed    ADLStatus = "failed"
)

// ADLEvent 一次 ADL，由某笔强平的剩余穿仓触发
type ADLEvent struct {
	ID                     int64           `gorm:"primaryKey;autoIncrement:false"`
	Symbol                 string          `gorm:"column:symbol;type:varchar(32);index"`
	LiquidationID          int64           `gorm:"column:liquidation_id;index"`
	LiquidatedPositionID   int64           `gorm:"column:liquidated_position_id"`
	Side                   Side            `gorm:"column:side;type:varchar(8)"` // 被减仓的一方
	InsuranceFundShortfall decimal.Decimal `gorm:"column:insurance_fund_shortfall;type:decimal(36,18)"`
	TotalReducedSize       decimal.Decimal `gorm:"column:total_reduced_size;type:decimal(36,18)"`
	TotalPnlRealized       decimal.Decimal `gorm:"column:total_pnl_realized;type:decimal(36,18)"`
	PositionsAffected      int             `gorm:"column:positions_affected"`
	Status                 ADLStatus       `gorm:"column:status;type:varchar(16)"`
	FailureReason          string          `gorm:"column:failure_reason;type:varchar(64)"`
	CreatedAt              int64           `gorm:"column:created_at;index"`
	CompletedAt            int64           `gorm:"column:completed_at"`
}

func (ADLEvent) TableName() string {
	return "adl_events"
}

// ADLReduction 一次 ADL 中被减仓的单个持仓
type ADLReduction struct {
	ID                 int64           `gorm:"primaryKey;autoIncrement:false"`
	ADLEventID         int64           `gorm:"column:adl_event_id;index"`
	PositionID         int64           `gorm:"column:position_id;index"`
	UserAddress        string          `gorm:"column:user_address;type:varchar(64);index"`
	SizeBefore         decimal.Decimal `gorm:"column:size_before;type:decimal(36,18)"`
	SizeAfter          decimal.Decimal `gorm:"column:size_after;type:decimal(36,18)"`
	SizeReduced        decimal.Decimal `gorm:"column:size_reduced;type:decimal(36,18)"`
	PnlBefore          decimal.Decimal `gorm:"column:pnl_before;type:decimal(36,18)"`
	PnlAfter           decimal.Decimal `gorm:"column:pnl_after;type:decimal(36,18)"`
	PnlRealized        decimal.Decimal `gorm:"column:pnl_realized;type:decimal(36,18)"`
	ExecutionPrice     decimal.Decimal `gorm:"column:execution_price;type:decimal(36,18)"`
	ADLRank            int             `gorm:"column:adl_rank"`
	ADLScore           decimal.Decimal `gorm:"column:adl_score;type:decimal(36,18)"`
	CompensationAmount decimal.Decimal `gorm:"column:compensation_amount;type:decimal(36,18)"`
	CreatedAt          int64           `gorm:"column:created_at"`
}

func (ADLReduction) TableName() string {
	return "adl_reductions"
}

// ADLRanking 排名缓存条目，只作提示，执行前必须用实时 PnL 重新校验
type ADLRanking struct {
	PositionID        int64           `json:"position_id"`
	UserAddress       string          `json:"user_address"`
	Symbol            string          `json:"symbol"`
	Side              Side            `json:"side"`
	ADLScore          decimal.Decimal `json:"adl_score"`
	ADLRank           int             `json:"adl_rank"`
	PnlPercentage     decimal.Decimal `json:"pnl_percentage"`
	EffectiveLeverage decimal.Decimal `json:"effective_leverage"`
	SizeInUsd         decimal.Decimal `json:"size_in_usd"`
	UpdatedAt         int64           `json:"updated_at"`
}
