// 文件: pkg/futures/trigger_model.go
// 条件单 (止损/止盈/跟踪止损) 数据结构

package futures

import "github.com/shopspring/decimal"

type TriggerType string

const (
	TriggerStopLoss        TriggerType = "stop_loss"
	TriggerTakeProfit      TriggerType = "take_profit"
	TriggerTrailingStop    TriggerType = "trailing_stop"
	TriggerStopLimit       TriggerType = "stop_limit"
	TriggerTakeProfitLimit TriggerType = "take_profit_limit"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerStopLoss, TriggerTakeProfit, TriggerTrailingStop, TriggerStopLimit, TriggerTakeProfitLimit:
		return true
	}
	return false
}

// IsLimit 触发后以限价单执行
func (t TriggerType) IsLimit() bool {
	return t == TriggerStopLimit || t == TriggerTakeProfitLimit
}

type TriggerCondition string

const (
	PriceAbove TriggerCondition = "price_above" // mark >= trigger
	PriceBelow TriggerCondition = "price_below" // mark <= trigger
)

type TrailingDeltaType string

const (
	TrailingAbsolute   TrailingDeltaType = "absolute"
	TrailingPercentage TrailingDeltaType = "percentage"
)

// OrderSide 订单方向
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// CloseSideFor 平掉某方向持仓需要的订单方向
func CloseSideFor(side Side) OrderSide {
	if side == SideLong {
		return OrderSell
	}
	return OrderBuy
}

type TriggerStatus string

const (
	TriggerActive    TriggerStatus = "active"
	TriggerTriggered TriggerStatus = "triggered"
	TriggerExecuted  TriggerStatus = "executed"
	TriggerCancelled TriggerStatus = "cancelled"
	TriggerExpired   TriggerStatus = "expired"
	TriggerFailed    TriggerStatus = "failed"
)

// =============================================================================
// TriggerOrder
// =============================================================================

type TriggerOrder struct {
	ID          int64     `gorm:"primaryKey;autoIncrement:false"`
	UserAddress string    `gorm:"column:user_address;type:varchar(64);index"`
	Symbol      string    `gorm:"column:symbol;type:varchar(32);index:idx_symbol_status"`
	PositionID  *int64    `gorm:"column:position_id;index"`
	Side        OrderSide `gorm:"column:side;type:varchar(8)"`

	TriggerType      TriggerType      `gorm:"column:trigger_type;type:varchar(24)"`
	TriggerCondition TriggerCondition `gorm:"column:trigger_condition;type:varchar(16)"`
	TriggerPrice     decimal.Decimal  `gorm:"column:trigger_price;type:decimal(36,18)"`
	LimitPrice       *decimal.Decimal `gorm:"column:limit_price;type:decimal(36,18)"`
	Size             decimal.Decimal  `gorm:"column:size;type:decimal(36,18)"` // sizeInUsd，CloseAll 时忽略

	// ===== 跟踪止损 =====
	TrailingDelta     *decimal.Decimal  `gorm:"column:trailing_delta;type:decimal(36,18)"`
	TrailingDeltaType TrailingDeltaType `gorm:"column:trailing_delta_type;type:varchar(16)"`
	PeakPrice         *decimal.Decimal  `gorm:"column:peak_price;type:decimal(36,18)"`

	Status        TriggerStatus `gorm:"column:status;type:varchar(16);index:idx_symbol_status"`
	ReduceOnly    bool          `gorm:"column:reduce_only"`
	ClosePosition bool          `gorm:"column:close_position"`
	ExpiresAt     int64         `gorm:"column:expires_at"` // 0 = 不过期
	TriggeredAt   int64         `gorm:"column:triggered_at"`
	CreatedAt     int64         `gorm:"column:created_at"`
	UpdatedAt     int64         `gorm:"column:updated_at"`
}

func (TriggerOrder) TableName() string {
	return "trigger_orders"
}

func (o *TriggerOrder) Clone() *TriggerOrder {
	cp := *o
	return &cp
}

// IsTerminal 终态
func (o *TriggerOrder) IsTerminal() bool {
	switch o.Status {
	case TriggerExecuted, TriggerCancelled, TriggerExpired, TriggerFailed:
		return true
	}
	return false
}

// PositionTpSl 每个持仓最多一行，聚合其止盈/止损/跟踪止损单
type PositionTpSl struct {
	PositionID          int64  `gorm:"primaryKey;autoIncrement:false"`
	UserAddress         string `gorm:"column:user_address;type:varchar(64)"`
	Symbol              string `gorm:"column:symbol;type:varchar(32)"`
	TakeProfitOrderID   *int64 `gorm:"column:take_profit_order_id"`
	StopLossOrderID     *int64 `gorm:"column:stop_loss_order_id"`
	TrailingStopOrderID *int64 `gorm:"column:trailing_stop_order_id"`
	UpdatedAt           int64  `gorm:"column:updated_at"`
}

func (PositionTpSl) TableName() string {
	return "position_tp_sl"
}

// OrderIDs 全部挂单 ID
func (t *PositionTpSl) OrderIDs() []int64 {
	var ids []int64
	for _, id := range []*int64{t.TakeProfitOrderID, t.StopLossOrderID, t.TrailingStopOrderID} {
		if id != nil {
			ids = append(ids, *id)
		}
	}
	return ids
}

// TriggerOrderExecution 每次触发执行的不可变记录
type TriggerOrderExecution struct {
	ID             int64           `gorm:"primaryKey;autoIncrement:false"`
	TriggerOrderID int64           `gorm:"column:trigger_order_id;uniqueIndex"`
	UserAddress    string          `gorm:"column:user_address;type:varchar(64);index"`
	PositionID     *int64          `gorm:"column:position_id"`
	TriggerPrice   decimal.Decimal `gorm:"column:trigger_price;type:decimal(36,18)"`
	MarkPrice      decimal.Decimal `gorm:"column:mark_price;type:decimal(36,18)"`
	ExecutionPrice decimal.Decimal `gorm:"column:execution_price;type:decimal(36,18)"`
	Size           decimal.Decimal `gorm:"column:size;type:decimal(36,18)"`
	Side           OrderSide       `gorm:"column:side;type:varchar(8)"`
	Success        bool            `gorm:"column:success"`
	ErrorMessage   string          `gorm:"column:error_message;type:varchar(255)"`
	RealizedPnl    decimal.Decimal `gorm:"column:realized_pnl;type:decimal(36,18)"`
	ExecutedAt     int64           `gorm:"column:executed_at"`
}

func (TriggerOrderExecution) TableName() string {
	return "trigger_order_executions"
}
