// 文件: pkg/trigger/evaluate.go
// 条件单触发判断
//
// 所有类型共用一个 Evaluate:
//   - 过期                -> expire
//   - price_above         -> mark >= trigger 触发
//   - price_below         -> mark <= trigger 触发
//   - trailing_stop 卖单  -> 峰值取最高价，mark <= peak - delta (或 peak × (1 - delta%)) 触发
//   - trailing_stop 买单  -> 峰值取最低价，mark >= peak + delta (或 peak × (1 + delta%)) 触发

package trigger

import (
	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/futures"
)

// Action 评估结果
type Action int

const (
	ActionPending Action = iota
	ActionFire
	ActionExpire
)

func (a Action) String() string {
	switch a {
	case ActionFire:
		return "fire"
	case ActionExpire:
		return "expire"
	default:
		return "pending"
	}
}

// Evaluation 一次评估
type Evaluation struct {
	Action    Action
	PeakPrice *decimal.Decimal // 跟踪止损的新峰值，只在移动时非 nil
}

// PeakMoved 峰值是否需要持久化
func (e Evaluation) PeakMoved() bool {
	return e.PeakPrice != nil
}

// Evaluate 按标记价评估条件单，不修改 order
func Evaluate(o *futures.TriggerOrder, mark decimal.Decimal, now int64) Evaluation {
	if o.ExpiresAt > 0 && now >= o.ExpiresAt {
		return Evaluation{Action: ActionExpire}
	}
	if o.TriggerType == futures.TriggerTrailingStop {
		return evaluateTrailing(o, mark)
	}
	if crossed(o.TriggerCondition, o.TriggerPrice, mark) {
		return Evaluation{Action: ActionFire}
	}
	return Evaluation{Action: ActionPending}
}

func crossed(cond futures.TriggerCondition, trigger, mark decimal.Decimal) bool {
	switch cond {
	case futures.PriceAbove:
		return mark.GreaterThanOrEqual(trigger)
	case futures.PriceBelow:
		return mark.LessThanOrEqual(trigger)
	}
	return false
}

func evaluateTrailing(o *futures.TriggerOrder, mark decimal.Decimal) Evaluation {
	if o.TrailingDelta == nil {
		return Evaluation{Action: ActionPending}
	}
	peak := o.TriggerPrice
	if o.PeakPrice != nil {
		peak = *o.PeakPrice
	}

	var ev Evaluation
	sell := o.Side == futures.OrderSell
	if (sell && mark.GreaterThan(peak)) || (!sell && mark.LessThan(peak)) {
		p := mark
		peak = p
		ev.PeakPrice = &p
	}

	stop := TrailingStopPrice(o.Side, peak, *o.TrailingDelta, o.TrailingDeltaType)
	if (sell && mark.LessThanOrEqual(stop)) || (!sell && mark.GreaterThanOrEqual(stop)) {
		ev.Action = ActionFire
	}
	return ev
}

// TrailingStopPrice 当前峰值对应的触发价
func TrailingStopPrice(side futures.OrderSide, peak, delta decimal.Decimal, typ futures.TrailingDeltaType) decimal.Decimal {
	offset := delta
	if typ == futures.TrailingPercentage {
		offset = futures.Mul(peak, futures.Percent(delta))
	}
	if side == futures.OrderSell {
		return peak.Sub(offset)
	}
	return peak.Add(offset)
}

// DefaultCondition 按订单方向推导触发条件
//
//	卖单 (平多): 止损 price_below，止盈 price_above
//	买单 (平空): 止损 price_above，止盈 price_below
func DefaultCondition(typ futures.TriggerType, side futures.OrderSide) futures.TriggerCondition {
	protective := typ == futures.TriggerStopLoss || typ == futures.TriggerStopLimit || typ == futures.TriggerTrailingStop
	if (side == futures.OrderSell) == protective {
		return futures.PriceBelow
	}
	return futures.PriceAbove
}
