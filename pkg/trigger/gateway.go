// 文件: pkg/trigger/gateway.go
// 条件单执行网关 (撮合边界)
//
// 【实现】
// - PositionGateway: 按标记价直接减仓，模拟 / 测试 / 默认引擎使用
// - NATSGateway:     request/reply 交给撮合引擎，带超时
//
// 调用方已持有持仓锁

package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/position"
	"max.com/perprisk/pkg/settlement"
)

var (
	ErrLimitNotMet       = errors.New("mark price worse than limit price")
	ErrPositionMismatch  = errors.New("order does not close the bound position")
	ErrPositionRequired  = errors.New("order is not bound to a position")
	ErrFillWorseThanAsk  = errors.New("fill price worse than requested")
	ErrExecutionRejected = errors.New("execution rejected by matching engine")
)

// ExecutionRequest 触发后的执行请求
type ExecutionRequest struct {
	OrderID       int64             `json:"order_id"`
	PositionID    *int64            `json:"position_id,omitempty"`
	User          string            `json:"user"`
	Symbol        string            `json:"symbol"`
	Side          futures.OrderSide `json:"side"`
	Size          decimal.Decimal   `json:"size"` // sizeInUsd，ClosePosition 时忽略
	ReduceOnly    bool              `json:"reduce_only"`
	ClosePosition bool              `json:"close_position"`
	LimitPrice    *decimal.Decimal  `json:"limit_price,omitempty"`
	MarkPrice     decimal.Decimal   `json:"mark_price"`
}

// RequestFor 从触发的条件单构造执行请求
func RequestFor(o *futures.TriggerOrder, mark decimal.Decimal) ExecutionRequest {
	req := ExecutionRequest{
		OrderID:       o.ID,
		PositionID:    o.PositionID,
		User:          o.UserAddress,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Size:          o.Size,
		ReduceOnly:    o.ReduceOnly || o.ClosePosition,
		ClosePosition: o.ClosePosition,
		MarkPrice:     mark,
	}
	if o.TriggerType.IsLimit() {
		req.LimitPrice = o.LimitPrice
	}
	return req
}

// ReferencePrice 成交价不能差于该价格
func (r ExecutionRequest) ReferencePrice() decimal.Decimal {
	if r.LimitPrice != nil {
		return *r.LimitPrice
	}
	return r.MarkPrice
}

// acceptable 卖单成交价 >= ref，买单 <= ref
func acceptable(side futures.OrderSide, fill, ref decimal.Decimal) bool {
	if side == futures.OrderSell {
		return fill.GreaterThanOrEqual(ref)
	}
	return fill.LessThanOrEqual(ref)
}

// ExecutionResult 执行结果
type ExecutionResult struct {
	ExecutionPrice decimal.Decimal
	Size           decimal.Decimal
	RealizedPnl    decimal.Decimal
}

// Gateway 撮合边界
type Gateway interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// =============================================================================
// PositionGateway
// =============================================================================

// PositionService 持仓服务中网关用到的部分
type PositionService interface {
	Get(ctx context.Context, positionID int64) (*futures.Position, error)
	DecreaseLocked(ctx context.Context, pos *futures.Position, sizeDeltaUsd *decimal.Decimal, price decimal.Decimal, auditKey string) (*position.DecreaseResult, error)
}

// PositionGateway 按标记价减仓
type PositionGateway struct {
	positions PositionService
}

func NewPositionGateway(positions PositionService) *PositionGateway {
	return &PositionGateway{positions: positions}
}

func (g *PositionGateway) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if req.PositionID == nil {
		return nil, ErrPositionRequired
	}
	if req.LimitPrice != nil && !acceptable(req.Side, req.MarkPrice, *req.LimitPrice) {
		return nil, ErrLimitNotMet
	}
	pos, err := g.positions.Get(ctx, *req.PositionID)
	if err != nil {
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, futures.ErrPositionNotOpen
	}
	if futures.CloseSideFor(pos.Side) != req.Side {
		return nil, ErrPositionMismatch
	}

	var delta *decimal.Decimal
	if !req.ClosePosition {
		size := req.Size
		delta = &size
	}
	res, err := g.positions.DecreaseLocked(ctx, pos, delta, req.MarkPrice, settlement.Key("trigger_fill", req.OrderID))
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{
		ExecutionPrice: req.MarkPrice,
		Size:           res.SizeReduced,
		RealizedPnl:    res.PnlRealized,
	}, nil
}

// =============================================================================
// NATSGateway
// =============================================================================

// Requester NATS request/reply
type Requester interface {
	Request(ctx context.Context, subject string, req, resp any) error
}

// ExecutionReply 撮合引擎回复
type ExecutionReply struct {
	Filled      bool            `json:"filled"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason,omitempty"`
}

// NATSGateway 撮合引擎网关
type NATSGateway struct {
	client  Requester
	subject string
	timeout time.Duration
}

func NewNATSGateway(client Requester, subject string, timeout time.Duration) *NATSGateway {
	if subject == "" {
		subject = "perprisk.execute"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSGateway{client: client, subject: subject, timeout: timeout}
}

func (g *NATSGateway) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var reply ExecutionReply
	if err := g.client.Request(ctx, g.subject, req, &reply); err != nil {
		return nil, err
	}
	if !reply.Filled {
		return nil, fmt.Errorf("%w: %s", ErrExecutionRejected, reply.Reason)
	}
	if !acceptable(req.Side, reply.Price, req.ReferencePrice()) {
		return nil, fmt.Errorf("%w: fill %s, requested %s", ErrFillWorseThanAsk, reply.Price, req.ReferencePrice())
	}
	return &ExecutionResult{
		ExecutionPrice: reply.Price,
		Size:           reply.Size,
		RealizedPnl:    reply.RealizedPnl,
	}, nil
}
