// 文件: pkg/position/trade.go
// 撮合成交事件 -> 持仓变更
//
// 成交事件可能重复投递 (NATS 重连 / Kafka rebalance)，
// 以 trade:<id> 作为审计幂等键，已处理过的直接跳过。
// 幂等键和持仓在同一事务写入，并发重复投递只有一笔生效

package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/settlement"
)

type TradeAction string

const (
	TradeIncrease TradeAction = "increase"
	TradeDecrease TradeAction = "decrease"
)

// TradeEvent 撮合侧推送的成交
type TradeEvent struct {
	TradeID    int64            `json:"trade_id"`
	User       string           `json:"user"`
	Symbol     string           `json:"symbol"`
	Side       futures.Side     `json:"side"`
	Action     TradeAction      `json:"action"`
	Price      decimal.Decimal  `json:"price"`
	Collateral decimal.Decimal  `json:"collateral,omitempty"`
	Leverage   int32            `json:"leverage,omitempty"`
	SizeUsd    *decimal.Decimal `json:"size_usd,omitempty"` // 减仓规模，nil 为全平
}

// DecodeTrade 解析 JSON 成交
func DecodeTrade(data []byte) (*TradeEvent, error) {
	var ev TradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}
	if ev.TradeID == 0 {
		return nil, fmt.Errorf("decode trade: missing trade_id")
	}
	return &ev, nil
}

// ApplyTrade 把一笔成交落到持仓上，返回是否实际执行
func (s *Service) ApplyTrade(ctx context.Context, ev *TradeEvent) (bool, error) {
	key := settlement.Key("trade", ev.TradeID)
	done, err := s.store.HasAuditRecord(ctx, key)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	switch ev.Action {
	case TradeIncrease:
		_, err = s.increase(ctx, IncreaseRequest{
			User:       ev.User,
			Symbol:     ev.Symbol,
			Side:       ev.Side,
			Collateral: ev.Collateral,
			Leverage:   ev.Leverage,
			Price:      ev.Price,
		}, key)
	case TradeDecrease:
		var pos *futures.Position
		pos, err = s.store.FindOpenPosition(ctx, ev.User, ev.Symbol, ev.Side)
		if err == nil {
			_, err = s.decrease(ctx, pos.ID, ev.SizeUsd, ev.Price, key)
		}
	default:
		err = fmt.Errorf("unknown trade action %q", ev.Action)
	}
	if err != nil {
		if s.applied(ctx, key, err) {
			return false, nil
		}
		return false, err
	}

	logger.Component("Position").WithFields(map[string]any{
		"trade_id": ev.TradeID,
		"symbol":   ev.Symbol,
		"action":   ev.Action,
	}).Debug("trade applied")
	return true, nil
}

// applied 失败是否因为同一笔成交已被并发处理
//
// 幂等键冲突直接判定；其他错误 (例如持仓已被前一笔全平) 以幂等键是否存在为准
func (s *Service) applied(ctx context.Context, key string, err error) bool {
	if errors.Is(err, futures.ErrDuplicate) {
		return true
	}
	done, herr := s.store.HasAuditRecord(ctx, key)
	return herr == nil && done
}

// HandleTradeMessage NATS / Kafka 消息入口
func (s *Service) HandleTradeMessage(ctx context.Context, data []byte) error {
	ev, err := DecodeTrade(data)
	if err != nil {
		return err
	}
	_, err = s.ApplyTrade(ctx, ev)
	return err
}
