// 文件: pkg/position/service.go
// 持仓生命周期 - 撮合引擎与风控引擎的边界
//
// 【职责】
// 1. 开仓/加仓: size = collateral * leverage，入场价按规模加权平均
// 2. 减仓/平仓: 按比例实现盈亏、释放保证金，全平走 open -> closed CAS
// 3. 追加/减少保证金: 减少时校验杠杆上限和维持保证金
// 4. 任何规模/保证金变化都重算强平价
//
// 所有变更都在持仓锁内完成，审计记录与持仓同一事务写入

package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/idgen"
	"max.com/perprisk/pkg/keylock"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/risk/perp"
	"max.com/perprisk/pkg/settlement"
)

// Store 持仓表
type Store interface {
	CreatePositionAudited(ctx context.Context, p *futures.Position, rec *futures.AuditRecord) error
	GetPosition(ctx context.Context, id int64) (*futures.Position, error)
	FindOpenPosition(ctx context.Context, user, symbol string, side futures.Side) (*futures.Position, error)
	ListUserPositions(ctx context.Context, user string) ([]*futures.Position, error)
	SavePositionAudited(ctx context.Context, p *futures.Position, expect futures.PositionStatus, rec *futures.AuditRecord) error
	HasAuditRecord(ctx context.Context, key string) (bool, error)
}

// Configs 市场配置
type Configs interface {
	Market(symbol string) (futures.MarketConfig, error)
}

// Recorder 审计，记录和持仓变更同一事务落库
type Recorder interface {
	Prepare(e settlement.Entry) (*futures.AuditRecord, error)
	Committed(rec *futures.AuditRecord)
}

// Service 持仓服务
type Service struct {
	store       Store
	configs     Configs
	locks       *keylock.Manager
	recorder    Recorder
	lockTimeout time.Duration
	now         func() int64
}

func NewService(store Store, configs Configs, locks *keylock.Manager, recorder Recorder, lockTimeout time.Duration) *Service {
	return &Service{
		store:       store,
		configs:     configs,
		locks:       locks,
		recorder:    recorder,
		lockTimeout: lockTimeout,
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock 测试用
func (s *Service) SetClock(now func() int64) {
	s.now = now
}

// Change 审计负载
type Change struct {
	Action      string            `json:"action"`
	Position    *futures.Position `json:"position"`
	SizeDelta   decimal.Decimal   `json:"size_delta"`
	Price       decimal.Decimal   `json:"price"`
	RealizedPnl decimal.Decimal   `json:"realized_pnl"`
}

// =============================================================================
// 开仓 / 加仓
// =============================================================================

type IncreaseRequest struct {
	User       string
	Symbol     string
	Side       futures.Side
	Collateral decimal.Decimal
	Leverage   int32
	Price      decimal.Decimal
}

func (s *Service) validateIncrease(req IncreaseRequest, cfg futures.LiquidationConfig) error {
	switch {
	case !req.Side.Valid():
		return futures.ErrInvalidSide
	case req.Price.Sign() <= 0:
		return futures.ErrInvalidPrice
	case req.Collateral.Sign() <= 0:
		return futures.ErrInvalidAmount
	case req.Leverage <= 0:
		return futures.ErrInvalidAmount
	case req.Leverage > cfg.MaxLeverage:
		return fmt.Errorf("%w: %d > %d", futures.ErrLeverageTooHigh, req.Leverage, cfg.MaxLeverage)
	}
	return nil
}

// Increase 开仓或在已有 open 持仓上加仓
func (s *Service) Increase(ctx context.Context, req IncreaseRequest) (*futures.Position, error) {
	return s.increase(ctx, req, "")
}

func (s *Service) increase(ctx context.Context, req IncreaseRequest, auditKey string) (*futures.Position, error) {
	mc, err := s.configs.Market(req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := s.validateIncrease(req, mc.Liquidation); err != nil {
		return nil, err
	}

	existing, err := s.store.FindOpenPosition(ctx, req.User, req.Symbol, req.Side)
	switch {
	case errors.Is(err, futures.ErrNotFound):
		pos, err := s.open(ctx, req, mc, auditKey)
		if !errors.Is(err, futures.ErrPositionExists) {
			return pos, err
		}
		// 并发开仓，改走加仓
		existing, err = s.store.FindOpenPosition(ctx, req.User, req.Symbol, req.Side)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	var out *futures.Position
	err = s.withPosition(ctx, existing.ID, func(pos *futures.Position) error {
		sizeDelta := futures.Mul(req.Collateral, decimal.NewFromInt32(req.Leverage))
		tokensDelta := futures.Div(sizeDelta, req.Price)

		pos.SizeInUsd = pos.SizeInUsd.Add(sizeDelta)
		pos.SizeInTokens = pos.SizeInTokens.Add(tokensDelta)
		pos.CollateralAmount = pos.CollateralAmount.Add(req.Collateral)
		pos.EntryPrice = futures.Div(pos.SizeInUsd, pos.SizeInTokens)
		pos.Leverage = int32(futures.Div(pos.SizeInUsd, pos.CollateralAmount).IntPart())
		if pos.Leverage > mc.Liquidation.MaxLeverage {
			return fmt.Errorf("%w: %d > %d", futures.ErrLeverageTooHigh, pos.Leverage, mc.Liquidation.MaxLeverage)
		}

		now := s.now()
		pos.IncreasedAt = now
		pos.UpdatedAt = now
		pos.RecalculateLiquidationPrice(mc.Liquidation.MaintenanceMarginRate)
		if err := s.save(ctx, pos, auditKey, "increase", sizeDelta, req.Price, futures.Zero); err != nil {
			return err
		}
		out = pos
		return nil
	})
	return out, err
}

func (s *Service) open(ctx context.Context, req IncreaseRequest, mc futures.MarketConfig, auditKey string) (*futures.Position, error) {
	if req.Collateral.LessThan(mc.Liquidation.MinCollateralUsd) {
		return nil, fmt.Errorf("%w: %s < %s", futures.ErrCollateralTooLow, req.Collateral, mc.Liquidation.MinCollateralUsd)
	}

	now := s.now()
	size := futures.Mul(req.Collateral, decimal.NewFromInt32(req.Leverage))
	pos := &futures.Position{
		ID:                      idgen.Next(),
		UserAddress:             req.User,
		Symbol:                  req.Symbol,
		Side:                    req.Side,
		SizeInUsd:               size,
		SizeInTokens:            futures.Div(size, req.Price),
		CollateralAmount:        futures.Round(req.Collateral),
		EntryPrice:              futures.Round(req.Price),
		Leverage:                req.Leverage,
		BorrowingFactor:         futures.Zero,
		FundingFeeAmountPerSize: futures.Zero,
		AccumulatedFundingFee:   futures.Zero,
		AccumulatedBorrowingFee: futures.Zero,
		UnrealizedPnl:           futures.Zero,
		RealizedPnl:             futures.Zero,
		Status:                  futures.PositionOpen,
		IncreasedAt:             now,
		LastFundedAt:            now,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	pos.RecalculateLiquidationPrice(mc.Liquidation.MaintenanceMarginRate)

	rec, err := s.change(auditKey, "open", pos, size, req.Price, futures.Zero)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePositionAudited(ctx, pos, rec); err != nil {
		return nil, err
	}
	s.recorder.Committed(rec)
	logger.Component("Position").WithFields(map[string]any{
		"position_id": pos.ID,
		"user":        pos.UserAddress,
		"symbol":      pos.Symbol,
		"side":        pos.Side,
		"size_usd":    pos.SizeInUsd.String(),
	}).Info("position opened")
	return pos, nil
}

// =============================================================================
// 减仓 / 平仓
// =============================================================================

// DecreaseResult 减仓结果
type DecreaseResult struct {
	Position *futures.Position
	futures.ReduceResult
}

// Decrease 减仓，sizeDeltaUsd 为 nil 或 >= 仓位规模时全平
func (s *Service) Decrease(ctx context.Context, positionID int64, sizeDeltaUsd *decimal.Decimal, price decimal.Decimal) (*DecreaseResult, error) {
	return s.decrease(ctx, positionID, sizeDeltaUsd, price, "")
}

func (s *Service) decrease(ctx context.Context, positionID int64, sizeDeltaUsd *decimal.Decimal, price decimal.Decimal, auditKey string) (*DecreaseResult, error) {
	var out *DecreaseResult
	err := s.withPosition(ctx, positionID, func(pos *futures.Position) error {
		res, err := s.DecreaseLocked(ctx, pos, sizeDeltaUsd, price, auditKey)
		out = res
		return err
	})
	return out, err
}

// DecreaseLocked 调用方已持有持仓锁并已重新加载持仓
func (s *Service) DecreaseLocked(ctx context.Context, pos *futures.Position, sizeDeltaUsd *decimal.Decimal, price decimal.Decimal, auditKey string) (*DecreaseResult, error) {
	if !pos.IsOpen() {
		return nil, futures.ErrPositionNotOpen
	}
	if price.Sign() <= 0 {
		return nil, futures.ErrInvalidPrice
	}
	mc, err := s.configs.Market(pos.Symbol)
	if err != nil {
		return nil, err
	}

	fraction := futures.One
	if sizeDeltaUsd != nil {
		if sizeDeltaUsd.Sign() <= 0 {
			return nil, futures.ErrInvalidAmount
		}
		if sizeDeltaUsd.LessThan(pos.SizeInUsd) {
			fraction = futures.Div(*sizeDeltaUsd, pos.SizeInUsd)
		}
	}

	now := s.now()
	res := pos.Reduce(fraction, price, now)
	if res.FullyClosed {
		pos.MarkTerminal(futures.PositionClosed, now)
	} else {
		pos.RecalculateLiquidationPrice(mc.Liquidation.MaintenanceMarginRate)
	}
	action := "decrease"
	if res.FullyClosed {
		action = "close"
	}
	if err := s.save(ctx, pos, auditKey, action, res.SizeReduced, price, res.PnlRealized); err != nil {
		return nil, err
	}
	logger.Component("Position").WithFields(map[string]any{
		"position_id":  pos.ID,
		"action":       action,
		"size_reduced": res.SizeReduced.String(),
		"realized_pnl": res.PnlRealized.String(),
	}).Info("position decreased")
	return &DecreaseResult{Position: pos, ReduceResult: res}, nil
}

// =============================================================================
// 保证金
// =============================================================================

// AddCollateral 追加保证金
func (s *Service) AddCollateral(ctx context.Context, positionID int64, amount decimal.Decimal) (*futures.Position, error) {
	if amount.Sign() <= 0 {
		return nil, futures.ErrInvalidAmount
	}
	var out *futures.Position
	err := s.withPosition(ctx, positionID, func(pos *futures.Position) error {
		mc, err := s.configs.Market(pos.Symbol)
		if err != nil {
			return err
		}
		pos.CollateralAmount = pos.CollateralAmount.Add(amount)
		pos.Leverage = int32(futures.Div(pos.SizeInUsd, pos.CollateralAmount).IntPart())
		pos.UpdatedAt = s.now()
		pos.RecalculateLiquidationPrice(mc.Liquidation.MaintenanceMarginRate)
		if err := s.save(ctx, pos, "", "add_collateral", amount, futures.Zero, futures.Zero); err != nil {
			return err
		}
		out = pos
		return nil
	})
	return out, err
}

// RemoveCollateral 减少保证金，结果杠杆超限或保证金率 <= 维持保证金率时拒绝
func (s *Service) RemoveCollateral(ctx context.Context, positionID int64, amount, markPrice decimal.Decimal) (*futures.Position, error) {
	if amount.Sign() <= 0 {
		return nil, futures.ErrInvalidAmount
	}
	if markPrice.Sign() <= 0 {
		return nil, futures.ErrInvalidPrice
	}
	var out *futures.Position
	err := s.withPosition(ctx, positionID, func(pos *futures.Position) error {
		mc, err := s.configs.Market(pos.Symbol)
		if err != nil {
			return err
		}
		if amount.GreaterThanOrEqual(pos.CollateralAmount) {
			return futures.ErrInvalidAmount
		}

		next := pos.Clone()
		next.CollateralAmount = pos.CollateralAmount.Sub(amount)

		lev := perp.EffectiveLeverage(next.SizeInUsd, next.Equity(markPrice))
		if lev.IsZero() || lev.GreaterThan(decimal.NewFromInt32(mc.Liquidation.MaxLeverage)) {
			return fmt.Errorf("%w: effective leverage %s", futures.ErrLeverageTooHigh, lev.StringFixed(2))
		}
		if perp.IsLiquidatable(next.MarginRatio(markPrice), mc.Liquidation.MaintenanceMarginRate) {
			return futures.ErrInsufficientMargin
		}

		next.Leverage = int32(futures.Div(next.SizeInUsd, next.CollateralAmount).IntPart())
		next.UpdatedAt = s.now()
		next.RecalculateLiquidationPrice(mc.Liquidation.MaintenanceMarginRate)
		if err := s.save(ctx, next, "", "remove_collateral", amount.Neg(), markPrice, futures.Zero); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// =============================================================================
// 风险查询
// =============================================================================

// LiquidationInfo 持仓风险快照
type LiquidationInfo struct {
	MarginRatio      decimal.Decimal `json:"margin_ratio"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Liquidatable     bool            `json:"liquidatable"`
	Distance         decimal.Decimal `json:"distance"`
	Level            perp.RiskLevel  `json:"level"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
}

// CheckLiquidation 按标记价评估持仓风险
func CheckLiquidation(pos *futures.Position, markPrice, maintenanceRate decimal.Decimal) LiquidationInfo {
	ratio := pos.MarginRatio(markPrice)
	liqPrice := perp.CalculateLiquidationPrice(
		pos.IsLong(), pos.SizeInTokens, pos.SizeInUsd, pos.EntryPrice,
		pos.CollateralAmount, pos.AccumulatedFees(), maintenanceRate,
	)
	return LiquidationInfo{
		MarginRatio:      ratio,
		LiquidationPrice: liqPrice,
		Liquidatable:     perp.IsLiquidatable(ratio, maintenanceRate),
		Distance:         perp.DistanceToLiquidation(markPrice, liqPrice),
		Level:            perp.Level(ratio, maintenanceRate),
		UnrealizedPnl:    pos.UnrealizedPnL(markPrice),
	}
}

// CheckLiquidation 按 id 查询
func (s *Service) CheckLiquidation(ctx context.Context, positionID int64, markPrice decimal.Decimal) (LiquidationInfo, error) {
	pos, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return LiquidationInfo{}, err
	}
	mc, err := s.configs.Market(pos.Symbol)
	if err != nil {
		return LiquidationInfo{}, err
	}
	return CheckLiquidation(pos, markPrice, mc.Liquidation.MaintenanceMarginRate), nil
}

// Get 单个持仓
func (s *Service) Get(ctx context.Context, positionID int64) (*futures.Position, error) {
	return s.store.GetPosition(ctx, positionID)
}

// UserPositions 用户全部 open 持仓
func (s *Service) UserPositions(ctx context.Context, user string) ([]*futures.Position, error) {
	return s.store.ListUserPositions(ctx, user)
}

// =============================================================================
// 内部
// =============================================================================

// withPosition 持锁 + 重新加载 + open 校验
func (s *Service) withPosition(ctx context.Context, positionID int64, fn func(pos *futures.Position) error) error {
	err := s.locks.WithLock(ctx, keylock.PositionKey(positionID), s.lockTimeout, func() error {
		pos, err := s.store.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if !pos.IsOpen() {
			return futures.ErrPositionNotOpen
		}
		return fn(pos)
	})
	if errors.Is(err, keylock.ErrLockTimeout) {
		return fmt.Errorf("%w: %v", futures.ErrDeferred, err)
	}
	return err
}

// change 构造持仓变更审计，key 为空时生成一次性 key
func (s *Service) change(key, action string, pos *futures.Position, sizeDelta, price, pnl decimal.Decimal) (*futures.AuditRecord, error) {
	if key == "" {
		key = settlement.Key("position", pos.ID, idgen.Next())
	}
	return s.recorder.Prepare(settlement.Entry{
		Key:        key,
		Kind:       futures.AuditPositionChange,
		Symbol:     pos.Symbol,
		PositionID: pos.ID,
		Payload: Change{
			Action:      action,
			Position:    pos,
			SizeDelta:   sizeDelta,
			Price:       price,
			RealizedPnl: pnl,
		},
	})
}

// save open 持仓 CAS + 审计记录，幂等键已存在时返回 ErrDuplicate 且持仓不变
func (s *Service) save(ctx context.Context, pos *futures.Position, key, action string, sizeDelta, price, pnl decimal.Decimal) error {
	rec, err := s.change(key, action, pos, sizeDelta, price, pnl)
	if err != nil {
		return err
	}
	if err := s.store.SavePositionAudited(ctx, pos, futures.PositionOpen, rec); err != nil {
		return err
	}
	s.recorder.Committed(rec)
	return nil
}
