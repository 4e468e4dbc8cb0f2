// 文件: pkg/funding/service.go
// 资金费率服务
//
// 【结算流程】
// 1. 当前行 (settled_at = 0) 到期才结算
// 2. 用实时 OI 冻结费率
// 3. 逐个 open 持仓在持仓锁内累加费用，持仓更新与 FundingSettlement 原子写入
// 4. 全部持仓完成后盖上 settled_at 并追加下一行
//
// 【幂等】
// (position_id, funding_rate_id) 唯一，部分失败时下一个 tick 从头重跑，已结算的跳过

package funding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/idgen"
	"max.com/perprisk/pkg/keylock"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/metrics"
	"max.com/perprisk/pkg/settlement"
)

var (
	ErrFundingInProgress = errors.New("funding settlement in progress")
	ErrNoFundingDue      = errors.New("no funding settlement due")
)

// Store 资金费相关持久化
type Store interface {
	GetPosition(ctx context.Context, id int64) (*futures.Position, error)
	ListOpenPositions(ctx context.Context, symbol string) ([]*futures.Position, error)
	CurrentFundingRate(ctx context.Context, symbol string) (*futures.FundingRate, error)
	CreateFundingRate(ctx context.Context, r *futures.FundingRate) error
	RollFundingRate(ctx context.Context, settled, next *futures.FundingRate) error
	UpdateFundingRate(ctx context.Context, r *futures.FundingRate) error
	FundingRateHistory(ctx context.Context, symbol string, limit int) ([]*futures.FundingRate, error)
	HasFundingSettlement(ctx context.Context, positionID, rateID int64) (bool, error)
	ApplyFundingSettlement(ctx context.Context, p *futures.Position, s *futures.FundingSettlement) error
	ListFundingSettlements(ctx context.Context, positionID int64) ([]*futures.FundingSettlement, error)
	ListUserFundingSettlements(ctx context.Context, user string, limit int) ([]*futures.FundingSettlement, error)
}

// Configs 市场配置
type Configs interface {
	Market(symbol string) (futures.MarketConfig, error)
}

// Prices 最新价格，只用于快照
type Prices interface {
	MarkPrice(symbol string) (decimal.Decimal, bool)
	IndexPrice(symbol string) (decimal.Decimal, bool)
}

// Recorder 审计
type Recorder interface {
	RecordOnce(ctx context.Context, e settlement.Entry) error
}

// Service 资金费率服务
type Service struct {
	store       Store
	configs     Configs
	prices      Prices
	locks       *keylock.Manager
	recorder    Recorder
	lockTimeout time.Duration

	// 结算锁 (防止同一合约并发结算)
	settling sync.Map
}

func NewService(store Store, configs Configs, prices Prices, locks *keylock.Manager, recorder Recorder, lockTimeout time.Duration) *Service {
	return &Service{
		store:       store,
		configs:     configs,
		prices:      prices,
		locks:       locks,
		recorder:    recorder,
		lockTimeout: lockTimeout,
	}
}

// =============================================================================
// 费率
// =============================================================================

func (s *Service) snapshot(ctx context.Context, symbol string, cfg futures.MarketFundingConfig, r *futures.FundingRate) error {
	positions, err := s.store.ListOpenPositions(ctx, symbol)
	if err != nil {
		return err
	}
	oi := Collect(positions)
	r.LongOpenInterest = oi.Long
	r.ShortOpenInterest = oi.Short
	r.FundingRate = Rate(oi, cfg)
	r.FundingRatePerHour = RatePerHour(r.FundingRate, cfg)
	if mark, ok := s.prices.MarkPrice(symbol); ok {
		r.MarkPrice = mark
	}
	if index, ok := s.prices.IndexPrice(symbol); ok {
		r.IndexPrice = index
	}
	return nil
}

func newRate(symbol string, nextFundingTime, now int64) *futures.FundingRate {
	return &futures.FundingRate{
		ID:                 idgen.Next(),
		Symbol:             symbol,
		FundingRate:        futures.Zero,
		FundingRatePerHour: futures.Zero,
		MarkPrice:          futures.Zero,
		IndexPrice:         futures.Zero,
		LongOpenInterest:   futures.Zero,
		ShortOpenInterest:  futures.Zero,
		NextFundingTime:    nextFundingTime,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// EnsureCurrent 当前行不存在时创建，下次结算时间对齐到下一个周期整点
func (s *Service) EnsureCurrent(ctx context.Context, symbol string, now int64) (*futures.FundingRate, error) {
	cur, err := s.store.CurrentFundingRate(ctx, symbol)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, futures.ErrNotFound) {
		return nil, err
	}

	mc, err := s.configs.Market(symbol)
	if err != nil {
		return nil, err
	}
	r := newRate(symbol, NextBoundary(now, mc.Funding), now)
	if err := s.snapshot(ctx, symbol, mc.Funding, r); err != nil {
		return nil, err
	}
	if err := s.store.CreateFundingRate(ctx, r); err != nil {
		if errors.Is(err, futures.ErrDuplicate) {
			return s.store.CurrentFundingRate(ctx, symbol)
		}
		return nil, err
	}
	logger.Component("Funding").WithFields(map[string]any{
		"symbol":            symbol,
		"next_funding_time": r.NextFundingTime,
	}).Info("funding rate created")
	return r, nil
}

// RefreshRate 用实时 OI 重算当前行的预估费率
func (s *Service) RefreshRate(ctx context.Context, symbol string, now int64) (*futures.FundingRate, error) {
	cur, err := s.EnsureCurrent(ctx, symbol, now)
	if err != nil {
		return nil, err
	}
	// 到期后费率已冻结，等待结算
	if frozen(cur, now) {
		return cur, nil
	}
	mc, err := s.configs.Market(symbol)
	if err != nil {
		return nil, err
	}
	if err := s.snapshot(ctx, symbol, mc.Funding, cur); err != nil {
		return nil, err
	}
	cur.UpdatedAt = now
	if err := s.store.UpdateFundingRate(ctx, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

func frozen(r *futures.FundingRate, now int64) bool {
	return now >= r.NextFundingTime
}

// Due 当前行是否已到结算时间
func (s *Service) Due(ctx context.Context, symbol string, now int64) (bool, error) {
	cur, err := s.EnsureCurrent(ctx, symbol, now)
	if err != nil {
		return false, err
	}
	return now >= cur.NextFundingTime, nil
}

// =============================================================================
// 结算
// =============================================================================

// SettleResult 一次结算的统计
type SettleResult struct {
	RateID   int64
	Rate     decimal.Decimal
	Settled  int
	Skipped  int
	Deferred int
}

// Settle 结算到期的资金费
//
// 有持仓拿不到锁时返回 ErrDeferred，当前行保持未结算，下个 tick 续跑
func (s *Service) Settle(ctx context.Context, symbol string, now int64) (*SettleResult, error) {
	if _, loaded := s.settling.LoadOrStore(symbol, struct{}{}); loaded {
		return nil, ErrFundingInProgress
	}
	defer s.settling.Delete(symbol)

	log := logger.Component("Funding").WithField("symbol", symbol)

	mc, err := s.configs.Market(symbol)
	if err != nil {
		return nil, err
	}
	cur, err := s.EnsureCurrent(ctx, symbol, now)
	if err != nil {
		return nil, err
	}
	if now < cur.NextFundingTime {
		return nil, ErrNoFundingDue
	}

	// 冻结费率，续跑时沿用首次冻结的值
	if cur.UpdatedAt < cur.NextFundingTime {
		if err := s.snapshot(ctx, symbol, mc.Funding, cur); err != nil {
			return nil, err
		}
		cur.UpdatedAt = now
		if err := s.store.UpdateFundingRate(ctx, cur); err != nil {
			if errors.Is(err, futures.ErrStatusConflict) {
				return nil, ErrNoFundingDue
			}
			return nil, err
		}
	}

	positions, err := s.store.ListOpenPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}

	res := &SettleResult{RateID: cur.ID, Rate: cur.FundingRate}
	for _, p := range positions {
		applied, err := s.settlePosition(ctx, p.ID, cur, mc, now)
		switch {
		case err == nil && applied:
			res.Settled++
		case err == nil:
			res.Skipped++
		case errors.Is(err, keylock.ErrLockTimeout):
			res.Deferred++
			metrics.LockConflicts.WithLabelValues("position").Inc()
		default:
			res.Deferred++
			log.WithError(err).WithField("position_id", p.ID).Error("settle position failed")
		}
	}

	if res.Deferred > 0 {
		log.WithField("deferred", res.Deferred).Warn("funding settlement incomplete")
		return res, fmt.Errorf("%w: %d positions pending funding", futures.ErrDeferred, res.Deferred)
	}

	next := newRate(symbol, nextFundingTime(cur.NextFundingTime, now, mc.Funding), now)
	next.FundingRate = cur.FundingRate
	next.FundingRatePerHour = cur.FundingRatePerHour
	next.MarkPrice = cur.MarkPrice
	next.IndexPrice = cur.IndexPrice
	next.LongOpenInterest = cur.LongOpenInterest
	next.ShortOpenInterest = cur.ShortOpenInterest

	cur.SettledAt = now
	if err := s.store.RollFundingRate(ctx, cur, next); err != nil {
		if errors.Is(err, futures.ErrStatusConflict) {
			return nil, ErrNoFundingDue
		}
		return nil, err
	}

	log.WithFields(map[string]any{
		"rate":    cur.FundingRate.String(),
		"settled": res.Settled,
		"skipped": res.Skipped,
	}).Info("funding settled")
	return res, nil
}

// nextFundingTime 落后多个周期时直接跳到 now 之后的下一个整点
func nextFundingTime(prev, now int64, cfg futures.MarketFundingConfig) int64 {
	next := prev + cfg.IntervalMillis()
	if boundary := NextBoundary(now, cfg); next <= now {
		next = boundary
	}
	return next
}

// settlePosition 单个持仓结算，返回是否写入了流水
func (s *Service) settlePosition(ctx context.Context, positionID int64, rate *futures.FundingRate, mc futures.MarketConfig, now int64) (bool, error) {
	var applied bool
	err := s.locks.WithLock(ctx, keylock.PositionKey(positionID), s.lockTimeout, func() error {
		done, err := s.store.HasFundingSettlement(ctx, positionID, rate.ID)
		if err != nil || done {
			return err
		}
		p, err := s.store.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		if !p.IsOpen() {
			return nil
		}

		acc := Accrue(p, rate.FundingRate, mc.Funding, now)
		if acc.ElapsedMs <= 0 {
			return nil
		}
		acc.Apply(p, now)
		if mark, ok := s.prices.MarkPrice(p.Symbol); ok {
			p.UnrealizedPnl = p.UnrealizedPnL(mark)
		}
		p.RecalculateLiquidationPrice(mc.Liquidation.MaintenanceMarginRate)

		fs := &futures.FundingSettlement{
			ID:            idgen.Next(),
			PositionID:    p.ID,
			FundingRateID: rate.ID,
			UserAddress:   p.UserAddress,
			Symbol:        p.Symbol,
			FundingRate:   rate.FundingRate,
			PositionSize:  p.SizeInUsd,
			FundingFee:    acc.FundingFee,
			BorrowingFee:  acc.BorrowingFee,
			IsLong:        p.IsLong(),
			SettledAt:     now,
		}
		if err := s.store.ApplyFundingSettlement(ctx, p, fs); err != nil {
			if errors.Is(err, futures.ErrDuplicate) || errors.Is(err, futures.ErrStatusConflict) {
				return nil
			}
			return err
		}
		applied = true
		metrics.FundingSettlements.WithLabelValues(p.Symbol).Inc()

		if err := s.recorder.RecordOnce(ctx, settlement.Entry{
			Key:        settlement.Key("funding", p.ID, rate.ID),
			Kind:       futures.AuditFundingSettlement,
			Symbol:     p.Symbol,
			PositionID: p.ID,
			Payload:    fs,
		}); err != nil {
			logger.Component("Funding").WithError(err).WithField("position_id", p.ID).Error("record funding audit failed")
		}
		return nil
	})
	return applied, err
}

// =============================================================================
// 查询
// =============================================================================

// CurrentRate 当前 (未结算) 费率
func (s *Service) CurrentRate(ctx context.Context, symbol string) (*futures.FundingRate, error) {
	return s.store.CurrentFundingRate(ctx, symbol)
}

// History 费率历史，新的在前
func (s *Service) History(ctx context.Context, symbol string, limit int) ([]*futures.FundingRate, error) {
	return s.store.FundingRateHistory(ctx, symbol, limit)
}

// PositionSettlements 持仓的全部资金费流水
func (s *Service) PositionSettlements(ctx context.Context, positionID int64) ([]*futures.FundingSettlement, error) {
	return s.store.ListFundingSettlements(ctx, positionID)
}

// UserSettlements 用户资金费流水
func (s *Service) UserSettlements(ctx context.Context, user string, limit int) ([]*futures.FundingSettlement, error) {
	return s.store.ListUserFundingSettlements(ctx, user, limit)
}
