// 文件: pkg/adl/controller.go
// 自动减仓 (ADL) 控制器
//
// 【触发】
// 强平后保险基金兜不住的剩余穿仓 (ShortfallEvent)
//
// 【流程】
// 1. adl:{symbol} 锁内判断配置与冷却
// 2. 创建 pending 事件
// 3. 对手方盈利持仓按实时 PnL 评分排名
// 4. 逐个持仓锁内减仓，直到覆盖穿仓或达到 max_positions_per_adl
// 5. 覆盖完成 -> completed，否则 failed (coverage_shortfall / timeout / ranking_failed)，不自动重试
//
// 事件一旦创建，收尾更新在独立 ctx 上执行，超时也不会留下 pending 事件

package adl

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
	"max.com/perprisk/pkg/metrics"
	"max.com/perprisk/pkg/settlement"
)

const (
	ReasonDisabled          = "disabled"
	ReasonCoverageShortfall = "coverage_shortfall"
	ReasonTimeout           = "timeout"
	ReasonRankingFailed     = "ranking_failed"
)

// CooldownError 距离上次 ADL 不足 min_interval_seconds，RetryAfter 后重新投递
type CooldownError struct {
	Symbol     string
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("adl cooldown for %s: retry after %s", e.Symbol, e.RetryAfter)
}

// CoverageShortfallError 候选持仓不足以覆盖穿仓，需要人工介入
type CoverageShortfallError struct {
	Symbol    string
	EventID   int64
	Shortfall decimal.Decimal
	Covered   decimal.Decimal
	Reason    string
}

func (e *CoverageShortfallError) Error() string {
	return fmt.Sprintf("adl %s %s event %d: covered %s of %s",
		e.Reason, e.Symbol, e.EventID, e.Covered, e.Shortfall)
}

// Store ADL 相关持久化
type Store interface {
	GetPosition(ctx context.Context, id int64) (*futures.Position, error)
	ListOpenPositions(ctx context.Context, symbol string) ([]*futures.Position, error)
	CreateADLEvent(ctx context.Context, e *futures.ADLEvent) error
	UpdateADLEvent(ctx context.Context, e *futures.ADLEvent) error
	LatestADLEvent(ctx context.Context, symbol string) (*futures.ADLEvent, error)
	ListADLEvents(ctx context.Context, symbol string, limit int) ([]*futures.ADLEvent, error)
	ApplyADLReduction(ctx context.Context, p *futures.Position, r *futures.ADLReduction) error
	ListADLReductions(ctx context.Context, eventID int64) ([]*futures.ADLReduction, error)
	ListUserADLReductions(ctx context.Context, user string, limit int) ([]*futures.ADLReduction, error)
}

type Configs interface {
	Market(symbol string) (futures.MarketConfig, error)
}

// Prices 最新标记价
type Prices interface {
	MarkPrice(symbol string) (decimal.Decimal, bool)
}

type Recorder interface {
	RecordOnce(ctx context.Context, e settlement.Entry) error
}

// Options 可调参数
type Options struct {
	LockTimeout   time.Duration
	Timeout       time.Duration // 单次 ADL 上限，默认 30s
	SettleTimeout time.Duration // 事件收尾和审计写入，不受 Timeout 约束
}

// Controller ADL 控制器
type Controller struct {
	store    Store
	configs  Configs
	prices   Prices
	locks    *keylock.Manager
	recorder Recorder
	cache    RankingCache
	opts     Options
	now      func() int64
}

func NewController(store Store, configs Configs, prices Prices, locks *keylock.Manager, recorder Recorder, cache RankingCache, opts Options) *Controller {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if cache == nil {
		cache = NewMemoryRankingCache()
	}
	return &Controller{
		store:    store,
		configs:  configs,
		prices:   prices,
		locks:    locks,
		recorder: recorder,
		cache:    cache,
		opts:     opts,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock 测试用
func (c *Controller) SetClock(now func() int64) {
	c.now = now
}

// =============================================================================
// 执行
// =============================================================================

// Execute 处理一笔剩余穿仓
//
// 冷却中返回 *CooldownError 且不落任何记录；覆盖不足时事件记为 failed
// 并返回 *CoverageShortfallError
func (c *Controller) Execute(ctx context.Context, ev futures.ShortfallEvent) (*futures.ADLEvent, error) {
	if ev.Amount.Sign() <= 0 {
		return nil, futures.ErrInvalidAmount
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var event *futures.ADLEvent
	err := c.locks.WithLock(ctx, keylock.ADLKey(ev.Symbol), c.opts.LockTimeout, func() error {
		var err error
		event, err = c.executeLocked(ctx, ev)
		return err
	})
	if errors.Is(err, keylock.ErrLockTimeout) {
		metrics.LockConflicts.WithLabelValues("adl").Inc()
		return nil, fmt.Errorf("%w: %v", futures.ErrDeferred, err)
	}
	return event, err
}

func (c *Controller) executeLocked(ctx context.Context, ev futures.ShortfallEvent) (*futures.ADLEvent, error) {
	log := logger.Component("ADL").WithFields(map[string]any{
		"symbol":         ev.Symbol,
		"liquidation_id": ev.LiquidationID,
	})

	mc, err := c.configs.Market(ev.Symbol)
	if err != nil {
		return nil, err
	}
	cfg := mc.ADL
	now := c.now()

	event := &futures.ADLEvent{
		ID:                     idgen.Next(),
		Symbol:                 ev.Symbol,
		LiquidationID:          ev.LiquidationID,
		LiquidatedPositionID:   ev.PositionID,
		Side:                   ev.Side.Opposite(),
		InsuranceFundShortfall: ev.Amount,
		TotalReducedSize:       futures.Zero,
		TotalPnlRealized:       futures.Zero,
		Status:                 futures.ADLPending,
		CreatedAt:              now,
	}

	if !cfg.Enabled {
		event.Status = futures.ADLFailed
		event.FailureReason = ReasonDisabled
		event.CompletedAt = now
		if err := c.store.CreateADLEvent(ctx, event); err != nil {
			return nil, err
		}
		c.finish(ctx, event)
		log.WithField("amount", ev.Amount.String()).Warn("adl disabled, shortfall left uncovered")
		return event, nil
	}

	if retry, ok, err := c.cooldown(ctx, ev.Symbol, cfg, now); err != nil {
		return nil, err
	} else if ok {
		return nil, &CooldownError{Symbol: ev.Symbol, RetryAfter: retry}
	}

	mark := ev.MarkPrice
	if c.prices != nil {
		if p, ok := c.prices.MarkPrice(ev.Symbol); ok {
			mark = p
		}
	}
	if mark.Sign() <= 0 {
		return nil, futures.ErrInvalidPrice
	}

	if err := c.store.CreateADLEvent(ctx, event); err != nil {
		return nil, err
	}

	reason := ReasonCoverageShortfall
	ranked, err := c.rank(ctx, ev.Symbol, event.Side, mark, cfg)
	if err != nil {
		log.WithError(err).Error("rank adl candidates failed")
		reason = ReasonRankingFailed
		if ctx.Err() != nil {
			reason = ReasonTimeout
		}
	}

	remaining := ev.Amount
	affected := 0
	for _, cand := range ranked {
		if remaining.Sign() <= 0 || affected >= cfg.MaxPositionsPerADL {
			break
		}
		if ctx.Err() != nil {
			reason = ReasonTimeout
			break
		}
		r, err := c.reduce(ctx, event, cand, mark, remaining, mc)
		if err != nil {
			if errors.Is(err, keylock.ErrLockTimeout) {
				metrics.LockConflicts.WithLabelValues("position").Inc()
			}
			if ctx.Err() != nil {
				reason = ReasonTimeout
				break
			}
			log.WithError(err).WithField("position_id", cand.Position.ID).Warn("adl candidate skipped")
			continue
		}
		if r == nil {
			continue
		}
		affected++
		remaining = remaining.Sub(r.CompensationAmount)
		event.TotalReducedSize = event.TotalReducedSize.Add(r.SizeReduced)
		event.TotalPnlRealized = event.TotalPnlRealized.Add(r.PnlRealized)
	}

	event.PositionsAffected = affected
	event.CompletedAt = c.now()
	covered := ev.Amount.Sub(futures.Max(remaining, futures.Zero))
	if remaining.Sign() <= 0 {
		event.Status = futures.ADLCompleted
	} else {
		event.Status = futures.ADLFailed
		event.FailureReason = reason
	}

	// 已减仓的记录必须落到事件上，不能跟着 ctx 一起失效
	sctx, cancel := settlement.Detach(ctx, c.opts.SettleTimeout)
	defer cancel()
	if err := c.store.UpdateADLEvent(sctx, event); err != nil {
		return nil, err
	}
	c.finish(sctx, event)

	fields := map[string]any{
		"event_id":  event.ID,
		"side":      event.Side,
		"shortfall": ev.Amount.String(),
		"covered":   covered.String(),
		"affected":  affected,
	}
	if event.Status == futures.ADLFailed {
		err := &CoverageShortfallError{Symbol: ev.Symbol, EventID: event.ID, Shortfall: ev.Amount, Covered: covered, Reason: reason}
		log.WithFields(fields).WithError(err).Error("adl could not cover shortfall, operator action required")
		return event, err
	}
	log.WithFields(fields).Info("adl completed")
	return event, nil
}

// cooldown 上一次 ADL 结束后 min_interval_seconds 内不再执行
func (c *Controller) cooldown(ctx context.Context, symbol string, cfg futures.ADLConfig, now int64) (time.Duration, bool, error) {
	if cfg.MinIntervalSeconds <= 0 {
		return 0, false, nil
	}
	last, err := c.store.LatestADLEvent(ctx, symbol)
	if errors.Is(err, futures.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if last.FailureReason == ReasonDisabled {
		return 0, false, nil
	}
	ended := last.CompletedAt
	if ended == 0 {
		ended = last.CreatedAt
	}
	wait := ended + int64(cfg.MinIntervalSeconds)*1000 - now
	if wait <= 0 {
		return 0, false, nil
	}
	return time.Duration(wait) * time.Millisecond, true, nil
}

func (c *Controller) rank(ctx context.Context, symbol string, side futures.Side, mark decimal.Decimal, cfg futures.ADLConfig) ([]*Candidate, error) {
	positions, err := c.store.ListOpenPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	cached := make(map[int64]int)
	if rows, err := c.cache.Load(ctx, symbol, side, 0); err == nil {
		for _, r := range rows {
			cached[r.PositionID] = r.ADLRank
		}
	} else {
		logger.Component("ADL").WithError(err).Warn("load ranking cache failed")
	}
	return Rank(Collect(positions, side, mark), cfg, cached), nil
}

// reduce 减仓单个候选，返回 nil 表示实时校验后跳过
func (c *Controller) reduce(ctx context.Context, event *futures.ADLEvent, cand *Candidate, mark, remaining decimal.Decimal, mc futures.MarketConfig) (*futures.ADLReduction, error) {
	var out *futures.ADLReduction
	err := c.locks.WithLock(ctx, keylock.PositionKey(cand.Position.ID), c.opts.LockTimeout, func() error {
		pos, err := c.store.GetPosition(ctx, cand.Position.ID)
		if err != nil {
			return err
		}
		if !pos.IsOpen() {
			return nil
		}
		pnl := pos.UnrealizedPnL(mark)
		if pnl.Sign() <= 0 {
			return nil
		}

		now := c.now()
		fraction := ReductionFraction(remaining, pnl, mc.ADL)
		res := pos.Reduce(fraction, mark, now)
		compensation := futures.Min(res.PnlRealized, remaining)
		// 用于覆盖穿仓的那部分利润不归持仓所有
		pos.RealizedPnl = pos.RealizedPnl.Sub(compensation)
		if res.FullyClosed {
			pos.MarkTerminal(futures.PositionClosed, now)
		} else {
			pos.RecalculateLiquidationPrice(mc.Liquidation.MaintenanceMarginRate)
		}

		r := &futures.ADLReduction{
			ID:                 idgen.Next(),
			ADLEventID:         event.ID,
			PositionID:         pos.ID,
			UserAddress:        pos.UserAddress,
			SizeBefore:         res.SizeBefore,
			SizeAfter:          pos.SizeInUsd,
			SizeReduced:        res.SizeReduced,
			PnlBefore:          res.PnlBefore,
			PnlAfter:           res.PnlBefore.Sub(res.PnlRealized),
			PnlRealized:        res.PnlRealized,
			ExecutionPrice:     mark,
			ADLRank:            cand.Rank,
			ADLScore:           cand.Score,
			CompensationAmount: compensation,
			CreatedAt:          now,
		}
		if err := c.store.ApplyADLReduction(ctx, pos, r); err != nil {
			if errors.Is(err, futures.ErrStatusConflict) {
				return nil
			}
			return err
		}
		sctx, cancel := settlement.Detach(ctx, c.opts.SettleTimeout)
		defer cancel()
		if err := c.recorder.RecordOnce(sctx, settlement.Entry{
			Key:        settlement.Key("adl", event.ID, pos.ID),
			Kind:       futures.AuditADLReduction,
			Symbol:     event.Symbol,
			PositionID: pos.ID,
			Payload:    r,
		}); err != nil {
			logger.Component("ADL").WithError(err).WithField("reduction_id", r.ID).Error("record reduction audit failed")
		}
		out = r
		return nil
	})
	return out, err
}

func (c *Controller) finish(ctx context.Context, event *futures.ADLEvent) {
	metrics.ADLEvents.WithLabelValues(event.Symbol, string(event.Status)).Inc()
	if err := c.recorder.RecordOnce(ctx, settlement.Entry{
		Key:     settlement.Key("adl_event", event.ID),
		Kind:    futures.AuditADLEvent,
		Symbol:  event.Symbol,
		Payload: event,
	}); err != nil {
		logger.Component("ADL").WithError(err).WithField("event_id", event.ID).Error("record adl event audit failed")
	}
}

// =============================================================================
// 排名 / 查询
// =============================================================================

// RefreshRankings 重新计算两侧排名写入缓存，周期性在关键路径外执行
func (c *Controller) RefreshRankings(ctx context.Context, symbol string, mark decimal.Decimal) error {
	mc, err := c.configs.Market(symbol)
	if err != nil {
		return err
	}
	if mark.Sign() <= 0 {
		return futures.ErrInvalidPrice
	}
	positions, err := c.store.ListOpenPositions(ctx, symbol)
	if err != nil {
		return err
	}
	now := c.now()
	for _, side := range []futures.Side{futures.SideLong, futures.SideShort} {
		ranked := Rank(Collect(positions, side, mark), mc.ADL, nil)
		if err := c.cache.Save(ctx, symbol, side, Rankings(symbol, side, ranked, now)); err != nil {
			return fmt.Errorf("save %s %s ranking: %w", symbol, side, err)
		}
	}
	return nil
}

// Rankings 缓存中的排名
func (c *Controller) Rankings(ctx context.Context, symbol string, side futures.Side, limit int) ([]futures.ADLRanking, error) {
	if !side.Valid() {
		return nil, futures.ErrInvalidSide
	}
	return c.cache.Load(ctx, symbol, side, limit)
}

func (c *Controller) MarketEvents(ctx context.Context, symbol string, limit int) ([]*futures.ADLEvent, error) {
	return c.store.ListADLEvents(ctx, symbol, limit)
}

func (c *Controller) UserReductions(ctx context.Context, user string, limit int) ([]*futures.ADLReduction, error) {
	return c.store.ListUserADLReductions(ctx, user, limit)
}

// Reductions 某次 ADL 的全部减仓，按 rank 升序
func (c *Controller) Reductions(ctx context.Context, eventID int64) ([]*futures.ADLReduction, error) {
	return c.store.ListADLReductions(ctx, eventID)
}
