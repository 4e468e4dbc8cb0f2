// 文件: pkg/liquidation/evaluator.go
// 强平评估与执行
//
// 【流程】
// 标记价变化 -> Scan (缓存强平价快速过滤) -> 实时保证金率校验 -> Execute
//
// 【Execute】
// 1. 持仓锁内重新加载，已非 open 直接返回
// 2. 资金瀑布: 强平费 -> 保险基金费 -> 剩余保证金，权益为负即穿仓
// 3. 穿仓先由保险基金兜底 (单笔上限 max_insurance_payout_rate × size)
// 4. open -> liquidated CAS 与 Liquidation 记录原子写入
// 5. 保险基金兜不住的部分作为 ShortfallEvent 交给 ADL

package liquidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/idgen"
	"max.com/perprisk/pkg/insurance"
	"max.com/perprisk/pkg/keylock"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/metrics"
	"max.com/perprisk/pkg/risk/perp"
	"max.com/perprisk/pkg/settlement"
)

const defaultShortfallBuffer = 256

// Store 强平相关持久化
type Store interface {
	GetPosition(ctx context.Context, id int64) (*futures.Position, error)
	ListOpenPositions(ctx context.Context, symbol string) ([]*futures.Position, error)
	ApplyLiquidation(ctx context.Context, p *futures.Position, l *futures.Liquidation) error
	ListLiquidations(ctx context.Context, symbol string, limit int) ([]*futures.Liquidation, error)
	ListUserLiquidations(ctx context.Context, user string, limit int) ([]*futures.Liquidation, error)
}

// Configs 市场配置
type Configs interface {
	Market(symbol string) (futures.MarketConfig, error)
}

// Insurance 保险基金
type Insurance interface {
	Contribute(ctx context.Context, symbol string, amount decimal.Decimal, ref insurance.Ref) (*futures.InsuranceFundTransaction, error)
	Payout(ctx context.Context, symbol string, amount decimal.Decimal, ref insurance.Ref) (*futures.InsuranceFundTransaction, error)
	CoverableAmount(ctx context.Context, symbol string, shortfall, sizeInUsd decimal.Decimal, cfg futures.LiquidationConfig) (decimal.Decimal, error)
}

// Recorder 审计
type Recorder interface {
	RecordOnce(ctx context.Context, e settlement.Entry) error
}

// Options 可调参数
type Options struct {
	LockTimeout     time.Duration
	ExecTimeout     time.Duration // 单笔强平上限，默认 30s
	SettleTimeout   time.Duration // 赔付退回和提交后的收尾写入，不受 ExecTimeout 约束
	ShortfallBuffer int
	NumShards       int
}

// Evaluator 强平评估器
type Evaluator struct {
	store     Store
	configs   Configs
	insurance Insurance
	locks     *keylock.Manager
	recorder  Recorder
	scanner   *Scanner
	index     *RiskIndex
	opts      Options

	shortfalls chan futures.ShortfallEvent
	now        func() int64
}

func NewEvaluator(store Store, configs Configs, ins Insurance, locks *keylock.Manager, recorder Recorder, opts Options) *Evaluator {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Second
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = time.Second
	}
	if opts.ShortfallBuffer <= 0 {
		opts.ShortfallBuffer = defaultShortfallBuffer
	}
	return &Evaluator{
		store:      store,
		configs:    configs,
		insurance:  ins,
		locks:      locks,
		recorder:   recorder,
		scanner:    NewScanner(opts.NumShards),
		index:      NewRiskIndex(),
		opts:       opts,
		shortfalls: make(chan futures.ShortfallEvent, opts.ShortfallBuffer),
		now:        func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock 测试用
func (e *Evaluator) SetClock(now func() int64) {
	e.now = now
}

// Shortfalls 穿仓事件管道，由 ADL 消费
func (e *Evaluator) Shortfalls() <-chan futures.ShortfallEvent {
	return e.shortfalls
}

// Index 风险分级索引
func (e *Evaluator) Index() *RiskIndex {
	return e.index
}

// =============================================================================
// 扫描
// =============================================================================

// Scan 按标记价扫描一个 symbol
//
// fullScan 跳过缓存强平价过滤，配置版本变化或资金费结算后使用
func (e *Evaluator) Scan(ctx context.Context, symbol string, mark decimal.Decimal, fullScan bool) (*ScanResult, error) {
	if mark.Sign() <= 0 {
		return nil, futures.ErrInvalidPrice
	}
	mc, err := e.configs.Market(symbol)
	if err != nil {
		return nil, err
	}
	cfg := mc.Liquidation

	positions, err := e.store.ListOpenPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}

	candidates := positions
	if !fullScan {
		candidates = candidates[:0:0]
		for _, p := range positions {
			if NearLiquidation(p.Side, p.LiquidationPrice, mark, cfg.LiquidationPriceBufferRate) {
				candidates = append(candidates, p)
			}
		}
	}

	now := e.now()
	assessments := e.scanner.Assess(ctx, candidates, mark, cfg.MaintenanceMarginRate, now)
	e.index.Update(symbol, assessments, fullScan)

	res := &ScanResult{Symbol: symbol, Full: fullScan, Checked: len(candidates)}
	for i, a := range assessments {
		if !a.Liquidatable() {
			continue
		}
		res.Candidates++

		liq, err := e.Execute(ctx, candidates[i], mark, cfg, "")
		switch {
		case err == nil:
			res.Liquidated = append(res.Liquidated, liq)
		case errors.Is(err, futures.ErrDeferred):
			res.Deferred++
		case errors.Is(err, futures.ErrPositionNotOpen), errors.Is(err, ErrNotLiquidatable):
		default:
			logger.Component("Liquidation").WithError(err).WithFields(map[string]any{
				"symbol":      symbol,
				"position_id": a.PositionID,
			}).Error("liquidation failed")
		}
	}
	return res, nil
}

// =============================================================================
// 执行
// =============================================================================

// Execute 强平单个持仓，liquidator 为空表示引擎自行强平 (无奖励)
func (e *Evaluator) Execute(ctx context.Context, pos *futures.Position, mark decimal.Decimal, cfg futures.LiquidationConfig, liquidator string) (*futures.Liquidation, error) {
	if mark.Sign() <= 0 {
		return nil, futures.ErrInvalidPrice
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.opts.ExecTimeout)
	defer cancel()

	var liq *futures.Liquidation
	err := e.locks.WithLock(ctx, keylock.PositionKey(pos.ID), e.opts.LockTimeout, func() error {
		var err error
		liq, err = e.executeLocked(ctx, pos.ID, mark, cfg, liquidator)
		return err
	})
	if errors.Is(err, keylock.ErrLockTimeout) {
		metrics.LockConflicts.WithLabelValues("position").Inc()
		return nil, fmt.Errorf("%w: %v", futures.ErrDeferred, err)
	}
	if err != nil {
		return nil, err
	}

	e.index.Remove(liq.Symbol, liq.PositionID)
	metrics.Liquidations.WithLabelValues(liq.Symbol, string(liq.Side)).Inc()
	metrics.LiquidationLatency.WithLabelValues(liq.Symbol).Observe(time.Since(start).Seconds())
	return liq, nil
}

func (e *Evaluator) executeLocked(ctx context.Context, positionID int64, mark decimal.Decimal, cfg futures.LiquidationConfig, liquidator string) (*futures.Liquidation, error) {
	log := logger.Component("Liquidation")

	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, futures.ErrPositionNotOpen
	}
	ratio := pos.MarginRatio(mark)
	if !perp.IsLiquidatable(ratio, cfg.MaintenanceMarginRate) {
		return nil, ErrNotLiquidatable
	}

	w := ComputeWaterfall(pos, mark, cfg, liquidator != "")
	now := e.now()
	liqID := idgen.Next()
	ref := insurance.RefFor(liqID, pos.ID)

	// 保险基金兜底，余额不足时按实际余额赔付
	payout := futures.Zero
	if w.Shortfall.Sign() > 0 {
		payout, err = e.insurance.CoverableAmount(ctx, pos.Symbol, w.Shortfall, pos.SizeInUsd, cfg)
		if err != nil {
			return nil, err
		}
		payout, err = e.payout(ctx, pos.Symbol, payout, ref)
		if err != nil {
			return nil, err
		}
	}

	liq := &futures.Liquidation{
		ID:                        liqID,
		PositionID:                pos.ID,
		UserAddress:               pos.UserAddress,
		Symbol:                    pos.Symbol,
		Side:                      pos.Side,
		PositionSizeUsd:           pos.SizeInUsd,
		PositionSizeTokens:        pos.SizeInTokens,
		CollateralAmount:          pos.CollateralAmount,
		EntryPrice:                pos.EntryPrice,
		LiquidationPrice:          pos.LiquidationPrice,
		MarkPrice:                 mark,
		MarginRatio:               ratio,
		RemainingCollateral:       w.Remaining,
		LiquidationFee:            w.LiquidationFee,
		InsuranceFundContribution: w.InsuranceFee,
		Pnl:                       w.Pnl,
		Shortfall:                 w.Shortfall,
		InsurancePayout:           payout,
		UncoveredShortfall:        w.Shortfall.Sub(payout),
		CreatedAt:                 now,
	}
	if liquidator != "" {
		addr := liquidator
		reward := w.LiquidatorReward
		liq.LiquidatorAddress = &addr
		liq.LiquidatorReward = &reward
	}

	pos.Reduce(futures.One, mark, now)
	pos.MarkTerminal(futures.PositionLiquidated, now)
	if err := e.store.ApplyLiquidation(ctx, pos, liq); err != nil {
		// 已赔付的部分退回基金，ctx 可能已经超时
		if payout.Sign() > 0 {
			e.refund(ctx, liq, payout, ref)
		}
		if errors.Is(err, futures.ErrStatusConflict) || errors.Is(err, futures.ErrDuplicate) {
			return nil, futures.ErrPositionNotOpen
		}
		return nil, err
	}

	// 已提交，后续写入不再受单笔超时影响
	sctx, cancel := settlement.Detach(ctx, e.opts.SettleTimeout)
	defer cancel()

	if w.InsuranceFee.Sign() > 0 {
		if _, err := e.insurance.Contribute(sctx, liq.Symbol, w.InsuranceFee, ref); err != nil {
			log.WithError(err).WithField("liquidation_id", liq.ID).Error("insurance contribution failed")
		}
	}

	if err := e.recorder.RecordOnce(sctx, settlement.Entry{
		Key:        settlement.Key("liquidation", pos.ID),
		Kind:       futures.AuditLiquidation,
		Symbol:     liq.Symbol,
		PositionID: pos.ID,
		Payload:    liq,
	}); err != nil {
		log.WithError(err).WithField("liquidation_id", liq.ID).Error("record liquidation audit failed")
	}

	log.WithFields(map[string]any{
		"liquidation_id": liq.ID,
		"position_id":    pos.ID,
		"symbol":         liq.Symbol,
		"side":           liq.Side,
		"mark_price":     mark.String(),
		"margin_ratio":   ratio.String(),
		"shortfall":      liq.Shortfall.String(),
		"payout":         payout.String(),
	}).Info("position liquidated")

	if liq.UncoveredShortfall.Sign() > 0 {
		e.emitShortfall(sctx, futures.ShortfallEvent{
			Symbol:        liq.Symbol,
			LiquidationID: liq.ID,
			PositionID:    liq.PositionID,
			Side:          liq.Side,
			Amount:        liq.UncoveredShortfall,
			MarkPrice:     mark,
			CreatedAt:     now,
		})
	}
	return liq, nil
}

// refund 退回赔付
func (e *Evaluator) refund(ctx context.Context, liq *futures.Liquidation, payout decimal.Decimal, ref insurance.Ref) {
	sctx, cancel := settlement.Detach(ctx, e.opts.SettleTimeout)
	defer cancel()
	if _, err := e.insurance.Contribute(sctx, liq.Symbol, payout, ref); err != nil {
		logger.Component("Liquidation").WithError(err).WithFields(map[string]any{
			"position_id": liq.PositionID,
			"payout":      payout.String(),
		}).Error("revert insurance payout failed")
	}
}

// payout 赔付，余额不足时按 Available 重新封顶
func (e *Evaluator) payout(ctx context.Context, symbol string, amount decimal.Decimal, ref insurance.Ref) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return futures.Zero, nil
	}
	_, err := e.insurance.Payout(ctx, symbol, amount, ref)
	var insufficient *insurance.InsufficientFundError
	if errors.As(err, &insufficient) {
		amount = insufficient.Available
		if amount.Sign() <= 0 {
			return futures.Zero, nil
		}
		_, err = e.insurance.Payout(ctx, symbol, amount, ref)
		if errors.As(err, &insufficient) {
			return futures.Zero, nil
		}
	}
	if err != nil {
		return futures.Zero, err
	}
	return amount, nil
}

func (e *Evaluator) emitShortfall(ctx context.Context, ev futures.ShortfallEvent) {
	select {
	case e.shortfalls <- ev:
	case <-ctx.Done():
		logger.Component("Liquidation").WithFields(map[string]any{
			"liquidation_id": ev.LiquidationID,
			"amount":         ev.Amount.String(),
		}).Error("shortfall pipeline blocked, event dropped")
	}
}

// =============================================================================
// 查询
// =============================================================================

// MarketLiquidations 某市场的强平记录，新的在前
func (e *Evaluator) MarketLiquidations(ctx context.Context, symbol string, limit int) ([]*futures.Liquidation, error) {
	return e.store.ListLiquidations(ctx, symbol, limit)
}

// UserLiquidations 用户的强平记录
func (e *Evaluator) UserLiquidations(ctx context.Context, user string, limit int) ([]*futures.Liquidation, error) {
	return e.store.ListUserLiquidations(ctx, user, limit)
}
