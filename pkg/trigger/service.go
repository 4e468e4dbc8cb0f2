// 文件: pkg/trigger/service.go
// 条件单服务
//
// 【状态机】
//   active -> triggered -> executed | failed
//   active -> cancelled | expired
//
// 每次迁移都是 CAS: 撤单和触发同时发生时，先提交的一方生效，
// 另一方看到 ErrStatusConflict 直接放弃

package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/idgen"
	"max.com/perprisk/pkg/keylock"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/metrics"
	"max.com/perprisk/pkg/settlement"
)

var (
	ErrNotCancellable  = errors.New("trigger order is not cancellable")
	ErrTriggerDisabled = errors.New("trigger orders disabled for market")
	ErrTooManyOrders   = errors.New("too many active trigger orders")
	ErrTriggerTooClose = errors.New("trigger price too close to mark price")
	ErrNotOwner        = errors.New("order or position belongs to another user")
	ErrInvalidOrder    = errors.New("invalid trigger order")
)

// Store 条件单相关持久化
type Store interface {
	GetPosition(ctx context.Context, id int64) (*futures.Position, error)
	CreateTriggerOrder(ctx context.Context, o *futures.TriggerOrder) error
	GetTriggerOrder(ctx context.Context, id int64) (*futures.TriggerOrder, error)
	ListActiveTriggerOrders(ctx context.Context, symbol string) ([]*futures.TriggerOrder, error)
	ListUserTriggerOrders(ctx context.Context, user, symbol string, status futures.TriggerStatus, limit int) ([]*futures.TriggerOrder, error)
	CountActiveTriggerOrders(ctx context.Context, user, symbol string) (int, error)
	TransitionTriggerOrder(ctx context.Context, o *futures.TriggerOrder, from futures.TriggerStatus) error
	CreateTriggerExecution(ctx context.Context, e *futures.TriggerOrderExecution) error
	ListUserTriggerExecutions(ctx context.Context, user string, limit int) ([]*futures.TriggerOrderExecution, error)
	GetPositionTpSl(ctx context.Context, positionID int64) (*futures.PositionTpSl, error)
	SavePositionTpSl(ctx context.Context, t *futures.PositionTpSl) error
}

type Configs interface {
	Market(symbol string) (futures.MarketConfig, error)
}

type Prices interface {
	MarkPrice(symbol string) (decimal.Decimal, bool)
}

type Recorder interface {
	RecordOnce(ctx context.Context, e settlement.Entry) error
}

// Service 条件单服务
type Service struct {
	store       Store
	configs     Configs
	prices      Prices
	index       Index
	gateway     Gateway
	locks       *keylock.Manager
	recorder    Recorder
	lockTimeout time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	now func() int64
}

func NewService(store Store, configs Configs, prices Prices, index Index, gateway Gateway, locks *keylock.Manager, recorder Recorder, lockTimeout time.Duration) *Service {
	if index == nil {
		index = NewMemoryIndex()
	}
	return &Service{
		store:       store,
		configs:     configs,
		prices:      prices,
		index:       index,
		gateway:     gateway,
		locks:       locks,
		recorder:    recorder,
		lockTimeout: lockTimeout,
		limiters:    make(map[string]*rate.Limiter),
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock 测试用
func (s *Service) SetClock(now func() int64) {
	s.now = now
}

// =============================================================================
// 创建 / 撤单
// =============================================================================

// CreateRequest 创建条件单
type CreateRequest struct {
	User              string
	Symbol            string
	PositionID        *int64
	Side              futures.OrderSide
	Type              futures.TriggerType
	Condition         futures.TriggerCondition // 为空时按类型和方向推导
	TriggerPrice      decimal.Decimal
	LimitPrice        *decimal.Decimal
	Size              decimal.Decimal
	TrailingDelta     *decimal.Decimal
	TrailingDeltaType futures.TrailingDeltaType
	ReduceOnly        bool
	ClosePosition     bool
	ExpiresAt         int64
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOrder, fmt.Sprintf(format, args...))
}

func (s *Service) validate(ctx context.Context, req *CreateRequest, now int64) error {
	switch {
	case !req.Type.Valid():
		return invalid("trigger type %q", req.Type)
	case req.Side != futures.OrderBuy && req.Side != futures.OrderSell:
		return invalid("side %q", req.Side)
	case req.TriggerPrice.Sign() <= 0:
		return futures.ErrInvalidPrice
	case !req.ClosePosition && req.Size.Sign() <= 0:
		return futures.ErrInvalidAmount
	case req.ExpiresAt > 0 && req.ExpiresAt <= now:
		return invalid("expires_at in the past")
	}
	if req.Condition == "" {
		req.Condition = DefaultCondition(req.Type, req.Side)
	}
	if req.Condition != futures.PriceAbove && req.Condition != futures.PriceBelow {
		return invalid("condition %q", req.Condition)
	}
	if req.Type == futures.TriggerTrailingStop {
		if req.TrailingDelta == nil || req.TrailingDelta.Sign() <= 0 {
			return invalid("trailing_delta required")
		}
		if req.TrailingDeltaType != futures.TrailingAbsolute && req.TrailingDeltaType != futures.TrailingPercentage {
			return invalid("trailing_delta_type %q", req.TrailingDeltaType)
		}
	}
	if req.Type.IsLimit() && (req.LimitPrice == nil || req.LimitPrice.Sign() <= 0) {
		return invalid("limit_price required")
	}

	mc, err := s.configs.Market(req.Symbol)
	if err != nil {
		return err
	}
	cfg := mc.Trigger
	if !cfg.Enabled {
		return ErrTriggerDisabled
	}
	if cfg.MaxActiveOrdersPerUser > 0 {
		n, err := s.store.CountActiveTriggerOrders(ctx, req.User, req.Symbol)
		if err != nil {
			return err
		}
		if n >= cfg.MaxActiveOrdersPerUser {
			return ErrTooManyOrders
		}
	}
	if req.Type != futures.TriggerTrailingStop && cfg.MinTriggerDistancePercentage.Sign() > 0 && s.prices != nil {
		if mark, ok := s.prices.MarkPrice(req.Symbol); ok && mark.Sign() > 0 {
			dist := futures.Mul(futures.Div(req.TriggerPrice.Sub(mark).Abs(), mark), futures.Hundred)
			if dist.LessThan(cfg.MinTriggerDistancePercentage) {
				return ErrTriggerTooClose
			}
		}
	}

	if req.PositionID != nil {
		pos, err := s.store.GetPosition(ctx, *req.PositionID)
		if err != nil {
			return err
		}
		if pos.UserAddress != req.User {
			return ErrNotOwner
		}
		if !pos.IsOpen() {
			return futures.ErrPositionNotOpen
		}
		if pos.Symbol != req.Symbol {
			return invalid("position symbol %s", pos.Symbol)
		}
		if (req.ReduceOnly || req.ClosePosition) && futures.CloseSideFor(pos.Side) != req.Side {
			return ErrPositionMismatch
		}
	} else if req.ClosePosition {
		return ErrPositionRequired
	}
	return nil
}

// Create 创建条件单
func (s *Service) Create(ctx context.Context, req CreateRequest) (*futures.TriggerOrder, error) {
	now := s.now()
	if err := s.validate(ctx, &req, now); err != nil {
		return nil, err
	}

	o := &futures.TriggerOrder{
		ID:                idgen.Next(),
		UserAddress:       req.User,
		Symbol:            req.Symbol,
		PositionID:        req.PositionID,
		Side:              req.Side,
		TriggerType:       req.Type,
		TriggerCondition:  req.Condition,
		TriggerPrice:      req.TriggerPrice,
		LimitPrice:        req.LimitPrice,
		Size:              req.Size,
		TrailingDelta:     req.TrailingDelta,
		TrailingDeltaType: req.TrailingDeltaType,
		Status:            futures.TriggerActive,
		ReduceOnly:        req.ReduceOnly || req.ClosePosition,
		ClosePosition:     req.ClosePosition,
		ExpiresAt:         req.ExpiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if o.TriggerType == futures.TriggerTrailingStop {
		peak := req.TriggerPrice
		o.PeakPrice = &peak
	}
	if err := s.store.CreateTriggerOrder(ctx, o); err != nil {
		return nil, err
	}
	if err := s.index.Add(ctx, o); err != nil {
		logger.Component("Trigger").WithError(err).WithField("order_id", o.ID).Warn("index add failed")
	}

	logger.Component("Trigger").WithFields(map[string]any{
		"order_id":      o.ID,
		"user":          o.UserAddress,
		"symbol":        o.Symbol,
		"type":          o.TriggerType,
		"trigger_price": o.TriggerPrice.String(),
	}).Info("trigger order created")
	return o, nil
}

// Cancel 撤单，只有 active 可撤
func (s *Service) Cancel(ctx context.Context, user string, orderID int64) (*futures.TriggerOrder, error) {
	o, err := s.store.GetTriggerOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserAddress != user {
		return nil, ErrNotOwner
	}
	if err := s.cancel(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) cancel(ctx context.Context, o *futures.TriggerOrder) error {
	if o.Status != futures.TriggerActive {
		return ErrNotCancellable
	}
	o.Status = futures.TriggerCancelled
	o.UpdatedAt = s.now()
	if err := s.store.TransitionTriggerOrder(ctx, o, futures.TriggerActive); err != nil {
		if errors.Is(err, futures.ErrStatusConflict) {
			return ErrNotCancellable
		}
		return err
	}
	if err := s.index.Remove(ctx, o); err != nil {
		logger.Component("Trigger").WithError(err).WithField("order_id", o.ID).Warn("index remove failed")
	}
	return nil
}

// =============================================================================
// 持仓止盈止损
// =============================================================================

// TpSlRequest 为 nil 的字段保持不变
type TpSlRequest struct {
	TakeProfit        *decimal.Decimal
	StopLoss          *decimal.Decimal
	TrailingDelta     *decimal.Decimal
	TrailingDeltaType futures.TrailingDeltaType
}

// SetPositionTpSl 设置持仓的止盈 / 止损 / 跟踪止损，替换掉的旧单会被撤销
func (s *Service) SetPositionTpSl(ctx context.Context, user string, positionID int64, req TpSlRequest) (*futures.PositionTpSl, error) {
	pos, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.UserAddress != user {
		return nil, ErrNotOwner
	}
	if !pos.IsOpen() {
		return nil, futures.ErrPositionNotOpen
	}

	row, err := s.store.GetPositionTpSl(ctx, positionID)
	if errors.Is(err, futures.ErrNotFound) {
		row = &futures.PositionTpSl{PositionID: positionID, UserAddress: user, Symbol: pos.Symbol}
	} else if err != nil {
		return nil, err
	}

	side := futures.CloseSideFor(pos.Side)
	leg := func(slot **int64, typ futures.TriggerType, price decimal.Decimal, delta *decimal.Decimal) error {
		o, err := s.Create(ctx, CreateRequest{
			User:              user,
			Symbol:            pos.Symbol,
			PositionID:        &positionID,
			Side:              side,
			Type:              typ,
			TriggerPrice:      price,
			TrailingDelta:     delta,
			TrailingDeltaType: req.TrailingDeltaType,
			ReduceOnly:        true,
			ClosePosition:     true,
		})
		if err != nil {
			return err
		}
		if *slot != nil {
			s.cancelByID(ctx, **slot)
		}
		id := o.ID
		*slot = &id
		return nil
	}

	if req.TakeProfit != nil {
		if err := leg(&row.TakeProfitOrderID, futures.TriggerTakeProfit, *req.TakeProfit, nil); err != nil {
			return nil, err
		}
	}
	if req.StopLoss != nil {
		if err := leg(&row.StopLossOrderID, futures.TriggerStopLoss, *req.StopLoss, nil); err != nil {
			return nil, err
		}
	}
	if req.TrailingDelta != nil {
		start := pos.EntryPrice
		if s.prices != nil {
			if mark, ok := s.prices.MarkPrice(pos.Symbol); ok {
				start = mark
			}
		}
		if err := leg(&row.TrailingStopOrderID, futures.TriggerTrailingStop, start, req.TrailingDelta); err != nil {
			return nil, err
		}
	}

	row.UpdatedAt = s.now()
	if err := s.store.SavePositionTpSl(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// cancelByID 尽力撤单，已不是 active 的忽略
func (s *Service) cancelByID(ctx context.Context, id int64) {
	o, err := s.store.GetTriggerOrder(ctx, id)
	if err != nil {
		return
	}
	if err := s.cancel(ctx, o); err != nil && !errors.Is(err, ErrNotCancellable) {
		logger.Component("Trigger").WithError(err).WithField("order_id", id).Warn("cancel replaced order failed")
	}
}

// =============================================================================
// 评估
// =============================================================================

// EvalResult 一次评估的统计
type EvalResult struct {
	Symbol    string
	Throttled bool
	Checked   int
	Expired   int
	Executed  int
	Failed    int
	Deferred  int
}

func (s *Service) limiter(symbol string, cfg futures.TriggerOrderConfig) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[symbol]
	limit := rate.Inf
	if cfg.TriggerCheckIntervalMs > 0 {
		limit = rate.Every(time.Duration(cfg.TriggerCheckIntervalMs) * time.Millisecond)
	}
	if !ok {
		l = rate.NewLimiter(limit, 1)
		s.limiters[symbol] = l
	} else if l.Limit() != limit {
		l.SetLimit(limit)
	}
	return l
}

// Evaluate 按标记价评估某 symbol 的全部候选条件单
//
// 候选 = 索引中被穿越的普通条件单 + 全部跟踪止损 + 已过期的单
func (s *Service) Evaluate(ctx context.Context, symbol string, mark decimal.Decimal, now int64) (*EvalResult, error) {
	if mark.Sign() <= 0 {
		return nil, futures.ErrInvalidPrice
	}
	mc, err := s.configs.Market(symbol)
	if err != nil {
		return nil, err
	}
	res := &EvalResult{Symbol: symbol}
	if !mc.Trigger.Enabled {
		return res, nil
	}
	if !s.limiter(symbol, mc.Trigger).Allow() {
		res.Throttled = true
		return res, nil
	}

	candidates, err := s.candidates(ctx, symbol, mark, now)
	if err != nil {
		return nil, err
	}

	for _, o := range candidates {
		res.Checked++
		ev := Evaluate(o, mark, now)
		switch ev.Action {
		case ActionExpire:
			if s.expire(ctx, o, now) {
				res.Expired++
			}
		case ActionPending:
			if ev.PeakMoved() {
				s.movePeak(ctx, o, *ev.PeakPrice, now)
			}
		case ActionFire:
			if ev.PeakMoved() {
				o.PeakPrice = ev.PeakPrice
			}
			exec, err := s.fire(ctx, o, mark, now)
			switch {
			case errors.Is(err, futures.ErrDeferred):
				res.Deferred++
			case err != nil:
				logger.Component("Trigger").WithError(err).WithField("order_id", o.ID).Error("fire trigger order failed")
			case exec == nil:
			case exec.Success:
				res.Executed++
			default:
				res.Failed++
			}
		}
	}
	return res, nil
}

func (s *Service) candidates(ctx context.Context, symbol string, mark decimal.Decimal, now int64) ([]*futures.TriggerOrder, error) {
	active, err := s.store.ListActiveTriggerOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*futures.TriggerOrder, len(active))
	for _, o := range active {
		byID[o.ID] = o
	}

	ids, err := s.index.Crossed(ctx, symbol, mark)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(ids))
	var out []*futures.TriggerOrder
	for _, id := range ids {
		// 索引可能过期，以存储为准
		if o, ok := byID[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, o)
		}
	}
	for _, o := range active {
		if seen[o.ID] {
			continue
		}
		if o.TriggerType == futures.TriggerTrailingStop || (o.ExpiresAt > 0 && now >= o.ExpiresAt) {
			seen[o.ID] = true
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Service) expire(ctx context.Context, o *futures.TriggerOrder, now int64) bool {
	o.Status = futures.TriggerExpired
	o.UpdatedAt = now
	if err := s.store.TransitionTriggerOrder(ctx, o, futures.TriggerActive); err != nil {
		return false
	}
	_ = s.index.Remove(ctx, o)
	metrics.TriggerFires.WithLabelValues(o.Symbol, string(o.TriggerType), "expired").Inc()
	return true
}

// movePeak 峰值只在 active 时持久化
func (s *Service) movePeak(ctx context.Context, o *futures.TriggerOrder, peak decimal.Decimal, now int64) {
	o.PeakPrice = &peak
	o.UpdatedAt = now
	if err := s.store.TransitionTriggerOrder(ctx, o, futures.TriggerActive); err != nil && !errors.Is(err, futures.ErrStatusConflict) {
		logger.Component("Trigger").WithError(err).WithField("order_id", o.ID).Warn("persist peak failed")
	}
}

// fire 触发并执行
//
// 先拿持仓锁再 CAS active -> triggered，拿不到锁时订单保持 active 留给下个 tick。
// CAS 失败说明撤单或之前的触发已经生效，返回 (nil, nil)
func (s *Service) fire(ctx context.Context, o *futures.TriggerOrder, mark decimal.Decimal, now int64) (*futures.TriggerOrderExecution, error) {
	var exec *futures.TriggerOrderExecution
	run := func() error {
		var err error
		exec, err = s.fireLocked(ctx, o, mark, now)
		return err
	}

	var err error
	if o.PositionID != nil {
		err = s.locks.WithLock(ctx, keylock.PositionKey(*o.PositionID), s.lockTimeout, run)
	} else {
		err = run()
	}
	if errors.Is(err, keylock.ErrLockTimeout) {
		metrics.LockConflicts.WithLabelValues("position").Inc()
		return nil, fmt.Errorf("%w: %v", futures.ErrDeferred, err)
	}
	if err != nil {
		return nil, err
	}
	if exec != nil && exec.Success && o.ClosePosition && o.PositionID != nil {
		sctx, cancel := settlement.Detach(ctx, settlement.DefaultSettleTimeout)
		defer cancel()
		s.cancelSiblings(sctx, o)
	}
	return exec, nil
}

func (s *Service) fireLocked(ctx context.Context, o *futures.TriggerOrder, mark decimal.Decimal, now int64) (*futures.TriggerOrderExecution, error) {
	log := logger.Component("Trigger").WithFields(map[string]any{
		"order_id": o.ID,
		"symbol":   o.Symbol,
		"type":     o.TriggerType,
	})

	o.Status = futures.TriggerTriggered
	o.TriggeredAt = now
	o.UpdatedAt = now
	if err := s.store.TransitionTriggerOrder(ctx, o, futures.TriggerActive); err != nil {
		if errors.Is(err, futures.ErrStatusConflict) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.index.Remove(ctx, o); err != nil {
		log.WithError(err).Warn("index remove failed")
	}

	exec := &futures.TriggerOrderExecution{
		ID:             idgen.Next(),
		TriggerOrderID: o.ID,
		UserAddress:    o.UserAddress,
		PositionID:     o.PositionID,
		TriggerPrice:   o.TriggerPrice,
		MarkPrice:      mark,
		ExecutionPrice: futures.Zero,
		Size:           futures.Zero,
		Side:           o.Side,
		RealizedPnl:    futures.Zero,
		ExecutedAt:     now,
	}
	result, err := s.gateway.Execute(ctx, RequestFor(o, mark))
	if err != nil {
		exec.ErrorMessage = err.Error()
		o.Status = futures.TriggerFailed
	} else {
		exec.Success = true
		exec.ExecutionPrice = result.ExecutionPrice
		exec.Size = result.Size
		exec.RealizedPnl = result.RealizedPnl
		o.Status = futures.TriggerExecuted
	}
	o.UpdatedAt = s.now()

	// 网关已经执行，成交记录和状态收尾不能因为 ctx 失效而丢失
	sctx, cancel := settlement.Detach(ctx, settlement.DefaultSettleTimeout)
	defer cancel()
	var finishErr error
	if err := s.store.CreateTriggerExecution(sctx, exec); err != nil && !errors.Is(err, futures.ErrDuplicate) {
		finishErr = fmt.Errorf("record trigger execution %d: %w", o.ID, err)
	}
	if err := s.store.TransitionTriggerOrder(sctx, o, futures.TriggerTriggered); err != nil {
		finishErr = errors.Join(finishErr, fmt.Errorf("finish trigger order %d: %w", o.ID, err))
	}
	if err := s.recorder.RecordOnce(sctx, settlement.Entry{
		Key:     settlement.Key("trigger", o.ID),
		Kind:    futures.AuditTriggerExecution,
		Symbol:  o.Symbol,
		Payload: exec,
	}); err != nil {
		log.WithError(err).Error("record trigger audit failed")
	}
	if finishErr != nil {
		log.WithError(finishErr).Error("trigger order left unfinished")
		return nil, finishErr
	}

	outcome := "executed"
	if !exec.Success {
		outcome = "failed"
	}
	metrics.TriggerFires.WithLabelValues(o.Symbol, string(o.TriggerType), outcome).Inc()
	log.WithFields(map[string]any{
		"mark_price": mark.String(),
		"outcome":    outcome,
		"error":      exec.ErrorMessage,
	}).Info("trigger order fired")
	return exec, nil
}

// cancelSiblings 平仓单成交后撤掉同组的其他单
func (s *Service) cancelSiblings(ctx context.Context, o *futures.TriggerOrder) {
	row, err := s.store.GetPositionTpSl(ctx, *o.PositionID)
	if err != nil {
		return
	}
	for _, id := range row.OrderIDs() {
		if id != o.ID {
			s.cancelByID(ctx, id)
		}
	}
}

// RebuildIndex 启动时用存储中的 active 单重建索引
func (s *Service) RebuildIndex(ctx context.Context, symbol string) (int, error) {
	active, err := s.store.ListActiveTriggerOrders(ctx, symbol)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range active {
		if !indexable(o) {
			continue
		}
		if err := s.index.Add(ctx, o); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// =============================================================================
// 查询
// =============================================================================

func (s *Service) Get(ctx context.Context, orderID int64) (*futures.TriggerOrder, error) {
	return s.store.GetTriggerOrder(ctx, orderID)
}

// UserOrders symbol / status 为空表示不过滤
func (s *Service) UserOrders(ctx context.Context, user, symbol string, status futures.TriggerStatus, limit int) ([]*futures.TriggerOrder, error) {
	return s.store.ListUserTriggerOrders(ctx, user, symbol, status, limit)
}

func (s *Service) UserExecutions(ctx context.Context, user string, limit int) ([]*futures.TriggerOrderExecution, error) {
	return s.store.ListUserTriggerExecutions(ctx, user, limit)
}

func (s *Service) PositionTpSl(ctx context.Context, positionID int64) (*futures.PositionTpSl, error) {
	return s.store.GetPositionTpSl(ctx, positionID)
}
