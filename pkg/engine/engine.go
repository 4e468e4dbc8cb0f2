// 文件: pkg/engine/engine.go
// 风控引擎编排
//
// 【线程模型】
// - 每个 symbol 一个 pipeline goroutine，独占处理该 symbol 的全部 job
// - 单个 tick 内顺序: 资金费 (到期时) -> 强平扫描 -> 条件单评估
// - 资金费定时器 / 费率刷新定时器只往 pipeline 投递 job，不直接改状态
// - 穿仓事件由单独的 goroutine 交给 ADL，冷却中按 RetryAfter 重新投递
//
// 所有 goroutine 挂在一个 errgroup 上，ctx 取消后整体退出

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"max.com/perprisk/pkg/adl"
	"max.com/perprisk/pkg/config"
	"max.com/perprisk/pkg/funding"
	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/liquidation"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/metrics"
	"max.com/perprisk/pkg/pricefeed"
	"max.com/perprisk/pkg/trigger"
)

var (
	ErrEngineClosed = errors.New("engine is closed")
	ErrPipelineFull = errors.New("symbol pipeline is full")
)

// =============================================================================
// 依赖
// =============================================================================

type Funding interface {
	Due(ctx context.Context, symbol string, now int64) (bool, error)
	Settle(ctx context.Context, symbol string, now int64) (*funding.SettleResult, error)
	RefreshRate(ctx context.Context, symbol string, now int64) (*futures.FundingRate, error)
}

type Liquidator interface {
	Scan(ctx context.Context, symbol string, mark decimal.Decimal, fullScan bool) (*liquidation.ScanResult, error)
	Shortfalls() <-chan futures.ShortfallEvent
}

type Triggers interface {
	Evaluate(ctx context.Context, symbol string, mark decimal.Decimal, now int64) (*trigger.EvalResult, error)
}

type ADL interface {
	Execute(ctx context.Context, ev futures.ShortfallEvent) (*futures.ADLEvent, error)
	RefreshRankings(ctx context.Context, symbol string, mark decimal.Decimal) error
}

// Configs 市场配置快照
type Configs interface {
	Market(symbol string) (futures.MarketConfig, error)
	Version() uint64
}

// PriceCache 最新价落地，重启后恢复
type PriceCache interface {
	Save(ctx context.Context, t pricefeed.Tick) error
}

// Deps 引擎依赖，PriceCache 可为 nil
type Deps struct {
	Feed        *pricefeed.Feed
	Configs     Configs
	Funding     Funding
	Liquidation Liquidator
	Triggers    Triggers
	ADL         ADL
	PriceCache  PriceCache
}

// Options 可调参数，<= 0 的定时器不启动
type Options struct {
	FundingCheck   time.Duration
	RateRefresh    time.Duration
	RankingRefresh time.Duration
	PipelineBuffer int
	// ADL 拿不到锁时的重投延迟
	RetryDelay time.Duration
}

// OptionsFrom 从应用配置构造
func OptionsFrom(c config.EngineConfig) Options {
	return Options{
		FundingCheck:   c.FundingCheck,
		RateRefresh:    c.RateRefresh,
		RankingRefresh: c.RankingRefresh,
		PipelineBuffer: c.PipelineBuffer,
		RetryDelay:     c.LockTimeout,
	}
}

// Stats 引擎统计
type Stats struct {
	TicksAccepted     int64
	TicksRejected     int64
	FundingRuns       int64
	Liquidations      int64
	TriggersExecuted  int64
	ADLEpisodes       int64
	ShortfallRequeued int64
}

// =============================================================================
// Engine
// =============================================================================

type Engine struct {
	deps Deps
	opts Options

	mu        sync.Mutex
	pipelines map[string]*pipeline
	group     *errgroup.Group
	ctx       context.Context
	closed    bool

	retry chan futures.ShortfallEvent

	stats struct {
		ticksAccepted     atomic.Int64
		ticksRejected     atomic.Int64
		fundingRuns       atomic.Int64
		liquidations      atomic.Int64
		triggersExecuted  atomic.Int64
		adlEpisodes       atomic.Int64
		shortfallRequeued atomic.Int64
	}

	now func() int64
}

func New(deps Deps, opts Options) *Engine {
	if opts.PipelineBuffer <= 0 {
		opts.PipelineBuffer = 1024
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	return &Engine{
		deps:      deps,
		opts:      opts,
		pipelines: make(map[string]*pipeline),
		retry:     make(chan futures.ShortfallEvent, 64),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock 测试用，影响定时器投递的资金费 job
func (e *Engine) SetClock(now func() int64) {
	e.now = now
}

// Run 启动全部 goroutine，阻塞到 ctx 取消或某个 goroutine 返回错误
func (e *Engine) Run(ctx context.Context, symbols []string) error {
	g, gctx := errgroup.WithContext(ctx)

	e.mu.Lock()
	if e.closed || e.group != nil {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.group = g
	e.ctx = gctx
	for _, sym := range symbols {
		e.startLocked(sym)
	}
	// Run 之前 Submit 创建的 pipeline
	for _, p := range e.pipelines {
		e.launchLocked(p)
	}
	e.mu.Unlock()

	g.Go(func() error { return e.runShortfalls(gctx) })
	if e.opts.FundingCheck > 0 {
		g.Go(func() error {
			e.every(gctx, e.opts.FundingCheck, func() { e.broadcast(jobFunding) })
			return nil
		})
	}
	if e.opts.RateRefresh > 0 {
		g.Go(func() error {
			e.every(gctx, e.opts.RateRefresh, func() { e.broadcast(jobRate) })
			return nil
		})
	}
	if e.opts.RankingRefresh > 0 && e.deps.ADL != nil {
		g.Go(func() error {
			e.every(gctx, e.opts.RankingRefresh, func() { e.refreshRankings(gctx) })
			return nil
		})
	}

	logger.Component("Engine").WithField("symbols", symbols).Info("engine started")
	err := g.Wait()

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	logger.Component("Engine").Info("engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) every(ctx context.Context, interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// startLocked 调用方持有 e.mu
func (e *Engine) startLocked(symbol string) *pipeline {
	if p, ok := e.pipelines[symbol]; ok {
		return p
	}
	p := newPipeline(e, symbol, e.opts.PipelineBuffer)
	e.pipelines[symbol] = p
	e.launchLocked(p)
	return p
}

func (e *Engine) launchLocked(p *pipeline) {
	if e.group == nil || p.started {
		return
	}
	p.started = true
	ctx := e.ctx
	e.group.Go(func() error { return p.run(ctx) })
}

func (e *Engine) pipeline(symbol string) (*pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || (e.ctx != nil && e.ctx.Err() != nil) {
		return nil, ErrEngineClosed
	}
	return e.startLocked(symbol), nil
}

func (e *Engine) broadcast(kind jobKind) {
	e.mu.Lock()
	ps := make([]*pipeline, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		ps = append(ps, p)
	}
	e.mu.Unlock()

	now := e.now()
	for _, p := range ps {
		// 队列满时丢弃，下个 tick 会补上
		p.offer(job{kind: kind, now: now})
	}
}

// =============================================================================
// 入口
// =============================================================================

// Submit 接收一条外部 tick
//
// 先经过 Feed 的排序和校验，被拒绝的 tick 不进入 pipeline，最新价保持不变
func (e *Engine) Submit(t pricefeed.Tick) error {
	accepted, err := e.deps.Feed.Apply(t)
	if err != nil {
		reason := "invalid_price"
		if errors.Is(err, pricefeed.ErrStaleTick) {
			reason = "stale"
		}
		e.stats.ticksRejected.Add(1)
		metrics.TicksRejected.WithLabelValues(t.Symbol, reason).Inc()
		logger.Component("PriceFeed").WithError(err).WithField("symbol", t.Symbol).Debug("tick rejected")
		return err
	}
	e.stats.ticksAccepted.Add(1)
	metrics.TicksTotal.WithLabelValues(accepted.Symbol).Inc()

	p, err := e.pipeline(accepted.Symbol)
	if err != nil {
		return err
	}
	if !p.offer(job{kind: jobTick, tick: accepted, now: accepted.Timestamp}) {
		return ErrPipelineFull
	}
	return nil
}

// Flush 等待某个 symbol 在此之前投递的 job 全部处理完
func (e *Engine) Flush(ctx context.Context, symbol string) error {
	p, err := e.pipeline(symbol)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	select {
	case p.jobs <- job{kind: jobBarrier, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessTick 在调用方 goroutine 同步处理一条已接受的 tick，供模拟和测试使用，
// 不能与 Run 同时使用
func (e *Engine) ProcessTick(ctx context.Context, t pricefeed.Tick) error {
	p, err := e.pipeline(t.Symbol)
	if err != nil {
		return err
	}
	p.handle(ctx, job{kind: jobTick, tick: t, now: t.Timestamp})
	return nil
}

// ProcessFunding 同步处理一次资金费检查
func (e *Engine) ProcessFunding(ctx context.Context, symbol string, now int64) error {
	p, err := e.pipeline(symbol)
	if err != nil {
		return err
	}
	p.handle(ctx, job{kind: jobFunding, now: now})
	return nil
}

// Paused symbol 是否因配置缺失暂停
func (e *Engine) Paused(symbol string) bool {
	e.mu.Lock()
	p, ok := e.pipelines[symbol]
	e.mu.Unlock()
	return ok && p.paused.Load()
}

func (e *Engine) Stats() Stats {
	return Stats{
		TicksAccepted:     e.stats.ticksAccepted.Load(),
		TicksRejected:     e.stats.ticksRejected.Load(),
		FundingRuns:       e.stats.fundingRuns.Load(),
		Liquidations:      e.stats.liquidations.Load(),
		TriggersExecuted:  e.stats.triggersExecuted.Load(),
		ADLEpisodes:       e.stats.adlEpisodes.Load(),
		ShortfallRequeued: e.stats.shortfallRequeued.Load(),
	}
}

// =============================================================================
// 穿仓 -> ADL
// =============================================================================

func (e *Engine) runShortfalls(ctx context.Context) error {
	if e.deps.ADL == nil || e.deps.Liquidation == nil {
		<-ctx.Done()
		return nil
	}
	in := e.deps.Liquidation.Shortfalls()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-in:
			e.HandleShortfall(ctx, ev)
		case ev := <-e.retry:
			e.HandleShortfall(ctx, ev)
		}
	}
}

// HandleShortfall 执行一次 ADL
//
// 冷却中或拿不到锁时延迟重投；覆盖不足的事件已记为 failed，不重试
func (e *Engine) HandleShortfall(ctx context.Context, ev futures.ShortfallEvent) {
	log := logger.Component("Engine").WithFields(map[string]any{
		"symbol":    ev.Symbol,
		"shortfall": ev.Amount.String(),
	})

	event, err := e.deps.ADL.Execute(ctx, ev)
	if event != nil {
		e.stats.adlEpisodes.Add(1)
	}

	var cooldown *adl.CooldownError
	var coverage *adl.CoverageShortfallError
	switch {
	case err == nil:
	case errors.As(err, &cooldown):
		log.WithField("retry_after", cooldown.RetryAfter.String()).Info("adl cooling down, shortfall re-queued")
		e.requeue(ctx, ev, cooldown.RetryAfter)
	case errors.Is(err, futures.ErrDeferred):
		e.requeue(ctx, ev, e.opts.RetryDelay)
	case errors.As(err, &coverage):
		// 控制器已记录告警
	default:
		log.WithError(err).Error("adl episode failed")
	}
}

func (e *Engine) requeue(ctx context.Context, ev futures.ShortfallEvent, after time.Duration) {
	e.stats.shortfallRequeued.Add(1)
	time.AfterFunc(after, func() {
		select {
		case e.retry <- ev:
		case <-ctx.Done():
		}
	})
}

func (e *Engine) refreshRankings(ctx context.Context) {
	e.mu.Lock()
	symbols := make([]string, 0, len(e.pipelines))
	for sym := range e.pipelines {
		symbols = append(symbols, sym)
	}
	e.mu.Unlock()

	for _, sym := range symbols {
		mark, ok := e.deps.Feed.MarkPrice(sym)
		if !ok {
			continue
		}
		if err := e.deps.ADL.RefreshRankings(ctx, sym, mark); err != nil {
			var stale *config.StaleConfigError
			if !errors.As(err, &stale) {
				logger.Component("Engine").WithError(err).WithField("symbol", sym).Warn("refresh adl rankings failed")
			}
		}
	}
}
