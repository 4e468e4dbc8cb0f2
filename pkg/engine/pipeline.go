// 文件: pkg/engine/pipeline.go
// 单个 symbol 的处理流水线
//
// 一个 goroutine 独占一个 symbol，job 通过 channel 串行执行。
// 配置缺失 (StaleConfigError) 时流水线暂停: job 被丢弃，配置恢复后自动继续，
// 恢复后的第一次扫描走全量

package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"max.com/perprisk/pkg/config"
	"max.com/perprisk/pkg/funding"
	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/metrics"
	"max.com/perprisk/pkg/pricefeed"
)

type jobKind uint8

const (
	jobTick    jobKind = iota + 1 // 价格 tick
	jobFunding                    // 资金费到期检查
	jobRate                       // 预估费率刷新
	jobBarrier                    // Flush
)

type job struct {
	kind jobKind
	tick pricefeed.Tick
	now  int64
	done chan struct{}
}

type pipeline struct {
	e       *Engine
	symbol  string
	jobs    chan job
	started bool // 由 Engine.mu 保护

	paused atomic.Bool

	// 以下字段只在流水线 goroutine 内访问
	scannedVersion uint64
	forceFull      bool
}

func newPipeline(e *Engine, symbol string, buffer int) *pipeline {
	return &pipeline{
		e:      e,
		symbol: symbol,
		jobs:   make(chan job, buffer),
	}
}

func (p *pipeline) offer(j job) bool {
	select {
	case p.jobs <- j:
		return true
	default:
		return false
	}
}

func (p *pipeline) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-p.jobs:
			p.handle(ctx, j)
		}
	}
}

func (p *pipeline) handle(ctx context.Context, j job) {
	if j.kind == jobBarrier {
		close(j.done)
		return
	}
	if !p.configured() {
		return
	}
	switch j.kind {
	case jobTick:
		p.onTick(ctx, j.tick)
	case jobFunding:
		p.settleFunding(ctx, j.now)
	case jobRate:
		p.refreshRate(ctx, j.now)
	}
}

// configured 检查配置，维护暂停状态
func (p *pipeline) configured() bool {
	log := logger.Component("Engine").WithField("symbol", p.symbol)

	_, err := p.e.deps.Configs.Market(p.symbol)
	var stale *config.StaleConfigError
	switch {
	case errors.As(err, &stale):
		if !p.paused.Swap(true) {
			metrics.PipelinePaused.WithLabelValues(p.symbol).Set(1)
			log.WithError(err).Warn("pipeline paused")
		}
		return false
	case err != nil:
		log.WithError(err).Error("load market config failed")
		return false
	}
	if p.paused.Swap(false) {
		metrics.PipelinePaused.WithLabelValues(p.symbol).Set(0)
		p.forceFull = true
		log.Info("pipeline resumed")
	}
	return true
}

func (p *pipeline) onTick(ctx context.Context, t pricefeed.Tick) {
	deps := p.e.deps
	log := logger.Component("Engine").WithField("symbol", p.symbol)

	if deps.PriceCache != nil {
		if err := deps.PriceCache.Save(ctx, t); err != nil {
			log.WithError(err).Warn("save price failed")
		}
	}

	// 先计提资金费再检查保证金
	p.settleFunding(ctx, t.Timestamp)

	if deps.Liquidation != nil {
		version := deps.Configs.Version()
		full := p.forceFull || version != p.scannedVersion
		res, err := deps.Liquidation.Scan(ctx, p.symbol, t.MarkPrice, full)
		if err != nil {
			log.WithError(err).Error("liquidation scan failed")
		} else {
			p.scannedVersion = version
			p.forceFull = false
			p.e.stats.liquidations.Add(int64(len(res.Liquidated)))
			if res.Deferred > 0 {
				p.forceFull = true
			}
		}
	}

	if deps.Triggers != nil {
		res, err := deps.Triggers.Evaluate(ctx, p.symbol, t.MarkPrice, t.Timestamp)
		if err != nil {
			log.WithError(err).Error("trigger evaluation failed")
		} else {
			p.e.stats.triggersExecuted.Add(int64(res.Executed))
		}
	}
}

func (p *pipeline) settleFunding(ctx context.Context, now int64) {
	f := p.e.deps.Funding
	if f == nil {
		return
	}
	log := logger.Component("Engine").WithField("symbol", p.symbol)

	due, err := f.Due(ctx, p.symbol, now)
	if err != nil {
		log.WithError(err).Error("check funding due failed")
		return
	}
	if !due {
		return
	}
	res, err := f.Settle(ctx, p.symbol, now)
	switch {
	case err == nil:
		p.e.stats.fundingRuns.Add(1)
		p.forceFull = true
	case errors.Is(err, funding.ErrNoFundingDue), errors.Is(err, funding.ErrFundingInProgress):
	case errors.Is(err, futures.ErrDeferred):
		// 已结算的持仓保证金已变，下次全量扫描
		p.forceFull = true
		if res != nil {
			log.WithField("deferred", res.Deferred).Info("funding settlement continues next tick")
		}
	default:
		log.WithError(err).Error("funding settlement failed")
	}
}

func (p *pipeline) refreshRate(ctx context.Context, now int64) {
	if p.e.deps.Funding == nil {
		return
	}
	if _, err := p.e.deps.Funding.RefreshRate(ctx, p.symbol, now); err != nil {
		logger.Component("Engine").WithError(err).WithField("symbol", p.symbol).Warn("refresh funding rate failed")
	}
}
