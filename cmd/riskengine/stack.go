// 文件: cmd/riskengine/stack.go
// 组件装配，run 和 simulate 共用

package main

import (
	"max.com/perprisk/pkg/adl"
	"max.com/perprisk/pkg/config"
	"max.com/perprisk/pkg/engine"
	"max.com/perprisk/pkg/funding"
	"max.com/perprisk/pkg/insurance"
	"max.com/perprisk/pkg/keylock"
	"max.com/perprisk/pkg/liquidation"
	"max.com/perprisk/pkg/position"
	"max.com/perprisk/pkg/pricefeed"
	"max.com/perprisk/pkg/settlement"
	"max.com/perprisk/pkg/store"
	"max.com/perprisk/pkg/trigger"
)

// backends 可替换的外部实现，nil 时使用内存实现
type backends struct {
	triggerIndex trigger.Index
	rankingCache adl.RankingCache
	// nil 时按标记价直接减仓
	gateway    trigger.Gateway
	priceCache engine.PriceCache
}

type stack struct {
	store     store.Store
	markets   *config.MarketStore
	recorder  *settlement.Recorder
	feed      *pricefeed.Feed
	locks     *keylock.Manager
	ledger    *insurance.Ledger
	positions *position.Service
	funding   *funding.Service
	liq       *liquidation.Evaluator
	adl       *adl.Controller
	triggers  *trigger.Service
	engine    *engine.Engine
}

func buildStack(st store.Store, markets *config.MarketStore, recorder *settlement.Recorder, ecfg config.EngineConfig, b backends) *stack {
	feed := pricefeed.NewFeed()
	locks := keylock.NewManager()
	lockTimeout := ecfg.LockTimeout

	ledger := insurance.NewLedger(st, locks, recorder, lockTimeout)
	positions := position.NewService(st, markets, locks, recorder, lockTimeout)
	fund := funding.NewService(st, markets, feed, locks, recorder, lockTimeout)
	liq := liquidation.NewEvaluator(st, markets, ledger, locks, recorder, liquidation.Options{
		LockTimeout:     lockTimeout,
		ExecTimeout:     ecfg.LiquidationTimeout,
		SettleTimeout:   ecfg.SettleTimeout,
		ShortfallBuffer: ecfg.ShortfallBuffer,
	})
	ctrl := adl.NewController(st, markets, feed, locks, recorder, b.rankingCache, adl.Options{
		LockTimeout:   lockTimeout,
		Timeout:       ecfg.ADLTimeout,
		SettleTimeout: ecfg.SettleTimeout,
	})

	gateway := b.gateway
	if gateway == nil {
		gateway = trigger.NewPositionGateway(positions)
	}
	triggers := trigger.NewService(st, markets, feed, b.triggerIndex, gateway, locks, recorder, lockTimeout)

	eng := engine.New(engine.Deps{
		Feed:        feed,
		Configs:     markets,
		Funding:     fund,
		Liquidation: liq,
		Triggers:    triggers,
		ADL:         ctrl,
		PriceCache:  b.priceCache,
	}, engine.OptionsFrom(ecfg))

	return &stack{
		store:     st,
		markets:   markets,
		recorder:  recorder,
		feed:      feed,
		locks:     locks,
		ledger:    ledger,
		positions: positions,
		funding:   fund,
		liq:       liq,
		adl:       ctrl,
		triggers:  triggers,
		engine:    eng,
	}
}
