// 文件: cmd/riskengine/simulate.go
// simulate 子命令: 纯内存模拟
//
// 随机生成用户持仓和止盈止损，价格随机游走，逐 tick 同步驱动引擎，
// 结束后输出强平 / ADL / 条件单 / 保险基金统计。时间为模拟时钟，
// 每个 tick 前进 --step

package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"max.com/perprisk/pkg/config"
	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/position"
	"max.com/perprisk/pkg/pricefeed"
	"max.com/perprisk/pkg/settlement"
	"max.com/perprisk/pkg/store"
	"max.com/perprisk/pkg/trigger"
)

type simOptions struct {
	configPath    string
	symbols       []string
	users         int
	ticks         int
	step          time.Duration
	startPrice    float64
	volatility    float64
	insuranceSeed float64
	tpslRatio     float64
	seed          int64
	logLevel      string
}

func simulateCommand() *cobra.Command {
	o := simOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive the engine with a random price walk against an in-memory store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return simulate(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "optional config file for markets and engine settings")
	f.StringSliceVar(&o.symbols, "symbols", []string{"BTC-USD"}, "markets to simulate when no config file is given")
	f.IntVar(&o.users, "users", 200, "number of simulated users")
	f.IntVar(&o.ticks, "ticks", 2000, "number of price ticks")
	f.DurationVar(&o.step, "step", 30*time.Second, "simulated time between ticks")
	f.Float64Var(&o.startPrice, "price", 100, "starting mark price")
	f.Float64Var(&o.volatility, "volatility", 0.004, "per-tick standard deviation of returns")
	f.Float64Var(&o.insuranceSeed, "insurance", 500, "initial insurance fund deposit per market")
	f.Float64Var(&o.tpslRatio, "tpsl", 0.4, "share of positions that get TP/SL orders")
	f.Int64Var(&o.seed, "seed", 0, "random seed, 0 uses the current time")
	f.StringVar(&o.logLevel, "log-level", "warn", "log level")
	return cmd
}

// simClock 模拟时钟
type simClock struct{ ms atomic.Int64 }

func (c *simClock) Now() int64            { return c.ms.Load() }
func (c *simClock) advance(d int64) int64 { return c.ms.Add(d) }

func simulate(parent context.Context, o simOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ecfg := config.DefaultEngineConfig()
	var markets []futures.MarketConfig
	if o.configPath != "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return err
		}
		ecfg = cfg.Engine
		markets = cfg.Markets
	} else {
		for _, sym := range o.symbols {
			markets = append(markets, futures.DefaultMarketConfig(strings.TrimSpace(sym)))
		}
	}
	if len(markets) == 0 {
		return errors.New("simulate: no markets configured")
	}
	logger.Setup(o.logLevel, logger.FileConfig{})
	log := logger.Component("Engine")

	seed := o.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	mem := store.NewMemory()
	ms := config.NewMarketStore(config.StaticSource(markets))
	if err := ms.Load(ctx); err != nil {
		return err
	}
	recorder := settlement.NewRecorder(mem, 0)
	go recorder.Run(ctx)
	defer recorder.Close()

	s := buildStack(mem, ms, recorder, ecfg, backends{})
	clock := &simClock{}
	clock.ms.Store(time.Now().Truncate(time.Hour).UnixMilli())
	s.positions.SetClock(clock.Now)
	s.liq.SetClock(clock.Now)
	s.adl.SetClock(clock.Now)
	s.triggers.SetClock(clock.Now)
	s.engine.SetClock(clock.Now)

	symbols := ms.Snapshot().Symbols()
	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		prices[sym] = o.startPrice
		if _, err := s.feed.Apply(pricefeed.Tick{Symbol: sym, MarkPrice: decimal.NewFromFloat(o.startPrice), Timestamp: clock.Now()}); err != nil {
			return err
		}
		if o.insuranceSeed > 0 {
			if _, err := s.ledger.Deposit(ctx, sym, decimal.NewFromFloat(o.insuranceSeed)); err != nil {
				return err
			}
		}
	}

	opened, orders := seedPositions(ctx, s, rng, symbols, o)
	log.WithFields(map[string]any{
		"seed":      seed,
		"positions": opened,
		"orders":    orders,
	}).Warn("simulation seeded")

	step := o.step.Milliseconds()
	refreshEvery := 20
	for i := 0; i < o.ticks && ctx.Err() == nil; i++ {
		now := clock.advance(step)
		for _, sym := range symbols {
			prices[sym] *= 1 + rng.NormFloat64()*o.volatility
			if prices[sym] <= 0.01 {
				prices[sym] = 0.01
			}
			t, err := s.feed.Apply(pricefeed.Tick{
				Symbol:    sym,
				MarkPrice: decimal.NewFromFloat(prices[sym]).Round(4),
				Timestamp: now,
			})
			if err != nil {
				continue
			}
			if err := s.engine.ProcessTick(ctx, t); err != nil {
				return err
			}
			if i%refreshEvery == 0 {
				if err := s.adl.RefreshRankings(ctx, sym, t.MarkPrice); err != nil {
					log.WithError(err).WithField("symbol", sym).Warn("refresh rankings failed")
				}
			}
		}
		drainShortfalls(ctx, s)
	}

	return report(ctx, s, symbols, seed)
}

// seedPositions 开仓并给一部分持仓挂止盈止损
func seedPositions(ctx context.Context, s *stack, rng *rand.Rand, symbols []string, o simOptions) (int, int) {
	log := logger.Component("Engine")
	opened, orders := 0, 0
	for i := 0; i < o.users; i++ {
		user := fmt.Sprintf("0xsim%04d", i)
		sym := symbols[rng.Intn(len(symbols))]
		side := futures.SideLong
		if rng.Intn(2) == 0 {
			side = futures.SideShort
		}
		mark, _ := s.feed.MarkPrice(sym)
		pos, err := s.positions.Increase(ctx, position.IncreaseRequest{
			User:       user,
			Symbol:     sym,
			Side:       side,
			Collateral: decimal.NewFromInt(int64(100 + rng.Intn(900))),
			Leverage:   int32(2 + rng.Intn(49)),
			Price:      mark,
		})
		if err != nil {
			log.WithError(err).WithField("user", user).Warn("open position failed")
			continue
		}
		opened++

		if rng.Float64() >= o.tpslRatio {
			continue
		}
		tp, sl := futures.D("1.08"), futures.D("0.95")
		if side == futures.SideShort {
			tp, sl = futures.D("0.92"), futures.D("1.05")
		}
		req := trigger.TpSlRequest{
			TakeProfit: ptr(futures.Mul(mark, tp)),
			StopLoss:   ptr(futures.Mul(mark, sl)),
		}
		if rng.Intn(3) == 0 {
			req.TrailingDelta = ptr(futures.D("3"))
			req.TrailingDeltaType = futures.TrailingPercentage
		}
		row, err := s.triggers.SetPositionTpSl(ctx, user, pos.ID, req)
		if err != nil {
			log.WithError(err).WithField("position_id", pos.ID).Warn("set tp/sl failed")
			continue
		}
		orders += len(row.OrderIDs())
	}
	return opened, orders
}

func drainShortfalls(ctx context.Context, s *stack) {
	for {
		select {
		case ev := <-s.liq.Shortfalls():
			s.engine.HandleShortfall(ctx, ev)
		default:
			return
		}
	}
}

func report(ctx context.Context, s *stack, symbols []string, seed int64) error {
	stats := s.engine.Stats()
	fmt.Println("==================== simulation report ====================")
	fmt.Printf("seed=%d ticks=%d funding_runs=%d liquidations=%d triggers_executed=%d adl_episodes=%d requeued=%d\n",
		seed, stats.TicksAccepted, stats.FundingRuns, stats.Liquidations, stats.TriggersExecuted, stats.ADLEpisodes, stats.ShortfallRequeued)

	for _, sym := range symbols {
		mark, _ := s.feed.MarkPrice(sym)
		fund, err := s.ledger.Fund(ctx, sym)
		if err != nil {
			return err
		}
		open, err := s.store.ListOpenPositions(ctx, sym)
		if err != nil {
			return err
		}
		liqs, err := s.liq.MarketLiquidations(ctx, sym, 0)
		if err != nil {
			return err
		}
		events, err := s.adl.MarketEvents(ctx, sym, 0)
		if err != nil {
			return err
		}
		var completed, failed int
		for _, ev := range events {
			switch ev.Status {
			case futures.ADLCompleted:
				completed++
			case futures.ADLFailed:
				failed++
			}
		}
		fmt.Printf("%-10s mark=%s open=%d liquidated=%d adl_completed=%d adl_failed=%d insurance=%s\n",
			sym, mark.Round(4), len(open), len(liqs), completed, failed, fund.Balance.Round(4))
	}

	recs, err := s.store.ListAuditRecords(ctx, 0, 0)
	if err != nil {
		return err
	}
	fmt.Printf("audit records=%d\n", len(recs))
	return nil
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
