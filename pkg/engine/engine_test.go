package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perprisk/pkg/adl"
	"max.com/perprisk/pkg/config"
	"max.com/perprisk/pkg/funding"
	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/insurance"
	"max.com/perprisk/pkg/keylock"
	"max.com/perprisk/pkg/liquidation"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/position"
	"max.com/perprisk/pkg/pricefeed"
	"max.com/perprisk/pkg/settlement"
	"max.com/perprisk/pkg/store"
	"max.com/perprisk/pkg/trigger"
)

const (
	symbol = "BTC-USD"
	hour   = int64(3600 * 1000)
)

func tick(sym, mark string, ts int64) pricefeed.Tick {
	return pricefeed.Tick{Symbol: sym, MarkPrice: futures.D(mark), Timestamp: ts}
}

// =============================================================================
// 记录调用顺序的 mock
// =============================================================================

type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
}

func (c *calls) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type mockLiquidator struct {
	calls *calls
	ch    chan futures.ShortfallEvent
}

func (m *mockLiquidator) Scan(_ context.Context, sym string, _ decimal.Decimal, full bool) (*liquidation.ScanResult, error) {
	if full {
		m.calls.add("scan:full")
	} else {
		m.calls.add("scan")
	}
	return &liquidation.ScanResult{Symbol: sym, Full: full}, nil
}

func (m *mockLiquidator) Shortfalls() <-chan futures.ShortfallEvent { return m.ch }

type mockTriggers struct{ calls *calls }

func (m *mockTriggers) Evaluate(_ context.Context, sym string, _ decimal.Decimal, _ int64) (*trigger.EvalResult, error) {
	m.calls.add("trigger")
	return &trigger.EvalResult{Symbol: sym}, nil
}

type mockADL struct {
	mu      sync.Mutex
	errs    []error
	events  []futures.ShortfallEvent
	refresh int
}

func (m *mockADL) Execute(_ context.Context, ev futures.ShortfallEvent) (*futures.ADLEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	return &futures.ADLEvent{Symbol: ev.Symbol, Status: futures.ADLCompleted}, nil
}

func (m *mockADL) RefreshRankings(context.Context, string, decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh++
	return nil
}

func (m *mockADL) executed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// mutableSource 测试中可以增删市场
type mutableSource struct {
	mu      sync.Mutex
	markets []futures.MarketConfig
}

func (s *mutableSource) LoadMarketConfigs(context.Context) ([]futures.MarketConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]futures.MarketConfig(nil), s.markets...), nil
}

func (s *mutableSource) add(mc futures.MarketConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets = append(s.markets, mc)
}

type mockFixture struct {
	engine  *Engine
	calls   *calls
	adl     *mockADL
	liq     *mockLiquidator
	source  *mutableSource
	markets *config.MarketStore
}

func newMockFixture(t *testing.T, opts Options) *mockFixture {
	t.Helper()
	logger.SetOutput(io.Discard)

	src := &mutableSource{markets: []futures.MarketConfig{futures.DefaultMarketConfig(symbol)}}
	markets := config.NewMarketStore(src)
	require.NoError(t, markets.Load(context.Background()))

	c := &calls{}
	liq := &mockLiquidator{calls: c, ch: make(chan futures.ShortfallEvent, 4)}
	a := &mockADL{}
	e := New(Deps{
		Feed:        pricefeed.NewFeed(),
		Configs:     markets,
		Liquidation: liq,
		Triggers:    &mockTriggers{calls: c},
		ADL:         a,
	}, opts)
	return &mockFixture{engine: e, calls: c, adl: a, liq: liq, source: src, markets: markets}
}

// =============================================================================
// 测试
// =============================================================================

func TestSubmit_RejectsStaleAndInvalidTicks(t *testing.T) {
	f := newMockFixture(t, Options{})
	e := f.engine

	require.NoError(t, e.Submit(tick(symbol, "100", 1_000)))
	assert.ErrorIs(t, e.Submit(tick(symbol, "101", 1_000)), pricefeed.ErrStaleTick)
	assert.ErrorIs(t, e.Submit(tick(symbol, "102", 999)), pricefeed.ErrStaleTick)
	assert.ErrorIs(t, e.Submit(tick(symbol, "0", 2_000)), futures.ErrInvalidPrice)

	mark, ok := e.deps.Feed.MarkPrice(symbol)
	require.True(t, ok)
	assert.True(t, futures.D("100").Equal(mark))

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.TicksAccepted)
	assert.Equal(t, int64(3), stats.TicksRejected)
}

func TestRun_TickOrderAndFullScanOnConfigChange(t *testing.T) {
	f := newMockFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx, []string{symbol}) }()

	require.NoError(t, f.engine.Submit(tick(symbol, "100", 1_000)))
	require.NoError(t, f.engine.Submit(tick(symbol, "101", 2_000)))
	require.NoError(t, f.engine.Flush(ctx, symbol))

	// 配置版本变化后重新全量
	f.source.add(futures.DefaultMarketConfig("ETH-USD"))
	require.NoError(t, f.markets.Load(ctx))
	require.NoError(t, f.engine.Submit(tick(symbol, "102", 3_000)))
	require.NoError(t, f.engine.Flush(ctx, symbol))

	assert.Equal(t, []string{
		"scan:full", "trigger",
		"scan", "trigger",
		"scan:full", "trigger",
	}, f.calls.snapshot())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
	assert.ErrorIs(t, f.engine.Submit(tick(symbol, "103", 4_000)), ErrEngineClosed)
}

func TestProcessTick_StaleConfigPausesPipeline(t *testing.T) {
	f := newMockFixture(t, Options{})
	ctx := context.Background()
	const eth = "ETH-USD"

	require.NoError(t, f.engine.ProcessTick(ctx, tick(eth, "2000", 1_000)))
	assert.True(t, f.engine.Paused(eth))
	assert.Empty(t, f.calls.snapshot())

	f.source.add(futures.DefaultMarketConfig(eth))
	require.NoError(t, f.markets.Load(ctx))

	require.NoError(t, f.engine.ProcessTick(ctx, tick(eth, "2001", 2_000)))
	assert.False(t, f.engine.Paused(eth))
	assert.Equal(t, []string{"scan:full", "trigger"}, f.calls.snapshot())
}

func TestHandleShortfall_Requeue(t *testing.T) {
	f := newMockFixture(t, Options{RetryDelay: 5 * time.Millisecond})
	ctx := context.Background()
	ev := futures.ShortfallEvent{Symbol: symbol, Amount: futures.D("10")}

	f.adl.errs = []error{
		&adl.CooldownError{Symbol: symbol, RetryAfter: 10 * time.Millisecond},
		futures.ErrDeferred,
		&adl.CoverageShortfallError{Symbol: symbol},
	}

	f.engine.HandleShortfall(ctx, ev)
	select {
	case got := <-f.engine.retry:
		assert.Equal(t, ev.Symbol, got.Symbol)
	case <-time.After(time.Second):
		t.Fatal("cooldown shortfall was not re-queued")
	}

	f.engine.HandleShortfall(ctx, ev)
	select {
	case <-f.engine.retry:
	case <-time.After(time.Second):
		t.Fatal("deferred shortfall was not re-queued")
	}

	// 覆盖不足不重试
	f.engine.HandleShortfall(ctx, ev)
	select {
	case <-f.engine.retry:
		t.Fatal("coverage shortfall must not be retried")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, int64(2), f.engine.Stats().ShortfallRequeued)
}

func TestRun_ConsumesShortfallsAndRefreshesRankings(t *testing.T) {
	f := newMockFixture(t, Options{RankingRefresh: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.engine.Run(ctx, []string{symbol}) }()

	require.NoError(t, f.engine.Submit(tick(symbol, "100", 1_000)))
	f.liq.ch <- futures.ShortfallEvent{Symbol: symbol, Amount: futures.D("5")}

	require.Eventually(t, func() bool { return f.adl.executed() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		f.adl.mu.Lock()
		defer f.adl.mu.Unlock()
		return f.adl.refresh > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.engine.Stats().ADLEpisodes)
}

// =============================================================================
// 真实组件串联
// =============================================================================

type stack struct {
	engine    *Engine
	mem       *store.Memory
	feed      *pricefeed.Feed
	positions *position.Service
	liq       *liquidation.Evaluator
	adl       *adl.Controller
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger.SetOutput(io.Discard)
	ctx := context.Background()

	mem := store.NewMemory()
	markets := config.NewMarketStore(config.StaticSource{futures.DefaultMarketConfig(symbol)})
	require.NoError(t, markets.Load(ctx))

	const lockTimeout = 20 * time.Millisecond
	locks := keylock.NewManager()
	rec := settlement.NewRecorder(mem, 0)
	feed := pricefeed.NewFeed()
	ledger := insurance.NewLedger(mem, locks, rec, lockTimeout)

	positions := position.NewService(mem, markets, locks, rec, lockTimeout)
	positions.SetClock(func() int64 { return 1_000 })
	liq := liquidation.NewEvaluator(mem, markets, ledger, locks, rec, liquidation.Options{LockTimeout: lockTimeout})
	ctrl := adl.NewController(mem, markets, feed, locks, rec, nil, adl.Options{LockTimeout: lockTimeout})
	triggers := trigger.NewService(mem, markets, feed, nil, trigger.NewPositionGateway(positions), locks, rec, lockTimeout)
	fund := funding.NewService(mem, markets, feed, locks, rec, lockTimeout)

	e := New(Deps{
		Feed:        feed,
		Configs:     markets,
		Funding:     fund,
		Liquidation: liq,
		Triggers:    triggers,
		ADL:         ctrl,
	}, Options{})
	return &stack{engine: e, mem: mem, feed: feed, positions: positions, liq: liq, adl: ctrl}
}

func (s *stack) open(t *testing.T, user string, side futures.Side) *futures.Position {
	t.Helper()
	pos, err := s.positions.Increase(context.Background(), position.IncreaseRequest{
		User:       user,
		Symbol:     symbol,
		Side:       side,
		Collateral: futures.D("100"),
		Leverage:   10,
		Price:      futures.D("100"),
	})
	require.NoError(t, err)
	return pos
}

func (s *stack) accept(t *testing.T, tk pricefeed.Tick) pricefeed.Tick {
	t.Helper()
	got, err := s.feed.Apply(tk)
	require.NoError(t, err)
	return got
}

func TestPipeline_LiquidationCascadesIntoADL(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	long := s.open(t, "alice", futures.SideLong)
	short := s.open(t, "bob", futures.SideShort)

	require.NoError(t, s.engine.ProcessTick(ctx, s.accept(t, tick(symbol, "100", 2_000))))
	got, err := s.positions.Get(ctx, long.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())

	// 多仓亏 150 > 保证金 100，保险基金为空
	require.NoError(t, s.engine.ProcessTick(ctx, s.accept(t, tick(symbol, "85", 3_000))))
	got, err = s.positions.Get(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, futures.PositionLiquidated, got.Status)
	assert.Equal(t, int64(1), s.engine.Stats().Liquidations)

	var ev futures.ShortfallEvent
	select {
	case ev = <-s.liq.Shortfalls():
	case <-time.After(time.Second):
		t.Fatal("no shortfall emitted")
	}
	assert.Equal(t, futures.SideLong, ev.Side)
	assert.True(t, ev.Amount.IsPositive())

	s.engine.HandleShortfall(ctx, ev)
	events, err := s.adl.MarketEvents(ctx, symbol, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, futures.ADLCompleted, events[0].Status)

	reduced, err := s.positions.Get(ctx, short.ID)
	require.NoError(t, err)
	assert.True(t, reduced.SizeInUsd.LessThan(futures.D("1000")), "short size %s", reduced.SizeInUsd)
}

func TestPipeline_FundingSettlesBeforeScan(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	s.open(t, "alice", futures.SideLong)

	require.NoError(t, s.engine.ProcessTick(ctx, s.accept(t, tick(symbol, "100", 2_000))))
	assert.Equal(t, int64(0), s.engine.Stats().FundingRuns)

	// 跨过第一个结算点
	require.NoError(t, s.engine.ProcessTick(ctx, s.accept(t, tick(symbol, "100", 9*hour))))
	assert.Equal(t, int64(1), s.engine.Stats().FundingRuns)

	history, err := s.mem.FundingRateHistory(ctx, symbol, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 2)

	// 同一时刻重复检查不会再结算
	require.NoError(t, s.engine.ProcessFunding(ctx, symbol, 9*hour))
	assert.Equal(t, int64(1), s.engine.Stats().FundingRuns)
}

func TestFlush_RespectsContext(t *testing.T) {
	f := newMockFixture(t, Options{PipelineBuffer: 1})
	// 没有 Run，队列被占满
	require.True(t, f.engine.pipelines[symbol] == nil)
	require.NoError(t, f.engine.Submit(tick(symbol, "100", 1_000)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(f.engine.Flush(ctx, symbol), context.DeadlineExceeded))
}
