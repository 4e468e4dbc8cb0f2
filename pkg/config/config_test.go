package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perprisk/pkg/futures"
)

const sampleYAML = `
node_id: 3
mysql:
  dsn: "${PERPRISK_TEST_DSN}"
engine:
  lock_timeout: 50ms
log:
  level: debug
  file: /tmp/perprisk.log
  max_size_mb: 10
markets:
  - symbol: BTC-USD
    liquidation:
      maintenance_margin_rate: 0.01
      max_leverage: 20
    funding:
      funding_interval_hours: 4
  - symbol: ETH-USD
`

func TestParse_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("PERPRISK_TEST_DSN", "root:pw@tcp(localhost:3306)/perp")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, int64(3), cfg.NodeID)
	assert.Equal(t, "root:pw@tcp(localhost:3306)/perp", cfg.MySQL.DSN)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.LockTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.LiquidationTimeout)
	assert.Equal(t, 5*time.Second, cfg.Engine.SettleTimeout)
	assert.Equal(t, "perprisk-settlement", cfg.Kafka.Topic)
	assert.Equal(t, "/tmp/perprisk.log", cfg.Log.File.Path)
	assert.Equal(t, 10, cfg.Log.File.MaxSizeMB)

	require.Len(t, cfg.Markets, 2)
	btc := cfg.Markets[0]
	assert.Equal(t, "BTC-USD", btc.Symbol)
	assert.Equal(t, "BTC-USD", btc.Liquidation.Symbol)
	assert.True(t, futures.D("0.01").Equal(btc.Liquidation.MaintenanceMarginRate))
	assert.Equal(t, int32(20), btc.Liquidation.MaxLeverage)
	assert.Equal(t, 4, btc.Funding.FundingIntervalHours)
	// 未覆盖的字段保持缺省
	assert.True(t, futures.D("0.005").Equal(btc.Liquidation.LiquidationFeeRate))

	eth := cfg.Markets[1]
	assert.Equal(t, 8, eth.Funding.FundingIntervalHours)
	assert.True(t, eth.ADL.Enabled)
}

func TestParse_InvalidMarket(t *testing.T) {
	_, err := Parse([]byte(`
markets:
  - symbol: BTC-USD
    funding:
      min_funding_rate: 0.1
      max_funding_rate: 0.01
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, futures.ErrInvalidConfig)
}

type mutableSource struct {
	mu      sync.Mutex
	markets []futures.MarketConfig
	err     error
}

func (m *mutableSource) set(markets ...futures.MarketConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets = markets
}

func (m *mutableSource) LoadMarketConfigs(context.Context) ([]futures.MarketConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markets, m.err
}

func TestMarketStore_StaleConfig(t *testing.T) {
	store := NewMarketStore(StaticSource{futures.DefaultMarketConfig("BTC-USD")})
	require.NoError(t, store.Load(context.Background()))

	_, err := store.Market("BTC-USD")
	require.NoError(t, err)

	_, err = store.Market("DOGE-USD")
	var stale *StaleConfigError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, "DOGE-USD", stale.Symbol)
}

func TestMarketStore_HotReload(t *testing.T) {
	src := &mutableSource{}
	src.set(futures.DefaultMarketConfig("BTC-USD"))

	store := NewMarketStore(src)
	require.NoError(t, store.Load(context.Background()))
	v1 := store.Version()
	assert.Equal(t, []string{"BTC-USD"}, store.Snapshot().Symbols())

	// 内容不变不升版本
	require.NoError(t, store.Load(context.Background()))
	assert.Equal(t, v1, store.Version())

	changed := futures.DefaultMarketConfig("BTC-USD")
	changed.Liquidation.MaintenanceMarginRate = futures.D("0.02")
	src.set(changed, futures.DefaultMarketConfig("ETH-USD"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Watch(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool { return store.Version() > v1 }, time.Second, 5*time.Millisecond)
	mc, err := store.Market("BTC-USD")
	require.NoError(t, err)
	assert.True(t, futures.D("0.02").Equal(mc.Liquidation.MaintenanceMarginRate))
	_, err = store.Market("ETH-USD")
	assert.NoError(t, err)
}

func TestMarketStore_FailedReloadKeepsSnapshot(t *testing.T) {
	src := &mutableSource{}
	src.set(futures.DefaultMarketConfig("BTC-USD"))
	store := NewMarketStore(src)
	require.NoError(t, store.Load(context.Background()))

	src.mu.Lock()
	src.err = errors.New("db down")
	src.mu.Unlock()

	require.Error(t, store.Load(context.Background()))
	_, err := store.Market("BTC-USD")
	assert.NoError(t, err)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perprisk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	src := &FileSource{Path: path}
	markets, err := src.LoadMarketConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Equal(t, "ETH-USD", markets[1].Symbol)
}
