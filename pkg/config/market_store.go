// 文件: pkg/config/market_store.go
// 市场配置快照 + 热更新
//
// 【设计】
// - 读多写少: atomic.Pointer 持有不可变快照，读路径无锁
// - Source 可以是 YAML 文件，也可以是 MySQL 配置表
// - 每次加载到新内容 Version+1，下游据此判断缓存的派生值 (强平价) 是否需要全量重算
// - 加载失败保留旧快照，只记日志

package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sort"
	"sync/atomic"
	"time"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/logger"
)

// StaleConfigError 某个 symbol 没有配置，该 symbol 的流水线暂停
type StaleConfigError struct {
	Symbol string
}

func (e *StaleConfigError) Error() string {
	return fmt.Sprintf("stale config: no market config for %s", e.Symbol)
}

// Source 配置来源
type Source interface {
	LoadMarketConfigs(ctx context.Context) ([]futures.MarketConfig, error)
}

// Snapshot 不可变配置快照
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time
	markets  map[string]futures.MarketConfig
}

// Market 取某个 symbol 的配置
func (s *Snapshot) Market(symbol string) (futures.MarketConfig, error) {
	mc, ok := s.markets[symbol]
	if !ok {
		return futures.MarketConfig{}, &StaleConfigError{Symbol: symbol}
	}
	return mc, nil
}

// Symbols 已配置的 symbol (有序)
func (s *Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.markets))
	for sym := range s.markets {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// MarketStore 热更新配置存储
type MarketStore struct {
	source  Source
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

func NewMarketStore(source Source) *MarketStore {
	s := &MarketStore{source: source}
	s.current.Store(&Snapshot{markets: map[string]futures.MarketConfig{}})
	return s
}

// Load 从 Source 加载一次
func (s *MarketStore) Load(ctx context.Context) error {
	markets, err := s.source.LoadMarketConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load market configs: %w", err)
	}

	m := make(map[string]futures.MarketConfig, len(markets))
	for _, mc := range markets {
		mc.Normalize()
		if err := mc.Validate(); err != nil {
			return fmt.Errorf("market %q: %w", mc.Symbol, err)
		}
		m[mc.Symbol] = mc
	}

	// 内容未变不升版本，避免下游无谓的全量重算
	if prev := s.current.Load(); prev.Version > 0 && reflect.DeepEqual(prev.markets, m) {
		return nil
	}

	s.current.Store(&Snapshot{
		Version:  s.version.Add(1),
		LoadedAt: time.Now(),
		markets:  m,
	})
	return nil
}

// Snapshot 当前快照
func (s *MarketStore) Snapshot() *Snapshot {
	return s.current.Load()
}

// Market 当前快照中某个 symbol 的配置
func (s *MarketStore) Market(symbol string) (futures.MarketConfig, error) {
	return s.Snapshot().Market(symbol)
}

// Version 当前版本号
func (s *MarketStore) Version() uint64 {
	return s.Snapshot().Version
}

// Watch 定时重新加载，直到 ctx 结束
func (s *MarketStore) Watch(ctx context.Context, interval time.Duration) {
	log := logger.Component("Config")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Load(ctx); err != nil {
				log.WithError(err).Warn("reload failed, keeping previous snapshot")
			}
		}
	}
}

// =============================================================================
// Source 实现
// =============================================================================

// StaticSource 固定配置，测试/模拟使用
type StaticSource []futures.MarketConfig

func (s StaticSource) LoadMarketConfigs(context.Context) ([]futures.MarketConfig, error) {
	out := make([]futures.MarketConfig, len(s))
	copy(out, s)
	return out, nil
}

// FileSource 从 YAML 文件的 markets 段读取
// 文件未修改 (mtime 不变) 时复用上次结果
type FileSource struct {
	Path string

	lastMod time.Time
	cached  []futures.MarketConfig
}

func (f *FileSource) LoadMarketConfigs(context.Context) ([]futures.MarketConfig, error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, err
	}
	if f.cached != nil && info.ModTime().Equal(f.lastMod) {
		return f.cached, nil
	}

	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	f.cached = cfg.Markets
	f.lastMod = info.ModTime()
	return f.cached, nil
}
