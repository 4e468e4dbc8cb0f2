// 文件: pkg/pricefeed/feed.go
// 标记价格接入 - 外部价格源的边界
//
// 【职责】
// 1. 校验价格: 非正价格直接拒绝 (InvalidPriceInput)，保留上一次的价格
// 2. 严格单调: 每个 symbol 按 (timestamp, sequence) 单调递增，重复/乱序 tick 丢弃
// 3. 存储最新 mark/index 价格，供各模块读取
//
// 引擎只消费价格，从不推导价格

package pricefeed

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/futures"
)

// ErrStaleTick 重复或乱序的 tick
var ErrStaleTick = errors.New("stale or duplicate price tick")

// Tick 外部推送的一条价格
type Tick struct {
	Symbol     string          `json:"symbol"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	IndexPrice decimal.Decimal `json:"index_price"`
	Timestamp  int64           `json:"timestamp"` // Unix 毫秒
	Sequence   uint64          `json:"sequence"`  // 同一毫秒内的序号，可为 0
}

// Validate 价格必须为正；index 缺省时沿用 mark
func (t *Tick) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", futures.ErrInvalidPrice)
	}
	if t.MarkPrice.Sign() <= 0 {
		return fmt.Errorf("%w: mark price %s", futures.ErrInvalidPrice, t.MarkPrice)
	}
	if t.IndexPrice.Sign() < 0 {
		return fmt.Errorf("%w: index price %s", futures.ErrInvalidPrice, t.IndexPrice)
	}
	if t.IndexPrice.IsZero() {
		t.IndexPrice = t.MarkPrice
	}
	return nil
}

// after 严格晚于 other
func (t *Tick) after(other *Tick) bool {
	if t.Timestamp != other.Timestamp {
		return t.Timestamp > other.Timestamp
	}
	return t.Sequence > other.Sequence
}

// Feed 价格存储
type Feed struct {
	mu     sync.RWMutex
	prices map[string]Tick
}

func NewFeed() *Feed {
	return &Feed{prices: make(map[string]Tick)}
}

// Apply 校验并接受一条 tick
//
// 返回 ErrInvalidPrice / ErrStaleTick 时不修改任何状态
func (f *Feed) Apply(t Tick) (Tick, error) {
	if err := t.Validate(); err != nil {
		return Tick{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if last, ok := f.prices[t.Symbol]; ok && !t.after(&last) {
		return Tick{}, fmt.Errorf("%w: %s ts=%d seq=%d last_ts=%d last_seq=%d",
			ErrStaleTick, t.Symbol, t.Timestamp, t.Sequence, last.Timestamp, last.Sequence)
	}
	f.prices[t.Symbol] = t
	return t, nil
}

// Last 最近一次接受的 tick
func (f *Feed) Last(symbol string) (Tick, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.prices[symbol]
	return t, ok
}

// MarkPrice 最新标记价格
func (f *Feed) MarkPrice(symbol string) (decimal.Decimal, bool) {
	t, ok := f.Last(symbol)
	return t.MarkPrice, ok
}

// IndexPrice 最新指数价格
func (f *Feed) IndexPrice(symbol string) (decimal.Decimal, bool) {
	t, ok := f.Last(symbol)
	return t.IndexPrice, ok
}

// Symbols 有价格的 symbol
func (f *Feed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.prices))
	for s := range f.prices {
		out = append(out, s)
	}
	return out
}
