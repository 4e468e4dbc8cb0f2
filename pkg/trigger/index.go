// 文件: pkg/trigger/index.go
// 条件单价格索引
//
// 【存储结构 (Redis)】
// - STRING trigger:detail:{id}              索引元数据 JSON (删除时用来定位 ZSET)
// - ZSET   triggers:{symbol}:{condition}    member = "ID:Type"，score = 触发价
//
// 查询:
//   price_above: score <= mark 的全部触发
//   price_below: score >= mark 的全部触发
//
// 跟踪止损的触发价随峰值移动，不进索引。索引只是提示，
// 返回的 ID 必须按存储中的订单重新评估

package trigger

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/futures"
)

// Index 触发价索引
type Index interface {
	Add(ctx context.Context, o *futures.TriggerOrder) error
	Remove(ctx context.Context, o *futures.TriggerOrder) error
	Crossed(ctx context.Context, symbol string, mark decimal.Decimal) ([]int64, error)
}

// indexable 跟踪止损不进索引
func indexable(o *futures.TriggerOrder) bool {
	return o.TriggerType != futures.TriggerTrailingStop
}

// =============================================================================
// 内存实现
// =============================================================================

type entry struct {
	cond  futures.TriggerCondition
	price decimal.Decimal
}

// MemoryIndex 测试 / 模拟用
type MemoryIndex struct {
	mu      sync.RWMutex
	symbols map[string]map[int64]entry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{symbols: make(map[string]map[int64]entry)}
}

func (m *MemoryIndex) Add(_ context.Context, o *futures.TriggerOrder) error {
	if !indexable(o) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	orders, ok := m.symbols[o.Symbol]
	if !ok {
		orders = make(map[int64]entry)
		m.symbols[o.Symbol] = orders
	}
	orders[o.ID] = entry{cond: o.TriggerCondition, price: o.TriggerPrice}
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, o *futures.TriggerOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.symbols[o.Symbol], o.ID)
	return nil
}

// Crossed 按 ID 升序返回
func (m *MemoryIndex) Crossed(_ context.Context, symbol string, mark decimal.Decimal) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for id, e := range m.symbols[symbol] {
		if crossed(e.cond, e.price, mark) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Len 某 symbol 的索引条目数
func (m *MemoryIndex) Len(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.symbols[symbol])
}

// =============================================================================
// Redis 实现
// =============================================================================

type RedisIndex struct {
	client    *redis.Client
	batchSize int64
}

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client, batchSize: 100}
}

type indexMeta struct {
	Symbol    string `json:"symbol"`
	Condition string `json:"condition"`
	Type      string `json:"type"`
}

func detailKey(id int64) string {
	return "trigger:detail:" + strconv.FormatInt(id, 10)
}

func zsetKey(symbol string, cond futures.TriggerCondition) string {
	return "triggers:" + symbol + ":" + string(cond)
}

// luaAdd 写入索引
// KEYS[1]: detailKey (trigger:detail:{id})
// KEYS[2]: zsetKey (triggers:{symbol}:{condition})
// ARGV[1]: orderID
// ARGV[2]: score (trigger price)
// ARGV[3]: metaJSON
// ARGV[4]: triggerType
const luaAdd = `
	redis.call('SET', KEYS[1], ARGV[3])
	local member = ARGV[1] .. ":" .. ARGV[4]
	redis.call('ZADD', KEYS[2], ARGV[2], member)
	return 1
`

// luaRemove 删除索引
// KEYS[1]: detailKey
// ARGV[1]: orderID
const luaRemove = `
	local data = redis.call('GET', KEYS[1])
	if not data then return 0 end

	local meta = cjson.decode(data)
	local zkey = "triggers:" .. meta["symbol"] .. ":" .. meta["condition"]
	local member = ARGV[1] .. ":" .. meta["type"]

	redis.call('ZREM', zkey, member)
	redis.call('DEL', KEYS[1])
	return 1
`

func (r *RedisIndex) Add(ctx context.Context, o *futures.TriggerOrder) error {
	if !indexable(o) {
		return nil
	}
	meta, err := json.Marshal(indexMeta{
		Symbol:    o.Symbol,
		Condition: string(o.TriggerCondition),
		Type:      string(o.TriggerType),
	})
	if err != nil {
		return err
	}
	id := strconv.FormatInt(o.ID, 10)
	return r.client.Eval(ctx, luaAdd,
		[]string{detailKey(o.ID), zsetKey(o.Symbol, o.TriggerCondition)},
		id, o.TriggerPrice.String(), meta, string(o.TriggerType)).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, o *futures.TriggerOrder) error {
	return r.client.Eval(ctx, luaRemove, []string{detailKey(o.ID)}, strconv.FormatInt(o.ID, 10)).Err()
}

// Crossed 分页扫描两个方向的 ZSET
func (r *RedisIndex) Crossed(ctx context.Context, symbol string, mark decimal.Decimal) ([]int64, error) {
	price := mark.String()
	above, err := r.scan(ctx, zsetKey(symbol, futures.PriceAbove), "-inf", price)
	if err != nil {
		return nil, err
	}
	below, err := r.scan(ctx, zsetKey(symbol, futures.PriceBelow), price, "+inf")
	if err != nil {
		return nil, err
	}
	ids := append(above, below...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *RedisIndex) scan(ctx context.Context, key, min, max string) ([]int64, error) {
	var ids []int64
	for offset := int64(0); ; offset += r.batchSize {
		members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:    min,
			Max:    max,
			Offset: offset,
			Count:  r.batchSize,
		}).Result()
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			// Member: ID:Type
			idStr, _, found := strings.Cut(m, ":")
			if !found {
				continue
			}
			if id, err := strconv.ParseInt(idStr, 10, 64); err == nil {
				ids = append(ids, id)
			}
		}
		if int64(len(members)) < r.batchSize {
			return ids, nil
		}
	}
}
