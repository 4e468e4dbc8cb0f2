// 文件: pkg/adl/ranking_cache.go
// ADL 排名缓存
//
// 【存储结构 (Redis)】
// - ZSET  adl:rank:{symbol}:{side}  member = "positionID:rank"，score = adl_score
// - STRING adl:rank:detail:{symbol}:{side}  完整排名 JSON
//
// 只作提示: 同分排序和运营查询用，执行前总是按实时 PnL 重新评分

package adl

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"max.com/perprisk/pkg/futures"
)

// RankingCache 排名缓存
type RankingCache interface {
	Save(ctx context.Context, symbol string, side futures.Side, rankings []futures.ADLRanking) error
	Load(ctx context.Context, symbol string, side futures.Side, limit int) ([]futures.ADLRanking, error)
}

func cacheKey(symbol string, side futures.Side) string {
	return symbol + ":" + string(side)
}

// =============================================================================
// 内存实现
// =============================================================================

type MemoryRankingCache struct {
	mu   sync.RWMutex
	data map[string][]futures.ADLRanking
}

func NewMemoryRankingCache() *MemoryRankingCache {
	return &MemoryRankingCache{data: make(map[string][]futures.ADLRanking)}
}

// Save 整体替换
func (c *MemoryRankingCache) Save(_ context.Context, symbol string, side futures.Side, rankings []futures.ADLRanking) error {
	cp := make([]futures.ADLRanking, len(rankings))
	copy(cp, rankings)
	c.mu.Lock()
	c.data[cacheKey(symbol, side)] = cp
	c.mu.Unlock()
	return nil
}

func (c *MemoryRankingCache) Load(_ context.Context, symbol string, side futures.Side, limit int) ([]futures.ADLRanking, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.data[cacheKey(symbol, side)]
	n := len(src)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]futures.ADLRanking, n)
	copy(out, src[:n])
	return out, nil
}

// =============================================================================
// Redis 实现
// =============================================================================

type RedisRankingCache struct {
	client *redis.Client
}

func NewRedisRankingCache(client *redis.Client) *RedisRankingCache {
	return &RedisRankingCache{client: client}
}

// luaReplaceRanking 原子替换整张排名
// KEYS[1]: indexKey (adl:rank:{symbol}:{side})
// KEYS[2]: detailKey (adl:rank:detail:{symbol}:{side})
// ARGV[1]: detail JSON
// ARGV[2..]: score, member 成对出现
const luaReplaceRanking = `
	redis.call('DEL', KEYS[1])
	redis.call('SET', KEYS[2], ARGV[1])
	for i = 2, #ARGV, 2 do
		redis.call('ZADD', KEYS[1], ARGV[i], ARGV[i + 1])
	end
	return 1
`

func indexKey(symbol string, side futures.Side) string {
	return "adl:rank:" + cacheKey(symbol, side)
}

func detailKey(symbol string, side futures.Side) string {
	return "adl:rank:detail:" + cacheKey(symbol, side)
}

// Save 整体替换 (Lua 保证读者不会看到半张表)
func (c *RedisRankingCache) Save(ctx context.Context, symbol string, side futures.Side, rankings []futures.ADLRanking) error {
	data, err := json.Marshal(rankings)
	if err != nil {
		return err
	}
	args := make([]interface{}, 0, 1+2*len(rankings))
	args = append(args, data)
	for _, r := range rankings {
		// Member: positionID:rank，查询时不需要反序列化
		member := strconv.FormatInt(r.PositionID, 10) + ":" + strconv.Itoa(r.ADLRank)
		args = append(args, r.ADLScore.String(), member)
	}
	return c.client.Eval(ctx, luaReplaceRanking,
		[]string{indexKey(symbol, side), detailKey(symbol, side)}, args...).Err()
}

// Load 按分数降序读取，limit <= 0 表示全部
func (c *RedisRankingCache) Load(ctx context.Context, symbol string, side futures.Side, limit int) ([]futures.ADLRanking, error) {
	data, err := c.client.Get(ctx, detailKey(symbol, side)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var all []futures.ADLRanking
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// TopRanks 只读 ZSET 的前 n 名 (positionID -> rank)
func (c *RedisRankingCache) TopRanks(ctx context.Context, symbol string, side futures.Side, n int64) (map[int64]int, error) {
	stop := n - 1
	if n <= 0 {
		stop = -1
	}
	members, err := c.client.ZRevRange(ctx, indexKey(symbol, side), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int, len(members))
	for _, m := range members {
		idStr, rankStr, found := strings.Cut(m, ":")
		if !found {
			continue
		}
		id, err1 := strconv.ParseInt(idStr, 10, 64)
		rank, err2 := strconv.Atoi(rankStr)
		if err1 != nil || err2 != nil {
			continue
		}
		out[id] = rank
	}
	return out, nil
}
