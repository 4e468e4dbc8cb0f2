// 文件: pkg/pricefeed/redis_cache.go
// 最新价格的 Redis 持久化
//
// 重启后从 Redis 恢复 "上一次接受的价格 + 序号"，
// 保证单调序号跨进程生命周期仍然成立，也让其他服务读到最新标记价

package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const priceKeyFmt = "perprisk:price:%s"

// RedisPriceCache 价格缓存
type RedisPriceCache struct {
	rdb *redis.Client
}

func NewRedisPriceCache(rdb *redis.Client) *RedisPriceCache {
	return &RedisPriceCache{rdb: rdb}
}

// Save 保存最新 tick
func (c *RedisPriceCache) Save(ctx context.Context, t Tick) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(priceKeyFmt, t.Symbol), data, 0).Err()
}

// Load 读取某 symbol 的最新 tick
func (c *RedisPriceCache) Load(ctx context.Context, symbol string) (Tick, bool, error) {
	data, err := c.rdb.Get(ctx, fmt.Sprintf(priceKeyFmt, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Tick{}, false, nil
	}
	if err != nil {
		return Tick{}, false, err
	}
	var t Tick
	if err := json.Unmarshal(data, &t); err != nil {
		return Tick{}, false, err
	}
	return t, true, nil
}

// Restore 把 Redis 中的价格灌回 Feed
func (c *RedisPriceCache) Restore(ctx context.Context, feed *Feed, symbols []string) (int, error) {
	n := 0
	for _, s := range symbols {
		t, ok, err := c.Load(ctx, s)
		if err != nil {
			return n, fmt.Errorf("restore %s: %w", s, err)
		}
		if !ok {
			continue
		}
		if _, err := feed.Apply(t); err == nil {
			n++
		}
	}
	return n, nil
}
