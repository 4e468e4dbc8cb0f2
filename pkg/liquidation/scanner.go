package liquidation

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/futures"
)

const (
	// DefaultNumShards 默认分片数量，按 CPU 核数调整
	DefaultNumShards = 4

	// shardThreshold 持仓数少于该值时不分片
	shardThreshold = 256
)

// Scanner 并行计算一批持仓的风险快照
//
// 按 positionID % numShards 分片，同一持仓始终落在同一分片。
// 只读计算，不修改任何持仓；执行强平由调用方串行完成
type Scanner struct {
	numShards int
}

func NewScanner(numShards int) *Scanner {
	if numShards <= 0 {
		numShards = DefaultNumShards
	}
	return &Scanner{numShards: numShards}
}

// Assess 评估全部持仓，返回顺序与输入一致
func (s *Scanner) Assess(ctx context.Context, positions []*futures.Position, mark, maintenanceRate decimal.Decimal, now int64) []Assessment {
	out := make([]Assessment, len(positions))
	if len(positions) < shardThreshold || s.numShards == 1 {
		for i, p := range positions {
			out[i] = Assess(p, mark, maintenanceRate, now)
		}
		return out
	}

	shards := s.shard(positions)
	var wg sync.WaitGroup
	for _, idxs := range shards {
		wg.Add(1)
		go func(idxs []int) {
			defer wg.Done()
			for _, i := range idxs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				out[i] = Assess(positions[i], mark, maintenanceRate, now)
			}
		}(idxs)
	}
	wg.Wait()
	return out
}

// shard 返回每个分片负责的下标
func (s *Scanner) shard(positions []*futures.Position) [][]int {
	shards := make([][]int, s.numShards)
	for i := range shards {
		shards[i] = make([]int, 0, len(positions)/s.numShards+1)
	}
	for i, p := range positions {
		id := p.ID
		if id < 0 {
			id = -id
		}
		n := int(id % int64(s.numShards))
		shards[n] = append(shards[n], i)
	}
	return shards
}
