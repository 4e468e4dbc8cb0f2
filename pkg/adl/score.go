// 文件: pkg/adl/score.go
// ADL 候选评分
//
// 【评分】
//   pnl_percentage     = uPnL / collateral × 100
//   effective_leverage = size_in_usd / equity
//   size               = size_in_usd
//
// 三项各自在候选集内做 min-max 归一化到 [0,1] (max == min 时取 1)，
//   score = pnl_weight·n_pnl + leverage_weight·n_lev + size_weight·n_size
// 按 score 降序，rank 1 最先被减仓

package adl

import (
	"sort"

	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/risk/perp"
)

// Candidate 一个可被减仓的盈利持仓
type Candidate struct {
	Position          *futures.Position
	Pnl               decimal.Decimal
	PnlPercentage     decimal.Decimal
	EffectiveLeverage decimal.Decimal
	Score             decimal.Decimal
	Rank              int
}

// Collect 取 side 方向上按 mark 实时盈利的持仓
func Collect(positions []*futures.Position, side futures.Side, mark decimal.Decimal) []*Candidate {
	var out []*Candidate
	for _, p := range positions {
		if p.Side != side || !p.IsOpen() {
			continue
		}
		pnl := p.UnrealizedPnL(mark)
		if pnl.Sign() <= 0 {
			continue
		}
		out = append(out, &Candidate{
			Position:          p,
			Pnl:               pnl,
			PnlPercentage:     percentOf(pnl, p.CollateralAmount),
			EffectiveLeverage: perp.EffectiveLeverage(p.SizeInUsd, p.Equity(mark)),
		})
	}
	return out
}

type bounds struct {
	min, max decimal.Decimal
}

func boundsOf(cands []*Candidate, get func(*Candidate) decimal.Decimal) bounds {
	b := bounds{min: get(cands[0]), max: get(cands[0])}
	for _, c := range cands[1:] {
		v := get(c)
		b.min = futures.Min(b.min, v)
		b.max = futures.Max(b.max, v)
	}
	return b
}

func (b bounds) normalize(v decimal.Decimal) decimal.Decimal {
	span := b.max.Sub(b.min)
	if span.Sign() == 0 {
		return futures.One
	}
	return futures.Div(v.Sub(b.min), span)
}

// Rank 计算分数并排序
//
// 同分时按缓存排名 (小的在前)，再按持仓 ID
func Rank(cands []*Candidate, cfg futures.ADLConfig, cachedRank map[int64]int) []*Candidate {
	if len(cands) == 0 {
		return cands
	}
	pnlB := boundsOf(cands, func(c *Candidate) decimal.Decimal { return c.PnlPercentage })
	levB := boundsOf(cands, func(c *Candidate) decimal.Decimal { return c.EffectiveLeverage })
	sizeB := boundsOf(cands, func(c *Candidate) decimal.Decimal { return c.Position.SizeInUsd })

	for _, c := range cands {
		c.Score = futures.Round(
			futures.Mul(cfg.PnlWeight, pnlB.normalize(c.PnlPercentage)).
				Add(futures.Mul(cfg.LeverageWeight, levB.normalize(c.EffectiveLeverage))).
				Add(futures.Mul(cfg.SizeWeight, sizeB.normalize(c.Position.SizeInUsd))),
		)
	}

	cached := func(id int64) int {
		if r, ok := cachedRank[id]; ok {
			return r
		}
		return int(^uint(0) >> 1)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if c := cands[i].Score.Cmp(cands[j].Score); c != 0 {
			return c > 0
		}
		if ri, rj := cached(cands[i].Position.ID), cached(cands[j].Position.ID); ri != rj {
			return ri < rj
		}
		return cands[i].Position.ID < cands[j].Position.ID
	})
	for i, c := range cands {
		c.Rank = i + 1
	}
	return cands
}

// Rankings 转成缓存条目
func Rankings(symbol string, side futures.Side, cands []*Candidate, now int64) []futures.ADLRanking {
	out := make([]futures.ADLRanking, len(cands))
	for i, c := range cands {
		out[i] = futures.ADLRanking{
			PositionID:        c.Position.ID,
			UserAddress:       c.Position.UserAddress,
			Symbol:            symbol,
			Side:              side,
			ADLScore:          c.Score,
			ADLRank:           c.Rank,
			PnlPercentage:     c.PnlPercentage,
			EffectiveLeverage: c.EffectiveLeverage,
			SizeInUsd:         c.Position.SizeInUsd,
			UpdatedAt:         now,
		}
	}
	return out
}

// ReductionFraction clamp(remaining / pnl × 100, min%, max%) / 100
func ReductionFraction(remaining, pnl decimal.Decimal, cfg futures.ADLConfig) decimal.Decimal {
	pct := futures.Clamp(percentOf(remaining, pnl), cfg.MinReductionPercentage, cfg.MaxReductionPercentage)
	return futures.Percent(pct)
}

// percentOf a / b × 100
func percentOf(a, b decimal.Decimal) decimal.Decimal {
	return futures.Mul(futures.Div(a, b), futures.Hundred)
}
