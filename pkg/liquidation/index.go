package liquidation

import (
	"sort"
	"sync"
	"sync/atomic"

	"max.com/perprisk/pkg/risk/perp"
)

// =============================================================================
// CowMap - Copy-on-Write Map
// =============================================================================

// CowMap positionID -> Assessment
//
// 读操作无锁，写操作复制整张 Map 后原子替换。
// 读者要么看到旧快照，要么看到新快照，不会看到中间状态。
// 只存预警区 / 危险区的持仓，规模通常只有几百到几千
type CowMap struct {
	data    atomic.Pointer[map[int64]Assessment]
	writeMu sync.Mutex
}

func NewCowMap() *CowMap {
	m := &CowMap{}
	empty := make(map[int64]Assessment)
	m.data.Store(&empty)
	return m
}

// Get 无锁读取
func (m *CowMap) Get(positionID int64) (Assessment, bool) {
	a, ok := (*m.data.Load())[positionID]
	return a, ok
}

// GetAll 快照，按保证金率升序 (最危险的在前)
func (m *CowMap) GetAll() []Assessment {
	cur := m.data.Load()
	out := make([]Assessment, 0, len(*cur))
	for _, v := range *cur {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].MarginRatio.Cmp(out[j].MarginRatio); c != 0 {
			return c < 0
		}
		return out[i].PositionID < out[j].PositionID
	})
	return out
}

func (m *CowMap) Len() int {
	return len(*m.data.Load())
}

func (m *CowMap) Contains(positionID int64) bool {
	_, ok := (*m.data.Load())[positionID]
	return ok
}

// BatchUpdate 批量写入；replace 为 true 时丢弃旧数据
//
// 先删除再更新，避免删掉本批新增的数据
func (m *CowMap) BatchUpdate(updates []Assessment, removes []int64, replace bool) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	old := m.data.Load()
	next := make(map[int64]Assessment, len(*old)+len(updates))
	if !replace {
		for k, v := range *old {
			next[k] = v
		}
	}
	for _, id := range removes {
		delete(next, id)
	}
	for _, a := range updates {
		next[a.PositionID] = a
	}
	m.data.Store(&next)
}

// Set 单条写入，频繁调用会产生大量复制，优先用 BatchUpdate
func (m *CowMap) Set(a Assessment) {
	m.BatchUpdate([]Assessment{a}, nil, false)
}

func (m *CowMap) Remove(positionID int64) {
	m.BatchUpdate(nil, []int64{positionID}, false)
}

// =============================================================================
// RiskIndex - 每个 symbol 的风险分级索引
// =============================================================================

// RiskIndex 按 symbol 分组的预警 / 危险持仓
//
// 只做观测和排序提示，强平判断永远以实时保证金率为准
type RiskIndex struct {
	mu      sync.RWMutex
	symbols map[string]*CowMap
}

func NewRiskIndex() *RiskIndex {
	return &RiskIndex{symbols: make(map[string]*CowMap)}
}

func (idx *RiskIndex) bucket(symbol string) *CowMap {
	idx.mu.RLock()
	m, ok := idx.symbols[symbol]
	idx.mu.RUnlock()
	if ok {
		return m
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if m, ok = idx.symbols[symbol]; !ok {
		m = NewCowMap()
		idx.symbols[symbol] = m
	}
	return m
}

func tracked(level perp.RiskLevel) bool {
	return level == perp.RiskLevelWarning || level == perp.RiskLevelDanger
}

// Update 按评估结果升降级；full 为 true 时整体替换该 symbol
func (idx *RiskIndex) Update(symbol string, assessments []Assessment, full bool) {
	updates := make([]Assessment, 0, len(assessments))
	var removes []int64
	for _, a := range assessments {
		if tracked(a.Level) {
			updates = append(updates, a)
		} else {
			removes = append(removes, a.PositionID)
		}
	}
	idx.bucket(symbol).BatchUpdate(updates, removes, full)
}

// Remove 持仓进入终态后移除
func (idx *RiskIndex) Remove(symbol string, positionID int64) {
	idx.bucket(symbol).Remove(positionID)
}

// AtRisk 某 symbol 的风险持仓，level 为 Safe 时返回全部
func (idx *RiskIndex) AtRisk(symbol string, level perp.RiskLevel) []Assessment {
	all := idx.bucket(symbol).GetAll()
	if level == perp.RiskLevelSafe {
		return all
	}
	out := all[:0]
	for _, a := range all {
		if a.Level == level {
			out = append(out, a)
		}
	}
	return out
}

// Len 某 symbol 的风险持仓数量
func (idx *RiskIndex) Len(symbol string) int {
	return idx.bucket(symbol).Len()
}
