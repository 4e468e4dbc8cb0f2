// 文件: pkg/store/memory.go
// 内存存储实现
//
// 【用途】
// - 单元测试 / 模拟运行，不依赖 MySQL
// - 语义与 MySQL 实现一致: 唯一约束、CAS 状态迁移、多表原子写
//
// 所有读写都拷贝对象，调用方拿到的指针不会与存储内部共享

package store

import (
	"context"
	"sort"
	"sync"

	"max.com/perprisk/pkg/futures"
)

// Memory 内存存储
type Memory struct {
	mu sync.RWMutex

	positions map[int64]*futures.Position
	openKeys  map[string]int64

	fundingRates       map[int64]*futures.FundingRate
	fundingSettlements map[int64]*futures.FundingSettlement
	settlementKeys     map[[2]int64]int64

	liquidations   map[int64]*futures.Liquidation // key: position_id
	insuranceFunds map[string]*futures.InsuranceFund
	insuranceTxs   []*futures.InsuranceFundTransaction

	adlEvents     map[int64]*futures.ADLEvent
	adlReductions []*futures.ADLReduction

	triggerOrders     map[int64]*futures.TriggerOrder
	triggerExecutions map[int64]*futures.TriggerOrderExecution // key: trigger_order_id
	tpsl              map[int64]*futures.PositionTpSl

	audit     []*futures.AuditRecord
	auditKeys map[string]struct{}

	markets map[string]futures.MarketConfig
}

func NewMemory() *Memory {
	return &Memory{
		positions:          make(map[int64]*futures.Position),
		openKeys:           make(map[string]int64),
		fundingRates:       make(map[int64]*futures.FundingRate),
		fundingSettlements: make(map[int64]*futures.FundingSettlement),
		settlementKeys:     make(map[[2]int64]int64),
		liquidations:       make(map[int64]*futures.Liquidation),
		insuranceFunds:     make(map[string]*futures.InsuranceFund),
		adlEvents:          make(map[int64]*futures.ADLEvent),
		triggerOrders:      make(map[int64]*futures.TriggerOrder),
		triggerExecutions:  make(map[int64]*futures.TriggerOrderExecution),
		tpsl:               make(map[int64]*futures.PositionTpSl),
		auditKeys:          make(map[string]struct{}),
		markets:            make(map[string]futures.MarketConfig),
	}
}

func limitOf(n, limit int) int {
	if limit <= 0 || limit > n {
		return n
	}
	return limit
}

// =============================================================================
// 持仓
// =============================================================================

func (m *Memory) CreatePosition(_ context.Context, p *futures.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPositionLocked(p)
}

// CreatePositionAudited 开仓 + 审计记录，原子
func (m *Memory) CreatePositionAudited(_ context.Context, p *futures.Position, rec *futures.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAuditLocked(rec); err != nil {
		return err
	}
	if err := m.createPositionLocked(p); err != nil {
		return err
	}
	m.insertAuditLocked(rec)
	return nil
}

func (m *Memory) createPositionLocked(p *futures.Position) error {
	if _, ok := m.positions[p.ID]; ok {
		return futures.ErrDuplicate
	}
	if p.IsOpen() {
		key := futures.OpenKeyFor(p.UserAddress, p.Symbol, p.Side)
		if _, ok := m.openKeys[key]; ok {
			return futures.ErrPositionExists
		}
		p.OpenKey = &key
		m.openKeys[key] = p.ID
	}
	m.positions[p.ID] = p.Clone()
	return nil
}

func (m *Memory) GetPosition(_ context.Context, id int64) (*futures.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, futures.ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) FindOpenPosition(_ context.Context, user, symbol string, side futures.Side) (*futures.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.openKeys[futures.OpenKeyFor(user, symbol, side)]
	if !ok {
		return nil, futures.ErrNotFound
	}
	return m.positions[id].Clone(), nil
}

func (m *Memory) ListOpenPositions(_ context.Context, symbol string) ([]*futures.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.Position
	for _, p := range m.positions {
		if p.Symbol == symbol && p.IsOpen() {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListUserPositions(_ context.Context, user string) ([]*futures.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.Position
	for _, p := range m.positions {
		if p.UserAddress == user && p.IsOpen() {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SavePosition 按 expect 状态 CAS 更新持仓
func (m *Memory) SavePosition(_ context.Context, p *futures.Position, expect futures.PositionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savePositionLocked(p, expect)
}

// SavePositionAudited 持仓 CAS + 审计记录，原子
func (m *Memory) SavePositionAudited(_ context.Context, p *futures.Position, expect futures.PositionStatus, rec *futures.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAuditLocked(rec); err != nil {
		return err
	}
	if err := m.savePositionLocked(p, expect); err != nil {
		return err
	}
	m.insertAuditLocked(rec)
	return nil
}

func (m *Memory) savePositionLocked(p *futures.Position, expect futures.PositionStatus) error {
	cur, ok := m.positions[p.ID]
	if !ok {
		return futures.ErrNotFound
	}
	if cur.Status != expect {
		return futures.ErrStatusConflict
	}
	if p.Status != expect && !expect.CanTransition(p.Status) {
		return futures.ErrStatusConflict
	}

	if !p.IsOpen() {
		if cur.OpenKey != nil {
			delete(m.openKeys, *cur.OpenKey)
		}
		p.OpenKey = nil
	} else {
		p.OpenKey = cur.OpenKey
	}
	m.positions[p.ID] = p.Clone()
	return nil
}

// =============================================================================
// 资金费
// =============================================================================

func (m *Memory) CurrentFundingRate(_ context.Context, symbol string) (*futures.FundingRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.fundingRates {
		if r.Symbol == symbol && !r.IsSettled() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, futures.ErrNotFound
}

func (m *Memory) CreateFundingRate(_ context.Context, r *futures.FundingRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !r.IsSettled() {
		for _, existing := range m.fundingRates {
			if existing.Symbol == r.Symbol && !existing.IsSettled() {
				return futures.ErrDuplicate
			}
		}
	}
	cp := *r
	m.fundingRates[r.ID] = &cp
	return nil
}

// RollFundingRate 结算当前行并追加下一条，原子
func (m *Memory) RollFundingRate(_ context.Context, settled, next *futures.FundingRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.fundingRates[settled.ID]
	if !ok {
		return futures.ErrNotFound
	}
	if cur.IsSettled() {
		return futures.ErrStatusConflict
	}
	sc := *settled
	nc := *next
	m.fundingRates[settled.ID] = &sc
	m.fundingRates[next.ID] = &nc
	return nil
}

// UpdateFundingRate 只允许更新未结算的当前行
func (m *Memory) UpdateFundingRate(_ context.Context, r *futures.FundingRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.fundingRates[r.ID]
	if !ok {
		return futures.ErrNotFound
	}
	if cur.IsSettled() {
		return futures.ErrStatusConflict
	}
	cp := *r
	m.fundingRates[r.ID] = &cp
	return nil
}

func (m *Memory) FundingRateHistory(_ context.Context, symbol string, limit int) ([]*futures.FundingRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.FundingRate
	for _, r := range m.fundingRates {
		if r.Symbol == symbol {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out[:limitOf(len(out), limit)], nil
}

func (m *Memory) HasFundingSettlement(_ context.Context, positionID, rateID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.settlementKeys[[2]int64{positionID, rateID}]
	return ok, nil
}

// ApplyFundingSettlement 写流水 + 更新持仓，原子
func (m *Memory) ApplyFundingSettlement(_ context.Context, p *futures.Position, s *futures.FundingSettlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]int64{s.PositionID, s.FundingRateID}
	if _, ok := m.settlementKeys[key]; ok {
		return futures.ErrDuplicate
	}
	if err := m.savePositionLocked(p, futures.PositionOpen); err != nil {
		return err
	}
	cp := *s
	m.fundingSettlements[s.ID] = &cp
	m.settlementKeys[key] = s.ID
	return nil
}

func (m *Memory) ListFundingSettlements(_ context.Context, positionID int64) ([]*futures.FundingSettlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.FundingSettlement
	for _, s := range m.fundingSettlements {
		if s.PositionID == positionID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListUserFundingSettlements(_ context.Context, user string, limit int) ([]*futures.FundingSettlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.FundingSettlement
	for _, s := range m.fundingSettlements {
		if s.UserAddress == user {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out[:limitOf(len(out), limit)], nil
}

// =============================================================================
// 强平
// =============================================================================

// ApplyLiquidation 持仓 open->liquidated + 写强平记录，原子
func (m *Memory) ApplyLiquidation(_ context.Context, p *futures.Position, l *futures.Liquidation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.liquidations[l.PositionID]; ok {
		return futures.ErrDuplicate
	}
	if err := m.savePositionLocked(p, futures.PositionOpen); err != nil {
		return err
	}
	cp := *l
	m.liquidations[l.PositionID] = &cp
	return nil
}

func (m *Memory) GetLiquidationByPosition(_ context.Context, positionID int64) (*futures.Liquidation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.liquidations[positionID]
	if !ok {
		return nil, futures.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *Memory) listLiquidations(match func(*futures.Liquidation) bool, limit int) []*futures.Liquidation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.Liquidation
	for _, l := range m.liquidations {
		if match(l) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out[:limitOf(len(out), limit)]
}

func (m *Memory) ListLiquidations(_ context.Context, symbol string, limit int) ([]*futures.Liquidation, error) {
	return m.listLiquidations(func(l *futures.Liquidation) bool { return l.Symbol == symbol }, limit), nil
}

func (m *Memory) ListUserLiquidations(_ context.Context, user string, limit int) ([]*futures.Liquidation, error) {
	return m.listLiquidations(func(l *futures.Liquidation) bool { return l.UserAddress == user }, limit), nil
}

// =============================================================================
// 保险基金
// =============================================================================

func (m *Memory) GetInsuranceFund(_ context.Context, symbol string) (*futures.InsuranceFund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.insuranceFunds[symbol]
	if !ok {
		return nil, futures.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

// ApplyInsuranceTransaction 基金余额 + 流水，原子
func (m *Memory) ApplyInsuranceTransaction(_ context.Context, f *futures.InsuranceFund, tx *futures.InsuranceFundTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fc := *f
	tc := *tx
	m.insuranceFunds[f.Symbol] = &fc
	m.insuranceTxs = append(m.insuranceTxs, &tc)
	return nil
}

func (m *Memory) ListInsuranceTransactions(_ context.Context, symbol string, limit int) ([]*futures.InsuranceFundTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.InsuranceFundTransaction
	for i := len(m.insuranceTxs) - 1; i >= 0; i-- {
		if tx := m.insuranceTxs[i]; tx.Symbol == symbol {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out[:limitOf(len(out), limit)], nil
}

// =============================================================================
// ADL
// =============================================================================

func (m *Memory) CreateADLEvent(_ context.Context, e *futures.ADLEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adlEvents[e.ID]; ok {
		return futures.ErrDuplicate
	}
	cp := *e
	m.adlEvents[e.ID] = &cp
	return nil
}

// UpdateADLEvent 只允许 pending -> completed/failed
func (m *Memory) UpdateADLEvent(_ context.Context, e *futures.ADLEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.adlEvents[e.ID]
	if !ok {
		return futures.ErrNotFound
	}
	if cur.Status != futures.ADLPending {
		return futures.ErrStatusConflict
	}
	cp := *e
	m.adlEvents[e.ID] = &cp
	return nil
}

func (m *Memory) LatestADLEvent(_ context.Context, symbol string) (*futures.ADLEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *futures.ADLEvent
	for _, e := range m.adlEvents {
		if e.Symbol == symbol && (latest == nil || e.CreatedAt > latest.CreatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, futures.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) ListADLEvents(_ context.Context, symbol string, limit int) ([]*futures.ADLEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.ADLEvent
	for _, e := range m.adlEvents {
		if e.Symbol == symbol {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out[:limitOf(len(out), limit)], nil
}

// ApplyADLReduction 减仓 + 写减仓记录，原子
func (m *Memory) ApplyADLReduction(_ context.Context, p *futures.Position, r *futures.ADLReduction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.savePositionLocked(p, futures.PositionOpen); err != nil {
		return err
	}
	cp := *r
	m.adlReductions = append(m.adlReductions, &cp)
	return nil
}

func (m *Memory) ListADLReductions(_ context.Context, eventID int64) ([]*futures.ADLReduction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.ADLReduction
	for _, r := range m.adlReductions {
		if r.ADLEventID == eventID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ADLRank < out[j].ADLRank })
	return out, nil
}

func (m *Memory) ListUserADLReductions(_ context.Context, user string, limit int) ([]*futures.ADLReduction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.ADLReduction
	for i := len(m.adlReductions) - 1; i >= 0; i-- {
		if r := m.adlReductions[i]; r.UserAddress == user {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out[:limitOf(len(out), limit)], nil
}

// =============================================================================
// 条件单
// =============================================================================

func (m *Memory) CreateTriggerOrder(_ context.Context, o *futures.TriggerOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggerOrders[o.ID]; ok {
		return futures.ErrDuplicate
	}
	m.triggerOrders[o.ID] = o.Clone()
	return nil
}

func (m *Memory) GetTriggerOrder(_ context.Context, id int64) (*futures.TriggerOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.triggerOrders[id]
	if !ok {
		return nil, futures.ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) ListActiveTriggerOrders(_ context.Context, symbol string) ([]*futures.TriggerOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.TriggerOrder
	for _, o := range m.triggerOrders {
		if o.Symbol == symbol && o.Status == futures.TriggerActive {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListUserTriggerOrders(_ context.Context, user, symbol string, status futures.TriggerStatus, limit int) ([]*futures.TriggerOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.TriggerOrder
	for _, o := range m.triggerOrders {
		if o.UserAddress != user {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out[:limitOf(len(out), limit)], nil
}

func (m *Memory) CountActiveTriggerOrders(_ context.Context, user, symbol string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.triggerOrders {
		if o.UserAddress == user && o.Symbol == symbol && o.Status == futures.TriggerActive {
			n++
		}
	}
	return n, nil
}

// TransitionTriggerOrder 按 from 状态 CAS 更新条件单
func (m *Memory) TransitionTriggerOrder(_ context.Context, o *futures.TriggerOrder, from futures.TriggerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.triggerOrders[o.ID]
	if !ok {
		return futures.ErrNotFound
	}
	if cur.Status != from {
		return futures.ErrStatusConflict
	}
	m.triggerOrders[o.ID] = o.Clone()
	return nil
}

func (m *Memory) CreateTriggerExecution(_ context.Context, e *futures.TriggerOrderExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggerExecutions[e.TriggerOrderID]; ok {
		return futures.ErrDuplicate
	}
	cp := *e
	m.triggerExecutions[e.TriggerOrderID] = &cp
	return nil
}

func (m *Memory) ListUserTriggerExecutions(_ context.Context, user string, limit int) ([]*futures.TriggerOrderExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.TriggerOrderExecution
	for _, e := range m.triggerExecutions {
		if e.UserAddress == user {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out[:limitOf(len(out), limit)], nil
}

func (m *Memory) GetPositionTpSl(_ context.Context, positionID int64) (*futures.PositionTpSl, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tpsl[positionID]
	if !ok {
		return nil, futures.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) SavePositionTpSl(_ context.Context, t *futures.PositionTpSl) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tpsl[t.PositionID] = &cp
	return nil
}

// =============================================================================
// 审计
// =============================================================================

func (m *Memory) InsertAuditRecord(_ context.Context, r *futures.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAuditLocked(r); err != nil {
		return err
	}
	m.insertAuditLocked(r)
	return nil
}

func (m *Memory) checkAuditLocked(r *futures.AuditRecord) error {
	if r == nil {
		return nil
	}
	if _, ok := m.auditKeys[r.IdempotencyKey]; ok {
		return futures.ErrDuplicate
	}
	return nil
}

func (m *Memory) insertAuditLocked(r *futures.AuditRecord) {
	if r == nil {
		return
	}
	cp := *r
	m.audit = append(m.audit, &cp)
	m.auditKeys[r.IdempotencyKey] = struct{}{}
}

func (m *Memory) HasAuditRecord(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.auditKeys[key]
	return ok, nil
}

// ListAuditRecords 按 ID 升序，afterID 之后的 limit 条
func (m *Memory) ListAuditRecords(_ context.Context, afterID int64, limit int) ([]*futures.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*futures.AuditRecord
	for _, r := range m.audit {
		if r.ID > afterID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out[:limitOf(len(out), limit)], nil
}

// =============================================================================
// 市场配置
// =============================================================================

func (m *Memory) SaveMarketConfig(_ context.Context, mc futures.MarketConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc.Normalize()
	m.markets[mc.Symbol] = mc
	return nil
}

func (m *Memory) LoadMarketConfigs(_ context.Context) ([]futures.MarketConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]futures.MarketConfig, 0, len(m.markets))
	for _, mc := range m.markets {
		out = append(out, mc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
