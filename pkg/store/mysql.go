// 文件: pkg/store/mysql.go
// MySQL 存储实现
//
// 【设计】
// - 使用 GORM，TranslateError 打开后唯一键冲突统一为 gorm.ErrDuplicatedKey
// - 状态迁移全部是 WHERE status = ? 的 CAS 更新，RowsAffected == 0 即并发冲突
// - 多表写入 (持仓 + 流水) 放在同一事务里

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"max.com/perprisk/pkg/futures"
)

// MySQL 存储
type MySQL struct {
	db *gorm.DB
}

// Options 连接池参数
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
	LogLevel     logger.LogLevel
}

// OpenMySQL 建立连接
func OpenMySQL(dsn string, opts Options) (*MySQL, error) {
	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	return NewMySQL(db), nil
}

func NewMySQL(db *gorm.DB) *MySQL {
	return &MySQL{db: db}
}

// DB 底层连接
func (s *MySQL) DB() *gorm.DB {
	return s.db
}

// Close 关闭连接池
func (s *MySQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate 建表
func (s *MySQL) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&futures.Position{},
		&futures.FundingRate{},
		&futures.FundingSettlement{},
		&futures.Liquidation{},
		&futures.InsuranceFund{},
		&futures.InsuranceFundTransaction{},
		&futures.ADLEvent{},
		&futures.ADLReduction{},
		&futures.TriggerOrder{},
		&futures.TriggerOrderExecution{},
		&futures.PositionTpSl{},
		&futures.AuditRecord{},
		&futures.MarketFundingConfig{},
		&futures.LiquidationConfig{},
		&futures.ADLConfig{},
		&futures.TriggerOrderConfig{},
	)
}

// translate GORM 错误 -> 领域错误
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return futures.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return futures.ErrDuplicate
	}
	return err
}

func withLimit(q *gorm.DB, limit int) *gorm.DB {
	if limit > 0 {
		return q.Limit(limit)
	}
	return q
}

// =============================================================================
// 持仓
// =============================================================================

func (s *MySQL) CreatePosition(ctx context.Context, p *futures.Position) error {
	if p.IsOpen() {
		key := futures.OpenKeyFor(p.UserAddress, p.Symbol, p.Side)
		p.OpenKey = &key
	}
	err := translate(s.db.WithContext(ctx).Create(p).Error)
	if errors.Is(err, futures.ErrDuplicate) && p.IsOpen() {
		return futures.ErrPositionExists
	}
	return err
}

// CreatePositionAudited 审计记录先写，幂等键冲突时整个事务回滚
func (s *MySQL) CreatePositionAudited(ctx context.Context, p *futures.Position, rec *futures.AuditRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rec != nil {
			if err := translate(tx.Create(rec).Error); err != nil {
				return err
			}
		}
		if p.IsOpen() {
			key := futures.OpenKeyFor(p.UserAddress, p.Symbol, p.Side)
			p.OpenKey = &key
		}
		err := translate(tx.Create(p).Error)
		if errors.Is(err, futures.ErrDuplicate) && p.IsOpen() {
			return futures.ErrPositionExists
		}
		return err
	})
}

func (s *MySQL) GetPosition(ctx context.Context, id int64) (*futures.Position, error) {
	var p futures.Position
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *MySQL) FindOpenPosition(ctx context.Context, user, symbol string, side futures.Side) (*futures.Position, error) {
	var p futures.Position
	err := s.db.WithContext(ctx).
		Where("open_key = ?", futures.OpenKeyFor(user, symbol, side)).
		First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *MySQL) ListOpenPositions(ctx context.Context, symbol string) ([]*futures.Position, error) {
	var out []*futures.Position
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND status = ?", symbol, futures.PositionOpen).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *MySQL) ListUserPositions(ctx context.Context, user string) ([]*futures.Position, error) {
	var out []*futures.Position
	err := s.db.WithContext(ctx).
		Where("user_address = ? AND status = ?", user, futures.PositionOpen).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *MySQL) SavePosition(ctx context.Context, p *futures.Position, expect futures.PositionStatus) error {
	return savePosition(s.db.WithContext(ctx), p, expect)
}

// SavePositionAudited 持仓 CAS 和审计记录同一事务
func (s *MySQL) SavePositionAudited(ctx context.Context, p *futures.Position, expect futures.PositionStatus, rec *futures.AuditRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rec != nil {
			if err := translate(tx.Create(rec).Error); err != nil {
				return err
			}
		}
		return savePosition(tx, p, expect)
	})
}

// savePosition CAS: WHERE id = ? AND status = expect
func savePosition(tx *gorm.DB, p *futures.Position, expect futures.PositionStatus) error {
	if p.Status != expect && !expect.CanTransition(p.Status) {
		return futures.ErrStatusConflict
	}
	if p.IsOpen() {
		key := futures.OpenKeyFor(p.UserAddress, p.Symbol, p.Side)
		p.OpenKey = &key
	} else {
		p.OpenKey = nil
	}

	res := tx.Model(&futures.Position{}).
		Where("id = ? AND status = ?", p.ID, expect).
		Select("*").
		Updates(p)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return futures.ErrStatusConflict
	}
	return nil
}

// =============================================================================
// 资金费
// =============================================================================

func (s *MySQL) CurrentFundingRate(ctx context.Context, symbol string) (*futures.FundingRate, error) {
	var r futures.FundingRate
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND settled_at = 0", symbol).
		Order("id DESC").
		First(&r).Error
	if err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *MySQL) CreateFundingRate(ctx context.Context, r *futures.FundingRate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !r.IsSettled() {
			var n int64
			if err := tx.Model(&futures.FundingRate{}).
				Where("symbol = ? AND settled_at = 0", r.Symbol).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return futures.ErrDuplicate
			}
		}
		return translate(tx.Create(r).Error)
	})
}

func (s *MySQL) RollFundingRate(ctx context.Context, settled, next *futures.FundingRate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&futures.FundingRate{}).
			Where("id = ? AND settled_at = 0", settled.ID).
			Select("*").
			Updates(settled)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return futures.ErrStatusConflict
		}
		return translate(tx.Create(next).Error)
	})
}

func (s *MySQL) UpdateFundingRate(ctx context.Context, r *futures.FundingRate) error {
	res := s.db.WithContext(ctx).Model(&futures.FundingRate{}).
		Where("id = ? AND settled_at = 0", r.ID).
		Select("*").
		Updates(r)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return futures.ErrStatusConflict
	}
	return nil
}

func (s *MySQL) FundingRateHistory(ctx context.Context, symbol string, limit int) ([]*futures.FundingRate, error) {
	var out []*futures.FundingRate
	err := withLimit(s.db.WithContext(ctx).Where("symbol = ?", symbol).Order("id DESC"), limit).
		Find(&out).Error
	return out, err
}

func (s *MySQL) HasFundingSettlement(ctx context.Context, positionID, rateID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&futures.FundingSettlement{}).
		Where("position_id = ? AND funding_rate_id = ?", positionID, rateID).
		Count(&n).Error
	return n > 0, err
}

func (s *MySQL) ApplyFundingSettlement(ctx context.Context, p *futures.Position, fs *futures.FundingSettlement) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(fs).Error; err != nil {
			return translate(err)
		}
		return savePosition(tx, p, futures.PositionOpen)
	})
}

func (s *MySQL) ListFundingSettlements(ctx context.Context, positionID int64) ([]*futures.FundingSettlement, error) {
	var out []*futures.FundingSettlement
	err := s.db.WithContext(ctx).Where("position_id = ?", positionID).Order("id").Find(&out).Error
	return out, err
}

func (s *MySQL) ListUserFundingSettlements(ctx context.Context, user string, limit int) ([]*futures.FundingSettlement, error) {
	var out []*futures.FundingSettlement
	err := withLimit(s.db.WithContext(ctx).Where("user_address = ?", user).Order("id DESC"), limit).
		Find(&out).Error
	return out, err
}

// =============================================================================
// 强平
// =============================================================================

func (s *MySQL) ApplyLiquidation(ctx context.Context, p *futures.Position, l *futures.Liquidation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := savePosition(tx, p, futures.PositionOpen); err != nil {
			return err
		}
		return translate(tx.Create(l).Error)
	})
}

func (s *MySQL) GetLiquidationByPosition(ctx context.Context, positionID int64) (*futures.Liquidation, error) {
	var l futures.Liquidation
	if err := s.db.WithContext(ctx).First(&l, "position_id = ?", positionID).Error; err != nil {
		return nil, translate(err)
	}
	return &l, nil
}

func (s *MySQL) ListLiquidations(ctx context.Context, symbol string, limit int) ([]*futures.Liquidation, error) {
	var out []*futures.Liquidation
	err := withLimit(s.db.WithContext(ctx).Where("symbol = ?", symbol).Order("id DESC"), limit).
		Find(&out).Error
	return out, err
}

func (s *MySQL) ListUserLiquidations(ctx context.Context, user string, limit int) ([]*futures.Liquidation, error) {
	var out []*futures.Liquidation
	err := withLimit(s.db.WithContext(ctx).Where("user_address = ?", user).Order("id DESC"), limit).
		Find(&out).Error
	return out, err
}

// =============================================================================
// 保险基金
// =============================================================================

func (s *MySQL) GetInsuranceFund(ctx context.Context, symbol string) (*futures.InsuranceFund, error) {
	var f futures.InsuranceFund
	if err := s.db.WithContext(ctx).First(&f, "symbol = ?", symbol).Error; err != nil {
		return nil, translate(err)
	}
	return &f, nil
}

func (s *MySQL) ApplyInsuranceTransaction(ctx context.Context, f *futures.InsuranceFund, itx *futures.InsuranceFundTransaction) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(f).Error; err != nil {
			return err
		}
		return translate(tx.Create(itx).Error)
	})
}

func (s *MySQL) ListInsuranceTransactions(ctx context.Context, symbol string, limit int) ([]*futures.InsuranceFundTransaction, error) {
	var out []*futures.InsuranceFundTransaction
	err := withLimit(s.db.WithContext(ctx).Where("symbol = ?", symbol).Order("id DESC"), limit).
		Find(&out).Error
	return out, err
}

// =============================================================================
// ADL
// =============================================================================

func (s *MySQL) CreateADLEvent(ctx context.Context, e *futures.ADLEvent) error {
	return translate(s.db.WithContext(ctx).Create(e).Error)
}

func (s *MySQL) UpdateADLEvent(ctx context.Context, e *futures.ADLEvent) error {
	res := s.db.WithContext(ctx).Model(&futures.ADLEvent{}).
		Where("id = ? AND status = ?", e.ID, futures.ADLPending).
		Select("*").
		Updates(e)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return futures.ErrStatusConflict
	}
	return nil
}

func (s *MySQL) LatestADLEvent(ctx context.Context, symbol string) (*futures.ADLEvent, error) {
	var e futures.ADLEvent
	err := s.db.WithContext(ctx).Where("symbol = ?", symbol).Order("created_at DESC").First(&e).Error
	if err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *MySQL) ListADLEvents(ctx context.Context, symbol string, limit int) ([]*futures.ADLEvent, error) {
	var out []*futures.ADLEvent
	err := withLimit(s.db.WithContext(ctx).Where("symbol = ?", symbol).Order("id DESC"), limit).
		Find(&out).Error
	return out, err
}

func (s *MySQL) ApplyADLReduction(ctx context.Context, p *futures.Position, r *futures.ADLReduction) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := savePosition(tx, p, futures.PositionOpen); err != nil {
			return err
		}
		return translate(tx.Create(r).Error)
	})
}

func (s *MySQL) ListADLReductions(ctx context.Context, eventID int64) ([]*futures.ADLReduction, error) {
	var out []*futures.ADLReduction
	err := s.db.WithContext(ctx).Where("adl_event_id = ?", eventID).Order("adl_rank").Find(&out).Error
	return out, err
}

func (s *MySQL) ListUserADLReductions(ctx context.Context, user string, limit int) ([]*futures.ADLReduction, error) {
	var out []*futures.ADLReduction
	err := withLimit(s.db.WithContext(ctx).Where("user_address = ?", user).Order("id DESC"), limit).
		Find(&out).Error
	return out, err
}

// =============================================================================
// 条件单
// =============================================================================

func (s *MySQL) CreateTriggerOrder(ctx context.Context, o *futures.TriggerOrder) error {
	return translate(s.db.WithContext(ctx).Create(o).Error)
}

func (s *MySQL) GetTriggerOrder(ctx context.Context, id int64) (*futures.TriggerOrder, error) {
	var o futures.TriggerOrder
	if err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &o, nil
}

func (s *MySQL) ListActiveTriggerOrders(ctx context.Context, symbol string) ([]*futures.TriggerOrder, error) {
	var out []*futures.TriggerOrder
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND status = ?", symbol, futures.TriggerActive).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *MySQL) ListUserTriggerOrders(ctx context.Context, user, symbol string, status futures.TriggerStatus, limit int) ([]*futures.TriggerOrder, error) {
	q := s.db.WithContext(ctx).Where("user_address = ?", user)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*futures.TriggerOrder
	err := withLimit(q.Order("id DESC"), limit).Find(&out).Error
	return out, err
}

func (s *MySQL) CountActiveTriggerOrders(ctx context.Context, user, symbol string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&futures.TriggerOrder{}).
		Where("user_address = ? AND symbol = ? AND status = ?", user, symbol, futures.TriggerActive).
		Count(&n).Error
	return int(n), err
}

func (s *MySQL) TransitionTriggerOrder(ctx context.Context, o *futures.TriggerOrder, from futures.TriggerStatus) error {
	res := s.db.WithContext(ctx).Model(&futures.TriggerOrder{}).
		Where("id = ? AND status = ?", o.ID, from).
		Select("*").
		Updates(o)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return futures.ErrStatusConflict
	}
	return nil
}

func (s *MySQL) CreateTriggerExecution(ctx context.Context, e *futures.TriggerOrderExecution) error {
	return translate(s.db.WithContext(ctx).Create(e).Error)
}

func (s *MySQL) ListUserTriggerExecutions(ctx context.Context, user string, limit int) ([]*futures.TriggerOrderExecution, error) {
	var out []*futures.TriggerOrderExecution
	err := withLimit(s.db.WithContext(ctx).Where("user_address = ?", user).Order("id DESC"), limit).
		Find(&out).Error
	return out, err
}

func (s *MySQL) GetPositionTpSl(ctx context.Context, positionID int64) (*futures.PositionTpSl, error) {
	var t futures.PositionTpSl
	if err := s.db.WithContext(ctx).First(&t, "position_id = ?", positionID).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (s *MySQL) SavePositionTpSl(ctx context.Context, t *futures.PositionTpSl) error {
	return s.db.WithContext(ctx).Save(t).Error
}

// =============================================================================
// 审计
// =============================================================================

func (s *MySQL) InsertAuditRecord(ctx context.Context, r *futures.AuditRecord) error {
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

func (s *MySQL) HasAuditRecord(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&futures.AuditRecord{}).
		Where("idempotency_key = ?", key).
		Count(&n).Error
	return n > 0, err
}

func (s *MySQL) ListAuditRecords(ctx context.Context, afterID int64, limit int) ([]*futures.AuditRecord, error) {
	var out []*futures.AuditRecord
	err := withLimit(s.db.WithContext(ctx).Where("id > ?", afterID).Order("id"), limit).
		Find(&out).Error
	return out, err
}

// =============================================================================
// 市场配置 (config.Source)
// =============================================================================

// SaveMarketConfig 写入/覆盖一个市场的四张配置表
func (s *MySQL) SaveMarketConfig(ctx context.Context, mc futures.MarketConfig) error {
	mc.Normalize()
	now := time.Now().UnixMilli()
	mc.Funding.UpdatedAt = now
	mc.Liquidation.UpdatedAt = now
	mc.ADL.UpdatedAt = now
	mc.Trigger.UpdatedAt = now

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range []any{&mc.Funding, &mc.Liquidation, &mc.ADL, &mc.Trigger} {
			if err := tx.Save(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadMarketConfigs 以资金费配置表为主表，缺失的子配置取默认值
func (s *MySQL) LoadMarketConfigs(ctx context.Context) ([]futures.MarketConfig, error) {
	db := s.db.WithContext(ctx)

	var funding []futures.MarketFundingConfig
	if err := db.Order("symbol").Find(&funding).Error; err != nil {
		return nil, err
	}
	var liq []futures.LiquidationConfig
	if err := db.Find(&liq).Error; err != nil {
		return nil, err
	}
	var adl []futures.ADLConfig
	if err := db.Find(&adl).Error; err != nil {
		return nil, err
	}
	var trig []futures.TriggerOrderConfig
	if err := db.Find(&trig).Error; err != nil {
		return nil, err
	}

	liqBy := make(map[string]futures.LiquidationConfig, len(liq))
	for _, c := range liq {
		liqBy[c.Symbol] = c
	}
	adlBy := make(map[string]futures.ADLConfig, len(adl))
	for _, c := range adl {
		adlBy[c.Symbol] = c
	}
	trigBy := make(map[string]futures.TriggerOrderConfig, len(trig))
	for _, c := range trig {
		trigBy[c.Symbol] = c
	}

	out := make([]futures.MarketConfig, 0, len(funding))
	for _, f := range funding {
		mc := futures.DefaultMarketConfig(f.Symbol)
		mc.Funding = f
		if c, ok := liqBy[f.Symbol]; ok {
			mc.Liquidation = c
		}
		if c, ok := adlBy[f.Symbol]; ok {
			mc.ADL = c
		}
		if c, ok := trigBy[f.Symbol]; ok {
			mc.Trigger = c
		}
		// 忽略 UpdatedAt，避免配置内容未变时快照版本号抖动
		mc.Funding.UpdatedAt, mc.Liquidation.UpdatedAt, mc.ADL.UpdatedAt, mc.Trigger.UpdatedAt = 0, 0, 0, 0
		mc.Normalize()
		out = append(out, mc)
	}
	return out, nil
}
