// 文件: pkg/store/store.go
// 持久化层
//
// 【实现】
// - Memory: 测试/模拟
// - MySQL:  生产 (GORM)
//
// 业务包各自声明自己需要的小接口，这里的 Store 是它们的并集，
// 只用于装配和编译期检查

package store

import (
	"context"

	"max.com/perprisk/pkg/futures"
)

// Store 全部持久化操作
type Store interface {
	CreatePosition(ctx context.Context, p *futures.Position) error
	GetPosition(ctx context.Context, id int64) (*futures.Position, error)
	FindOpenPosition(ctx context.Context, user, symbol string, side futures.Side) (*futures.Position, error)
	ListOpenPositions(ctx context.Context, symbol string) ([]*futures.Position, error)
	ListUserPositions(ctx context.Context, user string) ([]*futures.Position, error)
	SavePosition(ctx context.Context, p *futures.Position, expect futures.PositionStatus) error
	// rec 非 nil 时和持仓同一事务写入，幂等键重复返回 ErrDuplicate 且持仓不变
	CreatePositionAudited(ctx context.Context, p *futures.Position, rec *futures.AuditRecord) error
	SavePositionAudited(ctx context.Context, p *futures.Position, expect futures.PositionStatus, rec *futures.AuditRecord) error

	CurrentFundingRate(ctx context.Context, symbol string) (*futures.FundingRate, error)
	CreateFundingRate(ctx context.Context, r *futures.FundingRate) error
	RollFundingRate(ctx context.Context, settled, next *futures.FundingRate) error
	UpdateFundingRate(ctx context.Context, r *futures.FundingRate) error
	FundingRateHistory(ctx context.Context, symbol string, limit int) ([]*futures.FundingRate, error)
	HasFundingSettlement(ctx context.Context, positionID, rateID int64) (bool, error)
	ApplyFundingSettlement(ctx context.Context, p *futures.Position, s *futures.FundingSettlement) error
	ListFundingSettlements(ctx context.Context, positionID int64) ([]*futures.FundingSettlement, error)
	ListUserFundingSettlements(ctx context.Context, user string, limit int) ([]*futures.FundingSettlement, error)

	ApplyLiquidation(ctx context.Context, p *futures.Position, l *futures.Liquidation) error
	GetLiquidationByPosition(ctx context.Context, positionID int64) (*futures.Liquidation, error)
	ListLiquidations(ctx context.Context, symbol string, limit int) ([]*futures.Liquidation, error)
	ListUserLiquidations(ctx context.Context, user string, limit int) ([]*futures.Liquidation, error)

	GetInsuranceFund(ctx context.Context, symbol string) (*futures.InsuranceFund, error)
	ApplyInsuranceTransaction(ctx context.Context, f *futures.InsuranceFund, tx *futures.InsuranceFundTransaction) error
	ListInsuranceTransactions(ctx context.Context, symbol string, limit int) ([]*futures.InsuranceFundTransaction, error)

	CreateADLEvent(ctx context.Context, e *futures.ADLEvent) error
	UpdateADLEvent(ctx context.Context, e *futures.ADLEvent) error
	LatestADLEvent(ctx context.Context, symbol string) (*futures.ADLEvent, error)
	ListADLEvents(ctx context.Context, symbol string, limit int) ([]*futures.ADLEvent, error)
	ApplyADLReduction(ctx context.Context, p *futures.Position, r *futures.ADLReduction) error
	ListADLReductions(ctx context.Context, eventID int64) ([]*futures.ADLReduction, error)
	ListUserADLReductions(ctx context.Context, user string, limit int) ([]*futures.ADLReduction, error)

	CreateTriggerOrder(ctx context.Context, o *futures.TriggerOrder) error
	GetTriggerOrder(ctx context.Context, id int64) (*futures.TriggerOrder, error)
	ListActiveTriggerOrders(ctx context.Context, symbol string) ([]*futures.TriggerOrder, error)
	ListUserTriggerOrders(ctx context.Context, user, symbol string, status futures.TriggerStatus, limit int) ([]*futures.TriggerOrder, error)
	CountActiveTriggerOrders(ctx context.Context, user, symbol string) (int, error)
	TransitionTriggerOrder(ctx context.Context, o *futures.TriggerOrder, from futures.TriggerStatus) error
	CreateTriggerExecution(ctx context.Context, e *futures.TriggerOrderExecution) error
	ListUserTriggerExecutions(ctx context.Context, user string, limit int) ([]*futures.TriggerOrderExecution, error)
	GetPositionTpSl(ctx context.Context, positionID int64) (*futures.PositionTpSl, error)
	SavePositionTpSl(ctx context.Context, t *futures.PositionTpSl) error

	InsertAuditRecord(ctx context.Context, r *futures.AuditRecord) error
	HasAuditRecord(ctx context.Context, key string) (bool, error)
	ListAuditRecords(ctx context.Context, afterID int64, limit int) ([]*futures.AuditRecord, error)

	SaveMarketConfig(ctx context.Context, mc futures.MarketConfig) error
	LoadMarketConfigs(ctx context.Context) ([]futures.MarketConfig, error)
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*MySQL)(nil)
)
