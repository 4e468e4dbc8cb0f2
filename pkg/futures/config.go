// 文件: pkg/futures/config.go
// 市场级风控配置 (运营维护，引擎只读)
//
// 【约定】
// - *Rate 字段是小数: 0.005 = 0.5%
// - *Percentage 字段是百分数: 5 = 5%

package futures

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidConfig = errors.New("invalid market config")

// =============================================================================
// 资金费率配置
// =============================================================================

type MarketFundingConfig struct {
	Symbol               string          `gorm:"primaryKey;type:varchar(32)" yaml:"-"`
	FundingIntervalHours int             `gorm:"column:funding_interval_hours" yaml:"funding_interval_hours"`
	MaxFundingRate       decimal.Decimal `gorm:"column:max_funding_rate;type:decimal(36,18)" yaml:"max_funding_rate"`
	MinFundingRate       decimal.Decimal `gorm:"column:min_funding_rate;type:decimal(36,18)" yaml:"min_funding_rate"`
	FundingFactor        decimal.Decimal `gorm:"column:funding_factor;type:decimal(36,18)" yaml:"funding_factor"`
	ImpactPoolSize       decimal.Decimal `gorm:"column:impact_pool_size;type:decimal(36,18)" yaml:"impact_pool_size"`
	BorrowingRatePerHour decimal.Decimal `gorm:"column:borrowing_rate_per_hour;type:decimal(36,18)" yaml:"borrowing_rate_per_hour"`
	UpdatedAt            int64           `gorm:"column:updated_at" yaml:"-"`
}

func (MarketFundingConfig) TableName() string { return "market_funding_configs" }

// IntervalMillis 结算周期 (毫秒)
func (c MarketFundingConfig) IntervalMillis() int64 {
	return int64(c.FundingIntervalHours) * 3600 * 1000
}

func DefaultFundingConfig() MarketFundingConfig {
	return MarketFundingConfig{
		FundingIntervalHours: 8,
		MaxFundingRate:       D("0.0075"),
		MinFundingRate:       D("-0.0075"),
		FundingFactor:        D("0.01"),
		ImpactPoolSize:       Zero,
		BorrowingRatePerHour: Zero,
	}
}

// =============================================================================
// 强平配置
// =============================================================================

type LiquidationConfig struct {
	Symbol                     string          `gorm:"primaryKey;type:varchar(32)" yaml:"-"`
	LiquidationFeeRate         decimal.Decimal `gorm:"column:liquidation_fee_rate;type:decimal(36,18)" yaml:"liquidation_fee_rate"`
	MaxLeverage                int32           `gorm:"column:max_leverage" yaml:"max_leverage"`
	MaintenanceMarginRate      decimal.Decimal `gorm:"column:maintenance_margin_rate;type:decimal(36,18)" yaml:"maintenance_margin_rate"`
	MinCollateralUsd           decimal.Decimal `gorm:"column:min_collateral_usd;type:decimal(36,18)" yaml:"min_collateral_usd"`
	InsuranceFundFeeRate       decimal.Decimal `gorm:"column:insurance_fund_fee_rate;type:decimal(36,18)" yaml:"insurance_fund_fee_rate"`
	MaxInsurancePayoutRate     decimal.Decimal `gorm:"column:max_insurance_payout_rate;type:decimal(36,18)" yaml:"max_insurance_payout_rate"`
	LiquidatorRewardRate       decimal.Decimal `gorm:"column:liquidator_reward_rate;type:decimal(36,18)" yaml:"liquidator_reward_rate"`
	LiquidationPriceBufferRate decimal.Decimal `gorm:"column:liquidation_price_buffer_rate;type:decimal(36,18)" yaml:"liquidation_price_buffer_rate"`
	UpdatedAt                  int64           `gorm:"column:updated_at" yaml:"-"`
}

func (LiquidationConfig) TableName() string { return "liquidation_configs" }

func DefaultLiquidationConfig() LiquidationConfig {
	return LiquidationConfig{
		LiquidationFeeRate:         D("0.005"),
		MaxLeverage:                50,
		MaintenanceMarginRate:      D("0.005"),
		MinCollateralUsd:           D("10"),
		InsuranceFundFeeRate:       D("0.005"),
		MaxInsurancePayoutRate:     D("0.5"),
		LiquidatorRewardRate:       D("0.1"),
		LiquidationPriceBufferRate: D("0.05"),
	}
}

// =============================================================================
// ADL 配置
// =============================================================================

type ADLConfig struct {
	Symbol                 string          `gorm:"primaryKey;type:varchar(32)" yaml:"-"`
	Enabled                bool            `gorm:"column:enabled" yaml:"enabled"`
	PnlWeight              decimal.Decimal `gorm:"column:pnl_weight;type:decimal(36,18)" yaml:"pnl_weight"`
	LeverageWeight         decimal.Decimal `gorm:"column:leverage_weight;type:decimal(36,18)" yaml:"leverage_weight"`
	SizeWeight             decimal.Decimal `gorm:"column:size_weight;type:decimal(36,18)" yaml:"size_weight"`
	MinReductionPercentage decimal.Decimal `gorm:"column:min_reduction_percentage;type:decimal(36,18)" yaml:"min_reduction_percentage"`
	MaxReductionPercentage decimal.Decimal `gorm:"column:max_reduction_percentage;type:decimal(36,18)" yaml:"max_reduction_percentage"`
	MaxPositionsPerADL     int             `gorm:"column:max_positions_per_adl" yaml:"max_positions_per_adl"`
	MinIntervalSeconds     int             `gorm:"column:min_interval_seconds" yaml:"min_interval_seconds"`
	RankingRefreshSeconds  int             `gorm:"column:ranking_refresh_seconds" yaml:"ranking_refresh_seconds"`
	UpdatedAt              int64           `gorm:"column:updated_at" yaml:"-"`
}

func (ADLConfig) TableName() string { return "adl_configs" }

func DefaultADLConfig() ADLConfig {
	return ADLConfig{
		Enabled:                true,
		PnlWeight:              D("0.5"),
		LeverageWeight:         D("0.3"),
		SizeWeight:             D("0.2"),
		MinReductionPercentage: D("10"),
		MaxReductionPercentage: D("100"),
		MaxPositionsPerADL:     10,
		MinIntervalSeconds:     60,
		RankingRefreshSeconds:  30,
	}
}

// =============================================================================
// 条件单配置
// =============================================================================

type TriggerOrderConfig struct {
	Symbol                       string          `gorm:"primaryKey;type:varchar(32)" yaml:"-"`
	Enabled                      bool            `gorm:"column:enabled" yaml:"enabled"`
	TriggerCheckIntervalMs       int             `gorm:"column:trigger_check_interval_ms" yaml:"trigger_check_interval_ms"`
	MaxActiveOrdersPerUser       int             `gorm:"column:max_active_orders_per_user" yaml:"max_active_orders_per_user"`
	MinTriggerDistancePercentage decimal.Decimal `gorm:"column:min_trigger_distance_percentage;type:decimal(36,18)" yaml:"min_trigger_distance_percentage"`
	UpdatedAt                    int64           `gorm:"column:updated_at" yaml:"-"`
}

func (TriggerOrderConfig) TableName() string { return "trigger_order_configs" }

func DefaultTriggerOrderConfig() TriggerOrderConfig {
	return TriggerOrderConfig{
		Enabled:                      true,
		TriggerCheckIntervalMs:       100,
		MaxActiveOrdersPerUser:       50,
		MinTriggerDistancePercentage: Zero,
	}
}

// =============================================================================
// MarketConfig - 一个市场的全部配置快照
// =============================================================================

type MarketConfig struct {
	Symbol      string              `yaml:"symbol"`
	Funding     MarketFundingConfig `yaml:"funding"`
	Liquidation LiquidationConfig   `yaml:"liquidation"`
	ADL         ADLConfig           `yaml:"adl"`
	Trigger     TriggerOrderConfig  `yaml:"trigger"`
}

// DefaultMarketConfig 默认配置
func DefaultMarketConfig(symbol string) MarketConfig {
	mc := MarketConfig{
		Symbol:      symbol,
		Funding:     DefaultFundingConfig(),
		Liquidation: DefaultLiquidationConfig(),
		ADL:         DefaultADLConfig(),
		Trigger:     DefaultTriggerOrderConfig(),
	}
	mc.Normalize()
	return mc
}

// Normalize 把 symbol 同步到子配置
func (c *MarketConfig) Normalize() {
	c.Funding.Symbol = c.Symbol
	c.Liquidation.Symbol = c.Symbol
	c.ADL.Symbol = c.Symbol
	c.Trigger.Symbol = c.Symbol
}

// Validate 基础校验
func (c *MarketConfig) Validate() error {
	switch {
	case c.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidConfig)
	case c.Funding.FundingIntervalHours <= 0:
		return fmt.Errorf("%w: funding_interval_hours must be positive", ErrInvalidConfig)
	case c.Funding.MinFundingRate.GreaterThan(c.Funding.MaxFundingRate):
		return fmt.Errorf("%w: min_funding_rate > max_funding_rate", ErrInvalidConfig)
	case c.Liquidation.MaintenanceMarginRate.Sign() <= 0:
		return fmt.Errorf("%w: maintenance_margin_rate must be positive", ErrInvalidConfig)
	case c.Liquidation.MaxLeverage <= 0:
		return fmt.Errorf("%w: max_leverage must be positive", ErrInvalidConfig)
	case c.ADL.MinReductionPercentage.GreaterThan(c.ADL.MaxReductionPercentage):
		return fmt.Errorf("%w: min_reduction_percentage > max_reduction_percentage", ErrInvalidConfig)
	case c.ADL.MaxReductionPercentage.GreaterThan(Hundred):
		return fmt.Errorf("%w: max_reduction_percentage > 100", ErrInvalidConfig)
	case c.Trigger.TriggerCheckIntervalMs < 0:
		return fmt.Errorf("%w: trigger_check_interval_ms must not be negative", ErrInvalidConfig)
	}
	return nil
}
