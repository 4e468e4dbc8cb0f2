// 文件: pkg/insurance/ledger.go
// 保险基金账本
//
// 【核心作用】
// 用户穿仓时 (亏损 > 保证金)，由保险基金兜底；兜不住的部分交给 ADL
//
// 【资金来源】
// 1. 强平时收取的保险基金费 (contribution)
// 2. 运营注资 (deposit)
//
// 【不变量】
// balance = total_contributions - total_payouts >= 0
// 注资计入 contributions，提取计入 payouts

package insurance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/idgen"
	"max.com/perprisk/pkg/keylock"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/metrics"
	"max.com/perprisk/pkg/settlement"
)

// InsufficientFundError 余额不足以支付
type InsufficientFundError struct {
	Symbol    string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundError) Error() string {
	return fmt.Sprintf("insufficient insurance fund %s: requested %s, available %s",
		e.Symbol, e.Requested, e.Available)
}

// Store 保险基金表
type Store interface {
	GetInsuranceFund(ctx context.Context, symbol string) (*futures.InsuranceFund, error)
	ApplyInsuranceTransaction(ctx context.Context, f *futures.InsuranceFund, tx *futures.InsuranceFundTransaction) error
	ListInsuranceTransactions(ctx context.Context, symbol string, limit int) ([]*futures.InsuranceFundTransaction, error)
}

// Recorder 审计
type Recorder interface {
	RecordOnce(ctx context.Context, e settlement.Entry) error
}

// Ref 流水关联的强平/持仓
type Ref struct {
	LiquidationID *int64
	PositionID    *int64
}

// RefFor 强平引用
func RefFor(liquidationID, positionID int64) Ref {
	return Ref{LiquidationID: &liquidationID, PositionID: &positionID}
}

// Ledger 保险基金账本
type Ledger struct {
	store       Store
	locks       *keylock.Manager
	recorder    Recorder
	lockTimeout time.Duration
}

func NewLedger(store Store, locks *keylock.Manager, recorder Recorder, lockTimeout time.Duration) *Ledger {
	return &Ledger{
		store:       store,
		locks:       locks,
		recorder:    recorder,
		lockTimeout: lockTimeout,
	}
}

// =============================================================================
// 变更
// =============================================================================

// Contribute 强平费注入
func (l *Ledger) Contribute(ctx context.Context, symbol string, amount decimal.Decimal, ref Ref) (*futures.InsuranceFundTransaction, error) {
	return l.apply(ctx, symbol, futures.InsuranceTxContribution, amount, ref)
}

// Payout 穿仓赔付，余额不足返回 *InsufficientFundError 且不做任何修改
func (l *Ledger) Payout(ctx context.Context, symbol string, amount decimal.Decimal, ref Ref) (*futures.InsuranceFundTransaction, error) {
	return l.apply(ctx, symbol, futures.InsuranceTxPayout, amount, ref)
}

// Deposit 运营注资
func (l *Ledger) Deposit(ctx context.Context, symbol string, amount decimal.Decimal) (*futures.InsuranceFundTransaction, error) {
	return l.apply(ctx, symbol, futures.InsuranceTxDeposit, amount, Ref{})
}

// Withdraw 运营提取
func (l *Ledger) Withdraw(ctx context.Context, symbol string, amount decimal.Decimal) (*futures.InsuranceFundTransaction, error) {
	return l.apply(ctx, symbol, futures.InsuranceTxWithdrawal, amount, Ref{})
}

func (l *Ledger) apply(
	ctx context.Context,
	symbol string,
	typ futures.InsuranceTxType,
	amount decimal.Decimal,
	ref Ref,
) (*futures.InsuranceFundTransaction, error) {
	if amount.Sign() <= 0 {
		return nil, futures.ErrInvalidAmount
	}
	amount = futures.Round(amount)

	var tx *futures.InsuranceFundTransaction
	err := l.locks.WithLock(ctx, keylock.MarketKey(symbol), l.lockTimeout, func() error {
		fund, err := l.load(ctx, symbol)
		if err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		if typ.Inflow() {
			fund.Balance = fund.Balance.Add(amount)
			fund.TotalContributions = fund.TotalContributions.Add(amount)
		} else {
			if amount.GreaterThan(fund.Balance) {
				return &InsufficientFundError{Symbol: symbol, Requested: amount, Available: fund.Balance}
			}
			fund.Balance = fund.Balance.Sub(amount)
			fund.TotalPayouts = fund.TotalPayouts.Add(amount)
		}
		fund.UpdatedAt = now

		tx = &futures.InsuranceFundTransaction{
			ID:            idgen.Next(),
			Symbol:        symbol,
			Type:          typ,
			Amount:        amount,
			BalanceAfter:  fund.Balance,
			LiquidationID: ref.LiquidationID,
			PositionID:    ref.PositionID,
			CreatedAt:     now,
		}
		if err := l.store.ApplyInsuranceTransaction(ctx, fund, tx); err != nil {
			return fmt.Errorf("apply insurance %s: %w", typ, err)
		}

		balance, _ := fund.Balance.Float64()
		metrics.InsuranceFundBalance.WithLabelValues(symbol).Set(balance)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Component("InsuranceFund").WithFields(map[string]any{
		"symbol":        symbol,
		"type":          typ,
		"amount":        amount.String(),
		"balance_after": tx.BalanceAfter.String(),
	}).Info("insurance fund updated")

	if err := l.recorder.RecordOnce(ctx, settlement.Entry{
		Key:     settlement.Key("insurance", tx.ID),
		Kind:    futures.AuditInsuranceTransaction,
		Symbol:  symbol,
		Payload: tx,
	}); err != nil {
		logger.Component("InsuranceFund").WithError(err).Error("record audit failed")
	}
	return tx, nil
}

func (l *Ledger) load(ctx context.Context, symbol string) (*futures.InsuranceFund, error) {
	fund, err := l.store.GetInsuranceFund(ctx, symbol)
	if errors.Is(err, futures.ErrNotFound) {
		return futures.NewInsuranceFund(symbol), nil
	}
	return fund, err
}

// =============================================================================
// 查询
// =============================================================================

// Balance 当前余额，基金不存在时为 0
func (l *Ledger) Balance(ctx context.Context, symbol string) (decimal.Decimal, error) {
	fund, err := l.load(ctx, symbol)
	if err != nil {
		return futures.Zero, err
	}
	return fund.Balance, nil
}

// Fund 完整基金行
func (l *Ledger) Fund(ctx context.Context, symbol string) (*futures.InsuranceFund, error) {
	return l.load(ctx, symbol)
}

// CoverableAmount min(shortfall, max_insurance_payout_rate * size, balance)
func (l *Ledger) CoverableAmount(ctx context.Context, symbol string, shortfall, sizeInUsd decimal.Decimal, cfg futures.LiquidationConfig) (decimal.Decimal, error) {
	if shortfall.Sign() <= 0 {
		return futures.Zero, nil
	}
	balance, err := l.Balance(ctx, symbol)
	if err != nil {
		return futures.Zero, err
	}
	capAmount := futures.Mul(cfg.MaxInsurancePayoutRate, sizeInUsd)
	return futures.Max(futures.Zero, futures.Min(shortfall, capAmount, balance)), nil
}

// Transactions 最近的流水，新的在前
func (l *Ledger) Transactions(ctx context.Context, symbol string, limit int) ([]*futures.InsuranceFundTransaction, error) {
	return l.store.ListInsuranceTransactions(ctx, symbol, limit)
}
