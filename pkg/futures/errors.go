// 文件: pkg/futures/errors.go
// 领域错误定义

package futures

import "errors"

var (
	// 通用
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")

	// 价格
	ErrInvalidPrice = errors.New("invalid price input")

	// 持仓
	ErrPositionNotOpen     = errors.New("position is not open")
	ErrPositionExists      = errors.New("open position already exists for user/symbol/side")
	ErrStatusConflict      = errors.New("status changed concurrently")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrLeverageTooHigh     = errors.New("leverage exceeds market maximum")
	ErrCollateralTooLow    = errors.New("collateral below market minimum")
	ErrInsufficientMargin  = errors.New("remaining margin below maintenance requirement")
	ErrInvalidSide         = errors.New("invalid position side")
	ErrInvalidReduceAmount = errors.New("reduce amount exceeds position size")

	// 调度
	// 拿不到持仓锁且重试一次仍失败，留给下一个 tick
	ErrDeferred = errors.New("mutation deferred to next tick")
)
