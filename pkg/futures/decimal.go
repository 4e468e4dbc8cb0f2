// 文件: pkg/futures/decimal.go
// 定点数工具
//
// 【精度约定】
// - 所有金额/价格/费率使用 shopspring/decimal
// - 持久化列统一 decimal(36,18)，即 18 位小数
// - 除法必须走 Div()，避免 decimal 默认 16 位除法精度造成的累计误差

package futures

import "github.com/shopspring/decimal"

// Scale 小数位数
const Scale int32 = 18

// DecimalColumn gorm 列类型
const DecimalColumn = "decimal(36,18)"

var (
	Zero    = decimal.Zero
	One     = decimal.NewFromInt(1)
	Hundred = decimal.NewFromInt(100)
)

// Round 截断到 18 位小数
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Div 定点除法，除数为 0 时返回 0
func Div(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return Zero
	}
	return a.DivRound(b, Scale)
}

// Mul 定点乘法
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Round(Scale)
}

// Clamp 限制在 [lo, hi]
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// Min 较小值
func Min(a decimal.Decimal, rest ...decimal.Decimal) decimal.Decimal {
	m := a
	for _, v := range rest {
		if v.LessThan(m) {
			m = v
		}
	}
	return m
}

// Max 较大值
func Max(a decimal.Decimal, rest ...decimal.Decimal) decimal.Decimal {
	m := a
	for _, v := range rest {
		if v.GreaterThan(m) {
			m = v
		}
	}
	return m
}

// Percent 百分数转小数: 5 -> 0.05
func Percent(p decimal.Decimal) decimal.Decimal {
	return Div(p, Hundred)
}

// D 字符串常量转 decimal，仅用于常量/测试
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
