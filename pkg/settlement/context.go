// 文件: pkg/settlement/context.go
// 收尾写入的 ctx

package settlement

import (
	"context"
	"time"
)

// DefaultSettleTimeout 收尾写入的默认超时
const DefaultSettleTimeout = 5 * time.Second

// Detach 收尾写入用的 ctx: 不继承上游的取消和截止时间，保留 ctx 中的值。
// 资金已经动过之后的补偿/落账不能因为上游超时而丢失
func Detach(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultSettleTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}
