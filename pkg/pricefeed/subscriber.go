// 文件: pkg/pricefeed/subscriber.go
// 价格 tick 的 NATS 入口
//
// 主题格式: <prefix>.<symbol>，例如 perprisk.price.BTC-USD
// 消息体缺少 symbol 时取主题最后一段

package pricefeed

import (
	"encoding/json"
	"fmt"
	"strings"

	"max.com/perprisk/pkg/nats"
)

// Subscriber 订阅能力，*nats.Client 实现
type Subscriber interface {
	Subscribe(handler nats.MessageHandler, subjects ...string) error
}

// Decode 解析一条 tick 消息
func Decode(subject string, data []byte) (Tick, error) {
	var t Tick
	if err := json.Unmarshal(data, &t); err != nil {
		return Tick{}, fmt.Errorf("decode tick on %s: %w", subject, err)
	}
	if t.Symbol == "" {
		if i := strings.LastIndexByte(subject, '.'); i >= 0 && i < len(subject)-1 {
			t.Symbol = subject[i+1:]
		}
	}
	return t, nil
}

// SubscribeNATS 订阅价格主题 (支持通配符)，解析后交给 handler
func SubscribeNATS(sub Subscriber, subject string, handler func(Tick) error) error {
	return sub.Subscribe(func(subj string, data []byte) error {
		t, err := Decode(subj, data)
		if err != nil {
			return err
		}
		return handler(t)
	}, subject)
}
