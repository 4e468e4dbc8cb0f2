// 文件: pkg/settlement/sinks.go
// 审计事件的扇出目标

package settlement

import (
	"context"
	"encoding/json"
	"fmt"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/kafka"
)

// =============================================================================
// NATS
// =============================================================================

// Publisher NATS 发布能力 (*nats.Client)
type Publisher interface {
	Publish(subject string, v any) error
}

// NATSSink 发布到 <prefix>.<kind>
type NATSSink struct {
	pub    Publisher
	prefix string
}

func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	return &NATSSink{pub: pub, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(_ context.Context, rec *futures.AuditRecord) error {
	return s.pub.Publish(fmt.Sprintf("%s.%s", s.prefix, rec.Kind), rec)
}

// =============================================================================
// Kafka
// =============================================================================

// Sender Kafka 发送能力 (*kafka.Producer)
type Sender interface {
	Send(msg kafka.Message) error
}

// auditMessage AuditRecord -> kafka.Message，按 symbol 分区保序
type auditMessage struct {
	topic string
	rec   *futures.AuditRecord
}

func (m auditMessage) Topic() string          { return m.topic }
func (m auditMessage) Key() string            { return m.rec.Symbol }
func (m auditMessage) Value() ([]byte, error) { return json.Marshal(m.rec) }

// KafkaSink 链上结算消费者读取的 topic
type KafkaSink struct {
	sender Sender
	topic  string
}

func NewKafkaSink(sender Sender, topic string) *KafkaSink {
	return &KafkaSink{sender: sender, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(_ context.Context, rec *futures.AuditRecord) error {
	return s.sender.Send(auditMessage{topic: s.topic, rec: rec})
}

var (
	_ Sink = (*NATSSink)(nil)
	_ Sink = (*KafkaSink)(nil)
)
