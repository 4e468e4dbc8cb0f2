// 文件: pkg/kafka/consumer.go
// Kafka 消费者组
//
// 撮合引擎的成交事件可以走 Kafka (与 NATS 二选一)，
// 这里按消费者组消费并交给 handler，处理失败只记日志不阻塞分区

package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"max.com/perprisk/pkg/logger"
)

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers       []string
	GroupID       string
	Topics        []string
	OffsetInitial int64 // sarama.OffsetNewest / sarama.OffsetOldest
}

func DefaultConsumerConfig(brokers []string, groupID string, topics ...string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:       brokers,
		GroupID:       groupID,
		Topics:        topics,
		OffsetInitial: sarama.OffsetOldest,
	}
}

// MessageHandler 单条消息处理
type MessageHandler func(ctx context.Context, key, value []byte) error

// Consumer 消费者组封装
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler MessageHandler
}

func NewConsumer(cfg ConsumerConfig, handler MessageHandler) (*Consumer, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = cfg.OffsetInitial
	sc.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &Consumer{group: group, topics: cfg.Topics, handler: handler}, nil
}

// Run 阻塞消费直到 ctx 取消，rebalance 后自动重新加入
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.Component("Kafka")
	h := &groupHandler{ctx: ctx, handler: c.handler}
	for {
		if err := c.group.Consume(ctx, c.topics, h); err != nil {
			log.WithError(err).Warn("consume error")
		}
		if ctx.Err() != nil {
			return c.group.Close()
		}
	}
}

type groupHandler struct {
	ctx     context.Context
	handler MessageHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	log := logger.Component("Kafka")
	for msg := range claim.Messages() {
		if err := h.handler(h.ctx, msg.Key, msg.Value); err != nil {
			log.WithError(err).WithFields(map[string]any{
				"topic":  msg.Topic,
				"offset": msg.Offset,
			}).Warn("handle message failed")
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
