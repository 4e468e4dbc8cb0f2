// 文件: pkg/kafka/producer.go
// Kafka 异步生产者
//
// 结算审计事件经由这里推给链上结算消费者，
// 发送是异步的，引擎不会因为 Kafka 不可用而阻塞

package kafka

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"max.com/perprisk/pkg/logger"
)

var ErrProducerClosed = errors.New("kafka producer is closed")

// Message 可发送的消息
type Message interface {
	Topic() string          // 目标 topic
	Key() string            // 分区 key，同 key 保序
	Value() ([]byte, error) // 序列化后的消息体
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers        []string
	RequiredAcks   int    // 0=不等待, 1=leader, -1=全部副本
	Compression    string // none, gzip, snappy, lz4, zstd
	FlushFrequency time.Duration
	FlushMessages  int
	MaxRetries     int
}

// DefaultProducerConfig 结算流水要求全部副本确认
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		RequiredAcks:   -1,
		Compression:    "snappy",
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     5,
	}
}

func (c ProducerConfig) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()

	switch c.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}

	switch c.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	sc.Producer.Flush.Frequency = c.FlushFrequency
	sc.Producer.Flush.Messages = c.FlushMessages
	sc.Producer.Retry.Max = c.MaxRetries
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	// 同一 symbol 的事件落在同一分区
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	return sc
}

// Producer 异步生产者
type Producer struct {
	producer sarama.AsyncProducer

	sent   atomic.Int64
	failed atomic.Int64

	mu     sync.RWMutex // 保护 closed 与 Input() 的并发
	closed bool
	wg     sync.WaitGroup
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	ap, err := sarama.NewAsyncProducer(cfg.Brokers, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newProducer(ap), nil
}

func newProducer(ap sarama.AsyncProducer) *Producer {
	p := &Producer{producer: ap}
	p.wg.Add(1)
	go p.drainErrors()
	return p
}

// Send 异步发送
func (p *Producer) Send(msg Message) error {
	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	return p.SendRaw(msg.Topic(), msg.Key(), data)
}

// SendRaw 发送原始字节
func (p *Producer) SendRaw(topic, key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	p.sent.Add(1)
	return nil
}

func (p *Producer) drainErrors() {
	defer p.wg.Done()
	log := logger.Component("Kafka")
	for err := range p.producer.Errors() {
		p.failed.Add(1)
		log.WithError(err.Err).WithField("topic", err.Msg.Topic).Error("send failed")
	}
}

// ProducerStats 发送统计
type ProducerStats struct {
	Sent   int64
	Failed int64
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Sent: p.sent.Load(), Failed: p.failed.Load()}
}

// Close 关闭并等待错误通道排空
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.producer.Close()
	p.wg.Wait()
	return err
}
