package kafka

import (
	"errors"
	"io"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perprisk/pkg/logger"
)

type testMessage struct {
	key string
	err error
}

func (m testMessage) Topic() string { return "perprisk.audit" }
func (m testMessage) Key() string   { return m.key }
func (m testMessage) Value() ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []byte(`{"key":"` + m.key + `"}`), nil
}

func TestProducerCountsSentAndFailed(t *testing.T) {
	logger.SetOutput(io.Discard)
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Errors = true
	ap := mocks.NewAsyncProducer(t, cfg)
	ap.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"key":"BTC-USD"}` {
			return errors.New("unexpected payload")
		}
		return nil
	})
	ap.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	p := newProducer(ap)
	require.NoError(t, p.Send(testMessage{key: "BTC-USD"}))
	require.NoError(t, p.Send(testMessage{key: "ETH-USD"}))
	require.NoError(t, p.Close())

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Sent)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestProducerRejectsAfterClose(t *testing.T) {
	logger.SetOutput(io.Discard)
	p := newProducer(mocks.NewAsyncProducer(t, mocks.NewTestConfig()))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.SendRaw("t", "k", []byte("v")), ErrProducerClosed)
}

func TestProducerSerializeError(t *testing.T) {
	logger.SetOutput(io.Discard)
	p := newProducer(mocks.NewAsyncProducer(t, mocks.NewTestConfig()))
	defer p.Close()

	boom := errors.New("boom")
	err := p.Send(testMessage{key: "x", err: boom})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), p.Stats().Sent)
}

func TestProducerConfigMapping(t *testing.T) {
	sc := DefaultProducerConfig([]string{"localhost:9092"}).saramaConfig()
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionSnappy, sc.Producer.Compression)
	assert.True(t, sc.Producer.Return.Errors)
	assert.False(t, sc.Producer.Return.Successes)

	sc = ProducerConfig{RequiredAcks: 1, Compression: "zstd"}.saramaConfig()
	assert.Equal(t, sarama.WaitForLocal, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionZSTD, sc.Producer.Compression)

	sc = ProducerConfig{RequiredAcks: 0, Compression: "unknown"}.saramaConfig()
	assert.Equal(t, sarama.NoResponse, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionNone, sc.Producer.Compression)
}
