package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perprisk/pkg/futures"
)

// fakeRequester 按 JSON 往返模拟 NATS request/reply
type fakeRequester struct {
	subject string
	got     ExecutionRequest
	reply   ExecutionReply
	err     error
}

func (f *fakeRequester) Request(_ context.Context, subject string, req, resp any) error {
	f.subject = subject
	if f.err != nil {
		return f.err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &f.got); err != nil {
		return err
	}
	data, err = json.Marshal(f.reply)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, resp)
}

func TestRequestFor(t *testing.T) {
	pid := int64(9)
	o := &futures.TriggerOrder{
		ID:            1,
		PositionID:    &pid,
		UserAddress:   "alice",
		Symbol:        "BTC-USD",
		Side:          futures.OrderSell,
		TriggerType:   futures.TriggerStopLoss,
		Size:          futures.D("500"),
		LimitPrice:    dec("99"),
		ClosePosition: true,
	}
	req := RequestFor(o, futures.D("95"))
	assert.True(t, req.ReduceOnly)
	assert.Nil(t, req.LimitPrice, "market trigger carries no limit")
	assert.True(t, futures.D("95").Equal(req.ReferencePrice()))

	o.TriggerType = futures.TriggerStopLimit
	req = RequestFor(o, futures.D("95"))
	require.NotNil(t, req.LimitPrice)
	assert.True(t, futures.D("99").Equal(req.ReferencePrice()))
}

func TestNATSGateway(t *testing.T) {
	ctx := context.Background()
	sell := ExecutionRequest{OrderID: 1, Side: futures.OrderSell, Size: futures.D("100"), MarkPrice: futures.D("95")}

	t.Run("filled", func(t *testing.T) {
		req := &fakeRequester{reply: ExecutionReply{Filled: true, Price: futures.D("95.1"), Size: futures.D("100"), RealizedPnl: futures.D("-4.9")}}
		res, err := NewNATSGateway(req, "", 0).Execute(ctx, sell)
		require.NoError(t, err)
		assert.Equal(t, "perprisk.execute", req.subject)
		assert.Equal(t, int64(1), req.got.OrderID)
		assert.True(t, futures.D("95.1").Equal(res.ExecutionPrice))
		assert.True(t, futures.D("-4.9").Equal(res.RealizedPnl))
	})

	t.Run("worse than mark", func(t *testing.T) {
		req := &fakeRequester{reply: ExecutionReply{Filled: true, Price: futures.D("94.9")}}
		_, err := NewNATSGateway(req, "", 0).Execute(ctx, sell)
		assert.ErrorIs(t, err, ErrFillWorseThanAsk)
	})

	t.Run("buy side", func(t *testing.T) {
		buy := sell
		buy.Side = futures.OrderBuy
		req := &fakeRequester{reply: ExecutionReply{Filled: true, Price: futures.D("94.9")}}
		_, err := NewNATSGateway(req, "", 0).Execute(ctx, buy)
		require.NoError(t, err)
	})

	t.Run("rejected", func(t *testing.T) {
		req := &fakeRequester{reply: ExecutionReply{Reason: "no liquidity"}}
		_, err := NewNATSGateway(req, "", 0).Execute(ctx, sell)
		assert.ErrorIs(t, err, ErrExecutionRejected)
		assert.Contains(t, err.Error(), "no liquidity")
	})

	t.Run("transport error", func(t *testing.T) {
		boom := errors.New("nats: timeout")
		req := &fakeRequester{err: boom}
		_, err := NewNATSGateway(req, "custom.subject", 0).Execute(ctx, sell)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, "custom.subject", req.subject)
	})
}

func TestPositionGateway_PartialDecrease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	pos := f.openLong(t, "alice")

	res, err := NewPositionGateway(f.positions).Execute(ctx, ExecutionRequest{
		OrderID:    42,
		PositionID: &pos.ID,
		User:       "alice",
		Symbol:     symbol,
		Side:       futures.OrderSell,
		Size:       futures.D("250"),
		MarkPrice:  futures.D("100"),
	})
	require.NoError(t, err)
	assert.True(t, futures.D("250").Equal(res.Size))

	left, err := f.positions.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, futures.D("750").Equal(left.SizeInUsd))

	_, err = NewPositionGateway(f.positions).Execute(ctx, ExecutionRequest{
		OrderID: 43, PositionID: &pos.ID, Side: futures.OrderBuy, Size: futures.D("1"), MarkPrice: futures.D("100"),
	})
	assert.ErrorIs(t, err, ErrPositionMismatch)

	_, err = NewPositionGateway(f.positions).Execute(ctx, ExecutionRequest{OrderID: 44, Side: futures.OrderSell, MarkPrice: futures.D("100")})
	assert.ErrorIs(t, err, ErrPositionRequired)
}
