package settlement

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/kafka"
	"max.com/perprisk/pkg/store"
)

// recordingSink 记录收到的事件
type recordingSink struct {
	mu   sync.Mutex
	recs []*futures.AuditRecord
	gate chan struct{} // 非 nil 时阻塞发布
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, rec *futures.AuditRecord) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func TestRecorder_Dedup(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sink := &recordingSink{}
	r := NewRecorder(mem, 16, sink)
	go r.Run(ctx)

	entry := Entry{
		Key:        Key("funding", 1, 2),
		Kind:       futures.AuditFundingSettlement,
		Symbol:     "BTC-USD",
		PositionID: 1,
		Payload:    map[string]string{"fee": "1.25"},
	}
	require.NoError(t, r.Record(ctx, entry))
	assert.ErrorIs(t, r.Record(ctx, entry), futures.ErrDuplicate)
	assert.NoError(t, r.RecordOnce(ctx, entry))

	// 新的 Recorder (进程重启，LRU 为空) 仍然由存储去重
	r2 := NewRecorder(mem, 16)
	assert.ErrorIs(t, r2.Record(ctx, entry), futures.ErrDuplicate)

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	r.Close()
	assert.Equal(t, 1, sink.count())

	recs, err := mem.ListAuditRecords(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "funding:1:2", recs[0].IdempotencyKey)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(recs[0].Payload, &payload))
	assert.Equal(t, "1.25", payload["fee"])
}

func TestRecorder_FanoutNeverBlocks(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sink := &recordingSink{gate: make(chan struct{})}
	r := NewRecorder(mem, 1, sink)
	go r.Run(ctx)

	done := make(chan struct{})
	go func() {
		for i := int64(0); i < 20; i++ {
			_ = r.Record(ctx, Entry{Key: Key("liquidation", i), Kind: futures.AuditLiquidation})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a stalled sink")
	}

	// 所有记录都已落库
	recs, _ := mem.ListAuditRecords(ctx, 0, 0)
	assert.Len(t, recs, 20)

	close(sink.gate)
	r.Close()
	assert.Less(t, sink.count(), 20)
}

func TestRecorder_PrepareCommitted(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sink := &recordingSink{}
	r := NewRecorder(mem, 16, sink)
	go r.Run(ctx)

	entry := Entry{Key: Key("trade", 7), Kind: futures.AuditPositionChange, Symbol: "BTC-USD", PositionID: 7}
	rec, err := r.Prepare(entry)
	require.NoError(t, err)
	assert.Equal(t, "trade:7", rec.IdempotencyKey)

	// Prepare 不落库
	has, err := mem.HasAuditRecord(ctx, "trade:7")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, mem.InsertAuditRecord(ctx, rec))
	r.Committed(rec)

	_, err = r.Prepare(entry)
	assert.ErrorIs(t, err, futures.ErrDuplicate)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	r.Close()

	_, err = r.Prepare(Entry{Kind: futures.AuditPositionChange})
	assert.Error(t, err)
}

func TestDetach_SurvivesParentCancel(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-parent.Done()

	ctx, done := Detach(parent, time.Second)
	defer done()
	assert.NoError(t, ctx.Err())
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 100*time.Millisecond)

	ctx2, done2 := Detach(parent, 0)
	defer done2()
	deadline, ok = ctx2.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(DefaultSettleTimeout), deadline, 100*time.Millisecond)
}

func TestRecorder_Replay(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := NewRecorder(mem, 0)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, r.Record(ctx, Entry{Key: Key("adl", i), Kind: futures.AuditADLEvent}))
	}

	var keys []string
	require.NoError(t, r.Replay(ctx, 0, func(rec *futures.AuditRecord) error {
		keys = append(keys, rec.IdempotencyKey)
		return nil
	}))
	assert.Equal(t, []string{"adl:1", "adl:2", "adl:3", "adl:4", "adl:5"}, keys)

	sink := &recordingSink{}
	r.sinks = []Sink{sink}
	n, err := r.Republish(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, sink.count())
}

type captureSender struct {
	msgs []kafka.Message
}

func (c *captureSender) Send(m kafka.Message) error {
	c.msgs = append(c.msgs, m)
	return nil
}

type capturePublisher struct {
	subjects []string
}

func (c *capturePublisher) Publish(subject string, _ any) error {
	c.subjects = append(c.subjects, subject)
	return nil
}

func TestSinks(t *testing.T) {
	rec := &futures.AuditRecord{ID: 1, Kind: futures.AuditLiquidation, Symbol: "ETH-USD"}

	pub := &capturePublisher{}
	require.NoError(t, NewNATSSink(pub, "perprisk.settlement").Publish(context.Background(), rec))
	assert.Equal(t, []string{"perprisk.settlement.liquidation"}, pub.subjects)

	sender := &captureSender{}
	require.NoError(t, NewKafkaSink(sender, "perprisk-settlement").Publish(context.Background(), rec))
	require.Len(t, sender.msgs, 1)
	assert.Equal(t, "perprisk-settlement", sender.msgs[0].Topic())
	assert.Equal(t, "ETH-USD", sender.msgs[0].Key())
}
