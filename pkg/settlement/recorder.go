// 文件: pkg/settlement/recorder.go
// 结算审计记录器
//
// 【职责】
// 1. 每一次资金变更写一条 AuditRecord，按 idempotency_key 唯一
// 2. 重复写入返回 ErrDuplicate，调用方视为成功
// 3. 落库后异步扇出到 NATS / Kafka，队列满时丢弃扇出 (记录仍在库里，可 Replay)
//
// 【流程】
//   Record -> LRU 去重 -> InsertAuditRecord -> queue -> sinks
//   Prepare -> 业务事务内写入 -> Committed -> queue -> sinks

package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"max.com/perprisk/pkg/futures"
	"max.com/perprisk/pkg/idgen"
	"max.com/perprisk/pkg/logger"
	"max.com/perprisk/pkg/metrics"
)

const (
	defaultQueueSize = 4096
	defaultDedupSize = 65536
	replayBatch      = 500
)

// Store 审计表
type Store interface {
	InsertAuditRecord(ctx context.Context, r *futures.AuditRecord) error
	ListAuditRecords(ctx context.Context, afterID int64, limit int) ([]*futures.AuditRecord, error)
}

// Sink 扇出目标
type Sink interface {
	Name() string
	Publish(ctx context.Context, rec *futures.AuditRecord) error
}

// Entry 一次待记录的变更
type Entry struct {
	Key        string
	Kind       futures.AuditKind
	Symbol     string
	PositionID int64
	Payload    any
}

// Recorder 审计记录器
type Recorder struct {
	store Store
	sinks []Sink
	seen  *lru.Cache
	queue chan *futures.AuditRecord

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	running atomic.Bool
}

// NewRecorder queueSize <= 0 使用默认值
func NewRecorder(store Store, queueSize int, sinks ...Sink) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	seen, _ := lru.New(defaultDedupSize)
	return &Recorder{
		store: store,
		sinks: sinks,
		seen:  seen,
		queue: make(chan *futures.AuditRecord, queueSize),
		done:  make(chan struct{}),
	}
}

// Key 构造幂等键，例如 Key("funding", posID, rateID) = "funding:1:2"
func Key(prefix string, parts ...int64) string {
	k := prefix
	for _, p := range parts {
		k = fmt.Sprintf("%s:%d", k, p)
	}
	return k
}

// Record 写审计记录
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	rec, err := r.Prepare(e)
	if err != nil {
		return err
	}
	if err := r.store.InsertAuditRecord(ctx, rec); err != nil {
		if errors.Is(err, futures.ErrDuplicate) {
			r.seen.Add(e.Key, struct{}{})
		}
		return err
	}
	r.Committed(rec)
	return nil
}

// Prepare 构造审计记录但不落库，供和业务数据同一事务写入的场景使用。
// 已知重复的 key 返回 ErrDuplicate
func (r *Recorder) Prepare(e Entry) (*futures.AuditRecord, error) {
	if e.Key == "" {
		return nil, errors.New("settlement: empty idempotency key")
	}
	if r.seen.Contains(e.Key) {
		return nil, futures.ErrDuplicate
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
	}
	return &futures.AuditRecord{
		ID:             idgen.Next(),
		IdempotencyKey: e.Key,
		Kind:           e.Kind,
		Symbol:         e.Symbol,
		PositionID:     e.PositionID,
		Payload:        payload,
		CreatedAt:      time.Now().UnixMilli(),
	}, nil
}

// Committed Prepare 出的记录已经落库: 记入去重缓存并扇出
func (r *Recorder) Committed(rec *futures.AuditRecord) {
	r.seen.Add(rec.IdempotencyKey, struct{}{})
	metrics.SettlementRecords.WithLabelValues(string(rec.Kind)).Inc()
	r.enqueue(rec)
}

// Seen 已知重复时记入去重缓存
func (r *Recorder) Seen(key string) {
	r.seen.Add(key, struct{}{})
}

// RecordOnce Record 的便捷版本，重复视为成功
func (r *Recorder) RecordOnce(ctx context.Context, e Entry) error {
	if err := r.Record(ctx, e); err != nil && !errors.Is(err, futures.ErrDuplicate) {
		return err
	}
	return nil
}

func (r *Recorder) enqueue(rec *futures.AuditRecord) {
	if len(r.sinks) == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		metrics.SettlementFanoutDropped.Inc()
		logger.Component("Settlement").WithField("key", rec.IdempotencyKey).Warn("fan-out queue full, record dropped")
	}
}

// Run 扇出循环，直到 Close
func (r *Recorder) Run(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	defer close(r.done)

	log := logger.Component("Settlement")
	for rec := range r.queue {
		for _, s := range r.sinks {
			if err := s.Publish(ctx, rec); err != nil {
				log.WithError(err).WithFields(map[string]any{
					"sink": s.Name(),
					"key":  rec.IdempotencyKey,
				}).Warn("publish failed")
			}
		}
	}
}

// Close 停止接收并等待扇出队列排空
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	if r.running.Load() {
		<-r.done
	}
}

// Replay 按 ID 顺序遍历 afterID 之后的记录
func (r *Recorder) Replay(ctx context.Context, afterID int64, fn func(*futures.AuditRecord) error) error {
	cursor := afterID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := r.store.ListAuditRecords(ctx, cursor, replayBatch)
		if err != nil {
			return err
		}
		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return err
			}
			cursor = rec.ID
		}
		if len(batch) < replayBatch {
			return nil
		}
	}
}

// Republish 把 afterID 之后的记录重新推给所有 sink
func (r *Recorder) Republish(ctx context.Context, afterID int64) (int, error) {
	n := 0
	err := r.Replay(ctx, afterID, func(rec *futures.AuditRecord) error {
		for _, s := range r.sinks {
			if err := s.Publish(ctx, rec); err != nil {
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
		}
		n++
		return nil
	})
	return n, err
}
