// 文件: pkg/keylock/keylock.go
// 按 key 的互斥锁 (持仓级 / 市场级)
//
// 【设计】
// - 每个 key 一个容量为 1 的 channel，拿锁 = 写入，放锁 = 读出
// - 支持超时和 ctx 取消，避免任何操作无限阻塞
// - 引用计数归零后回收 key，防止 map 无限增长

package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout 在超时内没拿到锁 (ConcurrentMutationConflict)
var ErrLockTimeout = errors.New("concurrent mutation conflict: lock timeout")

// PositionKey 持仓级锁
func PositionKey(positionID int64) string {
	return fmt.Sprintf("position:%d", positionID)
}

// MarketKey 市场级锁 (保险基金)
func MarketKey(symbol string) string {
	return "market:" + symbol
}

// ADLKey 市场级 ADL 锁 (冷却判断 + 减仓)
//
// 加锁顺序: 强平 position -> market，ADL adl -> position，两条链不交叉
func ADLKey(symbol string) string {
	return "adl:" + symbol
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Manager 锁管理器
type Manager struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewManager() *Manager {
	return &Manager{locks: make(map[string]*entry)}
}

func (m *Manager) ref(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Manager) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Acquire 获取锁，返回的 unlock 必须在所有退出路径调用
func (m *Manager) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	e := m.ref(key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				m.unref(key, e)
			})
		}, nil
	case <-timer.C:
		m.unref(key, e)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}
}

// WithLock 持锁执行 fn；拿锁失败时立即重试一次
//
// 两次都超时返回 ErrLockTimeout，由调用方决定是否推迟到下一个 tick
func (m *Manager) WithLock(ctx context.Context, key string, timeout time.Duration, fn func() error) error {
	unlock, err := m.Acquire(ctx, key, timeout)
	if errors.Is(err, ErrLockTimeout) {
		unlock, err = m.Acquire(ctx, key, timeout)
	}
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Len 当前持有/等待中的 key 数量
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
