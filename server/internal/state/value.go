package state

import "sync"

// Value 是一个“只保留最新值”的发布者。
//
// 契约：
// - 订阅者总是看到最新值，不会积压历史值（慢订阅者只会错过中间值）。
// - 新订阅者立即收到当前值。
// - Update 在锁内完成“读取-修改-发布”，同一个 Value 上的两次修改不会乱序发布。
type Value[T any] struct {
	mu      sync.Mutex
	current T
	nextID  int
	subs    map[int]chan T
	closed  bool
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		current: initial,
		subs:    make(map[int]chan T),
	}
}

// Get 返回当前值。
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set 用新值整体替换并广播。
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = val
	v.broadcastLocked()
}

// Update 基于当前值计算新值并广播，返回新值。
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = fn(v.current)
	v.broadcastLocked()
	return v.current
}

// Subscribe 订阅值变化，返回只读通道与取消函数。
// Value 关闭后通道会被关闭。
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch := make(chan T, 1)
	if v.closed {
		close(ch)
		return ch, func() {}
	}
	id := v.nextID
	v.nextID++
	v.subs[id] = ch
	ch <- v.current

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			if sub, ok := v.subs[id]; ok {
				delete(v.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Close 关闭所有订阅通道，之后的 Set/Update 只更新当前值。
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for id, ch := range v.subs {
		close(ch)
		delete(v.subs, id)
	}
}

// broadcastLocked 覆盖每个订阅者缓冲区里的旧值，调用方必须持有锁。
func (v *Value[T]) broadcastLocked() {
	for _, ch := range v.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v.current
	}
}
