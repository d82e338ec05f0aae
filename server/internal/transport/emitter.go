package transport

import "sync"

// Emitter 多订阅者的类型化事件分发器。
// Emit 在锁外按订阅顺序同步调用处理函数，处理函数里可以安全地再订阅或退订。
type Emitter[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe 注册处理函数，返回的函数用于退订（可重复调用）
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscriber[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit 分发给当前全部订阅者
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	subs := make([]subscriber[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.RUnlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len 当前订阅者数量
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
