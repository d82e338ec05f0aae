package session

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"homework-live/server/internal/metrics"
)

// ErrAlreadyActive 同一会话 id 已有活跃实例
var ErrAlreadyActive = errors.New("session already active")

// Closer 注册表管理的会话实例
type Closer interface {
	Close() error
}

// Registry 活跃会话注册表：同一 id 只允许一个实例（一个传输连接）。
type Registry[T Closer] struct {
	mu       sync.Mutex
	active   map[string]T
	creating map[string]bool
	metrics  *metrics.Metrics
	logger   *log.Logger
}

func NewRegistry[T Closer](m *metrics.Metrics, logger *log.Logger) *Registry[T] {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry[T]{
		active:   make(map[string]T),
		creating: make(map[string]bool),
		metrics:  m,
		logger:   logger,
	}
}

// Acquire 为 id 创建实例。id 已活跃或正在创建时返回 ErrAlreadyActive。
// create 在锁外执行，可以阻塞。
func (r *Registry[T]) Acquire(id string, create func() (T, error)) (T, error) {
	var zero T

	r.mu.Lock()
	if _, ok := r.active[id]; ok || r.creating[id] {
		r.mu.Unlock()
		return zero, fmt.Errorf("%w: %s", ErrAlreadyActive, id)
	}
	r.creating[id] = true
	r.mu.Unlock()

	inst, err := create()

	r.mu.Lock()
	delete(r.creating, id)
	if err != nil {
		r.mu.Unlock()
		return zero, err
	}
	r.active[id] = inst
	n := len(r.active)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(n)
	r.logger.Printf("[Registry] Session %s acquired (active=%d)", id, n)
	return inst, nil
}

// Get 返回活跃实例
func (r *Registry[T]) Get(id string) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.active[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return inst, nil
}

// Release 移除并关闭实例
func (r *Registry[T]) Release(id string) error {
	r.mu.Lock()
	inst, ok := r.active[id]
	if ok {
		delete(r.active, id)
	}
	n := len(r.active)
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	r.metrics.SetActiveSessions(n)
	r.logger.Printf("[Registry] Session %s released (active=%d)", id, n)
	return inst.Close()
}

// IDs 返回活跃会话 id（排序后）
func (r *Registry[T]) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll 关闭全部实例，返回合并后的错误
func (r *Registry[T]) CloseAll() error {
	var errs []error
	for _, id := range r.IDs() {
		if err := r.Release(id); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
