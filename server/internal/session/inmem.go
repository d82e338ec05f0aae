package session

import (
	"context"
	"errors"
	"sync"

	"homework-live/server/internal/model"
)

var ErrNotFound = errors.New("session not found")

// InMemoryStore 是一个基于内存的快照存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]model.UIState
}

func NewInMemoryStore() *InMemoryStore {
	// 重启即丢数据；历史记录另由 timeline 持久化。
	return &InMemoryStore{data: make(map[string]model.UIState)}
}

// Get 返回快照副本
func (s *InMemoryStore) Get(_ context.Context, id string) (*model.UIState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := state.Clone()
	return &out, nil
}

// Save 保存或更新快照
func (s *InMemoryStore) Save(_ context.Context, state *model.UIState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[state.SessionID] = state.Clone()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}
