package timeline

import (
	"context"
	"sync"

	"homework-live/server/internal/model"
)

// InMemoryStore 是一个基于内存的历史存储实现。
type InMemoryStore struct {
	mu       sync.RWMutex
	entries  map[string][]model.HistoryEntry
	seq      map[string]int64
	eventIDs map[string]map[string]int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries:  make(map[string][]model.HistoryEntry),
		seq:      make(map[string]int64),
		eventIDs: make(map[string]map[string]int64),
	}
}

// Append 追加一条历史，并为该 session 分配单调递增 seq。
// 相同 EventID 会直接返回已分配的 seq（幂等）。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, entry *model.HistoryEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.EventID != "" {
		if seq, exists := s.eventIDs[sessionID][entry.EventID]; exists {
			return seq, nil
		}
	}

	s.seq[sessionID]++
	seq := s.seq[sessionID]

	entryCopy := *entry
	entryCopy.Seq = seq
	entryCopy.SessionID = sessionID
	s.entries[sessionID] = append(s.entries[sessionID], entryCopy)

	if entry.EventID != "" {
		if s.eventIDs[sessionID] == nil {
			s.eventIDs[sessionID] = make(map[string]int64)
		}
		s.eventIDs[sessionID][entry.EventID] = seq
	}

	return seq, nil
}

// List 返回切片副本，避免调用方修改内部数据。
func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[sessionID]
	out := make([]model.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}
